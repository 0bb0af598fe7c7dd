package outline

import (
	"fmt"
	"strings"

	"github.com/google/go-cmp/cmp"
	"github.com/zclconf/go-cty/cty"

	"github.com/vk/regraft/internal/modtree"
	"github.com/vk/regraft/internal/trace"
)

// verifyGraphEquivalence checks that two builds of a shared module instance
// produced structurally identical subgraphs: same node count, operation
// kinds, and argument topology.
func verifyGraphEquivalence(first, second *modtree.Module) error {
	a, b := graphDump(first.Graph), graphDump(second.Graph)
	if a == b {
		return nil
	}
	return fmt.Errorf("%w:\n%s", ErrInconsistentShared, cmp.Diff(a, b))
}

// graphDump renders a graph in a canonical position-based form, so that two
// structurally identical graphs dump to the same string regardless of node
// naming.
func graphDump(g *trace.Graph) string {
	idx := make(map[*trace.Node]int, g.Len())

	var renderArg func(a trace.Arg) string
	renderArg = func(a trace.Arg) string {
		switch a := a.(type) {
		case trace.NodeRef:
			return fmt.Sprintf("%%%d", idx[a.Node])
		case trace.List:
			parts := make([]string, len(a.Elems))
			for i, e := range a.Elems {
				parts[i] = renderArg(e)
			}
			return "[" + strings.Join(parts, ", ") + "]"
		case trace.Dict:
			parts := make([]string, len(a.Elems))
			for i, e := range a.Elems {
				parts[i] = a.Keys[i] + ": " + renderArg(e)
			}
			return "{" + strings.Join(parts, ", ") + "}"
		case trace.Literal:
			if a.Value.Type() == cty.NilType {
				return "none"
			}
			return a.Value.GoString()
		}
		return "?"
	}

	var b strings.Builder
	for i, n := range g.Nodes() {
		parts := make([]string, 0, len(n.Args())+len(n.Kwargs()))
		for _, a := range n.Args() {
			parts = append(parts, renderArg(a))
		}
		for _, k := range n.KwargNames() {
			parts = append(parts, fmt.Sprintf("%s=%s", k, renderArg(n.Kwargs()[k])))
		}
		target := ""
		if n.Op == trace.OpCallFunction {
			target = n.Target
		}
		fmt.Fprintf(&b, "%d: %s[%s](%s)\n", i, n.Op, target, strings.Join(parts, ", "))
		idx[n] = i
	}
	return b.String()
}

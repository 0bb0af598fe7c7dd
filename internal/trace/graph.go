package trace

import (
	"fmt"
	"strconv"
	"strings"
)

// Graph is an ordered sequence of operation nodes. The zero value is not
// usable; construct with NewGraph.
type Graph struct {
	nodes  []*Node
	byName map[string]*Node

	// insertIdx is the position the next created node is spliced into, or -1
	// to append at the end.
	insertIdx int
}

// NewGraph returns an empty graph.
func NewGraph() *Graph {
	return &Graph{byName: make(map[string]*Node), insertIdx: -1}
}

// Nodes returns the node sequence in graph order. The returned slice is a
// copy and safe to range over while mutating the graph.
func (g *Graph) Nodes() []*Node {
	return append([]*Node(nil), g.nodes...)
}

// Len returns the number of nodes.
func (g *Graph) Len() int { return len(g.nodes) }

// Lookup returns the node with the given name, or nil.
func (g *Graph) Lookup(name string) *Node { return g.byName[name] }

// OutputNode returns the graph's terminal output node, or nil when the graph
// has not been finalized yet.
func (g *Graph) OutputNode() *Node {
	for i := len(g.nodes) - 1; i >= 0; i-- {
		if g.nodes[i].Op == OpOutput {
			return g.nodes[i]
		}
	}
	return nil
}

// Placeholders returns the graph's input nodes in order.
func (g *Graph) Placeholders() []*Node {
	var out []*Node
	for _, n := range g.nodes {
		if n.Op == OpPlaceholder {
			out = append(out, n)
		}
	}
	return out
}

// InsertBefore makes subsequent node creations splice in immediately before
// the anchor node. The insertion point advances past each created node, so a
// run of creations lands in order.
func (g *Graph) InsertBefore(anchor *Node) {
	g.insertIdx = g.mustIndex(anchor)
}

// InsertAfter makes subsequent node creations splice in immediately after
// the anchor node.
func (g *Graph) InsertAfter(anchor *Node) {
	g.insertIdx = g.mustIndex(anchor) + 1
}

// InsertAtStart makes subsequent node creations splice in at the front of
// the graph. Synthesized placeholders use this, so they accumulate in
// reverse discovery order, which the outliner mirrors when prepending
// call-site arguments.
func (g *Graph) InsertAtStart() { g.insertIdx = 0 }

// InsertAtEnd restores the default append-at-end insertion point.
func (g *Graph) InsertAtEnd() { g.insertIdx = -1 }

// Placeholder creates a graph input node at the current insertion point.
func (g *Graph) Placeholder(name string) *Node {
	return g.create(OpPlaceholder, name, "", nil, nil)
}

// CallFunction creates a function-call node at the current insertion point.
func (g *Graph) CallFunction(name, target string, args []Arg, kwargs map[string]Arg) *Node {
	return g.create(OpCallFunction, name, target, args, kwargs)
}

// CallModule creates a submodule-call node at the current insertion point.
// The target is the accessor path of the submodule relative to the graph's
// owning module.
func (g *Graph) CallModule(name, target string, args []Arg, kwargs map[string]Arg) *Node {
	return g.create(OpCallModule, name, target, args, kwargs)
}

// GetAttr creates an attribute-fetch node at the current insertion point.
func (g *Graph) GetAttr(name, target string) *Node {
	return g.create(OpGetAttr, name, target, nil, nil)
}

// Output creates the graph's terminal node, which always appends at the end.
func (g *Graph) Output(result Arg) *Node {
	g.InsertAtEnd()
	return g.create(OpOutput, "output", "", []Arg{result}, nil)
}

// CopyNode copies a node owned by another graph into this graph at the
// current insertion point, rewriting each argument reference through remap.
// The copy keeps the source node's name and metadata.
func (g *Graph) CopyNode(src *Node, remap func(*Node) Arg) *Node {
	args := make([]Arg, len(src.args))
	for i, a := range src.args {
		args[i] = MapArg(a, remap)
	}
	var kwargs map[string]Arg
	if len(src.kwargs) > 0 {
		kwargs = make(map[string]Arg, len(src.kwargs))
		for k, a := range src.kwargs {
			kwargs[k] = MapArg(a, remap)
		}
	}
	n := g.create(src.Op, src.Name, src.Target, args, kwargs)
	n.Meta = src.Meta.Clone()
	return n
}

// EraseNode removes a node from the graph. It is an error to erase a node
// that still has users.
func (g *Graph) EraseNode(n *Node) error {
	if len(n.users) > 0 {
		return fmt.Errorf("cannot erase node %%%s: it still has %d users", n.Name, len(n.users))
	}
	idx := g.mustIndex(n)
	n.unlinkArgs()
	g.nodes = append(g.nodes[:idx], g.nodes[idx+1:]...)
	if g.insertIdx > idx {
		g.insertIdx--
	}
	delete(g.byName, n.Name)
	n.graph = nil
	return nil
}

// ReplaceAllUses redirects every reference to old so it points at new
// instead, except in user nodes for which skip returns true. It returns the
// rewritten user nodes.
func (g *Graph) ReplaceAllUses(old, new *Node, skip func(*Node) bool) []*Node {
	users := old.Users()
	var changed []*Node
	for _, u := range users {
		if skip != nil && skip(u) {
			continue
		}
		remap := func(ref *Node) Arg {
			if ref == old {
				return NodeRef{Node: new}
			}
			return NodeRef{Node: ref}
		}
		args := make([]Arg, len(u.args))
		for i, a := range u.args {
			args[i] = MapArg(a, remap)
		}
		u.SetArgs(args)
		if len(u.kwargs) > 0 {
			kwargs := make(map[string]Arg, len(u.kwargs))
			for k, a := range u.kwargs {
				kwargs[k] = MapArg(a, remap)
			}
			u.SetKwargs(kwargs)
		}
		changed = append(changed, u)
	}
	return changed
}

// Copy returns a deep clone of the graph. Node names, order, metadata, and
// argument topology are preserved; the clone shares no nodes with the
// original.
func (g *Graph) Copy() *Graph {
	out := NewGraph()
	mapping := make(map[*Node]*Node, len(g.nodes))
	for _, n := range g.nodes {
		copied := out.CopyNode(n, func(ref *Node) Arg {
			return NodeRef{Node: mapping[ref]}
		})
		mapping[n] = copied
	}
	return out
}

// Lint revalidates the graph's structural invariants: unique names, argument
// references only to earlier nodes of this graph, and at most one output
// node positioned last.
func (g *Graph) Lint() error {
	seen := make(map[*Node]int, len(g.nodes))
	for i, n := range g.nodes {
		if n.graph != g {
			return fmt.Errorf("node %%%s is not owned by this graph", n.Name)
		}
		if g.byName[n.Name] != n {
			return fmt.Errorf("node %%%s is not indexed under its name", n.Name)
		}
		var err error
		walkRefs(n.args, n.kwargs, func(ref *Node) {
			if err != nil {
				return
			}
			if _, ok := seen[ref]; !ok {
				err = fmt.Errorf("node %%%s references %%%s, which does not appear earlier in the graph", n.Name, ref.Name)
			}
		})
		if err != nil {
			return err
		}
		if n.Op == OpOutput && i != len(g.nodes)-1 {
			return fmt.Errorf("output node %%%s is not the final node", n.Name)
		}
		seen[n] = i
	}
	return nil
}

// String renders the whole graph, one node per line.
func (g *Graph) String() string {
	var b strings.Builder
	for _, n := range g.nodes {
		b.WriteString(n.String())
		b.WriteByte('\n')
	}
	return b.String()
}

// FreshName returns base, or base_1, base_2, ... until the name is unused.
func (g *Graph) FreshName(base string) string {
	if _, taken := g.byName[base]; !taken {
		return base
	}
	for i := 1; ; i++ {
		candidate := base + "_" + strconv.Itoa(i)
		if _, taken := g.byName[candidate]; !taken {
			return candidate
		}
	}
}

func (g *Graph) create(op Op, name, target string, args []Arg, kwargs map[string]Arg) *Node {
	name = g.FreshName(name)
	n := &Node{
		Name:   name,
		Op:     op,
		Target: target,
		graph:  g,
		users:  make(map[*Node]struct{}),
	}
	n.args = args
	n.kwargs = kwargs
	n.linkArgs()

	if g.insertIdx < 0 || g.insertIdx >= len(g.nodes) {
		g.nodes = append(g.nodes, n)
	} else {
		g.nodes = append(g.nodes, nil)
		copy(g.nodes[g.insertIdx+1:], g.nodes[g.insertIdx:])
		g.nodes[g.insertIdx] = n
		g.insertIdx++
	}
	g.byName[name] = n
	return n
}

func (g *Graph) index(n *Node) int {
	for i, cand := range g.nodes {
		if cand == n {
			return i
		}
	}
	return -1
}

func (g *Graph) mustIndex(n *Node) int {
	idx := g.index(n)
	if idx < 0 {
		panic(fmt.Sprintf("trace: node %%%s is not in this graph", n.Name))
	}
	return idx
}

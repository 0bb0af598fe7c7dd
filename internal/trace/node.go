package trace

import (
	"fmt"
	"sort"
	"strings"

	"github.com/zclconf/go-cty/cty"
)

// Op is the operation kind of a node.
type Op int

const (
	// OpPlaceholder is a graph input.
	OpPlaceholder Op = iota
	// OpCallFunction invokes a named function over argument values.
	OpCallFunction
	// OpCallModule invokes a named submodule of the graph's owning module.
	OpCallModule
	// OpGetAttr fetches an attribute from the graph's owning module.
	OpGetAttr
	// OpOutput is the graph's single terminal node.
	OpOutput
)

func (op Op) String() string {
	switch op {
	case OpPlaceholder:
		return "placeholder"
	case OpCallFunction:
		return "call_function"
	case OpCallModule:
		return "call_module"
	case OpGetAttr:
		return "get_attr"
	case OpOutput:
		return "output"
	}
	return fmt.Sprintf("op(%d)", int(op))
}

// StackEntry is one element of a node's module-stack annotation.
type StackEntry struct {
	// InstanceID is a stable identifier for the module object itself.
	// Distinct call-site paths of a shared submodule carry the same
	// InstanceID.
	InstanceID string
	// Path is the qualified name of the call site ("l1", "block.l1", ...).
	Path string
	// TypeName is the module's type at trace time.
	TypeName string
}

// Meta is the auxiliary metadata attached to a node.
type Meta struct {
	// ModuleStack is the chain of submodule invocations active when the
	// operation was recorded. Nil when the trace carried no annotation for
	// this node.
	ModuleStack []StackEntry
	// Entries holds any remaining metadata, such as declared symbolic shape
	// dimensions keyed as "shape".
	Entries map[string]cty.Value
}

// Clone returns a shallow-per-entry copy of the metadata record.
func (m Meta) Clone() Meta {
	out := Meta{}
	if m.ModuleStack != nil {
		out.ModuleStack = append([]StackEntry(nil), m.ModuleStack...)
	}
	if m.Entries != nil {
		out.Entries = make(map[string]cty.Value, len(m.Entries))
		for k, v := range m.Entries {
			out.Entries[k] = v
		}
	}
	return out
}

// StackPaths projects the qualified names out of a module stack.
func StackPaths(stack []StackEntry) []string {
	paths := make([]string, len(stack))
	for i, e := range stack {
		paths[i] = e.Path
	}
	return paths
}

// Arg is one argument position of a node: a literal value, a reference to an
// earlier node, or a nested list of arguments.
type Arg interface {
	isArg()
	argString() string
}

// NodeRef is an argument referencing another node in the same graph.
type NodeRef struct{ Node *Node }

// Literal is a constant argument value.
type Literal struct{ Value cty.Value }

// List is an ordered container of arguments, used for tuple-shaped argument
// positions such as the output node's return list.
type List struct{ Elems []Arg }

// Dict is a keyed container of arguments, used for keyword-shaped argument
// positions. Keys and Elems are parallel and ordered.
type Dict struct {
	Keys  []string
	Elems []Arg
}

func (NodeRef) isArg() {}
func (Literal) isArg() {}
func (List) isArg()    {}
func (Dict) isArg()    {}

func (a NodeRef) argString() string { return "%" + a.Node.Name }

func (a Literal) argString() string {
	if a.Value.Type() == cty.NilType {
		return "none"
	}
	return a.Value.GoString()
}

func (a List) argString() string {
	parts := make([]string, len(a.Elems))
	for i, e := range a.Elems {
		parts[i] = e.argString()
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

func (a Dict) argString() string {
	parts := make([]string, len(a.Elems))
	for i, e := range a.Elems {
		parts[i] = a.Keys[i] + ": " + e.argString()
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// Node is a single operation in a graph. Nodes are created through their
// owning Graph and must not be shared between graphs.
type Node struct {
	// Name is unique within the owning graph.
	Name string
	// Op is the operation kind.
	Op Op
	// Target names the function, submodule accessor, or attribute path the
	// operation acts on. Unused for placeholders and outputs.
	Target string
	// Meta carries auxiliary metadata including the module stack.
	Meta Meta

	graph  *Graph
	args   []Arg
	kwargs map[string]Arg
	users  map[*Node]struct{}
}

// Graph returns the node's owning graph.
func (n *Node) Graph() *Graph { return n.graph }

// Args returns the positional arguments. The returned slice must not be
// mutated; use SetArgs or PrependArg.
func (n *Node) Args() []Arg { return n.args }

// Kwargs returns the named arguments, nil when there are none. The returned
// map must not be mutated; use SetKwargs.
func (n *Node) Kwargs() map[string]Arg { return n.kwargs }

// KwargNames returns the named-argument keys in canonical (sorted) order.
func (n *Node) KwargNames() []string {
	names := make([]string, 0, len(n.kwargs))
	for k := range n.kwargs {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Users returns the nodes currently referencing this node, in graph order.
func (n *Node) Users() []*Node {
	users := make([]*Node, 0, len(n.users))
	for u := range n.users {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool {
		return n.graph.index(users[i]) < n.graph.index(users[j])
	})
	return users
}

// NumUsers returns the number of nodes referencing this node.
func (n *Node) NumUsers() int { return len(n.users) }

// SetArgs replaces the positional argument list, keeping user sets in sync.
func (n *Node) SetArgs(args []Arg) {
	n.unlinkArgs()
	n.args = args
	n.linkArgs()
}

// SetKwargs replaces the named argument map, keeping user sets in sync.
func (n *Node) SetKwargs(kwargs map[string]Arg) {
	n.unlinkArgs()
	n.kwargs = kwargs
	n.linkArgs()
}

// PrependArg inserts an argument at position zero. The outliner prepends
// call-site arguments to mirror how it prepends synthesized placeholders.
func (n *Node) PrependArg(a Arg) {
	args := make([]Arg, 0, len(n.args)+1)
	args = append(args, a)
	args = append(args, n.args...)
	n.SetArgs(args)
}

// FilterArgs drops every positional argument for which keep returns false.
func (n *Node) FilterArgs(keep func(Arg) bool) {
	kept := make([]Arg, 0, len(n.args))
	for _, a := range n.args {
		if keep(a) {
			kept = append(kept, a)
		}
	}
	n.SetArgs(kept)
}

func (n *Node) linkArgs() {
	walkRefs(n.args, n.kwargs, func(ref *Node) {
		ref.users[n] = struct{}{}
	})
}

func (n *Node) unlinkArgs() {
	walkRefs(n.args, n.kwargs, func(ref *Node) {
		delete(ref.users, n)
	})
}

// String renders the node in the canonical one-line form used by dumps and
// error messages.
func (n *Node) String() string {
	parts := make([]string, 0, len(n.args)+len(n.kwargs))
	for _, a := range n.args {
		parts = append(parts, a.argString())
	}
	for _, k := range n.KwargNames() {
		parts = append(parts, fmt.Sprintf("%s=%s", k, n.kwargs[k].argString()))
	}
	return fmt.Sprintf("%%%s = %s[%s](%s)", n.Name, n.Op, n.Target, strings.Join(parts, ", "))
}

// walkRefs visits every node reference nested anywhere in args/kwargs.
func walkRefs(args []Arg, kwargs map[string]Arg, fn func(*Node)) {
	var walk func(Arg)
	walk = func(a Arg) {
		switch a := a.(type) {
		case NodeRef:
			fn(a.Node)
		case List:
			for _, e := range a.Elems {
				walk(e)
			}
		case Dict:
			for _, e := range a.Elems {
				walk(e)
			}
		}
	}
	for _, a := range args {
		walk(a)
	}
	for _, a := range kwargs {
		walk(a)
	}
}

// MapArg rewrites an argument tree, replacing each node reference with the
// result of remap while leaving literals untouched.
func MapArg(a Arg, remap func(*Node) Arg) Arg {
	switch a := a.(type) {
	case NodeRef:
		return remap(a.Node)
	case List:
		elems := make([]Arg, len(a.Elems))
		for i, e := range a.Elems {
			elems[i] = MapArg(e, remap)
		}
		return List{Elems: elems}
	case Dict:
		elems := make([]Arg, len(a.Elems))
		for i, e := range a.Elems {
			elems[i] = MapArg(e, remap)
		}
		return Dict{Keys: append([]string(nil), a.Keys...), Elems: elems}
	default:
		return a
	}
}

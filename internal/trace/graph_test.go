package trace

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zclconf/go-cty/cty"
)

func buildChain(t *testing.T) (*Graph, *Node, *Node, *Node) {
	t.Helper()
	g := NewGraph()
	x := g.Placeholder("x")
	relu := g.CallFunction("relu", "aten.relu", []Arg{NodeRef{Node: x}}, nil)
	out := g.Output(List{Elems: []Arg{NodeRef{Node: relu}}})
	return g, x, relu, out
}

func TestGraphOrderAndLookup(t *testing.T) {
	g, x, relu, out := buildChain(t)

	require.Equal(t, 3, g.Len())
	assert.Equal(t, []*Node{x, relu, out}, g.Nodes())
	assert.Same(t, relu, g.Lookup("relu"))
	assert.Same(t, out, g.OutputNode())
	assert.Equal(t, []*Node{x}, g.Placeholders())
	require.NoError(t, g.Lint())
}

func TestInsertionPoints(t *testing.T) {
	g, x, relu, _ := buildChain(t)

	g.InsertBefore(relu)
	a := g.CallFunction("a", "aten.sigmoid", []Arg{NodeRef{Node: x}}, nil)
	// The insertion point advances past the created node, so a run of
	// creations lands in order.
	b := g.CallFunction("b", "aten.sigmoid", []Arg{NodeRef{Node: a}}, nil)
	g.InsertAtEnd()

	names := make([]string, 0, g.Len())
	for _, n := range g.Nodes() {
		names = append(names, n.Name)
	}
	assert.Equal(t, []string{"x", "a", "b", "relu", "output"}, names)
	require.NoError(t, g.Lint())

	g.InsertAtStart()
	ph := g.Placeholder("extra")
	assert.Same(t, ph, g.Nodes()[0])
	_ = b
}

func TestReplaceAllUses(t *testing.T) {
	g, x, relu, out := buildChain(t)

	g.InsertAfter(x)
	double := g.CallFunction("double", "aten.add", []Arg{NodeRef{Node: x}, NodeRef{Node: x}}, nil)
	g.InsertAtEnd()

	changed := g.ReplaceAllUses(x, double, func(u *Node) bool { return u == double })
	assert.Equal(t, []*Node{relu}, changed)
	assert.Equal(t, NodeRef{Node: double}, relu.Args()[0])
	assert.Equal(t, 1, x.NumUsers())
	require.NoError(t, g.Lint())
	_ = out
}

func TestEraseNodeRefusesWithUsers(t *testing.T) {
	g, x, relu, out := buildChain(t)

	err := g.EraseNode(x)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "users")

	// Detach bottom-up and erasing succeeds.
	require.NoError(t, g.EraseNode(out))
	require.NoError(t, g.EraseNode(relu))
	require.NoError(t, g.EraseNode(x))
	assert.Equal(t, 0, g.Len())
}

func TestCopyIsDeep(t *testing.T) {
	g, _, relu, _ := buildChain(t)
	relu.Meta.ModuleStack = []StackEntry{{InstanceID: "m1", Path: "act", TypeName: "ReLU"}}

	clone := g.Copy()
	require.NoError(t, clone.Lint())
	require.Equal(t, g.Len(), clone.Len())
	assert.Equal(t, g.String(), clone.String())

	cloneRelu := clone.Lookup("relu")
	require.NotNil(t, cloneRelu)
	assert.NotSame(t, relu, cloneRelu)
	assert.Equal(t, "act", cloneRelu.Meta.ModuleStack[0].Path)

	// References in the clone point at clone nodes.
	ref := cloneRelu.Args()[0].(NodeRef)
	assert.Same(t, clone.Lookup("x"), ref.Node)
}

func TestFreshName(t *testing.T) {
	g := NewGraph()
	g.Placeholder("x")
	assert.Equal(t, "x_1", g.FreshName("x"))
	assert.Equal(t, "y", g.FreshName("y"))

	// Creation itself also uniquifies.
	n := g.Placeholder("x")
	assert.Equal(t, "x_1", n.Name)
}

func TestPrependAndFilterArgs(t *testing.T) {
	g := NewGraph()
	x := g.Placeholder("x")
	y := g.Placeholder("y")
	call := g.CallFunction("call", "aten.add", []Arg{NodeRef{Node: y}}, nil)

	call.PrependArg(NodeRef{Node: x})
	assert.Equal(t, []Arg{NodeRef{Node: x}, NodeRef{Node: y}}, call.Args())
	assert.Equal(t, 1, x.NumUsers())

	call.FilterArgs(func(a Arg) bool {
		ref, ok := a.(NodeRef)
		return !ok || ref.Node != x
	})
	assert.Equal(t, []Arg{NodeRef{Node: y}}, call.Args())
	assert.Equal(t, 0, x.NumUsers())
}

func TestNodeString(t *testing.T) {
	g := NewGraph()
	x := g.Placeholder("x")
	call := g.CallFunction("add", "aten.add", []Arg{NodeRef{Node: x}, Literal{Value: cty.NumberIntVal(1)}},
		map[string]Arg{"alpha": Literal{Value: cty.NumberIntVal(2)}})

	assert.Equal(t, "%add = call_function[aten.add](%x, cty.NumberIntVal(1), alpha=cty.NumberIntVal(2))", call.String())
}

func TestLintCatchesForwardReference(t *testing.T) {
	g := NewGraph()
	x := g.Placeholder("x")
	call := g.CallFunction("call", "aten.relu", []Arg{NodeRef{Node: x}}, nil)

	// Move the placeholder after its user by hand.
	g.nodes = []*Node{call, x}
	require.Error(t, g.Lint())
}

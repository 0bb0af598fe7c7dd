package interp

import (
	"context"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zclconf/go-cty/cty"

	"github.com/vk/regraft/internal/kernels"
	"github.com/vk/regraft/internal/modtree"
	"github.com/vk/regraft/internal/tensorval"
	"github.com/vk/regraft/internal/trace"
)

func tv(data []float32, dims ...int) cty.Value {
	return tensorval.TensorVal(tensors.FromFlatDataAndDimensions(data, dims...))
}

func flat(t *testing.T, v cty.Value) []float32 {
	t.Helper()
	tensor, err := tensorval.MustTensor(v)
	require.NoError(t, err)
	var out []float32
	tensors.ConstFlatData(tensor, func(f []float32) {
		out = append(out, f...)
	})
	return out
}

// scaleModule multiplies its input by an owned weight attribute.
func scaleModule(t *testing.T, w float32) *modtree.Module {
	t.Helper()
	g := trace.NewGraph()
	x := g.Placeholder("x")
	attr := g.GetAttr("w", "w")
	mul := g.CallFunction("mul", "aten.mul", []trace.Arg{trace.NodeRef{Node: x}, trace.NodeRef{Node: attr}}, nil)
	g.Output(trace.NodeRef{Node: mul})

	m := modtree.NewInterpreted("Scale", g, nil)
	require.NoError(t, m.AssignAttr("w", tensors.FromValue(w), modtree.AttrParameter))
	m.Finalize()
	return m
}

func TestRunInterpretAndCompiledAgree(t *testing.T) {
	for _, mode := range []Mode{ModeInterpret, ModeCompiled} {
		mod := scaleModule(t, 3)
		r := NewRunner(kernels.Default(), mode)

		out, err := r.Run(context.Background(), mod, []cty.Value{tv([]float32{1, 2}, 2)}, nil)
		require.NoError(t, err)
		assert.Equal(t, []float32{3, 6}, flat(t, out))

		if mode == ModeCompiled {
			// The plan is compiled once and cached on the module.
			require.NotNil(t, mod.Plan)
			out, err = r.Run(context.Background(), mod, []cty.Value{tv([]float32{4}, 1)}, nil)
			require.NoError(t, err)
			assert.Equal(t, []float32{12}, flat(t, out))
		}
	}
}

func TestRunSubmoduleCall(t *testing.T) {
	child := scaleModule(t, 5)

	g := trace.NewGraph()
	x := g.Placeholder("x")
	call := g.CallModule("inner", "inner", []trace.Arg{trace.NodeRef{Node: x}}, nil)
	g.Output(trace.NodeRef{Node: call})
	root := modtree.NewInterpreted("Net", g, nil)
	root.AddSubmodule("inner", child)
	root.Finalize()

	r := NewRunner(kernels.Default(), ModeInterpret)
	out, err := r.Run(context.Background(), root, []cty.Value{tv([]float32{2}, 1)}, nil)
	require.NoError(t, err)
	assert.Equal(t, []float32{10}, flat(t, out))
}

func TestRunKwargReconciliation(t *testing.T) {
	g := trace.NewGraph()
	a := g.Placeholder("a")
	b := g.Placeholder("other")
	sub := g.CallFunction("sub", "aten.sub", []trace.Arg{trace.NodeRef{Node: a}, trace.NodeRef{Node: b}}, nil)
	g.Output(trace.NodeRef{Node: sub})
	mod := modtree.NewInterpreted("Sub", g, nil)
	mod.Finalize()

	r := NewRunner(kernels.Default(), ModeInterpret)
	ctx := context.Background()

	out, err := r.Run(ctx, mod, []cty.Value{tv([]float32{10}, 1)},
		map[string]cty.Value{"other": tv([]float32{4}, 1)})
	require.NoError(t, err)
	assert.Equal(t, []float32{6}, flat(t, out))

	// Named argument for an unknown input.
	_, err = r.Run(ctx, mod, []cty.Value{tv([]float32{10}, 1)},
		map[string]cty.Value{"nope": tv([]float32{4}, 1)})
	require.ErrorIs(t, err, ErrArgMismatch)

	// Too few arguments overall.
	_, err = r.Run(ctx, mod, []cty.Value{tv([]float32{10}, 1)}, nil)
	require.ErrorIs(t, err, ErrArgMismatch)

	// Too many positional arguments.
	_, err = r.Run(ctx, mod, []cty.Value{
		tv([]float32{1}, 1), tv([]float32{2}, 1), tv([]float32{3}, 1),
	}, nil)
	require.ErrorIs(t, err, ErrArgMismatch)
}

func TestRunTreeBuiltins(t *testing.T) {
	// Pack two inputs into a tree, flatten it against a spec, and unpack via
	// getitem, the node pattern generated around preserved call signatures.
	spec := cty.Tuple([]cty.Type{cty.String, cty.String})

	g := trace.NewGraph()
	a := g.Placeholder("a")
	b := g.Placeholder("b")
	specAttr := g.GetAttr("_spec_0", "_spec_0")
	flatten := g.CallFunction("flatten", trace.TargetFlattenSpec, []trace.Arg{
		trace.List{Elems: []trace.Arg{trace.NodeRef{Node: a}, trace.NodeRef{Node: b}}},
		trace.NodeRef{Node: specAttr},
	}, nil)
	second := g.CallFunction("second", trace.TargetGetItem, []trace.Arg{
		trace.NodeRef{Node: flatten}, trace.Literal{Value: cty.NumberIntVal(1)},
	}, nil)
	unflat := g.CallFunction("unflatten", trace.TargetUnflatten, []trace.Arg{
		trace.List{Elems: []trace.Arg{trace.NodeRef{Node: second}, trace.NodeRef{Node: a}}},
		trace.NodeRef{Node: specAttr},
	}, nil)
	first := g.CallFunction("first", trace.TargetGetItem, []trace.Arg{
		trace.NodeRef{Node: unflat}, trace.Literal{Value: cty.NumberIntVal(0)},
	}, nil)
	g.Output(trace.NodeRef{Node: first})

	mod := modtree.NewInterpreted("Tree", g, nil)
	specName := mod.AddSpec(spec)
	require.Equal(t, "_spec_0", specName)
	mod.Finalize()

	r := NewRunner(kernels.Default(), ModeInterpret)
	out, err := r.Run(context.Background(), mod,
		[]cty.Value{cty.StringVal("left"), cty.StringVal("right")}, nil)
	require.NoError(t, err)
	assert.Equal(t, "right", out.AsString())
}

func TestRunUnknownKernel(t *testing.T) {
	g := trace.NewGraph()
	x := g.Placeholder("x")
	call := g.CallFunction("call", "aten.unknown", []trace.Arg{trace.NodeRef{Node: x}}, nil)
	g.Output(trace.NodeRef{Node: call})
	mod := modtree.NewInterpreted("Bad", g, nil)
	mod.Finalize()

	r := NewRunner(kernels.Default(), ModeInterpret)
	_, err := r.Run(context.Background(), mod, []cty.Value{tv([]float32{1}, 1)}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "aten.unknown")
}

func TestGetItemByKey(t *testing.T) {
	v, err := getItem(
		cty.ObjectVal(map[string]cty.Value{"k": cty.StringVal("v")}),
		cty.StringVal("k"),
	)
	require.NoError(t, err)
	assert.Equal(t, "v", v.AsString())

	_, err = getItem(cty.EmptyObjectVal, cty.StringVal("missing"))
	require.Error(t, err)

	_, err = getItem(cty.TupleVal([]cty.Value{cty.True}), cty.NumberIntVal(3))
	require.Error(t, err)
}

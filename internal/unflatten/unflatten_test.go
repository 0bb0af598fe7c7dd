package unflatten

import (
	"context"
	"fmt"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zclconf/go-cty/cty"

	"github.com/vk/regraft/internal/export"
	"github.com/vk/regraft/internal/interp"
	"github.com/vk/regraft/internal/tensorval"
	"github.com/vk/regraft/internal/trace"
)

func tv(data []float32, dims ...int) cty.Value {
	return tensorval.TensorVal(tensors.FromFlatDataAndDimensions(data, dims...))
}

func flatOf(t *testing.T, v cty.Value) []float32 {
	t.Helper()
	tensor, err := tensorval.MustTensor(v)
	require.NoError(t, err)
	var out []float32
	tensors.ConstFlatData(tensor, func(f []float32) {
		out = append(out, f...)
	})
	return out
}

func rootCallEntry() export.CallGraphEntry {
	return export.CallGraphEntry{FQN: "", Signature: &export.CallSignature{
		InSpec:  cty.Tuple([]cty.Type{cty.Tuple([]cty.Type{cty.String}), cty.EmptyObject}),
		OutSpec: cty.String,
	}}
}

func stackOf(paths ...string) []trace.StackEntry {
	out := []trace.StackEntry{{InstanceID: "m_root", Path: "", TypeName: "MLP"}}
	for _, p := range paths {
		out = append(out, trace.StackEntry{InstanceID: "m_" + p, Path: p, TypeName: "Linear"})
	}
	return out
}

// mlpProgram is a flat trace of an 8 -> 4 -> 2 feed-forward network with a
// rectifier in between, parameters threaded as leading graph inputs.
func mlpProgram() *export.Program {
	g := trace.NewGraph()
	p1w := g.Placeholder("p_l1_weight")
	p1b := g.Placeholder("p_l1_bias")
	p2w := g.Placeholder("p_l2_weight")
	p2b := g.Placeholder("p_l2_bias")
	x := g.Placeholder("x")

	lin1 := g.CallFunction("linear", "aten.linear",
		[]trace.Arg{trace.NodeRef{Node: x}, trace.NodeRef{Node: p1w}, trace.NodeRef{Node: p1b}}, nil)
	lin1.Meta.ModuleStack = stackOf("l1")

	relu := g.CallFunction("relu", "aten.relu", []trace.Arg{trace.NodeRef{Node: lin1}}, nil)
	relu.Meta.ModuleStack = stackOf("act")

	lin2 := g.CallFunction("linear_1", "aten.linear",
		[]trace.Arg{trace.NodeRef{Node: relu}, trace.NodeRef{Node: p2w}, trace.NodeRef{Node: p2b}}, nil)
	lin2.Meta.ModuleStack = stackOf("l2")

	g.Output(trace.List{Elems: []trace.Arg{trace.NodeRef{Node: lin2}}})

	// l1 projects onto the first four features and gates half of them far
	// negative; l2 sums the survivors.
	l1w := make([]float32, 4*8)
	for i := 0; i < 4; i++ {
		l1w[i*8+i] = 1
	}
	l1b := []float32{0.5, -100, 0.5, -100}
	l2w := []float32{1, 1, 1, 1, 1, 0, -1, 0}
	l2b := []float32{0, 2}

	return &export.Program{
		Graph: g,
		Signature: export.Signature{
			Parameters: []string{"l1.weight", "l1.bias", "l2.weight", "l2.bias"},
			InputsToParameters: map[string]string{
				"p_l1_weight": "l1.weight",
				"p_l1_bias":   "l1.bias",
				"p_l2_weight": "l2.weight",
				"p_l2_bias":   "l2.bias",
			},
		},
		ModuleCallGraph: []export.CallGraphEntry{rootCallEntry()},
		StateDict: map[string]*tensors.Tensor{
			"l1.weight": tensors.FromFlatDataAndDimensions(l1w, 4, 8),
			"l1.bias":   tensors.FromFlatDataAndDimensions(l1b, 4),
			"l2.weight": tensors.FromFlatDataAndDimensions(l2w, 2, 4),
			"l2.bias":   tensors.FromFlatDataAndDimensions(l2b, 2),
		},
	}
}

func batchInput(rows int) cty.Value {
	data := make([]float32, rows*8)
	for r := 0; r < rows; r++ {
		for c := 0; c < 8; c++ {
			data[r*8+c] = float32(c + 1)
		}
	}
	return tv(data, rows, 8)
}

func TestRebuildMLPRoundTrip(t *testing.T) {
	for _, mode := range []interp.Mode{interp.ModeInterpret, interp.ModeCompiled} {
		t.Run(fmt.Sprintf("mode_%d", mode), func(t *testing.T) {
			program := mlpProgram()
			rebuilt, err := Rebuild(context.Background(), program, Options{Mode: mode})
			require.NoError(t, err)

			// The hierarchy matches the recorded call sites and owns its
			// state.
			root := rebuilt.Root()
			fqns := root.FQNs()
			assert.Contains(t, fqns, "l1")
			assert.Contains(t, fqns, "act")
			assert.Contains(t, fqns, "l2")

			l1, ok := root.Child("l1")
			require.True(t, ok)
			_, hasW := l1.Attr("weight")
			_, hasB := l1.Attr("bias")
			assert.True(t, hasW)
			assert.True(t, hasB)

			out, err := rebuilt.Call(context.Background(),
				[]cty.Value{batchInput(97)}, nil)
			require.NoError(t, err)

			got := flatOf(t, out)
			require.Len(t, got, 97*2)
			// Row r of the input is (1..8); after l1+bias the survivors are
			// 1.5 and 3.5, so l2 yields (5, 0) everywhere.
			for r := 0; r < 97; r++ {
				assert.Equal(t, float32(5), got[r*2])
				assert.Equal(t, float32(0), got[r*2+1])
			}
		})
	}
}

func TestRebuildClonesStateDict(t *testing.T) {
	program := mlpProgram()
	rebuilt, err := Rebuild(context.Background(), program, Options{})
	require.NoError(t, err)

	root := rebuilt.Root()
	v, ok := root.Attr("l1.bias")
	require.True(t, ok)
	installed, err := tensorval.MustTensor(v)
	require.NoError(t, err)
	assert.NotSame(t, program.StateDict["l1.bias"], installed)
}

func TestRebuildRejectsBackward(t *testing.T) {
	program := mlpProgram()
	program.Signature.HasBackward = true
	_, err := Rebuild(context.Background(), program, Options{})
	require.ErrorIs(t, err, ErrBackwardSignature)
}

func TestRebuildMissingState(t *testing.T) {
	program := mlpProgram()
	delete(program.StateDict, "l2.bias")
	_, err := Rebuild(context.Background(), program, Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "l2.bias")
}

// counterProgram mutates a running buffer: counter += x, result = counter * x.
func counterProgram() *export.Program {
	g := trace.NewGraph()
	buf := g.Placeholder("b_counter")
	x := g.Placeholder("x")
	add := g.CallFunction("add", "aten.add",
		[]trace.Arg{trace.NodeRef{Node: buf}, trace.NodeRef{Node: x}}, nil)
	mul := g.CallFunction("mul", "aten.mul",
		[]trace.Arg{trace.NodeRef{Node: add}, trace.NodeRef{Node: x}}, nil)
	g.Output(trace.List{Elems: []trace.Arg{trace.NodeRef{Node: add}, trace.NodeRef{Node: mul}}})

	return &export.Program{
		Graph: g,
		Signature: export.Signature{
			Buffers:         []string{"counter"},
			InputsToBuffers: map[string]string{"b_counter": "counter"},
			BuffersToMutate: map[string]string{"add": "counter"},
		},
		ModuleCallGraph: []export.CallGraphEntry{rootCallEntry()},
		StateDict: map[string]*tensors.Tensor{
			"counter": tensors.FromFlatDataAndDimensions([]float32{1, 1}, 2),
		},
	}
}

func TestRebuildBufferMutationInPlace(t *testing.T) {
	program := counterProgram()
	rebuilt, err := Rebuild(context.Background(), program, Options{})
	require.NoError(t, err)

	x := tv([]float32{1, 2}, 2)

	out, err := rebuilt.Call(context.Background(), []cty.Value{x}, nil)
	require.NoError(t, err)
	assert.Equal(t, []float32{2, 6}, flatOf(t, out))

	// The mutation persists on the rebuilt module's own buffer and carries
	// into the next call.
	v, ok := rebuilt.Root().Attr("counter")
	require.True(t, ok)
	assert.Equal(t, []float32{2, 3}, flatOf(t, v))

	out, err = rebuilt.Call(context.Background(), []cty.Value{x}, nil)
	require.NoError(t, err)
	assert.Equal(t, []float32{3, 10}, flatOf(t, out))

	// The exported program's tensor is untouched.
	var original []float32
	tensors.ConstFlatData(program.StateDict["counter"], func(f []float32) {
		original = append(original, f...)
	})
	assert.Equal(t, []float32{1, 1}, original)
}

// passthroughAdapter flattens whatever tree the caller passed and hands the
// leaves over unchanged.
type passthroughAdapter struct{ calls int }

func (a *passthroughAdapter) Adapt(_, _ cty.Type, leaves []cty.Value) ([]cty.Value, error) {
	a.calls++
	return leaves, nil
}

type truncatingAdapter struct{}

func (truncatingAdapter) Adapt(_, _ cty.Type, leaves []cty.Value) ([]cty.Value, error) {
	return leaves[:0], nil
}

func TestCallAdaptsDivergentInputTree(t *testing.T) {
	program := mlpProgram()
	adapter := &passthroughAdapter{}
	rebuilt, err := Rebuild(context.Background(), program, Options{Adapter: adapter})
	require.NoError(t, err)

	// The caller wraps its tensor in an extra tuple; the structure no longer
	// matches the exported specification.
	wrapped := cty.TupleVal([]cty.Value{batchInput(3)})

	first, err := rebuilt.Call(context.Background(), []cty.Value{wrapped}, nil)
	require.NoError(t, err)
	// Adaptation is idempotent: repeated calls keep working and agree.
	second, err := rebuilt.Call(context.Background(), []cty.Value{wrapped}, nil)
	require.NoError(t, err)
	assert.Equal(t, flatOf(t, first), flatOf(t, second))
	assert.Equal(t, 2, adapter.calls)
}

func TestCallWithoutAdapterRejectsDivergentTree(t *testing.T) {
	program := mlpProgram()
	rebuilt, err := Rebuild(context.Background(), program, Options{})
	require.NoError(t, err)

	wrapped := cty.TupleVal([]cty.Value{batchInput(3)})
	_, err = rebuilt.Call(context.Background(), []cty.Value{wrapped}, nil)
	require.ErrorIs(t, err, interp.ErrNoAdapter)
}

func TestCallAdapterArityChecked(t *testing.T) {
	program := mlpProgram()
	rebuilt, err := Rebuild(context.Background(), program, Options{Adapter: truncatingAdapter{}})
	require.NoError(t, err)

	wrapped := cty.TupleVal([]cty.Value{batchInput(3)})
	_, err = rebuilt.Call(context.Background(), []cty.Value{wrapped}, nil)
	require.ErrorIs(t, err, interp.ErrAdaptedArity)
}

func TestCallEnforcesRangeConstraints(t *testing.T) {
	program := mlpProgram()
	// The batch dimension is symbolic and bounded.
	program.Graph.Lookup("x").Meta.Entries = map[string]cty.Value{
		"shape": cty.TupleVal([]cty.Value{cty.StringVal("batch"), cty.NumberIntVal(8)}),
	}
	program.RangeConstraints = map[string]export.RangeConstraint{
		"batch": {Min: 1, Max: 64},
	}

	rebuilt, err := Rebuild(context.Background(), program, Options{})
	require.NoError(t, err)

	_, err = rebuilt.Call(context.Background(), []cty.Value{batchInput(97)}, nil)
	require.ErrorIs(t, err, interp.ErrConstraint)

	out, err := rebuilt.Call(context.Background(), []cty.Value{batchInput(64)}, nil)
	require.NoError(t, err)
	assert.Len(t, flatOf(t, out), 64*2)
}

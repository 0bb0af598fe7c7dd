package hclprog

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zclconf/go-cty/cty"

	"github.com/vk/regraft/internal/argtree"
	"github.com/vk/regraft/internal/tensorval"
	"github.com/vk/regraft/internal/trace"
)

const sampleProgram = `
node "placeholder" "b_counter" {}

node "placeholder" "x" {
  shape = ["batch", 2]
}

node "call_function" "add" {
  target = "aten.add"
  args   = ["%b_counter", "%x"]
  stack  = [["m_root", "", "Net"]]
}

node "call_function" "mul" {
  target = "aten.mul"
  args   = ["%add", "%x"]
  kwargs = { note = "%%literal" }
  stack  = [["m_root", "", "Net"]]
}

node "output" "output" {
  args = [["%add", "%mul"]]
}

signature {
  inputs_to_buffers = { b_counter = "counter" }
  buffers_to_mutate = { add = "counter" }
}

module_call "" {
  in_spec  = [["?"], {}]
  out_spec = "?"
}

module_call "sub" {}

state "counter" {
  shape = [2]
  data  = [1, 1]
}

constraint "batch" {
  min = 1
  max = 64
}
`

func TestParseProgram(t *testing.T) {
	program, err := Parse(context.Background(), "sample.hcl", []byte(sampleProgram))
	require.NoError(t, err)

	g := program.Graph
	require.Equal(t, 5, g.Len())
	require.NoError(t, g.Lint())

	add := g.Lookup("add")
	require.NotNil(t, add)
	assert.Equal(t, trace.OpCallFunction, add.Op)
	assert.Equal(t, "aten.add", add.Target)
	require.Len(t, add.Args(), 2)
	assert.Equal(t, "b_counter", add.Args()[0].(trace.NodeRef).Node.Name)
	require.Len(t, add.Meta.ModuleStack, 1)
	assert.Equal(t, "m_root", add.Meta.ModuleStack[0].InstanceID)
	assert.Equal(t, "Net", add.Meta.ModuleStack[0].TypeName)

	// "%%" unescapes to a literal percent string.
	mul := g.Lookup("mul")
	note := mul.Kwargs()["note"].(trace.Literal)
	assert.Equal(t, "%literal", note.Value.AsString())

	// The output holds a nested return list.
	returns := g.OutputNode().Args()[0].(trace.List)
	assert.Len(t, returns.Elems, 2)

	// Shape metadata keeps symbolic dimensions as strings.
	x := g.Lookup("x")
	shape := x.Meta.Entries["shape"]
	require.True(t, shape.Type().IsTupleType())
	assert.Equal(t, "batch", shape.AsValueSlice()[0].AsString())

	// Signature maps and the derived ordered buffer list.
	assert.Equal(t, map[string]string{"b_counter": "counter"}, program.Signature.InputsToBuffers)
	assert.Equal(t, map[string]string{"add": "counter"}, program.Signature.BuffersToMutate)
	assert.Equal(t, []string{"counter"}, program.Signature.Buffers)
	assert.Empty(t, program.Signature.Parameters)

	// Sample values become specification skeletons.
	rootSig, err := program.RootSignature()
	require.NoError(t, err)
	assert.True(t, argtree.SpecEqual(rootSig.InSpec,
		cty.Tuple([]cty.Type{cty.Tuple([]cty.Type{cty.Bool}), cty.EmptyObject})))
	assert.False(t, argtree.IsContainer(rootSig.OutSpec))

	// A bare module_call records the module without a signature.
	require.Len(t, program.ModuleCallGraph, 2)
	assert.Nil(t, program.ModuleCallGraph[1].Signature)

	// State tensors and constraints.
	counter := program.StateDict["counter"]
	require.NotNil(t, counter)
	assert.Equal(t, []int{2}, counter.Shape().Dimensions)
	assert.Equal(t, int64(64), program.RangeConstraints["batch"].Max)
}

func TestParseErrors(t *testing.T) {
	testCases := []struct {
		name string
		src  string
	}{
		{
			name: "undeclared node reference",
			src: `node "call_function" "f" {
  target = "aten.relu"
  args   = ["%missing"]
}`,
		},
		{
			name: "duplicate node name",
			src: `node "placeholder" "x" {}
node "placeholder" "x" {}`,
		},
		{
			name: "unknown op",
			src:  `node "teleport" "x" {}`,
		},
		{
			name: "call without target",
			src:  `node "call_function" "f" {}`,
		},
		{
			name: "state data arity",
			src: `state "w" {
  shape = [2, 2]
  data  = [1]
}`,
		},
		{
			name: "inverted constraint",
			src: `constraint "s" {
  min = 9
  max = 1
}`,
		},
		{
			name: "half-declared module call signature",
			src:  `module_call "m" { in_spec = [[], {}] }`,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse(context.Background(), "bad.hcl", []byte(tc.src))
			require.Error(t, err)
		})
	}
}

func TestLoadFromDisk(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "program.hcl")
	require.NoError(t, os.WriteFile(path, []byte(sampleProgram), 0o644))

	program, err := Load(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, 5, program.Graph.Len())

	_, err = Load(context.Background(), filepath.Join(dir, "absent.hcl"))
	require.Error(t, err)
}

func TestLoadInput(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "input.hcl")
	src := `
arg {
  shape = [1, 2]
  data  = [3, 4]
}

arg {
  shape = [1]
  data  = [5]
}
`
	require.NoError(t, os.WriteFile(path, []byte(src), 0o644))

	args, err := LoadInput(context.Background(), path)
	require.NoError(t, err)
	require.Len(t, args, 2)

	first, err := tensorval.MustTensor(args[0])
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, first.Shape().Dimensions)
}

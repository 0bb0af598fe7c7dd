package argtree

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zclconf/go-cty/cty"
)

func leafSpec() cty.Type { return cty.String }

func TestSpecEqual(t *testing.T) {
	testCases := []struct {
		name  string
		a, b  cty.Type
		equal bool
	}{
		{
			name:  "identical tuples",
			a:     cty.Tuple([]cty.Type{cty.String, cty.String}),
			b:     cty.Tuple([]cty.Type{cty.String, cty.String}),
			equal: true,
		},
		{
			name:  "leaf types are wildcards",
			a:     cty.Tuple([]cty.Type{cty.String}),
			b:     cty.Tuple([]cty.Type{cty.Number}),
			equal: true,
		},
		{
			name:  "arity mismatch",
			a:     cty.Tuple([]cty.Type{cty.String}),
			b:     cty.Tuple([]cty.Type{cty.String, cty.String}),
			equal: false,
		},
		{
			name:  "tuple vs object",
			a:     cty.Tuple([]cty.Type{cty.String}),
			b:     cty.Object(map[string]cty.Type{"x": cty.String}),
			equal: false,
		},
		{
			name:  "objects keyed differently",
			a:     cty.Object(map[string]cty.Type{"x": cty.String}),
			b:     cty.Object(map[string]cty.Type{"y": cty.String}),
			equal: false,
		},
		{
			name:  "leaf vs container",
			a:     cty.String,
			b:     cty.EmptyTuple,
			equal: false,
		},
		{
			name:  "nested match",
			a:     cty.Tuple([]cty.Type{cty.Tuple([]cty.Type{cty.String}), cty.EmptyObject}),
			b:     cty.Tuple([]cty.Type{cty.Tuple([]cty.Type{cty.Bool}), cty.EmptyObject}),
			equal: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.equal, SpecEqual(tc.a, tc.b))
		})
	}
}

func TestFlattenUnflattenRoundTrip(t *testing.T) {
	v := cty.TupleVal([]cty.Value{
		cty.TupleVal([]cty.Value{cty.StringVal("a"), cty.NumberIntVal(2)}),
		cty.ObjectVal(map[string]cty.Value{
			"beta":  cty.NumberIntVal(3),
			"alpha": cty.StringVal("b"),
		}),
	})

	leaves, spec := Flatten(v)
	require.Len(t, leaves, 4)
	// Object attributes flatten in sorted key order.
	assert.Equal(t, "a", leaves[0].AsString())
	assert.Equal(t, "b", leaves[2].AsString())

	rebuilt, err := Unflatten(leaves, spec)
	require.NoError(t, err)
	assert.True(t, rebuilt.RawEquals(v))
}

func TestFlattenSpecMismatch(t *testing.T) {
	spec := cty.Tuple([]cty.Type{cty.Tuple([]cty.Type{cty.String, cty.String})})

	_, err := FlattenSpec(cty.TupleVal([]cty.Value{
		cty.TupleVal([]cty.Value{cty.StringVal("only-one")}),
	}), spec)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "[0]")

	_, err = FlattenSpec(cty.TupleVal([]cty.Value{cty.StringVal("not-a-tuple")}), spec)
	require.Error(t, err)
}

func TestUnflattenLeafCount(t *testing.T) {
	spec := cty.Tuple([]cty.Type{cty.String, cty.String})

	_, err := Unflatten([]cty.Value{cty.StringVal("a")}, spec)
	require.Error(t, err)

	_, err = Unflatten([]cty.Value{cty.StringVal("a"), cty.StringVal("b"), cty.StringVal("c")}, spec)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "leftover")
}

func TestNumLeaves(t *testing.T) {
	assert.Equal(t, 1, NumLeaves(leafSpec()))
	assert.Equal(t, 0, NumLeaves(cty.EmptyTuple))
	assert.Equal(t, 3, NumLeaves(cty.Tuple([]cty.Type{
		cty.String,
		cty.Object(map[string]cty.Type{"a": cty.String, "b": cty.Number}),
	})))
}

func TestEmptyContainers(t *testing.T) {
	spec := cty.Tuple([]cty.Type{cty.EmptyTuple, cty.EmptyObject})
	v, err := Unflatten(nil, spec)
	require.NoError(t, err)
	assert.True(t, v.RawEquals(cty.TupleVal([]cty.Value{cty.EmptyTupleVal, cty.EmptyObjectVal})))

	leaves, err := FlattenSpec(v, spec)
	require.NoError(t, err)
	assert.Empty(t, leaves)
}

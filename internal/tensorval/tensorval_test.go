package tensorval

import (
	"testing"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zclconf/go-cty/cty"
)

func TestTensorRoundTrip(t *testing.T) {
	src := tensors.FromFlatDataAndDimensions([]float32{1, 2, 3, 4}, 2, 2)
	v := TensorVal(src)

	got, ok := AsTensor(v)
	require.True(t, ok)
	assert.Same(t, src, got)

	_, ok = AsTensor(cty.StringVal("not a tensor"))
	assert.False(t, ok)

	_, err := MustTensor(cty.NumberIntVal(7))
	require.Error(t, err)
}

func TestSpecRoundTrip(t *testing.T) {
	spec := cty.Tuple([]cty.Type{cty.String, cty.EmptyObject})
	v := SpecVal(spec)

	got, ok := AsSpec(v)
	require.True(t, ok)
	assert.True(t, got.Equals(spec))

	_, ok = AsSpec(TensorVal(tensors.FromValue(float32(1))))
	assert.False(t, ok)
}

func TestCloneTensorIsIndependent(t *testing.T) {
	src := tensors.FromFlatDataAndDimensions([]float32{1, 2}, 2)
	clone := CloneTensor(src)
	require.NotSame(t, src, clone)

	tensors.MutableFlatData(clone, func(flat []float32) {
		flat[0] = 99
	})
	tensors.ConstFlatData(src, func(flat []float32) {
		assert.Equal(t, float32(1), flat[0])
	})
}

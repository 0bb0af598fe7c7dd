// Package tensorval bridges gomlx tensors into the cty value system.
//
// All runtime values flowing through reconstructed graphs are cty.Value.
// Tensors do not have a native cty representation, so they travel as capsule
// values wrapping *tensors.Tensor. Tree-specification handles (cty.Type
// skeletons consumed by generated flatten/unflatten operations) get the same
// treatment.
package tensorval

import (
	"fmt"
	"reflect"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/zclconf/go-cty/cty"
)

// TensorType is the capsule type carrying a *tensors.Tensor.
var TensorType = cty.Capsule("tensor", reflect.TypeOf(tensors.Tensor{}))

// SpecType is the capsule type carrying a cty.Type tree-specification.
var SpecType = cty.Capsule("treespec", reflect.TypeOf(cty.Type{}))

// TensorVal wraps a tensor as a cty capsule value.
func TensorVal(t *tensors.Tensor) cty.Value {
	return cty.CapsuleVal(TensorType, t)
}

// AsTensor unwraps a tensor capsule value. The second return is false when
// the value is not a tensor capsule.
func AsTensor(v cty.Value) (*tensors.Tensor, bool) {
	if !v.Type().Equals(TensorType) {
		return nil, false
	}
	return v.EncapsulatedValue().(*tensors.Tensor), true
}

// MustTensor unwraps a tensor capsule value or returns an error naming the
// actual type. Used where the data model guarantees a tensor.
func MustTensor(v cty.Value) (*tensors.Tensor, error) {
	t, ok := AsTensor(v)
	if !ok {
		return nil, fmt.Errorf("expected a tensor value, got %s", v.Type().FriendlyName())
	}
	return t, nil
}

// SpecVal wraps a tree-specification as a cty capsule value.
func SpecVal(spec cty.Type) cty.Value {
	s := spec
	return cty.CapsuleVal(SpecType, &s)
}

// AsSpec unwraps a tree-specification capsule value.
func AsSpec(v cty.Value) (cty.Type, bool) {
	if !v.Type().Equals(SpecType) {
		return cty.NilType, false
	}
	return *v.EncapsulatedValue().(*cty.Type), true
}

// CloneTensor returns an independent copy of t so later aliasing writes to
// the source cannot corrupt reconstructed module state.
func CloneTensor(t *tensors.Tensor) *tensors.Tensor {
	c, err := t.Clone()
	if err != nil {
		panic(fmt.Sprintf("tensorval: clone tensor: %v", err))
	}
	return c
}

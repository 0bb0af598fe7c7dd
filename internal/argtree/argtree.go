// Package argtree implements the tree-specification protocol used to move
// between structured call conventions and flat argument lists.
//
// A tree-specification is a cty.Type skeleton: tuple types and object types
// are containers, every other type is a leaf. Flattening a value walks that
// skeleton depth first and collects the leaves in order; unflattening
// rebuilds a value of the skeleton's shape from a flat leaf list. Object
// attributes follow cty's canonical (sorted) attribute order, so a given
// specification always flattens the same way.
package argtree

import (
	"fmt"
	"sort"

	"github.com/zclconf/go-cty/cty"
)

// SpecEqual compares two tree-specifications structurally. Only the
// container skeleton matters: leaf positions match regardless of the leaf
// value's type, mirroring how the call-convention protocol treats leaves as
// opaque.
func SpecEqual(a, b cty.Type) bool {
	switch {
	case a.IsTupleType():
		if !b.IsTupleType() {
			return false
		}
		ae, be := a.TupleElementTypes(), b.TupleElementTypes()
		if len(ae) != len(be) {
			return false
		}
		for i := range ae {
			if !SpecEqual(ae[i], be[i]) {
				return false
			}
		}
		return true
	case a.IsObjectType():
		if !b.IsObjectType() {
			return false
		}
		aa, ba := a.AttributeTypes(), b.AttributeTypes()
		if len(aa) != len(ba) {
			return false
		}
		for name, at := range aa {
			bt, ok := ba[name]
			if !ok || !SpecEqual(at, bt) {
				return false
			}
		}
		return true
	default:
		return !IsContainer(b)
	}
}

// IsContainer reports whether spec describes a container position rather
// than a leaf.
func IsContainer(spec cty.Type) bool {
	return spec.IsTupleType() || spec.IsObjectType()
}

// SpecOf derives the tree-specification of a value.
func SpecOf(v cty.Value) cty.Type {
	return v.Type()
}

// NumLeaves counts the leaf positions of a tree-specification.
func NumLeaves(spec cty.Type) int {
	if !IsContainer(spec) {
		return 1
	}
	n := 0
	if spec.IsTupleType() {
		for _, et := range spec.TupleElementTypes() {
			n += NumLeaves(et)
		}
		return n
	}
	for _, at := range spec.AttributeTypes() {
		n += NumLeaves(at)
	}
	return n
}

// Flatten walks v depth first and returns its leaves in specification order
// along with the specification describing its shape.
func Flatten(v cty.Value) ([]cty.Value, cty.Type) {
	spec := SpecOf(v)
	leaves := appendLeaves(nil, v)
	return leaves, spec
}

// FlattenSpec flattens v according to a declared specification, failing when
// the value's shape diverges from the specification at any container
// position.
func FlattenSpec(v cty.Value, spec cty.Type) ([]cty.Value, error) {
	return appendLeavesSpec(nil, v, spec, "")
}

// Unflatten rebuilds a value of the given specification's shape from a flat
// leaf list. The leaf count must match the specification exactly.
func Unflatten(leaves []cty.Value, spec cty.Type) (cty.Value, error) {
	v, rest, err := build(leaves, spec)
	if err != nil {
		return cty.NilVal, err
	}
	if len(rest) != 0 {
		return cty.NilVal, fmt.Errorf("unflatten: %d leftover leaves for specification %s", len(rest), spec.FriendlyName())
	}
	return v, nil
}

func appendLeaves(dst []cty.Value, v cty.Value) []cty.Value {
	ty := v.Type()
	switch {
	case ty.IsTupleType():
		for _, ev := range v.AsValueSlice() {
			dst = appendLeaves(dst, ev)
		}
	case ty.IsObjectType():
		attrs := v.AsValueMap()
		for _, name := range sortedKeys(attrs) {
			dst = appendLeaves(dst, attrs[name])
		}
	default:
		dst = append(dst, v)
	}
	return dst
}

func appendLeavesSpec(dst []cty.Value, v cty.Value, spec cty.Type, path string) ([]cty.Value, error) {
	switch {
	case spec.IsTupleType():
		if !v.Type().IsTupleType() {
			return nil, fmt.Errorf("flatten: expected a tuple at %q, got %s", path, v.Type().FriendlyName())
		}
		elems := v.AsValueSlice()
		specElems := spec.TupleElementTypes()
		if len(elems) != len(specElems) {
			return nil, fmt.Errorf("flatten: tuple at %q has %d elements, specification expects %d", path, len(elems), len(specElems))
		}
		var err error
		for i, ev := range elems {
			dst, err = appendLeavesSpec(dst, ev, specElems[i], fmt.Sprintf("%s[%d]", path, i))
			if err != nil {
				return nil, err
			}
		}
		return dst, nil
	case spec.IsObjectType():
		if !v.Type().IsObjectType() {
			return nil, fmt.Errorf("flatten: expected an object at %q, got %s", path, v.Type().FriendlyName())
		}
		attrs := v.AsValueMap()
		specAttrs := spec.AttributeTypes()
		if len(attrs) != len(specAttrs) {
			return nil, fmt.Errorf("flatten: object at %q has %d attributes, specification expects %d", path, len(attrs), len(specAttrs))
		}
		for _, name := range sortedKeysT(specAttrs) {
			av, ok := attrs[name]
			if !ok {
				return nil, fmt.Errorf("flatten: object at %q is missing attribute %q", path, name)
			}
			var err error
			dst, err = appendLeavesSpec(dst, av, specAttrs[name], path+"."+name)
			if err != nil {
				return nil, err
			}
		}
		return dst, nil
	default:
		return append(dst, v), nil
	}
}

func build(leaves []cty.Value, spec cty.Type) (cty.Value, []cty.Value, error) {
	switch {
	case spec.IsTupleType():
		specElems := spec.TupleElementTypes()
		elems := make([]cty.Value, 0, len(specElems))
		for _, et := range specElems {
			ev, rest, err := build(leaves, et)
			if err != nil {
				return cty.NilVal, nil, err
			}
			elems = append(elems, ev)
			leaves = rest
		}
		if len(elems) == 0 {
			return cty.EmptyTupleVal, leaves, nil
		}
		return cty.TupleVal(elems), leaves, nil
	case spec.IsObjectType():
		specAttrs := spec.AttributeTypes()
		attrs := make(map[string]cty.Value, len(specAttrs))
		for _, name := range sortedKeysT(specAttrs) {
			av, rest, err := build(leaves, specAttrs[name])
			if err != nil {
				return cty.NilVal, nil, err
			}
			attrs[name] = av
			leaves = rest
		}
		if len(attrs) == 0 {
			return cty.EmptyObjectVal, leaves, nil
		}
		return cty.ObjectVal(attrs), leaves, nil
	default:
		if len(leaves) == 0 {
			return cty.NilVal, nil, fmt.Errorf("unflatten: ran out of leaves for specification %s", spec.FriendlyName())
		}
		return leaves[0], leaves[1:], nil
	}
}

func sortedKeys(m map[string]cty.Value) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedKeysT(m map[string]cty.Type) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

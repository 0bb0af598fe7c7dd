package interp

import (
	"context"
	"errors"
	"fmt"

	"github.com/zclconf/go-cty/cty"

	"github.com/vk/regraft/internal/argtree"
	"github.com/vk/regraft/internal/ctxlog"
	"github.com/vk/regraft/internal/export"
	"github.com/vk/regraft/internal/modtree"
	"github.com/vk/regraft/internal/tensorval"
	"github.com/vk/regraft/internal/trace"
)

var (
	// ErrNoAdapter reports an argument tree that diverges from the exported
	// input specification with no adapter configured to bridge the gap.
	ErrNoAdapter = errors.New("input tree does not match the exported specification and no adapter is configured")

	// ErrAdaptedArity reports an adapter returning the wrong number of
	// leaves.
	ErrAdaptedArity = errors.New("adapter returned the wrong number of leaves")

	// ErrConstraint reports a tensor dimension outside its exported range
	// constraint.
	ErrConstraint = errors.New("input dimension violates a range constraint")
)

// Unflattened is the executable face of a rebuilt module tree. It accepts
// the same structured arguments the original model did, flattens them
// against the exported input specification, runs the root graph, and packs
// the flat results back into the declared output shape.
type Unflattened struct {
	root        *modtree.Module
	runner      *Runner
	inSpec      cty.Type
	outSpec     cty.Type
	adapter     argtree.Adapter
	constraints map[string]export.RangeConstraint
	inputs      []*trace.Node

	adapted bool
}

// NewUnflattened wraps a finalized root module. sig is the root call
// signature; adapter may be nil.
func NewUnflattened(root *modtree.Module, runner *Runner, sig *export.CallSignature, constraints map[string]export.RangeConstraint, adapter argtree.Adapter) (*Unflattened, error) {
	if sig == nil {
		return nil, fmt.Errorf("root module has no call signature")
	}
	if root.Graph == nil {
		return nil, fmt.Errorf("root module has no graph")
	}
	if !root.Finalized() {
		return nil, fmt.Errorf("root module was not finalized")
	}
	return &Unflattened{
		root:        root,
		runner:      runner,
		inSpec:      sig.InSpec,
		outSpec:     sig.OutSpec,
		adapter:     adapter,
		constraints: constraints,
		inputs:      root.Graph.Placeholders(),
	}, nil
}

// Root exposes the underlying module tree, e.g. for state inspection.
func (u *Unflattened) Root() *modtree.Module { return u.root }

// Call runs the model over structured positional and named arguments and
// returns the structured result.
func (u *Unflattened) Call(ctx context.Context, args []cty.Value, kwargs map[string]cty.Value) (cty.Value, error) {
	tree := cty.TupleVal([]cty.Value{tupleOf(args), objectOf(kwargs)})

	leaves, err := u.flattenInput(ctx, tree)
	if err != nil {
		return cty.NilVal, err
	}
	if len(leaves) != len(u.inputs) {
		return cty.NilVal, fmt.Errorf("%w: flattened to %d leaves, graph has %d inputs",
			ErrArgMismatch, len(leaves), len(u.inputs))
	}
	if err := u.checkConstraints(leaves); err != nil {
		return cty.NilVal, err
	}

	flat, err := u.runner.Run(ctx, u.root, leaves, nil)
	if err != nil {
		return cty.NilVal, err
	}
	if !flat.Type().IsTupleType() {
		return cty.NilVal, fmt.Errorf("root graph produced %s, expected a flat tuple", flat.Type().FriendlyName())
	}
	return argtree.Unflatten(flat.AsValueSlice(), u.outSpec)
}

// flattenInput flattens the caller's argument tree against the exported
// input specification, routing mismatched trees through the adapter.
func (u *Unflattened) flattenInput(ctx context.Context, tree cty.Value) ([]cty.Value, error) {
	inType := argtree.SpecOf(tree)
	if argtree.SpecEqual(inType, u.inSpec) {
		return argtree.FlattenSpec(tree, u.inSpec)
	}

	if u.adapter == nil {
		return nil, fmt.Errorf("%w: caller passed %s", ErrNoAdapter, inType.FriendlyName())
	}
	leaves, _ := argtree.Flatten(tree)
	adapted, err := u.adapter.Adapt(u.inSpec, inType, leaves)
	if err != nil {
		return nil, fmt.Errorf("adapting input tree: %w", err)
	}
	if want := argtree.NumLeaves(u.inSpec); len(adapted) != want {
		return nil, fmt.Errorf("%w: got %d, specification has %d", ErrAdaptedArity, len(adapted), want)
	}
	if !u.adapted {
		// One-time notice so repeated calls stay quiet.
		ctxlog.FromContext(ctx).Warn("Input tree diverged from the exported specification; adapter engaged.",
			"got", inType.FriendlyName(), "want", u.inSpec.FriendlyName())
		u.adapted = true
	}
	return adapted, nil
}

// checkConstraints validates symbolic dimensions of tensor inputs against
// the exported range constraints. Inputs without recorded shape metadata
// are accepted as-is.
func (u *Unflattened) checkConstraints(leaves []cty.Value) error {
	if len(u.constraints) == 0 {
		return nil
	}
	for i, ph := range u.inputs {
		shapeMeta, ok := ph.Meta.Entries["shape"]
		if !ok || !shapeMeta.Type().IsTupleType() {
			continue
		}
		t, ok := tensorval.AsTensor(leaves[i])
		if !ok {
			continue
		}
		dims := t.Shape().Dimensions
		declared := shapeMeta.AsValueSlice()
		if len(declared) != len(dims) {
			return fmt.Errorf("%w: input %%%s has rank %d, exported rank is %d",
				ErrConstraint, ph.Name, len(dims), len(declared))
		}
		for d, elem := range declared {
			if elem.Type() != cty.String {
				continue
			}
			sym := elem.AsString()
			c, ok := u.constraints[sym]
			if !ok {
				continue
			}
			got := int64(dims[d])
			if got < c.Min || got > c.Max {
				return fmt.Errorf("%w: input %%%s dimension %d (%s) is %d, allowed range is [%d, %d]",
					ErrConstraint, ph.Name, d, sym, got, c.Min, c.Max)
			}
		}
	}
	return nil
}

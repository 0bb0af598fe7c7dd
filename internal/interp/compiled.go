package interp

import (
	"context"
	"fmt"

	"github.com/zclconf/go-cty/cty"

	"github.com/vk/regraft/internal/modtree"
	"github.com/vk/regraft/internal/trace"
)

// plan is a pre-bound execution sequence for one module graph. Each node's
// attribute lookups, literal decoding, and child-module resolution happen
// once at compile time; later calls only evaluate slots.
type plan struct {
	steps   []step
	nInputs int
	output  thunk
}

type step func(ctx context.Context, r *Runner, slots []cty.Value) error

// thunk produces one argument value from the slot environment.
type thunk func(slots []cty.Value) (cty.Value, error)

// planFor returns mod's cached plan, compiling and installing it on first
// use.
func (r *Runner) planFor(mod *modtree.Module) (*plan, error) {
	if p, ok := mod.Plan.(*plan); ok {
		return p, nil
	}
	p, err := compile(mod)
	if err != nil {
		return nil, fmt.Errorf("compiling %q: %w", mod.TypeName, err)
	}
	mod.Plan = p
	return p, nil
}

func (p *plan) run(ctx context.Context, r *Runner, mod *modtree.Module, positional []cty.Value) (cty.Value, error) {
	if len(positional) != p.nInputs {
		return cty.NilVal, fmt.Errorf("%w: got %d arguments, plan expects %d",
			ErrArgMismatch, len(positional), p.nInputs)
	}
	slots := make([]cty.Value, len(p.steps)+p.nInputs)
	copy(slots, positional)
	for _, s := range p.steps {
		if err := s(ctx, r, slots); err != nil {
			return cty.NilVal, err
		}
	}
	return p.output(slots)
}

func compile(mod *modtree.Module) (*plan, error) {
	p := &plan{}
	slot := make(map[*trace.Node]int)
	next := 0

	for _, node := range mod.Graph.Nodes() {
		node := node
		switch node.Op {
		case trace.OpPlaceholder:
			slot[node] = next
			next++
			p.nInputs++

		case trace.OpGetAttr:
			v, ok := mod.Attr(node.Target)
			if !ok {
				return nil, fmt.Errorf("node %%%s fetches unknown attribute %q", node.Name, node.Target)
			}
			dst := next
			slot[node] = next
			next++
			p.steps = append(p.steps, func(_ context.Context, _ *Runner, slots []cty.Value) error {
				slots[dst] = v
				return nil
			})

		case trace.OpCallFunction:
			args, err := compileArgs(node.Args(), slot)
			if err != nil {
				return nil, fmt.Errorf("node %%%s: %w", node.Name, err)
			}
			kwargs, err := compileKwargs(node.Kwargs(), slot)
			if err != nil {
				return nil, fmt.Errorf("node %%%s: %w", node.Name, err)
			}
			target := node.Target
			name := node.Name
			dst := next
			slot[node] = next
			next++
			p.steps = append(p.steps, func(ctx context.Context, r *Runner, slots []cty.Value) error {
				vals, kwVals, err := forceAll(args, kwargs, slots)
				if err != nil {
					return fmt.Errorf("node %%%s: %w", name, err)
				}
				v, err := applyFunction(ctx, r.kernels, target, vals, kwVals)
				if err != nil {
					return fmt.Errorf("node %%%s: %w", name, err)
				}
				slots[dst] = v
				return nil
			})

		case trace.OpCallModule:
			child, ok := mod.Child(node.Target)
			if !ok {
				return nil, fmt.Errorf("node %%%s calls unknown submodule %q", node.Name, node.Target)
			}
			args, err := compileArgs(node.Args(), slot)
			if err != nil {
				return nil, fmt.Errorf("node %%%s: %w", node.Name, err)
			}
			kwargs, err := compileKwargs(node.Kwargs(), slot)
			if err != nil {
				return nil, fmt.Errorf("node %%%s: %w", node.Name, err)
			}
			target := node.Target
			dst := next
			slot[node] = next
			next++
			p.steps = append(p.steps, func(ctx context.Context, r *Runner, slots []cty.Value) error {
				vals, kwVals, err := forceAll(args, kwargs, slots)
				if err != nil {
					return fmt.Errorf("submodule %q: %w", target, err)
				}
				v, err := r.Run(ctx, child, vals, kwVals)
				if err != nil {
					return fmt.Errorf("submodule %q: %w", target, err)
				}
				slots[dst] = v
				return nil
			})

		case trace.OpOutput:
			out, err := compileArg(node.Args()[0], slot)
			if err != nil {
				return nil, fmt.Errorf("output node: %w", err)
			}
			p.output = out
			return p, nil
		}
	}
	return nil, fmt.Errorf("graph has no output node")
}

func compileArg(a trace.Arg, slot map[*trace.Node]int) (thunk, error) {
	switch a := a.(type) {
	case trace.NodeRef:
		idx, ok := slot[a.Node]
		if !ok {
			return nil, fmt.Errorf("reference to unevaluated node %%%s", a.Node.Name)
		}
		return func(slots []cty.Value) (cty.Value, error) {
			return slots[idx], nil
		}, nil
	case trace.Literal:
		v := a.Value
		if v.Type() == cty.NilType {
			v = cty.NullVal(cty.DynamicPseudoType)
		}
		return func([]cty.Value) (cty.Value, error) { return v, nil }, nil
	case trace.List:
		elems, err := compileArgs(a.Elems, slot)
		if err != nil {
			return nil, err
		}
		return func(slots []cty.Value) (cty.Value, error) {
			vals, err := forceThunks(elems, slots)
			if err != nil {
				return cty.NilVal, err
			}
			return tupleOf(vals), nil
		}, nil
	case trace.Dict:
		elems, err := compileArgs(a.Elems, slot)
		if err != nil {
			return nil, err
		}
		keys := a.Keys
		return func(slots []cty.Value) (cty.Value, error) {
			attrs := make(map[string]cty.Value, len(elems))
			for i, e := range elems {
				v, err := e(slots)
				if err != nil {
					return cty.NilVal, err
				}
				attrs[keys[i]] = v
			}
			return objectOf(attrs), nil
		}, nil
	}
	return nil, fmt.Errorf("unknown argument kind %T", a)
}

func compileArgs(args []trace.Arg, slot map[*trace.Node]int) ([]thunk, error) {
	out := make([]thunk, len(args))
	for i, a := range args {
		t, err := compileArg(a, slot)
		if err != nil {
			return nil, err
		}
		out[i] = t
	}
	return out, nil
}

func compileKwargs(kwargs map[string]trace.Arg, slot map[*trace.Node]int) (map[string]thunk, error) {
	if len(kwargs) == 0 {
		return nil, nil
	}
	out := make(map[string]thunk, len(kwargs))
	for k, a := range kwargs {
		t, err := compileArg(a, slot)
		if err != nil {
			return nil, err
		}
		out[k] = t
	}
	return out, nil
}

func forceThunks(ts []thunk, slots []cty.Value) ([]cty.Value, error) {
	out := make([]cty.Value, len(ts))
	for i, t := range ts {
		v, err := t(slots)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func forceAll(args []thunk, kwargs map[string]thunk, slots []cty.Value) ([]cty.Value, map[string]cty.Value, error) {
	vals, err := forceThunks(args, slots)
	if err != nil {
		return nil, nil, err
	}
	var kwVals map[string]cty.Value
	if len(kwargs) > 0 {
		kwVals = make(map[string]cty.Value, len(kwargs))
		for k, t := range kwargs {
			v, err := t(slots)
			if err != nil {
				return nil, nil, err
			}
			kwVals[k] = v
		}
	}
	return vals, kwVals, nil
}

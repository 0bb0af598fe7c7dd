package interp

import (
	"context"
	"errors"
	"fmt"

	"github.com/zclconf/go-cty/cty"

	"github.com/vk/regraft/internal/argtree"
	"github.com/vk/regraft/internal/kernels"
	"github.com/vk/regraft/internal/modtree"
	"github.com/vk/regraft/internal/tensorval"
	"github.com/vk/regraft/internal/trace"
)

// ErrArgMismatch reports arguments that cannot be reconciled against a
// module's placeholder list, by count or by name.
var ErrArgMismatch = errors.New("arguments do not match module inputs")

// Mode selects the execution strategy.
type Mode int

const (
	// ModeInterpret walks the graph node by node.
	ModeInterpret Mode = iota
	// ModeCompiled replays a pre-bound execution plan, compiled on first
	// use.
	ModeCompiled
)

// Runner executes module graphs.
type Runner struct {
	kernels kernels.Lookup
	mode    Mode
}

// NewRunner returns a runner executing function calls against the given
// kernel table.
func NewRunner(k kernels.Lookup, mode Mode) *Runner {
	return &Runner{kernels: k, mode: mode}
}

// Run executes mod's graph over the given positional and named arguments
// and returns the graph's output value.
func (r *Runner) Run(ctx context.Context, mod *modtree.Module, args []cty.Value, kwargs map[string]cty.Value) (cty.Value, error) {
	if mod.Graph == nil {
		return cty.NilVal, fmt.Errorf("module has no graph to execute")
	}
	if !mod.Finalized() {
		return cty.NilVal, fmt.Errorf("module was not finalized before execution")
	}

	positional, err := reconcileArgs(mod.ArgNames(), args, kwargs)
	if err != nil {
		return cty.NilVal, err
	}

	if r.mode == ModeCompiled {
		plan, err := r.planFor(mod)
		if err != nil {
			return cty.NilVal, err
		}
		return plan.run(ctx, r, mod, positional)
	}
	return r.interpret(ctx, mod, positional)
}

// reconcileArgs appends named arguments to the positional list by matching
// them against the trailing placeholder names, the documented call
// convention for rebuilt modules.
func reconcileArgs(argNames []string, args []cty.Value, kwargs map[string]cty.Value) ([]cty.Value, error) {
	if len(kwargs) == 0 {
		if len(args) != len(argNames) {
			return nil, fmt.Errorf("%w: got %d positional arguments, module expects %d inputs",
				ErrArgMismatch, len(args), len(argNames))
		}
		return args, nil
	}
	if len(args) > len(argNames) {
		return nil, fmt.Errorf("%w: got %d positional arguments, module expects %d inputs",
			ErrArgMismatch, len(args), len(argNames))
	}
	out := append([]cty.Value(nil), args...)
	matched := 0
	for _, name := range argNames[len(args):] {
		v, ok := kwargs[name]
		if !ok {
			return nil, fmt.Errorf("%w: missing named argument %q", ErrArgMismatch, name)
		}
		out = append(out, v)
		matched++
	}
	if matched != len(kwargs) {
		return nil, fmt.Errorf("%w: %d named arguments do not correspond to any module input",
			ErrArgMismatch, len(kwargs)-matched)
	}
	return out, nil
}

// interpret walks the graph in order, evaluating each node over the
// environment built so far.
func (r *Runner) interpret(ctx context.Context, mod *modtree.Module, positional []cty.Value) (cty.Value, error) {
	env := make(map[*trace.Node]cty.Value, mod.Graph.Len())
	nextArg := 0

	for _, node := range mod.Graph.Nodes() {
		switch node.Op {
		case trace.OpPlaceholder:
			if nextArg >= len(positional) {
				return cty.NilVal, fmt.Errorf("%w: ran out of arguments at input %%%s", ErrArgMismatch, node.Name)
			}
			env[node] = positional[nextArg]
			nextArg++

		case trace.OpGetAttr:
			v, ok := mod.Attr(node.Target)
			if !ok {
				return cty.NilVal, fmt.Errorf("node %%%s fetches unknown attribute %q", node.Name, node.Target)
			}
			env[node] = v

		case trace.OpCallFunction:
			v, err := r.callFunction(ctx, node, env)
			if err != nil {
				return cty.NilVal, err
			}
			env[node] = v

		case trace.OpCallModule:
			child, ok := mod.Child(node.Target)
			if !ok {
				return cty.NilVal, fmt.Errorf("node %%%s calls unknown submodule %q", node.Name, node.Target)
			}
			callArgs, err := evalArgs(node.Args(), env)
			if err != nil {
				return cty.NilVal, fmt.Errorf("node %%%s: %w", node.Name, err)
			}
			callKwargs, err := evalKwargs(node.Kwargs(), env)
			if err != nil {
				return cty.NilVal, fmt.Errorf("node %%%s: %w", node.Name, err)
			}
			v, err := r.Run(ctx, child, callArgs, callKwargs)
			if err != nil {
				return cty.NilVal, fmt.Errorf("submodule %q: %w", node.Target, err)
			}
			env[node] = v

		case trace.OpOutput:
			return evalArg(node.Args()[0], env)
		}
	}
	return cty.NilVal, fmt.Errorf("graph has no output node")
}

func (r *Runner) callFunction(ctx context.Context, node *trace.Node, env map[*trace.Node]cty.Value) (cty.Value, error) {
	args, err := evalArgs(node.Args(), env)
	if err != nil {
		return cty.NilVal, fmt.Errorf("node %%%s: %w", node.Name, err)
	}
	kwargs, err := evalKwargs(node.Kwargs(), env)
	if err != nil {
		return cty.NilVal, fmt.Errorf("node %%%s: %w", node.Name, err)
	}
	v, err := applyFunction(ctx, r.kernels, node.Target, args, kwargs)
	if err != nil {
		return cty.NilVal, fmt.Errorf("node %%%s: %w", node.Name, err)
	}
	return v, nil
}

// applyFunction executes one function target: the builtin tree operations
// inline, everything else through the kernel table.
func applyFunction(ctx context.Context, table kernels.Lookup, target string, args []cty.Value, kwargs map[string]cty.Value) (cty.Value, error) {
	switch target {
	case trace.TargetGetItem:
		if len(args) != 2 {
			return cty.NilVal, fmt.Errorf("getitem expects (composite, key)")
		}
		return getItem(args[0], args[1])

	case trace.TargetFlattenSpec:
		if len(args) != 2 {
			return cty.NilVal, fmt.Errorf("flatten_spec expects (value, spec)")
		}
		spec, ok := tensorval.AsSpec(args[1])
		if !ok {
			return cty.NilVal, fmt.Errorf("flatten_spec: second argument is not a tree-specification")
		}
		leaves, err := argtree.FlattenSpec(args[0], spec)
		if err != nil {
			return cty.NilVal, err
		}
		return tupleOf(leaves), nil

	case trace.TargetUnflatten:
		if len(args) != 2 {
			return cty.NilVal, fmt.Errorf("unflatten expects (leaves, spec)")
		}
		spec, ok := tensorval.AsSpec(args[1])
		if !ok {
			return cty.NilVal, fmt.Errorf("unflatten: second argument is not a tree-specification")
		}
		if !args[0].Type().IsTupleType() {
			return cty.NilVal, fmt.Errorf("unflatten: leaves must be a tuple, got %s", args[0].Type().FriendlyName())
		}
		return argtree.Unflatten(args[0].AsValueSlice(), spec)

	default:
		kernel, ok := table.Kernel(target)
		if !ok {
			return cty.NilVal, fmt.Errorf("no kernel registered for target %q", target)
		}
		return kernel(ctx, args, kwargs)
	}
}

func getItem(composite, key cty.Value) (cty.Value, error) {
	switch {
	case key.Type() == cty.Number:
		idx, _ := key.AsBigFloat().Int64()
		if !composite.Type().IsTupleType() {
			return cty.NilVal, fmt.Errorf("getitem by position on %s", composite.Type().FriendlyName())
		}
		elems := composite.AsValueSlice()
		if idx < 0 || int(idx) >= len(elems) {
			return cty.NilVal, fmt.Errorf("getitem index %d out of range for %d elements", idx, len(elems))
		}
		return elems[idx], nil
	case key.Type() == cty.String:
		if !composite.Type().IsObjectType() {
			return cty.NilVal, fmt.Errorf("getitem by key on %s", composite.Type().FriendlyName())
		}
		name := key.AsString()
		if !composite.Type().HasAttribute(name) {
			return cty.NilVal, fmt.Errorf("getitem: no attribute %q", name)
		}
		return composite.GetAttr(name), nil
	default:
		return cty.NilVal, fmt.Errorf("getitem key must be a number or string, got %s", key.Type().FriendlyName())
	}
}

func evalArg(a trace.Arg, env map[*trace.Node]cty.Value) (cty.Value, error) {
	switch a := a.(type) {
	case trace.NodeRef:
		v, ok := env[a.Node]
		if !ok {
			return cty.NilVal, fmt.Errorf("reference to unevaluated node %%%s", a.Node.Name)
		}
		return v, nil
	case trace.Literal:
		if a.Value.Type() == cty.NilType {
			return cty.NullVal(cty.DynamicPseudoType), nil
		}
		return a.Value, nil
	case trace.List:
		elems, err := evalArgs(a.Elems, env)
		if err != nil {
			return cty.NilVal, err
		}
		return tupleOf(elems), nil
	case trace.Dict:
		attrs := make(map[string]cty.Value, len(a.Elems))
		for i, e := range a.Elems {
			v, err := evalArg(e, env)
			if err != nil {
				return cty.NilVal, err
			}
			attrs[a.Keys[i]] = v
		}
		return objectOf(attrs), nil
	}
	return cty.NilVal, fmt.Errorf("unknown argument kind %T", a)
}

func evalArgs(args []trace.Arg, env map[*trace.Node]cty.Value) ([]cty.Value, error) {
	out := make([]cty.Value, len(args))
	for i, a := range args {
		v, err := evalArg(a, env)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func evalKwargs(kwargs map[string]trace.Arg, env map[*trace.Node]cty.Value) (map[string]cty.Value, error) {
	if len(kwargs) == 0 {
		return nil, nil
	}
	out := make(map[string]cty.Value, len(kwargs))
	for k, a := range kwargs {
		v, err := evalArg(a, env)
		if err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, nil
}

func tupleOf(elems []cty.Value) cty.Value {
	if len(elems) == 0 {
		return cty.EmptyTupleVal
	}
	return cty.TupleVal(elems)
}

func objectOf(attrs map[string]cty.Value) cty.Value {
	if len(attrs) == 0 {
		return cty.EmptyObjectVal
	}
	return cty.ObjectVal(attrs)
}

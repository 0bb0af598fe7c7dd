package hclprog

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"

	"github.com/vk/regraft/internal/argtree"
	"github.com/vk/regraft/internal/ctxlog"
	"github.com/vk/regraft/internal/export"
	"github.com/vk/regraft/internal/trace"
)

// Load parses a program file from disk.
func Load(ctx context.Context, path string) (*export.Program, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCLFile(path)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse program file %s: %w", path, diags)
	}
	return build(ctx, file)
}

// Parse builds a program from in-memory HCL source. The filename only labels
// diagnostics.
func Parse(ctx context.Context, filename string, src []byte) (*export.Program, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse program source %s: %w", filename, diags)
	}
	return build(ctx, file)
}

func build(ctx context.Context, file *hcl.File) (*export.Program, error) {
	logger := ctxlog.FromContext(ctx)

	var parsed hclProgramFile
	if diags := gohcl.DecodeBody(file.Body, nil, &parsed); diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode program file: %w", diags)
	}

	g := trace.NewGraph()
	for _, n := range parsed.Nodes {
		if err := buildNode(g, n); err != nil {
			return nil, fmt.Errorf("node %q: %w", n.Name, err)
		}
	}
	if err := g.Lint(); err != nil {
		return nil, fmt.Errorf("loaded graph is inconsistent: %w", err)
	}

	sig, err := buildSignature(g, parsed.Signature)
	if err != nil {
		return nil, err
	}

	callGraph := make([]export.CallGraphEntry, 0, len(parsed.ModuleCalls))
	for _, mc := range parsed.ModuleCalls {
		entry, err := buildModuleCall(mc)
		if err != nil {
			return nil, fmt.Errorf("module_call %q: %w", mc.FQN, err)
		}
		callGraph = append(callGraph, entry)
	}

	stateDict := make(map[string]*tensors.Tensor, len(parsed.States))
	for _, s := range parsed.States {
		t, err := buildState(s)
		if err != nil {
			return nil, fmt.Errorf("state %q: %w", s.Path, err)
		}
		stateDict[s.Path] = t
	}

	constraints := make(map[string]export.RangeConstraint, len(parsed.Constraints))
	for _, c := range parsed.Constraints {
		if c.Min > c.Max {
			return nil, fmt.Errorf("constraint %q: min %d exceeds max %d", c.Symbol, c.Min, c.Max)
		}
		constraints[c.Symbol] = export.RangeConstraint{Min: c.Min, Max: c.Max}
	}

	logger.Debug("Loaded exported program.",
		"nodes", g.Len(), "module_calls", len(callGraph), "state_tensors", len(stateDict))

	return &export.Program{
		Graph:            g,
		Signature:        sig,
		ModuleCallGraph:  callGraph,
		RangeConstraints: constraints,
		StateDict:        stateDict,
	}, nil
}

func buildNode(g *trace.Graph, n *hclNode) error {
	if g.Lookup(n.Name) != nil {
		return fmt.Errorf("duplicate node name")
	}
	args, err := argList(g, n.Args)
	if err != nil {
		return fmt.Errorf("args: %w", err)
	}
	kwargs, err := kwargMap(g, n.Kwargs)
	if err != nil {
		return fmt.Errorf("kwargs: %w", err)
	}

	var node *trace.Node
	switch n.Op {
	case "placeholder":
		node = g.Placeholder(n.Name)
	case "call_function":
		if n.Target == "" {
			return fmt.Errorf("call_function requires a target")
		}
		node = g.CallFunction(n.Name, n.Target, args, kwargs)
	case "call_module":
		if n.Target == "" {
			return fmt.Errorf("call_module requires a target")
		}
		node = g.CallModule(n.Name, n.Target, args, kwargs)
	case "get_attr":
		if n.Target == "" {
			return fmt.Errorf("get_attr requires a target")
		}
		node = g.GetAttr(n.Name, n.Target)
	case "output":
		if len(args) != 1 {
			return fmt.Errorf("output takes exactly one argument, the tuple of returns")
		}
		node = g.Output(args[0])
	default:
		return fmt.Errorf("unknown op %q", n.Op)
	}

	stack, err := stackEntries(n.Stack)
	if err != nil {
		return fmt.Errorf("stack: %w", err)
	}
	node.Meta.ModuleStack = stack

	shape, ok, err := evalOptional(n.Shape)
	if err != nil {
		return fmt.Errorf("shape: %w", err)
	}
	if ok {
		node.Meta.Entries = map[string]cty.Value{"shape": shape}
	}
	return nil
}

func buildSignature(g *trace.Graph, s *hclSignature) (export.Signature, error) {
	sig := export.Signature{
		InputsToParameters: map[string]string{},
		InputsToBuffers:    map[string]string{},
		BuffersToMutate:    map[string]string{},
	}
	if s == nil {
		return sig, nil
	}
	var err error
	if sig.InputsToParameters, err = stringMap(s.InputsToParameters); err != nil {
		return sig, fmt.Errorf("signature inputs_to_parameters: %w", err)
	}
	if sig.InputsToBuffers, err = stringMap(s.InputsToBuffers); err != nil {
		return sig, fmt.Errorf("signature inputs_to_buffers: %w", err)
	}
	if sig.BuffersToMutate, err = stringMap(s.BuffersToMutate); err != nil {
		return sig, fmt.Errorf("signature buffers_to_mutate: %w", err)
	}
	sig.HasBackward = s.HasBackward

	// Parameters and Buffers list state paths in graph input order.
	for _, ph := range g.Placeholders() {
		if path, ok := sig.InputsToParameters[ph.Name]; ok {
			sig.Parameters = append(sig.Parameters, path)
		}
		if path, ok := sig.InputsToBuffers[ph.Name]; ok {
			sig.Buffers = append(sig.Buffers, path)
		}
	}
	return sig, nil
}

func buildModuleCall(mc *hclModuleCall) (export.CallGraphEntry, error) {
	entry := export.CallGraphEntry{FQN: mc.FQN}
	inSpec, hasIn, err := specFromExpr(mc.InSpec)
	if err != nil {
		return entry, fmt.Errorf("in_spec: %w", err)
	}
	outSpec, hasOut, err := specFromExpr(mc.OutSpec)
	if err != nil {
		return entry, fmt.Errorf("out_spec: %w", err)
	}
	if !hasIn && !hasOut && len(mc.Inputs) == 0 && len(mc.Outputs) == 0 {
		// A bare entry records the module without preserving its signature.
		return entry, nil
	}
	if !hasIn || !hasOut {
		return entry, fmt.Errorf("a preserved signature needs both in_spec and out_spec")
	}

	sig := &export.CallSignature{InSpec: inSpec, OutSpec: outSpec}
	for _, in := range mc.Inputs {
		arg, err := buildArgument(in)
		if err != nil {
			return entry, fmt.Errorf("input: %w", err)
		}
		sig.Inputs = append(sig.Inputs, arg)
	}
	for _, out := range mc.Outputs {
		arg, err := buildArgument(out)
		if err != nil {
			return entry, fmt.Errorf("output: %w", err)
		}
		sig.Outputs = append(sig.Outputs, arg)
	}
	entry.Signature = sig
	return entry, nil
}

func buildArgument(a *hclArgument) (export.Argument, error) {
	switch a.Kind {
	case "tensor", "sym_int":
		if a.Node == "" {
			return export.Argument{}, fmt.Errorf("%s argument requires a node name", a.Kind)
		}
		kind := export.TensorArgument
		if a.Kind == "sym_int" {
			kind = export.SymIntArgument
		}
		return export.Argument{Kind: kind, Name: a.Node}, nil
	case "constant":
		v, ok, err := evalOptional(a.Value)
		if err != nil {
			return export.Argument{}, err
		}
		if !ok {
			v = cty.NilVal
		}
		return export.Argument{Kind: export.ConstantArgument, Value: v}, nil
	default:
		return export.Argument{}, fmt.Errorf("unknown argument kind %q", a.Kind)
	}
}

func buildState(s *hclState) (*tensors.Tensor, error) {
	shapeVal, ok, err := evalOptional(s.Shape)
	if err != nil {
		return nil, fmt.Errorf("shape: %w", err)
	}
	if !ok || !shapeVal.Type().IsTupleType() {
		return nil, fmt.Errorf("shape must be a list of dimensions")
	}
	dataVal, ok, err := evalOptional(s.Data)
	if err != nil {
		return nil, fmt.Errorf("data: %w", err)
	}
	if !ok || !dataVal.Type().IsTupleType() {
		return nil, fmt.Errorf("data must be a flat list of numbers")
	}

	var dims []int
	for _, d := range shapeVal.AsValueSlice() {
		if d.Type() != cty.Number {
			return nil, fmt.Errorf("shape entries must be numbers")
		}
		i, _ := d.AsBigFloat().Int64()
		dims = append(dims, int(i))
	}
	var data []float32
	for _, d := range dataVal.AsValueSlice() {
		if d.Type() != cty.Number {
			return nil, fmt.Errorf("data entries must be numbers")
		}
		f, _ := d.AsBigFloat().Float64()
		data = append(data, float32(f))
	}

	want := 1
	for _, d := range dims {
		want *= d
	}
	if len(data) != want {
		return nil, fmt.Errorf("shape %v wants %d elements, data has %d", dims, want, len(data))
	}
	return tensors.FromFlatDataAndDimensions(data, dims...), nil
}

// argList converts an args expression, a tuple of argument values, into
// trace arguments.
func argList(g *trace.Graph, expr hcl.Expression) ([]trace.Arg, error) {
	v, ok, err := evalOptional(expr)
	if err != nil || !ok {
		return nil, err
	}
	if !v.Type().IsTupleType() {
		return nil, fmt.Errorf("args must be a list, got %s", v.Type().FriendlyName())
	}
	out := make([]trace.Arg, 0, v.LengthInt())
	for _, elem := range v.AsValueSlice() {
		a, err := argFromValue(g, elem)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

func kwargMap(g *trace.Graph, expr hcl.Expression) (map[string]trace.Arg, error) {
	v, ok, err := evalOptional(expr)
	if err != nil || !ok {
		return nil, err
	}
	if !v.Type().IsObjectType() {
		return nil, fmt.Errorf("kwargs must be an object, got %s", v.Type().FriendlyName())
	}
	out := make(map[string]trace.Arg, v.LengthInt())
	for key, elem := range v.AsValueMap() {
		a, err := argFromValue(g, elem)
		if err != nil {
			return nil, fmt.Errorf("kwarg %q: %w", key, err)
		}
		out[key] = a
	}
	return out, nil
}

// argFromValue maps one evaluated HCL value onto the trace argument model.
// "%name" strings become node references, "%%..." unescapes to a literal.
func argFromValue(g *trace.Graph, v cty.Value) (trace.Arg, error) {
	if v.IsNull() {
		return trace.Literal{Value: cty.NilVal}, nil
	}
	switch {
	case v.Type() == cty.String:
		s := v.AsString()
		if strings.HasPrefix(s, "%%") {
			return trace.Literal{Value: cty.StringVal(s[1:])}, nil
		}
		if strings.HasPrefix(s, "%") {
			ref := g.Lookup(s[1:])
			if ref == nil {
				return nil, fmt.Errorf("reference to undeclared node %q", s[1:])
			}
			return trace.NodeRef{Node: ref}, nil
		}
		return trace.Literal{Value: v}, nil

	case v.Type().IsTupleType():
		elems := make([]trace.Arg, 0, v.LengthInt())
		for _, e := range v.AsValueSlice() {
			a, err := argFromValue(g, e)
			if err != nil {
				return nil, err
			}
			elems = append(elems, a)
		}
		return trace.List{Elems: elems}, nil

	case v.Type().IsObjectType():
		m := v.AsValueMap()
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		d := trace.Dict{Keys: keys, Elems: make([]trace.Arg, len(keys))}
		for i, k := range keys {
			a, err := argFromValue(g, m[k])
			if err != nil {
				return nil, err
			}
			d.Elems[i] = a
		}
		return d, nil

	default:
		return trace.Literal{Value: v}, nil
	}
}

func stackEntries(expr hcl.Expression) ([]trace.StackEntry, error) {
	v, ok, err := evalOptional(expr)
	if err != nil || !ok {
		return nil, err
	}
	if !v.Type().IsTupleType() {
		return nil, fmt.Errorf("stack must be a list of [instance, path, type] triples")
	}
	var out []trace.StackEntry
	for _, elem := range v.AsValueSlice() {
		if !elem.Type().IsTupleType() || elem.LengthInt() != 3 {
			return nil, fmt.Errorf("stack entries must be [instance, path, type] triples")
		}
		parts := elem.AsValueSlice()
		for _, p := range parts {
			if p.Type() != cty.String {
				return nil, fmt.Errorf("stack entry fields must be strings")
			}
		}
		out = append(out, trace.StackEntry{
			InstanceID: parts[0].AsString(),
			Path:       parts[1].AsString(),
			TypeName:   parts[2].AsString(),
		})
	}
	return out, nil
}

// specFromExpr evaluates a sample value and takes its tree skeleton as the
// specification.
func specFromExpr(expr hcl.Expression) (cty.Type, bool, error) {
	v, ok, err := evalOptional(expr)
	if err != nil || !ok {
		return cty.NilType, false, err
	}
	return argtree.SpecOf(v), true, nil
}

func stringMap(expr hcl.Expression) (map[string]string, error) {
	out := map[string]string{}
	v, ok, err := evalOptional(expr)
	if err != nil || !ok {
		return out, err
	}
	if !v.Type().IsObjectType() && !v.Type().IsMapType() {
		return nil, fmt.Errorf("expected an object of strings, got %s", v.Type().FriendlyName())
	}
	for k, elem := range v.AsValueMap() {
		if elem.Type() != cty.String {
			return nil, fmt.Errorf("entry %q is not a string", k)
		}
		out[k] = elem.AsString()
	}
	return out, nil
}

// evalOptional evaluates an optional attribute expression; absent attributes
// report ok=false.
func evalOptional(expr hcl.Expression) (cty.Value, bool, error) {
	if expr == nil {
		return cty.NilVal, false, nil
	}
	v, diags := expr.Value(nil)
	if diags.HasErrors() {
		return cty.NilVal, false, diags
	}
	if v.IsNull() {
		return cty.NilVal, false, nil
	}
	return v, true, nil
}

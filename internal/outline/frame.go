package outline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/zclconf/go-cty/cty"

	"github.com/vk/regraft/internal/ctxlog"
	"github.com/vk/regraft/internal/export"
	"github.com/vk/regraft/internal/modtree"
	"github.com/vk/regraft/internal/trace"
)

// ErrInconsistentShared reports two call sites of a presumed-shared module
// instance whose outlined subgraphs are not structurally identical.
var ErrInconsistentShared = errors.New("shared module instance outlined to divergent subgraphs")

// ErrUnsupportedOutput reports a declared module output of a kind the
// outliner cannot reconstruct.
var ErrUnsupportedOutput = errors.New("unsupported data type for output node")

// walkState is the context shared by every frame of one outlining walk.
type walkState struct {
	ctx       context.Context
	flatGraph *trace.Graph
	nodes     []*trace.Node

	// seenNodes tracks flat nodes already processed anywhere, by name.
	seenNodes map[string]*trace.Node
	// seenModules tracks module instances already given a subgraph, by
	// instance identifier.
	seenModules map[string]*modtree.Module

	callGraph map[string]*export.CallSignature
}

// frame is the ephemeral outlining context for one module instance. It is
// destroyed once its subgraph is finalized; no frame outlives its runFrom
// call.
type frame struct {
	st     *walkState
	parent *frame

	// stackPaths is this frame's module stack as qualified names; the last
	// entry is this module's own fqn.
	stackPaths []string
	fqn        string

	module *modtree.Module
	graph  *trace.Graph

	// cachedModule is the subgraph built the first time this instance was
	// outlined, used for the structural-identity check. Nil on first build.
	cachedModule *modtree.Module

	// nodeMap maps flat-graph nodes to their copies in this subgraph, in
	// discovery order.
	nodeMap      map[*trace.Node]*trace.Node
	nodeMapOrder []*trace.Node

	// nodeToPlaceholder maps flat-graph nodes to synthesized placeholders
	// in this subgraph.
	nodeToPlaceholder map[*trace.Node]*trace.Node

	// parentCallModule is the call-site node for this module in the parent
	// subgraph. Nil for the root frame.
	parentCallModule *trace.Node
}

// newFrame builds a frame for one module instance and wires its call site
// into the parent subgraph. When mod is nil a fresh interpreted module is
// created; the root frame passes its pre-existing module in.
func newFrame(st *walkState, parent *frame, stackPaths []string, instanceID, typeName string, mod *modtree.Module) (*frame, error) {
	f := &frame{
		st:                st,
		parent:            parent,
		stackPaths:        stackPaths,
		fqn:               stackPaths[len(stackPaths)-1],
		nodeMap:           make(map[*trace.Node]*trace.Node),
		nodeToPlaceholder: make(map[*trace.Node]*trace.Node),
	}

	sig := st.callGraph[f.fqn]
	if mod != nil {
		f.module = mod
	} else {
		f.module = modtree.NewInterpreted(typeName, trace.NewGraph(), sig)
	}
	f.graph = f.module.Graph

	if cached, ok := st.seenModules[instanceID]; ok {
		f.cachedModule = cached
	} else {
		st.seenModules[instanceID] = f.module
	}

	if parent != nil {
		accessor, err := computeAccessor(parent.fqn, f.fqn)
		if err != nil {
			return nil, err
		}
		installed := f.module
		if f.cachedModule != nil {
			installed = f.cachedModule
		}
		parent.module.AddSubmodule(accessor, installed)
		f.parentCallModule = parent.graph.CallModule(sanitizeName(accessor), accessor, nil, nil)
	}

	if sig != nil && parent != nil {
		if err := f.buildSignatureInputs(sig); err != nil {
			return nil, err
		}
	}
	return f, nil
}

// buildSignatureInputs reconstructs this module's declared call convention:
// typed placeholders plus a generated flatten in this subgraph, and a
// generated unflatten plus getitem accessors at the parent call site.
func (f *frame) buildSignatureInputs(sig *export.CallSignature) error {
	argsSpec, kwargsSpec, err := splitInSpec(sig.InSpec)
	if err != nil {
		return fmt.Errorf("module %q: %w", f.fqn, err)
	}

	// Declared placeholders in this subgraph, positional first, then
	// keywords in canonical order.
	argElems := make([]trace.Arg, 0, len(argsSpec.TupleElementTypes()))
	for idx := range argsSpec.TupleElementTypes() {
		ph := f.graph.Placeholder(fmt.Sprintf("_positional_arg_%d", idx))
		argElems = append(argElems, trace.NodeRef{Node: ph})
	}
	kwargKeys := sortedAttrNames(kwargsSpec)
	kwargElems := make([]trace.Arg, 0, len(kwargKeys))
	for _, name := range kwargKeys {
		ph := f.graph.Placeholder(name)
		kwargElems = append(kwargElems, trace.NodeRef{Node: ph})
	}

	callTree := trace.List{Elems: []trace.Arg{
		trace.List{Elems: argElems},
		trace.Dict{Keys: kwargKeys, Elems: kwargElems},
	}}
	flatArgs := generateFlatten(f.module, f.graph, callTree, sig.InSpec)

	for idx, input := range sig.Inputs {
		name := input.Name
		if input.Kind == export.ConstantArgument {
			name = fmt.Sprintf("_constant_%d", idx)
		}
		item := f.graph.CallFunction(name, trace.TargetGetItem,
			[]trace.Arg{trace.NodeRef{Node: flatArgs}, indexArg(idx)}, nil)
		if input.Kind == export.ConstantArgument {
			continue
		}
		flatNode, ok := f.st.seenNodes[input.Name]
		if !ok {
			return fmt.Errorf("module %q declares input %q, which has not been produced yet", f.fqn, input.Name)
		}
		item.Meta = flatNode.Meta.Clone()
		f.nodeToPlaceholder[flatNode] = item
	}

	// Call-site side: unflatten the threaded values back into the declared
	// (args, kwargs) shape and unpack it with getitem accessors.
	f.parent.graph.InsertBefore(f.parentCallModule)
	defer f.parent.graph.InsertAtEnd()

	inputElems := make([]trace.Arg, 0, len(sig.Inputs))
	for _, input := range sig.Inputs {
		switch input.Kind {
		case export.ConstantArgument:
			if input.Value.Type() != cty.NilType {
				return fmt.Errorf("%w: non-nil constant input for module %q", ErrUnsupportedOutput, f.fqn)
			}
			inputElems = append(inputElems, trace.Literal{Value: cty.NilVal})
		case export.TensorArgument, export.SymIntArgument:
			flatNode, ok := f.st.seenNodes[input.Name]
			if !ok {
				return fmt.Errorf("module %q declares input %q, which has not been produced yet", f.fqn, input.Name)
			}
			inputElems = append(inputElems, f.parent.remapInput(flatNode))
		default:
			return fmt.Errorf("unknown argument kind %v for module %q", input.Kind, f.fqn)
		}
	}
	inputsNode := generateUnflatten(f.parent.module, f.parent.graph, trace.List{Elems: inputElems}, sig.InSpec)
	argsNode := f.parent.graph.CallFunction("call_args", trace.TargetGetItem,
		[]trace.Arg{trace.NodeRef{Node: inputsNode}, indexArg(0)}, nil)
	kwargsNode := f.parent.graph.CallFunction("call_kwargs", trace.TargetGetItem,
		[]trace.Arg{trace.NodeRef{Node: inputsNode}, indexArg(1)}, nil)

	callArgs := make([]trace.Arg, 0, len(argsSpec.TupleElementTypes()))
	for i := range argsSpec.TupleElementTypes() {
		item := f.parent.graph.CallFunction("call_arg", trace.TargetGetItem,
			[]trace.Arg{trace.NodeRef{Node: argsNode}, indexArg(i)}, nil)
		callArgs = append(callArgs, trace.NodeRef{Node: item})
	}
	callKwargs := make(map[string]trace.Arg, len(kwargKeys))
	for _, k := range kwargKeys {
		item := f.parent.graph.CallFunction("call_kwarg_"+k, trace.TargetGetItem,
			[]trace.Arg{trace.NodeRef{Node: kwargsNode}, trace.Literal{Value: cty.StringVal(k)}}, nil)
		callKwargs[k] = trace.NodeRef{Node: item}
	}
	f.parentCallModule.SetArgs(callArgs)
	f.parentCallModule.SetKwargs(callKwargs)
	return nil
}

// addPlaceholder synthesizes a placeholder at the front of this subgraph
// for a value produced outside it.
func (f *frame) addPlaceholder(x *trace.Node) {
	if x.Graph() != f.st.flatGraph {
		panic(fmt.Sprintf("outline: remapped node %%%s is not part of the flat graph", x.Name))
	}
	f.graph.InsertAtStart()
	ph := f.graph.Placeholder(x.Name)
	f.graph.InsertAtEnd()
	ph.Meta = x.Meta.Clone()
	f.nodeToPlaceholder[x] = ph
}

// remapInput returns this subgraph's counterpart of a flat-graph node,
// synthesizing a placeholder (and threading the value through every
// enclosing call site) when the value is produced outside this subgraph.
func (f *frame) remapInput(x *trace.Node) trace.Arg {
	if copied, ok := f.nodeMap[x]; ok {
		return trace.NodeRef{Node: copied}
	}
	if _, ok := f.nodeToPlaceholder[x]; !ok {
		f.addPlaceholder(x)
		if f.parentCallModule != nil {
			// Prepend to match how placeholders accumulate at the front of
			// the subgraph.
			f.parentCallModule.PrependArg(f.parent.remapInput(x))
		}
	}
	return trace.NodeRef{Node: f.nodeToPlaceholder[x]}
}

// copyNode copies one flat node into this subgraph and records it as
// processed.
func (f *frame) copyNode(node *trace.Node) {
	copied := f.graph.CopyNode(node, func(ref *trace.Node) trace.Arg {
		return f.remapInput(ref)
	})
	f.nodeMap[node] = copied
	f.nodeMapOrder = append(f.nodeMapOrder, node)
	f.st.seenNodes[node.Name] = node
}

// finalizeOutputs closes this subgraph: it reconstructs the declared output
// tree when a call signature exists, infers the live outputs otherwise, and
// rewires the parent's node map so downstream consumers read from the call
// site. Shared instances are verified against their first build.
func (f *frame) finalizeOutputs() error {
	logger := ctxlog.FromContext(f.st.ctx)
	sig := f.st.callGraph[f.fqn]

	var origOutputs []*trace.Node
	var parentOut *trace.Node

	if sig != nil && f.parent != nil {
		for _, output := range sig.Outputs {
			switch output.Kind {
			case export.TensorArgument, export.SymIntArgument:
				flatNode, ok := f.st.seenNodes[output.Name]
				if !ok {
					return fmt.Errorf("module %q declares output %q, which was never produced", f.fqn, output.Name)
				}
				origOutputs = append(origOutputs, flatNode)
			default:
				return fmt.Errorf("%w: %s output %q of module %q", ErrUnsupportedOutput, output.Kind, output.Name, f.fqn)
			}
		}

		outElems := make([]trace.Arg, 0, len(origOutputs))
		for _, orig := range origOutputs {
			copied, ok := f.nodeMap[orig]
			if !ok {
				return fmt.Errorf("module %q output %q was not produced inside it", f.fqn, orig.Name)
			}
			outElems = append(outElems, trace.NodeRef{Node: copied})
		}
		treeOut := generateUnflatten(f.module, f.graph, trace.List{Elems: outElems}, sig.OutSpec)
		f.graph.Output(trace.NodeRef{Node: treeOut})

		parentOut = generateFlatten(f.parent.module, f.parent.graph,
			trace.NodeRef{Node: f.parentCallModule}, sig.OutSpec)
	} else {
		// No preserved signature: expose, in discovery order, every value
		// produced here that some node outside this subgraph consumes.
		var graphOutputs []trace.Arg
		for _, orig := range f.nodeMapOrder {
			for _, user := range orig.Users() {
				if _, processed := f.st.seenNodes[user.Name]; !processed {
					origOutputs = append(origOutputs, orig)
					graphOutputs = append(graphOutputs, trace.NodeRef{Node: f.nodeMap[orig]})
					break
				}
			}
		}
		if len(graphOutputs) == 1 {
			f.graph.Output(graphOutputs[0])
		} else {
			f.graph.Output(trace.List{Elems: graphOutputs})
		}
		parentOut = f.parentCallModule
	}

	logger.Debug("Outlined module subgraph.", "fqn", f.fqn, "nodes", f.graph.Len(), "outputs", len(origOutputs))

	if parentOut != nil {
		if len(origOutputs) == 1 && sig == nil {
			f.parent.setNodeMapping(origOutputs[0], parentOut)
		} else {
			for i, orig := range origOutputs {
				item := f.parent.graph.CallFunction(orig.Name, trace.TargetGetItem,
					[]trace.Arg{trace.NodeRef{Node: parentOut}, indexArg(i)}, nil)
				f.parent.setNodeMapping(orig, item)
			}
		}
	}

	if f.cachedModule != nil {
		if err := verifyGraphEquivalence(f.cachedModule, f.module); err != nil {
			return fmt.Errorf("module %q: %w", f.fqn, err)
		}
	}
	return nil
}

// setNodeMapping records that a flat node's value is available in this
// subgraph through the given node.
func (f *frame) setNodeMapping(orig, local *trace.Node) {
	if _, ok := f.nodeMap[orig]; !ok {
		f.nodeMapOrder = append(f.nodeMapOrder, orig)
	}
	f.nodeMap[orig] = local
}

// runFrom consumes flat nodes starting at nodeIdx until this module's
// execution is complete, then returns the cursor position for the caller to
// continue from.
func (f *frame) runFrom(nodeIdx int) (int, error) {
	for nodeIdx < len(f.st.nodes) {
		node := f.st.nodes[nodeIdx]
		if node.Op == trace.OpPlaceholder {
			panic(fmt.Sprintf("outline: placeholder %%%s encountered mid-walk", node.Name))
		}

		if node.Op == trace.OpOutput {
			if len(f.stackPaths) == 1 {
				// The flat graph's own output is handled by the outermost
				// frame after the walk.
				return nodeIdx, nil
			}
			if err := f.finalizeOutputs(); err != nil {
				return nodeIdx, err
			}
			return nodeIdx, nil
		}

		nodeStack := f.stackPaths
		if node.Meta.ModuleStack != nil {
			nodeStack = trace.StackPaths(node.Meta.ModuleStack)
		}

		if !hasPrefix(nodeStack, f.stackPaths) {
			// The current module is done executing; this node belongs to a
			// sibling or an ancestor. Finalize without consuming it.
			if err := f.finalizeOutputs(); err != nil {
				return nodeIdx, err
			}
			return nodeIdx, nil
		}

		if len(nodeStack) > len(f.stackPaths) {
			// The node executes inside a deeper module: spawn a child frame
			// and continue from wherever it stops.
			entry := node.Meta.ModuleStack[len(f.stackPaths)]
			child, err := newFrame(f.st, f, append(append([]string(nil), f.stackPaths...), entry.Path),
				entry.InstanceID, entry.TypeName, nil)
			if err != nil {
				return nodeIdx, err
			}
			nodeIdx, err = child.runFrom(nodeIdx)
			if err != nil {
				return nodeIdx, err
			}
			continue
		}

		f.copyNode(node)
		nodeIdx++
	}
	return nodeIdx, nil
}

// runOuter drives the root frame: leading placeholders verbatim, the walk,
// then the flat graph's output node.
func (f *frame) runOuter() error {
	nodeIdx := 0
	for nodeIdx < len(f.st.nodes) && f.st.nodes[nodeIdx].Op == trace.OpPlaceholder {
		f.copyNode(f.st.nodes[nodeIdx])
		nodeIdx++
	}

	if _, err := f.runFrom(nodeIdx); err != nil {
		return err
	}

	for _, node := range f.st.nodes {
		if node.Op == trace.OpOutput {
			f.copyNode(node)
		}
	}
	return nil
}

// Outline partitions the flat graph into per-module subgraphs rooted at
// root. The root module must already own an empty graph.
func Outline(ctx context.Context, flatGraph *trace.Graph, root *modtree.Module, callGraph []export.CallGraphEntry) error {
	st := &walkState{
		ctx:         ctx,
		flatGraph:   flatGraph,
		nodes:       flatGraph.Nodes(),
		seenNodes:   make(map[string]*trace.Node),
		seenModules: make(map[string]*modtree.Module),
		callGraph:   make(map[string]*export.CallSignature),
	}
	for _, entry := range callGraph {
		if entry.Signature != nil {
			st.callGraph[entry.FQN] = entry.Signature
		}
	}

	rootFrame, err := newFrame(st, nil, []string{""}, "", "", root)
	if err != nil {
		return err
	}
	return rootFrame.runOuter()
}

// computeAccessor derives the relative accessor path from a parent module
// to one of its descendants.
func computeAccessor(parentFQN, childFQN string) (string, error) {
	if parentFQN == "" {
		return childFQN, nil
	}
	parentSegs := strings.Split(parentFQN, ".")
	childSegs := strings.Split(childFQN, ".")
	if len(childSegs) <= len(parentSegs) || strings.Join(childSegs[:len(parentSegs)], ".") != parentFQN {
		return "", fmt.Errorf("child module %q is not a descendant of parent module %q", childFQN, parentFQN)
	}
	return strings.Join(childSegs[len(parentSegs):], "."), nil
}

// hasPrefix reports whether candidate starts with prefix, element-wise.
func hasPrefix(candidate, prefix []string) bool {
	if len(candidate) < len(prefix) {
		return false
	}
	for i, p := range prefix {
		if candidate[i] != p {
			return false
		}
	}
	return true
}

func sortedAttrNames(objSpec cty.Type) []string {
	attrs := objSpec.AttributeTypes()
	names := make([]string, 0, len(attrs))
	for name := range attrs {
		names = append(names, name)
	}
	// cty's canonical attribute order.
	sort.Strings(names)
	return names
}

func splitInSpec(inSpec cty.Type) (argsSpec, kwargsSpec cty.Type, err error) {
	if !inSpec.IsTupleType() || len(inSpec.TupleElementTypes()) != 2 {
		return cty.NilType, cty.NilType, fmt.Errorf("input tree-specification must be a (args, kwargs) pair, got %s", inSpec.FriendlyName())
	}
	argsSpec = inSpec.TupleElementTypes()[0]
	kwargsSpec = inSpec.TupleElementTypes()[1]
	if !argsSpec.IsTupleType() {
		return cty.NilType, cty.NilType, fmt.Errorf("positional slot of input tree-specification must be a tuple, got %s", argsSpec.FriendlyName())
	}
	if !kwargsSpec.IsObjectType() {
		return cty.NilType, cty.NilType, fmt.Errorf("keyword slot of input tree-specification must be an object, got %s", kwargsSpec.FriendlyName())
	}
	return argsSpec, kwargsSpec, nil
}

func sanitizeName(accessor string) string {
	return strings.ReplaceAll(accessor, ".", "_")
}

func indexArg(i int) trace.Arg {
	return trace.Literal{Value: cty.NumberIntVal(int64(i))}
}

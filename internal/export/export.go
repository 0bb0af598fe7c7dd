// Package export defines the data structures handed over by the exporting
// collaborator: the flat traced graph, its signature metadata, per-module
// call signatures, range constraints, and the state dictionary. The
// reconstruction core consumes these read-only.
package export

import (
	"fmt"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/zclconf/go-cty/cty"

	"github.com/vk/regraft/internal/trace"
)

// ArgumentKind classifies a named input or output of a module call.
type ArgumentKind int

const (
	// TensorArgument is a tensor-valued input or output.
	TensorArgument ArgumentKind = iota
	// SymIntArgument is a symbolic integer input or output.
	SymIntArgument
	// ConstantArgument is a compile-time constant baked into the trace.
	ConstantArgument
)

func (k ArgumentKind) String() string {
	switch k {
	case TensorArgument:
		return "tensor"
	case SymIntArgument:
		return "sym_int"
	case ConstantArgument:
		return "constant"
	}
	return fmt.Sprintf("argument_kind(%d)", int(k))
}

// Argument is one named input or output of a preserved module call.
type Argument struct {
	Kind ArgumentKind
	// Name is the flat-graph node name carrying the value. Empty for
	// constants.
	Name string
	// Value is the constant's value; only meaningful for ConstantArgument.
	Value cty.Value
}

// CallSignature declares the call convention of one module as it was
// originally invoked: the tree-specification of its (args, kwargs) input
// pair, the tree-specification of its output, and the flat-graph values
// crossing the call boundary.
type CallSignature struct {
	InSpec  cty.Type
	OutSpec cty.Type
	Inputs  []Argument
	Outputs []Argument
}

// CallGraphEntry associates a qualified module path with its preserved call
// signature. Entries without a preserved signature carry a nil signature.
type CallGraphEntry struct {
	FQN       string
	Signature *CallSignature
}

// Signature is the graph-level signature of an exported program: which graph
// inputs carry parameter/buffer state, and which graph outputs are
// functionalized buffer mutations.
type Signature struct {
	// Parameters and Buffers list fully-qualified state paths in graph input
	// order.
	Parameters []string
	Buffers    []string
	// InputsToParameters / InputsToBuffers map placeholder node names to the
	// state path they carry.
	InputsToParameters map[string]string
	InputsToBuffers    map[string]string
	// BuffersToMutate maps output-position node names to the buffer path
	// they mutate.
	BuffersToMutate map[string]string
	// HasBackward marks a joint forward/backward export, which this
	// subsystem does not support.
	HasBackward bool
}

// InputsToState merges the parameter and buffer input mappings.
func (s *Signature) InputsToState() map[string]string {
	merged := make(map[string]string, len(s.InputsToParameters)+len(s.InputsToBuffers))
	for k, v := range s.InputsToParameters {
		merged[k] = v
	}
	for k, v := range s.InputsToBuffers {
		merged[k] = v
	}
	return merged
}

// RangeConstraint bounds a symbolic value inclusively.
type RangeConstraint struct {
	Min int64
	Max int64
}

// Program is the exported program representation: everything the
// reconstruction needs, already in memory.
type Program struct {
	Graph     *trace.Graph
	Signature Signature
	// ModuleCallGraph is ordered; the first entry is the root module with
	// FQN "".
	ModuleCallGraph []CallGraphEntry
	// RangeConstraints bounds symbolic values by symbol name.
	RangeConstraints map[string]RangeConstraint
	// StateDict maps fully-qualified attribute paths to tensor values.
	StateDict map[string]*tensors.Tensor
}

// SignatureFor returns the preserved call signature for a qualified module
// path, or nil.
func (p *Program) SignatureFor(fqn string) *CallSignature {
	for _, e := range p.ModuleCallGraph {
		if e.FQN == fqn {
			return e.Signature
		}
	}
	return nil
}

// RootSignature returns the root entry's call signature. The root entry is
// required to exist and be first.
func (p *Program) RootSignature() (*CallSignature, error) {
	if len(p.ModuleCallGraph) == 0 || p.ModuleCallGraph[0].FQN != "" {
		return nil, fmt.Errorf("module call graph must start with the root entry (fqn \"\")")
	}
	if p.ModuleCallGraph[0].Signature == nil {
		return nil, fmt.Errorf("root module call entry has no signature")
	}
	return p.ModuleCallGraph[0].Signature, nil
}

package hclprog

import (
	"github.com/hashicorp/hcl/v2"
)

// hclProgramFile is the top-level structure of a program file for decoding.
type hclProgramFile struct {
	Nodes       []*hclNode       `hcl:"node,block"`
	Signature   *hclSignature    `hcl:"signature,block"`
	ModuleCalls []*hclModuleCall `hcl:"module_call,block"`
	States      []*hclState      `hcl:"state,block"`
	Constraints []*hclConstraint `hcl:"constraint,block"`
}

// hclNode is one `node "<op>" "<name>"` block. Argument expressions evaluate
// to cty values; strings starting with "%" reference earlier nodes by name.
type hclNode struct {
	Op     string         `hcl:"op,label"`
	Name   string         `hcl:"name,label"`
	Target string         `hcl:"target,optional"`
	Args   hcl.Expression `hcl:"args,optional"`
	Kwargs hcl.Expression `hcl:"kwargs,optional"`
	// Stack is a list of [instance_id, path, type_name] triples, outermost
	// module first.
	Stack hcl.Expression `hcl:"stack,optional"`
	// Shape records the exported tensor shape; symbolic dimensions are
	// strings naming a constraint symbol.
	Shape hcl.Expression `hcl:"shape,optional"`
}

// hclSignature is the graph-level `signature` block.
type hclSignature struct {
	InputsToParameters hcl.Expression `hcl:"inputs_to_parameters,optional"`
	InputsToBuffers    hcl.Expression `hcl:"inputs_to_buffers,optional"`
	BuffersToMutate    hcl.Expression `hcl:"buffers_to_mutate,optional"`
	HasBackward        bool           `hcl:"has_backward,optional"`
}

// hclModuleCall is a `module_call "<fqn>"` block preserving one module's
// call signature. Specs are written as sample values: tuples and objects
// are containers, anything else is a leaf.
type hclModuleCall struct {
	FQN     string         `hcl:"fqn,label"`
	InSpec  hcl.Expression `hcl:"in_spec,optional"`
	OutSpec hcl.Expression `hcl:"out_spec,optional"`
	Inputs  []*hclArgument `hcl:"input,block"`
	Outputs []*hclArgument `hcl:"output,block"`
}

// hclArgument is an `input "<kind>"` or `output "<kind>"` block.
type hclArgument struct {
	Kind  string         `hcl:"kind,label"`
	Node  string         `hcl:"node,optional"`
	Value hcl.Expression `hcl:"value,optional"`
}

// hclState is a `state "<path>"` block carrying one flat float32 tensor.
type hclState struct {
	Path  string         `hcl:"path,label"`
	Shape hcl.Expression `hcl:"shape"`
	Data  hcl.Expression `hcl:"data"`
}

// hclConstraint is a `constraint "<symbol>"` block bounding one symbolic
// dimension inclusively.
type hclConstraint struct {
	Symbol string `hcl:"symbol,label"`
	Min    int64  `hcl:"min"`
	Max    int64  `hcl:"max"`
}

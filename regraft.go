// Package regraft rebuilds a hierarchical module tree from a flat traced
// operation graph and makes it executable again.
//
// The exporting collaborator supplies a Program: the flat graph with
// module-stack annotations, its signature metadata, preserved per-module
// call signatures, range constraints, and the state dictionary. Rebuild
// reconstructs the original module hierarchy from these and returns an
// Unflattened wrapper that accepts the same structured arguments the
// original model did.
package regraft

import (
	"context"

	"github.com/vk/regraft/internal/argtree"
	"github.com/vk/regraft/internal/export"
	"github.com/vk/regraft/internal/interp"
	"github.com/vk/regraft/internal/kernels"
	"github.com/vk/regraft/internal/modtree"
	"github.com/vk/regraft/internal/unflatten"
)

// Re-exported input surface. See the internal packages for full
// documentation.
type (
	Program         = export.Program
	Signature       = export.Signature
	CallSignature   = export.CallSignature
	CallGraphEntry  = export.CallGraphEntry
	Argument        = export.Argument
	ArgumentKind    = export.ArgumentKind
	RangeConstraint = export.RangeConstraint

	Module      = modtree.Module
	Unflattened = interp.Unflattened
	Options     = unflatten.Options
	Mode        = interp.Mode
	Adapter     = argtree.Adapter

	Kernel         = kernels.Kernel
	KernelRegistry = kernels.Registry
)

const (
	TensorArgument   = export.TensorArgument
	SymIntArgument   = export.SymIntArgument
	ConstantArgument = export.ConstantArgument

	ModeInterpret = interp.ModeInterpret
	ModeCompiled  = interp.ModeCompiled
)

// Rebuild reconstructs the module hierarchy recorded in program's trace.
func Rebuild(ctx context.Context, program *Program, opts Options) (*Unflattened, error) {
	return unflatten.Rebuild(ctx, program, opts)
}

// DefaultKernels returns the builtin float32 kernel table.
func DefaultKernels() *KernelRegistry {
	return kernels.Default()
}

// Package kernels provides the tensor-runtime surface the interpreter
// executes function-call nodes against.
//
// The Registry maps function targets (e.g. "aten.addmm") to compiled Go
// kernels. The reconstruction core treats the runtime as a collaborator: the
// interpreter only sees the Lookup interface, so an alternative runtime can
// be swapped in wholesale.
package kernels

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/zclconf/go-cty/cty"
)

// Kernel executes one function-call operation over already-evaluated
// argument values.
type Kernel func(ctx context.Context, args []cty.Value, kwargs map[string]cty.Value) (cty.Value, error)

// Lookup resolves a function target to its kernel.
type Lookup interface {
	Kernel(target string) (Kernel, bool)
}

// Registry is a name-to-kernel table. Registration happens at startup;
// lookups afterwards are read-only.
type Registry struct {
	kernels map[string]Kernel
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{kernels: make(map[string]Kernel)}
}

// Register installs a kernel under a target name. Registering the same name
// twice is a programmer error.
func (r *Registry) Register(target string, k Kernel) {
	if _, exists := r.kernels[target]; exists {
		panic(fmt.Sprintf("kernel for target '%s' already registered", target))
	}
	slog.Debug("Registering kernel.", "target", target)
	r.kernels[target] = k
}

// Kernel implements Lookup.
func (r *Registry) Kernel(target string) (Kernel, bool) {
	k, ok := r.kernels[target]
	return k, ok
}

// Default returns a registry populated with the builtin float32 kernels.
func Default() *Registry {
	r := NewRegistry()
	registerBuiltins(r)
	return r
}

// Package unflatten orchestrates the reconstruction pipeline: buffer
// mutation rewriting, module-frame outlining, state installation, and
// parameter sinking, producing an executable module tree from a flat
// exported program.
package unflatten

import (
	"context"
	"errors"
	"fmt"

	"github.com/vk/regraft/internal/argtree"
	"github.com/vk/regraft/internal/ctxlog"
	"github.com/vk/regraft/internal/export"
	"github.com/vk/regraft/internal/interp"
	"github.com/vk/regraft/internal/kernels"
	"github.com/vk/regraft/internal/modtree"
	"github.com/vk/regraft/internal/mutation"
	"github.com/vk/regraft/internal/outline"
	"github.com/vk/regraft/internal/sink"
	"github.com/vk/regraft/internal/tensorval"
	"github.com/vk/regraft/internal/trace"
)

// ErrBackwardSignature reports a joint forward/backward export, which the
// reconstruction does not support.
var ErrBackwardSignature = errors.New("joint forward/backward programs cannot be rebuilt")

// Options tune the rebuild. The zero value interprets graphs with the
// default kernel table and no input adapter.
type Options struct {
	// Mode selects how rebuilt graphs execute.
	Mode interp.Mode
	// Kernels overrides the function-call dispatch table. Nil uses the
	// builtin registry.
	Kernels kernels.Lookup
	// Adapter bridges caller argument trees that diverge from the exported
	// input specification. Nil rejects divergent trees.
	Adapter argtree.Adapter
}

// Rebuild reconstructs the module hierarchy recorded in program's trace and
// returns it wrapped for execution. The program itself is not modified.
func Rebuild(ctx context.Context, program *export.Program, opts Options) (*interp.Unflattened, error) {
	logger := ctxlog.FromContext(ctx)

	if program.Signature.HasBackward {
		return nil, ErrBackwardSignature
	}
	rootSig, err := program.RootSignature()
	if err != nil {
		return nil, err
	}

	g := program.Graph.Copy()
	if err := mutation.InplaceBufferMutations(ctx, g, &program.Signature); err != nil {
		return nil, fmt.Errorf("rewriting buffer mutations: %w", err)
	}

	root := modtree.NewInterpreted("", trace.NewGraph(), rootSig)
	if err := outline.Outline(ctx, g, root, program.ModuleCallGraph); err != nil {
		return nil, fmt.Errorf("outlining module frames: %w", err)
	}
	logger.Debug("Outlined module hierarchy.", "submodules", len(root.FQNs()))

	if err := installState(root, program); err != nil {
		return nil, err
	}

	inputsToState := program.Signature.InputsToState()
	if err := sink.Params(ctx, root, inputsToState, nil); err != nil {
		return nil, fmt.Errorf("sinking state inputs: %w", err)
	}
	if err := assertNoStateInputs(root, inputsToState); err != nil {
		return nil, err
	}

	table := opts.Kernels
	if table == nil {
		table = kernels.Default()
	}
	runner := interp.NewRunner(table, opts.Mode)
	return interp.NewUnflattened(root, runner, rootSig, program.RangeConstraints, opts.Adapter)
}

// installState clones every state tensor out of the program and installs it
// on the module owning its path, parameters first. Cloning keeps the rebuilt
// tree's buffers independent of the exported program, so in-place updates
// never leak back.
func installState(root *modtree.Module, program *export.Program) error {
	install := func(path string, kind modtree.AttrKind) error {
		t, ok := program.StateDict[path]
		if !ok {
			return fmt.Errorf("signature names %q but the state dictionary has no such entry", path)
		}
		return root.AssignAttr(path, tensorval.CloneTensor(t), kind)
	}
	for _, path := range program.Signature.Parameters {
		if err := install(path, modtree.AttrParameter); err != nil {
			return err
		}
	}
	for _, path := range program.Signature.Buffers {
		if err := install(path, modtree.AttrBuffer); err != nil {
			return err
		}
	}
	return nil
}

// assertNoStateInputs verifies sinking left no state-carrying graph inputs
// behind anywhere in the tree.
func assertNoStateInputs(root *modtree.Module, inputsToState map[string]string) error {
	var leftover error
	root.Walk(func(path string, mod *modtree.Module) {
		if leftover != nil || mod.Graph == nil {
			return
		}
		for _, ph := range mod.Graph.Placeholders() {
			if state, ok := inputsToState[ph.Name]; ok {
				leftover = fmt.Errorf("state input %q (%s) survived sinking in module %q", ph.Name, state, path)
				return
			}
		}
	})
	return leftover
}

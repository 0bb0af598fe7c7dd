// Package mutation converts functionalized buffer mutations back into
// explicit in-place update operations.
//
// The exporting collaborator represents a buffer mutation by threading the
// buffer in as a graph input and returning the mutated value as an extra
// leading output. This pass reinserts an aten.copy_ node right after each
// producer, redirects downstream consumers to read the updated buffer, and
// strips the mutated values from the graph's return tuple.
package mutation

import (
	"context"
	"errors"
	"fmt"

	"github.com/vk/regraft/internal/ctxlog"
	"github.com/vk/regraft/internal/export"
	"github.com/vk/regraft/internal/trace"
)

// CopyTarget is the function target of the synthesized in-place update node.
const CopyTarget = "aten.copy_"

// ErrOutputShape reports a graph whose output node does not follow the
// single-tuple-of-returns convention. This is a programming error in the
// producing collaborator.
var ErrOutputShape = errors.New("output node is not a single tuple of returns")

// InplaceBufferMutations rewrites g in place, per the graph signature's
// declared buffer mutations. It must run before outlining.
func InplaceBufferMutations(ctx context.Context, g *trace.Graph, sig *export.Signature) error {
	logger := ctxlog.FromContext(ctx)

	output := g.OutputNode()
	if output == nil || len(output.Args()) != 1 {
		return ErrOutputShape
	}
	returns, ok := output.Args()[0].(trace.List)
	if !ok {
		return ErrOutputShape
	}
	if len(sig.BuffersToMutate) > len(returns.Elems) {
		return fmt.Errorf("%w: %d declared mutations but %d returns", ErrOutputShape, len(sig.BuffersToMutate), len(returns.Elems))
	}

	buffersToInputs := make(map[string]string, len(sig.InputsToBuffers))
	for input, buffer := range sig.InputsToBuffers {
		buffersToInputs[buffer] = input
	}

	// Capture the mutation producers before any rewriting: replacing uses
	// also rewrites the output node's own references.
	numMutations := len(sig.BuffersToMutate)
	producers := make([]*trace.Node, 0, numMutations)
	for _, ret := range returns.Elems[:numMutations] {
		mutation, ok := ret.(trace.NodeRef)
		if !ok {
			return fmt.Errorf("%w: mutation return position is not a node reference", ErrOutputShape)
		}
		producers = append(producers, mutation.Node)
	}

	for _, producer := range producers {
		bufferPath, ok := sig.BuffersToMutate[producer.Name]
		if !ok {
			return fmt.Errorf("node %%%s sits in a mutation return position but is not declared in buffers_to_mutate", producer.Name)
		}
		inputName, ok := buffersToInputs[bufferPath]
		if !ok {
			return fmt.Errorf("mutated buffer %q has no corresponding graph input", bufferPath)
		}
		inputNode := g.Lookup(inputName)
		if inputNode == nil || inputNode.Op != trace.OpPlaceholder {
			return fmt.Errorf("graph input %q for mutated buffer %q is missing", inputName, bufferPath)
		}

		g.InsertAfter(producer)
		copyNode := g.CallFunction(
			producer.Name+"_copy",
			CopyTarget,
			[]trace.Arg{trace.NodeRef{Node: inputNode}, trace.NodeRef{Node: producer}},
			nil,
		)
		copyNode.Meta = producer.Meta.Clone()
		g.InsertAtEnd()

		g.ReplaceAllUses(producer, copyNode, func(user *trace.Node) bool {
			return user == copyNode
		})
		logger.Debug("Reinserted in-place buffer update.",
			"buffer", bufferPath, "producer", producer.Name, "update", copyNode.Name)
	}

	// Strip the mutated values from the return tuple; only user outputs
	// remain. Re-read the output arguments, which the use-replacement above
	// may have rewritten.
	returns = output.Args()[0].(trace.List)
	userReturns := trace.List{Elems: append([]trace.Arg(nil), returns.Elems[numMutations:]...)}
	output.SetArgs([]trace.Arg{userReturns})
	return nil
}

// Package sink rewrites state-carrying graph inputs into direct attribute
// fetches.
//
// Exported graphs are purely functional: parameters and buffers arrive as
// leading graph inputs, threaded down through every module call. After
// outlining, each rebuilt module owns its state directly, so the threaded
// inputs are replaced by get_attr operations and dropped from call-site
// argument lists.
package sink

import (
	"context"
	"fmt"
	"strings"

	"github.com/vk/regraft/internal/ctxlog"
	"github.com/vk/regraft/internal/modtree"
	"github.com/vk/regraft/internal/tensorval"
	"github.com/vk/regraft/internal/trace"
)

// Params sinks state inputs across mod and its descendants, children before
// parents. inputsToState maps placeholder names to fully-qualified state
// paths; scope is the caller's position in the module hierarchy (empty for
// the root).
//
// A placeholder whose state path does not live under the current scope is
// left alone: the module is shared across tree positions and a later visit
// at the matching scope sinks it.
func Params(ctx context.Context, mod *modtree.Module, inputsToState map[string]string, scope []string) error {
	// Children first, duplicates included: each tree position of a shared
	// module carries its own scope.
	for _, name := range mod.ChildNames() {
		child, _ := mod.NamedChild(name)
		if err := Params(ctx, child, inputsToState, append(scope, name)); err != nil {
			return err
		}
	}

	if mod.Graph == nil {
		// Container-only modules (e.g. ones holding nothing but state) own
		// no operations.
		return nil
	}
	logger := ctxlog.FromContext(ctx)
	g := mod.Graph

	// State arguments disappear from child call sites; the children now
	// fetch their state directly.
	for _, n := range g.Nodes() {
		if n.Op != trace.OpCallModule {
			continue
		}
		n.FilterArgs(func(a trace.Arg) bool {
			ref, ok := a.(trace.NodeRef)
			if !ok {
				return true
			}
			_, isState := inputsToState[ref.Node.Name]
			return !isState
		})
	}

	for _, ph := range g.Placeholders() {
		statePath, ok := inputsToState[ph.Name]
		if !ok {
			continue
		}
		if ph.NumUsers() > 0 {
			segs := strings.Split(statePath, ".")
			if !scopeMatches(segs, scope) {
				logger.Debug("Deferring state input to the owning scope.",
					"input", ph.Name, "state", statePath, "scope", strings.Join(scope, "."))
				continue
			}
			attrPath := strings.Join(segs[len(scope):], ".")
			attrVal, found := mod.Attr(attrPath)
			if !found {
				return fmt.Errorf("state input %q resolves to %q, which is not installed on the module", ph.Name, attrPath)
			}
			if _, err := tensorval.MustTensor(attrVal); err != nil {
				return fmt.Errorf("state input %q: %w", ph.Name, err)
			}

			g.InsertAfter(ph)
			fetch := g.GetAttr(strings.ReplaceAll(attrPath, ".", "_"), attrPath)
			g.InsertAtEnd()
			fetch.Meta = ph.Meta.Clone()
			g.ReplaceAllUses(ph, fetch, nil)
		}
		if err := g.EraseNode(ph); err != nil {
			return fmt.Errorf("erasing state input %q: %w", ph.Name, err)
		}
	}

	if err := g.Lint(); err != nil {
		return fmt.Errorf("subgraph inconsistent after sinking: %w", err)
	}
	mod.Finalize()
	return nil
}

// scopeMatches reports whether a state path's leading segments equal the
// current scope exactly.
func scopeMatches(pathSegs, scope []string) bool {
	if len(pathSegs) < len(scope) {
		return false
	}
	for i, s := range scope {
		if pathSegs[i] != s {
			return false
		}
	}
	return true
}

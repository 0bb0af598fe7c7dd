// Package modtree models the reconstructed module hierarchy: named, possibly
// shared module instances, each owning its parameters, buffers, and (for
// leaf execution units) the subgraph outlined for it.
package modtree

import (
	"fmt"
	"strings"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/zclconf/go-cty/cty"

	"github.com/vk/regraft/internal/export"
	"github.com/vk/regraft/internal/tensorval"
	"github.com/vk/regraft/internal/trace"
)

// AttrKind classifies a module attribute.
type AttrKind int

const (
	// AttrParameter is learned state.
	AttrParameter AttrKind = iota
	// AttrBuffer is non-learned state, mutable during execution.
	AttrBuffer
	// AttrSpec is a tree-specification handle consumed by generated
	// flatten/unflatten operations.
	AttrSpec
)

// Module is one node of the reconstructed hierarchy. The same *Module may be
// installed under several parents when the original model shared a submodule
// instance across call sites.
type Module struct {
	// TypeName is the original module type recorded in the trace, when known.
	TypeName string

	// Graph is the subgraph outlined for this module, nil for container-only
	// modules that never execute operations themselves.
	Graph *trace.Graph

	// CallSig is the preserved call signature, nil when the original call
	// convention was not preserved for this module.
	CallSig *export.CallSignature

	// Plan is an opaque compiled execution plan installed by the interpreter
	// once the module is finalized. Nil until then.
	Plan any

	attrs     map[string]cty.Value
	attrKinds map[string]AttrKind
	attrOrder []string

	children   map[string]*Module
	childOrder []string

	argNames  []string
	finalized bool
}

// New returns an empty container module.
func New(typeName string) *Module {
	return &Module{
		TypeName:  typeName,
		attrs:     make(map[string]cty.Value),
		attrKinds: make(map[string]AttrKind),
		children:  make(map[string]*Module),
	}
}

// NewInterpreted returns a module owning a graph, optionally with a
// preserved call signature.
func NewInterpreted(typeName string, g *trace.Graph, sig *export.CallSignature) *Module {
	m := New(typeName)
	m.Graph = g
	m.CallSig = sig
	return m
}

// AssignAttr installs a tensor under a dotted target path, creating empty
// intermediate modules for any missing path segments. Only tensors can be
// assigned as parameters or buffers.
func (m *Module) AssignAttr(target string, t *tensors.Tensor, kind AttrKind) error {
	if kind != AttrParameter && kind != AttrBuffer {
		return fmt.Errorf("AssignAttr only installs parameters and buffers, got %v", kind)
	}
	if t == nil {
		return fmt.Errorf("expected only parameters or buffers for %q, got nil", target)
	}
	owner, field := m.descend(target, true)
	owner.setAttr(field, tensorval.TensorVal(t), kind)
	return nil
}

// AddSpec registers a tree-specification on the module under a fresh
// _spec_N attribute name and returns that name.
func (m *Module) AddSpec(spec cty.Type) string {
	for i := 0; ; i++ {
		name := fmt.Sprintf("_spec_%d", i)
		if _, taken := m.attrs[name]; !taken {
			m.setAttr(name, tensorval.SpecVal(spec), AttrSpec)
			return name
		}
	}
}

// AddSubmodule installs child under a dotted accessor, creating empty
// intermediate modules for any missing path segments.
func (m *Module) AddSubmodule(accessor string, child *Module) {
	owner, field := m.descend(accessor, true)
	if _, exists := owner.children[field]; !exists {
		owner.childOrder = append(owner.childOrder, field)
	}
	owner.children[field] = child
}

// Child resolves a dotted accessor to a descendant module.
func (m *Module) Child(accessor string) (*Module, bool) {
	cur := m
	for _, seg := range strings.Split(accessor, ".") {
		next, ok := cur.children[seg]
		if !ok {
			return nil, false
		}
		cur = next
	}
	return cur, true
}

// Attr resolves a dotted path to an attribute value, descending through
// child modules for every leading segment.
func (m *Module) Attr(path string) (cty.Value, bool) {
	segs := strings.Split(path, ".")
	cur := m
	for _, seg := range segs[:len(segs)-1] {
		next, ok := cur.children[seg]
		if !ok {
			return cty.NilVal, false
		}
		cur = next
	}
	v, ok := cur.attrs[segs[len(segs)-1]]
	return v, ok
}

// AttrKindOf returns the kind of a direct attribute.
func (m *Module) AttrKindOf(name string) (AttrKind, bool) {
	k, ok := m.attrKinds[name]
	return k, ok
}

// AttrNames returns the direct attribute names in installation order.
func (m *Module) AttrNames() []string {
	return append([]string(nil), m.attrOrder...)
}

// ChildNames returns the direct child accessors in installation order.
func (m *Module) ChildNames() []string {
	return append([]string(nil), m.childOrder...)
}

// NamedChild returns the direct child under name.
func (m *Module) NamedChild(name string) (*Module, bool) {
	c, ok := m.children[name]
	return c, ok
}

// Walk visits m and its descendants depth first, parents before children.
// Shared instances are visited once per tree position, mirroring how state
// paths are scoped.
func (m *Module) Walk(fn func(path string, mod *Module)) {
	m.walk("", fn)
}

func (m *Module) walk(prefix string, fn func(string, *Module)) {
	fn(prefix, m)
	for _, name := range m.childOrder {
		childPath := name
		if prefix != "" {
			childPath = prefix + "." + name
		}
		m.children[name].walk(childPath, fn)
	}
}

// NamedModule pairs a module with one of its qualified tree positions.
type NamedModule struct {
	Path   string
	Module *Module
}

// NamedModules returns every distinct module instance once, under the path
// of its first tree position, parents before children.
func (m *Module) NamedModules() []NamedModule {
	seen := make(map[*Module]struct{})
	var out []NamedModule
	m.Walk(func(path string, mod *Module) {
		if _, dup := seen[mod]; dup {
			return
		}
		seen[mod] = struct{}{}
		out = append(out, NamedModule{Path: path, Module: mod})
	})
	return out
}

// FQNs returns the set of qualified submodule paths in the tree, excluding
// the root's own empty path.
func (m *Module) FQNs() map[string]struct{} {
	out := make(map[string]struct{})
	m.Walk(func(path string, _ *Module) {
		if path != "" {
			out[path] = struct{}{}
		}
	})
	return out
}

// Finalize freezes the module for execution: it caches the ordered
// placeholder-name list used to reconcile named arguments at call time.
// Must be called after sinking, which is the last pass that edits the graph.
func (m *Module) Finalize() {
	m.argNames = m.argNames[:0]
	if m.Graph != nil {
		for _, n := range m.Graph.Placeholders() {
			m.argNames = append(m.argNames, n.Name)
		}
	}
	m.finalized = true
}

// Finalized reports whether Finalize has run.
func (m *Module) Finalized() bool { return m.finalized }

// ArgNames returns the cached placeholder-name list.
func (m *Module) ArgNames() []string { return m.argNames }

func (m *Module) setAttr(name string, v cty.Value, kind AttrKind) {
	if _, exists := m.attrs[name]; !exists {
		m.attrOrder = append(m.attrOrder, name)
	}
	m.attrs[name] = v
	m.attrKinds[name] = kind
}

// descend walks to the module owning the final path segment, creating empty
// intermediate modules when create is set.
func (m *Module) descend(path string, create bool) (*Module, string) {
	segs := strings.Split(path, ".")
	cur := m
	for _, seg := range segs[:len(segs)-1] {
		next, ok := cur.children[seg]
		if !ok {
			if !create {
				return nil, ""
			}
			next = New("")
			cur.children[seg] = next
			cur.childOrder = append(cur.childOrder, seg)
		}
		cur = next
	}
	return cur, segs[len(segs)-1]
}

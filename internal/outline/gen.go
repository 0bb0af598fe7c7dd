package outline

import (
	"github.com/zclconf/go-cty/cty"

	"github.com/vk/regraft/internal/modtree"
	"github.com/vk/regraft/internal/trace"
)

// generateFlatten emits a flatten-against-specification operation into g.
// The specification itself is registered as an attribute of mod and reaches
// the operation through a get_attr node, so the subgraph stays
// self-describing.
func generateFlatten(mod *modtree.Module, g *trace.Graph, value trace.Arg, spec cty.Type) *trace.Node {
	specName := mod.AddSpec(spec)
	specNode := g.GetAttr(specName, specName)
	return g.CallFunction("flatten", trace.TargetFlattenSpec,
		[]trace.Arg{value, trace.NodeRef{Node: specNode}}, nil)
}

// generateUnflatten emits an unflatten operation into g, rebuilding a
// structured value from the given flat leaves.
func generateUnflatten(mod *modtree.Module, g *trace.Graph, leaves trace.Arg, spec cty.Type) *trace.Node {
	specName := mod.AddSpec(spec)
	specNode := g.GetAttr(specName, specName)
	return g.CallFunction("unflatten", trace.TargetUnflatten,
		[]trace.Arg{leaves, trace.NodeRef{Node: specNode}}, nil)
}

package app

import (
	"fmt"
	"sort"
	"strings"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/zclconf/go-cty/cty"

	"github.com/vk/regraft/internal/interp"
	"github.com/vk/regraft/internal/modtree"
	"github.com/vk/regraft/internal/tensorval"
)

// printTree writes the rebuilt module hierarchy, one line per tree position.
func (a *App) printTree(rebuilt *interp.Unflattened) {
	rebuilt.Root().Walk(func(path string, mod *modtree.Module) {
		label := "(root)"
		depth := 0
		if path != "" {
			depth = strings.Count(path, ".") + 1
			label = path
		}
		indent := strings.Repeat("  ", depth)

		desc := mod.TypeName
		if desc == "" {
			desc = "Module"
		}
		extra := ""
		if mod.Graph != nil {
			extra = fmt.Sprintf(" [%d ops]", mod.Graph.Len())
		}
		if state := stateNames(mod); len(state) > 0 {
			extra += " {" + strings.Join(state, ", ") + "}"
		}
		fmt.Fprintf(a.outW, "%s%s: %s%s\n", indent, label, desc, extra)
	})
}

// stateNames lists a module's direct parameters and buffers, skipping the
// generated spec attributes.
func stateNames(mod *modtree.Module) []string {
	var out []string
	for _, name := range mod.AttrNames() {
		if kind, ok := mod.AttrKindOf(name); ok && kind != modtree.AttrSpec {
			out = append(out, name)
		}
	}
	return out
}

// renderTensor prints a float32 tensor as shape plus flat contents, eliding
// long data.
func renderTensor(t *tensors.Tensor) string {
	dims := make([]string, 0, len(t.Shape().Dimensions))
	for _, d := range t.Shape().Dimensions {
		dims = append(dims, fmt.Sprintf("%d", d))
	}
	var data []float32
	tensors.ConstFlatData(t, func(flat []float32) {
		data = append(data, flat...)
	})
	const maxShown = 16
	shown := data
	suffix := ""
	if len(shown) > maxShown {
		shown = shown[:maxShown]
		suffix = ", ..."
	}
	parts := make([]string, 0, len(shown))
	for _, f := range shown {
		parts = append(parts, fmt.Sprintf("%g", f))
	}
	return fmt.Sprintf("tensor[%s]{%s%s}", strings.Join(dims, "x"), strings.Join(parts, ", "), suffix)
}

// renderValue renders an execution result for the console: tensors by shape
// and contents, containers recursively.
func renderValue(v cty.Value) string {
	if v.IsNull() {
		return "null"
	}
	if t, ok := tensorval.AsTensor(v); ok {
		return renderTensor(t)
	}
	switch {
	case v.Type().IsTupleType():
		parts := make([]string, 0, v.LengthInt())
		for _, e := range v.AsValueSlice() {
			parts = append(parts, renderValue(e))
		}
		return "(" + strings.Join(parts, ", ") + ")"
	case v.Type().IsObjectType():
		m := v.AsValueMap()
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, k+"="+renderValue(m[k]))
		}
		return "{" + strings.Join(parts, ", ") + "}"
	default:
		return v.GoString()
	}
}

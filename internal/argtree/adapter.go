package argtree

import "github.com/zclconf/go-cty/cty"

// Adapter reconciles a caller's flattened arguments against the
// tree-specification a program was exported with. Implementations may reorder,
// drop, or synthesize leaves; they may mutate the given slice.
//
// The wrapper invokes an Adapter only when the caller's specification
// diverges from the exported one, and re-checks the returned leaf count
// against the exported specification afterwards.
type Adapter interface {
	Adapt(target, input cty.Type, leaves []cty.Value) ([]cty.Value, error)
}

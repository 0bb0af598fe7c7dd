package trace

// Builtin function targets synthesized during reconstruction. The
// interpreter implements these directly; they never reach the kernel
// registry.
const (
	// TargetGetItem extracts one element of a composite value by position
	// or key.
	TargetGetItem = "getitem"
	// TargetFlattenSpec flattens a structured value against a declared
	// tree-specification.
	TargetFlattenSpec = "tree.flatten_spec"
	// TargetUnflatten rebuilds a structured value from a flat leaf list and
	// a tree-specification.
	TargetUnflatten = "tree.unflatten"
)

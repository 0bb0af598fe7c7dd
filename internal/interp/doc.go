/*
Package interp executes rebuilt module subgraphs by direct interpretation.

A Runner walks a module's graph node by node over cty values, dispatching
function calls to the kernel registry, builtin tree operations inline, and
module calls recursively. Interpretation keeps execution close to the graph
(better diagnostics); a compiled mode pre-binds each node's evaluation into
a plan at first use and replays it on later calls. The mode is an explicit
construction parameter, not an ambient flag.

The Unflattened wrapper is the top-level entry point: it reconciles the
caller's argument tree against the exported tree-specification (invoking the
configured adapter when they diverge), enforces range constraints on every
leaf input, interprets the root graph, and packs the results back into the
declared output shape.
*/
package interp

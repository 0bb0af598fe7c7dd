/*
Package outline inverts the flattening performed by the tracer: it
partitions the flat operation sequence back into a tree of per-module
subgraphs, guided by each node's module-stack annotation.

One frame exists per in-progress module instance. All frames share a single
cursor over the flat node sequence, a seen-nodes table (flat nodes already
copied somewhere, keyed by name), and a seen-modules table (module instances
already given a subgraph, keyed by instance identifier). The walk is a
single depth-first recursion: comparing a node's recorded stack against the
current frame's stack decides whether to copy the node here, spawn a child
frame, or finalize and hand control back to the parent.

Cross-frame data dependencies are threaded by remapInput: a value produced
outside the current subgraph gets a synthesized placeholder here and,
recursively, an extra argument prepended at every enclosing call site, so
the value flows down through each call boundary without a global rewiring
pass.

When a module instance is outlined a second time (shared submodule), the
fresh subgraph is compared against the first via a canonical dump; any
divergence is a fatal consistency error.
*/
package outline

/*
Package trace defines the operation-node graph: the flat, topologically
ordered sequence of typed operations produced by tracing a model's forward
execution, and the per-submodule subgraphs rebuilt from it.

A Graph owns its Nodes exclusively. Nodes reference each other through
argument values (never by ownership), and every reference is mirrored in the
referenced node's user set, which the reconstruction passes rely on to find
consumers. The ordering invariant, that a node's arguments only reference
nodes appearing earlier in the sequence, is enforced by Lint and preserved by
the insertion API.

Each node carries a metadata record including the module stack recorded at
trace time: the chain of (instance, qualified name, type) entries describing
which submodule invocations were active when the operation ran. The outliner
inverts the trace's flattening by replaying this annotation.
*/
package trace

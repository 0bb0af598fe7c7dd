/*
Package hclprog loads exported programs from an HCL text format.

The reconstruction core consumes only in-memory structures; this package
exists for the CLI and the integration tests, which need programs that live
in files. A program file holds the flat graph as ordered `node` blocks, the
graph `signature`, preserved `module_call` signatures, `state` tensors, and
`constraint` bounds:

	node "placeholder" "x" {
	  stack = [["m0", "", "Net"]]
	  shape = ["batch", 8]
	}
	node "call_function" "relu" {
	  target = "aten.relu"
	  args   = ["%x"]
	  stack  = [["m0", "", "Net"], ["m1", "act", "ReLU"]]
	}
	node "output" "output" {
	  args = [["%relu"]]
	}

Argument expressions evaluate to cty values. A string starting with "%"
references an earlier node by name; "%%" escapes a literal leading percent.
Tree-specifications are written as sample values, e.g. `in_spec = [["?"],
{}]`: tuples and objects are containers, anything else is a leaf.
*/
package hclprog

package hclprog

import (
	"context"
	"fmt"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"

	"github.com/vk/regraft/internal/tensorval"
)

// hclInputFile is the top-level structure of an input file: one `arg` block
// per positional tensor argument, in call order.
type hclInputFile struct {
	Args []*hclInputArg `hcl:"arg,block"`
}

type hclInputArg struct {
	Shape hcl.Expression `hcl:"shape"`
	Data  hcl.Expression `hcl:"data"`
}

// LoadInput parses a file of positional tensor arguments for executing a
// rebuilt module.
func LoadInput(ctx context.Context, path string) ([]cty.Value, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCLFile(path)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse input file %s: %w", path, diags)
	}

	var parsed hclInputFile
	if diags := gohcl.DecodeBody(file.Body, nil, &parsed); diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode input file %s: %w", path, diags)
	}

	args := make([]cty.Value, 0, len(parsed.Args))
	for i, a := range parsed.Args {
		t, err := buildState(&hclState{Path: fmt.Sprintf("arg %d", i), Shape: a.Shape, Data: a.Data})
		if err != nil {
			return nil, fmt.Errorf("arg %d: %w", i, err)
		}
		args = append(args, tensorval.TensorVal(t))
	}
	return args, nil
}

package app

import "fmt"

// Config holds everything an App instance needs to run.
type Config struct {
	// ProgramPath locates the exported program file.
	ProgramPath string
	// InputPath optionally locates an input file to execute the rebuilt
	// module against. Empty means print the tree and stop.
	InputPath string
	// ExecutionMode is "interpret" or "compiled".
	ExecutionMode string
	LogFormat     string
	LogLevel      string
}

// NewConfig validates a candidate configuration.
func NewConfig(c Config) (*Config, error) {
	if c.ProgramPath == "" {
		return nil, fmt.Errorf("a program path is required")
	}
	switch c.ExecutionMode {
	case "":
		c.ExecutionMode = "interpret"
	case "interpret", "compiled":
	default:
		return nil, fmt.Errorf("invalid execution mode %q: must be 'interpret' or 'compiled'", c.ExecutionMode)
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	return &c, nil
}

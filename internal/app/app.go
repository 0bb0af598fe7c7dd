package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/vk/regraft/internal/ctxlog"
	"github.com/vk/regraft/internal/hclprog"
	"github.com/vk/regraft/internal/interp"
	"github.com/vk/regraft/internal/unflatten"
)

// App encapsulates the application's dependencies, configuration, and
// lifecycle.
type App struct {
	outW   io.Writer
	logger *slog.Logger
	config *Config
}

// NewApp is the constructor for the main application. It returns a fully
// initialized App instance with its own isolated logger.
func NewApp(outW io.Writer, config *Config) *App {
	logger := newLogger(config.LogLevel, config.LogFormat, outW)
	logger.Debug("Logger configured successfully.")
	return &App{outW: outW, logger: logger, config: config}
}

// Run loads the exported program, rebuilds the module hierarchy, prints it,
// and, when an input file is configured, executes the rebuilt module.
func (a *App) Run(ctx context.Context) error {
	ctx = ctxlog.WithLogger(ctx, a.logger)

	program, err := hclprog.Load(ctx, a.config.ProgramPath)
	if err != nil {
		return fmt.Errorf("loading program: %w", err)
	}
	a.logger.Info("Program loaded.", "path", a.config.ProgramPath, "nodes", program.Graph.Len())

	mode := interp.ModeInterpret
	if a.config.ExecutionMode == "compiled" {
		mode = interp.ModeCompiled
	}
	rebuilt, err := unflatten.Rebuild(ctx, program, unflatten.Options{Mode: mode})
	if err != nil {
		return fmt.Errorf("rebuilding module hierarchy: %w", err)
	}
	a.logger.Info("Module hierarchy rebuilt.")

	a.printTree(rebuilt)

	if a.config.InputPath == "" {
		return nil
	}
	args, err := hclprog.LoadInput(ctx, a.config.InputPath)
	if err != nil {
		return fmt.Errorf("loading input: %w", err)
	}
	result, err := rebuilt.Call(ctx, args, nil)
	if err != nil {
		return fmt.Errorf("executing rebuilt module: %w", err)
	}
	fmt.Fprintln(a.outW, renderValue(result))
	return nil
}

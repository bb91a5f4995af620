// Package dispatch is the process entry: it turns legacy scp/sftp invocations
// into canonical ones and runs the canonical operation inside an initialized
// GlobalContext.
package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/melih-ucgun/xcurl/internal/core"
	"github.com/melih-ucgun/xcurl/internal/translate"
)

// ExitUsage is returned when a legacy invocation cannot be translated.
const ExitUsage = -1

// Dispatcher wires the translator, the lifecycle controller and the
// operation together.
type Dispatcher struct {
	Engine    core.Engine
	Operation core.Operation

	// FS answers the translator's directory queries.
	FS translate.Stater
	// Alloc accounts config node allocations; may be nil.
	Alloc  core.Allocator
	Stderr io.Writer
	Logger *slog.Logger
}

// Run executes one invocation and returns the process exit code. argv[0]
// selects the mode: a legacy alias is translated first, anything else is
// treated as the canonical program.
func (d *Dispatcher) Run(ctx context.Context, argv []string) int {
	logger := d.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	stderr := d.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}

	fsys := d.FS
	if fsys == nil {
		fsys = core.RealFS{}
	}

	alias := ""
	if len(argv) > 0 {
		alias = filepath.Base(argv[0])
	}

	if translate.IsLegacy(alias) {
		translated, err := translate.Convert(alias, argv[1:], fsys, stderr)
		if err != nil {
			var ue *translate.UsageError
			if errors.As(err, &ue) {
				logger.Debug("legacy usage error", "alias", alias, "reason", ue.Reason)
				return ExitUsage
			}
			core.ReportError(stderr, err.Error())
			return ExitUsage
		}
		logger.Debug("translated legacy invocation", "alias", alias, "argv", translated)
		return d.Run(ctx, translated)
	}

	ctrl := core.NewController(d.Engine,
		core.WithAllocator(d.Alloc),
		core.WithStderr(stderr),
		core.WithLogger(logger),
	)
	if err := ctrl.Init(); err != nil {
		var ie *core.InitError
		if errors.As(err, &ie) {
			return ie.ExitCode()
		}
		return core.ExitEngineInit
	}
	defer func() {
		if err := ctrl.Teardown(); err != nil {
			logger.Warn("teardown", "error", err)
		}
	}()

	code, err := ctrl.Run(func(g *core.GlobalContext) int {
		return d.Operation.Operate(ctx, g, argv)
	})
	if err != nil {
		logger.Error("run", "error", err)
		return core.ExitEngineInit
	}
	return code
}

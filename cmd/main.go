package cmd

import (
	"context"
	"io"
	"log/slog"
	"os"

	"github.com/melih-ucgun/xcurl/internal/core"
	"github.com/melih-ucgun/xcurl/internal/dispatch"
	"github.com/melih-ucgun/xcurl/internal/engine"
	"github.com/melih-ucgun/xcurl/internal/logging"
	"github.com/melih-ucgun/xcurl/internal/memdebug"
)

// EnvDebug turns on lifecycle logging to stderr when set to a non-empty value.
const EnvDebug = "XCURL_DEBUG"

// Main runs one process invocation and returns its exit code.
func Main(argv []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var logger *slog.Logger
	if os.Getenv(EnvDebug) != "" {
		logger = logging.New(stderr, slog.LevelDebug, "text")
	} else {
		logger = logging.New(nil, slog.LevelInfo, "text")
	}

	tracker, err := memdebug.FromEnv(os.Getenv)
	if err != nil {
		core.ReportError(stderr, err.Error())
	}
	defer tracker.Close()

	var alloc core.Allocator
	if tracker != nil {
		alloc = tracker
	}

	d := &dispatch.Dispatcher{
		Engine: engine.New(
			engine.WithTracker(tracker),
			engine.WithLogger(logging.Component(logger, "engine")),
		),
		Operation: &Operation{Stdin: stdin, Stdout: stdout},
		FS:        core.RealFS{},
		Alloc:     alloc,
		Stderr:    stderr,
		Logger:    logging.Component(logger, "lifecycle"),
	}
	return d.Run(context.Background(), argv)
}

package core

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/pterm/pterm"
)

// State is the lifecycle state of a Controller.
type State int

const (
	Uninitialized State = iota
	Initializing
	Ready
	Operating
	TearingDown
	Closed
	Failed
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Initializing:
		return "initializing"
	case Ready:
		return "ready"
	case Operating:
		return "operating"
	case TearingDown:
		return "tearing-down"
	case Closed:
		return "closed"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Exit codes of fatal setup failures. They reuse the engine's result codes
// (out of memory, failed init, not built in, no connection available) the way
// curl does, so a script cannot tell a setup failure from a transfer failure
// with the same code. They never collide with each other or with the usage
// failure code of a legacy invocation.
const (
	ExitEngineInit = 2
	ExitEngineInfo = 4
	ExitAllocation = 27
	ExitHandleInit = 89
)

var (
	ErrAllocation = errors.New("out of memory")
	ErrEngineInit = errors.New("engine initialization failed")
	ErrEngineInfo = errors.New("engine information unavailable")
	ErrHandleInit = errors.New("handle initialization failed")

	// ErrLifecycleState is returned when Init, Run or Teardown is called from a
	// state that does not allow it. No resource is touched in that case.
	ErrLifecycleState = errors.New("invalid lifecycle state")
)

// InitError is a fatal setup failure. Kind is one of ErrAllocation,
// ErrEngineInit, ErrEngineInfo or ErrHandleInit.
type InitError struct {
	Kind error
	Err  error
}

func (e *InitError) Error() string {
	if e.Err == nil {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%v: %v", e.Kind, e.Err)
}

func (e *InitError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// ExitCode maps the failure to its process exit code.
func (e *InitError) ExitCode() int {
	switch e.Kind {
	case ErrAllocation:
		return ExitAllocation
	case ErrEngineInfo:
		return ExitEngineInfo
	case ErrHandleInit:
		return ExitHandleInit
	default:
		return ExitEngineInit
	}
}

// Controller acquires the global resources of one invocation in a fixed order
// and releases them in reverse order.
type Controller struct {
	engine Engine
	alloc  Allocator
	stderr io.Writer
	logger *slog.Logger

	state  State
	global GlobalContext
}

// ControllerOption configures a Controller.
type ControllerOption func(*Controller)

// WithAllocator accounts config node allocations through a.
func WithAllocator(a Allocator) ControllerOption {
	return func(c *Controller) { c.alloc = a }
}

// WithStderr sets the default diagnostic stream. It is never closed.
func WithStderr(w io.Writer) ControllerOption {
	return func(c *Controller) { c.stderr = w }
}

// WithLogger sets the logger used for lifecycle events.
func WithLogger(l *slog.Logger) ControllerOption {
	return func(c *Controller) { c.logger = l }
}

// NewController returns an uninitialized controller around engine.
func NewController(engine Engine, opts ...ControllerOption) *Controller {
	c := &Controller{
		engine: engine,
		stderr: os.Stderr,
		logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the current lifecycle state.
func (c *Controller) State() State { return c.state }

// Context returns the controller's context. Its resource fields are only
// meaningful in Ready and Operating.
func (c *Controller) Context() *GlobalContext { return &c.global }

// Init acquires the config node, the engine, its info and a handle, in that
// order. On failure everything acquired so far is released in reverse order,
// a diagnostic is printed and an *InitError is returned.
func (c *Controller) Init() error {
	if c.state != Uninitialized {
		return fmt.Errorf("%w: init while %s", ErrLifecycleState, c.state)
	}
	c.state = Initializing

	g := &c.global
	*g = GlobalContext{alloc: c.alloc}
	g.Errors = Provided(c.stderr)

	var undo []func()
	fail := func(kind error, msg string, err error) error {
		for i := len(undo) - 1; i >= 0; i-- {
			undo[i]()
		}
		*g = GlobalContext{}
		c.state = Failed
		c.logger.Debug("init failed", "kind", kind, "error", err)
		ReportError(c.stderr, msg)
		return &InitError{Kind: kind, Err: err}
	}

	node, err := g.newConfig()
	if err != nil {
		return fail(ErrAllocation, "error initializing curl", err)
	}
	g.Configs = append(g.Configs, node)
	undo = append(undo, g.freeConfigs)

	if err := c.engine.GlobalInit(); err != nil {
		return fail(ErrEngineInit, "error initializing curl library", err)
	}
	g.Engine = c.engine
	undo = append(undo, func() {
		c.engine.GlobalCleanup()
		g.Engine = nil
	})

	info, err := c.engine.Info()
	if err != nil {
		return fail(ErrEngineInfo, "error retrieving curl library information", err)
	}
	g.Info = info

	h, err := c.engine.NewHandle()
	if err != nil {
		return fail(ErrHandleInit, "error initializing curl easy handle", err)
	}
	g.Handle = h
	node.Handle = h
	node.Global = g

	c.state = Ready
	c.logger.Debug("init complete", "version", info.Version)
	return nil
}

// Run moves the controller to Operating and runs fn with the context.
func (c *Controller) Run(fn func(g *GlobalContext) int) (int, error) {
	if c.state != Ready {
		return 0, fmt.Errorf("%w: run while %s", ErrLifecycleState, c.state)
	}
	c.state = Operating
	return fn(&c.global), nil
}

// Teardown releases every resource acquired by Init, in reverse order. It must
// be called exactly once after a successful Init; any other call returns
// ErrLifecycleState without touching resources.
func (c *Controller) Teardown() error {
	if c.state != Ready && c.state != Operating {
		return fmt.Errorf("%w: teardown while %s", ErrLifecycleState, c.state)
	}
	c.state = TearingDown
	g := &c.global

	if g.Handle != nil {
		g.Handle.Cleanup()
		g.Handle = nil
	}
	for _, oc := range g.Configs {
		oc.Handle = nil
	}

	if g.Engine != nil {
		g.Engine.GlobalCleanup()
		g.Engine = nil
	}
	// helpers are released even if the engine reference was lost
	if hc, ok := c.engine.(HelperCleaner); ok {
		hc.CleanupHelpers()
	}
	g.Info = EngineInfo{}

	var errs []error
	if err := g.Trace.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close trace stream: %w", err))
	}
	if err := g.Errors.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close error stream: %w", err))
	}

	g.freeConfigs()
	g.alloc = nil

	c.state = Closed
	c.logger.Debug("teardown complete")
	return errors.Join(errs...)
}

// ReportError prints a user-facing diagnostic to w.
func ReportError(w io.Writer, msg string) {
	if w == nil {
		return
	}
	pterm.Error.WithWriter(w).Println(msg)
}

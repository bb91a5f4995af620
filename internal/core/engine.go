package core

import (
	"context"
)

// Engine is the process-wide transfer library. GlobalInit must succeed before
// any other method is used, and every successful GlobalInit is paired with one
// GlobalCleanup.
type Engine interface {
	GlobalInit() error
	Info() (EngineInfo, error)
	NewHandle() (Handle, error)
	GlobalCleanup()
}

// HelperCleaner is implemented by engines that keep derived helper subsystems
// (host key databases, content converters) alive across GlobalCleanup.
type HelperCleaner interface {
	CleanupHelpers()
}

// Handle is a per-invocation engine handle.
type Handle interface {
	Cleanup()
}

// EngineInfo describes the engine build.
type EngineInfo struct {
	Version   string
	Protocols []string
	Features  []string
}

// Allocator accounts for resources acquired during setup. A failing Alloc
// means the resource must not be created.
type Allocator interface {
	Alloc(what string) error
	Free(what string)
}

// Operation is the transfer step run between Init and Teardown. It returns the
// process exit code.
type Operation interface {
	Operate(ctx context.Context, g *GlobalContext, args []string) int
}

// OperationFunc adapts a function to Operation.
type OperationFunc func(ctx context.Context, g *GlobalContext, args []string) int

func (f OperationFunc) Operate(ctx context.Context, g *GlobalContext, args []string) int {
	return f(ctx, g, args)
}

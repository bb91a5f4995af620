package core

import (
	"fmt"
	"io"
	"os"
)

// GlobalContext is the per-invocation aggregate built by Controller.Init.
// Its resource fields are either all unset (before Init, after Teardown) or all
// set (Ready, Operating).
type GlobalContext struct {
	// Engine is the process-wide transfer engine, set once GlobalInit succeeded.
	Engine Engine
	// Info is the engine metadata gathered during Init.
	Info EngineInfo
	// Handle is the per-invocation engine handle shared by every config node.
	Handle Handle
	// Configs is the ordered sequence of per-operation nodes.
	Configs []*OperationConfig

	// Errors receives diagnostics. It starts as the process stderr (not owned)
	// and may be replaced by a file opened with --stderr (owned).
	Errors Stream
	// Trace receives debug output when --trace is used.
	Trace Stream

	alloc Allocator
}

// OperationConfig is one transfer configuration node.
type OperationConfig struct {
	Handle Handle
	Global *GlobalContext
	// Args holds the canonical arguments this node was built from.
	Args []string
}

// First returns the head of the config sequence, or nil.
func (g *GlobalContext) First() *OperationConfig {
	if len(g.Configs) == 0 {
		return nil
	}
	return g.Configs[0]
}

// Last returns the tail of the config sequence, or nil.
func (g *GlobalContext) Last() *OperationConfig {
	if len(g.Configs) == 0 {
		return nil
	}
	return g.Configs[len(g.Configs)-1]
}

// AddConfig appends a new node linked to the context's handle. It is used for
// every operation after the first one (--next).
func (g *GlobalContext) AddConfig() (*OperationConfig, error) {
	oc, err := g.newConfig()
	if err != nil {
		return nil, err
	}
	oc.Handle = g.Handle
	oc.Global = g
	g.Configs = append(g.Configs, oc)
	return oc, nil
}

func (g *GlobalContext) newConfig() (*OperationConfig, error) {
	if g.alloc != nil {
		if err := g.alloc.Alloc("OperationConfig"); err != nil {
			return nil, err
		}
	}
	return &OperationConfig{}, nil
}

// freeConfigs releases every node head to tail and clears the sequence.
func (g *GlobalContext) freeConfigs() {
	for i, oc := range g.Configs {
		oc.Handle = nil
		oc.Global = nil
		if g.alloc != nil {
			g.alloc.Free("OperationConfig")
		}
		g.Configs[i] = nil
	}
	g.Configs = nil
}

// SetErrors replaces the error stream, closing the previous one if this
// context opened it.
func (g *GlobalContext) SetErrors(s Stream) error {
	if err := g.Errors.Close(); err != nil {
		return err
	}
	g.Errors = s
	return nil
}

// SetTrace replaces the trace stream, closing the previous one if owned.
func (g *GlobalContext) SetTrace(s Stream) error {
	if err := g.Trace.Close(); err != nil {
		return err
	}
	g.Trace = s
	return nil
}

// Stream is a writer tagged with whether this context opened it. Only owned
// streams are ever closed.
type Stream struct {
	W     io.Writer
	owned bool
}

// Provided wraps a writer supplied by the caller, e.g. os.Stderr.
func Provided(w io.Writer) Stream {
	return Stream{W: w}
}

// OpenStream creates (or truncates) path and returns an owned stream.
func OpenStream(path string) (Stream, error) {
	f, err := os.Create(path)
	if err != nil {
		return Stream{}, fmt.Errorf("open %s: %w", path, err)
	}
	return Stream{W: f, owned: true}, nil
}

// Owned reports whether the stream was opened by this context.
func (s Stream) Owned() bool { return s.owned }

// IsZero reports whether the stream is unset.
func (s Stream) IsZero() bool { return s.W == nil && !s.owned }

// Writer returns the underlying writer, or io.Discard when unset.
func (s Stream) Writer() io.Writer {
	if s.W == nil {
		return io.Discard
	}
	return s.W
}

// Close closes the writer if it is owned and resets the stream either way.
func (s *Stream) Close() error {
	var err error
	if s.owned {
		if c, ok := s.W.(io.Closer); ok {
			err = c.Close()
		}
	}
	*s = Stream{}
	return err
}

package core

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// recorder collects acquire (+) and release (-) events in order.
type recorder struct {
	events []string
}

func (r *recorder) add(e string) { r.events = append(r.events, e) }

type mockHandle struct{ rec *recorder }

func (h *mockHandle) Cleanup() { h.rec.add("-handle") }

type mockEngine struct {
	rec       *recorder
	initErr   error
	infoErr   error
	handleErr error
}

func (m *mockEngine) GlobalInit() error {
	if m.initErr != nil {
		return m.initErr
	}
	m.rec.add("+engine")
	return nil
}

func (m *mockEngine) Info() (EngineInfo, error) {
	if m.infoErr != nil {
		return EngineInfo{}, m.infoErr
	}
	return EngineInfo{Version: "test/1.0", Protocols: []string{"scp"}}, nil
}

func (m *mockEngine) NewHandle() (Handle, error) {
	if m.handleErr != nil {
		return nil, m.handleErr
	}
	m.rec.add("+handle")
	return &mockHandle{rec: m.rec}, nil
}

func (m *mockEngine) GlobalCleanup() { m.rec.add("-engine") }

func (m *mockEngine) CleanupHelpers() { m.rec.add("helpers") }

type mockAllocator struct {
	rec  *recorder
	fail bool
}

func (a *mockAllocator) Alloc(what string) error {
	if a.fail {
		return errors.New("no memory for " + what)
	}
	a.rec.add("+node")
	return nil
}

func (a *mockAllocator) Free(what string) { a.rec.add("-node") }

// closeCounter is a writer that counts Close calls.
type closeCounter struct {
	bytes.Buffer
	closed int
}

func (c *closeCounter) Close() error {
	c.closed++
	return nil
}

func newTestController(eng *mockEngine, alloc *mockAllocator, stderr *bytes.Buffer) *Controller {
	return NewController(eng, WithAllocator(alloc), WithStderr(stderr))
}

func TestController_InitFailuresReleaseOnlyAcquired(t *testing.T) {
	boom := errors.New("boom")

	tests := []struct {
		name     string
		engine   mockEngine
		failNode bool
		kind     error
		code     int
		message  string
		want     []string
	}{
		{
			name:     "allocation",
			failNode: true,
			kind:     ErrAllocation,
			code:     ExitAllocation,
			message:  "error initializing curl",
			want:     nil,
		},
		{
			name:    "engine init",
			engine:  mockEngine{initErr: boom},
			kind:    ErrEngineInit,
			code:    ExitEngineInit,
			message: "error initializing curl library",
			want:    []string{"+node", "-node"},
		},
		{
			name:    "engine info",
			engine:  mockEngine{infoErr: boom},
			kind:    ErrEngineInfo,
			code:    ExitEngineInfo,
			message: "error retrieving curl library information",
			want:    []string{"+node", "+engine", "-engine", "-node"},
		},
		{
			name:    "handle init",
			engine:  mockEngine{handleErr: boom},
			kind:    ErrHandleInit,
			code:    ExitHandleInit,
			message: "error initializing curl easy handle",
			want:    []string{"+node", "+engine", "-engine", "-node"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recorder{}
			eng := tt.engine
			eng.rec = rec
			var stderr bytes.Buffer
			c := newTestController(&eng, &mockAllocator{rec: rec, fail: tt.failNode}, &stderr)

			err := c.Init()

			var initErr *InitError
			if !errors.As(err, &initErr) {
				t.Fatalf("Init() error = %v, want *InitError", err)
			}
			if !errors.Is(err, tt.kind) {
				t.Errorf("Init() error = %v, want kind %v", err, tt.kind)
			}
			if got := initErr.ExitCode(); got != tt.code {
				t.Errorf("ExitCode() = %d, want %d", got, tt.code)
			}
			if c.State() != Failed {
				t.Errorf("State() = %s, want failed", c.State())
			}
			if diff := cmp.Diff(tt.want, rec.events); diff != "" {
				t.Errorf("events mismatch (-want +got):\n%s", diff)
			}
			if !strings.Contains(stderr.String(), tt.message) {
				t.Errorf("stderr = %q, want %q", stderr.String(), tt.message)
			}
			if diff := cmp.Diff(GlobalContext{}, *c.Context(), cmp.AllowUnexported(GlobalContext{}, Stream{})); diff != "" {
				t.Errorf("context not reset after failure (-want +got):\n%s", diff)
			}
		})
	}
}

func TestController_InitTeardownOrder(t *testing.T) {
	rec := &recorder{}
	c := newTestController(&mockEngine{rec: rec}, &mockAllocator{rec: rec}, &bytes.Buffer{})

	if err := c.Init(); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if c.State() != Ready {
		t.Fatalf("State() = %s, want ready", c.State())
	}

	g := c.Context()
	if len(g.Configs) != 1 {
		t.Fatalf("len(Configs) = %d, want 1", len(g.Configs))
	}
	oc := g.First()
	if oc.Handle == nil || oc.Handle != g.Handle {
		t.Error("config node is not linked to the context handle")
	}
	if oc.Global != g {
		t.Error("config node has no back-reference to the context")
	}
	if g.Info.Version != "test/1.0" {
		t.Errorf("Info.Version = %q", g.Info.Version)
	}
	if g.Errors.Owned() {
		t.Error("default error stream must not be owned")
	}

	if err := c.Teardown(); err != nil {
		t.Fatalf("Teardown() error = %v", err)
	}
	want := []string{"+node", "+engine", "+handle", "-handle", "-engine", "helpers", "-node"}
	if diff := cmp.Diff(want, rec.events); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
	if c.State() != Closed {
		t.Errorf("State() = %s, want closed", c.State())
	}
	if diff := cmp.Diff(GlobalContext{}, *g, cmp.AllowUnexported(GlobalContext{}, Stream{})); diff != "" {
		t.Errorf("context not zero after teardown (-want +got):\n%s", diff)
	}
}

func TestController_TeardownContract(t *testing.T) {
	t.Run("twice", func(t *testing.T) {
		rec := &recorder{}
		c := newTestController(&mockEngine{rec: rec}, &mockAllocator{rec: rec}, &bytes.Buffer{})
		if err := c.Init(); err != nil {
			t.Fatal(err)
		}
		if err := c.Teardown(); err != nil {
			t.Fatal(err)
		}
		n := len(rec.events)
		if err := c.Teardown(); !errors.Is(err, ErrLifecycleState) {
			t.Errorf("second Teardown() error = %v, want ErrLifecycleState", err)
		}
		if len(rec.events) != n {
			t.Errorf("second Teardown() touched resources: %v", rec.events[n:])
		}
	})

	t.Run("before init", func(t *testing.T) {
		rec := &recorder{}
		c := newTestController(&mockEngine{rec: rec}, &mockAllocator{rec: rec}, &bytes.Buffer{})
		if err := c.Teardown(); !errors.Is(err, ErrLifecycleState) {
			t.Errorf("Teardown() error = %v, want ErrLifecycleState", err)
		}
		if len(rec.events) != 0 {
			t.Errorf("unexpected events %v", rec.events)
		}
	})

	t.Run("after failed init", func(t *testing.T) {
		rec := &recorder{}
		c := newTestController(&mockEngine{rec: rec, infoErr: errors.New("x")}, &mockAllocator{rec: rec}, &bytes.Buffer{})
		_ = c.Init()
		n := len(rec.events)
		if err := c.Teardown(); !errors.Is(err, ErrLifecycleState) {
			t.Errorf("Teardown() error = %v, want ErrLifecycleState", err)
		}
		if len(rec.events) != n {
			t.Errorf("Teardown() after failure touched resources: %v", rec.events[n:])
		}
	})

	t.Run("init twice", func(t *testing.T) {
		rec := &recorder{}
		c := newTestController(&mockEngine{rec: rec}, &mockAllocator{rec: rec}, &bytes.Buffer{})
		if err := c.Init(); err != nil {
			t.Fatal(err)
		}
		if err := c.Init(); !errors.Is(err, ErrLifecycleState) {
			t.Errorf("second Init() error = %v, want ErrLifecycleState", err)
		}
	})
}

func TestController_Run(t *testing.T) {
	rec := &recorder{}
	c := newTestController(&mockEngine{rec: rec}, &mockAllocator{rec: rec}, &bytes.Buffer{})

	if _, err := c.Run(func(*GlobalContext) int { return 0 }); !errors.Is(err, ErrLifecycleState) {
		t.Errorf("Run() before Init error = %v, want ErrLifecycleState", err)
	}

	if err := c.Init(); err != nil {
		t.Fatal(err)
	}
	code, err := c.Run(func(g *GlobalContext) int {
		if c.State() != Operating {
			t.Errorf("State() inside Run = %s, want operating", c.State())
		}
		return 7
	})
	if err != nil || code != 7 {
		t.Errorf("Run() = %d, %v; want 7, nil", code, err)
	}
	if err := c.Teardown(); err != nil {
		t.Errorf("Teardown() from operating error = %v", err)
	}
}

func TestController_AddConfigFreedAtTeardown(t *testing.T) {
	rec := &recorder{}
	c := newTestController(&mockEngine{rec: rec}, &mockAllocator{rec: rec}, &bytes.Buffer{})
	if err := c.Init(); err != nil {
		t.Fatal(err)
	}
	g := c.Context()
	oc, err := g.AddConfig()
	if err != nil {
		t.Fatalf("AddConfig() error = %v", err)
	}
	if g.Last() != oc || oc.Handle != g.Handle || oc.Global != g {
		t.Error("added node is not linked into the context")
	}
	if err := c.Teardown(); err != nil {
		t.Fatal(err)
	}
	want := []string{"+node", "+engine", "+handle", "+node", "-handle", "-engine", "helpers", "-node", "-node"}
	if diff := cmp.Diff(want, rec.events); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
}

func TestController_StreamOwnership(t *testing.T) {
	rec := &recorder{}
	provided := &closeCounter{}
	c := NewController(&mockEngine{rec: rec}, WithStderr(provided))
	if err := c.Init(); err != nil {
		t.Fatal(err)
	}
	g := c.Context()

	dir := t.TempDir()
	trace, err := OpenStream(filepath.Join(dir, "trace.log"))
	if err != nil {
		t.Fatal(err)
	}
	errs, err := OpenStream(filepath.Join(dir, "errors.log"))
	if err != nil {
		t.Fatal(err)
	}
	if err := g.SetTrace(trace); err != nil {
		t.Fatal(err)
	}
	if err := g.SetErrors(errs); err != nil {
		t.Fatal(err)
	}
	if provided.closed != 0 {
		t.Error("replacing a provided stream must not close it")
	}

	traceFile := trace.W.(*os.File)
	errFile := errs.W.(*os.File)

	if err := c.Teardown(); err != nil {
		t.Fatal(err)
	}
	if _, err := traceFile.Write([]byte("x")); !errors.Is(err, os.ErrClosed) {
		t.Errorf("owned trace stream still open: %v", err)
	}
	if _, err := errFile.Write([]byte("x")); !errors.Is(err, os.ErrClosed) {
		t.Errorf("owned error stream still open: %v", err)
	}
	if provided.closed != 0 {
		t.Errorf("provided stream closed %d times", provided.closed)
	}
}

func TestController_ProvidedErrorStreamNeverClosed(t *testing.T) {
	rec := &recorder{}
	provided := &closeCounter{}
	c := NewController(&mockEngine{rec: rec}, WithStderr(provided))
	if err := c.Init(); err != nil {
		t.Fatal(err)
	}
	if err := c.Teardown(); err != nil {
		t.Fatal(err)
	}
	if provided.closed != 0 {
		t.Errorf("provided stream closed %d times", provided.closed)
	}
}

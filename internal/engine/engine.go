// Package engine is the transfer library behind the curl command: a
// process-wide Engine that hands out Easy handles, each of which performs
// scp://, sftp:// and file:// transfers.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/melih-ucgun/xcurl/internal/core"
	"github.com/melih-ucgun/xcurl/internal/memdebug"
	"github.com/melih-ucgun/xcurl/internal/transport"
)

const Version = "xcurl/0.4.0"

var ErrNotInitialized = errors.New("engine not initialized")

// Dialer opens a transport to an SSH endpoint.
type Dialer func(ctx context.Context, ep transport.Endpoint) (core.Transport, error)

func dialSSH(ctx context.Context, ep transport.Endpoint) (core.Transport, error) {
	t, err := transport.NewSSHTransport(ctx, ep)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// Engine is safe for concurrent use. GlobalInit is reference counted.
type Engine struct {
	tracker        *memdebug.Tracker
	logger         *slog.Logger
	dial           Dialer
	fs             core.FileSystem
	knownHostsPath string

	mu        sync.Mutex
	initCount int
	hostKeys  ssh.HostKeyCallback
}

type Option func(*Engine)

// WithTracker accounts the engine's allocations through t.
func WithTracker(t *memdebug.Tracker) Option {
	return func(e *Engine) { e.tracker = t }
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

func WithDialer(d Dialer) Option {
	return func(e *Engine) { e.dial = d }
}

// WithFileSystem sets the local filesystem used for transfer sources and
// destinations, and for file:// URLs.
func WithFileSystem(fsys core.FileSystem) Option {
	return func(e *Engine) { e.fs = fsys }
}

// WithKnownHosts sets the known_hosts file used to verify SSH host keys.
func WithKnownHosts(path string) Option {
	return func(e *Engine) { e.knownHostsPath = path }
}

func New(opts ...Option) *Engine {
	e := &Engine{
		logger: slog.New(slog.DiscardHandler),
		dial:   dialSSH,
		fs:     core.RealFS{},
	}
	if home, err := os.UserHomeDir(); err == nil {
		e.knownHostsPath = filepath.Join(home, ".ssh", "known_hosts")
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) GlobalInit() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.initCount == 0 {
		if err := e.tracker.Alloc("engine-global"); err != nil {
			return err
		}
	}
	e.initCount++
	return nil
}

func (e *Engine) GlobalCleanup() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.initCount == 0 {
		return
	}
	e.initCount--
	if e.initCount == 0 {
		e.tracker.Free("engine-global")
	}
}

// CleanupHelpers drops the cached known_hosts database.
func (e *Engine) CleanupHelpers() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hostKeys = nil
}

func (e *Engine) initialized() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.initCount > 0
}

func (e *Engine) Info() (core.EngineInfo, error) {
	if !e.initialized() {
		return core.EngineInfo{}, ErrNotInitialized
	}
	features := []string{"HostsFile", "KnownHosts", "Parallel"}
	if e.tracker != nil {
		features = append(features, "Debug")
	}
	return core.EngineInfo{
		Version:   Version,
		Protocols: []string{"file", "scp", "sftp"},
		Features:  features,
	}, nil
}

func (e *Engine) NewHandle() (core.Handle, error) {
	if !e.initialized() {
		return nil, ErrNotInitialized
	}
	if err := e.tracker.Alloc("easy-handle"); err != nil {
		return nil, err
	}
	return &Easy{
		engine: e,
		conns:  make(map[string]core.Transport),
	}, nil
}

// hostKeyCallback returns the host key policy. Keys are checked against
// known_hosts when that file exists; otherwise any key is accepted.
func (e *Engine) hostKeyCallback(insecure bool) (ssh.HostKeyCallback, error) {
	if insecure {
		return ssh.InsecureIgnoreHostKey(), nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.hostKeys != nil {
		return e.hostKeys, nil
	}

	if e.knownHostsPath == "" {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	if _, err := os.Stat(e.knownHostsPath); errors.Is(err, os.ErrNotExist) {
		e.logger.Warn("known_hosts not found, host keys are not verified", "path", e.knownHostsPath)
		return ssh.InsecureIgnoreHostKey(), nil
	}
	cb, err := knownhosts.New(e.knownHostsPath)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", e.knownHostsPath, err)
	}
	e.hostKeys = cb
	return cb, nil
}

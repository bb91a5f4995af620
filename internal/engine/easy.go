package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"net/url"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/melih-ucgun/xcurl/internal/config"
	"github.com/melih-ucgun/xcurl/internal/core"
	"github.com/melih-ucgun/xcurl/internal/memdebug"
	"github.com/melih-ucgun/xcurl/internal/transport"
)

// Options are the per-transfer settings taken from the command line.
type Options struct {
	User           string
	Password       string
	KeyPath        string
	Insecure       bool
	ConnectTimeout time.Duration
	CreateDirs     bool

	// Hosts supplies per-host defaults; nil means none.
	Hosts  *config.Config
	Logger *slog.Logger
}

// Request is one transfer. With Upload set the local file is sent to URL,
// otherwise URL is fetched into Output (or Stdout when Output is empty).
type Request struct {
	URL    string
	Upload string // "-" reads Stdin
	Output string
	Stdin  io.Reader
	Stdout io.Writer

	Options
}

// Easy performs transfers and keeps their SSH connections open for reuse
// until Cleanup. It is safe for concurrent use.
type Easy struct {
	engine *Engine

	mu     sync.Mutex
	conns  map[string]core.Transport
	closed bool
}

// Perform runs req and returns the number of bytes transferred. A non-nil
// error is always an *Error.
func (h *Easy) Perform(ctx context.Context, req Request) (int64, error) {
	logger := req.Logger
	if logger == nil {
		logger = h.engine.logger
	}

	u, err := url.Parse(req.URL)
	if err != nil {
		return 0, newError(URLMalformat, err)
	}
	scheme := strings.ToLower(u.Scheme)

	var tr core.Transport
	var remote string
	switch scheme {
	case "file":
		if u.Host != "" && u.Host != "localhost" {
			return 0, newError(URLMalformat, fmt.Errorf("file:// URL with remote host %q", u.Host))
		}
		tr = transport.NewLocalTransport(h.engine.fs)
		remote = u.Path
	case "scp", "sftp":
		if u.Hostname() == "" {
			return 0, newError(URLMalformat, fmt.Errorf("no host in %q", req.URL))
		}
		tr, err = h.connect(ctx, scheme, u, req.Options, logger)
		if err != nil {
			return 0, err
		}
		remote = remotePath(u.Path)
	case "":
		return 0, newError(URLMalformat, fmt.Errorf("no URL scheme in %q", req.URL))
	default:
		return 0, newError(UnsupportedProtocol, fmt.Errorf("protocol %q not supported", u.Scheme))
	}

	var n int64
	if req.Upload != "" {
		n, err = h.upload(ctx, tr, remote, req)
	} else {
		n, err = h.download(ctx, tr, remote, req)
	}
	if err != nil {
		e := classify(err)
		if scheme == "file" && e.Code == RemoteFileNotFound {
			e.Code = FileCouldntReadFile
			if req.Upload != "" {
				e.Code = WriteError
			}
		}
		logger.Debug("transfer failed", "url", req.URL, "code", int(e.Code), "error", e.Err)
		return n, e
	}

	logger.Info("transfer complete", "url", req.URL, "bytes", n)
	return n, nil
}

func (h *Easy) upload(ctx context.Context, tr core.Transport, remote string, req Request) (int64, error) {
	var src io.Reader
	var size int64
	mode := fs.FileMode(0o644)

	if req.Upload == "-" {
		stdin := req.Stdin
		if stdin == nil {
			stdin = bytes.NewReader(nil)
		}
		data, err := io.ReadAll(stdin)
		if err != nil {
			return 0, newError(ReadError, err)
		}
		src, size = bytes.NewReader(data), int64(len(data))
	} else {
		info, err := h.engine.fs.Stat(req.Upload)
		if err != nil {
			return 0, newError(ReadError, err)
		}
		if info.IsDir() {
			return 0, newError(ReadError, fmt.Errorf("%s is a directory", req.Upload))
		}
		f, err := h.engine.fs.Open(req.Upload)
		if err != nil {
			return 0, newError(ReadError, err)
		}
		defer f.Close()
		src, size, mode = f, info.Size(), info.Mode().Perm()

		if remote == "" || strings.HasSuffix(remote, "/") {
			remote += filepath.Base(req.Upload)
		}
	}

	if err := tr.Upload(ctx, src, size, mode, remote); err != nil {
		return 0, err
	}
	return size, nil
}

func (h *Easy) download(ctx context.Context, tr core.Transport, remote string, req Request) (int64, error) {
	if req.Output == "" {
		dst := req.Stdout
		if dst == nil {
			dst = io.Discard
		}
		return tr.Download(ctx, remote, dst)
	}

	out := &lazyFile{fs: h.engine.fs, path: req.Output, createDirs: req.CreateDirs}
	n, err := tr.Download(ctx, remote, out)
	if out.err != nil {
		out.finish(false)
		return n, newError(WriteError, out.err)
	}
	if ferr := out.finish(err == nil); ferr != nil && err == nil {
		return n, newError(WriteError, ferr)
	}
	return n, err
}

// lazyFile creates its file on the first write, so a failed download leaves
// nothing behind.
type lazyFile struct {
	fs         core.FileSystem
	path       string
	createDirs bool

	w   io.WriteCloser
	err error
}

func (l *lazyFile) Write(p []byte) (int, error) {
	if l.err != nil {
		return 0, l.err
	}
	if l.w == nil {
		if err := l.open(); err != nil {
			l.err = err
			return 0, err
		}
	}
	n, err := l.w.Write(p)
	if err != nil {
		l.err = err
	}
	return n, err
}

func (l *lazyFile) open() error {
	if l.createDirs {
		if dir := filepath.Dir(l.path); dir != "." {
			if err := l.fs.MkdirAll(dir, 0o755); err != nil {
				return err
			}
		}
	}
	w, err := l.fs.Create(l.path)
	if err != nil {
		return err
	}
	l.w = w
	return nil
}

// finish closes the file; on success an empty file is created when no data
// arrived.
func (l *lazyFile) finish(ok bool) error {
	if l.w == nil {
		if !ok || l.err != nil {
			return nil
		}
		if err := l.open(); err != nil {
			return err
		}
	}
	err := l.w.Close()
	l.w = nil
	return err
}

func (h *Easy) connect(ctx context.Context, scheme string, u *url.URL, o Options, logger *slog.Logger) (core.Transport, error) {
	ep, err := h.endpoint(scheme, u, o)
	if err != nil {
		return nil, err
	}
	key := fmt.Sprintf("%s://%s@%s", scheme, ep.User, ep.Addr())

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, newError(FailedInit, errors.New("handle already cleaned up"))
	}
	if tr, ok := h.conns[key]; ok {
		logger.Debug("reusing connection", "conn", key)
		return tr, nil
	}

	if err := h.engine.tracker.Alloc("connection"); err != nil {
		return nil, newError(OutOfMemory, err)
	}
	tr, err := h.engine.dial(ctx, ep)
	if err != nil {
		h.engine.tracker.Free("connection")
		return nil, classify(err)
	}
	h.conns[key] = tr
	logger.Info("connected", "conn", key)
	return tr, nil
}

// endpoint resolves connection settings. Command line options win over the
// URL, which wins over the hosts file.
func (h *Easy) endpoint(scheme string, u *url.URL, o Options) (transport.Endpoint, error) {
	var host config.Host
	if o.Hosts != nil {
		var err error
		host, _, err = o.Hosts.Match(config.Target{
			Host:   u.Hostname(),
			User:   u.User.Username(),
			Scheme: scheme,
			Path:   u.Path,
		})
		if err != nil {
			return transport.Endpoint{}, newError(FailedInit, err)
		}
	}

	ep := transport.Endpoint{
		Protocol: scheme,
		Address:  firstNonEmpty(host.Address, u.Hostname()),
		Port:     host.Port,
		Timeout:  o.ConnectTimeout,
	}
	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil || port <= 0 || port > 65535 {
			return transport.Endpoint{}, newError(URLMalformat, fmt.Errorf("bad port %q", p))
		}
		ep.Port = port
	}
	if ep.Timeout == 0 {
		ep.Timeout = host.ConnectTimeout
	}

	urlPassword, _ := u.User.Password()
	ep.User = firstNonEmpty(o.User, u.User.Username(), host.User, currentUser())
	ep.Password = firstNonEmpty(o.Password, urlPassword, host.Password)

	if k := firstNonEmpty(o.KeyPath, host.KeyPath); k != "" {
		ep.KeyPaths = []string{k}
	} else {
		ep.KeyPaths = defaultKeys()
	}

	cb, err := h.engine.hostKeyCallback(o.Insecure || host.Insecure)
	if err != nil {
		return transport.Endpoint{}, newError(PeerFailedVerification, err)
	}
	ep.HostKeyCallback = cb
	return ep, nil
}

// Cleanup closes every cached connection. The handle cannot be used after.
func (h *Easy) Cleanup() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	for key, tr := range h.conns {
		if err := tr.Close(); err != nil {
			h.engine.logger.Debug("close connection", "conn", key, "error", err)
		}
		h.engine.tracker.Free("connection")
		delete(h.conns, key)
	}
	h.closed = true
	h.engine.tracker.Free("easy-handle")
}

// remotePath maps a URL path to the path used on the server. A "/~/" prefix
// makes the rest relative to the login directory.
func remotePath(p string) string {
	if strings.HasPrefix(p, "/~/") {
		return strings.TrimPrefix(p, "/~/")
	}
	if strings.HasPrefix(p, "//") {
		return p[1:]
	}
	return p
}

func classify(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}

	var dnsErr *net.DNSError
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return newError(OperationTimedout, err)
	case errors.Is(err, memdebug.ErrLimit):
		return newError(OutOfMemory, err)
	case errors.As(err, &dnsErr):
		return newError(CouldntResolveHost, err)
	case errors.Is(err, transport.ErrHostKey):
		return newError(PeerFailedVerification, err)
	case errors.Is(err, transport.ErrAuth):
		return newError(LoginDenied, err)
	case errors.Is(err, transport.ErrConnect):
		if errors.As(err, &netErr) && netErr.Timeout() {
			return newError(OperationTimedout, err)
		}
		return newError(CouldntConnect, err)
	case errors.Is(err, transport.ErrNotFound):
		return newError(RemoteFileNotFound, err)
	case errors.Is(err, fs.ErrPermission):
		return newError(RemoteAccessDenied, err)
	default:
		return newError(SSH, err)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func currentUser() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	return ""
}

// defaultKeys returns the standard identity files that exist and need no
// passphrase.
func defaultKeys() []string {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil
	}
	var keys []string
	for _, name := range []string{"id_ed25519", "id_ecdsa", "id_rsa"} {
		p := filepath.Join(home, ".ssh", name)
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		if _, err := ssh.ParsePrivateKey(data); err == nil {
			keys = append(keys, p)
		}
	}
	return keys
}

package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"path"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/melih-ucgun/xcurl/internal/config"
	"github.com/melih-ucgun/xcurl/internal/core"
	"github.com/melih-ucgun/xcurl/internal/engine"
	"github.com/melih-ucgun/xcurl/internal/logging"
)

// performer is the part of the engine handle the operation drives.
type performer interface {
	Perform(ctx context.Context, req engine.Request) (int64, error)
}

// Operation is the canonical curl operation: it parses the command line into
// one config node per --next segment and runs their transfers.
type Operation struct {
	Stdin  io.Reader
	Stdout io.Writer

	// LoadHosts reads the hosts file; "" means the default location.
	LoadHosts func(path string) (*config.Config, error)
}

func loadHosts(path string) (*config.Config, error) {
	if path == "" {
		return config.LoadDefault()
	}
	return config.LoadConfig(path)
}

type transfer struct {
	req  engine.Request
	code engine.Code
	err  error
}

func (op *Operation) Operate(ctx context.Context, g *core.GlobalContext, args []string) int {
	stdout := &lockedWriter{w: op.Stdout}
	if op.Stdout == nil {
		stdout.w = io.Discard
	}

	var cliArgs []string
	if len(args) > 0 {
		cliArgs = args[1:]
	}
	segments := splitSegments(cliArgs)

	// node i parses segment i; the first node exists already
	nodeOpts := make([]*options, len(segments))
	for i, seg := range segments {
		node := g.First()
		if i > 0 {
			var err error
			node, err = g.AddConfig()
			if err != nil {
				core.ReportError(g.Errors.Writer(), "curl: out of memory")
				return int(engine.OutOfMemory)
			}
		}
		node.Args = seg

		opts := &options{}
		rootCmd := newRootCmd(opts, stdout, g.Errors.Writer())
		rootCmd.SetArgs(seg)
		if err := rootCmd.Execute(); err != nil {
			core.ReportError(g.Errors.Writer(), "curl: "+err.Error())
			fmt.Fprintln(g.Errors.Writer(), "curl: try 'curl --help' for more information")
			return int(engine.FailedInit)
		}
		if !opts.parsed {
			return int(engine.OK)
		}
		nodeOpts[i] = opts
	}

	if code, ok := op.applyGlobals(g, nodeOpts, stdout); !ok {
		return code
	}
	logger := op.logger(g, nodeOpts)

	for _, o := range nodeOpts {
		if o.version {
			printVersion(stdout, g.Info)
			return int(engine.OK)
		}
	}

	h, ok := g.Handle.(performer)
	if !ok {
		core.ReportError(g.Errors.Writer(), "curl: engine handle cannot perform transfers")
		return int(engine.FailedInit)
	}

	result := int(engine.OK)
	for i, o := range nodeOpts {
		if len(o.urls) == 0 {
			core.ReportError(g.Errors.Writer(), "curl: no URL specified")
			return int(engine.FailedInit)
		}

		var hosts *config.Config
		if needsHosts(o.urls) {
			load := op.LoadHosts
			if load == nil {
				load = loadHosts
			}
			var err error
			hosts, err = load(o.hostsFile)
			if err != nil {
				core.ReportError(g.Errors.Writer(), "curl: hosts file: "+err.Error())
				return int(engine.FailedInit)
			}
		}

		transfers, err := op.plan(o, hosts, stdout, logger)
		if err != nil {
			return op.report(g, o, &transfer{code: engine.CodeOf(err), err: err})
		}

		logger.Debug("running config", "node", i, "transfers", len(transfers), "parallel", o.parallel)
		run(ctx, h, transfers, o)

		for _, tr := range transfers {
			if tr.err != nil {
				code := op.report(g, o, tr)
				if result == int(engine.OK) {
					result = code
				}
			}
		}
	}
	return result
}

// applyGlobals installs the --stderr and --trace streams. The last segment
// that sets one wins.
func (op *Operation) applyGlobals(g *core.GlobalContext, nodeOpts []*options, stdout io.Writer) (int, bool) {
	for _, o := range nodeOpts {
		if o.stderrFile != "" {
			s, err := openStream(o.stderrFile, stdout)
			if err != nil {
				core.ReportError(g.Errors.Writer(), "curl: "+err.Error())
				return int(engine.WriteError), false
			}
			if err := g.SetErrors(s); err != nil {
				return int(engine.WriteError), false
			}
		}
		if o.traceFile != "" {
			s, err := openStream(o.traceFile, stdout)
			if err != nil {
				core.ReportError(g.Errors.Writer(), "curl: "+err.Error())
				return int(engine.WriteError), false
			}
			if err := g.SetTrace(s); err != nil {
				return int(engine.WriteError), false
			}
		}
	}
	return 0, true
}

func openStream(name string, stdout io.Writer) (core.Stream, error) {
	if name == "-" {
		return core.Provided(stdout), nil
	}
	return core.OpenStream(name)
}

// logger writes debug events to the trace stream, or info events to the error
// stream with -v.
func (op *Operation) logger(g *core.GlobalContext, nodeOpts []*options) *slog.Logger {
	verbose := false
	format := "text"
	for _, o := range nodeOpts {
		verbose = verbose || o.verbose
		if o.traceFormat != "" {
			format = o.traceFormat
		}
	}

	var l *slog.Logger
	switch {
	case !g.Trace.IsZero():
		l = logging.New(g.Trace.Writer(), slog.LevelDebug, format)
	case verbose:
		l = logging.New(g.Errors.Writer(), slog.LevelInfo, "text")
	default:
		l = logging.New(nil, slog.LevelInfo, "text")
	}
	return logging.Component(l, "operate")
}

// plan pairs every URL with its -o or -T argument, in order.
func (op *Operation) plan(o *options, hosts *config.Config, stdout io.Writer, logger *slog.Logger) ([]*transfer, error) {
	user, password := o.credentials()
	base := engine.Options{
		User:           user,
		Password:       password,
		KeyPath:        o.keyPath,
		Insecure:       o.insecure,
		ConnectTimeout: o.timeout(),
		CreateDirs:     o.createDirs,
		Hosts:          hosts,
		Logger:         logging.Component(logger, "engine"),
	}

	transfers := make([]*transfer, 0, len(o.urls))
	for i, rawURL := range o.urls {
		req := engine.Request{URL: rawURL, Stdin: op.Stdin, Stdout: stdout, Options: base}

		switch {
		case i < len(o.uploads):
			req.Upload = o.uploads[i]
		case i < len(o.outputs):
			if o.outputs[i] != "-" {
				req.Output = o.outputs[i]
			}
		case o.remoteName:
			name, err := remoteName(rawURL)
			if err != nil {
				return nil, &engine.Error{Code: engine.WriteError, Err: err}
			}
			req.Output = name
		}
		transfers = append(transfers, &transfer{req: req})
	}
	return transfers, nil
}

func remoteName(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	name := path.Base(u.Path)
	if u.Path == "" || strings.HasSuffix(u.Path, "/") || name == "/" || name == "." {
		return "", errors.New("remote file name has no length")
	}
	return name, nil
}

// run performs the transfers one by one, or concurrently with -Z.
func run(ctx context.Context, h performer, transfers []*transfer, o *options) {
	perform := func(tr *transfer) {
		_, tr.err = h.Perform(ctx, tr.req)
		tr.code = engine.CodeOf(tr.err)
	}

	if !o.parallel || len(transfers) < 2 {
		for _, tr := range transfers {
			perform(tr)
		}
		return
	}

	var eg errgroup.Group
	if o.parallelMax > 0 {
		eg.SetLimit(o.parallelMax)
	}
	for _, tr := range transfers {
		eg.Go(func() error {
			perform(tr)
			return nil
		})
	}
	eg.Wait()
}

func (op *Operation) report(g *core.GlobalContext, o *options, tr *transfer) int {
	if !o.silent || o.showError {
		core.ReportError(g.Errors.Writer(), fmt.Sprintf("curl: (%d) %v", int(tr.code), tr.err))
	}
	return int(tr.code)
}

func needsHosts(urls []string) bool {
	for _, u := range urls {
		lower := strings.ToLower(u)
		if strings.HasPrefix(lower, "scp://") || strings.HasPrefix(lower, "sftp://") {
			return true
		}
	}
	return false
}

func printVersion(w io.Writer, info core.EngineInfo) {
	fmt.Fprintf(w, "curl %s\n", info.Version)
	fmt.Fprintf(w, "Protocols: %s\n", strings.Join(info.Protocols, " "))
	fmt.Fprintf(w, "Features: %s\n", strings.Join(info.Features, " "))
}

// lockedWriter serializes writes from parallel transfers.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

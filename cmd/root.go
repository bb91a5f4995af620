package cmd

import (
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/melih-ucgun/xcurl/internal/translate"
)

// options holds the flags of one --next segment.
type options struct {
	urls       []string
	outputs    []string
	uploads    []string
	remoteName bool

	silent    bool
	showError bool
	verbose   bool
	version   bool

	stderrFile  string
	traceFile   string
	traceFormat string

	user           string
	keyPath        string
	insecure       bool
	connectTimeout float64
	createDirs     bool

	parallel    bool
	parallelMax int
	hostsFile   string

	// parsed is false when cobra handled the invocation itself (--help).
	parsed bool
}

// credentials splits -u user[:password].
func (o *options) credentials() (user, password string) {
	user, password, _ = strings.Cut(o.user, ":")
	return user, password
}

func (o *options) timeout() time.Duration {
	return time.Duration(o.connectTimeout * float64(time.Second))
}

// newRootCmd builds the canonical command line parser for one segment.
func newRootCmd(opts *options, stdout, stderr io.Writer) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           translate.Program + " [options...] <url>",
		Short:         "Transfer files to and from scp://, sftp:// and file:// URLs.",
		Long:          `curl transfers files over SSH (scp, sftp) and from the local filesystem. It is also installed as scp and sftp, which accept the classic "host:path" arguments.`,
		Args:          cobra.ArbitraryArgs,
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.urls = append(opts.urls, args...)
			opts.parsed = true
			return nil
		},
	}
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)

	f := rootCmd.Flags()
	f.SortFlags = false
	f.StringArrayVar(&opts.urls, "url", nil, "URL to work with")
	f.StringArrayVarP(&opts.outputs, "output", "o", nil, "write to `file` instead of stdout")
	f.BoolVarP(&opts.remoteName, "remote-name", "O", false, "write output to a file named as the remote file")
	f.StringArrayVarP(&opts.uploads, "upload-file", "T", nil, "transfer local `file` to destination")
	f.BoolVar(&opts.createDirs, "create-dirs", false, "create necessary local directory hierarchy")

	f.StringVarP(&opts.user, "user", "u", "", "server `user[:password]`")
	f.StringVar(&opts.keyPath, "key", "", "private key `file`")
	f.BoolVarP(&opts.insecure, "insecure", "k", false, "skip SSH host key verification")
	f.Float64Var(&opts.connectTimeout, "connect-timeout", 0, "maximum time allowed for connection, in `seconds`")
	f.StringVar(&opts.hostsFile, "hosts-file", "", "read per-host settings from `file`")

	f.BoolVarP(&opts.parallel, "parallel", "Z", false, "perform transfers in parallel")
	f.IntVar(&opts.parallelMax, "parallel-max", 50, "maximum concurrency for parallel transfers")

	f.BoolVarP(&opts.silent, "silent", "s", false, "silent mode")
	f.BoolVarP(&opts.showError, "show-error", "S", false, "show error even when -s is used")
	f.BoolVarP(&opts.verbose, "verbose", "v", false, "make the operation more talkative")
	f.StringVar(&opts.stderrFile, "stderr", "", "where to redirect stderr (`file` or -)")
	f.StringVar(&opts.traceFile, "trace", "", "write a debug trace to `file` (- for stdout)")
	f.StringVar(&opts.traceFormat, "trace-format", "text", "trace format, text or json")
	f.BoolVarP(&opts.version, "version", "V", false, "show version number and quit")

	return rootCmd
}

// splitSegments cuts args at every --next (or -:) into per-operation lists.
func splitSegments(args []string) [][]string {
	segments := [][]string{{}}
	for _, a := range args {
		if a == "--next" || a == "-:" {
			segments = append(segments, []string{})
			continue
		}
		last := len(segments) - 1
		segments[last] = append(segments[last], a)
	}
	return segments
}

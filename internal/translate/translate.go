// Package translate rewrites scp/sftp style invocations into the URL based
// form understood by the curl operation.
//
//	scp user@host:~/file local          => curl scp://user@host/~/file -o local
//	scp user@host:/path/file local      => curl scp://user@host//path/file -o local
//	scp user@host:~/file .              => curl scp://user@host/~/file -O
//	scp user@host:~/file /path/         => curl scp://user@host/~/file -o /path/file
//	scp local user@host:~/path/         => curl -T local scp://user@host/~/path/local
package translate

import (
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"path/filepath"
	"strings"
)

// Program is the canonical program name placed first in every translated list.
const Program = "curl"

var legacyAliases = map[string]bool{
	"scp":  true,
	"sftp": true,
}

// Stater is the read-only filesystem view the translator needs.
type Stater interface {
	Stat(name string) (fs.FileInfo, error)
}

// UsageError reports a legacy invocation that lacks a local or remote endpoint.
type UsageError struct {
	Alias  string
	Reason string
}

func (e *UsageError) Error() string {
	return fmt.Sprintf("%s: %s", e.Alias, e.Reason)
}

// IsLegacy reports whether alias names a legacy remote-copy syntax.
func IsLegacy(alias string) bool {
	return legacyAliases[alias]
}

// Endpoint is the remote half of a legacy invocation, split at the first ':'.
type Endpoint struct {
	UserHost string
	Path     string
}

// Basename returns the part of the remote path after its last '/'.
func (e Endpoint) Basename() string {
	return e.Path[strings.LastIndex(e.Path, "/")+1:]
}

// URL renders the endpoint as <scheme>://<userHost>/<path>. The path is
// percent-encoded, so '#', '?' and '%' in file names survive URL parsing.
func (e Endpoint) URL(scheme string) string {
	return scheme + "://" + e.UserHost + (&url.URL{Path: "/" + e.Path}).EscapedPath()
}

// ParseEndpoint splits token at its first ':'. ok is false when token has none.
func ParseEndpoint(token string) (Endpoint, bool) {
	userHost, path, ok := strings.Cut(token, ":")
	if !ok {
		return Endpoint{}, false
	}
	return Endpoint{UserHost: userHost, Path: path}, true
}

// Convert translates a legacy invocation into a canonical argument list. On
// failure it writes the usage text to stderr and returns a *UsageError; no list
// is built in that case. tokens is never modified.
func Convert(alias string, tokens []string, fsys Stater, stderr io.Writer) ([]string, error) {
	out := make([]string, 0, len(tokens)+3)
	out = append(out, Program)

	var (
		local     string
		haveLocal bool
		remote    Endpoint
		haveRem   bool
	)

	for _, tok := range tokens {
		if strings.HasPrefix(tok, "-") || (haveLocal && haveRem) {
			if tok == "-q" {
				tok = "-s"
			}
			out = append(out, tok)
			continue
		}

		if tok == "" {
			return nil, usage(alias, "empty argument", stderr)
		}

		if ep, ok := ParseEndpoint(tok); ok {
			if haveRem {
				return nil, usage(alias, "more than one remote file", stderr)
			}
			// an upload into a remote directory keeps the local file name
			if haveLocal && (ep.Path == "" || strings.HasSuffix(ep.Path, "/")) {
				ep.Path += filepath.Base(local)
			}
			remote, haveRem = ep, true
			out = append(out, ep.URL(alias))
			continue
		}

		if haveLocal {
			return nil, usage(alias, "more than one local file", stderr)
		}
		local, haveLocal = tok, true

		if !haveRem {
			out = append(out, "-T", tok)
			continue
		}
		if tok == "." {
			out = append(out, "-O")
			continue
		}
		out = append(out, "-o", outputPath(tok, remote.Basename(), fsys))
	}

	if !haveLocal || !haveRem {
		return nil, usage(alias, "missing local or remote file", stderr)
	}

	return out, nil
}

func outputPath(local, basename string, fsys Stater) string {
	if strings.HasSuffix(local, "/") {
		return local + basename
	}
	if fsys != nil {
		if info, err := fsys.Stat(local); err == nil && info.IsDir() {
			return local + "/" + basename
		}
	}
	return local
}

func usage(alias, reason string, stderr io.Writer) error {
	if stderr != nil {
		fmt.Fprintf(stderr, "Usage:\t%s [-q] [user@]host:distantFile localFile\n", alias)
		fmt.Fprintf(stderr, "\t%s [-q] localFile [user@]host:distantFile \n", alias)
	}
	return &UsageError{Alias: alias, Reason: reason}
}

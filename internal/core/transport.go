package core

import (
	"context"
	"io"
	"io/fs"
)

// Transport moves file contents to and from one endpoint (local, SSH, etc.).
type Transport interface {
	io.Closer

	// Upload stores size bytes read from src at remotePath.
	Upload(ctx context.Context, src io.Reader, size int64, mode fs.FileMode, remotePath string) error

	// Download writes the contents of remotePath to dst and returns the number
	// of bytes written.
	Download(ctx context.Context, remotePath string, dst io.Writer) (int64, error)

	// Protocol returns the URL scheme served by this transport.
	Protocol() string
}

// FileSystem is the local filesystem abstraction used for stat queries and
// for reading and writing transferred files.
type FileSystem interface {
	Stat(name string) (fs.FileInfo, error)
	Open(name string) (io.ReadCloser, error)
	Create(name string) (io.WriteCloser, error)
	MkdirAll(path string, perm fs.FileMode) error
}

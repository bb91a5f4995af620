package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path/filepath"

	"github.com/melih-ucgun/xcurl/internal/core"
)

// LocalTransport serves file:// URLs from the local filesystem.
type LocalTransport struct {
	fs core.FileSystem
}

func NewLocalTransport(fsys core.FileSystem) *LocalTransport {
	if fsys == nil {
		fsys = core.RealFS{}
	}
	return &LocalTransport{fs: fsys}
}

func (t *LocalTransport) Close() error {
	return nil
}

func (t *LocalTransport) Protocol() string { return "file" }

func (t *LocalTransport) Upload(ctx context.Context, src io.Reader, size int64, mode fs.FileMode, remotePath string) error {
	if info, err := t.fs.Stat(filepath.Dir(remotePath)); err != nil || !info.IsDir() {
		return fmt.Errorf("%w: %s", ErrNotFound, filepath.Dir(remotePath))
	}
	dst, err := t.fs.Create(remotePath)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrRemote, remotePath, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return fmt.Errorf("write %s: %w", remotePath, err)
	}
	return dst.Close()
}

func (t *LocalTransport) Download(ctx context.Context, remotePath string, dst io.Writer) (int64, error) {
	src, err := t.fs.Open(remotePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, fmt.Errorf("%w: %s", ErrNotFound, remotePath)
		}
		return 0, fmt.Errorf("%w: %s: %w", ErrRemote, remotePath, err)
	}
	defer src.Close()
	return io.Copy(dst, src)
}

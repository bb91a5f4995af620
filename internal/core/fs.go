package core

import (
	"io"
	"io/fs"
	"os"
)

// RealFS is the FileSystem backed by the os package.
type RealFS struct{}

func (RealFS) Stat(name string) (fs.FileInfo, error) { return os.Stat(name) }

func (RealFS) Open(name string) (io.ReadCloser, error) { return os.Open(name) }

func (RealFS) Create(name string) (io.WriteCloser, error) { return os.Create(name) }

func (RealFS) MkdirAll(path string, perm fs.FileMode) error { return os.MkdirAll(path, perm) }

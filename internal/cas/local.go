package cas

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// LocalBackend keeps content as files named by identifier under a directory.
type LocalBackend struct {
	dir string
}

func NewLocalBackend(dir string) (*LocalBackend, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cas dir: %w", err)
	}
	return &LocalBackend{dir: dir}, nil
}

func (b *LocalBackend) path(cid string) string {
	return filepath.Join(b.dir, cid)
}

func (b *LocalBackend) Put(_ context.Context, cid string, content []byte) (bool, error) {
	if _, err := os.Stat(b.path(cid)); err == nil {
		return false, nil
	}
	tmp, err := os.CreateTemp(b.dir, cid+".*.tmp")
	if err != nil {
		return false, err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		return false, err
	}
	if err := tmp.Close(); err != nil {
		return false, err
	}
	if err := os.Rename(tmp.Name(), b.path(cid)); err != nil {
		return false, err
	}
	return true, nil
}

func (b *LocalBackend) Get(_ context.Context, cid string) ([]byte, error) {
	data, err := os.ReadFile(b.path(cid))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, cid)
	}
	return data, err
}

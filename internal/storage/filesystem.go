package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/cyclopcam/logs"
)

// FS is a filesystem-based blob store.
type FS struct {
	Root string
	log  logs.Log
}

// NewFS creates root if needed and returns a store rooted there.
func NewFS(log logs.Log, root string) (*FS, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(absRoot, 0o755); err != nil {
		return nil, fmt.Errorf("storage: create root %v (relative path %v): %w", absRoot, root, err)
	}
	return &FS{Root: absRoot, log: log}, nil
}

func (fs *FS) WriteFile(_ context.Context, name string) (io.WriteCloser, error) {
	if err := ValidName(name); err != nil {
		return nil, err
	}
	fs.log.Infof("Writing file %v", name)
	fullPath := filepath.Join(fs.Root, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return nil, err
	}
	return os.OpenFile(fullPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
}

// ReadFile returns a File whose Reader is an *os.File, so callers can
// seek it for range requests.
func (fs *FS) ReadFile(_ context.Context, name string) (*File, error) {
	if err := ValidName(name); err != nil {
		return nil, err
	}
	file, err := os.Open(filepath.Join(fs.Root, filepath.FromSlash(name)))
	if err != nil {
		return nil, err
	}
	st, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}
	return &File{
		Reader:     file,
		ModifiedAt: st.ModTime(),
		Size:       st.Size(),
	}, nil
}

func (fs *FS) DeleteFile(_ context.Context, name string) error {
	if err := ValidName(name); err != nil {
		return err
	}
	fs.log.Infof("Deleting file %v", name)
	err := os.Remove(filepath.Join(fs.Root, filepath.FromSlash(name)))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func (fs *FS) URL(string) (string, error) {
	return "", ErrNoPublicURL
}

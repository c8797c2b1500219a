// Package storage is the blob store for uploaded video files. Objects are
// addressed by slash-separated names such as "videos/<user>/<id>/clip.mp4".
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"
)

var (
	// ErrNoPublicURL is returned by URL when the backend cannot hand out
	// a direct link; callers serve the object through the API instead.
	ErrNoPublicURL = errors.New("storage: no public url")

	// ErrInvalidName is returned for names that escape the store root.
	ErrInvalidName = errors.New("storage: invalid object name")

	// ErrTooLarge is returned by WriteLimited when the content exceeds
	// the byte cap. Nothing is left behind in the store.
	ErrTooLarge = errors.New("storage: object exceeds size limit")
)

// Storage is an abstraction of a blob store.
type Storage interface {
	// When finished, you must close the WriteCloser.
	WriteFile(ctx context.Context, name string) (io.WriteCloser, error)

	// When finished, you must close File.Reader.
	ReadFile(ctx context.Context, name string) (*File, error)

	DeleteFile(ctx context.Context, name string) error

	URL(name string) (string, error)
}

// File is an element in blob storage.
type File struct {
	Reader     io.ReadCloser
	ModifiedAt time.Time
	Size       int64
}

// ValidName rejects empty names, absolute names and any "." or ".."
// segment. Dots inside a segment ("clip..final.mp4") are allowed.
func ValidName(name string) error {
	if name == "" || strings.HasPrefix(name, "/") || path.Clean(name) != name {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	for _, seg := range strings.Split(name, "/") {
		if seg == ".." || seg == "." {
			return fmt.Errorf("%w: %q", ErrInvalidName, name)
		}
	}
	return nil
}

// WriteLimited copies content into name, failing with ErrTooLarge if more
// than maxBytes arrive. It returns the number of bytes stored.
func WriteLimited(ctx context.Context, s Storage, name string, content io.Reader, maxBytes int64) (int64, error) {
	f, err := s.WriteFile(ctx, name)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(f, io.LimitReader(content, maxBytes+1))
	errClose := f.Close()
	if err == nil && n > maxBytes {
		err = ErrTooLarge
	}
	if err == nil {
		err = errClose
	}
	if err != nil {
		_ = s.DeleteFile(ctx, name)
		return 0, err
	}
	return n, nil
}

package storage

import (
	"context"
	"errors"
	"io"

	gcs "cloud.google.com/go/storage"
	"github.com/cyclopcam/logs"
)

// GCS is a Google Cloud Storage-based blob store.
type GCS struct {
	bucketName string
	client     *gcs.Client
	bucket     *gcs.BucketHandle
	isPublic   bool
	log        logs.Log
}

// NewGCS opens a client with application default credentials.
func NewGCS(ctx context.Context, log logs.Log, bucketName string, isPublic bool) (*GCS, error) {
	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, err
	}
	return &GCS{
		bucketName: bucketName,
		client:     client,
		bucket:     client.Bucket(bucketName),
		isPublic:   isPublic,
		log:        log,
	}, nil
}

// Close releases the underlying client.
func (s *GCS) Close() error {
	return s.client.Close()
}

func (s *GCS) WriteFile(ctx context.Context, name string) (io.WriteCloser, error) {
	if err := ValidName(name); err != nil {
		return nil, err
	}
	s.log.Infof("Writing object gs://%v/%v", s.bucketName, name)
	return s.bucket.Object(name).NewWriter(ctx), nil
}

func (s *GCS) ReadFile(ctx context.Context, name string) (*File, error) {
	if err := ValidName(name); err != nil {
		return nil, err
	}
	r, err := s.bucket.Object(name).NewReader(ctx)
	if err != nil {
		return nil, err
	}
	return &File{
		Reader:     r,
		ModifiedAt: r.Attrs.LastModified,
		Size:       r.Attrs.Size,
	}, nil
}

func (s *GCS) DeleteFile(ctx context.Context, name string) error {
	if err := ValidName(name); err != nil {
		return err
	}
	err := s.bucket.Object(name).Delete(ctx)
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return nil
	}
	return err
}

func (s *GCS) URL(name string) (string, error) {
	if !s.isPublic {
		// Private buckets are served through the API.
		return "", ErrNoPublicURL
	}
	return "https://storage.googleapis.com/" + s.bucketName + "/" + name, nil
}

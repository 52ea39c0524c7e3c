//go:build gcp

package memstore

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
)

// GCSColdStore implements ColdStore on top of Google Cloud Storage.
// Gated behind the "gcp" build tag, matching the reference's
// pkg/artifacts.GCSStore — most deployments run the S3 tier and never
// link the GCS client.
type GCSColdStore struct {
	client *storage.Client
	bucket string
	prefix string
}

// GCSColdStoreConfig configures a GCSColdStore.
type GCSColdStoreConfig struct {
	Bucket string
	Prefix string
}

// NewGCSColdStore builds a GCS-backed cold tier using Application
// Default Credentials.
func NewGCSColdStore(ctx context.Context, cfg GCSColdStoreConfig) (*GCSColdStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("memstore: new GCS client: %w", err)
	}
	return &GCSColdStore{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (s *GCSColdStore) objectPath(key string) string { return s.prefix + key + ".blob" }

func (s *GCSColdStore) Put(ctx context.Context, key string, payload []byte) error {
	obj := s.client.Bucket(s.bucket).Object(s.objectPath(key))
	w := obj.NewWriter(ctx)
	w.ContentType = "application/octet-stream"
	if _, err := w.Write(payload); err != nil {
		_ = w.Close()
		return fmt.Errorf("memstore: gcs write %q: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("memstore: gcs close %q: %w", key, err)
	}
	return nil
}

func (s *GCSColdStore) Get(ctx context.Context, key string) ([]byte, error) {
	obj := s.client.Bucket(s.bucket).Object(s.objectPath(key))
	r, err := obj.NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("memstore: gcs get %q: %w", key, err)
	}
	defer func() { _ = r.Close() }()
	return io.ReadAll(r)
}

func (s *GCSColdStore) Delete(ctx context.Context, key string) error {
	obj := s.client.Bucket(s.bucket).Object(s.objectPath(key))
	if err := obj.Delete(ctx); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("memstore: gcs delete %q: %w", key, err)
	}
	return nil
}

// Close releases the underlying GCS client.
func (s *GCSColdStore) Close() error { return s.client.Close() }

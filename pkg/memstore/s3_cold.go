package memstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3ColdStore implements ColdStore on top of AWS S3, for payloads that
// spill past a Store's cold threshold.
//
// Grounded on the reference's pkg/artifacts.S3Store, adapted from
// content-hash keying to MemoryAddress keying — the Store already owns
// checksum computation (via gowebpki/jcs) so the cold tier here is a
// plain key/value blob bucket, not a content-addressed one.
type S3ColdStore struct {
	client *s3.Client
	bucket string
	prefix string
}

// S3ColdStoreConfig configures an S3ColdStore.
type S3ColdStoreConfig struct {
	Bucket   string
	Region   string
	Endpoint string // optional custom endpoint (MinIO, LocalStack)
	Prefix   string
}

// NewS3ColdStore builds an S3-backed cold tier.
func NewS3ColdStore(ctx context.Context, cfg S3ColdStoreConfig) (*S3ColdStore, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("memstore: load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3ColdStore{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (s *S3ColdStore) objectKey(key string) string { return s.prefix + key + ".blob" }

// Put uploads a payload keyed by a MemoryAddress wire string.
func (s *S3ColdStore) Put(ctx context.Context, key string, payload []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.objectKey(key)),
		Body:        bytes.NewReader(payload),
		ContentType: aws.String("application/octet-stream"),
	})
	if err != nil {
		return fmt.Errorf("memstore: s3 put %q: %w", key, err)
	}
	return nil
}

// Get downloads a payload by its MemoryAddress wire string.
func (s *S3ColdStore) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		return nil, fmt.Errorf("memstore: s3 get %q: %w", key, err)
	}
	defer func() { _ = out.Body.Close() }()
	return io.ReadAll(out.Body)
}

// Delete removes a payload by its MemoryAddress wire string. Missing
// objects are not an error — Sweep may race with an already-evicted
// cold entry.
func (s *S3ColdStore) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	var nf *s3.NoSuchKey
	if err != nil && !errors.As(err, &nf) {
		return fmt.Errorf("memstore: s3 delete %q: %w", key, err)
	}
	return nil
}

// Package minio implements the blob store port on S3-compatible object
// storage.
package minio

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/codeclash/exec-engine/internal/config"
	"github.com/codeclash/exec-engine/internal/domain"
)

// Store holds opaque code objects addressable by key path.
type Store struct {
	client *minio.Client
	bucket string
}

// New connects to the configured endpoint and ensures the bucket exists.
func New(ctx context.Context, cfg config.Config) (*Store, error) {
	cli, err := minio.New(cfg.BlobEndpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.BlobAccessKey, cfg.BlobSecretKey, ""),
		Secure: cfg.BlobUseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("op=blob.connect: %w", err)
	}
	s := &Store{client: cli, bucket: cfg.BlobBucket}
	exists, err := cli.BucketExists(ctx, s.bucket)
	if err != nil {
		return nil, fmt.Errorf("op=blob.bucket_probe: %w", err)
	}
	if !exists {
		if err := cli.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("op=blob.make_bucket: %w", err)
		}
	}
	return s, nil
}

// Put stores data under key with user metadata.
func (s *Store) Put(ctx context.Context, key string, data []byte, meta map[string]string) error {
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "text/plain; charset=utf-8", UserMetadata: meta})
	if err != nil {
		return fmt.Errorf("op=blob.put: %w: %v", domain.ErrStorage, err)
	}
	return nil
}

// Get reads the full object stored under key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("op=blob.get: %w: %v", domain.ErrStorage, err)
	}
	defer func() { _ = obj.Close() }()
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("op=blob.get: %w: %v", domain.ErrStorage, err)
	}
	return data, nil
}

// Delete removes the object stored under key.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("op=blob.delete: %w: %v", domain.ErrStorage, err)
	}
	return nil
}

// Ping probes bucket reachability for readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	if _, err := s.client.BucketExists(ctx, s.bucket); err != nil {
		return fmt.Errorf("op=blob.ping: %w", err)
	}
	return nil
}

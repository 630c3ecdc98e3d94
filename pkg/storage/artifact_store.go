// Package storage archives raw generation artifacts for later inspection.
// Archiving is best-effort: the pipeline never blocks on it.
package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ArtifactStore persists raw provider payloads keyed by execution.
type ArtifactStore interface {
	PutJSON(ctx context.Context, key string, payload any) error
	PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error)
}

// MinioArtifactStore implements ArtifactStore on MinIO/S3-compatible storage.
type MinioArtifactStore struct {
	client *minio.Client
	bucket string
}

// NewMinioArtifactStore connects to MinIO and ensures the bucket exists.
func NewMinioArtifactStore(endpoint, accessKey, secretKey, bucket string, useSSL bool) (*MinioArtifactStore, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio client: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket: %w", err)
		}
	}
	return &MinioArtifactStore{client: client, bucket: bucket}, nil
}

// PutJSON uploads a JSON-encoded artifact.
func (m *MinioArtifactStore) PutJSON(ctx context.Context, key string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode artifact: %w", err)
	}
	_, err = m.client.PutObject(ctx, m.bucket, key, bytes.NewReader(raw), int64(len(raw)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return fmt.Errorf("put artifact: %w", err)
	}
	return nil
}

// PresignGet generates a pre-signed GET URL for an archived artifact.
func (m *MinioArtifactStore) PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error) {
	url, err := m.client.PresignedGetObject(ctx, m.bucket, key, expiry, nil)
	if err != nil {
		return "", fmt.Errorf("presign artifact: %w", err)
	}
	return url.String(), nil
}

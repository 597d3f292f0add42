package service

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/Yazington/aprv-ai-backend/config"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// FileStore fetches stored document bytes by object id. The approval engine
// only reads; uploads are handled elsewhere.
type FileStore interface {
	GetBytes(ctx context.Context, fileID string) ([]byte, error)
}

// MinioFileStore reads design and guideline documents from a MinIO bucket.
type MinioFileStore struct {
	client *minio.Client
	bucket string
}

func NewMinioFileStore(cfg *config.MinioConfig) (*MinioFileStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	return &MinioFileStore{
		client: client,
		bucket: cfg.Bucket,
	}, nil
}

// EnsureBucket creates the bucket if it doesn't exist
func (s *MinioFileStore) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket: %w", err)
	}

	if !exists {
		err = s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{})
		if err != nil {
			return fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	return nil
}

// GetBytes downloads an object fully into memory. Guideline documents are
// page-iterated repeatedly so the whole file is buffered once up front.
func (s *MinioFileStore) GetBytes(ctx context.Context, fileID string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, fileID, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get object %s: %w", fileID, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("failed to read object %s: %w", fileID, err)
	}
	return data, nil
}

// PutBytes stores an object; used by seeding tools and tests.
func (s *MinioFileStore) PutBytes(ctx context.Context, fileID string, data []byte, contentType string) error {
	_, err := s.client.PutObject(ctx, s.bucket, fileID, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("failed to upload object %s: %w", fileID, err)
	}
	return nil
}

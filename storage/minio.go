// Package storage wraps the S3-compatible object store holding mission
// datasets and trained model artifacts. Workers read and write objects
// directly; the backend only mints paths and presigned URLs.
package storage

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/dataforall/training-backend/config"
)

// Storage is the object store client.
type Storage struct {
	client *minio.Client
	bucket string
}

// New creates the storage client and ensures the bucket exists.
func New(cfg *config.Config) (*Storage, error) {
	client, err := minio.New(cfg.S3Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.S3AccessKey, cfg.S3SecretKey, ""),
		Secure: cfg.S3UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}

	s := &Storage{client: client, bucket: cfg.S3Bucket}
	if err := s.ensureBucket(context.Background()); err != nil {
		return nil, err
	}

	log.Printf("Storage initialized (bucket %s)", cfg.S3Bucket)
	return s, nil
}

func (s *Storage) ensureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket: %w", err)
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("failed to create bucket: %w", err)
		}
		log.Printf("Bucket %s created", s.bucket)
	}
	return nil
}

// DatasetPrefix returns the object prefix holding a mission's approved
// contributions. Workers stream the whole prefix as their training set.
func DatasetPrefix(missionID string) string {
	return fmt.Sprintf("missions/%s/contributions/", missionID)
}

// ModelPath returns the object path a job's trained model is uploaded to.
func ModelPath(missionID, jobID string) string {
	return fmt.Sprintf("missions/%s/models/%s/model.tar.gz", missionID, jobID)
}

// PresignedDownloadURL mints a time-limited download URL for an object.
func (s *Storage) PresignedDownloadURL(ctx context.Context, objectPath string, expiry time.Duration) (string, error) {
	u, err := s.client.PresignedGetObject(ctx, s.bucket, objectPath, expiry, nil)
	if err != nil {
		return "", fmt.Errorf("failed to presign download URL: %w", err)
	}
	return u.String(), nil
}

// PresignedUploadURL mints a time-limited upload URL for an object.
func (s *Storage) PresignedUploadURL(ctx context.Context, objectPath string, expiry time.Duration) (string, error) {
	u, err := s.client.PresignedPutObject(ctx, s.bucket, objectPath, expiry)
	if err != nil {
		return "", fmt.Errorf("failed to presign upload URL: %w", err)
	}
	return u.String(), nil
}

// ObjectExists reports whether an object is present.
func (s *Storage) ObjectExists(ctx context.Context, objectPath string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucket, objectPath, minio.StatObjectOptions{})
	if err != nil {
		errResp := minio.ToErrorResponse(err)
		if errResp.Code == "NoSuchKey" {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// HasDataset reports whether a mission has at least one contribution object.
func (s *Storage) HasDataset(ctx context.Context, missionID string) (bool, error) {
	opts := minio.ListObjectsOptions{Prefix: DatasetPrefix(missionID), MaxKeys: 1}
	for obj := range s.client.ListObjects(ctx, s.bucket, opts) {
		if obj.Err != nil {
			return false, obj.Err
		}
		return true, nil
	}
	return false, nil
}

package storage

import (
	"context"
	"fmt"
	"io"

	"github.com/bobarin/clipsa/internal/models"
	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	log "github.com/sirupsen/logrus"
)

// filename is kept as user metadata so Fetch needs no external index.
const minioFilenameKey = "Filename"

// Minio stores blobs in an S3-compatible bucket.
type Minio struct {
	client *minio.Client
	bucket string
}

func NewMinio(ctx context.Context, endpoint, accessKey, secretKey, bucket string, useSSL bool) (*Minio, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket %s: %w", bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket %s: %w", bucket, err)
		}
		log.Infof("[Storage] Created bucket %s", bucket)
	}

	return &Minio{client: client, bucket: bucket}, nil
}

func (m *Minio) Store(ctx context.Context, r io.Reader, filename string, meta Metadata) (string, error) {
	id := uuid.NewString()

	userMeta := make(map[string]string, len(meta)+1)
	for k, v := range meta {
		userMeta[k] = v
	}
	userMeta[minioFilenameKey] = filename

	_, err := m.client.PutObject(ctx, m.bucket, objectKey(id), r, -1, minio.PutObjectOptions{
		ContentType:  ContentTypeFor(filename),
		UserMetadata: userMeta,
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload %s to minio: %w", filename, err)
	}

	return id, nil
}

func (m *Minio) Fetch(ctx context.Context, id string) (*Object, error) {
	obj, err := m.client.GetObject(ctx, m.bucket, objectKey(id), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get object %s: %w", id, err)
	}

	// GetObject is lazy; Stat surfaces a missing key.
	info, err := obj.Stat()
	if err != nil {
		obj.Close()
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, fmt.Errorf("blob %s: %w", id, models.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to stat object %s: %w", id, err)
	}

	return &Object{
		Body:        obj,
		Filename:    info.UserMetadata[minioFilenameKey],
		ContentType: info.ContentType,
		Size:        info.Size,
	}, nil
}

func (m *Minio) Delete(ctx context.Context, id string) error {
	if err := m.client.RemoveObject(ctx, m.bucket, objectKey(id), minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("failed to delete object %s: %w", id, err)
	}
	return nil
}

package blob

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

type MinIO struct {
	client *minio.Client
	bucket string
}

// NewMinIO connects and creates the bucket when it does not exist yet.
func NewMinIO(ctx context.Context, cfg MinIOConfig) (*MinIO, error) {
	endpoint := strings.TrimPrefix(strings.TrimPrefix(cfg.Endpoint, "http://"), "https://")
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("make bucket %s: %w", cfg.Bucket, err)
		}
	}
	return &MinIO{client: client, bucket: cfg.Bucket}, nil
}

func (m *MinIO) ListFiles(ctx context.Context, documentID string) ([]File, error) {
	var files []File
	for object := range m.client.ListObjects(ctx, m.bucket, minio.ListObjectsOptions{
		Prefix:    documentPrefix(documentID),
		Recursive: true,
	}) {
		if object.Err != nil {
			return nil, fmt.Errorf("list objects: %w", object.Err)
		}
		files = append(files, File{
			Name:        path.Base(object.Key),
			Key:         object.Key,
			Size:        object.Size,
			ContentType: object.ContentType,
			ModifiedAt:  object.LastModified,
		})
	}
	return files, nil
}

func (m *MinIO) UploadFile(ctx context.Context, documentID, name string, body io.Reader, size int64, contentType string) (File, error) {
	key := fileKey(documentID, name)
	info, err := m.client.PutObject(ctx, m.bucket, key, body, size, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return File{}, fmt.Errorf("put object %s: %w", key, err)
	}
	return File{
		Name:        path.Base(key),
		Key:         key,
		Size:        info.Size,
		ContentType: contentType,
		ModifiedAt:  info.LastModified,
	}, nil
}

func (m *MinIO) DeleteFile(ctx context.Context, key string) error {
	if err := m.client.RemoveObject(ctx, m.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove object %s: %w", key, err)
	}
	return nil
}

// UploadThumbnail stores the image and returns its object URL.
func (m *MinIO) UploadThumbnail(ctx context.Context, documentID string, body io.Reader, size int64, contentType string) (string, error) {
	key := thumbnailKey(documentID)
	if _, err := m.client.PutObject(ctx, m.bucket, key, body, size, minio.PutObjectOptions{ContentType: contentType}); err != nil {
		return "", fmt.Errorf("put thumbnail: %w", err)
	}
	return m.client.EndpointURL().JoinPath(m.bucket, key).String(), nil
}

package storage

import (
	"bytes"
	"context"
	"fmt"
	"net/http"

	"storyfill-server/internal/models"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

// MinioConfig - параметры S3-совместимого хранилища.
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// Compile-time check
var _ ObjectStore = (*MinioObjectStore)(nil)

// MinioObjectStore - ObjectStore поверх MinIO/S3.
type MinioObjectStore struct {
	client *minio.Client
	bucket string
	logger *zap.Logger
}

// NewMinioObjectStore подключается к MinIO и создает bucket, если его нет.
func NewMinioObjectStore(ctx context.Context, cfg MinioConfig, logger *zap.Logger) (*MinioObjectStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket %s: %w", cfg.Bucket, err)
		}
		logger.Info("Created object storage bucket", zap.String("bucket", cfg.Bucket))
	}

	return &MinioObjectStore{
		client: client,
		bucket: cfg.Bucket,
		logger: logger.Named("MinioObjectStore"),
	}, nil
}

func (s *MinioObjectStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		s.logger.Error("Failed to put object", zap.String("key", key), zap.Error(err))
		return models.NewStorageError("object_put", err)
	}
	return nil
}

func (s *MinioObjectStore) Get(ctx context.Context, key string) (*Object, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, models.NewStorageError("object_get", err)
	}
	// GetObject ленивый: ошибка "нет такого ключа" приходит только из Stat/Read.
	info, err := obj.Stat()
	if err != nil {
		_ = obj.Close()
		if isNoSuchKey(err) {
			return nil, fmt.Errorf("object %s: %w", key, models.ErrNotFound)
		}
		return nil, models.NewStorageError("object_stat", err)
	}
	return &Object{Body: obj, ContentType: info.ContentType, Size: info.Size}, nil
}

func (s *MinioObjectStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if isNoSuchKey(err) {
			return false, nil
		}
		return false, models.NewStorageError("object_exists", err)
	}
	return true, nil
}

func (s *MinioObjectStore) Delete(ctx context.Context, key string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		s.logger.Warn("Failed to delete object", zap.String("key", key), zap.Error(err))
		return models.NewStorageError("object_delete", err)
	}
	return nil
}

// Ping проверяет доступность bucket (для /health).
func (s *MinioObjectStore) Ping(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return models.NewStorageError("bucket_exists", err)
	}
	if !exists {
		return fmt.Errorf("bucket %s does not exist", s.bucket)
	}
	return nil
}

func isNoSuchKey(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound
}

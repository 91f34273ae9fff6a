package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/geoyee/tilestitch/internal/config"
)

// MinIOStore 将瓦片保存为桶内对象，对象名即缓存键
type MinIOStore struct {
	client *minio.Client
	bucket string
}

// NewMinIOStore 连接对象存储，桶不存在时创建
func NewMinIOStore(ctx context.Context, cfg config.MinIOConfig) (*MinIOStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	s := &MinIOStore{client: client, bucket: cfg.Bucket}
	if err := s.ensureBucket(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *MinIOStore) ensureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket existence: %w", err)
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", s.bucket, err)
		}
	}
	return nil
}

func (s *MinIOStore) Get(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get object %s: %w", key, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, ErrMiss
		}
		return nil, fmt.Errorf("failed to read object %s: %w", key, err)
	}
	if len(data) == 0 {
		return nil, ErrMiss
	}
	return data, nil
}

func (s *MinIOStore) Put(ctx context.Context, key string, data []byte) error {
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "image/png",
	})
	if err != nil {
		return fmt.Errorf("failed to upload object %s: %w", key, err)
	}
	return nil
}

func (s *MinIOStore) Clear(ctx context.Context, provider string) error {
	if err := validProvider(provider); err != nil {
		return err
	}

	listCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var listErr error
	objects := make(chan minio.ObjectInfo)
	listDone := make(chan struct{})
	go func() {
		defer close(listDone)
		listErr = forwardObjects(listCtx, cancel, s.client.ListObjects(listCtx, s.bucket, minio.ListObjectsOptions{
			Prefix:    provider + "/",
			Recursive: true,
		}), objects)
	}()

	var errs []error
	for rerr := range s.client.RemoveObjects(ctx, s.bucket, objects, minio.RemoveObjectsOptions{}) {
		errs = append(errs, fmt.Errorf("remove %s: %w", rerr.ObjectName, rerr.Err))
	}
	<-listDone
	if listErr != nil {
		errs = append(errs, fmt.Errorf("list objects: %w", listErr))
	}
	return errors.Join(errs...)
}

// forwardObjects 将列举结果转发给 out，返回第一个错误。
// 出错后调用 stop 并继续读空 in，保证列举协程退出；返回前关闭 out。
func forwardObjects(ctx context.Context, stop context.CancelFunc, in <-chan minio.ObjectInfo, out chan<- minio.ObjectInfo) error {
	defer close(out)

	var first error
	for obj := range in {
		if first != nil {
			continue
		}
		if obj.Err != nil {
			first = obj.Err
			stop()
			continue
		}
		select {
		case out <- obj:
		case <-ctx.Done():
			first = ctx.Err()
			stop()
		}
	}
	return first
}

func (s *MinIOStore) Close() error {
	return nil
}

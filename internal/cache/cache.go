// Package cache 提供按 provider/z/x/y 键存取瓦片字节的存储后端
package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/geoyee/tilestitch/internal/config"
	"github.com/geoyee/tilestitch/internal/logging"
)

// ErrMiss 缓存中不存在该键
var ErrMiss = errors.New("cache miss")

// Store 瓦片缓存。条目不过期，只能按 provider 整体清除
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte) error
	Clear(ctx context.Context, provider string) error
	Close() error
}

// New 根据配置创建缓存后端
func New(ctx context.Context, cfg config.CacheConfig, logger logging.Logger) (Store, error) {
	logger = logging.OrNop(logger)

	switch cfg.Backend {
	case "", "disk":
		logger.Info("using disk tile cache", "dir", cfg.Dir)
		return NewDiskStore(cfg.Dir)
	case "redis":
		logger.Info("using redis tile cache", "addr", cfg.RedisAddr)
		return NewRedisStore(ctx, cfg.RedisAddr, cfg.Prefix)
	case "valkey":
		logger.Info("using valkey tile cache", "addr", cfg.ValkeyAddr)
		return NewValkeyStore(cfg.ValkeyAddr, cfg.Prefix)
	case "minio":
		logger.Info("using minio tile cache", "endpoint", cfg.MinIO.Endpoint, "bucket", cfg.MinIO.Bucket)
		return NewMinIOStore(ctx, cfg.MinIO)
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
	}
}

func validProvider(provider string) error {
	if provider == "" || strings.ContainsAny(provider, "/\\*?[") || strings.Contains(provider, "..") {
		return fmt.Errorf("invalid provider name %q", provider)
	}
	return nil
}

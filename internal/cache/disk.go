package cache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/geoyee/tilestitch/internal/util"
)

// DiskStore 将瓦片保存为 <root>/<provider>/<z>/<x>/<y>.png
type DiskStore struct {
	root string
}

// NewDiskStore 创建磁盘缓存，目录不存在时自动创建
func NewDiskStore(root string) (*DiskStore, error) {
	if root == "" {
		return nil, errors.New("cache dir is required")
	}
	if err := util.EnsureDirExists(root); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	return &DiskStore{root: root}, nil
}

func (s *DiskStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := util.GetSavePath(s.root, key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, ErrMiss
	}
	return data, nil
}

// Put 先写临时文件再重命名，同一键的并发写入以最后一次为准
func (s *DiskStore) Put(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := util.GetSavePath(s.root, key)
	if err != nil {
		return err
	}
	dir := filepath.Dir(p)
	if err := util.EnsureDirExists(dir); err != nil {
		return fmt.Errorf("create tile dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".tile-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, p); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename tile file: %w", err)
	}
	return nil
}

func (s *DiskStore) Clear(ctx context.Context, provider string) error {
	if err := validProvider(provider); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return os.RemoveAll(filepath.Join(s.root, provider))
}

func (s *DiskStore) Close() error {
	return nil
}

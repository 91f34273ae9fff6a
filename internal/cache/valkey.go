package cache

import (
	"context"
	"fmt"

	"github.com/valkey-io/valkey-go"
)

// ValkeyStore 与 RedisStore 键布局相同
type ValkeyStore struct {
	client valkey.Client
	prefix string
}

func NewValkeyStore(addr, prefix string) (*ValkeyStore, error) {
	client, err := valkey.NewClient(valkey.ClientOption{
		InitAddress: []string{addr},
	})
	if err != nil {
		return nil, fmt.Errorf("valkey connect: %w", err)
	}
	return &ValkeyStore{client: client, prefix: prefix}, nil
}

func (s *ValkeyStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.client.Do(ctx, s.client.B().Get().Key(s.prefix+key).Build()).AsBytes()
	if valkey.IsValkeyNil(err) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (s *ValkeyStore) Put(ctx context.Context, key string, data []byte) error {
	cmd := s.client.B().Set().Key(s.prefix + key).Value(valkey.BinaryString(data)).Build()
	return s.client.Do(ctx, cmd).Error()
}

func (s *ValkeyStore) Clear(ctx context.Context, provider string) error {
	if err := validProvider(provider); err != nil {
		return err
	}

	match := s.prefix + provider + "/*"
	var cursor uint64
	for {
		entry, err := s.client.Do(ctx, s.client.B().Scan().Cursor(cursor).Match(match).Count(scanBatch).Build()).AsScanEntry()
		if err != nil {
			return fmt.Errorf("scan %s: %w", match, err)
		}
		if len(entry.Elements) > 0 {
			if err := s.client.Do(ctx, s.client.B().Del().Key(entry.Elements...).Build()).Error(); err != nil {
				return fmt.Errorf("delete keys: %w", err)
			}
		}
		cursor = entry.Cursor
		if cursor == 0 {
			return nil
		}
	}
}

func (s *ValkeyStore) Close() error {
	s.client.Close()
	return nil
}

package storage

import (
	"context"
	"errors"
	"iter"
	"time"

	"storyfill-server/internal/models"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const scanBatchSize = 200

// Compile-time check
var _ KeyedStore = (*RedisStore)(nil)

// RedisStore - реализация KeyedStore на go-redis.
type RedisStore struct {
	client redis.UniversalClient
	logger *zap.Logger
}

// NewRedisStore creates a Redis-backed KeyedStore.
func NewRedisStore(client redis.UniversalClient, logger *zap.Logger) *RedisStore {
	return &RedisStore{
		client: client,
		logger: logger.Named("RedisStore"),
	}
}

func (s *RedisStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, normalizeTTL(ttl)).Err(); err != nil {
		s.logger.Error("Failed to set key in redis", zap.String("key", key), zap.Error(err))
		return models.NewStorageError("put", err)
	}
	return nil
}

// PutMany пишет все ключи в одной транзакции (MULTI/EXEC), чтобы ключ состояния и
// lookup по коду не разъезжались по TTL.
func (s *RedisStore) PutMany(ctx context.Context, entries []Entry, ttl time.Duration) error {
	if len(entries) == 0 {
		return nil
	}
	pipe := s.client.TxPipeline()
	for _, e := range entries {
		pipe.Set(ctx, e.Key, e.Value, normalizeTTL(ttl))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Error("Failed to set keys in redis", zap.Int("count", len(entries)), zap.Error(err))
		return models.NewStorageError("put_many", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		s.logger.Error("Failed to get key from redis", zap.String("key", key), zap.Error(err))
		return nil, false, models.NewStorageError("get", err)
	}
	return val, true, nil
}

func (s *RedisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		s.logger.Error("Failed to delete keys from redis", zap.Strings("keys", keys), zap.Error(err))
		return models.NewStorageError("delete", err)
	}
	return nil
}

// ScanPrefix обходит ключи курсором SCAN, не блокируя Redis как KEYS.
// Один и тот же ключ может прийти дважды, если keyspace меняется во время обхода.
func (s *RedisStore) ScanPrefix(ctx context.Context, prefix string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		var cursor uint64
		for {
			keys, next, err := s.client.Scan(ctx, cursor, prefix+"*", scanBatchSize).Result()
			if err != nil {
				s.logger.Error("Failed to scan redis keys", zap.String("prefix", prefix), zap.Error(err))
				yield("", models.NewStorageError("scan", err))
				return
			}
			for _, k := range keys {
				if !yield(k, nil) {
					return
				}
			}
			if next == 0 {
				return
			}
			cursor = next
		}
	}
}

func normalizeTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return 0
	}
	return ttl
}

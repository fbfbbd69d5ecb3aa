package storage

import (
	"context"
	"iter"
	"time"
)

// Entry - пара ключ/значение для пакетной записи.
type Entry struct {
	Key   string
	Value []byte
}

// KeyedStore - key/value хранилище с TTL поверх общего внешнего стора.
// Любой сбой бэкенда возвращается обернутым в models.ErrStorageUnavailable.
type KeyedStore interface {
	// Put записывает значение. ttl <= 0 означает "без срока".
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// PutMany записывает несколько ключей с одинаковым TTL одним запросом.
	PutMany(ctx context.Context, entries []Entry, ttl time.Duration) error
	// Get возвращает значение и признак наличия.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Delete(ctx context.Context, keys ...string) error
	// ScanPrefix лениво перечисляет ключи с данным префиксом.
	// Ошибка бэкенда приходит вторым значением и завершает обход.
	ScanPrefix(ctx context.Context, prefix string) iter.Seq2[string, error]
}

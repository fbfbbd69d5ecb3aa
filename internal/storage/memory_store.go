package storage

import (
	"context"
	"iter"
	"sort"
	"strings"
	"sync"
	"time"
)

// Compile-time check
var _ KeyedStore = (*MemoryStore)(nil)

type memoryItem struct {
	value     []byte
	expiresAt time.Time // zero = без срока
}

// MemoryStore - KeyedStore в памяти процесса. Для тестов и одиночного dev-инстанса.
type MemoryStore struct {
	mu       sync.Mutex
	items    map[string]memoryItem
	now      func() time.Time
	failWith error
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items: make(map[string]memoryItem),
		now:   time.Now,
	}
}

// SetFailure заставляет каждую операцию возвращать err (nil снимает сбой).
// Используется в тестах для имитации недоступного хранилища.
func (s *MemoryStore) SetFailure(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failWith = err
}

// SetClock подменяет часы (для тестов TTL).
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemoryStore) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return s.now().Add(ttl)
}

func (s *MemoryStore) alive(item memoryItem) bool {
	return item.expiresAt.IsZero() || s.now().Before(item.expiresAt)
}

func (s *MemoryStore) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return s.failWith
	}
	s.items[key] = memoryItem{value: append([]byte(nil), value...), expiresAt: s.expiry(ttl)}
	return nil
}

func (s *MemoryStore) PutMany(_ context.Context, entries []Entry, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return s.failWith
	}
	exp := s.expiry(ttl)
	for _, e := range entries {
		s.items[e.Key] = memoryItem{value: append([]byte(nil), e.Value...), expiresAt: exp}
	}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return nil, false, s.failWith
	}
	item, ok := s.items[key]
	if !ok {
		return nil, false, nil
	}
	if !s.alive(item) {
		delete(s.items, key)
		return nil, false, nil
	}
	return append([]byte(nil), item.value...), true, nil
}

func (s *MemoryStore) Delete(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return s.failWith
	}
	for _, k := range keys {
		delete(s.items, k)
	}
	return nil
}

// ScanPrefix делает снимок подходящих ключей под блокировкой и отдает их по одному,
// так что вызывающий может менять хранилище во время обхода.
func (s *MemoryStore) ScanPrefix(_ context.Context, prefix string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		s.mu.Lock()
		if s.failWith != nil {
			err := s.failWith
			s.mu.Unlock()
			yield("", err)
			return
		}
		keys := make([]string, 0)
		for k, item := range s.items {
			if strings.HasPrefix(k, prefix) && s.alive(item) {
				keys = append(keys, k)
			}
		}
		s.mu.Unlock()

		sort.Strings(keys)
		for _, k := range keys {
			if !yield(k, nil) {
				return
			}
		}
	}
}

// Len returns the number of live keys.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, item := range s.items {
		if s.alive(item) {
			n++
		}
	}
	return n
}

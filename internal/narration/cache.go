package narration

import (
	"context"
	"strings"
	"time"

	"storyfill-server/internal/models"
	"storyfill-server/internal/repository"
	"storyfill-server/internal/storage"

	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

// DefaultCacheTTL - срок жизни записи аудио-кэша.
const DefaultCacheTTL = 7 * 24 * time.Hour

// AudioCache - двухуровневый кэш cache_key -> объект: быстрый уровень в KeyedStore,
// долговременный в аудит-базе. Запись действительна, только пока объект существует.
// Ошибки кэша не фатальны: промах означает новый синтез.
type AudioCache struct {
	store   storage.KeyedStore
	objects storage.ObjectStore
	audit   repository.AuditStore
	ttl     time.Duration
	logger  *zap.Logger
}

func NewAudioCache(store storage.KeyedStore, objects storage.ObjectStore, audit repository.AuditStore, ttl time.Duration, logger *zap.Logger) *AudioCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if audit == nil {
		audit = repository.NopAuditStore{}
	}
	return &AudioCache{
		store:   store,
		objects: objects,
		audit:   audit,
		ttl:     ttl,
		logger:  logger.Named("AudioCache"),
	}
}

// Lookup возвращает живую запись или nil.
func (c *AudioCache) Lookup(ctx context.Context, cacheKey string, now time.Time) *models.TTSAudioCacheEntry {
	if entry := c.lookupFast(ctx, cacheKey); entry != nil {
		return entry
	}

	audioKey, found, err := c.audit.LookupCache(ctx, cacheKey, now)
	if err != nil {
		c.logger.Warn("Audit cache lookup failed", zap.String("cacheKey", cacheKey), zap.Error(err))
		return nil
	}
	if !found || audioKey == "" || !c.objectExists(ctx, audioKey) {
		return nil
	}
	entry := &models.TTSAudioCacheEntry{
		CacheKey:    cacheKey,
		AudioKey:    audioKey,
		ContentType: ContentTypeFromKey(audioKey),
		CreatedAt:   now,
	}
	c.putFast(ctx, entry)
	return entry
}

func (c *AudioCache) lookupFast(ctx context.Context, cacheKey string) *models.TTSAudioCacheEntry {
	key := storage.TTSCacheKey(cacheKey)
	raw, found, err := c.store.Get(ctx, key)
	if err != nil {
		c.logger.Warn("Cache read failed", zap.String("cacheKey", cacheKey), zap.Error(err))
		return nil
	}
	if !found {
		return nil
	}
	var entry models.TTSAudioCacheEntry
	if err := json.Unmarshal(raw, &entry); err != nil || entry.AudioKey == "" {
		c.evict(ctx, key)
		return nil
	}
	if !c.objectExists(ctx, entry.AudioKey) {
		c.logger.Debug("Evicting cache entry without object", zap.String("cacheKey", cacheKey), zap.String("audioKey", entry.AudioKey))
		c.evict(ctx, key)
		return nil
	}
	return &entry
}

func (c *AudioCache) objectExists(ctx context.Context, audioKey string) bool {
	ok, err := c.objects.Exists(ctx, audioKey)
	if err != nil {
		c.logger.Warn("Object existence check failed", zap.String("audioKey", audioKey), zap.Error(err))
		return false
	}
	return ok
}

func (c *AudioCache) evict(ctx context.Context, key string) {
	if err := c.store.Delete(ctx, key); err != nil {
		c.logger.Warn("Cache eviction failed", zap.String("key", key), zap.Error(err))
	}
}

func (c *AudioCache) putFast(ctx context.Context, entry *models.TTSAudioCacheEntry) {
	raw, err := json.Marshal(entry)
	if err != nil {
		c.logger.Error("Failed to encode cache entry", zap.Error(err))
		return
	}
	if err := c.store.Put(ctx, storage.TTSCacheKey(entry.CacheKey), raw, c.ttl); err != nil {
		c.logger.Warn("Cache write failed", zap.String("cacheKey", entry.CacheKey), zap.Error(err))
	}
}

// Set записывает запись в оба уровня.
func (c *AudioCache) Set(ctx context.Context, entry *models.TTSAudioCacheEntry) {
	c.putFast(ctx, entry)
	if err := c.audit.UpsertCache(ctx, entry.CacheKey, entry.AudioKey, entry.CreatedAt.Add(c.ttl)); err != nil {
		c.logger.Warn("Audit cache write failed", zap.String("cacheKey", entry.CacheKey), zap.Error(err))
	}
}

// PurgeRoom удаляет быстрые записи, указывающие на объекты комнаты.
// Записи в аудит-базе остаются: без объекта они не пройдут проверку Lookup.
func (c *AudioCache) PurgeRoom(ctx context.Context, roomCode string) int {
	prefix := roomAudioPrefix(roomCode)
	var stale []string
	for key, err := range c.store.ScanPrefix(ctx, storage.TTSCachePrefix()) {
		if err != nil {
			c.logger.Warn("Cache scan failed", zap.String("roomCode", roomCode), zap.Error(err))
			break
		}
		raw, found, err := c.store.Get(ctx, key)
		if err != nil || !found {
			continue
		}
		var entry models.TTSAudioCacheEntry
		if err := json.Unmarshal(raw, &entry); err != nil || strings.HasPrefix(entry.AudioKey, prefix) {
			stale = append(stale, key)
		}
	}
	if len(stale) > 0 {
		if err := c.store.Delete(ctx, stale...); err != nil {
			c.logger.Warn("Cache purge failed", zap.String("roomCode", roomCode), zap.Error(err))
			return 0
		}
	}
	return len(stale)
}

// Count - число записей быстрого уровня, -1 если хранилище недоступно.
func (c *AudioCache) Count(ctx context.Context) int {
	n := 0
	for _, err := range c.store.ScanPrefix(ctx, storage.TTSCachePrefix()) {
		if err != nil {
			return -1
		}
		n++
	}
	return n
}

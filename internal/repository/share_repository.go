package repository

import (
	"context"
	"fmt"
	"time"

	"storyfill-server/internal/models"
	"storyfill-server/internal/storage"

	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

// ShareTTL - срок жизни публичной ссылки на историю.
const ShareTTL = 7 * 24 * time.Hour

// ShareRepository хранит share-артефакты в KeyedStore и дублирует их в аудит.
// Если ключ в KeyedStore уже истек, чтение пробует аудит.
type ShareRepository struct {
	store  storage.KeyedStore
	audit  AuditStore
	logger *zap.Logger
}

func NewShareRepository(store storage.KeyedStore, audit AuditStore, logger *zap.Logger) *ShareRepository {
	if audit == nil {
		audit = NopAuditStore{}
	}
	return &ShareRepository{
		store:  store,
		audit:  audit,
		logger: logger.Named("ShareRepository"),
	}
}

// Save записывает артефакт. Ошибка аудита только логируется.
func (r *ShareRepository) Save(ctx context.Context, share *models.ShareArtifact) error {
	raw, err := json.Marshal(share)
	if err != nil {
		return fmt.Errorf("failed to encode share %s: %w", share.Token, err)
	}
	ttl := share.ExpiresAt.Sub(share.CreatedAt)
	if ttl <= 0 {
		ttl = ShareTTL
	}
	if err := r.store.Put(ctx, storage.ShareKey(share.Token), raw, ttl); err != nil {
		return fmt.Errorf("failed to save share %s: %w", share.Token, err)
	}
	if err := r.audit.SaveShare(ctx, share); err != nil {
		r.logger.Warn("Failed to mirror share artifact", zap.String("roomCode", share.RoomCode), zap.Error(err))
	}
	return nil
}

// Get возвращает models.ErrShareNotFound для неизвестного или истекшего токена.
func (r *ShareRepository) Get(ctx context.Context, token string, now time.Time) (*models.ShareArtifact, error) {
	if token == "" {
		return nil, models.ErrShareNotFound
	}
	raw, found, err := r.store.Get(ctx, storage.ShareKey(token))
	if err != nil {
		return nil, fmt.Errorf("failed to load share: %w", err)
	}
	if found {
		var share models.ShareArtifact
		if err := json.Unmarshal(raw, &share); err == nil && share.ExpiresAt.After(now) {
			return &share, nil
		}
	}
	share, err := r.audit.GetShare(ctx, token, now)
	if err != nil {
		return nil, err
	}
	return share, nil
}

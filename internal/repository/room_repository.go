package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"storyfill-server/internal/models"
	"storyfill-server/internal/storage"

	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

// RoomRepository хранит агрегат Room в KeyedStore под двумя ключами:
// состояние по id и lookup code -> id. Истечение решается по ttl, а сами ключи
// живут ttl+grace, иначе хранилище удалит комнату раньше, чем ее закроют.
type RoomRepository struct {
	store  storage.KeyedStore
	ttl    time.Duration
	grace  time.Duration
	logger *zap.Logger
}

// NewRoomRepository создает репозиторий. ttl <= 0 заменяется на models.RoomTTL.
func NewRoomRepository(store storage.KeyedStore, ttl time.Duration, logger *zap.Logger) *RoomRepository {
	if ttl <= 0 {
		ttl = models.RoomTTL
	}
	return &RoomRepository{
		store:  store,
		ttl:    ttl,
		grace:  models.RoomStoreGrace,
		logger: logger.Named("RoomRepository"),
	}
}

// TTL - срок неактивности, по которому решается истечение комнаты.
func (r *RoomRepository) TTL() time.Duration {
	return r.ttl
}

// SetStoreGrace задает запас хранения сверх TTL. Значения <= 0 игнорируются.
func (r *RoomRepository) SetStoreGrace(grace time.Duration) {
	if grace > 0 {
		r.grace = grace
	}
}

// StoreTTL - срок жизни ключей комнаты в хранилище (TTL + grace).
func (r *RoomRepository) StoreTTL() time.Duration {
	return r.ttl + r.grace
}

// Save перезаписывает документ комнаты целиком (last-writer-wins).
func (r *RoomRepository) Save(ctx context.Context, room *models.Room) error {
	raw, err := json.Marshal(room)
	if err != nil {
		return fmt.Errorf("failed to encode room %s: %w", room.ID, err)
	}
	entries := []storage.Entry{
		{Key: storage.RoomStateKey(room.ID), Value: raw},
		{Key: storage.RoomCodeKey(room.Code), Value: []byte(room.ID)},
	}
	if err := r.store.PutMany(ctx, entries, r.StoreTTL()); err != nil {
		return fmt.Errorf("failed to save room %s: %w", room.Code, err)
	}
	return nil
}

// GetByCode - двухшаговое чтение code -> id -> state. Если второй шаг промахнулся,
// устаревший lookup удаляется и возвращается ErrRoomNotFound.
func (r *RoomRepository) GetByCode(ctx context.Context, code string) (*models.Room, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return nil, models.ErrRoomNotFound
	}
	codeKey := storage.RoomCodeKey(code)
	rawID, found, err := r.store.Get(ctx, codeKey)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve room code %s: %w", code, err)
	}
	if !found {
		return nil, models.ErrRoomNotFound
	}

	room, err := r.GetByID(ctx, string(rawID))
	if err != nil {
		if errors.Is(err, models.ErrRoomNotFound) {
			r.logger.Debug("Removing stale room code lookup", zap.String("code", code), zap.String("roomID", string(rawID)))
			if delErr := r.store.Delete(ctx, codeKey); delErr != nil {
				return nil, fmt.Errorf("failed to drop stale code %s: %w", code, delErr)
			}
		}
		return nil, err
	}
	return room, nil
}

// GetByID читает документ комнаты. Нечитаемый документ считается отсутствующим.
func (r *RoomRepository) GetByID(ctx context.Context, roomID string) (*models.Room, error) {
	raw, found, err := r.store.Get(ctx, storage.RoomStateKey(roomID))
	if err != nil {
		return nil, fmt.Errorf("failed to load room %s: %w", roomID, err)
	}
	if !found {
		return nil, models.ErrRoomNotFound
	}
	var room models.Room
	if err := json.Unmarshal(raw, &room); err != nil {
		r.logger.Warn("Undecodable room document, treating as absent", zap.String("roomID", roomID), zap.Error(err))
		return nil, models.ErrRoomNotFound
	}
	return &room, nil
}

// Delete удаляет ключи состояния, кода и присутствия.
func (r *RoomRepository) Delete(ctx context.Context, room *models.Room) error {
	err := r.store.Delete(ctx,
		storage.RoomStateKey(room.ID),
		storage.RoomCodeKey(room.Code),
		storage.RoomPresenceKey(room.ID),
	)
	if err != nil {
		return fmt.Errorf("failed to delete room %s: %w", room.Code, err)
	}
	return nil
}

// SavePresence пишет карту playerID -> connected с тем же сроком хранения, что и комната.
func (r *RoomRepository) SavePresence(ctx context.Context, room *models.Room) error {
	presence := make(map[string]bool, len(room.Players))
	for _, p := range room.Players {
		presence[p.ID] = p.Connected
	}
	raw, err := json.Marshal(presence)
	if err != nil {
		return fmt.Errorf("failed to encode presence: %w", err)
	}
	return r.store.Put(ctx, storage.RoomPresenceKey(room.ID), raw, r.StoreTTL())
}

// Scan вызывает fn для каждой сохраненной комнаты. Нечитаемые и исчезнувшие во время
// обхода документы пропускаются. Ошибка fn прерывает обход.
func (r *RoomRepository) Scan(ctx context.Context, fn func(*models.Room) error) error {
	for key, err := range r.store.ScanPrefix(ctx, storage.RoomKeyPrefix()) {
		if err != nil {
			return fmt.Errorf("failed to scan rooms: %w", err)
		}
		roomID, ok := storage.RoomIDFromStateKey(key)
		if !ok {
			continue
		}
		room, err := r.GetByID(ctx, roomID)
		if err != nil {
			if errors.Is(err, models.ErrRoomNotFound) {
				continue
			}
			return err
		}
		if err := fn(room); err != nil {
			return err
		}
	}
	return nil
}

// List загружает все комнаты.
func (r *RoomRepository) List(ctx context.Context) ([]*models.Room, error) {
	rooms := make([]*models.Room, 0)
	err := r.Scan(ctx, func(room *models.Room) error {
		rooms = append(rooms, room)
		return nil
	})
	return rooms, err
}

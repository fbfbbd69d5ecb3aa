package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"storyfill-server/internal/models"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// MigrationsFS - SQL миграции аудита, встроенные в бинарь.
//
//go:embed migrations/*.sql
var MigrationsFS embed.FS

// MigrationsPath - путь внутри MigrationsFS.
const MigrationsPath = "migrations"

// RoundFinalState - итог раунда, сохраняемый при раскрытии истории.
type RoundFinalState struct {
	RoomCode       string           `json:"room_code"`
	RoundID        string           `json:"round_id"`
	TemplateID     string           `json:"template_id"`
	State          models.RoomState `json:"state"`
	StateVersion   int64            `json:"state_version"`
	PlayersTotal   int              `json:"players_total"`
	AssignedTotal  int              `json:"assigned_total"`
	SubmittedTotal int              `json:"submitted_total"`
}

// AuditStore - реляционное зеркало для аудита. Все вызовы best-effort:
// вызывающий логирует ошибку и продолжает основную мутацию.
type AuditStore interface {
	StartSession(ctx context.Context, roomCode, templateID string, createdAt time.Time) (string, error)
	UpdateSessionTemplate(ctx context.Context, sessionID, templateID string) error
	EndSession(ctx context.Context, sessionID, reason string, endedAt time.Time) error
	StartRound(ctx context.Context, sessionID string, roundIndex int, createdAt time.Time) (string, error)
	RecordReveal(ctx context.Context, roundID, story string, final RoundFinalState) error
	RecordModeration(ctx context.Context, event models.ModerationEvent, at time.Time) error
	UpsertJob(ctx context.Context, job *models.TTSJob) error
	UpsertCache(ctx context.Context, cacheKey, audioKey string, expiresAt time.Time) error
	// LookupCache возвращает ключ аудио-объекта для неистекшей записи кэша.
	LookupCache(ctx context.Context, cacheKey string, now time.Time) (string, bool, error)
	SaveShare(ctx context.Context, share *models.ShareArtifact) error
	GetShare(ctx context.Context, token string, now time.Time) (*models.ShareArtifact, error)
}

// DBTX - общий интерфейс пула и транзакции pgx.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Compile-time check
var _ AuditStore = (*PgAuditRepository)(nil)

// PgAuditRepository - AuditStore на PostgreSQL.
type PgAuditRepository struct {
	db     DBTX
	logger *zap.Logger
}

// NewPgAuditRepository создает репозиторий поверх пула pgx.
func NewPgAuditRepository(pool *pgxpool.Pool, logger *zap.Logger) *PgAuditRepository {
	return &PgAuditRepository{
		db:     pool,
		logger: logger.Named("PgAuditRepo"),
	}
}

const insertRoomSessionQuery = `
INSERT INTO room_sessions (id, room_code, template_id, created_at)
VALUES ($1, $2, $3, $4)`

const updateRoomSessionTemplateQuery = `
UPDATE room_sessions SET template_id = $2 WHERE id = $1`

const endRoomSessionQuery = `
UPDATE room_sessions SET ended_at = $2, end_reason = $3
WHERE id = $1 AND ended_at IS NULL`

const insertRoundQuery = `
INSERT INTO rounds (id, room_session_id, round_index, created_at)
VALUES ($1, $2, $3, $4)`

const updateRoundRevealQuery = `
UPDATE rounds SET revealed_story_text = $2, final_state = $3 WHERE id = $1`

const insertModerationEventQuery = `
INSERT INTO moderation_events (id, scope, result, reason_code, created_at)
VALUES ($1, $2, $3, $4, $5)`

const upsertTTSJobQuery = `
INSERT INTO tts_jobs (id, room_code, round_id, provider, voice_id, cache_key, status,
    audio_object_key, error_code, error_message, from_cache, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
ON CONFLICT (id) DO UPDATE SET
    status = EXCLUDED.status,
    audio_object_key = EXCLUDED.audio_object_key,
    error_code = EXCLUDED.error_code,
    error_message = EXCLUDED.error_message,
    updated_at = EXCLUDED.updated_at`

const upsertTTSCacheQuery = `
INSERT INTO tts_cache (cache_key, audio_object_key, expires_at)
VALUES ($1, $2, $3)
ON CONFLICT (cache_key) DO UPDATE SET
    audio_object_key = EXCLUDED.audio_object_key,
    expires_at = EXCLUDED.expires_at`

const lookupTTSCacheQuery = `
SELECT audio_object_key FROM tts_cache WHERE cache_key = $1 AND expires_at > $2`

const insertShareQuery = `
INSERT INTO share_artifacts (share_token, room_code, round_id, rendered_story_text, created_at, expires_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (share_token) DO NOTHING`

const getShareQuery = `
SELECT share_token, room_code, COALESCE(round_id, ''), rendered_story_text, created_at, expires_at
FROM share_artifacts WHERE share_token = $1 AND expires_at > $2`

func (r *PgAuditRepository) StartSession(ctx context.Context, roomCode, templateID string, createdAt time.Time) (string, error) {
	id := uuid.New()
	if _, err := r.db.Exec(ctx, insertRoomSessionQuery, id, roomCode, templateID, createdAt); err != nil {
		r.logger.Warn("Failed to insert room session", zap.String("roomCode", roomCode), zap.Error(err))
		return "", fmt.Errorf("insert room session: %w", err)
	}
	return id.String(), nil
}

func (r *PgAuditRepository) UpdateSessionTemplate(ctx context.Context, sessionID, templateID string) error {
	if _, err := r.db.Exec(ctx, updateRoomSessionTemplateQuery, sessionID, templateID); err != nil {
		return fmt.Errorf("update room session template: %w", err)
	}
	return nil
}

func (r *PgAuditRepository) EndSession(ctx context.Context, sessionID, reason string, endedAt time.Time) error {
	if _, err := r.db.Exec(ctx, endRoomSessionQuery, sessionID, endedAt, reason); err != nil {
		return fmt.Errorf("end room session: %w", err)
	}
	return nil
}

func (r *PgAuditRepository) StartRound(ctx context.Context, sessionID string, roundIndex int, createdAt time.Time) (string, error) {
	id := uuid.New()
	if _, err := r.db.Exec(ctx, insertRoundQuery, id, sessionID, roundIndex, createdAt); err != nil {
		return "", fmt.Errorf("insert round: %w", err)
	}
	return id.String(), nil
}

func (r *PgAuditRepository) RecordReveal(ctx context.Context, roundID, story string, final RoundFinalState) error {
	finalJSON, err := json.Marshal(final)
	if err != nil {
		return fmt.Errorf("encode round final state: %w", err)
	}
	if _, err := r.db.Exec(ctx, updateRoundRevealQuery, roundID, story, finalJSON); err != nil {
		return fmt.Errorf("update round reveal: %w", err)
	}
	return nil
}

func (r *PgAuditRepository) RecordModeration(ctx context.Context, event models.ModerationEvent, at time.Time) error {
	if _, err := r.db.Exec(ctx, insertModerationEventQuery, uuid.New(), event.Scope, event.Result, event.ReasonCode, at); err != nil {
		return fmt.Errorf("insert moderation event: %w", err)
	}
	return nil
}

func (r *PgAuditRepository) UpsertJob(ctx context.Context, job *models.TTSJob) error {
	_, err := r.db.Exec(ctx, upsertTTSJobQuery,
		job.ID, job.RoomCode, job.RoundID, job.Model, job.VoiceID, job.CacheKey, string(job.Status),
		job.AudioKey, job.ErrorCode, job.ErrorMessage, job.FromCache, job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert tts job %s: %w", job.ID, err)
	}
	return nil
}

func (r *PgAuditRepository) UpsertCache(ctx context.Context, cacheKey, audioKey string, expiresAt time.Time) error {
	if _, err := r.db.Exec(ctx, upsertTTSCacheQuery, cacheKey, audioKey, expiresAt); err != nil {
		return fmt.Errorf("upsert tts cache: %w", err)
	}
	return nil
}

func (r *PgAuditRepository) LookupCache(ctx context.Context, cacheKey string, now time.Time) (string, bool, error) {
	var audioKey string
	err := r.db.QueryRow(ctx, lookupTTSCacheQuery, cacheKey, now).Scan(&audioKey)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("lookup tts cache: %w", err)
	}
	return audioKey, audioKey != "", nil
}

func (r *PgAuditRepository) SaveShare(ctx context.Context, share *models.ShareArtifact) error {
	_, err := r.db.Exec(ctx, insertShareQuery,
		share.Token, share.RoomCode, share.RoundID, share.RenderedStory, share.CreatedAt, share.ExpiresAt)
	if err != nil {
		return fmt.Errorf("insert share artifact: %w", err)
	}
	return nil
}

func (r *PgAuditRepository) GetShare(ctx context.Context, token string, now time.Time) (*models.ShareArtifact, error) {
	share := &models.ShareArtifact{}
	err := r.db.QueryRow(ctx, getShareQuery, token, now).Scan(
		&share.Token, &share.RoomCode, &share.RoundID, &share.RenderedStory, &share.CreatedAt, &share.ExpiresAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrShareNotFound
		}
		return nil, fmt.Errorf("get share artifact: %w", err)
	}
	return share, nil
}

// NopAuditStore - AuditStore без БД (аудит выключен).
type NopAuditStore struct{}

// Compile-time check
var _ AuditStore = NopAuditStore{}

func (NopAuditStore) StartSession(context.Context, string, string, time.Time) (string, error) {
	return "", nil
}
func (NopAuditStore) UpdateSessionTemplate(context.Context, string, string) error { return nil }
func (NopAuditStore) EndSession(context.Context, string, string, time.Time) error  { return nil }
func (NopAuditStore) StartRound(context.Context, string, int, time.Time) (string, error) {
	return "", nil
}
func (NopAuditStore) RecordReveal(context.Context, string, string, RoundFinalState) error { return nil }
func (NopAuditStore) RecordModeration(context.Context, models.ModerationEvent, time.Time) error {
	return nil
}
func (NopAuditStore) UpsertJob(context.Context, *models.TTSJob) error                { return nil }
func (NopAuditStore) UpsertCache(context.Context, string, string, time.Time) error { return nil }
func (NopAuditStore) LookupCache(context.Context, string, time.Time) (string, bool, error) {
	return "", false, nil
}
func (NopAuditStore) SaveShare(context.Context, *models.ShareArtifact) error { return nil }
func (NopAuditStore) GetShare(context.Context, string, time.Time) (*models.ShareArtifact, error) {
	return nil, models.ErrShareNotFound
}

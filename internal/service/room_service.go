package service

import (
	"context"
	"errors"
	"time"

	"storyfill-server/internal/auth"
	"storyfill-server/internal/messaging"
	"storyfill-server/internal/models"
	"storyfill-server/internal/ratelimit"
	"storyfill-server/internal/repository"
	"storyfill-server/internal/storage"
	"storyfill-server/internal/templates"

	"go.uber.org/zap"
)

// Причины закрытия комнаты.
const (
	ReasonExpired = "expired"
	ReasonEnded   = "ended"
)

// Narrator - то, что фасад комнат использует из пайплайна озвучки.
type Narrator interface {
	Request(ctx context.Context, roomCode, roundID, story, model, voice string) (*models.TTSJob, error)
	RoomJob(roomCode, roundID string) *models.TTSJob
	Job(jobID string) (*models.TTSJob, error)
	Playback(ctx context.Context, jobID, action string) (*models.TTSJob, error)
	Audio(ctx context.Context, jobID string) (*models.TTSJob, *storage.Object, error)
	ClearRound(roomCode, roundID string)
	PurgeRoom(ctx context.Context, roomCode string)
}

// RateLimiter возвращает *models.RateLimitedError, когда bucket исчерпан.
type RateLimiter interface {
	Allow(ctx context.Context, bucket string, rule ratelimit.Rule) error
}

// Deps - зависимости RoomService.
type Deps struct {
	Rooms       *repository.RoomRepository
	Shares      *repository.ShareRepository
	Audit       repository.AuditStore
	Catalog     *templates.Catalog
	Tokens      *auth.TokenIssuer
	Broadcaster messaging.Broadcaster
	Narrator    Narrator
	Limiter     RateLimiter
	Polisher    Polisher
	// WSURL отдается клиенту при создании комнаты.
	WSURL string
	// WebBaseURL - база для публичных ссылок /s/{token}.
	WebBaseURL string
}

// RoomService - фасад входящих операций над комнатами. Каждая операция:
// загрузка с ленивым истечением, проверки, изменение, сохранение, публикация снимка.
type RoomService struct {
	rooms       *repository.RoomRepository
	shares      *repository.ShareRepository
	audit       repository.AuditStore
	catalog     *templates.Catalog
	tokens      *auth.TokenIssuer
	broadcaster messaging.Broadcaster
	narrator    Narrator
	limiter     RateLimiter
	polisher    Polisher
	wsURL       string
	webBaseURL  string
	logger      *zap.Logger
	now         func() time.Time
}

// NewRoomService создает фасад. Необязательные зависимости заменяются no-op реализациями.
func NewRoomService(deps Deps, logger *zap.Logger) *RoomService {
	if deps.Audit == nil {
		deps.Audit = repository.NopAuditStore{}
	}
	if deps.Broadcaster == nil {
		deps.Broadcaster = messaging.NopBroadcaster{}
	}
	if deps.Polisher == nil {
		deps.Polisher = NopPolisher{}
	}
	if deps.Catalog == nil {
		deps.Catalog = templates.NewCatalog(nil)
	}
	return &RoomService{
		rooms:       deps.Rooms,
		shares:      deps.Shares,
		audit:       deps.Audit,
		catalog:     deps.Catalog,
		tokens:      deps.Tokens,
		broadcaster: deps.Broadcaster,
		narrator:    deps.Narrator,
		limiter:     deps.Limiter,
		polisher:    deps.Polisher,
		wsURL:       deps.WSURL,
		webBaseURL:  deps.WebBaseURL,
		logger:      logger.Named("RoomService"),
		now:         time.Now,
	}
}

// SetClock подменяет часы (для тестов).
func (s *RoomService) SetClock(now func() time.Time) {
	s.now = now
}

// WSURL - адрес realtime канала, который отдается клиентам.
func (s *RoomService) WSURL() string {
	return s.wsURL
}

// load читает комнату по коду. Истекшая комната закрывается прямо здесь.
func (s *RoomService) load(ctx context.Context, code string) (*models.Room, error) {
	room, err := s.rooms.GetByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if room.IsExpired(s.now(), s.rooms.TTL()) {
		s.ExpireRoom(ctx, room, ReasonExpired)
		return nil, models.ErrRoomExpired
	}
	return room, nil
}

// loadRound дополнительно проверяет, что roundID - текущий раунд.
func (s *RoomService) loadRound(ctx context.Context, code, roundID string) (*models.Room, error) {
	room, err := s.load(ctx, code)
	if err != nil {
		return nil, err
	}
	if room.RoundID != roundID {
		return nil, models.ErrRoundNotFound
	}
	return room, nil
}

func (s *RoomService) requireHost(room *models.Room, hostToken string) error {
	return s.tokens.VerifyHost(hostToken, room.ID)
}

func (s *RoomService) requirePlayer(room *models.Room, playerID, playerToken string) (*models.Player, error) {
	player := room.Player(playerID)
	if player == nil {
		return nil, models.ErrPlayerNotFound
	}
	if err := s.tokens.VerifyPlayer(playerToken, room.ID, playerID); err != nil {
		return nil, err
	}
	return player, nil
}

func (s *RoomService) allow(ctx context.Context, bucket string, rule ratelimit.Rule) error {
	if s.limiter == nil {
		return nil
	}
	return s.limiter.Allow(ctx, bucket, rule)
}

func (s *RoomService) save(ctx context.Context, room *models.Room) error {
	if err := s.rooms.Save(ctx, room); err != nil {
		return err
	}
	if err := s.rooms.SavePresence(ctx, room); err != nil {
		s.logger.Warn("Failed to save presence", zap.String("roomCode", room.Code), zap.Error(err))
	}
	return nil
}

// recordActivity продлевает жизнь комнаты без смены версии.
func (s *RoomService) recordActivity(ctx context.Context, room *models.Room) error {
	room.Touch(s.now())
	return s.save(ctx, room)
}

// recordMutation - каждая сохраненная мутация увеличивает state_version.
func (s *RoomService) recordMutation(ctx context.Context, room *models.Room, op string) error {
	room.RecordMutation(s.now())
	if err := s.save(ctx, room); err != nil {
		return err
	}
	roomMutationsTotal.WithLabelValues(op).Inc()
	return nil
}

// ensurePromptsAssigned раздает промпты текущего раунда, если их еще нет.
func (s *RoomService) ensurePromptsAssigned(ctx context.Context, room *models.Room) error {
	if len(room.Prompts) > 0 || len(room.Players) == 0 {
		return nil
	}
	s.ensureAuditSession(ctx, room)
	s.ensureAuditRound(ctx, room)

	changed, err := AssignPrompts(room, s.catalog.Resolve(room.TemplateID), newID)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	return s.recordMutation(ctx, room, "assign_prompts")
}

func (s *RoomService) reassignIfNeeded(ctx context.Context, room *models.Room) error {
	if !ReassignDisconnected(room, s.now()) {
		return nil
	}
	return s.recordMutation(ctx, room, "reassign_prompts")
}

func (s *RoomService) ensureAuditSession(ctx context.Context, room *models.Room) {
	if room.AuditSessionID != nil {
		return
	}
	id, err := s.audit.StartSession(ctx, room.Code, room.TemplateID, room.CreatedAt)
	if err != nil {
		s.logger.Warn("Failed to record room session", zap.String("roomCode", room.Code), zap.Error(err))
		return
	}
	if id != "" {
		room.AuditSessionID = &id
	}
}

func (s *RoomService) ensureAuditRound(ctx context.Context, room *models.Room) {
	if room.AuditRoundID != nil || room.AuditSessionID == nil {
		return
	}
	id, err := s.audit.StartRound(ctx, *room.AuditSessionID, room.RoundIndex, s.now())
	if err != nil {
		s.logger.Warn("Failed to record round", zap.String("roomCode", room.Code), zap.Error(err))
		return
	}
	if id != "" {
		room.AuditRoundID = &id
	}
}

func (s *RoomService) recordModeration(ctx context.Context, scope string, blocked bool) {
	event := models.ModerationEvent{Scope: scope, Result: models.ModerationResultPass}
	if blocked {
		reason := models.ModerationReasonBlockedLanguage
		event.Result = models.ModerationResultBlock
		event.ReasonCode = &reason
	}
	moderationDecisionsTotal.WithLabelValues(event.Scope, event.Result).Inc()
	if err := s.audit.RecordModeration(ctx, event, s.now()); err != nil {
		s.logger.Warn("Failed to record moderation event", zap.String("scope", scope), zap.Error(err))
	}
}

// publish рассылает снимок комнаты. Ошибка не влияет на результат операции.
func (s *RoomService) publish(ctx context.Context, room *models.Room) {
	err := s.broadcaster.PublishSnapshot(ctx, messaging.SnapshotEvent{
		RoomCode:     room.Code,
		RoundID:      room.RoundID,
		StateVersion: room.StateVersion,
		Snapshot:     room.Snapshot(),
		Progress:     Progress(room),
	})
	if err != nil {
		s.logger.Warn("Failed to publish room snapshot", zap.String("roomCode", room.Code), zap.Error(err))
	}
}

// ExpireRoom закрывает комнату: конец сессии в аудите, событие room.expired,
// удаление ключей и аудио. Ошибки отдельных шагов логируются и не прерывают остальные.
func (s *RoomService) ExpireRoom(ctx context.Context, room *models.Room, reason string) {
	if room.AuditSessionID != nil {
		if err := s.audit.EndSession(ctx, *room.AuditSessionID, reason, s.now()); err != nil {
			s.logger.Warn("Failed to end room session", zap.String("roomCode", room.Code), zap.Error(err))
		}
	}
	if err := s.broadcaster.PublishExpired(ctx, room.Code, room.RoundID, reason); err != nil {
		s.logger.Warn("Failed to publish room expiry", zap.String("roomCode", room.Code), zap.Error(err))
	}
	if err := s.rooms.Delete(ctx, room); err != nil {
		s.logger.Warn("Failed to delete room keys", zap.String("roomCode", room.Code), zap.Error(err))
	}
	if s.narrator != nil {
		s.narrator.PurgeRoom(ctx, room.Code)
	}
	roomsClosedTotal.WithLabelValues(reason).Inc()
	s.logger.Info("Room closed", zap.String("roomCode", room.Code), zap.String("reason", reason))
}

// AuthorizeStream проверяет токен подписчика realtime канала и готовит
// начальный снимок. Лобби при подключении не стартует.
func (s *RoomService) AuthorizeStream(ctx context.Context, code, token string) (*models.Room, models.RoomProgress, error) {
	room, err := s.rooms.GetByCode(ctx, code)
	if err != nil {
		return nil, models.RoomProgress{}, err
	}
	if room.IsExpired(s.now(), s.rooms.TTL()) {
		return nil, models.RoomProgress{}, models.ErrRoomExpired
	}

	claims, err := s.tokens.Parse(token)
	if err != nil || claims.RoomID != room.ID {
		return nil, models.RoomProgress{}, models.ErrForbidden
	}
	switch claims.Role {
	case auth.RoleHost:
	case auth.RolePlayer:
		if claims.PlayerID == "" || room.Player(claims.PlayerID) == nil {
			return nil, models.RoomProgress{}, models.ErrForbidden
		}
	default:
		return nil, models.RoomProgress{}, models.ErrForbidden
	}

	// начальный снимок best-effort: сбой хранилища не рвет соединение
	if err := s.prepareView(ctx, room, true); err != nil {
		s.logger.Warn("Failed to refresh room for stream", zap.String("roomCode", room.Code), zap.Error(err))
	}
	return room, Progress(room), nil
}

// prepareView - общий шаг чтений: продлить жизнь, отдать промпты отключенных,
// при необходимости раздать промпты.
func (s *RoomService) prepareView(ctx context.Context, room *models.Room, skipLobby bool) error {
	if err := s.recordActivity(ctx, room); err != nil {
		return err
	}
	if err := s.reassignIfNeeded(ctx, room); err != nil {
		return err
	}
	if skipLobby && room.State == models.RoomStateLobbyOpen {
		return nil
	}
	return s.ensurePromptsAssigned(ctx, room)
}

// Job, Playback и Audio - прямой доступ к задачам озвучки по id.
func (s *RoomService) Job(jobID string) (*models.TTSJob, error) {
	return s.narrator.Job(jobID)
}

func (s *RoomService) Playback(ctx context.Context, jobID, action string) (*models.TTSJob, error) {
	return s.narrator.Playback(ctx, jobID, action)
}

func (s *RoomService) Audio(ctx context.Context, jobID string) (*models.TTSJob, *storage.Object, error) {
	job, obj, err := s.narrator.Audio(ctx, jobID)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		s.logger.Warn("Failed to open narration audio", zap.String("jobID", jobID), zap.Error(err))
	}
	return job, obj, err
}

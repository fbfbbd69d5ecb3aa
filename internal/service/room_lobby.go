package service

import (
	"context"
	"fmt"

	"storyfill-server/internal/models"
	"storyfill-server/internal/ratelimit"

	"go.uber.org/zap"
)

// CreateRoom создает комнату в лобби и сразу добавляет в нее хоста первым игроком.
func (s *RoomService) CreateRoom(ctx context.Context, clientIP, templateID, displayName string) (*models.Room, *models.Player, error) {
	if err := s.allow(ctx, ratelimit.IPBucket(clientIP, ratelimit.CreateRoom), ratelimit.CreateRoom); err != nil {
		return nil, nil, err
	}
	name, err := ValidateDisplayName(displayName)
	if err != nil {
		return nil, nil, err
	}
	if templateID != "" {
		if _, ok := s.catalog.Get(templateID); !ok {
			return nil, nil, models.ErrUnknownTemplate
		}
	}

	code, err := newRoomCode()
	if err != nil {
		return nil, nil, err
	}
	roomID := newID("room")
	hostToken, err := s.tokens.IssueHost(roomID, code)
	if err != nil {
		return nil, nil, err
	}
	now := s.now()
	room := &models.Room{
		ID:           roomID,
		Code:         code,
		RoundID:      newID("round"),
		RoundIndex:   0,
		StateVersion: 1,
		State:        models.RoomStateLobbyOpen,
		HostToken:    hostToken,
		TemplateID:   s.catalog.Resolve(templateID).ID,
		CreatedAt:    now,
		UpdatedAt:    now,
		Players:      []models.Player{},
		Prompts:      []models.PromptAssignment{},
	}
	s.ensureAuditSession(ctx, room)
	s.ensureAuditRound(ctx, room)
	if err := s.save(ctx, room); err != nil {
		return nil, nil, err
	}

	host, err := s.addPlayer(ctx, room, name)
	if err != nil {
		return nil, nil, err
	}
	roomsCreatedTotal.Inc()
	s.logger.Info("Room created", zap.String("roomCode", room.Code), zap.String("templateID", room.TemplateID))
	s.publish(ctx, room)
	return room, host, nil
}

// addPlayer выпускает токен игрока и сохраняет комнату. Пустое имя
// заменяется на "Player N".
func (s *RoomService) addPlayer(ctx context.Context, room *models.Room, name string) (*models.Player, error) {
	if len(room.Players) >= models.MaxPlayers {
		return nil, models.ErrRoomFull
	}
	if name == "" {
		name = fmt.Sprintf("Player %d", len(room.Players)+1)
	}
	playerID := newID("player")
	token, err := s.tokens.IssuePlayer(room.ID, room.Code, playerID)
	if err != nil {
		return nil, err
	}
	room.Players = append(room.Players, models.Player{
		ID:          playerID,
		Token:       token,
		DisplayName: name,
		JoinedAt:    s.now(),
		Connected:   true,
	})
	if err := s.recordMutation(ctx, room, "add_player"); err != nil {
		return nil, err
	}
	player := room.Players[len(room.Players)-1]
	return &player, nil
}

// JoinRoom добавляет игрока в открытое лобби.
func (s *RoomService) JoinRoom(ctx context.Context, code, clientIP, displayName string) (*models.Room, *models.Player, error) {
	room, err := s.load(ctx, code)
	if err != nil {
		return nil, nil, err
	}
	if room.State != models.RoomStateLobbyOpen {
		return nil, nil, models.ErrGameAlreadyStarted
	}
	if err := s.allow(ctx, ratelimit.IPBucket(clientIP, ratelimit.JoinRoom), ratelimit.JoinRoom); err != nil {
		return nil, nil, err
	}
	if room.Locked {
		return nil, nil, models.ErrRoomLocked
	}
	if len(room.Players) >= models.MaxPlayers {
		return nil, nil, models.ErrRoomFull
	}
	name, err := ValidateDisplayName(displayName)
	if err != nil {
		return nil, nil, err
	}

	player, err := s.addPlayer(ctx, room, name)
	if err != nil {
		return nil, nil, err
	}
	s.logger.Debug("Player joined", zap.String("roomCode", room.Code), zap.String("playerID", player.ID))
	s.publish(ctx, room)
	return room, player, nil
}

// StartRoom раздает промпты и переводит лобби в сбор ответов.
func (s *RoomService) StartRoom(ctx context.Context, code, hostToken string) (*models.Room, error) {
	room, err := s.load(ctx, code)
	if err != nil {
		return nil, err
	}
	if err := s.requireHost(room, hostToken); err != nil {
		return nil, err
	}
	if room.State != models.RoomStateLobbyOpen {
		return nil, models.ErrGameAlreadyStarted
	}
	if len(room.Players) < models.MinPlayersToStart {
		return nil, models.ErrNotEnoughPlayers
	}
	if err := s.ensurePromptsAssigned(ctx, room); err != nil {
		return nil, err
	}
	if err := s.recordActivity(ctx, room); err != nil {
		return nil, err
	}
	s.logger.Info("Room started", zap.String("roomCode", room.Code), zap.Int("players", len(room.Players)))
	s.publish(ctx, room)
	return room, nil
}

// EndRoom - явное закрытие хостом, с той же очисткой, что и при истечении.
func (s *RoomService) EndRoom(ctx context.Context, code, hostToken string) error {
	room, err := s.load(ctx, code)
	if err != nil {
		return err
	}
	if err := s.requireHost(room, hostToken); err != nil {
		return err
	}
	s.ExpireRoom(ctx, room, ReasonEnded)
	return nil
}

// LeaveRoom - игрок выходит сам; его неотправленные промпты сразу раздаются.
func (s *RoomService) LeaveRoom(ctx context.Context, code, playerID, playerToken string) error {
	room, err := s.load(ctx, code)
	if err != nil {
		return err
	}
	if _, err := s.requirePlayer(room, playerID, playerToken); err != nil {
		return err
	}
	if err := s.removePlayer(ctx, room, playerID, "leave"); err != nil {
		return err
	}
	s.publish(ctx, room)
	return nil
}

// KickPlayer - хост удаляет игрока.
func (s *RoomService) KickPlayer(ctx context.Context, code, hostToken, playerID string) (*models.Room, error) {
	room, err := s.load(ctx, code)
	if err != nil {
		return nil, err
	}
	if err := s.requireHost(room, hostToken); err != nil {
		return nil, err
	}
	if err := s.removePlayer(ctx, room, playerID, "kick"); err != nil {
		return nil, err
	}
	s.publish(ctx, room)
	return room, nil
}

func (s *RoomService) removePlayer(ctx context.Context, room *models.Room, playerID, op string) error {
	if err := RemovePlayer(room, playerID); err != nil {
		return err
	}
	if err := s.recordMutation(ctx, room, op); err != nil {
		return err
	}
	s.logger.Debug("Player removed", zap.String("roomCode", room.Code), zap.String("playerID", playerID), zap.String("op", op))
	return nil
}

// DisconnectPlayer отмечает игрока отключенным. Его промпты уйдут другим
// только после DisconnectGrace.
func (s *RoomService) DisconnectPlayer(ctx context.Context, code, playerID, playerToken string) error {
	room, err := s.load(ctx, code)
	if err != nil {
		return err
	}
	player, err := s.requirePlayer(room, playerID, playerToken)
	if err != nil {
		return err
	}
	now := s.now()
	player.Connected = false
	player.DisconnectedAt = &now
	if err := s.recordMutation(ctx, room, "disconnect"); err != nil {
		return err
	}
	s.publish(ctx, room)
	return nil
}

// ReconnectPlayer отмечает игрока подключенным и возвращает ему его промпты.
func (s *RoomService) ReconnectPlayer(ctx context.Context, code, playerID, playerToken string) (*models.Room, *models.Player, []models.PromptSummary, error) {
	room, err := s.load(ctx, code)
	if err != nil {
		return nil, nil, nil, err
	}
	player, err := s.requirePlayer(room, playerID, playerToken)
	if err != nil {
		return nil, nil, nil, err
	}
	player.Connected = true
	player.DisconnectedAt = nil
	if err := s.recordMutation(ctx, room, "reconnect"); err != nil {
		return nil, nil, nil, err
	}
	if room.State != models.RoomStateLobbyOpen {
		if err := s.ensurePromptsAssigned(ctx, room); err != nil {
			return nil, nil, nil, err
		}
		if ReclaimPrompts(room, playerID) {
			if err := s.recordMutation(ctx, room, "reclaim_prompts"); err != nil {
				return nil, nil, nil, err
			}
		}
	}
	s.publish(ctx, room)

	current := *player
	return room, &current, models.Summaries(room.PlayerPrompts(playerID)), nil
}

// Snapshot - снимок комнаты для хоста.
func (s *RoomService) Snapshot(ctx context.Context, code, hostToken string) (*models.Room, error) {
	room, err := s.load(ctx, code)
	if err != nil {
		return nil, err
	}
	if err := s.requireHost(room, hostToken); err != nil {
		return nil, err
	}
	if err := s.recordActivity(ctx, room); err != nil {
		return nil, err
	}
	return room, nil
}

// SetLocked закрывает или открывает вход в комнату. Повтор того же значения ничего не меняет.
func (s *RoomService) SetLocked(ctx context.Context, code, hostToken string, locked bool) (*models.Room, error) {
	room, err := s.load(ctx, code)
	if err != nil {
		return nil, err
	}
	if err := s.requireHost(room, hostToken); err != nil {
		return nil, err
	}
	if room.Locked != locked {
		room.Locked = locked
		op := "unlock"
		if locked {
			op = "lock"
		}
		if err := s.recordMutation(ctx, room, op); err != nil {
			return nil, err
		}
	}
	s.publish(ctx, room)
	return room, nil
}

// SetTemplate меняет шаблон, пока комната в лобби.
func (s *RoomService) SetTemplate(ctx context.Context, code, hostToken, templateID string) (*models.Room, error) {
	room, err := s.load(ctx, code)
	if err != nil {
		return nil, err
	}
	if err := s.requireHost(room, hostToken); err != nil {
		return nil, err
	}
	if room.State != models.RoomStateLobbyOpen {
		return nil, models.ErrGameAlreadyStarted
	}
	if _, ok := s.catalog.Get(templateID); !ok {
		return nil, models.ErrUnknownTemplate
	}
	if room.TemplateID != templateID {
		room.TemplateID = templateID
		if err := s.recordMutation(ctx, room, "set_template"); err != nil {
			return nil, err
		}
		if room.AuditSessionID != nil {
			if err := s.audit.UpdateSessionTemplate(ctx, *room.AuditSessionID, templateID); err != nil {
				s.logger.Warn("Failed to update session template", zap.String("roomCode", room.Code), zap.Error(err))
			}
		}
	}
	s.publish(ctx, room)
	return room, nil
}

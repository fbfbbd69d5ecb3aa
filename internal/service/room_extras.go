package service

import (
	"context"
	"strings"

	"storyfill-server/internal/models"
	"storyfill-server/internal/moderation"
	"storyfill-server/internal/ratelimit"
	"storyfill-server/internal/repository"
	"storyfill-server/internal/templates"

	"go.uber.org/zap"
)

// NarrationStatus возвращает задачу озвучки текущего раунда или nil.
func (s *RoomService) NarrationStatus(ctx context.Context, code, roundID string) (*models.TTSJob, error) {
	room, err := s.loadRound(ctx, code, roundID)
	if err != nil {
		return nil, err
	}
	if err := s.recordActivity(ctx, room); err != nil {
		return nil, err
	}
	return s.narrator.RoomJob(room.Code, room.RoundID), nil
}

// RequestNarration ставит озвучку раскрытой истории. Пустые model и voice
// означают значения по умолчанию.
func (s *RoomService) RequestNarration(ctx context.Context, code, roundID, hostToken, model, voice string) (*models.TTSJob, error) {
	room, err := s.loadRound(ctx, code, roundID)
	if err != nil {
		return nil, err
	}
	if err := s.requireHost(room, hostToken); err != nil {
		return nil, err
	}
	if room.RevealedStory == nil {
		return nil, models.ErrStoryNotRevealed
	}
	if err := s.allow(ctx, ratelimit.RoomBucket(room.Code, ratelimit.TTSRequest), ratelimit.TTSRequest); err != nil {
		return nil, err
	}

	job, err := s.narrator.Request(ctx, room.Code, room.RoundID, *room.RevealedStory, model, voice)
	if err != nil {
		return nil, err
	}
	jobID := job.ID
	room.TTSJobID = &jobID
	if err := s.recordActivity(ctx, room); err != nil {
		return nil, err
	}
	return job, nil
}

// ShareStory создает публичную ссылку на раскрытую историю.
func (s *RoomService) ShareStory(ctx context.Context, code, roundID, hostToken string) (*models.ShareArtifact, error) {
	room, err := s.loadRound(ctx, code, roundID)
	if err != nil {
		return nil, err
	}
	if err := s.requireHost(room, hostToken); err != nil {
		return nil, err
	}
	if room.RevealedStory == nil {
		return nil, models.ErrStoryNotRevealed
	}
	if err := s.recordActivity(ctx, room); err != nil {
		return nil, err
	}

	now := s.now()
	share := &models.ShareArtifact{
		Token:         newShareToken(),
		RoomCode:      room.Code,
		RoundID:       room.RoundID,
		RenderedStory: *room.RevealedStory,
		CreatedAt:     now,
		ExpiresAt:     now.Add(repository.ShareTTL),
	}
	if err := s.shares.Save(ctx, share); err != nil {
		return nil, err
	}
	s.logger.Debug("Share link created", zap.String("roomCode", room.Code), zap.String("roundID", room.RoundID))
	return share, nil
}

// ShareURL - публичный адрес ссылки.
func (s *RoomService) ShareURL(token string) string {
	return strings.TrimRight(s.webBaseURL, "/") + "/s/" + token
}

// GetShare возвращает models.ErrShareNotFound для неизвестного или истекшего токена.
func (s *RoomService) GetShare(ctx context.Context, token string) (*models.ShareArtifact, error) {
	return s.shares.Get(ctx, token, s.now())
}

// Templates - список шаблонов каталога.
func (s *RoomService) Templates() []templates.Summary {
	return s.catalog.Summaries()
}

// Template возвращает определение шаблона или models.ErrTemplateNotFound.
func (s *RoomService) Template(id string) (templates.Definition, error) {
	def, ok := s.catalog.Get(id)
	if !ok {
		return templates.Definition{}, models.ErrTemplateNotFound
	}
	return def, nil
}

// SoloPolishResult - ответ одиночного режима.
type SoloPolishResult struct {
	PolishedStory     string  `json:"polished_story"`
	ModerationBlocked bool    `json:"moderation_blocked"`
	BlockMessage      *string `json:"block_message"`
}

// SoloPolish правит грамматику истории одиночной игры. Заблокированный
// текст возвращается без изменений с причиной.
func (s *RoomService) SoloPolish(ctx context.Context, clientIP, story string) (*SoloPolishResult, error) {
	if err := s.allow(ctx, ratelimit.IPBucket(clientIP, ratelimit.SoloPolish), ratelimit.SoloPolish); err != nil {
		return nil, err
	}
	if reason, blocked := moderation.BlockReason(story); blocked {
		return &SoloPolishResult{PolishedStory: story, ModerationBlocked: true, BlockMessage: &reason}, nil
	}
	polished, err := s.polisher.Polish(ctx, story)
	if err != nil {
		s.logger.Warn("Solo polish failed, returning raw story", zap.Error(err))
		polished = story
	}
	return &SoloPolishResult{PolishedStory: polished}, nil
}

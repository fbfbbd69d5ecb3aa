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

// RevealBlockedMessage - отказ в раскрытии истории с запрещенной лексикой.
const RevealBlockedMessage = "We couldn't reveal this story because it includes language we can't accept. " +
	"Please replay and try different responses."

func inRoundStates(state models.RoomState) bool {
	switch state {
	case models.RoomStateCollectingPrompts, models.RoomStateAllSubmitted, models.RoomStateRevealed:
		return true
	}
	return false
}

// PlayerPrompts возвращает промпты, назначенные игроку в текущем раунде.
func (s *RoomService) PlayerPrompts(ctx context.Context, code, roundID, playerID, playerToken string) ([]models.PromptSummary, error) {
	room, err := s.loadRound(ctx, code, roundID)
	if err != nil {
		return nil, err
	}
	if _, err := s.requirePlayer(room, playerID, playerToken); err != nil {
		return nil, err
	}
	if !inRoundStates(room.State) {
		return nil, models.ErrGameNotStarted
	}
	if err := s.prepareView(ctx, room, false); err != nil {
		return nil, err
	}
	return models.Summaries(room.PlayerPrompts(playerID)), nil
}

// SubmitPrompt сохраняет ответ игрока. Последний ответ раунда переводит
// комнату в AllSubmitted.
func (s *RoomService) SubmitPrompt(ctx context.Context, code, roundID, promptID, playerID, playerToken, value string) error {
	room, err := s.loadRound(ctx, code, roundID)
	if err != nil {
		return err
	}
	if room.State != models.RoomStateCollectingPrompts {
		return models.ErrCollectionClosed
	}
	if room.RevealedStory != nil {
		return models.ErrStoryAlreadyRevealed
	}
	if _, err := s.requirePlayer(room, playerID, playerToken); err != nil {
		return err
	}
	if err := s.allow(ctx, ratelimit.PlayerBucket(room.Code, playerID, ratelimit.SubmitPrompt), ratelimit.SubmitPrompt); err != nil {
		return err
	}
	if err := s.reassignIfNeeded(ctx, room); err != nil {
		return err
	}
	if err := s.ensurePromptsAssigned(ctx, room); err != nil {
		return err
	}

	prompt := room.Prompt(promptID)
	if prompt == nil || prompt.AssignedTo != playerID {
		return models.ErrPromptNotFound
	}
	if prompt.IsSubmitted() {
		return models.ErrPromptAlreadySubmitted
	}
	if err := s.checkPromptValue(ctx, value, prompt.Type); err != nil {
		return err
	}

	now := s.now()
	prompt.Value = &value
	prompt.SubmittedAt = &now
	if IsReadyToReveal(room) {
		if err := Transition(room, models.RoomStateAllSubmitted); err != nil {
			return err
		}
	}
	if err := s.recordMutation(ctx, room, "submit_prompt"); err != nil {
		return err
	}
	s.publish(ctx, room)
	return nil
}

// checkPromptValue - формат, затем модерация с записью решения.
func (s *RoomService) checkPromptValue(ctx context.Context, value, slotType string) error {
	if err := promptFormatError(value, slotType); err != nil {
		return err
	}
	reason, blocked := moderation.BlockReason(strings.TrimSpace(value))
	s.recordModeration(ctx, models.ModerationScopePrompt, blocked)
	if blocked {
		return &models.ModerationBlockedError{Reason: reason}
	}
	return nil
}

// Progress - счетчики раунда. Для начатой игры заодно раздает промпты.
func (s *RoomService) Progress(ctx context.Context, code, roundID string) (models.RoomProgress, error) {
	room, err := s.loadRound(ctx, code, roundID)
	if err != nil {
		return models.RoomProgress{}, err
	}
	if err := s.prepareView(ctx, room, true); err != nil {
		return models.RoomProgress{}, err
	}
	return Progress(room), nil
}

// Reveal собирает историю раунда. Повторный вызов возвращает уже раскрытую историю.
func (s *RoomService) Reveal(ctx context.Context, code, hostToken string) (*models.Room, string, error) {
	room, err := s.load(ctx, code)
	if err != nil {
		return nil, "", err
	}
	if err := s.requireHost(room, hostToken); err != nil {
		return nil, "", err
	}
	if !inRoundStates(room.State) {
		return nil, "", models.ErrGameNotStarted
	}
	if err := s.reassignIfNeeded(ctx, room); err != nil {
		return nil, "", err
	}
	if err := s.ensurePromptsAssigned(ctx, room); err != nil {
		return nil, "", err
	}
	if !IsReadyToReveal(room) {
		return nil, "", models.ErrNotReadyToReveal
	}

	story, err := s.revealStory(ctx, room)
	if err != nil {
		return nil, "", err
	}
	s.publish(ctx, room)
	return room, story, nil
}

func (s *RoomService) revealStory(ctx context.Context, room *models.Room) (string, error) {
	if room.RevealedStory != nil {
		return *room.RevealedStory, nil
	}

	tpl := s.catalog.Resolve(room.TemplateID)
	story := templates.Render(tpl, templates.ValuesBySlot(room.Prompts))
	polished, err := s.polisher.Polish(ctx, story)
	if err != nil {
		s.logger.Warn("Story polish failed, using raw story", zap.String("roomCode", room.Code), zap.Error(err))
		polished = story
	}
	story = polished

	_, blocked := moderation.BlockReason(story)
	s.recordModeration(ctx, models.ModerationScopeStory, blocked)
	if blocked {
		return "", &models.ModerationBlockedError{Reason: RevealBlockedMessage}
	}

	now := s.now()
	room.RevealedStory = &story
	room.RevealedAt = &now
	if err := Transition(room, models.RoomStateRevealed); err != nil {
		return "", err
	}
	if err := s.recordMutation(ctx, room, "reveal"); err != nil {
		return "", err
	}
	storiesRevealedTotal.Inc()

	if room.AuditRoundID != nil {
		progress := Progress(room)
		final := repository.RoundFinalState{
			RoomCode:       room.Code,
			RoundID:        room.RoundID,
			TemplateID:     room.TemplateID,
			State:          room.State,
			StateVersion:   room.StateVersion,
			PlayersTotal:   len(room.Players),
			AssignedTotal:  progress.AssignedTotal,
			SubmittedTotal: progress.SubmittedTotal,
		}
		if err := s.audit.RecordReveal(ctx, *room.AuditRoundID, story, final); err != nil {
			s.logger.Warn("Failed to record reveal", zap.String("roomCode", room.Code), zap.Error(err))
		}
	}
	s.logger.Info("Story revealed", zap.String("roomCode", room.Code), zap.String("roundID", room.RoundID))
	return story, nil
}

// Story возвращает раскрытую историю текущего раунда.
func (s *RoomService) Story(ctx context.Context, code, roundID string) (*models.Room, error) {
	room, err := s.loadRound(ctx, code, roundID)
	if err != nil {
		return nil, err
	}
	if room.RevealedStory == nil {
		return nil, models.ErrStoryNotRevealed
	}
	if err := s.recordActivity(ctx, room); err != nil {
		return nil, err
	}
	return room, nil
}

// Replay начинает новый раунд с теми же игроками. Промпты раздаются лениво
// при первом обращении; задача озвучки прошлого раунда отвязывается.
func (s *RoomService) Replay(ctx context.Context, code, hostToken string) (*models.Room, error) {
	room, err := s.load(ctx, code)
	if err != nil {
		return nil, err
	}
	if err := s.requireHost(room, hostToken); err != nil {
		return nil, err
	}
	if !inRoundStates(room.State) {
		return nil, models.ErrGameNotStarted
	}

	previous := room.RoundID
	room.RoundID = newID("round")
	room.RoundIndex++
	room.Prompts = []models.PromptAssignment{}
	room.RevealedStory = nil
	room.RevealedAt = nil
	room.TTSJobID = nil
	room.AuditRoundID = nil
	if err := Transition(room, models.RoomStateCollectingPrompts); err != nil {
		return nil, err
	}
	if s.narrator != nil {
		s.narrator.ClearRound(room.Code, previous)
	}
	s.ensureAuditRound(ctx, room)
	if err := s.recordMutation(ctx, room, "replay"); err != nil {
		return nil, err
	}
	s.logger.Info("Round replayed", zap.String("roomCode", room.Code), zap.Int("roundIndex", room.RoundIndex))
	s.publish(ctx, room)
	return room, nil
}

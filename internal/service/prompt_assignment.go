package service

import (
	"time"

	"storyfill-server/internal/models"
	"storyfill-server/internal/templates"
)

// AssignPrompts раздает каждому игроку (в порядке входа) PromptsPerPlayer слотов
// из шаблона по кругу и переводит комнату в CollectingPrompts.
// Ничего не делает, если промпты уже есть или игроков нет. Возвращает true при изменении.
func AssignPrompts(room *models.Room, tpl templates.Definition, newID func(prefix string) string) (bool, error) {
	if len(room.Prompts) > 0 || len(room.Players) == 0 || len(tpl.Slots) == 0 {
		return false, nil
	}
	if err := Transition(room, models.RoomStateCollectingPrompts); err != nil {
		return false, err
	}

	prompts := make([]models.PromptAssignment, 0, len(room.Players)*models.PromptsPerPlayer)
	poolIndex := 0
	for _, player := range room.Players {
		for i := 0; i < models.PromptsPerPlayer; i++ {
			slot := tpl.Slots[poolIndex%len(tpl.Slots)]
			poolIndex++
			prompts = append(prompts, models.PromptAssignment{
				ID:               newID("prompt"),
				SlotID:           slot.ID,
				Label:            slot.Label,
				Type:             slot.Type,
				OriginalAssignee: player.ID,
				AssignedTo:       player.ID,
			})
		}
	}
	room.Prompts = prompts
	return true, nil
}

// outstandingCounter - жадный выбор исполнителя с наименьшим числом
// неотправленных промптов; при равенстве побеждает первый в порядке кандидатов.
type outstandingCounter struct {
	order  []string
	counts map[string]int
}

func newOutstandingCounter(room *models.Room, candidates []models.Player) *outstandingCounter {
	c := &outstandingCounter{
		order:  make([]string, 0, len(candidates)),
		counts: make(map[string]int, len(candidates)),
	}
	for _, p := range candidates {
		c.order = append(c.order, p.ID)
		c.counts[p.ID] = 0
	}
	for _, prompt := range room.Prompts {
		if _, ok := c.counts[prompt.AssignedTo]; ok && !prompt.IsSubmitted() {
			c.counts[prompt.AssignedTo]++
		}
	}
	return c
}

func (c *outstandingCounter) next() string {
	best := c.order[0]
	for _, id := range c.order[1:] {
		if c.counts[id] < c.counts[best] {
			best = id
		}
	}
	c.counts[best]++
	return best
}

func isStale(p models.Player, now time.Time) bool {
	return !p.Connected && p.DisconnectedAt != nil && !p.DisconnectedAt.Add(models.DisconnectGrace).After(now)
}

// ReassignDisconnected передает неотправленные промпты игроков, отключенных дольше
// DisconnectGrace, подключенным игрокам. Если подключенных нет, кандидатами
// становятся все оставшиеся игроки, у которых grace-период еще не истек.
// Отправленные промпты не трогаются. Возвращает true при изменении.
func ReassignDisconnected(room *models.Room, now time.Time) bool {
	if len(room.Prompts) == 0 {
		return false
	}
	stale := make(map[string]bool)
	for _, p := range room.Players {
		if isStale(p, now) {
			stale[p.ID] = true
		}
	}
	if len(stale) == 0 {
		return false
	}

	candidates := make([]models.Player, 0, len(room.Players))
	for _, p := range room.Players {
		if p.Connected {
			candidates = append(candidates, p)
		}
	}
	if len(candidates) == 0 {
		for _, p := range room.Players {
			if !stale[p.ID] {
				candidates = append(candidates, p)
			}
		}
	}
	if len(candidates) == 0 {
		return false
	}

	counter := newOutstandingCounter(room, candidates)
	changed := false
	for i := range room.Prompts {
		prompt := &room.Prompts[i]
		if stale[prompt.AssignedTo] && !prompt.IsSubmitted() {
			prompt.AssignedTo = counter.next()
			changed = true
		}
	}
	return changed
}

// ReclaimPrompts возвращает переподключившемуся игроку его собственные
// неотправленные промпты, временно отданные другим.
func ReclaimPrompts(room *models.Room, playerID string) bool {
	changed := false
	for i := range room.Prompts {
		prompt := &room.Prompts[i]
		if prompt.OriginalAssignee == playerID && !prompt.IsSubmitted() && prompt.AssignedTo != playerID {
			prompt.AssignedTo = playerID
			changed = true
		}
	}
	return changed
}

// RemovePlayer удаляет игрока и сразу, без grace-периода, раздает его
// неотправленные промпты: сначала подключенным, иначе всем оставшимся.
func RemovePlayer(room *models.Room, playerID string) error {
	idx := -1
	for i, p := range room.Players {
		if p.ID == playerID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return models.ErrPlayerNotFound
	}
	room.Players = append(room.Players[:idx:idx], room.Players[idx+1:]...)

	if len(room.Prompts) == 0 || len(room.Players) == 0 {
		return nil
	}
	candidates := make([]models.Player, 0, len(room.Players))
	for _, p := range room.Players {
		if p.Connected {
			candidates = append(candidates, p)
		}
	}
	if len(candidates) == 0 {
		candidates = room.Players
	}

	counter := newOutstandingCounter(room, candidates)
	for i := range room.Prompts {
		prompt := &room.Prompts[i]
		if prompt.AssignedTo == playerID && !prompt.IsSubmitted() {
			prompt.AssignedTo = counter.next()
		}
	}
	return nil
}

// IsReadyToReveal: хотя бы один промпт и все отправлены.
func IsReadyToReveal(room *models.Room) bool {
	p := Progress(room)
	return p.ReadyToReveal
}

// Progress считает счетчики раунда.
func Progress(room *models.Room) models.RoomProgress {
	var p models.RoomProgress
	p.AssignedTotal = len(room.Prompts)
	for _, prompt := range room.Prompts {
		if prompt.IsSubmitted() {
			p.SubmittedTotal++
		}
	}
	for _, player := range room.Players {
		if player.Connected {
			p.ConnectedTotal++
		} else {
			p.DisconnectedTotal++
		}
	}
	p.ReadyToReveal = p.AssignedTotal > 0 && p.SubmittedTotal >= p.AssignedTotal
	return p
}

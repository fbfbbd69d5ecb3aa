package worker

import (
	"context"
	"time"

	"storyfill-server/internal/models"

	"go.uber.org/zap"
)

// DefaultSweepInterval - период прохода по комнатам.
const DefaultSweepInterval = 60 * time.Second

// RoomScanner перечисляет сохраненные комнаты.
type RoomScanner interface {
	Scan(ctx context.Context, fn func(*models.Room) error) error
	TTL() time.Duration
}

// Expirer закрывает комнату со всей очисткой (аудит, событие, ключи, аудио).
type Expirer interface {
	ExpireRoom(ctx context.Context, room *models.Room, reason string)
}

// Sweeper периодически удаляет комнаты с истекшим TTL неактивности.
type Sweeper struct {
	rooms    RoomScanner
	expirer  Expirer
	interval time.Duration
	reason   string
	logger   *zap.Logger
	now      func() time.Time
}

func NewSweeper(rooms RoomScanner, expirer Expirer, interval time.Duration, logger *zap.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{
		rooms:    rooms,
		expirer:  expirer,
		interval: interval,
		reason:   "expired",
		logger:   logger.Named("Sweeper"),
		now:      time.Now,
	}
}

// SetClock подменяет часы (для тестов).
func (s *Sweeper) SetClock(now func() time.Time) {
	s.now = now
}

// Run крутит проходы до отмены ctx. Ошибки прохода не останавливают цикл.
func (s *Sweeper) Run(ctx context.Context) {
	s.logger.Info("Sweeper started", zap.Duration("interval", s.interval))
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Sweeper stopped")
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce делает один проход и возвращает число закрытых комнат.
func (s *Sweeper) SweepOnce(ctx context.Context) int {
	start := time.Now()
	now := s.now()
	ttl := s.rooms.TTL()

	var expired []*models.Room
	scanned := 0
	err := s.rooms.Scan(ctx, func(room *models.Room) error {
		scanned++
		if room.IsExpired(now, ttl) {
			expired = append(expired, room)
		}
		return nil
	})
	if err != nil {
		// комнаты, найденные до сбоя, все равно закрываем
		sweepErrorsTotal.Inc()
		s.logger.Warn("Room scan failed", zap.Int("scanned", scanned), zap.Error(err))
	}

	for _, room := range expired {
		if ctx.Err() != nil {
			break
		}
		s.expirer.ExpireRoom(ctx, room, s.reason)
	}

	sweepRunsTotal.Inc()
	sweepExpiredTotal.Add(float64(len(expired)))
	sweepDuration.Observe(time.Since(start).Seconds())
	if len(expired) > 0 {
		s.logger.Info("Sweep pass finished", zap.Int("scanned", scanned), zap.Int("expired", len(expired)))
	} else {
		s.logger.Debug("Sweep pass finished", zap.Int("scanned", scanned))
	}
	return len(expired)
}

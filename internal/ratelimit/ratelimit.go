// Package ratelimit - счетчики окон в Redis с локальным запасным лимитером.
package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"storyfill-server/internal/models"
	"storyfill-server/internal/storage"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Rule - лимит на bucket: не более Limit запросов за Window.
type Rule struct {
	Name    string
	Limit   int
	Window  time.Duration
	Message string
}

var (
	CreateRoom = Rule{
		Name: "create_room", Limit: 5, Window: 600 * time.Second,
		Message: "Too many rooms created. Please wait a moment and try again.",
	}
	JoinRoom = Rule{
		Name: "join_room", Limit: 12, Window: 300 * time.Second,
		Message: "Too many join attempts. Please wait a moment and try again.",
	}
	SubmitPrompt = Rule{
		Name: "submit_prompt", Limit: 30, Window: 180 * time.Second,
		Message: "You're submitting too quickly. Please wait a moment and try again.",
	}
	TTSRequest = Rule{
		Name: "tts_request", Limit: 4, Window: 300 * time.Second,
		Message: "Narration requests are rate limited. Please wait a moment and try again.",
	}
	SoloPolish = Rule{
		Name: "solo_polish", Limit: 10, Window: 300 * time.Second,
		Message: "Polish requests are rate limited. Please wait a moment and try again.",
	}
)

// IPBucket - bucket для лимитов по адресу клиента.
func IPBucket(ip string, rule Rule) string {
	if ip == "" {
		ip = "unknown"
	}
	return "ip:" + ip + ":" + rule.Name
}

// PlayerBucket - bucket для лимитов игрока в комнате.
func PlayerBucket(roomCode, playerID string, rule Rule) string {
	return "room:" + roomCode + ":player:" + playerID + ":" + rule.Name
}

// RoomBucket - bucket для лимитов комнаты.
func RoomBucket(roomCode string, rule Rule) string {
	return "room:" + roomCode + ":" + rule.Name
}

const maxLocalBuckets = 10000

// Limiter считает запросы в Redis (INCR + EXPIRE). Если Redis недоступен
// или не настроен, используется лимитер в памяти процесса.
type Limiter struct {
	client redis.Cmdable
	logger *zap.Logger

	mu    sync.Mutex
	local map[string]*rate.Limiter
	now   func() time.Time
}

// New creates a limiter; client may be nil for process-local limiting only.
func New(client redis.Cmdable, logger *zap.Logger) *Limiter {
	return &Limiter{
		client: client,
		logger: logger.Named("RateLimiter"),
		local:  make(map[string]*rate.Limiter),
		now:    time.Now,
	}
}

// Allow возвращает *models.RateLimitedError, если лимит исчерпан.
func (l *Limiter) Allow(ctx context.Context, bucket string, rule Rule) error {
	allowed, retryAfter := l.check(ctx, bucket, rule)
	if allowed {
		return nil
	}
	rateLimitedTotal.WithLabelValues(rule.Name).Inc()
	return &models.RateLimitedError{Message: rule.Message, RetryAfter: retryAfter}
}

func (l *Limiter) check(ctx context.Context, bucket string, rule Rule) (bool, time.Duration) {
	key := storage.RateLimitKey(bucket)
	if l.client == nil {
		return l.localCheck(key, rule)
	}
	allowed, retryAfter, err := l.redisCheck(ctx, key, rule)
	if err != nil {
		l.logger.Warn("Redis rate limit failed, using local limiter", zap.String("bucket", bucket), zap.Error(err))
		return l.localCheck(key, rule)
	}
	return allowed, retryAfter
}

func (l *Limiter) redisCheck(ctx context.Context, key string, rule Rule) (bool, time.Duration, error) {
	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		return false, 0, err
	}
	ttl := rule.Window
	if count == 1 {
		if err := l.client.Expire(ctx, key, rule.Window).Err(); err != nil {
			return false, 0, err
		}
	} else {
		ttl, err = l.client.TTL(ctx, key).Result()
		if err != nil {
			return false, 0, err
		}
		if ttl < 0 {
			// ключ потерял TTL, ставим заново
			if err := l.client.Expire(ctx, key, rule.Window).Err(); err != nil {
				return false, 0, err
			}
			ttl = rule.Window
		}
	}
	if count > int64(rule.Limit) {
		return false, retrySeconds(ttl), nil
	}
	return true, 0, nil
}

func (l *Limiter) localCheck(key string, rule Rule) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	lim, ok := l.local[key]
	if !ok {
		if len(l.local) >= maxLocalBuckets {
			l.local = make(map[string]*rate.Limiter)
		}
		every := rule.Window / time.Duration(rule.Limit)
		lim = rate.NewLimiter(rate.Every(every), rule.Limit)
		l.local[key] = lim
	}
	now := l.now()
	r := lim.ReserveN(now, 1)
	if !r.OK() {
		return false, retrySeconds(rule.Window)
	}
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return false, retrySeconds(delay)
	}
	return true, 0
}

// retrySeconds округляет вверх до целых секунд, минимум одна.
func retrySeconds(d time.Duration) time.Duration {
	secs := math.Ceil(d.Seconds())
	if secs < 1 {
		secs = 1
	}
	return time.Duration(secs) * time.Second
}

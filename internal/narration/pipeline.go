// Package narration озвучивает раскрытые истории: не более одной живой задачи
// на комнату и раунд, кэш по отпечатку контента перед медленным синтезом.
package narration

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"storyfill-server/internal/models"
	"storyfill-server/internal/moderation"
	"storyfill-server/internal/repository"
	"storyfill-server/internal/storage"
	"storyfill-server/pkg/taskmanager"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Причины блокировки озвучки.
const (
	reasonEmptyStory      = "Narration is unavailable because the story is empty."
	reasonBlockedLanguage = "Narration is disabled because the story contains blocked language."
	blockedSuffix         = " Narration is disabled for this round."
	fallbackFailure       = "Narration failed unexpectedly."
)

// DefaultSynthesisTimeout ограничивает один вызов синтеза.
const DefaultSynthesisTimeout = 60 * time.Second

var playbackActions = map[string]models.PlaybackState{
	"play":     models.PlaybackPlaying,
	"resume":   models.PlaybackPlaying,
	"pause":    models.PlaybackPaused,
	"stop":     models.PlaybackStopped,
	"complete": models.PlaybackComplete,
}

// TaskRunner запускает синтез вне контекста запроса.
type TaskRunner interface {
	Submit(ctx context.Context, name string, fn taskmanager.TaskFunc) (uuid.UUID, error)
}

// Config - параметры по умолчанию для задач озвучки.
type Config struct {
	DefaultModel     string
	DefaultVoice     string
	ResponseFormat   string
	SynthesisTimeout time.Duration
}

type roundKey struct {
	roomCode string
	roundID  string
}

// Pipeline владеет таблицей задач и индексом (комната, раунд) -> задача.
// Решение о создании задачи и все изменения таблицы идут под одним mutex.
type Pipeline struct {
	mu        sync.Mutex
	jobs      map[string]*models.TTSJob
	roomIndex map[roundKey]string

	cache   *AudioCache
	objects storage.ObjectStore
	synth   Synthesizer
	tasks   TaskRunner
	audit   repository.AuditStore
	cfg     Config
	logger  *zap.Logger
	now     func() time.Time
}

// NewPipeline создает пайплайн. audit может быть nil.
func NewPipeline(cfg Config, cache *AudioCache, objects storage.ObjectStore, synth Synthesizer, tasks TaskRunner, audit repository.AuditStore, logger *zap.Logger) *Pipeline {
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "openai/tts-1"
	}
	if cfg.DefaultVoice == "" {
		cfg.DefaultVoice = "alloy"
	}
	if cfg.ResponseFormat == "" {
		cfg.ResponseFormat = "mp3"
	}
	if cfg.SynthesisTimeout <= 0 {
		cfg.SynthesisTimeout = DefaultSynthesisTimeout
	}
	if audit == nil {
		audit = repository.NopAuditStore{}
	}
	return &Pipeline{
		jobs:      make(map[string]*models.TTSJob),
		roomIndex: make(map[roundKey]string),
		cache:     cache,
		objects:   objects,
		synth:     synth,
		tasks:     tasks,
		audit:     audit,
		cfg:       cfg,
		logger:    logger.Named("NarrationPipeline"),
		now:       time.Now,
	}
}

func newJobID() string {
	return "tts_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// Request возвращает живую задачу раунда или создает новую:
// blocked при модерации, ready из кэша, иначе queued с синтезом в фоне.
func (p *Pipeline) Request(ctx context.Context, roomCode, roundID, story, model, voice string) (*models.TTSJob, error) {
	if model == "" {
		model = p.cfg.DefaultModel
	}
	if voice == "" {
		voice = p.cfg.DefaultVoice
	}

	p.mu.Lock()
	job, created := p.createLocked(ctx, roundKey{roomCode, roundID}, story, model, voice)
	p.mu.Unlock()
	if !created {
		return job, nil
	}

	// аудит и постановка в очередь идут уже без mutex
	p.mirror(ctx, job)
	if job.Status != models.TTSStatusQueued {
		return job, nil
	}
	return p.enqueue(ctx, job, story), nil
}

// createLocked - решение под mutex: живая задача раунда, blocked, ready из кэша
// или новая queued. created=false, если возвращена уже существующая задача.
func (p *Pipeline) createLocked(ctx context.Context, key roundKey, story, model, voice string) (*models.TTSJob, bool) {
	if existing := p.liveJobLocked(key); existing != nil {
		narrationRequestsTotal.WithLabelValues("existing").Inc()
		return existing, false
	}

	now := p.now()
	job := &models.TTSJob{
		ID:            newJobID(),
		RoomCode:      key.roomCode,
		RoundID:       key.roundID,
		Model:         model,
		VoiceID:       voice,
		CacheKey:      CacheKey(story, model, voice),
		PlaybackState: models.PlaybackIdle,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if reason, blocked := p.blockReason(ctx, story); blocked {
		msg := reason + blockedSuffix
		code := models.TTSErrorSafetyBlocked
		job.Status = models.TTSStatusBlocked
		job.ErrorCode = &code
		job.ErrorMessage = &msg
		narrationRequestsTotal.WithLabelValues("blocked").Inc()
		return p.storeLocked(key, job), true
	}

	if cached := p.cache.Lookup(ctx, job.CacheKey, now); cached != nil {
		audioKey, contentType := cached.AudioKey, cached.ContentType
		job.Status = models.TTSStatusReady
		job.AudioKey = &audioKey
		job.AudioContentType = &contentType
		job.FromCache = true
		narrationRequestsTotal.WithLabelValues("cache_hit").Inc()
		return p.storeLocked(key, job), true
	}

	job.Status = models.TTSStatusQueued
	return p.storeLocked(key, job), true
}

// enqueue отдает queued задачу в task runner. Если очередь не приняла задачу,
// она сразу становится error, чтобы ее можно было запросить снова.
func (p *Pipeline) enqueue(ctx context.Context, job *models.TTSJob, story string) *models.TTSJob {
	jobID, roomCode, roundID := job.ID, job.RoomCode, job.RoundID
	cacheKey, model, voice := job.CacheKey, job.Model, job.VoiceID
	_, err := p.tasks.Submit(ctx, "narration:"+jobID, func(taskCtx context.Context) error {
		return p.synthesize(taskCtx, jobID, roomCode, roundID, story, cacheKey, model, voice)
	})
	if err == nil {
		narrationRequestsTotal.WithLabelValues("queued").Inc()
		return job
	}

	p.logger.Warn("Failed to submit narration task", zap.String("jobID", jobID), zap.Error(err))
	narrationRequestsTotal.WithLabelValues("rejected").Inc()
	p.mu.Lock()
	failed := p.failLocked(jobID, err)
	p.mu.Unlock()
	if failed == nil {
		return job
	}
	p.mirror(ctx, failed)
	return failed
}

func (p *Pipeline) liveJobLocked(key roundKey) *models.TTSJob {
	id, ok := p.roomIndex[key]
	if !ok {
		return nil
	}
	job, ok := p.jobs[id]
	if !ok || !job.Status.IsLive() {
		return nil
	}
	return copyJob(job)
}

// blockReason пишет событие модерации для истории и возвращает причину блокировки.
func (p *Pipeline) blockReason(ctx context.Context, story string) (string, bool) {
	if story == "" {
		reason := models.ModerationReasonEmptyStory
		p.recordModeration(ctx, models.ModerationEvent{Scope: models.ModerationScopeStory, Result: models.ModerationResultBlock, ReasonCode: &reason})
		return reasonEmptyStory, true
	}
	if _, blocked := moderation.BlockReason(story); blocked {
		reason := models.ModerationReasonBlockedLanguage
		p.recordModeration(ctx, models.ModerationEvent{Scope: models.ModerationScopeStory, Result: models.ModerationResultBlock, ReasonCode: &reason})
		return reasonBlockedLanguage, true
	}
	p.recordModeration(ctx, models.ModerationEvent{Scope: models.ModerationScopeStory, Result: models.ModerationResultPass})
	return "", false
}

func (p *Pipeline) recordModeration(ctx context.Context, event models.ModerationEvent) {
	if err := p.audit.RecordModeration(ctx, event, p.now()); err != nil {
		p.logger.Warn("Failed to record moderation event", zap.Error(err))
	}
}

// storeLocked кладет задачу в таблицу и индекс, возвращает копию.
func (p *Pipeline) storeLocked(key roundKey, job *models.TTSJob) *models.TTSJob {
	p.jobs[job.ID] = job
	p.roomIndex[key] = job.ID
	return copyJob(job)
}

// synthesize - тело фоновой задачи. Задача адресуется по id, поэтому после
// replay она доработает, но уже не будет найдена через индекс раунда.
func (p *Pipeline) synthesize(ctx context.Context, jobID, roomCode, roundID, story, cacheKey, model, voice string) error {
	if job := p.update(ctx, jobID, func(j *models.TTSJob) { j.Status = models.TTSStatusGenerating }); job == nil {
		return nil
	}

	callCtx, cancel := context.WithTimeout(ctx, p.cfg.SynthesisTimeout)
	defer cancel()

	format := p.cfg.ResponseFormat
	speech, err := p.synth.Synthesize(callCtx, SpeechRequest{Model: model, Voice: voice, Input: story, Format: format})
	if err != nil {
		p.fail(ctx, jobID, err)
		return err
	}
	contentType := speech.ContentType
	if contentType == "" {
		contentType = ContentTypeFor(format)
	}

	audioKey := AudioKey(roomCode, roundID, cacheKey, format)
	if err := p.objects.Put(ctx, audioKey, speech.Audio, contentType); err != nil {
		err = fmt.Errorf("failed to store narration audio: %w", err)
		p.fail(ctx, jobID, err)
		return err
	}

	p.cache.Set(ctx, &models.TTSAudioCacheEntry{
		CacheKey:    cacheKey,
		AudioKey:    audioKey,
		ContentType: contentType,
		CreatedAt:   p.now(),
	})
	p.update(ctx, jobID, func(j *models.TTSJob) {
		j.Status = models.TTSStatusReady
		j.AudioKey = &audioKey
		j.AudioContentType = &contentType
	})
	narrationJobsFinishedTotal.WithLabelValues("ready").Inc()
	p.logger.Info("Narration ready", zap.String("jobID", jobID), zap.String("roomCode", roomCode), zap.String("audioKey", audioKey))
	return nil
}

func (p *Pipeline) fail(ctx context.Context, jobID string, cause error) {
	p.mu.Lock()
	job := p.failLocked(jobID, cause)
	p.mu.Unlock()
	if job != nil {
		p.mirror(ctx, job)
	}
	narrationJobsFinishedTotal.WithLabelValues("error").Inc()
	p.logger.Warn("Narration failed", zap.String("jobID", jobID), zap.Error(cause))
}

func (p *Pipeline) failLocked(jobID string, cause error) *models.TTSJob {
	job, ok := p.jobs[jobID]
	if !ok {
		return nil
	}
	msg := failureMessage(cause)
	code := models.TTSErrorGenerationFailed
	job.Status = models.TTSStatusError
	job.ErrorCode = &code
	job.ErrorMessage = &msg
	job.UpdatedAt = p.now()
	return copyJob(job)
}

func failureMessage(err error) string {
	if err == nil {
		return fallbackFailure
	}
	msg := err.Error()
	if errors.Is(err, models.ErrSynthesisFailed) {
		msg = strings.TrimPrefix(msg, models.ErrSynthesisFailed.Error()+": ")
	}
	if strings.TrimSpace(msg) == "" {
		return fallbackFailure
	}
	return msg
}

// update меняет задачу под mutex и зеркалирует ее в аудит. nil, если задачи нет.
func (p *Pipeline) update(ctx context.Context, jobID string, fn func(*models.TTSJob)) *models.TTSJob {
	p.mu.Lock()
	job, ok := p.jobs[jobID]
	if !ok {
		p.mu.Unlock()
		return nil
	}
	fn(job)
	job.UpdatedAt = p.now()
	out := copyJob(job)
	p.mu.Unlock()

	p.mirror(ctx, out)
	return out
}

func (p *Pipeline) mirror(ctx context.Context, job *models.TTSJob) {
	if err := p.audit.UpsertJob(ctx, job); err != nil {
		p.logger.Warn("Failed to mirror narration job", zap.String("jobID", job.ID), zap.Error(err))
	}
}

// ClearRound убирает раунд из индекса (replay). Сама задача остается доступной
// по id до PurgeRoom комнаты.
func (p *Pipeline) ClearRound(roomCode, roundID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.roomIndex, roundKey{roomCode, roundID})
}

// PurgeRoom удаляет все задачи комнаты, записи индекса, быстрый кэш на ее
// аудио и объекты под room/{code}/. Аудио, полученное из кэша другой
// комнаты, не трогается. Ошибки удаления объектов логируются.
func (p *Pipeline) PurgeRoom(ctx context.Context, roomCode string) {
	prefix := roomAudioPrefix(roomCode)
	var audioKeys []string
	p.mu.Lock()
	for id, job := range p.jobs {
		if job.RoomCode != roomCode {
			continue
		}
		if !job.FromCache && job.AudioKey != nil && strings.HasPrefix(*job.AudioKey, prefix) {
			audioKeys = append(audioKeys, *job.AudioKey)
		}
		delete(p.jobs, id)
	}
	for key := range p.roomIndex {
		if key.roomCode == roomCode {
			delete(p.roomIndex, key)
		}
	}
	p.mu.Unlock()

	p.cache.PurgeRoom(ctx, roomCode)
	for _, audioKey := range audioKeys {
		if err := p.objects.Delete(ctx, audioKey); err != nil {
			p.logger.Warn("Failed to delete narration audio", zap.String("audioKey", audioKey), zap.Error(err))
		}
	}
}

// Job возвращает копию задачи или models.ErrJobNotFound.
func (p *Pipeline) Job(jobID string) (*models.TTSJob, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	job, ok := p.jobs[jobID]
	if !ok {
		return nil, models.ErrJobNotFound
	}
	return copyJob(job), nil
}

// RoomJob возвращает задачу раунда в любом статусе или nil.
func (p *Pipeline) RoomJob(roomCode, roundID string) *models.TTSJob {
	p.mu.Lock()
	defer p.mu.Unlock()
	id, ok := p.roomIndex[roundKey{roomCode, roundID}]
	if !ok {
		return nil
	}
	job, ok := p.jobs[id]
	if !ok {
		return nil
	}
	return copyJob(job)
}

// Playback применяет действие плеера. Неизвестное действие ничего не меняет.
func (p *Pipeline) Playback(ctx context.Context, jobID, action string) (*models.TTSJob, error) {
	state, ok := playbackActions[action]
	if !ok {
		return nil, models.ErrInvalidPlayback
	}
	job := p.update(ctx, jobID, func(j *models.TTSJob) { j.PlaybackState = state })
	if job == nil {
		return nil, models.ErrJobNotFound
	}
	return job, nil
}

// Audio открывает объект готовой задачи. Закрыть Body обязан вызывающий.
func (p *Pipeline) Audio(ctx context.Context, jobID string) (*models.TTSJob, *storage.Object, error) {
	job, err := p.Job(jobID)
	if err != nil {
		return nil, nil, err
	}
	if job.Status != models.TTSStatusReady || job.AudioKey == nil {
		return nil, nil, fmt.Errorf("audio for job %s: %w", jobID, models.ErrNotFound)
	}
	obj, err := p.objects.Get(ctx, *job.AudioKey)
	if err != nil {
		return nil, nil, fmt.Errorf("audio for job %s: %w", jobID, err)
	}
	if obj.ContentType == "" || obj.ContentType == defaultContentType {
		if job.AudioContentType != nil {
			obj.ContentType = *job.AudioContentType
		}
	}
	return job, obj, nil
}

// Stats - счетчики пайплайна.
type Stats struct {
	RequestsTotal int            `json:"requests_total"`
	JobsByStatus  map[string]int `json:"jobs_by_status"`
	CacheItems    int            `json:"cache_items"`
}

// Stats считает задачи по статусам и обновляет gauge-метрики.
func (p *Pipeline) Stats(ctx context.Context) Stats {
	p.mu.Lock()
	byStatus := make(map[string]int)
	for _, job := range p.jobs {
		byStatus[string(job.Status)]++
	}
	total := len(p.jobs)
	p.mu.Unlock()

	items := p.cache.Count(ctx)
	for _, status := range []models.TTSStatus{
		models.TTSStatusQueued, models.TTSStatusGenerating, models.TTSStatusReady,
		models.TTSStatusBlocked, models.TTSStatusError,
	} {
		jobsByStatus.WithLabelValues(string(status)).Set(float64(byStatus[string(status)]))
	}
	if items >= 0 {
		cacheItems.Set(float64(items))
	}
	return Stats{RequestsTotal: total, JobsByStatus: byStatus, CacheItems: items}
}

func copyJob(job *models.TTSJob) *models.TTSJob {
	out := *job
	return &out
}

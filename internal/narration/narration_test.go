package narration

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"storyfill-server/internal/models"
	"storyfill-server/internal/repository"
	"storyfill-server/internal/storage"
	"storyfill-server/pkg/taskmanager"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeSynthesizer struct {
	calls   atomic.Int32
	err     error
	release chan struct{}
}

func (f *fakeSynthesizer) Synthesize(ctx context.Context, req SpeechRequest) (*Speech, error) {
	f.calls.Add(1)
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return &Speech{Audio: []byte("audio:" + req.Input), ContentType: ContentTypeFor(req.Format)}, nil
}

type recordingAudit struct {
	repository.NopAuditStore
	mu         sync.Mutex
	moderation []models.ModerationEvent
	jobs       map[string]models.TTSStatus
}

func (a *recordingAudit) RecordModeration(_ context.Context, event models.ModerationEvent, _ time.Time) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.moderation = append(a.moderation, event)
	return nil
}

func (a *recordingAudit) UpsertJob(_ context.Context, job *models.TTSJob) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.jobs == nil {
		a.jobs = make(map[string]models.TTSStatus)
	}
	a.jobs[job.ID] = job.Status
	return nil
}

type pipelineFixture struct {
	pipeline *Pipeline
	synth    *fakeSynthesizer
	objects  *storage.MemoryObjectStore
	store    *storage.MemoryStore
	tasks    *taskmanager.TaskManager
}

func newFixture(t *testing.T, synth *fakeSynthesizer) *pipelineFixture {
	t.Helper()
	logger := zap.NewNop()
	store := storage.NewMemoryStore()
	objects := storage.NewMemoryObjectStore()
	tasks := taskmanager.New(taskmanager.Config{MaxTasks: 4}, logger)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = tasks.Shutdown(ctx)
	})
	cache := NewAudioCache(store, objects, nil, 0, logger)
	p := NewPipeline(Config{}, cache, objects, synth, tasks, nil, logger)
	return &pipelineFixture{pipeline: p, synth: synth, objects: objects, store: store, tasks: tasks}
}

func waitStatus(t *testing.T, p *Pipeline, jobID string, status models.TTSStatus) *models.TTSJob {
	t.Helper()
	var job *models.TTSJob
	require.Eventually(t, func() bool {
		var err error
		job, err = p.Job(jobID)
		return err == nil && job.Status == status
	}, 2*time.Second, 10*time.Millisecond)
	return job
}

func TestAudioHelpers(t *testing.T) {
	key := CacheKey("story", "openai/tts-1", "alloy")
	assert.Len(t, key, 64)
	assert.Equal(t, key, CacheKey("story", "openai/tts-1", "alloy"))
	assert.NotEqual(t, key, CacheKey("story", "openai/tts-1", "nova"))

	assert.Equal(t, "room/ABCDEF/round/round_1/"+key+".mp3", AudioKey("ABCDEF", "round_1", key, "MP3"))
	assert.Equal(t, "audio/mpeg", ContentTypeFor("mp3"))
	assert.Equal(t, "application/octet-stream", ContentTypeFor("ogg"))
	assert.Equal(t, "wav", Extension("room/a/b.wav"))
	assert.Equal(t, "", Extension("room/a/b"))
	assert.Equal(t, "audio/wav", ContentTypeFromKey("room/a/b.wav"))
}

func TestPipeline_SynthesizesAndDeduplicates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &fakeSynthesizer{})

	job, err := f.pipeline.Request(ctx, "ABCDEF", "round_1", "A cat went to the moon.", "", "")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(job.ID, "tts_"))
	assert.Len(t, job.ID, len("tts_")+12)
	assert.Equal(t, "openai/tts-1", job.Model)
	assert.Equal(t, "alloy", job.VoiceID)
	assert.Equal(t, models.PlaybackIdle, job.PlaybackState)

	ready := waitStatus(t, f.pipeline, job.ID, models.TTSStatusReady)
	require.NotNil(t, ready.AudioKey)
	assert.False(t, ready.FromCache)
	assert.Equal(t, "audio/mpeg", *ready.AudioContentType)
	assert.Equal(t, []string{*ready.AudioKey}, f.objects.Keys("room/ABCDEF/"))

	again, err := f.pipeline.Request(ctx, "ABCDEF", "round_1", "A cat went to the moon.", "", "")
	require.NoError(t, err)
	assert.Equal(t, job.ID, again.ID, "live job is reused")
	assert.EqualValues(t, 1, f.synth.calls.Load())

	stats := f.pipeline.Stats(ctx)
	assert.Equal(t, 1, stats.RequestsTotal)
	assert.Equal(t, 1, stats.JobsByStatus["ready"])
	assert.Equal(t, 1, stats.CacheItems)
}

func TestPipeline_CacheHitAcrossRounds(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &fakeSynthesizer{})

	first, err := f.pipeline.Request(ctx, "ABCDEF", "round_1", "Same story.", "", "")
	require.NoError(t, err)
	waitStatus(t, f.pipeline, first.ID, models.TTSStatusReady)

	second, err := f.pipeline.Request(ctx, "ABCDEF", "round_2", "Same story.", "", "")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, models.TTSStatusReady, second.Status)
	assert.True(t, second.FromCache)
	assert.EqualValues(t, 1, f.synth.calls.Load())
	assert.Equal(t, "from_cache", models.StatusView(second).Status)
}

func TestPipeline_CacheEntryWithoutObjectIsEvicted(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &fakeSynthesizer{})

	first, err := f.pipeline.Request(ctx, "ABCDEF", "round_1", "Story.", "", "")
	require.NoError(t, err)
	ready := waitStatus(t, f.pipeline, first.ID, models.TTSStatusReady)
	require.NoError(t, f.objects.Delete(ctx, *ready.AudioKey))

	second, err := f.pipeline.Request(ctx, "ZZZZZZ", "round_9", "Story.", "", "")
	require.NoError(t, err)
	assert.False(t, second.FromCache)
	waitStatus(t, f.pipeline, second.ID, models.TTSStatusReady)
	assert.EqualValues(t, 2, f.synth.calls.Load())
}

func TestPipeline_Blocked(t *testing.T) {
	ctx := context.Background()
	audit := &recordingAudit{}
	f := newFixture(t, &fakeSynthesizer{})
	f.pipeline.audit = audit

	t.Run("blocked language", func(t *testing.T) {
		job, err := f.pipeline.Request(ctx, "ABCDEF", "round_1", "The shit hit the fan.", "", "")
		require.NoError(t, err)
		assert.Equal(t, models.TTSStatusBlocked, job.Status)
		require.NotNil(t, job.ErrorCode)
		assert.Equal(t, models.TTSErrorSafetyBlocked, *job.ErrorCode)
		assert.Equal(t, reasonBlockedLanguage+blockedSuffix, *job.ErrorMessage)

		again, err := f.pipeline.Request(ctx, "ABCDEF", "round_1", "The shit hit the fan.", "", "")
		require.NoError(t, err)
		assert.Equal(t, job.ID, again.ID, "blocked job is live")
	})

	t.Run("empty story", func(t *testing.T) {
		job, err := f.pipeline.Request(ctx, "ABCDEF", "round_2", "", "", "")
		require.NoError(t, err)
		assert.Equal(t, models.TTSStatusBlocked, job.Status)
		assert.Equal(t, reasonEmptyStory+blockedSuffix, *job.ErrorMessage)
	})

	assert.Zero(t, f.synth.calls.Load())
	audit.mu.Lock()
	defer audit.mu.Unlock()
	require.Len(t, audit.moderation, 2)
	assert.Equal(t, models.ModerationScopeStory, audit.moderation[0].Scope)
	assert.Equal(t, models.ModerationResultBlock, audit.moderation[0].Result)
	assert.Equal(t, models.ModerationReasonBlockedLanguage, *audit.moderation[0].ReasonCode)
	assert.Equal(t, models.ModerationReasonEmptyStory, *audit.moderation[1].ReasonCode)
}

func TestPipeline_FailureAllowsRetry(t *testing.T) {
	ctx := context.Background()
	synth := &fakeSynthesizer{err: errors.New("upstream exploded")}
	f := newFixture(t, synth)

	job, err := f.pipeline.Request(ctx, "ABCDEF", "round_1", "Story.", "", "")
	require.NoError(t, err)
	failed := waitStatus(t, f.pipeline, job.ID, models.TTSStatusError)
	assert.Equal(t, models.TTSErrorGenerationFailed, *failed.ErrorCode)
	assert.Equal(t, "upstream exploded", *failed.ErrorMessage)

	synth.err = nil
	retry, err := f.pipeline.Request(ctx, "ABCDEF", "round_1", "Story.", "", "")
	require.NoError(t, err)
	assert.NotEqual(t, job.ID, retry.ID, "error is not live")
	waitStatus(t, f.pipeline, retry.ID, models.TTSStatusReady)
}

func TestPipeline_FailureMessage(t *testing.T) {
	assert.Equal(t, fallbackFailure, failureMessage(nil))
	assert.Equal(t, "quota", failureMessage(errors.New("quota")))
	assert.Equal(t, "bad voice", failureMessage(wrapSynth("bad voice")))
}

func wrapSynth(msg string) error {
	return &synthErr{msg: msg}
}

type synthErr struct{ msg string }

func (e *synthErr) Error() string { return models.ErrSynthesisFailed.Error() + ": " + e.msg }
func (e *synthErr) Unwrap() error { return models.ErrSynthesisFailed }

func TestPipeline_PlaybackAndAudio(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &fakeSynthesizer{})

	_, err := f.pipeline.Playback(ctx, "tts_missing", "play")
	assert.ErrorIs(t, err, models.ErrJobNotFound)

	job, err := f.pipeline.Request(ctx, "ABCDEF", "round_1", "Story.", "", "")
	require.NoError(t, err)
	waitStatus(t, f.pipeline, job.ID, models.TTSStatusReady)

	_, err = f.pipeline.Playback(ctx, job.ID, "rewind")
	assert.ErrorIs(t, err, models.ErrInvalidPlayback)

	for action, want := range map[string]models.PlaybackState{
		"play": models.PlaybackPlaying, "pause": models.PlaybackPaused, "resume": models.PlaybackPlaying,
		"stop": models.PlaybackStopped, "complete": models.PlaybackComplete,
	} {
		updated, err := f.pipeline.Playback(ctx, job.ID, action)
		require.NoError(t, err)
		assert.Equal(t, want, updated.PlaybackState, action)
	}

	_, obj, err := f.pipeline.Audio(ctx, job.ID)
	require.NoError(t, err)
	defer obj.Body.Close()
	body, err := io.ReadAll(obj.Body)
	require.NoError(t, err)
	assert.Equal(t, "audio:Story.", string(body))
	assert.Equal(t, "audio/mpeg", obj.ContentType)

	_, _, err = f.pipeline.Audio(ctx, "tts_missing")
	assert.ErrorIs(t, err, models.ErrJobNotFound)
}

func TestPipeline_AudioNotReady(t *testing.T) {
	ctx := context.Background()
	synth := &fakeSynthesizer{release: make(chan struct{})}
	f := newFixture(t, synth)
	defer close(synth.release)

	job, err := f.pipeline.Request(ctx, "ABCDEF", "round_1", "Story.", "", "")
	require.NoError(t, err)
	_, _, err = f.pipeline.Audio(ctx, job.ID)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestPipeline_ClearAndPurge(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &fakeSynthesizer{})

	job, err := f.pipeline.Request(ctx, "ABCDEF", "round_1", "Story one.", "", "")
	require.NoError(t, err)
	waitStatus(t, f.pipeline, job.ID, models.TTSStatusReady)

	f.pipeline.ClearRound("ABCDEF", "round_1")
	assert.Nil(t, f.pipeline.RoomJob("ABCDEF", "round_1"))
	orphan, err := f.pipeline.Job(job.ID)
	require.NoError(t, err, "cleared job stays addressable by id")
	assert.Equal(t, models.TTSStatusReady, orphan.Status)

	second, err := f.pipeline.Request(ctx, "ABCDEF", "round_2", "Story two.", "", "")
	require.NoError(t, err)
	waitStatus(t, f.pipeline, second.ID, models.TTSStatusReady)
	other, err := f.pipeline.Request(ctx, "QWERTY", "round_1", "Story three.", "", "")
	require.NoError(t, err)
	waitStatus(t, f.pipeline, other.ID, models.TTSStatusReady)

	f.pipeline.PurgeRoom(ctx, "ABCDEF")
	assert.Nil(t, f.pipeline.RoomJob("ABCDEF", "round_2"))
	_, err = f.pipeline.Job(job.ID)
	assert.ErrorIs(t, err, models.ErrJobNotFound)
	assert.Empty(t, f.objects.Keys("room/ABCDEF/"))
	assert.NotNil(t, f.pipeline.RoomJob("QWERTY", "round_1"))
	assert.Len(t, f.objects.Keys("room/QWERTY/"), 1)
	assert.Equal(t, 1, f.pipeline.Stats(ctx).CacheItems)
}

func TestPipeline_PurgeKeepsAudioSharedFromCache(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &fakeSynthesizer{})

	origin, err := f.pipeline.Request(ctx, "AAAAAA", "round_1", "Shared story.", "", "")
	require.NoError(t, err)
	ready := waitStatus(t, f.pipeline, origin.ID, models.TTSStatusReady)

	reused, err := f.pipeline.Request(ctx, "BBBBBB", "round_1", "Shared story.", "", "")
	require.NoError(t, err)
	require.True(t, reused.FromCache)
	assert.Equal(t, *ready.AudioKey, *reused.AudioKey)

	f.pipeline.PurgeRoom(ctx, "BBBBBB")
	_, err = f.pipeline.Job(reused.ID)
	assert.ErrorIs(t, err, models.ErrJobNotFound)

	_, obj, err := f.pipeline.Audio(ctx, origin.ID)
	require.NoError(t, err)
	require.NoError(t, obj.Body.Close())
	assert.Len(t, f.objects.Keys("room/AAAAAA/"), 1)
	assert.Equal(t, 1, f.pipeline.Stats(ctx).CacheItems)

	f.pipeline.PurgeRoom(ctx, "AAAAAA")
	assert.Empty(t, f.objects.Keys("room/AAAAAA/"))
}

func TestPipeline_DeduplicatesWhileInFlight(t *testing.T) {
	ctx := context.Background()
	synth := &fakeSynthesizer{release: make(chan struct{})}
	f := newFixture(t, synth)

	first, err := f.pipeline.Request(ctx, "ABCDEF", "round_1", "Story.", "", "")
	require.NoError(t, err)
	assert.Equal(t, models.TTSStatusQueued, first.Status)

	again, err := f.pipeline.Request(ctx, "ABCDEF", "round_1", "Story.", "", "")
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
	assert.True(t, again.Status.IsLive())
	assert.NotEqual(t, models.TTSStatusReady, again.Status)

	ids := make([]string, 16)
	var wg sync.WaitGroup
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			job, err := f.pipeline.Request(ctx, "ABCDEF", "round_1", "Story.", "", "")
			if err == nil {
				ids[i] = job.ID
			}
		}(i)
	}
	wg.Wait()
	for _, id := range ids {
		assert.Equal(t, first.ID, id)
	}

	close(synth.release)
	waitStatus(t, f.pipeline, first.ID, models.TTSStatusReady)
	assert.EqualValues(t, 1, synth.calls.Load())
	assert.Equal(t, 1, f.pipeline.Stats(ctx).RequestsTotal)
}

// stallingAudit зависает на записи задач одной комнаты до release.
type stallingAudit struct {
	repository.NopAuditStore
	roomCode string
	stalled  chan struct{}
	release  chan struct{}
	once     sync.Once
}

func (a *stallingAudit) UpsertJob(_ context.Context, job *models.TTSJob) error {
	if job.RoomCode != a.roomCode {
		return nil
	}
	a.once.Do(func() { close(a.stalled) })
	<-a.release
	return nil
}

func TestPipeline_SlowAuditDoesNotBlockOtherRooms(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &fakeSynthesizer{})
	audit := &stallingAudit{roomCode: "SLOWDB", stalled: make(chan struct{}), release: make(chan struct{})}
	f.pipeline.audit = audit

	slowDone := make(chan *models.TTSJob, 1)
	go func() {
		job, _ := f.pipeline.Request(ctx, "SLOWDB", "round_1", "Slow story.", "", "")
		slowDone <- job
	}()
	<-audit.stalled

	fastDone := make(chan *models.TTSJob, 1)
	go func() {
		job, _ := f.pipeline.Request(ctx, "FASTDB", "round_1", "Fast story.", "", "")
		fastDone <- job
	}()
	select {
	case job := <-fastDone:
		require.NotNil(t, job)
		waitStatus(t, f.pipeline, job.ID, models.TTSStatusReady)
	case <-time.After(2 * time.Second):
		close(audit.release)
		t.Fatal("narration request blocked behind audit write of another room")
	}
	assert.NotNil(t, f.pipeline.RoomJob("SLOWDB", "round_1"), "job is visible before its audit write finishes")

	close(audit.release)
	slow := <-slowDone
	require.NotNil(t, slow)
	waitStatus(t, f.pipeline, slow.ID, models.TTSStatusReady)
}

func TestPipeline_TaskQueueFull(t *testing.T) {
	ctx := context.Background()
	synth := &fakeSynthesizer{release: make(chan struct{})}
	f := newFixture(t, synth)
	defer close(synth.release)

	for i := 0; i < 4; i++ {
		_, err := f.pipeline.Request(ctx, "ROOM0"+string(rune('A'+i)), "round_1", "Story.", "", "")
		require.NoError(t, err)
	}
	job, err := f.pipeline.Request(ctx, "FULLXX", "round_1", "Story.", "", "")
	require.NoError(t, err)
	assert.Equal(t, models.TTSStatusError, job.Status)
	assert.Equal(t, models.TTSErrorGenerationFailed, *job.ErrorCode)
}

func TestSynthesizer_OpenAICompatible(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Path != "/v1/audio/speech" {
			http.NotFound(w, r)
			return
		}
		body, _ := io.ReadAll(r.Body)
		if strings.Contains(string(body), "broken") {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte(`{"error":{"message":"voice unavailable","type":"server_error"}}`))
			return
		}
		w.Header().Set("Content-Type", "audio/mpeg")
		_, _ = w.Write([]byte("ID3fake"))
	}))
	defer srv.Close()

	synth := NewSynthesizer(SynthesizerConfig{ServiceURL: srv.URL + "/", APIKey: "test", FailureThreshold: 2, OpenTimeout: time.Minute}, zap.NewNop())
	ctx := context.Background()

	speech, err := synth.Synthesize(ctx, SpeechRequest{Model: "openai/tts-1", Voice: "alloy", Input: "hello", Format: "mp3"})
	require.NoError(t, err)
	assert.Equal(t, []byte("ID3fake"), speech.Audio)
	assert.Equal(t, "audio/mpeg", speech.ContentType)

	t.Run("provider error", func(t *testing.T) {
		_, err := synth.Synthesize(ctx, SpeechRequest{Model: "openai/tts-1", Voice: "alloy", Input: "broken", Format: "mp3"})
		require.Error(t, err)
		assert.ErrorIs(t, err, models.ErrSynthesisFailed)
		assert.Contains(t, err.Error(), "voice unavailable")
	})

	t.Run("breaker opens", func(t *testing.T) {
		_, err := synth.Synthesize(ctx, SpeechRequest{Model: "openai/tts-1", Voice: "alloy", Input: "broken", Format: "mp3"})
		require.Error(t, err)
		before := hits.Load()
		_, err = synth.Synthesize(ctx, SpeechRequest{Model: "openai/tts-1", Voice: "alloy", Input: "hello", Format: "mp3"})
		require.Error(t, err)
		assert.ErrorIs(t, err, models.ErrSynthesisFailed)
		assert.Contains(t, err.Error(), "narration service unavailable")
		assert.Equal(t, before, hits.Load(), "open breaker does not call the service")
	})
}

package models

import "time"

// TTSStatus - статус задачи синтеза.
type TTSStatus string

const (
	TTSStatusQueued     TTSStatus = "queued"
	TTSStatusGenerating TTSStatus = "generating"
	TTSStatusReady      TTSStatus = "ready"
	TTSStatusBlocked    TTSStatus = "blocked"
	TTSStatusError      TTSStatus = "error"
)

// IsLive - задача в этом статусе блокирует создание новой для того же раунда.
// error сюда не входит: после ошибки можно сразу запросить заново.
func (s TTSStatus) IsLive() bool {
	switch s {
	case TTSStatusQueued, TTSStatusGenerating, TTSStatusReady, TTSStatusBlocked:
		return true
	}
	return false
}

// PlaybackState - состояние воспроизведения, общее для всех зрителей комнаты.
type PlaybackState string

const (
	PlaybackIdle     PlaybackState = "idle"
	PlaybackPlaying  PlaybackState = "playing"
	PlaybackPaused   PlaybackState = "paused"
	PlaybackStopped  PlaybackState = "stopped"
	PlaybackComplete PlaybackState = "complete"
)

// Коды ошибок задачи синтеза.
const (
	TTSErrorSafetyBlocked    = "safety_blocked"
	TTSErrorGenerationFailed = "generation_failed"
)

// TTSJob - задача озвучки истории раунда.
type TTSJob struct {
	ID               string        `json:"id"`
	RoomCode         string        `json:"room_code"`
	RoundID          string        `json:"round_id"`
	Status           TTSStatus     `json:"status"`
	Model            string        `json:"model"`
	VoiceID          string        `json:"voice_id"`
	CacheKey         string        `json:"cache_key"`
	AudioKey         *string       `json:"audio_key"`
	AudioContentType *string       `json:"audio_content_type"`
	ErrorCode        *string       `json:"error_code"`
	ErrorMessage     *string       `json:"error_message"`
	FromCache        bool          `json:"from_cache"`
	PlaybackState    PlaybackState `json:"playback_state"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

// TTSAudioCacheEntry - ссылка на уже синтезированный объект по отпечатку контента.
type TTSAudioCacheEntry struct {
	CacheKey    string    `json:"cache_key"`
	AudioKey    string    `json:"audio_key"`
	ContentType string    `json:"content_type"`
	CreatedAt   time.Time `json:"created_at"`
}

// TTSStatusView - ответ клиенту о состоянии озвучки.
type TTSStatusView struct {
	JobID         *string       `json:"job_id"`
	Status        string        `json:"status"`
	PlaybackState PlaybackState `json:"playback_state"`
	AudioURL      *string       `json:"audio_url"`
	ErrorCode     *string       `json:"error_code"`
	ErrorMessage  *string       `json:"error_message"`
	FromCache     bool          `json:"from_cache"`
}

// StatusView строит ответ; nil-задача превращается в статус "idle".
// Готовая задача из кэша отдается со статусом "from_cache".
func StatusView(job *TTSJob) TTSStatusView {
	if job == nil {
		return TTSStatusView{Status: "idle", PlaybackState: PlaybackIdle}
	}
	id := job.ID
	view := TTSStatusView{
		JobID:         &id,
		Status:        string(job.Status),
		PlaybackState: job.PlaybackState,
		ErrorCode:     job.ErrorCode,
		ErrorMessage:  job.ErrorMessage,
		FromCache:     job.FromCache,
	}
	if job.Status == TTSStatusReady {
		if job.FromCache {
			view.Status = "from_cache"
		}
		if job.AudioKey != nil {
			url := "/v1/tts/jobs/" + job.ID + "/audio"
			view.AudioURL = &url
		}
	}
	return view
}

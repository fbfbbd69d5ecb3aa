package narration

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"storyfill-server/internal/models"

	openaigo "github.com/sashabaranov/go-openai"
	gobreaker "github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

// SpeechRequest - параметры одного вызова синтеза.
type SpeechRequest struct {
	Model  string
	Voice  string
	Input  string
	Format string
}

// Speech - результат синтеза.
type Speech struct {
	Audio       []byte
	ContentType string
}

// Synthesizer превращает текст в аудио. Один вызов - одна попытка.
type Synthesizer interface {
	Synthesize(ctx context.Context, req SpeechRequest) (*Speech, error)
}

// SynthesizerConfig - параметры OpenAI-совместимого /v1/audio/speech.
type SynthesizerConfig struct {
	ServiceURL string
	APIKey     string
	// FailureThreshold - подряд идущих ошибок до размыкания breaker.
	FailureThreshold uint32
	// OpenTimeout - сколько breaker остается разомкнутым.
	OpenTimeout time.Duration
}

// openAISynthesizer вызывает /v1/audio/speech через go-openai
// за circuit breaker: при серии отказов запросы сразу завершаются ошибкой.
type openAISynthesizer struct {
	client  *openaigo.Client
	breaker *gobreaker.CircuitBreaker[*Speech]
	logger  *zap.Logger
}

// NewSynthesizer создает синтезатор для cfg.ServiceURL.
func NewSynthesizer(cfg SynthesizerConfig, logger *zap.Logger) Synthesizer {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	config := openaigo.DefaultConfig(cfg.APIKey)
	config.BaseURL = strings.TrimRight(cfg.ServiceURL, "/") + "/v1"

	log := logger.Named("Synthesizer")
	threshold := cfg.FailureThreshold
	breaker := gobreaker.NewCircuitBreaker[*Speech](gobreaker.Settings{
		Name:        "tts-service",
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("Circuit breaker state changed",
				zap.String("breaker", name), zap.String("from", from.String()), zap.String("to", to.String()))
			breakerState.Set(float64(to))
		},
		// отмена вызывающим не говорит о здоровье сервиса
		IsExcluded: func(err error) bool {
			return errors.Is(err, context.Canceled)
		},
	})

	return &openAISynthesizer{
		client:  openaigo.NewClientWithConfig(config),
		breaker: breaker,
		logger:  log,
	}
}

func (s *openAISynthesizer) Synthesize(ctx context.Context, req SpeechRequest) (*Speech, error) {
	start := time.Now()
	speech, err := s.breaker.Execute(func() (*Speech, error) {
		return s.call(ctx, req)
	})
	synthesisDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			synthesisRequestsTotal.WithLabelValues("breaker_open").Inc()
			return nil, fmt.Errorf("%w: narration service unavailable: %v", models.ErrSynthesisFailed, err)
		}
		synthesisRequestsTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	synthesisRequestsTotal.WithLabelValues("success").Inc()
	return speech, nil
}

func (s *openAISynthesizer) call(ctx context.Context, req SpeechRequest) (*Speech, error) {
	resp, err := s.client.CreateSpeech(ctx, openaigo.CreateSpeechRequest{
		Model:          openaigo.SpeechModel(req.Model),
		Input:          req.Input,
		Voice:          openaigo.SpeechVoice(req.Voice),
		ResponseFormat: openaigo.SpeechResponseFormat(req.Format),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s", models.ErrSynthesisFailed, providerMessage(err))
	}
	defer resp.Close()

	audio, err := io.ReadAll(resp)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read audio: %v", models.ErrSynthesisFailed, err)
	}
	if len(audio) == 0 {
		return nil, fmt.Errorf("%w: empty audio response", models.ErrSynthesisFailed)
	}
	contentType := resp.Header().Get("Content-Type")
	if contentType == "" {
		contentType = ContentTypeFor(req.Format)
	}
	s.logger.Debug("Speech synthesized", zap.String("model", req.Model), zap.Int("bytes", len(audio)))
	return &Speech{Audio: audio, ContentType: contentType}, nil
}

// providerMessage достает текст ошибки провайдера без обертки клиента.
func providerMessage(err error) string {
	var apiErr *openaigo.APIError
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		return apiErr.Message
	}
	var reqErr *openaigo.RequestError
	if errors.As(err, &reqErr) {
		if len(reqErr.Body) > 0 {
			return strings.TrimSpace(string(reqErr.Body))
		}
		if reqErr.Err != nil {
			return reqErr.Err.Error()
		}
	}
	return err.Error()
}

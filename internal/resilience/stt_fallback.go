package resilience

import (
	"context"

	"github.com/kestrelvoice/kestrel/pkg/provider/stt"
)

// STTFallback implements [stt.Provider] with automatic failover across multiple
// streaming transcription backends. Each backend has its own circuit breaker.
// Only session establishment is covered by failover; once a stream is open,
// mid-stream errors are the consumer's responsibility.
type STTFallback struct {
	group *FallbackGroup[stt.Provider]
}

// Compile-time interface assertion.
var _ stt.Provider = (*STTFallback)(nil)

// NewSTTFallback creates an [STTFallback] with primary as the preferred backend.
func NewSTTFallback(primary stt.Provider, primaryName string, cfg FallbackConfig) *STTFallback {
	if cfg.Kind == "" {
		cfg.Kind = "stt"
	}
	return &STTFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional streaming provider as a fallback.
func (f *STTFallback) AddFallback(name string, provider stt.Provider) {
	f.group.AddFallback(name, provider)
}

// StartStream opens a streaming transcription session against the first
// healthy provider.
func (f *STTFallback) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	return ExecuteWithResult(ctx, f.group, func(p stt.Provider) (stt.SessionHandle, error) {
		return p.StartStream(ctx, cfg)
	})
}

// BatchFallback implements [stt.BatchTranscriber] with automatic failover, for
// the buffered transcription strategy.
type BatchFallback struct {
	group *FallbackGroup[stt.BatchTranscriber]
}

// Compile-time interface assertion.
var _ stt.BatchTranscriber = (*BatchFallback)(nil)

// NewBatchFallback creates a [BatchFallback] with primary as the preferred
// backend.
func NewBatchFallback(primary stt.BatchTranscriber, primaryName string, cfg FallbackConfig) *BatchFallback {
	if cfg.Kind == "" {
		cfg.Kind = "stt"
	}
	return &BatchFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional batch transcriber as a fallback.
func (f *BatchFallback) AddFallback(name string, transcriber stt.BatchTranscriber) {
	f.group.AddFallback(name, transcriber)
}

// Transcribe submits the WAV payload to the first healthy transcriber.
func (f *BatchFallback) Transcribe(ctx context.Context, wav []byte) (string, error) {
	return ExecuteWithResult(ctx, f.group, func(t stt.BatchTranscriber) (string, error) {
		return t.Transcribe(ctx, wav)
	})
}

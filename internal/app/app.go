// Package app wires all subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems from config, Run serves until the context is cancelled, and
// Shutdown tears everything down in order.
//
// For testing, inject mock implementations via functional options
// (WithLLM, WithTranscription, etc.). When an option is not provided, New
// creates real implementations from the config.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"golang.org/x/sync/errgroup"

	"github.com/kestrelvoice/kestrel/internal/call"
	"github.com/kestrelvoice/kestrel/internal/calllog"
	"github.com/kestrelvoice/kestrel/internal/config"
	"github.com/kestrelvoice/kestrel/internal/engine"
	"github.com/kestrelvoice/kestrel/internal/health"
	"github.com/kestrelvoice/kestrel/internal/resilience"
	"github.com/kestrelvoice/kestrel/internal/server"
	"github.com/kestrelvoice/kestrel/internal/telephony"
	"github.com/kestrelvoice/kestrel/internal/transcribe"
	"github.com/kestrelvoice/kestrel/pkg/audio"
	"github.com/kestrelvoice/kestrel/pkg/provider/llm"
	"github.com/kestrelvoice/kestrel/pkg/provider/llm/anyllm"
	llmopenai "github.com/kestrelvoice/kestrel/pkg/provider/llm/openai"
	"github.com/kestrelvoice/kestrel/pkg/provider/stt"
	"github.com/kestrelvoice/kestrel/pkg/provider/stt/assemblyai"
	"github.com/kestrelvoice/kestrel/pkg/provider/stt/whisperhttp"
	"github.com/kestrelvoice/kestrel/pkg/provider/tts"
	"github.com/kestrelvoice/kestrel/pkg/provider/tts/fishaudio"
	"github.com/kestrelvoice/kestrel/pkg/types"
)

// App owns all subsystem lifetimes and serves the call-answering pipeline.
type App struct {
	cfg *config.Config

	// Subsystems — initialised in New, torn down in Shutdown.
	sessions *call.Store
	records  calllog.Sink
	llm      llm.Provider
	stream   stt.Provider
	batch    stt.BatchTranscriber
	voice    tts.Provider
	engine   *engine.Engine
	handler  *telephony.Handler
	server   *server.Server

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithCallLog injects a call-log sink instead of creating one from config.
func WithCallLog(sink calllog.Sink) Option {
	return func(a *App) { a.records = sink }
}

// WithLLM injects an LLM provider instead of creating one from config.
func WithLLM(p llm.Provider) Option {
	return func(a *App) { a.llm = p }
}

// WithTranscription injects a streaming STT provider instead of creating one
// from config.
func WithTranscription(p stt.Provider) Option {
	return func(a *App) { a.stream = p }
}

// WithBatchTranscription injects a batch transcriber instead of creating one
// from config.
func WithBatchTranscription(t stt.BatchTranscriber) Option {
	return func(a *App) { a.batch = t }
}

// WithVoice injects a TTS provider instead of creating one from config.
func WithVoice(p tts.Provider) Option {
	return func(a *App) { a.voice = p }
}

// New creates an App by wiring all subsystems together. Use Option functions
// to inject test doubles for any provider or sink.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}

	var storeOpts []call.Option
	if cfg.Calls.GraceSeconds > 0 {
		storeOpts = append(storeOpts, call.WithGracePeriod(time.Duration(cfg.Calls.GraceSeconds)*time.Second))
	}
	a.sessions = call.NewStore(storeOpts...)
	a.closers = append(a.closers, func() error {
		a.sessions.Close()
		return nil
	})

	if err := a.initCallLog(ctx); err != nil {
		return nil, fmt.Errorf("app: init call log: %w", err)
	}
	if err := a.initProviders(); err != nil {
		return nil, fmt.Errorf("app: init providers: %w", err)
	}
	if err := a.initEngine(); err != nil {
		return nil, fmt.Errorf("app: init engine: %w", err)
	}
	if err := a.initServer(); err != nil {
		return nil, fmt.Errorf("app: init server: %w", err)
	}

	return a, nil
}

// initCallLog sets up the PostgreSQL call log, or the bounded in-memory sink
// when no DSN is configured.
func (a *App) initCallLog(ctx context.Context) error {
	if a.records != nil {
		return nil
	}

	if dsn := a.cfg.CallLog.PostgresDSN; dsn != "" {
		sink, err := calllog.NewPostgresSink(ctx, dsn)
		if err != nil {
			return err
		}
		a.records = sink
		a.closers = append(a.closers, func() error {
			sink.Close()
			return nil
		})
		slog.Info("call log backed by postgres")
		return nil
	}

	var memOpts []calllog.MemoryOption
	if a.cfg.CallLog.Keep > 0 {
		memOpts = append(memOpts, calllog.WithKeep(a.cfg.CallLog.Keep))
	}
	a.records = calllog.NewMemorySink(memOpts...)
	slog.Info("call log kept in memory", "keep", a.cfg.CallLog.Keep)
	return nil
}

// initProviders builds the LLM, STT, and TTS providers named in config. Each
// provider is wrapped in a circuit-breaking fallback group; the LLM group
// additionally carries the configured fallback provider.
func (a *App) initProviders() error {
	if err := a.initLLM(); err != nil {
		return err
	}
	if err := a.initSTT(); err != nil {
		return err
	}
	return a.initTTS()
}

func (a *App) initLLM() error {
	if a.llm != nil {
		return nil
	}

	entry := a.cfg.Providers.LLM
	primary, err := buildLLM(entry)
	if err != nil {
		return err
	}

	group := resilience.NewLLMFallback(primary, entry.Name, resilience.FallbackConfig{})
	if fb := a.cfg.Providers.LLMFallback; fb.Name != "" {
		p, err := buildLLM(fb)
		if err != nil {
			return fmt.Errorf("fallback: %w", err)
		}
		group.AddFallback(fb.Name, p)
		slog.Info("llm fallback configured", "primary", entry.Name, "fallback", fb.Name)
	}
	a.llm = group
	return nil
}

// buildLLM constructs one LLM provider from a config entry.
func buildLLM(entry config.ProviderEntry) (llm.Provider, error) {
	switch entry.Name {
	case "openai":
		var opts []llmopenai.Option
		if entry.BaseURL != "" {
			opts = append(opts, llmopenai.WithBaseURL(entry.BaseURL))
		}
		return llmopenai.New(entry.APIKey, entry.Model, opts...)

	case "anthropic", "ollama":
		var opts []anyllmlib.Option
		if entry.APIKey != "" {
			opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
		}
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New(entry.Name, entry.Model, opts...)

	default:
		return nil, fmt.Errorf("unknown llm provider %q", entry.Name)
	}
}

func (a *App) initSTT() error {
	entry := a.cfg.Providers.STT

	switch a.cfg.Transcription.Strategy {
	case config.StrategyStreaming:
		if a.stream != nil {
			return nil
		}
		if entry.Name != "assemblyai" {
			return fmt.Errorf("stt provider %q does not support streaming", entry.Name)
		}
		p, err := assemblyai.New(entry.APIKey, assemblyai.WithSampleRate(audio.STTRate))
		if err != nil {
			return err
		}
		a.stream = resilience.NewSTTFallback(p, entry.Name, resilience.FallbackConfig{})
		return nil

	case config.StrategyBuffered:
		if a.batch != nil {
			return nil
		}
		if entry.Name != "whisper" {
			return fmt.Errorf("stt provider %q does not support batch transcription", entry.Name)
		}
		var opts []whisperhttp.Option
		if entry.Model != "" {
			opts = append(opts, whisperhttp.WithModel(entry.Model))
		}
		if lang := a.cfg.Assistant.Language; lang != "" {
			opts = append(opts, whisperhttp.WithLanguage(lang))
		}
		t, err := whisperhttp.New(entry.BaseURL, opts...)
		if err != nil {
			return err
		}
		a.batch = resilience.NewBatchFallback(t, entry.Name, resilience.FallbackConfig{})
		return nil

	default:
		return fmt.Errorf("unknown transcription strategy %q", a.cfg.Transcription.Strategy)
	}
}

func (a *App) initTTS() error {
	if a.voice != nil {
		return nil
	}

	entry := a.cfg.Providers.TTS
	if entry.Name != "fishaudio" {
		return fmt.Errorf("unknown tts provider %q", entry.Name)
	}

	var opts []fishaudio.Option
	if entry.BaseURL != "" {
		opts = append(opts, fishaudio.WithBaseURL(entry.BaseURL))
	}
	if entry.Model != "" {
		opts = append(opts, fishaudio.WithModel(entry.Model))
	}
	if id := a.cfg.Assistant.VoiceID; id != "" {
		opts = append(opts, fishaudio.WithVoiceID(id))
	}
	p, err := fishaudio.New(entry.APIKey, opts...)
	if err != nil {
		return err
	}
	a.voice = resilience.NewTTSFallback(p, entry.Name, resilience.FallbackConfig{})
	return nil
}

// initEngine builds the reply engine in the configured response mode.
func (a *App) initEngine() error {
	mode := engine.ModeNormal
	if s := a.cfg.Assistant.Mode; s != "" {
		m, err := engine.ParseMode(s)
		if err != nil {
			return err
		}
		mode = m
	}

	opts := []engine.Option{engine.WithMode(mode)}
	if msg := a.cfg.Assistant.CustomMessage; msg != "" {
		opts = append(opts, engine.WithCustomMessage(msg))
	}
	a.engine = engine.New(a.llm, a.sessions, opts...)
	return nil
}

// initServer builds the telephony handler and HTTP server around it.
func (a *App) initServer() error {
	h, err := telephony.NewHandler(a.sessions, a.engine, a.voice, a.consumerFactory(),
		telephony.WithCallLog(a.records),
		telephony.WithVoice(types.VoiceProfile{
			ID:       a.cfg.Assistant.VoiceID,
			Provider: a.cfg.Providers.TTS.Name,
		}),
	)
	if err != nil {
		return err
	}
	a.handler = h

	srv, err := server.New(a.cfg.Server, h, server.WithHealth(health.New(a.checkers()...)))
	if err != nil {
		return err
	}
	a.server = srv
	return nil
}

// consumerFactory returns the per-call transcription consumer constructor for
// the configured strategy.
func (a *App) consumerFactory() telephony.ConsumerFactory {
	if a.cfg.Transcription.Strategy == config.StrategyBuffered {
		// Zero config values keep the consumer's built-in defaults.
		bufOpts := []transcribe.BufferedOption{
			transcribe.WithBufferedErrorHandler(transcriptionErrorLogger),
		}
		if ms := a.cfg.Transcription.FlushMillis; ms > 0 {
			bufOpts = append(bufOpts, transcribe.WithFlushPeriod(time.Duration(ms)*time.Millisecond))
		}
		if ms := a.cfg.Transcription.MinAudioMillis; ms > 0 {
			bufOpts = append(bufOpts, transcribe.WithMinFlush(time.Duration(ms)*time.Millisecond))
		}
		return func(callID string) (transcribe.Consumer, error) {
			return transcribe.NewBuffered(a.batch, callID, audio.STTRate, 1, bufOpts...), nil
		}
	}

	streamCfg := stt.StreamConfig{
		SampleRate: audio.STTRate,
		Channels:   1,
		Language:   a.cfg.Assistant.Language,
	}
	return func(callID string) (transcribe.Consumer, error) {
		return transcribe.NewStreaming(a.stream, callID, streamCfg,
			transcribe.WithStreamingErrorHandler(transcriptionErrorLogger),
		), nil
	}
}

// transcriptionErrorLogger surfaces non-fatal consumer errors (dropped sends,
// failed flushes) that would otherwise vanish in the default no-op handler.
func transcriptionErrorLogger(err error) {
	slog.Warn("transcription degraded", "error", err)
}

// checkers builds the readiness checks for the health handler.
func (a *App) checkers() []health.Checker {
	var checks []health.Checker
	if pg, ok := a.records.(*calllog.PostgresSink); ok {
		checks = append(checks, health.Checker{Name: "call-log", Check: pg.Ping})
	}
	return checks
}

// Run serves until ctx is cancelled, then shuts down.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.server.Run(ctx) })

	err := g.Wait()
	a.Shutdown()
	return err
}

// Shutdown tears down all subsystems in reverse initialisation order. Safe
// to call more than once.
func (a *App) Shutdown() {
	a.stopOnce.Do(func() {
		for i := len(a.closers) - 1; i >= 0; i-- {
			if err := a.closers[i](); err != nil {
				slog.Warn("shutdown error", "err", err)
			}
		}
		slog.Info("app stopped")
	})
}

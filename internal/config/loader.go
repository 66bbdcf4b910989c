package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm": {"openai", "anthropic", "ollama"},
	"stt": {"assemblyai", "whisper"},
	"tts": {"fishaudio"},
}

// validModes lists recognised assistant response modes.
var validModes = []string{"normal", "meeting", "vacation", "off"}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil {
		if tls.CertFile == "" || tls.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	// Providers — the pipeline cannot answer calls without all three stages.
	if cfg.Providers.LLM.Name == "" {
		errs = append(errs, errors.New("providers.llm.name is required"))
	}
	if cfg.Providers.STT.Name == "" {
		errs = append(errs, errors.New("providers.stt.name is required"))
	}
	if cfg.Providers.TTS.Name == "" {
		errs = append(errs, errors.New("providers.tts.name is required"))
	}
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("llm", cfg.Providers.LLMFallback.Name)
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)

	// Assistant
	if cfg.Assistant.Mode != "" && !slices.Contains(validModes, cfg.Assistant.Mode) {
		errs = append(errs, fmt.Errorf("assistant.mode %q is invalid; valid values: normal, meeting, vacation, off", cfg.Assistant.Mode))
	}

	// Transcription
	if cfg.Transcription.Strategy != "" && !cfg.Transcription.Strategy.IsValid() {
		errs = append(errs, fmt.Errorf("transcription.strategy %q is invalid; valid values: streaming, buffered", cfg.Transcription.Strategy))
	}
	if cfg.Transcription.FlushMillis < 0 {
		errs = append(errs, fmt.Errorf("transcription.flush_ms %d must not be negative", cfg.Transcription.FlushMillis))
	}
	if cfg.Transcription.MinAudioMillis < 0 {
		errs = append(errs, fmt.Errorf("transcription.min_audio_ms %d must not be negative", cfg.Transcription.MinAudioMillis))
	}
	if cfg.Transcription.FlushMillis > 0 && cfg.Transcription.MinAudioMillis > cfg.Transcription.FlushMillis {
		slog.Warn("transcription.min_audio_ms exceeds flush_ms; most flushes will be skipped",
			"min_audio_ms", cfg.Transcription.MinAudioMillis,
			"flush_ms", cfg.Transcription.FlushMillis,
		)
	}
	if cfg.Transcription.Strategy == StrategyBuffered && cfg.Providers.STT.Name == "assemblyai" {
		slog.Warn("buffered transcription with a streaming-capable provider; consider strategy: streaming")
	}

	// Calls
	if cfg.Calls.GraceSeconds < 0 {
		errs = append(errs, fmt.Errorf("calls.grace_seconds %d must not be negative", cfg.Calls.GraceSeconds))
	}

	// Call log
	if cfg.CallLog.Keep < 0 {
		errs = append(errs, fmt.Errorf("call_log.keep %d must not be negative", cfg.CallLog.Keep))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}

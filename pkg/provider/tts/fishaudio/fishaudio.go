// Package fishaudio provides a Fish Audio-backed TTS provider using the Fish
// Audio HTTP API. It implements the tts.Provider interface.
//
// Audio is requested in WAV format and unwrapped to linear PCM before being
// returned, so callers always receive raw samples plus the native sample rate.
package fishaudio

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/kestrelvoice/kestrel/pkg/audio"
	"github.com/kestrelvoice/kestrel/pkg/provider/tts"
	"github.com/kestrelvoice/kestrel/pkg/types"
)

const (
	defaultBaseURL = "https://api.fish.audio"
	ttsPath        = "/v1/tts"
	modelsPath     = "/model"

	defaultModel   = "speech-1.6"
	requestFormat  = "wav"
	defaultTimeout = 30 * time.Second
)

// Option is a functional option for configuring the Fish Audio Provider.
type Option func(*Provider)

// WithBaseURL overrides the API base URL, e.g. for a proxy.
func WithBaseURL(baseURL string) Option {
	return func(p *Provider) {
		p.baseURL = baseURL
	}
}

// WithModel sets the Fish Audio model generation (e.g., "speech-1.6").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithVoiceID sets the default reference voice used when the caller's
// VoiceProfile has no ID, e.g. a cloned voice from the Fish Audio console.
func WithVoiceID(voiceID string) Option {
	return func(p *Provider) {
		p.defaultVoiceID = voiceID
	}
}

// WithHTTPClient replaces the HTTP client, e.g. to adjust timeouts.
func WithHTTPClient(client *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = client
	}
}

// Provider implements tts.Provider backed by the Fish Audio HTTP API.
type Provider struct {
	apiKey         string
	baseURL        string
	model          string
	defaultVoiceID string
	httpClient     *http.Client
}

// New creates a new Fish Audio Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("fishaudio: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:     apiKey,
		baseURL:    defaultBaseURL,
		model:      defaultModel,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// ttsRequest is the JSON payload sent to POST /v1/tts.
type ttsRequest struct {
	Text        string `json:"text"`
	Format      string `json:"format"`
	ReferenceID string `json:"reference_id,omitempty"`
}

// Synthesize sends text to Fish Audio and returns the decoded PCM frame.
func (p *Provider) Synthesize(ctx context.Context, text string, voice types.VoiceProfile) (audio.AudioFrame, error) {
	if text == "" {
		return audio.AudioFrame{}, errors.New("fishaudio: text must not be empty")
	}

	referenceID := voice.ID
	if referenceID == "" {
		referenceID = p.defaultVoiceID
	}

	body, err := json.Marshal(ttsRequest{
		Text:        text,
		Format:      requestFormat,
		ReferenceID: referenceID,
	})
	if err != nil {
		return audio.AudioFrame{}, fmt.Errorf("fishaudio: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+ttsPath, bytes.NewReader(body))
	if err != nil {
		return audio.AudioFrame{}, fmt.Errorf("fishaudio: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Model", p.model)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return audio.AudioFrame{}, fmt.Errorf("fishaudio: synthesize HTTP: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return audio.AudioFrame{}, fmt.Errorf("fishaudio: synthesize: unexpected status %d: %s", resp.StatusCode, string(msg))
	}

	wav, err := io.ReadAll(resp.Body)
	if err != nil {
		return audio.AudioFrame{}, fmt.Errorf("fishaudio: read audio: %w", err)
	}

	pcm, sampleRate, channels, err := audio.DecodeWAV(wav)
	if err != nil {
		return audio.AudioFrame{}, fmt.Errorf("fishaudio: decode audio: %w", err)
	}
	if len(pcm) == 0 {
		return audio.AudioFrame{}, errors.New("fishaudio: empty audio in response")
	}

	return audio.AudioFrame{
		Data:       pcm,
		SampleRate: sampleRate,
		Channels:   channels,
	}, nil
}

// fishModel is a single voice model entry from GET /model.
type fishModel struct {
	ID    string `json:"_id"`
	Title string `json:"title"`
}

// modelsResponse is the paginated response from GET /model.
type modelsResponse struct {
	Items []fishModel `json:"items"`
}

// ListVoices returns the voice models visible to the configured API key.
func (p *Provider) ListVoices(ctx context.Context) ([]types.VoiceProfile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+modelsPath, nil)
	if err != nil {
		return nil, fmt.Errorf("fishaudio: list voices: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fishaudio: list voices HTTP: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fishaudio: list voices: unexpected status %d", resp.StatusCode)
	}

	var mr modelsResponse
	if err := json.NewDecoder(resp.Body).Decode(&mr); err != nil {
		return nil, fmt.Errorf("fishaudio: list voices decode: %w", err)
	}

	profiles := make([]types.VoiceProfile, 0, len(mr.Items))
	for _, m := range mr.Items {
		profiles = append(profiles, types.VoiceProfile{
			ID:       m.ID,
			Name:     m.Title,
			Provider: "fishaudio",
		})
	}
	return profiles, nil
}

var _ tts.Provider = (*Provider)(nil)

// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service (e.g., Fish Audio or a local
// Piper instance) and presents a uniform request/response interface. The
// primary entry point is Synthesize, which accepts a complete reply text and
// returns decoded linear PCM together with its sample rate, ready for the
// telephony transcoder to downsample and frame.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"

	"github.com/kestrelvoice/kestrel/pkg/audio"
	"github.com/kestrelvoice/kestrel/pkg/types"
)

// Provider is the abstraction over any TTS backend.
//
// Implementations must be safe for concurrent use. Multiple synthesis requests
// may run in parallel (e.g., overlapping calls on the same line group).
type Provider interface {
	// Synthesize converts text into speech using the given voice profile and
	// returns the audio as linear 16-bit PCM with its native sample rate and
	// channel count. Backends that receive containerised audio from their
	// service (WAV, MP3) must unwrap it before returning.
	//
	// An empty text returns an error rather than a zero-length frame. Returns
	// an error if the service cannot be reached, rejects the request, or ctx
	// is cancelled.
	Synthesize(ctx context.Context, text string, voice types.VoiceProfile) (audio.AudioFrame, error)

	// ListVoices returns all voice profiles available from this provider. The
	// list reflects the provider's current catalogue and may change between
	// calls if the underlying service adds or removes voices.
	//
	// Returns an error if the provider cannot be reached or if ctx is
	// cancelled before the list is retrieved.
	ListVoices(ctx context.Context) ([]types.VoiceProfile, error)
}

package resilience

import (
	"errors"
	"testing"

	"github.com/kestrelvoice/kestrel/pkg/audio"
	ttsmock "github.com/kestrelvoice/kestrel/pkg/provider/tts/mock"
	"github.com/kestrelvoice/kestrel/pkg/types"
)

func TestTTSFallback_PrimarySuccess(t *testing.T) {
	primary := &ttsmock.Provider{
		SynthesizeFrame: audio.AudioFrame{Data: []byte{1, 2}, SampleRate: 44100, Channels: 1},
	}
	secondary := &ttsmock.Provider{}

	f := NewTTSFallback(primary, "primary", FallbackConfig{})
	f.AddFallback("secondary", secondary)

	frame, err := f.Synthesize(t.Context(), "hello", types.VoiceProfile{ID: "v1"})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if frame.SampleRate != 44100 {
		t.Errorf("sample rate: got %d, want 44100", frame.SampleRate)
	}
	if secondary.SynthesizeCallCount() != 0 {
		t.Errorf("secondary called %d times, want 0", secondary.SynthesizeCallCount())
	}
	if got := primary.SynthesizeCalls[0]; got.Text != "hello" || got.Voice.ID != "v1" {
		t.Errorf("call not passed through: %+v", got)
	}
}

func TestTTSFallback_FailsOverToSecondary(t *testing.T) {
	primary := &ttsmock.Provider{SynthesizeErr: errTest}
	secondary := &ttsmock.Provider{
		SynthesizeFrame: audio.AudioFrame{Data: []byte{1, 2}, SampleRate: 8000, Channels: 1},
	}

	f := NewTTSFallback(primary, "primary", FallbackConfig{})
	f.AddFallback("secondary", secondary)

	frame, err := f.Synthesize(t.Context(), "hello", types.VoiceProfile{})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if frame.SampleRate != 8000 {
		t.Errorf("sample rate: got %d, want 8000", frame.SampleRate)
	}
	if primary.SynthesizeCallCount() != 1 || secondary.SynthesizeCallCount() != 1 {
		t.Errorf("call counts: primary %d secondary %d, want 1/1",
			primary.SynthesizeCallCount(), secondary.SynthesizeCallCount())
	}
}

func TestTTSFallback_AllFail(t *testing.T) {
	primary := &ttsmock.Provider{SynthesizeErr: errTest}

	f := NewTTSFallback(primary, "primary", FallbackConfig{})

	_, err := f.Synthesize(t.Context(), "hello", types.VoiceProfile{})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}

func TestTTSFallback_ListVoices(t *testing.T) {
	primary := &ttsmock.Provider{ListVoicesErr: errTest}
	secondary := &ttsmock.Provider{
		ListVoicesResult: []types.VoiceProfile{{ID: "v2", Name: "Backup"}},
	}

	f := NewTTSFallback(primary, "primary", FallbackConfig{})
	f.AddFallback("secondary", secondary)

	voices, err := f.ListVoices(t.Context())
	if err != nil {
		t.Fatalf("ListVoices: %v", err)
	}
	if len(voices) != 1 || voices[0].ID != "v2" {
		t.Errorf("voices: got %+v", voices)
	}
}

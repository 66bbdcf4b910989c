package audio

import "time"

// AudioFrame represents a single frame of audio data flowing through the pipeline.
// Frames are the atomic unit of audio transport — decoded from inbound media
// messages, fed to speech recognition, and produced by speech synthesis before
// being encoded back onto the wire.
type AudioFrame struct {
	// PCM audio data, little-endian int16 samples.
	Data []byte

	// SampleRate in Hz (e.g., 8000 for telephony, 16000 for STT).
	SampleRate int

	// Channels: 1 for mono (telephony and STT), 2 for stereo (some TTS output).
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Duration returns the playback duration of the frame based on its sample rate
// and channel count. Returns 0 for frames with incomplete format information.
func (f AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	samples := len(f.Data) / (2 * f.Channels)
	return time.Duration(samples) * time.Second / time.Duration(f.SampleRate)
}

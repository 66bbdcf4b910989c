package audio

import (
	"encoding/base64"
	"fmt"
)

// Sample rates and framing on the telephony media stream.
const (
	// TelephonyRate is the sample rate of μ-law audio on the media stream.
	TelephonyRate = 8000

	// STTRate is the sample rate expected by speech recognition backends.
	STTRate = 16000

	// FrameBytes is the μ-law payload size of a single outbound media message:
	// 320 bytes = 40ms of audio at 8kHz.
	FrameBytes = 320
)

// DecodeInbound converts a base64 μ-law payload from an inbound media message
// into a mono PCM frame at STTRate. This is the inbound half of the telephony
// transcode: base64 → μ-law → PCM 8kHz → PCM 16kHz.
func DecodeInbound(payload string) (AudioFrame, error) {
	ulaw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return AudioFrame{}, fmt.Errorf("audio: decode inbound payload: %w", err)
	}
	pcm := DecodeMulaw(ulaw)
	return AudioFrame{
		Data:       ResampleMono16(pcm, TelephonyRate, STTRate),
		SampleRate: STTRate,
		Channels:   1,
	}, nil
}

// EncodeOutbound converts mono PCM at TelephonyRate into a base64 μ-law
// payload for an outbound media message. Callers with audio at other rates or
// channel counts normalize with a [FormatConverter] first.
func EncodeOutbound(pcm []byte) string {
	return base64.StdEncoding.EncodeToString(EncodeMulaw(pcm))
}

// ChunkPayload splits a base64 μ-law payload into frames of at most frameBytes
// μ-law bytes, each re-encoded as base64. The last frame carries the remainder
// and may be shorter. An empty payload yields no frames.
func ChunkPayload(payload string, frameBytes int) ([]string, error) {
	if frameBytes <= 0 {
		return nil, fmt.Errorf("audio: chunk payload: frame size %d must be positive", frameBytes)
	}
	ulaw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("audio: chunk payload: %w", err)
	}
	if len(ulaw) == 0 {
		return nil, nil
	}
	frames := make([]string, 0, (len(ulaw)+frameBytes-1)/frameBytes)
	for start := 0; start < len(ulaw); start += frameBytes {
		end := min(start+frameBytes, len(ulaw))
		frames = append(frames, base64.StdEncoding.EncodeToString(ulaw[start:end]))
	}
	return frames, nil
}

package audio_test

import (
	"encoding/base64"
	"testing"

	"github.com/kestrelvoice/kestrel/pkg/audio"
)

func TestDecodeInbound(t *testing.T) {
	// 160 μ-law bytes = 20ms at 8kHz.
	ulaw := make([]byte, 160)
	for i := range ulaw {
		ulaw[i] = 0xFF
	}
	payload := base64.StdEncoding.EncodeToString(ulaw)

	frame, err := audio.DecodeInbound(payload)
	if err != nil {
		t.Fatalf("DecodeInbound: %v", err)
	}
	if frame.SampleRate != audio.STTRate {
		t.Errorf("sample rate: got %d, want %d", frame.SampleRate, audio.STTRate)
	}
	if frame.Channels != 1 {
		t.Errorf("channels: got %d, want 1", frame.Channels)
	}
	// 160 samples at 8kHz double to 320 samples at 16kHz = 640 bytes.
	if len(frame.Data) != 640 {
		t.Errorf("data length: got %d, want 640", len(frame.Data))
	}
	// 0xFF decodes to the constant 33; upsampling a constant keeps it constant.
	for i, s := range bytesToSamples(frame.Data) {
		if s != 33 {
			t.Fatalf("sample %d: got %d, want 33", i, s)
		}
	}
}

func TestDecodeInbound_InvalidBase64(t *testing.T) {
	if _, err := audio.DecodeInbound("not!!valid!!base64"); err == nil {
		t.Fatal("expected error for invalid base64 payload")
	}
}

func TestEncodeOutbound(t *testing.T) {
	pcm := samplesToBytes([]int16{8191, -8191, 1000})
	payload := audio.EncodeOutbound(pcm)

	ulaw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		t.Fatalf("payload is not valid base64: %v", err)
	}
	want := []byte{0x87, 0x07, 0xB7}
	if len(ulaw) != len(want) {
		t.Fatalf("expected %d μ-law bytes, got %d", len(want), len(ulaw))
	}
	for i := range want {
		if ulaw[i] != want[i] {
			t.Errorf("byte %d: got %#02x, want %#02x", i, ulaw[i], want[i])
		}
	}
}

func TestChunkPayload(t *testing.T) {
	// 800 μ-law bytes → 320 + 320 + 160.
	ulaw := make([]byte, 800)
	for i := range ulaw {
		ulaw[i] = byte(i)
	}
	payload := base64.StdEncoding.EncodeToString(ulaw)

	frames, err := audio.ChunkPayload(payload, audio.FrameBytes)
	if err != nil {
		t.Fatalf("ChunkPayload: %v", err)
	}
	if len(frames) != 3 {
		t.Fatalf("expected 3 frames, got %d", len(frames))
	}

	var reassembled []byte
	for i, f := range frames {
		raw, err := base64.StdEncoding.DecodeString(f)
		if err != nil {
			t.Fatalf("frame %d is not valid base64: %v", i, err)
		}
		if i < 2 && len(raw) != audio.FrameBytes {
			t.Errorf("frame %d: got %d bytes, want %d", i, len(raw), audio.FrameBytes)
		}
		if len(raw) > audio.FrameBytes {
			t.Errorf("frame %d exceeds frame size: %d bytes", i, len(raw))
		}
		reassembled = append(reassembled, raw...)
	}
	if len(frames[2]) == 0 {
		t.Error("last frame should carry the 160-byte remainder")
	}
	for i := range ulaw {
		if reassembled[i] != ulaw[i] {
			t.Fatalf("byte %d reordered: got %#02x, want %#02x", i, reassembled[i], ulaw[i])
		}
	}
}

func TestChunkPayload_Empty(t *testing.T) {
	frames, err := audio.ChunkPayload("", audio.FrameBytes)
	if err != nil {
		t.Fatalf("ChunkPayload: %v", err)
	}
	if len(frames) != 0 {
		t.Errorf("expected no frames for empty payload, got %d", len(frames))
	}
}

func TestChunkPayload_InvalidInput(t *testing.T) {
	if _, err := audio.ChunkPayload("%%%", audio.FrameBytes); err == nil {
		t.Error("expected error for invalid base64 payload")
	}
	if _, err := audio.ChunkPayload("AAAA", 0); err == nil {
		t.Error("expected error for non-positive frame size")
	}
}

package audio

// μ-law companding as used on telephony media streams. This is the classic
// bias-33 variant: samples are clamped to 13 bits before encoding, so a full
// round trip quantizes to the 0x1FFF range rather than full int16.

const (
	mulawBias = 33
	mulawMax  = 0x1fff
)

// DecodeMulawSample decodes a single μ-law byte to a 16-bit PCM sample.
func DecodeMulawSample(b byte) int16 {
	u := int(^b)
	sign := u & 0x80
	exponent := (u >> 4) & 0x07
	mantissa := u & 0x0f

	sample := mantissa << (exponent + 3)
	sample += mulawBias << exponent
	if sample > mulawMax {
		sample = mulawMax
	}
	if sign != 0 {
		sample = -sample
	}
	return int16(sample)
}

// EncodeMulawSample encodes a 16-bit PCM sample to a μ-law byte.
func EncodeMulawSample(s int16) byte {
	var sign int
	magnitude := int(s)
	if magnitude < 0 {
		sign = 0x80
		magnitude = -magnitude
	}
	if magnitude > mulawMax {
		magnitude = mulawMax
	}
	magnitude += mulawBias

	// The segment search floors at exponent 0 so the quietest magnitudes stay
	// in the bottom segment instead of underflowing the exponent field.
	exponent := 7
	for i := 0x2000; i > magnitude && exponent > 0; i >>= 1 {
		exponent--
	}

	mantissa := (magnitude >> (exponent + 3)) & 0x0f
	return byte(^(sign | exponent<<4 | mantissa))
}

// DecodeMulaw decodes μ-law bytes to little-endian int16 PCM. The output is
// twice the length of the input.
func DecodeMulaw(ulaw []byte) []byte {
	pcm := make([]byte, len(ulaw)*2)
	for i, b := range ulaw {
		s := DecodeMulawSample(b)
		pcm[i*2] = byte(s)
		pcm[i*2+1] = byte(s >> 8)
	}
	return pcm
}

// EncodeMulaw encodes little-endian int16 PCM to μ-law bytes. A trailing odd
// byte, which cannot form a complete sample, is ignored.
func EncodeMulaw(pcm []byte) []byte {
	samples := len(pcm) / 2
	ulaw := make([]byte, samples)
	for i := range samples {
		s := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		ulaw[i] = EncodeMulawSample(s)
	}
	return ulaw
}

// Package audiocodec implements slin16 frame validation, RMS-energy voice
// activity detection, resampling and gain, grounded on the teacher's
// pkg/orchestrator/vad.go RMS calculation and generalized to the two-timer
// state machine the original realtime_audio_processor.py implements.
package audiocodec

import "math"

// SampleRate, FrameSamples and BufferSamples are the immutable per-process
// audio shape: 16 kHz mono 16-bit signed little-endian PCM, 20ms frames,
// 100ms buffer capacity.
const (
	SampleRate     = 16000
	BytesPerSample = 2
	FrameSamples   = 320
	FrameBytes     = FrameSamples * BytesPerSample
	BufferSamples  = 1600
	BufferBytes    = BufferSamples * BytesPerSample
)

// ValidateFormat reports whether frame is a well-formed slin16 buffer: its
// length must be a multiple of the sample size, and if expectedDurationMs
// is non-zero the length must match it exactly.
func ValidateFormat(frame []byte, expectedDurationMs int) bool {
	if len(frame)%BytesPerSample != 0 {
		return false
	}
	if expectedDurationMs == 0 {
		return true
	}
	want := expectedDurationMs * SampleRate * BytesPerSample / 1000
	return len(frame) == want
}

// MakeSilence returns a zero-filled slin16 buffer of the given duration.
func MakeSilence(durationMs int) []byte {
	n := durationMs * SampleRate * BytesPerSample / 1000
	return make([]byte, n)
}

// ComputeRMSEnergy returns sqrt(mean(sample^2)) over the 16-bit samples in
// frame. Input shorter than one whole sample yields 0; a trailing odd byte
// is ignored. It never returns an error.
func ComputeRMSEnergy(frame []byte) float64 {
	n := len(frame) / BytesPerSample
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i+1 < len(frame); i += 2 {
		sample := int16(uint16(frame[i]) | uint16(frame[i+1])<<8)
		f := float64(sample)
		sum += f * f
	}
	rms := math.Sqrt(sum / float64(n))
	if math.IsNaN(rms) || math.IsInf(rms, 0) {
		return 0
	}
	return rms
}

// ScaleGain multiplies every sample by factor, saturating to the int16
// range instead of wrapping.
func ScaleGain(frame []byte, factor float64) []byte {
	out := make([]byte, len(frame))
	for i := 0; i+1 < len(frame); i += 2 {
		sample := int16(uint16(frame[i]) | uint16(frame[i+1])<<8)
		scaled := float64(sample) * factor
		if scaled > math.MaxInt16 {
			scaled = math.MaxInt16
		} else if scaled < math.MinInt16 {
			scaled = math.MinInt16
		}
		v := int16(scaled)
		out[i] = byte(uint16(v))
		out[i+1] = byte(uint16(v) >> 8)
	}
	return out
}

// Resample performs linear-rate conversion from fromRate to toRate. Output
// length is ceil(input_samples * to/from).
func Resample(frame []byte, fromRate, toRate int) []byte {
	inSamples := len(frame) / BytesPerSample
	if inSamples == 0 || fromRate <= 0 || toRate <= 0 {
		return []byte{}
	}
	if fromRate == toRate {
		out := make([]byte, len(frame))
		copy(out, frame)
		return out
	}

	outSamples := int(math.Ceil(float64(inSamples) * float64(toRate) / float64(fromRate)))
	out := make([]byte, outSamples*BytesPerSample)

	readSample := func(i int) int16 {
		if i < 0 {
			i = 0
		}
		if i >= inSamples {
			i = inSamples - 1
		}
		off := i * BytesPerSample
		return int16(uint16(frame[off]) | uint16(frame[off+1])<<8)
	}

	ratio := float64(fromRate) / float64(toRate)
	for i := 0; i < outSamples; i++ {
		srcPos := float64(i) * ratio
		idx := int(math.Floor(srcPos))
		frac := srcPos - float64(idx)

		a := float64(readSample(idx))
		b := float64(readSample(idx + 1))
		v := int16(a + (b-a)*frac)

		off := i * BytesPerSample
		out[off] = byte(uint16(v))
		out[off+1] = byte(uint16(v) >> 8)
	}
	return out
}

// Package levels provides audio processing utilities: raw-buffer level
// measurement, silence detection and peak-hold tracking for VU meters.
package levels

import (
	"encoding/binary"
	"math"
)

// MinDB is the minimum dB level (silence floor).
const MinDB = -60.0

// SampleFormat identifies the encoding of samples in a raw buffer.
type SampleFormat int

// Supported sample encodings.
const (
	FormatInt16 SampleFormat = iota
	FormatInt32
	FormatFloat32
)

// Stride returns the byte width of one sample.
func (f SampleFormat) Stride() int {
	switch f {
	case FormatInt16:
		return 2
	case FormatInt32:
		return 4
	case FormatFloat32:
		return 4
	}
	return 0
}

// String returns the format name.
func (f SampleFormat) String() string {
	switch f {
	case FormatInt16:
		return "s16"
	case FormatInt32:
		return "s32"
	case FormatFloat32:
		return "f32"
	}
	return "unknown"
}

// PeakLevels holds per-channel peak magnitudes, normalized to [0,1].
// For mono sources both fields hold the same value.
type PeakLevels struct {
	Left  float64 `json:"left"`
	Right float64 `json:"right"`
}

// decode returns the normalized magnitude of the sample starting at
// buf[off], clamped to [0,1].
func decode(buf []byte, off int, format SampleFormat) float64 {
	var v float64
	switch format {
	case FormatInt16:
		v = math.Abs(float64(int16(binary.LittleEndian.Uint16(buf[off:])))) / 32768.0
	case FormatInt32:
		v = math.Abs(float64(int32(binary.LittleEndian.Uint32(buf[off:])))) / 2147483648.0
	case FormatFloat32:
		v = math.Abs(float64(math.Float32frombits(binary.LittleEndian.Uint32(buf[off:]))))
	}
	if math.IsNaN(v) {
		return 0
	}
	return min(v, 1.0)
}

// sampleCount returns how many whole samples fit in the first n bytes of
// buf. A trailing partial sample is ignored, never read.
func sampleCount(buf []byte, n int, format SampleFormat) int {
	stride := format.Stride()
	if stride == 0 {
		return 0
	}
	if n > len(buf) {
		n = len(buf)
	}
	if n <= 0 {
		return 0
	}
	return n / stride
}

// MonoPeak returns the maximum sample magnitude over the buffer, channels
// pooled together, normalized to [0,1]. Empty or nil buffers return 0.
func MonoPeak(buf []byte, n int, format SampleFormat) float64 {
	stride := format.Stride()
	count := sampleCount(buf, n, format)

	var peak float64
	for i := range count {
		if v := decode(buf, i*stride, format); v > peak {
			peak = v
		}
	}
	return peak
}

// RMS returns the root-mean-square magnitude over the buffer, interleaved
// channels pooled together, normalized to [0,1]. Empty buffers return 0.
func RMS(buf []byte, n int, format SampleFormat) float64 {
	stride := format.Stride()
	count := sampleCount(buf, n, format)
	if count == 0 {
		return 0
	}

	var sumSquares float64
	for i := range count {
		v := decode(buf, i*stride, format)
		sumSquares += v * v
	}
	return min(math.Sqrt(sumSquares/float64(count)), 1.0)
}

// StereoPeak returns separate left/right peak magnitudes for interleaved
// stereo buffers. With a single channel both outputs equal the mono peak.
func StereoPeak(buf []byte, n int, format SampleFormat, channels int) PeakLevels {
	if channels <= 1 {
		p := MonoPeak(buf, n, format)
		return PeakLevels{Left: p, Right: p}
	}

	stride := format.Stride()
	count := sampleCount(buf, n, format)

	var out PeakLevels
	for i := 0; i+1 < count; i += 2 {
		if v := decode(buf, i*stride, format); v > out.Left {
			out.Left = v
		}
		if v := decode(buf, (i+1)*stride, format); v > out.Right {
			out.Right = v
		}
	}
	return out
}

// Measure computes mono peak, mono RMS and stereo peaks in one pass over
// the buffer. This is the hot-path entry point for capture callbacks; it
// allocates nothing.
func Measure(buf []byte, n int, format SampleFormat, channels int) (peak, rms float64, stereo PeakLevels) {
	stride := format.Stride()
	count := sampleCount(buf, n, format)
	if count == 0 {
		return 0, 0, PeakLevels{}
	}

	// An unpaired trailing sample counts toward the mono figures only,
	// matching StereoPeak.
	pairCount := count - count%2

	var sumSquares float64
	for i := range count {
		v := decode(buf, i*stride, format)
		sumSquares += v * v
		if v > peak {
			peak = v
		}
		if channels > 1 && i < pairCount {
			if i%2 == 0 {
				if v > stereo.Left {
					stereo.Left = v
				}
			} else if v > stereo.Right {
				stereo.Right = v
			}
		}
	}
	if channels <= 1 {
		stereo = PeakLevels{Left: peak, Right: peak}
	}

	rms = min(math.Sqrt(sumSquares/float64(count)), 1.0)
	return peak, rms, stereo
}

// AmplitudeDB converts a normalized magnitude [0,1] to dBFS, floored at MinDB.
func AmplitudeDB(a float64) float64 {
	if a <= 0 {
		return MinDB
	}
	return max(20*math.Log10(a), MinDB)
}

package levels

import (
	"encoding/binary"
	"math"
	"testing"
)

func int16Buf(samples ...int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

func int32Buf(samples ...int32) []byte {
	buf := make([]byte, len(samples)*4)
	for i, s := range samples {
		binary.LittleEndian.PutUint32(buf[i*4:], uint32(s))
	}
	return buf
}

func float32Buf(samples ...float32) []byte {
	buf := make([]byte, len(samples)*4)
	for i, s := range samples {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(s))
	}
	return buf
}

func TestMonoPeak(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		buf    []byte
		n      int
		format SampleFormat
		want   float64
	}{
		{"nil buffer", nil, 0, FormatInt16, 0},
		{"empty buffer", []byte{}, 0, FormatInt16, 0},
		{"zero valid bytes", int16Buf(1000, 2000), 0, FormatInt16, 0},
		{"all zero s16", int16Buf(0, 0, 0, 0), 8, FormatInt16, 0},
		{"half scale s16", int16Buf(16384, -8192), 4, FormatInt16, 0.5},
		{"negative dominates s16", int16Buf(100, -32768), 4, FormatInt16, 1.0},
		{"full scale s32", int32Buf(math.MinInt32), 4, FormatInt32, 1.0},
		{"quarter scale s32", int32Buf(1 << 29), 4, FormatInt32, 0.25},
		{"unit f32", float32Buf(0.75, -0.25), 8, FormatFloat32, 0.75},
		{"overrange f32 clamped", float32Buf(4.5), 4, FormatFloat32, 1.0},
		{"negative overrange f32 clamped", float32Buf(-100), 4, FormatFloat32, 1.0},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := MonoPeak(tc.buf, tc.n, tc.format)
			if got != tc.want {
				t.Errorf("MonoPeak = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestRMS(t *testing.T) {
	t.Parallel()

	// Constant full-scale signal has RMS 1.
	buf := int16Buf(-32768, -32768, -32768, -32768)
	if got := RMS(buf, len(buf), FormatInt16); got != 1.0 {
		t.Errorf("full-scale RMS = %v, want 1.0", got)
	}

	// All-zero buffers are 0 for every format.
	for _, format := range []SampleFormat{FormatInt16, FormatInt32, FormatFloat32} {
		zeros := make([]byte, 16)
		if got := RMS(zeros, len(zeros), format); got != 0 {
			t.Errorf("format %v: zero-buffer RMS = %v, want 0", format, got)
		}
	}

	// Half-scale constant signal has RMS 0.5.
	buf = int16Buf(16384, -16384)
	if got := RMS(buf, len(buf), FormatInt16); got != 0.5 {
		t.Errorf("half-scale RMS = %v, want 0.5", got)
	}

	// Mixed signal: sqrt((1 + 0)/2).
	buf = float32Buf(1.0, 0.0)
	want := math.Sqrt(0.5)
	if got := RMS(buf, len(buf), FormatFloat32); math.Abs(got-want) > 1e-9 {
		t.Errorf("mixed RMS = %v, want %v", got, want)
	}
}

func TestLevelsAlwaysInUnitRange(t *testing.T) {
	t.Parallel()

	// Adversarial buffers, including out-of-range float payloads, must
	// never produce a level outside [0,1].
	buffers := [][]byte{
		int16Buf(math.MinInt16, math.MaxInt16, -1, 1),
		int32Buf(math.MinInt32, math.MaxInt32),
		float32Buf(float32(math.Inf(1)), float32(math.Inf(-1)), 1e30, -1e30),
		float32Buf(float32(math.NaN()), 0.5),
		{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff},
	}

	for _, format := range []SampleFormat{FormatInt16, FormatInt32, FormatFloat32} {
		for _, buf := range buffers {
			for n := 0; n <= len(buf); n++ {
				peak := MonoPeak(buf, n, format)
				rms := RMS(buf, n, format)
				stereo := StereoPeak(buf, n, format, 2)
				for _, v := range []float64{peak, rms, stereo.Left, stereo.Right} {
					if v < 0 || v > 1 || math.IsNaN(v) {
						t.Fatalf("format %v n=%d: level %v out of [0,1]", format, n, v)
					}
				}
			}
		}
	}
}

func TestPartialTrailingSampleIgnored(t *testing.T) {
	t.Parallel()

	// A buffer whose valid byte count is not a multiple of the sample
	// stride must ignore the partial sample, not read past it.
	buf := int16Buf(8192, 16384)
	full := MonoPeak(buf, 4, FormatInt16)
	if full != 0.5 {
		t.Fatalf("full peak = %v, want 0.5", full)
	}
	// n=3 covers the first sample and half of the second; only the first
	// is decoded.
	if got := MonoPeak(buf, 3, FormatInt16); got != 0.25 {
		t.Errorf("truncated peak = %v, want 0.25", got)
	}

	// Valid count larger than the buffer is treated as the buffer length.
	if got := MonoPeak(buf, 100, FormatInt16); got != full {
		t.Errorf("oversized n peak = %v, want %v", got, full)
	}

	// One lone byte decodes no samples.
	if got := RMS([]byte{0xff}, 1, FormatInt16); got != 0 {
		t.Errorf("single-byte RMS = %v, want 0", got)
	}
}

func TestStereoPeak(t *testing.T) {
	t.Parallel()

	// Interleaved L/R with distinct maxima per side.
	buf := int16Buf(16384, 8192, -32768, 4096)
	got := StereoPeak(buf, len(buf), FormatInt16, 2)
	if got.Left != 1.0 {
		t.Errorf("left peak = %v, want 1.0", got.Left)
	}
	if got.Right != 0.25 {
		t.Errorf("right peak = %v, want 0.25", got.Right)
	}

	// Mono channel count: both sides equal the mono peak, no pairwise
	// iteration.
	mono := int16Buf(16384, -8192, 4096)
	got = StereoPeak(mono, len(mono), FormatInt16, 1)
	want := MonoPeak(mono, len(mono), FormatInt16)
	if got.Left != want || got.Right != want {
		t.Errorf("mono stereo peak = %+v, want both %v", got, want)
	}
}

func TestMeasureMatchesSinglePurposeFunctions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		buf      []byte
		format   SampleFormat
		channels int
	}{
		{"stereo s16", int16Buf(100, -32768, 16384, 0, 9999), FormatInt16, 2},
		{"mono s16", int16Buf(100, -20000, 5), FormatInt16, 1},
		{"stereo f32", float32Buf(0.1, -0.9, 2.5, 0.3), FormatFloat32, 2},
		{"stereo s32", int32Buf(1 << 30, math.MinInt32, 7), FormatInt32, 2},
		{"empty", nil, FormatInt16, 2},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			peak, rms, stereo := Measure(tc.buf, len(tc.buf), tc.format, tc.channels)
			if want := MonoPeak(tc.buf, len(tc.buf), tc.format); peak != want {
				t.Errorf("peak = %v, want %v", peak, want)
			}
			if want := RMS(tc.buf, len(tc.buf), tc.format); rms != want {
				t.Errorf("rms = %v, want %v", rms, want)
			}
			if want := StereoPeak(tc.buf, len(tc.buf), tc.format, tc.channels); stereo != want {
				t.Errorf("stereo = %+v, want %+v", stereo, want)
			}
		})
	}
}

func TestAmplitudeDB(t *testing.T) {
	t.Parallel()

	if got := AmplitudeDB(1.0); got != 0 {
		t.Errorf("AmplitudeDB(1.0) = %v, want 0", got)
	}
	if got := AmplitudeDB(0); got != MinDB {
		t.Errorf("AmplitudeDB(0) = %v, want %v", got, MinDB)
	}
	if got := AmplitudeDB(0.5); math.Abs(got-(-6.0206)) > 0.001 {
		t.Errorf("AmplitudeDB(0.5) = %v, want ~-6.02", got)
	}
	// Below the floor, clamp to MinDB.
	if got := AmplitudeDB(1e-9); got != MinDB {
		t.Errorf("AmplitudeDB(1e-9) = %v, want %v", got, MinDB)
	}
}

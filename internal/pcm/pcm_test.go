package pcm

import (
	"math"
	"testing"
)

func TestDecodeEncode(t *testing.T) {
	samples := []int16{0, 1, -1, math.MaxInt16, math.MinInt16, 1234}
	b := Encode(samples)
	if len(b) != len(samples)*2 {
		t.Fatalf("expected %d bytes, got %d", len(samples)*2, len(b))
	}
	// Little-endian layout of 1 and -1.
	if b[2] != 0x01 || b[3] != 0x00 || b[4] != 0xff || b[5] != 0xff {
		t.Fatalf("unexpected byte layout: % x", b[:6])
	}
	got := Decode(b)
	for i := range samples {
		if got[i] != samples[i] {
			t.Fatalf("sample %d: expected %d, got %d", i, samples[i], got[i])
		}
	}
}

func TestDecodeOddByteCount(t *testing.T) {
	got := Decode([]byte{0x10, 0x00, 0x20})
	if len(got) != 1 || got[0] != 16 {
		t.Fatalf("expected [16], got %v", got)
	}
}

func TestToMono(t *testing.T) {
	stereo := []int16{
		100, 300,
		-100, -300,
		1000, -1000,
	}

	tests := []struct {
		name string
		mode DownmixMode
		want []int16
	}{
		{"average", DownmixAverage, []int16{200, -200, 0}},
		{"left", DownmixLeft, []int16{100, -100, 1000}},
		{"none", DownmixNone, stereo},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ToMono(stereo, 2, tt.mode)
			if len(got) != len(tt.want) {
				t.Fatalf("expected %d samples, got %d", len(tt.want), len(got))
			}
			for i := range tt.want {
				if got[i] != tt.want[i] {
					t.Fatalf("sample %d: expected %d, got %d", i, tt.want[i], got[i])
				}
			}
		})
	}
}

func TestToMonoMoreChannels(t *testing.T) {
	input := []int16{
		1, 3, 5,
		2, 4, 6,
		7, // incomplete frame
	}
	got := ToMono(input, 3, DownmixAverage)
	want := []int16{3, 4}
	if len(got) != len(want) {
		t.Fatalf("expected %d frames, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("frame %d: expected %d, got %d", i, want[i], got[i])
		}
	}
}

func TestToMonoAverageNoOverflow(t *testing.T) {
	got := ToMono([]int16{math.MaxInt16, math.MaxInt16}, 2, DownmixAverage)
	if got[0] != math.MaxInt16 {
		t.Fatalf("expected %d, got %d", math.MaxInt16, got[0])
	}
}

func TestClamp(t *testing.T) {
	tests := []struct {
		in   float64
		want int16
	}{
		{0, 0},
		{1.9, 1},
		{-1.9, -1},
		{40000, math.MaxInt16},
		{-40000, math.MinInt16},
		{math.Inf(1), math.MaxInt16},
		{math.NaN(), 0},
	}
	for _, tt := range tests {
		if got := Clamp(tt.in); got != tt.want {
			t.Errorf("Clamp(%v): expected %d, got %d", tt.in, tt.want, got)
		}
	}
}

func TestInterleaveStereoSplit(t *testing.T) {
	mic := []int16{1, 2}
	loop := []int16{10, 20, 30}
	got := Decode(Interleave(mic, loop, StereoSplit, 0.5))
	want := []int16{1, 10, 2, 20, 0, 30}
	if len(got) != len(want) {
		t.Fatalf("expected %d samples, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sample %d: expected %d, got %d", i, want[i], got[i])
		}
	}
}

func TestInterleaveMixed(t *testing.T) {
	mic := []int16{1000, 30000}
	loop := []int16{3000, 30000}
	got := Decode(Interleave(mic, loop, MixedMono, 0.75))
	// 0.75*1000 + 0.25*3000 = 1500
	want := []int16{1500, 1500, 30000, 30000}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sample %d: expected %d, got %d", i, want[i], got[i])
		}
	}
}

func TestInterleaveMixedClamps(t *testing.T) {
	got := Decode(Interleave([]int16{math.MinInt16}, []int16{math.MinInt16}, MixedMono, 0.5))
	if got[0] != math.MinInt16 || got[1] != math.MinInt16 {
		t.Fatalf("expected clamped minimum, got %v", got)
	}
}

package audio_test

import (
	"testing"
	"time"

	"github.com/chorushq/chorus/pkg/audio"
)

func TestStereoToMono(t *testing.T) {
	t.Parallel()

	stereo := []int16{100, 200, 300, 400, 500, 600}
	mono := audio.StereoToMono(stereo)

	want := []int16{150, 350, 550}
	if len(mono) != len(want) {
		t.Fatalf("len = %d, want %d", len(mono), len(want))
	}
	for i := range want {
		if mono[i] != want[i] {
			t.Errorf("mono[%d] = %d, want %d", i, mono[i], want[i])
		}
	}
}

func TestStereoToMono_NoOverflow(t *testing.T) {
	t.Parallel()

	stereo := []int16{32767, 32767, -32768, -32768}
	mono := audio.StereoToMono(stereo)
	if mono[0] != 32767 {
		t.Errorf("mono[0] = %d, want 32767", mono[0])
	}
	if mono[1] != -32768 {
		t.Errorf("mono[1] = %d, want -32768", mono[1])
	}
}

func TestResample_DownTo16k(t *testing.T) {
	t.Parallel()

	// 48 kHz → 16 kHz is a 3:1 reduction.
	pcm := make([]int16, 480)
	out := audio.Resample(pcm, 48000, 16000)
	if len(out) != 160 {
		t.Errorf("len = %d, want 160", len(out))
	}
}

func TestResample_SameRateUnchanged(t *testing.T) {
	t.Parallel()

	pcm := []int16{1, 2, 3, 4}
	out := audio.Resample(pcm, 16000, 16000)
	if &out[0] != &pcm[0] {
		t.Error("same-rate resample should return the input slice")
	}
}

func TestPrepareForTranscription(t *testing.T) {
	t.Parallel()

	// One 20 ms platform frame: 960 samples per channel, stereo interleaved.
	pcm := make([]int16, audio.SamplesPerFrame*2)
	out := audio.PrepareForTranscription(pcm, audio.PlatformFormat)

	// 20 ms at 16 kHz mono = 320 samples.
	if len(out) != 320 {
		t.Errorf("len = %d, want 320", len(out))
	}
}

func TestRMS(t *testing.T) {
	t.Parallel()

	if got := audio.RMS(nil); got != 0 {
		t.Errorf("RMS(nil) = %f, want 0", got)
	}
	if got := audio.RMS(make([]int16, 100)); got != 0 {
		t.Errorf("RMS(silence) = %f, want 0", got)
	}

	signal := make([]int16, 100)
	for i := range signal {
		signal[i] = 100
	}
	if got := audio.RMS(signal); got < 99.9 || got > 100.1 {
		t.Errorf("RMS(constant 100) = %f, want ~100", got)
	}
}

func TestTrimSilence(t *testing.T) {
	t.Parallel()

	pcm := make([]int16, 300)
	for i := 100; i < 200; i++ {
		pcm[i] = 1000
	}

	trimmed := audio.TrimSilence(pcm, 500, 50)
	if len(trimmed) != 100 {
		t.Errorf("trimmed len = %d, want 100", len(trimmed))
	}

	allSilent := audio.TrimSilence(make([]int16, 300), 500, 50)
	if len(allSilent) != 0 {
		t.Errorf("all-silent trim len = %d, want 0", len(allSilent))
	}
}

func TestFormatDuration(t *testing.T) {
	t.Parallel()

	// 960 samples per channel, stereo, 48 kHz → 20 ms.
	d := audio.PlatformFormat.Duration(audio.SamplesPerFrame * 2)
	if d != 20*time.Millisecond {
		t.Errorf("Duration = %v, want 20ms", d)
	}

	if d := (audio.Format{}).Duration(100); d != 0 {
		t.Errorf("invalid format Duration = %v, want 0", d)
	}
}

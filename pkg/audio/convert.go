package audio

import "math"

// StereoToMono downmixes interleaved stereo int16 PCM by averaging the L+R
// pair of each frame. Uses int32 arithmetic to avoid overflow. A trailing
// unpaired sample is passed through unchanged.
func StereoToMono(pcm []int16) []int16 {
	out := make([]int16, 0, (len(pcm)+1)/2)
	for i := 0; i+1 < len(pcm); i += 2 {
		out = append(out, int16((int32(pcm[i])+int32(pcm[i+1]))/2))
	}
	if len(pcm)%2 == 1 {
		out = append(out, pcm[len(pcm)-1])
	}
	return out
}

// Resample converts mono int16 PCM from srcRate to dstRate using linear
// interpolation. If the rates match the input is returned unchanged.
func Resample(pcm []int16, srcRate, dstRate int) []int16 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}

	ratio := float64(srcRate) / float64(dstRate)
	outLen := int(float64(len(pcm)) / ratio)
	if outLen == 0 {
		return nil
	}

	out := make([]int16, outLen)
	for i := range out {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := pcm[srcIdx]
		s1 := s0
		if srcIdx+1 < len(pcm) {
			s1 = pcm[srcIdx+1]
		}
		out[i] = int16(float64(s0)*(1-frac) + float64(s1)*frac)
	}
	return out
}

// PrepareForTranscription converts decoded platform PCM to the backend's
// 16 kHz mono format: downmix first, then resample (resampling mono is
// cheaper than resampling stereo).
func PrepareForTranscription(pcm []int16, src Format) []int16 {
	if src.Channels == 2 {
		pcm = StereoToMono(pcm)
	}
	if src.SampleRate != TranscribeSampleRate {
		pcm = Resample(pcm, src.SampleRate, TranscribeSampleRate)
	}
	return pcm
}

// RMS returns the root-mean-square energy of the samples. Zero for an empty
// buffer.
func RMS(pcm []int16) float64 {
	if len(pcm) == 0 {
		return 0
	}
	var sum float64
	for _, s := range pcm {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(pcm)))
}

// PCMToFloat32 converts int16 PCM to float32 samples normalised to
// [-1.0, 1.0], the input format of the whisper.cpp bindings.
func PCMToFloat32(pcm []int16) []float32 {
	out := make([]float32, len(pcm))
	for i, s := range pcm {
		out[i] = float32(s) / 32768.0
	}
	return out
}

// TrimSilence strips leading and trailing sub-threshold audio, scanning in
// frameSize windows. Returns an empty slice when nothing clears the
// threshold.
func TrimSilence(pcm []int16, rmsThreshold float64, frameSize int) []int16 {
	if len(pcm) == 0 || frameSize <= 0 {
		return pcm
	}

	start := 0
	for start < len(pcm) {
		end := min(start+frameSize, len(pcm))
		if RMS(pcm[start:end]) >= rmsThreshold {
			break
		}
		start = end
	}

	stop := len(pcm)
	for stop > start {
		begin := max(stop-frameSize, start)
		if RMS(pcm[begin:stop]) >= rmsThreshold {
			break
		}
		stop = begin
	}

	return pcm[start:stop]
}

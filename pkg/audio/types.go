// Package audio defines the frame and sample types flowing through the
// Chorus capture pipeline, plus the PCM conversion helpers used to turn
// platform-native audio (48 kHz stereo Opus) into transcription input
// (16 kHz mono).
//
// This package lives under pkg/ because transport adapters other than the
// built-in Discord one are expected to produce [Frame] values.
package audio

import "time"

// Voice platforms deliver Opus at 48 kHz stereo in 20 ms frames; speech
// models want 16 kHz mono.
const (
	// PlatformSampleRate is the native sample rate of the voice transport in Hz.
	PlatformSampleRate = 48000

	// PlatformChannels is the native channel count of the voice transport.
	PlatformChannels = 2

	// TranscribeSampleRate is the sample rate expected by the speech backend in Hz.
	TranscribeSampleRate = 16000

	// FrameDuration is the wall-clock span of one transport frame.
	FrameDuration = 20 * time.Millisecond

	// SamplesPerFrame is the per-channel sample count of one 20 ms frame at
	// the platform rate (960).
	SamplesPerFrame = PlatformSampleRate / 1000 * 20
)

// Frame is a single encoded voice frame as delivered by the transport,
// tagged with the identity of the speaker it belongs to.
type Frame struct {
	// UserID is the platform identifier of the speaker.
	UserID string

	// GuildID is the platform identifier of the guild (server) the voice
	// channel belongs to.
	GuildID string

	// Timestamp is the transport timestamp of the frame in platform sample
	// units (48 kHz ticks for Discord). Consecutive frames from one speaker
	// advance by SamplesPerFrame; larger jumps indicate silence gaps.
	Timestamp uint32

	// Opus is the encoded payload. Frames that fail to decode are dropped by
	// the assembler, never fatal to the session.
	Opus []byte
}

// Format describes the sample rate and channel count of a PCM buffer.
type Format struct {
	SampleRate int
	Channels   int
}

// PlatformFormat is the format of decoded transport audio.
var PlatformFormat = Format{SampleRate: PlatformSampleRate, Channels: PlatformChannels}

// TranscribeFormat is the format fed to the speech backend.
var TranscribeFormat = Format{SampleRate: TranscribeSampleRate, Channels: 1}

// Duration returns the wall-clock length of a PCM buffer with n interleaved
// samples in format f. Returns zero for an invalid format.
func (f Format) Duration(n int) time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(f.SampleRate*f.Channels)
}

// Package assembler turns the raw per-speaker Opus frame stream into
// bounded speech segments ready for transcription.
//
// One Assembler serves exactly one capture session. Frames pass through a
// small timestamp-ordered jitter buffer, are decoded to PCM, downmixed and
// resampled to the backend format, and accumulate until either a silence
// gap closes the utterance or the segment reaches its maximum length.
// Frames that fail to decode are dropped and counted; they never abort the
// session.
package assembler

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"layeh.com/gopus"

	"github.com/chorushq/chorus/pkg/audio"
	"github.com/chorushq/chorus/pkg/stt"
)

// Defaults mirror the segmentation parameters the service has been tuned
// with: 20 ms ticks, a two-tick jitter window, and utterances between
// 500 ms and 30 s.
const (
	defaultSilenceGap   = time.Second
	defaultMinSegment   = 500 * time.Millisecond
	defaultMaxSegment   = 30 * time.Second
	defaultJitterWindow = 40 * time.Millisecond

	// defaultSilenceRMS is roughly -40 dBFS on 16-bit samples.
	defaultSilenceRMS = 328.0

	// trimFrame is the window size TrimSilence scans with, 20 ms at the
	// backend sample rate.
	trimFrame = audio.TranscribeSampleRate / 1000 * 20
)

// Config holds the segmentation parameters. The zero value selects the
// defaults above.
type Config struct {
	// SilenceGap is the consecutive-silence duration that closes an open
	// segment.
	SilenceGap time.Duration

	// MinSegment is the minimum emitted segment length. Shorter utterances
	// closed by silence are discarded as noise; Flush emits them anyway so
	// no speech is lost on Stop.
	MinSegment time.Duration

	// MaxSegment is the maximum buffered speech before a forced emission.
	MaxSegment time.Duration

	// JitterWindow is how long frames are held for timestamp reordering
	// before decoding.
	JitterWindow time.Duration

	// SilenceRMS is the RMS energy below which a decoded frame counts as
	// silence.
	SilenceRMS float64
}

func (c Config) withDefaults() Config {
	if c.SilenceGap <= 0 {
		c.SilenceGap = defaultSilenceGap
	}
	if c.MinSegment <= 0 {
		c.MinSegment = defaultMinSegment
	}
	if c.MaxSegment <= 0 {
		c.MaxSegment = defaultMaxSegment
	}
	if c.JitterWindow <= 0 {
		c.JitterWindow = defaultJitterWindow
	}
	if c.SilenceRMS <= 0 {
		c.SilenceRMS = defaultSilenceRMS
	}
	return c
}

// EmitFunc receives each completed segment. It is called synchronously from
// Push/Flush and must not block for long; the worker pool's enqueue is the
// intended target.
type EmitFunc func(stt.Segment)

// opusDecoder is the decode surface of *gopus.Decoder, extracted so tests
// can substitute a deterministic implementation.
type opusDecoder interface {
	Decode(data []byte, frameSize int, fec bool) ([]int16, error)
}

// Assembler is the per-session segmentation state machine. It is a
// single-writer structure: Push and Flush must be called from one goroutine
// (the session's frame loop).
type Assembler struct {
	cfg     Config
	userID  string
	guildID string
	emit    EmitFunc
	dec     opusDecoder
	log     *slog.Logger

	// jitter buffer, sorted by timestamp offset from base
	pending  []audio.Frame
	haveBase bool
	baseTS   uint32

	// last released (decoded) frame timestamp, for gap detection
	haveLast bool
	lastTS   uint32

	// open segment
	buf      []int16 // backend-format PCM
	bufStart time.Duration
	silence  time.Duration

	seq          uint64
	decodeErrs   uint64
	shortDropped uint64
}

// New creates an Assembler for one (userID, guildID) session. Completed
// segments are passed to emit.
func New(userID, guildID string, cfg Config, emit EmitFunc) (*Assembler, error) {
	if emit == nil {
		return nil, errors.New("assembler: emit must not be nil")
	}
	dec, err := gopus.NewDecoder(audio.PlatformSampleRate, audio.PlatformChannels)
	if err != nil {
		return nil, fmt.Errorf("assembler: create opus decoder: %w", err)
	}
	return &Assembler{
		cfg:     cfg.withDefaults(),
		userID:  userID,
		guildID: guildID,
		emit:    emit,
		dec:     dec,
		log:     slog.With("user_id", userID, "guild_id", guildID),
	}, nil
}

// Push feeds one transport frame into the jitter buffer and processes every
// frame that has aged past the reordering window.
func (a *Assembler) Push(f audio.Frame) {
	a.insert(f)

	windowTicks := int32(a.cfg.JitterWindow * audio.PlatformSampleRate / time.Second)
	newest := a.pending[len(a.pending)-1].Timestamp
	for len(a.pending) > 0 && int32(newest-a.pending[0].Timestamp) >= windowTicks {
		f := a.pending[0]
		a.pending = a.pending[1:]
		a.process(f)
	}
}

// Flush drains the jitter buffer and force-emits any buffered speech,
// regardless of the minimum segment length. Used when the session stops.
func (a *Assembler) Flush() {
	for _, f := range a.pending {
		a.process(f)
	}
	a.pending = nil
	a.closeSegment(true)
}

// DecodeErrors reports how many frames were dropped because Opus decoding
// failed.
func (a *Assembler) DecodeErrors() uint64 { return a.decodeErrs }

// insert places f into the pending buffer, keeping it sorted by timestamp.
// Signed comparison handles the uint32 wraparound. Frames almost always
// arrive in order, so the scan is from the back.
func (a *Assembler) insert(f audio.Frame) {
	i := len(a.pending)
	for i > 0 && int32(a.pending[i-1].Timestamp-f.Timestamp) > 0 {
		i--
	}
	a.pending = append(a.pending, audio.Frame{})
	copy(a.pending[i+1:], a.pending[i:])
	a.pending[i] = f
}

// process decodes one frame and advances the segmentation state machine.
// Frames arrive here in timestamp order; the first one anchors the
// session-relative clock.
func (a *Assembler) process(f audio.Frame) {
	if !a.haveBase {
		a.haveBase = true
		a.baseTS = f.Timestamp
	}

	// A timestamp jump beyond one frame means the speaker went quiet; the
	// transport sends no packets during silence.
	if a.haveLast {
		delta := int32(f.Timestamp - a.lastTS)
		if delta > audio.SamplesPerFrame {
			gap := ticksToDuration(uint32(delta - audio.SamplesPerFrame))
			if len(a.buf) > 0 {
				a.silence += gap
				if a.silence >= a.cfg.SilenceGap {
					a.closeSegment(false)
				}
			}
		}
	}
	a.haveLast = true
	a.lastTS = f.Timestamp

	pcm, err := a.dec.Decode(f.Opus, audio.SamplesPerFrame, false)
	if err != nil {
		a.decodeErrs++
		a.log.Debug("dropping undecodable frame", "error", err, "dropped_total", a.decodeErrs)
		return
	}
	prepared := audio.PrepareForTranscription(pcm, audio.PlatformFormat)

	if audio.RMS(prepared) < a.cfg.SilenceRMS {
		if len(a.buf) == 0 {
			return // nothing open, stay idle
		}
		a.buf = append(a.buf, prepared...)
		a.silence += audio.FrameDuration
		if a.silence >= a.cfg.SilenceGap {
			a.closeSegment(false)
		}
		return
	}

	if len(a.buf) == 0 {
		off := int32(f.Timestamp - a.baseTS)
		if off < 0 {
			off = 0
		}
		a.bufStart = ticksToDuration(uint32(off))
	}
	a.silence = 0
	a.buf = append(a.buf, prepared...)

	if audio.TranscribeFormat.Duration(len(a.buf)) >= a.cfg.MaxSegment {
		a.closeSegment(false)
	}
}

// closeSegment trims the open buffer and emits it as the next segment.
// Sub-minimum segments are discarded unless force is set.
func (a *Assembler) closeSegment(force bool) {
	if len(a.buf) == 0 {
		return
	}

	pcm := audio.TrimSilence(a.buf, a.cfg.SilenceRMS, trimFrame)
	dur := audio.TranscribeFormat.Duration(len(pcm))
	if len(pcm) == 0 || (!force && dur < a.cfg.MinSegment) {
		if len(pcm) > 0 {
			a.shortDropped++
			a.log.Debug("discarding sub-minimum segment", "duration", dur)
		}
		a.reset()
		return
	}

	seg := stt.Segment{
		UserID:  a.userID,
		GuildID: a.guildID,
		Seq:     a.seq,
		Start:   a.bufStart,
		End:     a.bufStart + dur,
		PCM:     append([]int16(nil), pcm...),
	}
	a.seq++
	a.reset()
	a.emit(seg)
}

func (a *Assembler) reset() {
	a.buf = a.buf[:0]
	a.silence = 0
}

func ticksToDuration(ticks uint32) time.Duration {
	return time.Duration(ticks) * time.Second / audio.PlatformSampleRate
}

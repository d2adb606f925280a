package discord

import (
	"log/slog"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/chorushq/chorus/pkg/audio"
)

// capture is one active guild recording: a joined voice connection plus the
// SSRC→user mapping needed to attribute incoming Opus packets. Discord only
// announces the mapping through VoiceSpeakingUpdate events, so packets that
// arrive before a speaker's first speaking notification are dropped.
type capture struct {
	guildID   string
	channelID string // voice channel being captured
	textID    string // text channel transcript lines post to

	vc      *discordgo.VoiceConnection
	deliver func(audio.Frame)
	// onSpeaker fires when a so far unseen user starts speaking, so captures
	// pick up participants who joined after recording started.
	onSpeaker func(userID string)
	log       *slog.Logger

	mu      sync.RWMutex
	ssrc    map[uint32]string
	unknown uint64 // packets dropped for lack of an SSRC mapping

	done      chan struct{}
	loopDone  chan struct{}
	closeOnce sync.Once
}

func newCapture(guildID, channelID, textID string, deliver func(audio.Frame), onSpeaker func(string), log *slog.Logger) *capture {
	return &capture{
		guildID:   guildID,
		channelID: channelID,
		textID:    textID,
		deliver:   deliver,
		onSpeaker: onSpeaker,
		log:       log,
		ssrc:      make(map[uint32]string),
		done:      make(chan struct{}),
		loopDone:  make(chan struct{}),
	}
}

// handleSpeaking records the SSRC→user mapping from a speaking notification
// and announces new speakers. Registered on the voice connection.
func (c *capture) handleSpeaking(vs *discordgo.VoiceSpeakingUpdate) {
	if vs == nil || vs.UserID == "" {
		return
	}
	ssrc := uint32(vs.SSRC)

	c.mu.Lock()
	_, known := c.ssrc[ssrc]
	c.ssrc[ssrc] = vs.UserID
	c.mu.Unlock()

	if !known && c.onSpeaker != nil {
		c.onSpeaker(vs.UserID)
	}
}

// userFor resolves an SSRC to a user ID, or "" when no speaking notification
// has arrived for it yet.
func (c *capture) userFor(ssrc uint32) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ssrc[ssrc]
}

// recvLoop drains the voice connection's Opus stream and hands attributed
// frames to the session layer. Runs until the capture is closed or the
// transport closes the channel.
func (c *capture) recvLoop(recv <-chan *discordgo.Packet) {
	defer close(c.loopDone)

	for {
		select {
		case <-c.done:
			return
		case pkt, ok := <-recv:
			if !ok {
				return
			}
			if pkt == nil {
				continue
			}

			userID := c.userFor(pkt.SSRC)
			if userID == "" {
				c.mu.Lock()
				c.unknown++
				c.mu.Unlock()
				continue
			}

			c.deliver(audio.Frame{
				UserID:    userID,
				GuildID:   c.guildID,
				Timestamp: pkt.Timestamp,
				Opus:      pkt.Opus,
			})
		}
	}
}

// unknownDropped reports how many packets arrived before their speaker was
// identified.
func (c *capture) unknownDropped() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.unknown
}

// close stops the receive loop and leaves the voice channel. Safe to call
// more than once.
func (c *capture) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.vc != nil {
			if err := c.vc.Disconnect(); err != nil {
				c.log.Warn("leaving voice channel failed", "guild_id", c.guildID, "error", err)
			}
		}
	})
}

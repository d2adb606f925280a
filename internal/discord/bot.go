// Package discord is the voice transport adapter: it owns the
// discordgo.Session lifecycle, joins voice channels on request, attributes
// incoming Opus packets to speakers, and feeds them to the session layer as
// [audio.Frame] values.
//
// The bot exposes the four slash commands of the capture surface:
//
//   - /record-start    — join the invoker's voice channel and begin capturing
//   - /record-stop     — stop the guild's capture and leave the channel
//   - /transcribe-name — show or set the invoker's transcript label
//   - /voice-users     — list who is in the invoker's voice channel
//
// Transcript lines are posted back to the text channel /record-start was
// invoked from; the Bot itself is the tail [session.Publisher] of the
// pipeline.
package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/chorushq/chorus/internal/session"
	"github.com/chorushq/chorus/internal/settings"
)

// Compile-time interface assertion.
var _ session.Publisher = (*Bot)(nil)

// commandTimeout bounds the settings-store work of one slash command.
const commandTimeout = 5 * time.Second

// Option configures a Bot.
type Option func(*Bot)

// WithLogger overrides the default logger.
func WithLogger(log *slog.Logger) Option {
	return func(b *Bot) { b.log = log }
}

// Bot owns the Discord gateway connection, routes the capture slash
// commands, and manages one voice capture per guild.
type Bot struct {
	session *discordgo.Session
	mgr     *session.Manager
	store   settings.Store
	guildID string
	log     *slog.Logger

	mu       sync.Mutex
	captures map[string]*capture // guildID → active capture
	commands []*discordgo.ApplicationCommand

	closeOnce sync.Once
}

// New creates a Bot, connects to the Discord gateway, and registers the
// interaction and voice-state handlers. guildID restricts slash-command
// registration to one guild; empty registers globally.
func New(token, guildID string, mgr *session.Manager, store settings.Store, opts ...Option) (*Bot, error) {
	if mgr == nil {
		return nil, errors.New("discord: session manager must not be nil")
	}
	if store == nil {
		return nil, errors.New("discord: settings store must not be nil")
	}

	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}
	s.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildVoiceStates |
		discordgo.IntentsGuildMessages

	if err := s.Open(); err != nil {
		return nil, fmt.Errorf("discord: open session: %w", err)
	}

	b := &Bot{
		session:  s,
		mgr:      mgr,
		store:    store,
		guildID:  guildID,
		log:      slog.Default(),
		captures: make(map[string]*capture),
	}
	for _, o := range opts {
		o(b)
	}

	s.AddHandler(func(s *discordgo.Session, i *discordgo.InteractionCreate) {
		b.handleInteraction(s, i)
	})
	s.AddHandler(func(s *discordgo.Session, vsu *discordgo.VoiceStateUpdate) {
		b.handleVoiceState(s, vsu)
	})

	return b, nil
}

// Run registers the slash commands with the Discord API and blocks until
// ctx is cancelled.
func (b *Bot) Run(ctx context.Context) error {
	appID := b.session.State.User.ID

	registered, err := b.session.ApplicationCommandBulkOverwrite(appID, b.guildID, commandDefinitions())
	if err != nil {
		return fmt.Errorf("discord: register commands: %w", err)
	}
	b.mu.Lock()
	b.commands = registered
	b.mu.Unlock()
	b.log.Info("discord commands registered", "count", len(registered))

	<-ctx.Done()
	return ctx.Err()
}

// Close stops every active capture, unregisters the slash commands, and
// disconnects from the gateway.
func (b *Bot) Close() error {
	var closeErr error
	b.closeOnce.Do(func() {
		b.mu.Lock()
		caps := make([]*capture, 0, len(b.captures))
		for id, c := range b.captures {
			caps = append(caps, c)
			delete(b.captures, id)
		}
		cmds := b.commands
		b.mu.Unlock()

		for _, c := range caps {
			b.mgr.StopGuild(c.guildID)
			c.close()
			<-c.loopDone
		}

		appID := b.session.State.User.ID
		for _, cmd := range cmds {
			if err := b.session.ApplicationCommandDelete(appID, b.guildID, cmd.ID); err != nil {
				b.log.Warn("deleting command failed", "name", cmd.Name, "error", err)
			}
		}

		if err := b.session.Close(); err != nil {
			closeErr = fmt.Errorf("discord: close session: %w", err)
		}
	})
	return closeErr
}

// Publish posts one transcript line to the text channel its guild's capture
// was started from. Lines for guilds without a capture are dropped.
func (b *Bot) Publish(_ context.Context, line session.Line) error {
	b.mu.Lock()
	c := b.captures[line.GuildID]
	b.mu.Unlock()
	if c == nil {
		return nil
	}

	if _, err := b.session.ChannelMessageSend(c.textID, formatLine(line)); err != nil {
		return fmt.Errorf("discord: post transcript line: %w", err)
	}
	return nil
}

// formatLine renders one transcript line as a Discord message.
func formatLine(l session.Line) string {
	if l.Err != nil {
		return fmt.Sprintf("_%s: [transcription failed]_", l.Label)
	}
	return fmt.Sprintf("**%s**: %s", l.Label, l.Text)
}

func commandDefinitions() []*discordgo.ApplicationCommand {
	return []*discordgo.ApplicationCommand{
		{
			Name:        "record-start",
			Description: "Join your voice channel and start transcribing",
		},
		{
			Name:        "record-stop",
			Description: "Stop the active recording on this server",
		},
		{
			Name:        "transcribe-name",
			Description: "Show or set the name used for your transcript lines",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "name",
					Description: "The new transcript name (leave empty to show the current one)",
				},
			},
		},
		{
			Name:        "voice-users",
			Description: "List the users in your voice channel",
		},
	}
}

func (b *Bot) handleInteraction(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionApplicationCommand {
		return
	}

	switch data := i.ApplicationCommandData(); data.Name {
	case "record-start":
		b.handleRecordStart(s, i)
	case "record-stop":
		b.handleRecordStop(s, i)
	case "transcribe-name":
		b.handleTranscribeName(s, i, data)
	case "voice-users":
		b.handleVoiceUsers(s, i)
	}
}

func (b *Bot) handleRecordStart(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if i.GuildID == "" {
		respondEphemeral(s, i, "This command only works on a server.")
		return
	}

	vs, err := s.State.VoiceState(i.GuildID, interactionUserID(i))
	if err != nil || vs == nil || vs.ChannelID == "" {
		respondEphemeral(s, i, "Join a voice channel first, then run `/record-start` again.")
		return
	}

	b.mu.Lock()
	if _, exists := b.captures[i.GuildID]; exists {
		b.mu.Unlock()
		respondEphemeral(s, i, "A recording is already active on this server.")
		return
	}
	b.mu.Unlock()

	// Muted: the bot only listens.
	vc, err := s.ChannelVoiceJoin(i.GuildID, vs.ChannelID, true, false)
	if err != nil {
		b.log.Error("joining voice channel failed", "guild_id", i.GuildID, "channel_id", vs.ChannelID, "error", err)
		respondEphemeral(s, i, "Could not join your voice channel.")
		return
	}

	guildID := i.GuildID
	c := newCapture(guildID, vs.ChannelID, i.ChannelID, b.mgr.HandleFrame, func(userID string) {
		b.startUser(guildID, userID)
	}, b.log)
	c.vc = vc
	vc.AddHandler(func(_ *discordgo.VoiceConnection, vsu *discordgo.VoiceSpeakingUpdate) {
		c.handleSpeaking(vsu)
	})

	b.mu.Lock()
	if _, exists := b.captures[guildID]; exists {
		// Lost the race against a concurrent /record-start.
		b.mu.Unlock()
		c.close()
		respondEphemeral(s, i, "A recording is already active on this server.")
		return
	}
	b.captures[guildID] = c
	b.mu.Unlock()

	// Start captures for everyone already in the channel; later joiners are
	// picked up by their first speaking notification.
	for _, userID := range b.channelOccupants(s, guildID, vs.ChannelID) {
		b.startUser(guildID, userID)
	}

	go c.recvLoop(vc.OpusRecv)

	b.log.Info("recording started", "guild_id", guildID, "channel_id", vs.ChannelID)
	respond(s, i, fmt.Sprintf("Recording started in <#%s>. Transcripts will appear here.", vs.ChannelID))
}

func (b *Bot) handleRecordStop(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if i.GuildID == "" {
		respondEphemeral(s, i, "This command only works on a server.")
		return
	}

	b.mu.Lock()
	c := b.captures[i.GuildID]
	delete(b.captures, i.GuildID)
	b.mu.Unlock()

	if c == nil {
		respondEphemeral(s, i, "No recording is active on this server.")
		return
	}

	b.mgr.StopGuild(i.GuildID)
	c.close()
	<-c.loopDone

	if n := c.unknownDropped(); n > 0 {
		b.log.Info("capture dropped unattributed packets", "guild_id", i.GuildID, "dropped", n)
	}
	b.log.Info("recording stopped", "guild_id", i.GuildID)
	respond(s, i, "Recording stopped.")
}

func (b *Bot) handleTranscribeName(s *discordgo.Session, i *discordgo.InteractionCreate, data discordgo.ApplicationCommandInteractionData) {
	if i.GuildID == "" {
		respondEphemeral(s, i, "This command only works on a server.")
		return
	}
	userID := interactionUserID(i)

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	name := optionString(data, "name")
	if name == "" {
		us, err := b.store.Get(ctx, userID, i.GuildID)
		if err != nil {
			respondEphemeral(s, i, "The settings storage is unreachable right now, try again later.")
			return
		}
		if us == nil || us.TranscribeName == "" {
			respondEphemeral(s, i, "No transcribe name set on this server.")
			return
		}
		respondEphemeral(s, i, fmt.Sprintf("Your transcribe name is **%s**.", us.TranscribeName))
		return
	}

	if _, err := b.store.Upsert(ctx, userID, i.GuildID, name); err != nil {
		b.log.Warn("storing transcribe name failed", "user_id", userID, "guild_id", i.GuildID, "error", err)
		respondEphemeral(s, i, "The settings storage is unreachable right now, try again later.")
		return
	}

	// An active capture picks the new label up immediately.
	if err := b.mgr.RefreshLabel(ctx, userID, i.GuildID); err != nil && !errors.Is(err, session.ErrNoActiveSession) {
		b.log.Warn("refreshing session label failed", "user_id", userID, "guild_id", i.GuildID, "error", err)
	}

	respondEphemeral(s, i, fmt.Sprintf("Transcripts will now label you as **%s**.", name))
}

func (b *Bot) handleVoiceUsers(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if i.GuildID == "" {
		respondEphemeral(s, i, "This command only works on a server.")
		return
	}

	vs, err := s.State.VoiceState(i.GuildID, interactionUserID(i))
	if err != nil || vs == nil || vs.ChannelID == "" {
		respondEphemeral(s, i, "You're not in a voice channel.")
		return
	}

	occupants := b.channelOccupants(s, i.GuildID, vs.ChannelID)
	if len(occupants) == 0 {
		respondEphemeral(s, i, fmt.Sprintf("Nobody is in <#%s>.", vs.ChannelID))
		return
	}

	msg := fmt.Sprintf("Users in <#%s>:", vs.ChannelID)
	for _, userID := range occupants {
		name := b.displayName(i.GuildID, userID)
		if name == "" {
			name = userID
		}
		msg += "\n- " + name
	}
	respondEphemeral(s, i, msg)
}

// handleVoiceState reacts to participants leaving a captured channel and to
// the bot itself being disconnected.
func (b *Bot) handleVoiceState(s *discordgo.Session, vsu *discordgo.VoiceStateUpdate) {
	if vsu == nil {
		return
	}

	b.mu.Lock()
	c := b.captures[vsu.GuildID]
	b.mu.Unlock()
	if c == nil {
		return
	}

	// Bot kicked or moved out of the channel: tear the whole capture down.
	if vsu.UserID == s.State.User.ID && vsu.ChannelID != c.channelID {
		b.mu.Lock()
		delete(b.captures, vsu.GuildID)
		b.mu.Unlock()

		b.mgr.StopGuild(vsu.GuildID)
		c.close()
		<-c.loopDone
		b.log.Info("voice connection lost, recording stopped", "guild_id", vsu.GuildID)
		return
	}

	// A participant left the captured channel: end just their session.
	if vsu.BeforeUpdate != nil && vsu.BeforeUpdate.ChannelID == c.channelID && vsu.ChannelID != c.channelID {
		if err := b.mgr.Stop(vsu.UserID, vsu.GuildID); err != nil && !errors.Is(err, session.ErrNoActiveSession) {
			b.log.Warn("stopping session failed", "user_id", vsu.UserID, "guild_id", vsu.GuildID, "error", err)
		}
	}
}

// startUser begins a capture session for one speaker, using their guild
// display name as the fallback label. Already-active sessions and bot users
// are skipped.
func (b *Bot) startUser(guildID, userID string) {
	if b.isBot(guildID, userID) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	err := b.mgr.Start(ctx, userID, guildID, b.displayName(guildID, userID))
	if err != nil && !errors.Is(err, session.ErrSessionAlreadyActive) {
		b.log.Warn("starting session failed", "user_id", userID, "guild_id", guildID, "error", err)
	}
}

// channelOccupants lists the users currently in a voice channel, the bot
// itself excluded.
func (b *Bot) channelOccupants(s *discordgo.Session, guildID, channelID string) []string {
	guild, err := s.State.Guild(guildID)
	if err != nil {
		b.log.Warn("guild not in state cache", "guild_id", guildID, "error", err)
		return nil
	}

	var out []string
	for _, vs := range guild.VoiceStates {
		if vs.ChannelID == channelID && vs.UserID != s.State.User.ID {
			out = append(out, vs.UserID)
		}
	}
	return out
}

// displayName resolves a member's guild-visible name: nickname, then global
// display name, then username. Returns "" when the member cannot be
// resolved; callers fall back to the user ID.
func (b *Bot) displayName(guildID, userID string) string {
	m := b.member(guildID, userID)
	if m == nil || m.User == nil {
		return ""
	}
	if m.Nick != "" {
		return m.Nick
	}
	if m.User.GlobalName != "" {
		return m.User.GlobalName
	}
	return m.User.Username
}

func (b *Bot) isBot(guildID, userID string) bool {
	m := b.member(guildID, userID)
	return m != nil && m.User != nil && m.User.Bot
}

func (b *Bot) member(guildID, userID string) *discordgo.Member {
	if m, err := b.session.State.Member(guildID, userID); err == nil {
		return m
	}
	m, err := b.session.GuildMember(guildID, userID)
	if err != nil {
		b.log.Warn("member lookup failed", "guild_id", guildID, "user_id", userID, "error", err)
		return nil
	}
	return m
}

// interactionUserID extracts the invoking user's ID, handling both guild
// and DM interactions.
func interactionUserID(i *discordgo.InteractionCreate) string {
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User.ID
	}
	if i.User != nil {
		return i.User.ID
	}
	return ""
}

func optionString(data discordgo.ApplicationCommandInteractionData, name string) string {
	for _, opt := range data.Options {
		if opt.Name == name {
			return opt.StringValue()
		}
	}
	return ""
}

// Package discord provides the Discord bot layer for xenobot. It owns the
// discordgo.Session lifecycle, routes slash command interactions to
// registered handlers, checks command permissions and answers messages that
// mention the bot.
package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/xenobot/internal/observe"
	"github.com/MrWong99/xenobot/pkg/audio"
	discordaudio "github.com/MrWong99/xenobot/pkg/audio/discord"
)

// chatTimeout bounds one mention chat round trip.
const chatTimeout = 2 * time.Minute

// ErrNotReady is reported by [Bot.Ready] while the gateway is not connected.
var ErrNotReady = errors.New("discord: gateway not ready")

// Config holds Discord bot configuration.
type Config struct {
	// Token is the bot token without the "Bot " prefix.
	Token string

	// GuildID restricts commands and voice to one guild. Empty registers
	// commands globally.
	GuildID string

	// OwnerID is the bot owner's user ID.
	OwnerID string

	// SilenceTimeout ends an utterance after this much silence. Zero keeps
	// the voice transport default.
	SilenceTimeout time.Duration

	// Chat answers mentions. Nil disables the mention chat.
	Chat *Chat

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// Bot owns the Discord gateway connection and routes interactions
// to registered command handlers.
type Bot struct {
	mu        sync.RWMutex
	session   *discordgo.Session
	platform  *discordaudio.Platform
	router    *CommandRouter
	perms     *PermissionChecker
	chat      *Chat
	guildID   string
	commands  []*discordgo.ApplicationCommand
	ready     atomic.Bool
	closeOnce sync.Once
}

// New creates a Bot, installs its event handlers and opens the gateway.
func New(cfg Config) (*Bot, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}

	session.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsGuildVoiceStates |
		discordgo.IntentMessageContent

	b := &Bot{
		session: session,
		platform: discordaudio.New(session,
			discordaudio.WithGuild(cfg.GuildID),
			discordaudio.WithSilenceTimeout(cfg.SilenceTimeout),
		),
		router:  NewCommandRouter(cfg.Metrics),
		chat:    cfg.Chat,
		guildID: cfg.GuildID,
	}
	b.perms = NewPermissionChecker(cfg.OwnerID, b.guildOwner)

	session.AddHandler(b.onReady)
	session.AddHandler(func(*discordgo.Session, *discordgo.Resumed) { b.ready.Store(true) })
	session.AddHandler(func(*discordgo.Session, *discordgo.Disconnect) {
		b.ready.Store(false)
		slog.Warn("discord: gateway disconnected")
	})
	session.AddHandler(func(s *discordgo.Session, i *discordgo.InteractionCreate) {
		b.router.Handle(context.Background(), s, i)
	})
	session.AddHandler(b.onMessage)

	if err := session.Open(); err != nil {
		return nil, fmt.Errorf("discord: open session: %w", err)
	}
	return b, nil
}

func (b *Bot) onReady(_ *discordgo.Session, r *discordgo.Ready) {
	b.ready.Store(true)
	slog.Info("discord: logged in", "user", r.User.Username, "guilds", len(r.Guilds))
}

func (b *Bot) onMessage(s *discordgo.Session, m *discordgo.MessageCreate) {
	if b.chat == nil || s.State == nil || s.State.User == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), chatTimeout)
	defer cancel()
	b.chat.Handle(ctx, s, s.State.User.ID, m.Message)
}

// Platform returns the audio.Platform for voice channel connections.
func (b *Bot) Platform() audio.Platform {
	return b.platform
}

// GuildID returns the configured guild ID, or "" for all guilds.
func (b *Bot) GuildID() string {
	return b.guildID
}

// Session returns the underlying discordgo session.
func (b *Bot) Session() *discordgo.Session {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.session
}

// Router returns the command router for registering handlers.
func (b *Bot) Router() *CommandRouter {
	return b.router
}

// Permissions returns the permission checker.
func (b *Bot) Permissions() *PermissionChecker {
	return b.perms
}

// Ready is a readiness probe: it fails while the gateway is not connected.
func (b *Bot) Ready(context.Context) error {
	if !b.ready.Load() {
		return ErrNotReady
	}
	return nil
}

// VoiceChannel returns the voice channel userID is connected to in guildID,
// or "" when the user is not in voice.
func (b *Bot) VoiceChannel(guildID, userID string) (string, error) {
	vs, err := b.session.State.VoiceState(guildID, userID)
	if errors.Is(err, discordgo.ErrStateNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("discord: voice state: %w", err)
	}
	return vs.ChannelID, nil
}

// guildOwner resolves a guild's owner from the state cache, falling back to
// the REST API.
func (b *Bot) guildOwner(guildID string) (string, error) {
	if g, err := b.session.State.Guild(guildID); err == nil {
		return g.OwnerID, nil
	}
	g, err := b.session.Guild(guildID)
	if err != nil {
		return "", fmt.Errorf("discord: fetch guild %q: %w", guildID, err)
	}
	return g.OwnerID, nil
}

// Run registers slash commands with the Discord API and blocks until
// ctx is cancelled.
func (b *Bot) Run(ctx context.Context) error {
	b.mu.RLock()
	appID := b.session.State.User.ID
	b.mu.RUnlock()

	cmds := b.router.ApplicationCommands()
	if len(cmds) > 0 {
		registered, err := b.session.ApplicationCommandBulkOverwrite(appID, b.guildID, cmds)
		if err != nil {
			return fmt.Errorf("discord: register commands: %w", err)
		}
		b.mu.Lock()
		b.commands = registered
		b.mu.Unlock()
		slog.Info("discord: commands registered", "count", len(registered), "guild_id", b.guildID)
	}

	<-ctx.Done()
	return ctx.Err()
}

// Close unregisters commands and disconnects from Discord.
func (b *Bot) Close() error {
	var closeErr error
	b.closeOnce.Do(func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		if b.session != nil && len(b.commands) > 0 {
			appID := b.session.State.User.ID
			for _, cmd := range b.commands {
				if err := b.session.ApplicationCommandDelete(appID, b.guildID, cmd.ID); err != nil {
					slog.Warn("discord: failed to delete command", "name", cmd.Name, "err", err)
				}
			}
		}

		b.ready.Store(false)
		if b.session != nil {
			if err := b.session.Close(); err != nil {
				closeErr = fmt.Errorf("discord: close session: %w", err)
			}
		}

		slog.Info("discord: bot closed")
	})
	return closeErr
}

// Package commands implements the xenobot slash commands.
package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/xenobot/internal/app"
	"github.com/MrWong99/xenobot/internal/discord"
)

// disconnectTimeout bounds waiting for the relay to stop on /disconnect.
const disconnectTimeout = 10 * time.Second

// Replies.
const (
	msgNoPermission    = "You don't have permission to use this command."
	msgOwnerOnly       = "Only the bot owner can use this command."
	msgVoiceDisabled   = "Voice mode is disabled."
	msgNotInVoice      = "You need to be in a voice channel to use this command!"
	msgConnected       = "Connected to voice channel!"
	msgAlreadyInVoice  = "Already connected to a voice channel. Use /disconnect first."
	msgDisconnected    = "Disconnected from the voice channel."
	msgStyleChanged    = "AI acting style changed to: %s"
	msgExperimentsDone = "Experiments updated. Voice mode is now %s."
)

// VoiceChannelFunc returns the voice channel a user is connected to in a
// guild, or "" when the user is not in voice.
type VoiceChannelFunc func(guildID, userID string) (string, error)

// VoiceCommands holds the dependencies for /connect, /disconnect, /actlike
// and /experiments.
type VoiceCommands struct {
	sessions     *app.SessionManager
	perms        *discord.PermissionChecker
	voiceChannel VoiceChannelFunc
}

// NewVoiceCommands creates a VoiceCommands and registers its handlers with
// the bot's router.
func NewVoiceCommands(bot *discord.Bot, sessions *app.SessionManager) *VoiceCommands {
	vc := New(sessions, bot.Permissions(), bot.VoiceChannel)
	vc.Register(bot.Router())
	return vc
}

// New creates a VoiceCommands without registering it.
func New(sessions *app.SessionManager, perms *discord.PermissionChecker, voiceChannel VoiceChannelFunc) *VoiceCommands {
	return &VoiceCommands{sessions: sessions, perms: perms, voiceChannel: voiceChannel}
}

// Register registers every command with the router.
func (vc *VoiceCommands) Register(router *discord.CommandRouter) {
	for _, def := range Definitions() {
		var h discord.HandlerFunc
		switch def.Name {
		case "connect":
			h = vc.handleConnect
		case "disconnect":
			h = vc.handleDisconnect
		case "actlike":
			h = vc.handleActLike
		case "experiments":
			h = vc.handleExperiments
		}
		router.RegisterCommand(def, h)
	}
}

// Definitions returns the ApplicationCommand definitions for Discord.
func Definitions() []*discordgo.ApplicationCommand {
	return []*discordgo.ApplicationCommand{
		{
			Name:        "actlike",
			Description: "Set how the AI should act (restricted).",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "style",
					Description: "A short description of how the AI should act.",
					Required:    true,
				},
			},
		},
		{
			Name:        "experiments",
			Description: "Configure experimental features (owner only).",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionBoolean,
					Name:        "voice_mode",
					Description: "Enable or disable voice mode.",
				},
			},
		},
		{
			Name:        "connect",
			Description: "Connects the bot to your current voice channel (if voice-mode enabled).",
		},
		{
			Name:        "disconnect",
			Description: "Disconnects the bot from the current voice channel",
		},
	}
}

// ── /connect ─────────────────────────────────────────────────────────────────

func (vc *VoiceCommands) handleConnect(ctx context.Context, r discord.Responder, i *discordgo.InteractionCreate) error {
	if err := discord.DeferReply(r, i); err != nil {
		return err
	}
	if !vc.sessions.VoiceMode() {
		return discord.FollowUp(r, i, msgVoiceDisabled)
	}

	userID := discord.UserID(i)
	channelID, err := vc.voiceChannel(i.GuildID, userID)
	if err != nil {
		slog.Warn("commands: voice state lookup failed", "err", err, "user_id", userID)
	}
	if channelID == "" {
		return discord.FollowUp(r, i, msgNotInVoice)
	}

	err = vc.sessions.Connect(ctx, i.GuildID, channelID, userID)
	switch {
	case errors.Is(err, app.ErrAlreadyConnected):
		return discord.FollowUp(r, i, msgAlreadyInVoice)
	case err != nil:
		slog.Error("commands: connect failed", "err", err, "channel_id", channelID)
		return discord.FollowUp(r, i, fmt.Sprintf("Failed to connect: %v", err))
	}
	return discord.FollowUp(r, i, msgConnected)
}

// ── /disconnect ──────────────────────────────────────────────────────────────

func (vc *VoiceCommands) handleDisconnect(ctx context.Context, r discord.Responder, i *discordgo.InteractionCreate) error {
	if err := discord.DeferReply(r, i); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, disconnectTimeout)
	defer cancel()

	if err := vc.sessions.Disconnect(ctx); err != nil && !errors.Is(err, app.ErrNotConnected) {
		slog.Warn("commands: disconnect", "err", err)
	}
	return discord.FollowUp(r, i, msgDisconnected)
}

// ── /actlike ─────────────────────────────────────────────────────────────────

func (vc *VoiceCommands) handleActLike(_ context.Context, r discord.Responder, i *discordgo.InteractionCreate) error {
	if !vc.perms.CanManage(i) {
		return discord.RespondEphemeral(r, i, msgNoPermission)
	}
	style, ok := stringOption(i, "style")
	if !ok {
		return errors.New("commands: actlike: missing style option")
	}
	vc.sessions.SetInstructions(style)
	return discord.RespondEphemeral(r, i, fmt.Sprintf(msgStyleChanged, style))
}

// ── /experiments ─────────────────────────────────────────────────────────────

func (vc *VoiceCommands) handleExperiments(_ context.Context, r discord.Responder, i *discordgo.InteractionCreate) error {
	if !vc.perms.IsBotOwner(i) {
		return discord.RespondEphemeral(r, i, msgOwnerOnly)
	}
	if enabled, ok := boolOption(i, "voice_mode"); ok {
		vc.sessions.SetVoiceMode(enabled)
	}
	state := "disabled"
	if vc.sessions.VoiceMode() {
		state = "enabled"
	}
	return discord.RespondEphemeral(r, i, fmt.Sprintf(msgExperimentsDone, state))
}

// ── Options ──────────────────────────────────────────────────────────────────

func option(i *discordgo.InteractionCreate, name string) *discordgo.ApplicationCommandInteractionDataOption {
	for _, o := range i.ApplicationCommandData().Options {
		if o.Name == name {
			return o
		}
	}
	return nil
}

func stringOption(i *discordgo.InteractionCreate, name string) (string, bool) {
	o := option(i, name)
	if o == nil || o.Type != discordgo.ApplicationCommandOptionString {
		return "", false
	}
	return o.StringValue(), true
}

func boolOption(i *discordgo.InteractionCreate, name string) (bool, bool) {
	o := option(i, name)
	if o == nil || o.Type != discordgo.ApplicationCommandOptionBoolean {
		return false, false
	}
	return o.BoolValue(), true
}

package commands

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/xenobot/internal/app"
	"github.com/MrWong99/xenobot/internal/discord"
	"github.com/MrWong99/xenobot/internal/discord/mock"
	"github.com/MrWong99/xenobot/pkg/audio"
	audiomock "github.com/MrWong99/xenobot/pkg/audio/mock"
	s2smock "github.com/MrWong99/xenobot/pkg/provider/s2s/mock"
)

const (
	guildID = "guild-1"
	ownerID = "bot-owner"
)

type testEnv struct {
	vc       *VoiceCommands
	router   *discord.CommandRouter
	sessions *app.SessionManager
	platform *audiomock.Platform
	provider *s2smock.Provider
	inVoice  map[string]string // user → voice channel
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		platform: &audiomock.Platform{
			NewConn: func() audio.Connection { return audiomock.NewConnection(audio.DiscordFormat) },
		},
		provider: &s2smock.Provider{},
		inVoice:  map[string]string{"user-1": "voice-1"},
	}
	env.sessions = app.NewSessionManager(app.SessionManagerConfig{
		Platform:     env.platform,
		Provider:     env.provider,
		Instructions: "You are a helpful AI. Respond as instructed.",
		Voice:        "echo",
		VoiceMode:    true,
	})
	t.Cleanup(func() { _ = env.sessions.Shutdown(context.Background()) })

	perms := discord.NewPermissionChecker(ownerID, func(string) (string, error) { return "guild-owner", nil })
	voiceChannel := func(_, userID string) (string, error) { return env.inVoice[userID], nil }
	env.vc = New(env.sessions, perms, voiceChannel)
	env.router = discord.NewCommandRouter(nil)
	env.vc.Register(env.router)
	return env
}

// run dispatches a command through the router and returns the texts sent
// back to the user.
func (env *testEnv) run(t *testing.T, name, userID string, opts ...*discordgo.ApplicationCommandInteractionDataOption) (*mock.InteractionResponder, []string) {
	t.Helper()
	resp := &mock.InteractionResponder{}
	i := &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			Type:    discordgo.InteractionApplicationCommand,
			GuildID: guildID,
			Member:  &discordgo.Member{User: &discordgo.User{ID: userID}},
			Data:    discordgo.ApplicationCommandInteractionData{Name: name, Options: opts},
		},
	}
	env.router.Handle(context.Background(), resp, i)
	return resp, resp.Replies()
}

func stringOpt(name, v string) *discordgo.ApplicationCommandInteractionDataOption {
	return &discordgo.ApplicationCommandInteractionDataOption{Name: name, Type: discordgo.ApplicationCommandOptionString, Value: v}
}

func boolOpt(name string, v bool) *discordgo.ApplicationCommandInteractionDataOption {
	return &discordgo.ApplicationCommandInteractionDataOption{Name: name, Type: discordgo.ApplicationCommandOptionBoolean, Value: v}
}

func wantReplies(t *testing.T, got []string, want ...string) {
	t.Helper()
	if !slices.Equal(got, want) {
		t.Errorf("replies = %q, want %q", got, want)
	}
}

func TestDefinitions(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	var names []string
	for _, c := range env.router.ApplicationCommands() {
		names = append(names, c.Name)
	}
	if want := []string{"actlike", "connect", "disconnect", "experiments"}; !slices.Equal(names, want) {
		t.Errorf("commands = %v, want %v", names, want)
	}
}

// ── /connect ─────────────────────────────────────────────────────────────────

func TestConnect_Success(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	resp, replies := env.run(t, "connect", "user-1")
	wantReplies(t, replies, msgConnected)

	first := resp.Responses[0]
	if first.Type != discordgo.InteractionResponseDeferredChannelMessageWithSource {
		t.Errorf("first response type = %v, want deferred", first.Type)
	}
	if first.Data.Flags&discordgo.MessageFlagsEphemeral == 0 {
		t.Error("deferred reply is not ephemeral")
	}
	if !env.sessions.IsActive() {
		t.Fatal("session not active after /connect")
	}
	if info := env.sessions.Info(); info.ChannelID != "voice-1" || info.StartedBy != "user-1" {
		t.Errorf("session info = %+v", info)
	}
}

func TestConnect_VoiceModeDisabled(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.sessions.SetVoiceMode(false)

	_, replies := env.run(t, "connect", "user-1")
	wantReplies(t, replies, msgVoiceDisabled)
	if len(env.platform.ConnectCalls) != 0 {
		t.Error("joined voice with voice mode disabled")
	}
}

func TestConnect_NotInVoice(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	_, replies := env.run(t, "connect", "user-2")
	wantReplies(t, replies, msgNotInVoice)
	if env.sessions.IsActive() {
		t.Error("session active without a voice channel")
	}
}

func TestConnect_AlreadyConnected(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	env.run(t, "connect", "user-1")
	_, replies := env.run(t, "connect", "user-1")
	wantReplies(t, replies, msgAlreadyInVoice)
}

func TestConnect_RealtimeFailureIsReported(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.provider.ConnectErr = errors.New("invalid api key")

	_, replies := env.run(t, "connect", "user-1")
	if len(replies) != 1 || !strings.HasPrefix(replies[0], "Failed to connect:") || !strings.Contains(replies[0], "invalid api key") {
		t.Errorf("replies = %q, want connect failure", replies)
	}
	if env.sessions.IsActive() {
		t.Error("session active after failed connect")
	}
}

// ── /disconnect ──────────────────────────────────────────────────────────────

func TestDisconnect(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	env.run(t, "connect", "user-1")
	_, replies := env.run(t, "disconnect", "user-1")
	wantReplies(t, replies, msgDisconnected)
	if env.sessions.IsActive() {
		t.Error("session still active after /disconnect")
	}
}

func TestDisconnect_WhenIdle(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	_, replies := env.run(t, "disconnect", "user-1")
	wantReplies(t, replies, msgDisconnected)
}

// ── /actlike ─────────────────────────────────────────────────────────────────

func TestActLike(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		userID  string
		want    string
		applied bool
	}{
		{"guild owner", "guild-owner", "AI acting style changed to: a grumpy wizard", true},
		{"bot owner", ownerID, "AI acting style changed to: a grumpy wizard", true},
		{"regular member", "user-1", msgNoPermission, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			env := newTestEnv(t)

			resp, replies := env.run(t, "actlike", tt.userID, stringOpt("style", "a grumpy wizard"))
			wantReplies(t, replies, tt.want)
			if d := resp.LastResponse().Data; d.Flags&discordgo.MessageFlagsEphemeral == 0 {
				t.Error("reply is not ephemeral")
			}
			if got := env.sessions.Instructions() == "a grumpy wizard"; got != tt.applied {
				t.Errorf("persona applied = %v, want %v", got, tt.applied)
			}
		})
	}
}

func TestActLike_AppliesToNextSession(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	env.run(t, "actlike", ownerID, stringOpt("style", "a pirate"))
	env.run(t, "connect", "user-1")

	calls := env.provider.Calls()
	if len(calls) != 1 || !strings.HasPrefix(calls[0].Cfg.Instructions, "a pirate\nToday's date is ") {
		t.Errorf("realtime instructions = %+v", calls)
	}
}

// ── /experiments ─────────────────────────────────────────────────────────────

func TestExperiments(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	_, replies := env.run(t, "experiments", "guild-owner", boolOpt("voice_mode", false))
	wantReplies(t, replies, msgOwnerOnly)
	if !env.sessions.VoiceMode() {
		t.Fatal("non-owner changed voice mode")
	}

	_, replies = env.run(t, "experiments", ownerID, boolOpt("voice_mode", false))
	wantReplies(t, replies, "Experiments updated. Voice mode is now disabled.")
	if env.sessions.VoiceMode() {
		t.Error("voice mode still enabled")
	}

	_, replies = env.run(t, "experiments", ownerID)
	wantReplies(t, replies, "Experiments updated. Voice mode is now disabled.")

	_, replies = env.run(t, "experiments", ownerID, boolOpt("voice_mode", true))
	wantReplies(t, replies, "Experiments updated. Voice mode is now enabled.")
}

package discord

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/xenobot/internal/discord/mock"
)

func TestCommandRouter_ApplicationCommandsSorted(t *testing.T) {
	t.Parallel()

	r := NewCommandRouter(nil)
	noop := func(context.Context, Responder, *discordgo.InteractionCreate) error { return nil }
	for _, name := range []string{"experiments", "actlike", "connect"} {
		r.RegisterCommand(&discordgo.ApplicationCommand{Name: name}, noop)
	}
	r.RegisterCommand(&discordgo.ApplicationCommand{Name: "connect", Description: "again"}, noop)

	var names []string
	for _, c := range r.ApplicationCommands() {
		names = append(names, c.Name)
	}
	if want := []string{"actlike", "connect", "experiments"}; !slices.Equal(names, want) {
		t.Errorf("ApplicationCommands = %v, want %v", names, want)
	}
}

func TestCommandRouter_Handle(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		command     string
		handler     HandlerFunc
		wantReplies []string
		wantStatus  string
	}{
		{
			name:    "handler answers",
			command: "ping",
			handler: func(_ context.Context, r Responder, i *discordgo.InteractionCreate) error {
				return RespondEphemeral(r, i, "pong")
			},
			wantReplies: []string{"pong"},
			wantStatus:  statusOK,
		},
		{
			name:    "error before answering gets generic reply",
			command: "ping",
			handler: func(context.Context, Responder, *discordgo.InteractionCreate) error {
				return errors.New("boom")
			},
			wantReplies: []string{errorReply},
			wantStatus:  statusError,
		},
		{
			name:    "error after answering keeps the answer",
			command: "ping",
			handler: func(_ context.Context, r Responder, i *discordgo.InteractionCreate) error {
				_ = RespondEphemeral(r, i, "partial")
				return errors.New("boom")
			},
			wantReplies: []string{"partial"},
			wantStatus:  statusError,
		},
		{
			name:    "panic is recovered",
			command: "ping",
			handler: func(context.Context, Responder, *discordgo.InteractionCreate) error {
				panic("nil map")
			},
			wantReplies: []string{errorReply},
			wantStatus:  statusError,
		},
		{
			name:        "unknown command",
			command:     "nope",
			wantReplies: []string{"Unknown command."},
			wantStatus:  statusUnknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			m, reader := newTestMetrics(t)
			r := NewCommandRouter(m)
			if tt.handler != nil {
				r.RegisterCommand(&discordgo.ApplicationCommand{Name: "ping"}, tt.handler)
			}
			resp := &mock.InteractionResponder{}

			r.Handle(context.Background(), resp, command(tt.command, "user-1"))

			if got := resp.Replies(); !slices.Equal(got, tt.wantReplies) {
				t.Errorf("replies = %q, want %q", got, tt.wantReplies)
			}
			if n := counter(t, reader, "xenobot.commands", "status", tt.wantStatus); n != 1 {
				t.Errorf("commands{status=%s} = %d, want 1", tt.wantStatus, n)
			}
		})
	}
}

func TestCommandRouter_IgnoresNonCommands(t *testing.T) {
	t.Parallel()

	r := NewCommandRouter(nil)
	resp := &mock.InteractionResponder{}
	r.Handle(context.Background(), resp, &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{Type: discordgo.InteractionMessageComponent},
	})
	if len(resp.Responses) != 0 {
		t.Errorf("responses = %d, want 0", len(resp.Responses))
	}
}

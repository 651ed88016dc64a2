package discord

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/xenobot/internal/observe"
)

// errorReply is sent when a handler fails before answering.
const errorReply = "An error occurred."

// Command statuses recorded with [observe.Metrics.RecordCommand].
const (
	statusOK      = "ok"
	statusError   = "error"
	statusUnknown = "unknown"
)

// HandlerFunc handles one slash command invocation. A returned error is
// logged; if the handler had not answered yet the user gets a generic error
// reply.
type HandlerFunc func(ctx context.Context, r Responder, i *discordgo.InteractionCreate) error

type commandEntry struct {
	command *discordgo.ApplicationCommand
	handler HandlerFunc
}

// CommandRouter dispatches slash command interactions to registered handlers.
type CommandRouter struct {
	mu       sync.RWMutex
	commands map[string]commandEntry // command name → entry
	metrics  *observe.Metrics
}

// NewCommandRouter creates an empty router. A nil m selects
// [observe.DefaultMetrics].
func NewCommandRouter(m *observe.Metrics) *CommandRouter {
	if m == nil {
		m = observe.DefaultMetrics()
	}
	return &CommandRouter{
		commands: make(map[string]commandEntry),
		metrics:  m,
	}
}

// RegisterCommand registers handler for cmd. Registering the same name again
// replaces the previous entry.
func (r *CommandRouter) RegisterCommand(cmd *discordgo.ApplicationCommand, handler HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands[cmd.Name] = commandEntry{command: cmd, handler: handler}
}

// ApplicationCommands returns the registered command definitions sorted by
// name, ready for bulk registration with the Discord API.
func (r *CommandRouter) ApplicationCommands() []*discordgo.ApplicationCommand {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cmds := make([]*discordgo.ApplicationCommand, 0, len(r.commands))
	for _, entry := range r.commands {
		cmds = append(cmds, entry.command)
	}
	slices.SortFunc(cmds, func(a, b *discordgo.ApplicationCommand) int {
		return strings.Compare(a.Name, b.Name)
	})
	return cmds
}

// Handle dispatches a slash command interaction. Other interaction types are
// ignored.
func (r *CommandRouter) Handle(ctx context.Context, resp Responder, i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionApplicationCommand {
		slog.Debug("discord: ignoring interaction", "type", i.Type)
		return
	}
	name := i.ApplicationCommandData().Name

	r.mu.RLock()
	entry, ok := r.commands[name]
	r.mu.RUnlock()

	if !ok {
		slog.Warn("discord: unknown command", "command", name)
		if err := RespondEphemeral(resp, i, "Unknown command."); err != nil {
			slog.Warn("discord: could not send interaction reply", "err", err)
		}
		r.metrics.RecordCommand(ctx, name, statusUnknown)
		return
	}

	ctx, span := observe.StartSpan(ctx, "discord.command", trace.WithAttributes(
		observe.AttrCommand.String(name),
		observe.AttrUserID.String(UserID(i)),
	))
	slog.Info("discord: received command", "command", name, "user_id", UserID(i))

	tr := &trackingResponder{Responder: resp}
	err := invoke(ctx, entry.handler, tr, i)
	observe.EndSpan(span, err)

	status := statusOK
	if err != nil {
		status = statusError
		observe.Logger(ctx).Error("discord: command failed", "command", name, "err", err)
		if !tr.sent.Load() {
			if rerr := RespondEphemeral(resp, i, errorReply); rerr != nil {
				slog.Warn("discord: could not send interaction reply", "err", rerr)
			}
		}
	}
	r.metrics.RecordCommand(ctx, name, status)
}

// invoke runs h and turns a panic into an error.
func invoke(ctx context.Context, h HandlerFunc, r Responder, i *discordgo.InteractionCreate) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("discord: handler panic: %v", p)
		}
	}()
	return h(ctx, r, i)
}

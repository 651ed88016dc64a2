package discord

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/xenobot/internal/observe"
	"github.com/MrWong99/xenobot/pkg/provider/llm"
)

// MaxMessageLength is Discord's limit for one message, in characters.
const MaxMessageLength = 2000

// Replies sent by the mention chat.
const (
	chatEmptyPrompt = "Hello! Please say something after mentioning me."
	chatNoResponse  = "Sorry, I have no response at this time."
	chatFailed      = "Sorry, something went wrong trying to get a response."
)

// MessageSender is the subset of the Discord API used by the mention chat.
// [*discordgo.Session] satisfies it.
type MessageSender interface {
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelTyping(channelID string, options ...discordgo.RequestOption) error
}

var _ MessageSender = (*discordgo.Session)(nil)

// ChatConfig configures a [Chat].
type ChatConfig struct {
	// Provider generates the replies.
	Provider llm.Provider

	// Persona returns the current system prompt. It is read on every message
	// so persona changes apply immediately.
	Persona func() string

	// History is how many of an author's recent messages are sent. Values
	// below 1 are treated as 1.
	History int

	Temperature float64
	MaxTokens   int

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// Chat answers guild messages that mention the bot or reply to it with a
// chat completion built from the author's last few messages.
type Chat struct {
	cfg ChatConfig

	mu        sync.Mutex
	histories map[string][]string // author ID → oldest first
}

// NewChat creates a Chat.
func NewChat(cfg ChatConfig) *Chat {
	if cfg.History < 1 {
		cfg.History = 1
	}
	if cfg.Persona == nil {
		cfg.Persona = func() string { return "" }
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	return &Chat{cfg: cfg, histories: make(map[string][]string)}
}

// Handle processes one message. botID is the bot's own user ID. Messages
// that do not address the bot are ignored.
func (c *Chat) Handle(ctx context.Context, s MessageSender, botID string, m *discordgo.Message) {
	if !addressesBot(botID, m) {
		return
	}

	text := stripMention(m.Content, botID)
	if text == "" {
		c.send(s, m, chatEmptyPrompt)
		return
	}

	history := c.remember(m.Author.ID, text)
	if err := s.ChannelTyping(m.ChannelID); err != nil {
		slog.Debug("discord: typing indicator", "err", err)
	}

	reply, err := c.complete(ctx, m, history)
	switch {
	case err != nil:
		c.send(s, m, chatFailed)
	case reply == "":
		c.send(s, m, chatNoResponse)
	default:
		c.send(s, m, reply)
	}
}

func (c *Chat) complete(ctx context.Context, m *discordgo.Message, history []string) (_ string, err error) {
	ctx, span := observe.StartSpan(ctx, "discord.chat", trace.WithAttributes(
		observe.AttrChannelID.String(m.ChannelID),
		observe.AttrUserID.String(m.Author.ID),
		attribute.Int("history", len(history)),
	))
	defer func() { observe.EndSpan(span, err) }()

	msgs := make([]llm.Message, len(history))
	for i, h := range history {
		msgs[i] = llm.Message{Role: llm.RoleUser, Content: h}
	}

	start := time.Now()
	resp, err := c.cfg.Provider.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: c.cfg.Persona(),
		Messages:     msgs,
		Temperature:  c.cfg.Temperature,
		MaxTokens:    c.cfg.MaxTokens,
	})
	c.cfg.Metrics.ChatDuration.Record(ctx, time.Since(start).Seconds())

	status := "ok"
	if err != nil {
		status = "error"
	}
	c.cfg.Metrics.RecordProviderRequest(ctx, "chat", "completion", status)
	if err != nil {
		observe.Logger(ctx).Error("discord: chat completion failed", "err", err, "channel_id", m.ChannelID, "user_id", m.Author.ID)
		return "", fmt.Errorf("discord: chat completion: %w", err)
	}
	if resp == nil {
		return "", nil
	}
	span.SetAttributes(attribute.Int("tokens", resp.Usage.TotalTokens))
	return strings.TrimSpace(resp.Content), nil
}

// remember appends text to the author's history and returns a copy of it.
func (c *Chat) remember(authorID, text string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	h := append(c.histories[authorID], text)
	if len(h) > c.cfg.History {
		h = slices.Clone(h[len(h)-c.cfg.History:])
	}
	c.histories[authorID] = h
	return slices.Clone(h)
}

// send replies to m, splitting text that exceeds Discord's limit. Only the
// first part references m.
func (c *Chat) send(s MessageSender, m *discordgo.Message, text string) {
	for n, part := range SplitMessage(text, MaxMessageLength) {
		msg := &discordgo.MessageSend{Content: part}
		if n == 0 {
			msg.Reference = &discordgo.MessageReference{
				MessageID: m.ID,
				ChannelID: m.ChannelID,
				GuildID:   m.GuildID,
			}
		}
		if _, err := s.ChannelMessageSendComplex(m.ChannelID, msg); err != nil {
			slog.Warn("discord: send chat reply", "err", err, "channel_id", m.ChannelID, "part", n)
			return
		}
	}
}

// addressesBot reports whether m is a guild message from a human that
// mentions the bot or replies to one of its messages.
func addressesBot(botID string, m *discordgo.Message) bool {
	if botID == "" || m.GuildID == "" || m.Author == nil || m.Author.Bot || m.Author.ID == botID {
		return false
	}
	if slices.ContainsFunc(m.Mentions, func(u *discordgo.User) bool { return u != nil && u.ID == botID }) {
		return true
	}
	ref := m.ReferencedMessage
	return ref != nil && ref.Author != nil && ref.Author.ID == botID
}

// stripMention removes every mention of botID from content.
func stripMention(content, botID string) string {
	content = strings.ReplaceAll(content, "<@"+botID+">", "")
	content = strings.ReplaceAll(content, "<@!"+botID+">", "")
	return strings.TrimSpace(content)
}

// SplitMessage cuts text into parts of at most limit characters, preferring
// to break at a newline, then at a space.
func SplitMessage(text string, limit int) []string {
	text = strings.TrimSpace(text)
	var parts []string
	for utf8.RuneCountInString(text) > limit {
		cut := runeOffset(text, limit)
		if i := strings.LastIndexByte(text[:cut], '\n'); i > 0 {
			cut = i
		} else if i := strings.LastIndexByte(text[:cut], ' '); i > 0 {
			cut = i
		}
		parts = append(parts, strings.TrimSpace(text[:cut]))
		text = strings.TrimSpace(text[cut:])
	}
	if text != "" {
		parts = append(parts, text)
	}
	return parts
}

// runeOffset returns the byte offset of the n-th rune of s.
func runeOffset(s string, n int) int {
	count := 0
	for i := range s {
		if count == n {
			return i
		}
		count++
	}
	return len(s)
}

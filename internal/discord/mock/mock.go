// Package mock provides test doubles for the Discord API surfaces used by
// the bot layer.
package mock

import (
	"slices"
	"sync"

	"github.com/bwmarrin/discordgo"
)

// InteractionResponder records interaction responses for test assertions.
type InteractionResponder struct {
	mu sync.Mutex

	// Responses records all InteractionRespond calls.
	Responses []*discordgo.InteractionResponse

	// FollowUps records all FollowupMessageCreate calls.
	FollowUps []*discordgo.WebhookParams

	// Err is returned by InteractionRespond and FollowupMessageCreate
	// when non-nil, allowing error injection.
	Err error
}

// InteractionRespond records the response and returns the configured error.
func (m *InteractionResponder) InteractionRespond(_ *discordgo.Interaction, resp *discordgo.InteractionResponse, _ ...discordgo.RequestOption) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Responses = append(m.Responses, resp)
	return m.Err
}

// FollowupMessageCreate records the follow-up and returns a stub message.
func (m *InteractionResponder) FollowupMessageCreate(_ *discordgo.Interaction, _ bool, params *discordgo.WebhookParams, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.FollowUps = append(m.FollowUps, params)
	if m.Err != nil {
		return nil, m.Err
	}
	return &discordgo.Message{ID: "mock-followup"}, nil
}

// LastResponse returns the most recently recorded response, or nil.
func (m *InteractionResponder) LastResponse() *discordgo.InteractionResponse {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Responses) == 0 {
		return nil
	}
	return m.Responses[len(m.Responses)-1]
}

// LastFollowUp returns the most recently recorded follow-up, or nil.
func (m *InteractionResponder) LastFollowUp() *discordgo.WebhookParams {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.FollowUps) == 0 {
		return nil
	}
	return m.FollowUps[len(m.FollowUps)-1]
}

// Replies returns the text of every reply in order: immediate responses
// first, then follow-ups. Deferred acknowledgements carry no text and are
// skipped.
func (m *InteractionResponder) Replies() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, r := range m.Responses {
		if r.Data != nil && r.Data.Content != "" {
			out = append(out, r.Data.Content)
		}
	}
	for _, f := range m.FollowUps {
		out = append(out, f.Content)
	}
	return out
}

// Reset clears all recorded interactions and errors.
func (m *InteractionResponder) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Responses = nil
	m.FollowUps = nil
	m.Err = nil
}

// MessageSender records channel messages for test assertions.
type MessageSender struct {
	mu sync.Mutex

	// Sent records every ChannelMessageSendComplex call.
	Sent []*discordgo.MessageSend

	// TypingCalls counts ChannelTyping calls.
	TypingCalls int

	// SendErr is returned by ChannelMessageSendComplex when non-nil.
	SendErr error
}

// ChannelMessageSendComplex records the message.
func (m *MessageSender) ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Sent = append(m.Sent, data)
	if m.SendErr != nil {
		return nil, m.SendErr
	}
	return &discordgo.Message{ID: "mock-message", ChannelID: channelID, Content: data.Content}, nil
}

// ChannelTyping counts the call.
func (m *MessageSender) ChannelTyping(string, ...discordgo.RequestOption) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TypingCalls++
	return nil
}

// Messages returns a copy of the sent messages. Thread-safe.
func (m *MessageSender) Messages() []*discordgo.MessageSend {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.Sent)
}

package discord

import (
	"fmt"
	"sync/atomic"

	"github.com/bwmarrin/discordgo"
)

// Responder is the subset of the Discord API used to answer interactions.
// [*discordgo.Session] satisfies it.
type Responder interface {
	InteractionRespond(i *discordgo.Interaction, resp *discordgo.InteractionResponse, options ...discordgo.RequestOption) error
	FollowupMessageCreate(i *discordgo.Interaction, wait bool, data *discordgo.WebhookParams, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

var _ Responder = (*discordgo.Session)(nil)

// RespondEphemeral sends an ephemeral text response to an interaction.
func RespondEphemeral(r Responder, i *discordgo.InteractionCreate, content string) error {
	err := r.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: content,
			Flags:   discordgo.MessageFlagsEphemeral,
		},
	})
	if err != nil {
		return fmt.Errorf("discord: ephemeral response: %w", err)
	}
	return nil
}

// DeferReply acknowledges the interaction with an ephemeral "thinking" state.
// The answer must follow through [FollowUp].
func DeferReply(r Responder, i *discordgo.InteractionCreate) error {
	err := r.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Flags: discordgo.MessageFlagsEphemeral,
		},
	})
	if err != nil {
		return fmt.Errorf("discord: defer reply: %w", err)
	}
	return nil
}

// FollowUp sends the answer to a deferred interaction.
func FollowUp(r Responder, i *discordgo.InteractionCreate, content string) error {
	_, err := r.FollowupMessageCreate(i.Interaction, true, &discordgo.WebhookParams{
		Content: content,
		Flags:   discordgo.MessageFlagsEphemeral,
	})
	if err != nil {
		return fmt.Errorf("discord: follow-up: %w", err)
	}
	return nil
}

// trackingResponder remembers whether anything reached the user, so the
// router knows if a generic error reply is still possible.
type trackingResponder struct {
	Responder
	sent atomic.Bool
}

func (t *trackingResponder) InteractionRespond(i *discordgo.Interaction, resp *discordgo.InteractionResponse, options ...discordgo.RequestOption) error {
	err := t.Responder.InteractionRespond(i, resp, options...)
	if err == nil {
		t.sent.Store(true)
	}
	return err
}

func (t *trackingResponder) FollowupMessageCreate(i *discordgo.Interaction, wait bool, data *discordgo.WebhookParams, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	m, err := t.Responder.FollowupMessageCreate(i, wait, data, options...)
	if err == nil {
		t.sent.Store(true)
	}
	return m, err
}

package discord

import (
	"log/slog"

	"github.com/bwmarrin/discordgo"
)

// manageGuild covers the permissions that allow changing the persona.
const manageGuild = discordgo.PermissionManageGuild | discordgo.PermissionAdministrator

// GuildOwnerFunc returns the owner user ID of a guild.
type GuildOwnerFunc func(guildID string) (string, error)

// PermissionChecker decides who may run the restricted commands.
type PermissionChecker struct {
	ownerID    string
	guildOwner GuildOwnerFunc
}

// NewPermissionChecker creates a checker. ownerID is the bot owner's user ID;
// an empty ownerID matches nobody. guildOwner may be nil, in which case guild
// ownership is never granted.
func NewPermissionChecker(ownerID string, guildOwner GuildOwnerFunc) *PermissionChecker {
	return &PermissionChecker{ownerID: ownerID, guildOwner: guildOwner}
}

// IsBotOwner reports whether the interaction author is the configured bot
// owner.
func (p *PermissionChecker) IsBotOwner(i *discordgo.InteractionCreate) bool {
	return p.ownerID != "" && UserID(i) == p.ownerID
}

// CanManage reports whether the author may change the persona: the guild
// owner, a member with Manage Server or Administrator, or the bot owner.
// Interactions outside a guild are always refused.
func (p *PermissionChecker) CanManage(i *discordgo.InteractionCreate) bool {
	if i.GuildID == "" || i.Member == nil {
		return false
	}
	if p.IsBotOwner(i) {
		return true
	}
	if i.Member.Permissions&manageGuild != 0 {
		return true
	}
	if p.guildOwner == nil {
		return false
	}
	owner, err := p.guildOwner(i.GuildID)
	if err != nil {
		slog.Warn("discord: guild owner lookup failed", "guild_id", i.GuildID, "err", err)
		return false
	}
	return owner != "" && owner == UserID(i)
}

// UserID extracts the author of an interaction, handling both guild (Member)
// and DM (User) contexts.
func UserID(i *discordgo.InteractionCreate) string {
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User.ID
	}
	if i.User != nil {
		return i.User.ID
	}
	return ""
}

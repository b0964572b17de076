// Package connector adapts gateway libraries to the shoukaku core.
package connector

import (
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/doiska/twokei-shoukaku"
)

// DiscordGo bridges a discordgo session to a shoukaku manager. The
// session must not be opened yet: handlers registered by Listen need
// to observe the ready event.
type DiscordGo struct {
	session *discordgo.Session
	once    sync.Once
}

var _ shoukaku.Connector = (*DiscordGo)(nil)

func NewDiscordGo(session *discordgo.Session) *DiscordGo {
	return &DiscordGo{session: session}
}

// UserID returns the bot user id, empty before the gateway is ready.
func (c *DiscordGo) UserID() string {
	if c.session.State == nil || c.session.State.User == nil {
		return ""
	}
	return c.session.State.User.ID
}

// SendPacket sends the opcode 4 voice state update through the shard
// owning the guild. discordgo routes per-guild internally, so the
// shard id is unused here.
func (c *DiscordGo) SendPacket(_ int, payload shoukaku.VoicePacket, _ bool) error {
	channelID := ""
	if payload.Data.ChannelID != nil {
		channelID = *payload.Data.ChannelID
	}
	return c.session.ChannelVoiceJoinManual(payload.Data.GuildID, channelID, payload.Data.SelfMute, payload.Data.SelfDeaf)
}

// Listen registers the gateway handlers. The first ready event
// bootstraps the node pool; resumed sessions fire ready again and are
// ignored.
func (c *DiscordGo) Listen(manager *shoukaku.Shoukaku, nodes []shoukaku.NodeOption) error {
	c.session.AddHandler(func(_ *discordgo.Session, _ *discordgo.Ready) {
		c.once.Do(func() {
			manager.OnGatewayReady(nodes)
		})
	})
	c.session.AddHandler(func(_ *discordgo.Session, update *discordgo.VoiceStateUpdate) {
		manager.OnVoiceStateUpdate(shoukaku.StateUpdate{
			GuildID:   update.GuildID,
			ChannelID: update.ChannelID,
			SessionID: update.SessionID,
			UserID:    update.UserID,
			SelfDeaf:  update.SelfDeaf,
			SelfMute:  update.SelfMute,
		})
	})
	c.session.AddHandler(func(_ *discordgo.Session, update *discordgo.VoiceServerUpdate) {
		manager.OnVoiceServerUpdate(shoukaku.ServerUpdate{
			Token:    update.Token,
			GuildID:  update.GuildID,
			Endpoint: update.Endpoint,
		})
	})
	return nil
}

package main

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

const discordMessageLimit = 2000

type DiscordChannel struct {
	session    *discordgo.Session
	channelIDs map[string]bool
	inbound    chan InboundMessage
	botUserID  string
	log        *zap.Logger
}

// NewDiscordChannel creates a bot session that listens on the given channel ids.
func NewDiscordChannel(token string, channelIDs []string, log *zap.Logger) (*DiscordChannel, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("discordgo session: %w", err)
	}

	dc := &DiscordChannel{
		session:    session,
		channelIDs: make(map[string]bool, len(channelIDs)),
		inbound:    make(chan InboundMessage, 100),
		log:        log.With(zap.String("channel", "discord")),
	}
	for _, id := range channelIDs {
		dc.channelIDs[id] = true
	}

	session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentMessageContent
	session.AddHandler(dc.onMessage)

	return dc, nil
}

func (dc *DiscordChannel) Name() string { return "Discord" }

func (dc *DiscordChannel) Start(ctx context.Context) error {
	if err := dc.session.Open(); err != nil {
		return fmt.Errorf("discord open: %w", err)
	}
	dc.botUserID = dc.session.State.User.ID
	dc.log.Info("discord bot connected", zap.String("user", dc.session.State.User.Username))

	<-ctx.Done()
	dc.session.Close()
	return nil
}

func (dc *DiscordChannel) Send(ctx context.Context, channelID, text string) error {
	if text == "" {
		return nil
	}
	runes := []rune(text)
	if len(runes) > discordMessageLimit {
		text = string(runes[:discordMessageLimit-3]) + "..."
	}

	_, err := dc.session.ChannelMessageSend(channelID, text, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("send to Discord channel %s: %w", channelID, err)
	}
	return nil
}

func (dc *DiscordChannel) Messages() <-chan InboundMessage { return dc.inbound }

func (dc *DiscordChannel) Close() error {
	return dc.session.Close()
}

func (dc *DiscordChannel) onMessage(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot || m.Author.ID == dc.botUserID {
		return
	}
	if !dc.channelIDs[m.ChannelID] {
		return
	}
	if m.Content == "" {
		return
	}

	author := m.Author.GlobalName
	if m.Member != nil && m.Member.Nick != "" {
		author = m.Member.Nick
	}
	if author == "" {
		author = m.Author.Username
	}

	select {
	case dc.inbound <- InboundMessage{
		Source:    "Discord",
		ChannelID: m.ChannelID,
		Author:    author,
		Content:   m.Content,
	}:
	default:
		dc.log.Warn("inbound queue full, dropping message", zap.String("channel_id", m.ChannelID))
	}
}

package main

import "context"

// Channel abstracts an external chat platform (Discord, Slack, Telegram, etc.).
type Channel interface {
	Name() string
	Send(ctx context.Context, channelID, text string) error
	Messages() <-chan InboundMessage
	Start(ctx context.Context) error
	Close() error
}

// ChannelTarget binds a bridge to one conversation on a chat platform.
type ChannelTarget struct {
	Channel   Channel
	ChannelID string
}

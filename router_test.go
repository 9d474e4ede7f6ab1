package main

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubSummaries struct {
	summary Summary
	err     error
	urls    []string
}

func (s *stubSummaries) FetchSummary(_ context.Context, url string) (Summary, error) {
	s.urls = append(s.urls, url)
	return s.summary, s.err
}

func namedBridge(name string, link *fakeLink, fallback CommandExecutor, targets ...ChannelTarget) *Bridge {
	return NewBridge(BridgeConfig{Server: name, Mask: MaskAll, RequestTimeout: time.Second},
		link, fallback, targets, zap.NewNop(), nil)
}

func TestRouteChatToBoundBridges(t *testing.T) {
	discord := newFakeChannel("discord")
	survivalLink := &fakeLink{available: true}
	lobbyLink := &fakeLink{available: true}
	otherLink := &fakeLink{available: true}

	r := NewInboundRouter([]*Bridge{
		namedBridge("survival", survivalLink, nil, ChannelTarget{discord, "1"}),
		namedBridge("lobby", lobbyLink, nil, ChannelTarget{discord, "1"}),
		namedBridge("creative", otherLink, nil, ChannelTarget{discord, "2"}),
	}, nil, "!", zap.NewNop())

	replies := r.Route(context.Background(), discord, InboundMessage{Source: "discord", ChannelID: "1", Author: "Alex", Content: "hello"})
	assert.Empty(t, replies)
	assert.Len(t, survivalLink.payloads(), 1)
	assert.Len(t, lobbyLink.payloads(), 1)
	assert.Empty(t, otherLink.payloads())
}

func TestRouteChatFailureReply(t *testing.T) {
	discord := newFakeChannel("discord")
	r := NewInboundRouter([]*Bridge{
		namedBridge("survival", &fakeLink{}, nil, ChannelTarget{discord, "1"}),
	}, nil, "!", zap.NewNop())

	replies := r.Route(context.Background(), discord, InboundMessage{ChannelID: "1", Author: "Alex", Content: "hello"})
	assert.Equal(t, []string{"[survival] 消息发送失败: 服务器未连接"}, replies)
}

func TestRouteCommands(t *testing.T) {
	discord := newFakeChannel("discord")
	link := &fakeLink{available: true, status: LinkStatus{Mode: ModeClient, State: StateOpen}}
	link.respond = func(c Call) *Response {
		var data commandData
		raw, _ := json.Marshal(c.Data)
		json.Unmarshal(raw, &data)
		if data.Command == "list" {
			return &Response{Status: "ok", Data: json.RawMessage(`{"output":"There are 0 players online"}`)}
		}
		return &Response{Status: "ok"}
	}
	r := NewInboundRouter([]*Bridge{
		namedBridge("survival", link, nil, ChannelTarget{discord, "1"}),
	}, nil, "!", zap.NewNop())

	route := func(content string) []string {
		return r.Route(context.Background(), discord, InboundMessage{ChannelID: "1", Author: "Alex", Content: content})
	}

	assert.Equal(t, []string{"[survival] There are 0 players online"}, route("!list"))
	assert.Equal(t, []string{"[survival] There are 0 players online"}, route("!MC list"))
	assert.Equal(t, []string{"[survival] (无输出)"}, route("!mc time set day"))
	assert.Equal(t, []string{"用法: !mc <命令>"}, route("!mc"))

	assert.Equal(t, []string{"[survival] 已发送给 Steve"}, route("!tell Steve see you at spawn"))
	assert.Equal(t, []string{"用法: !tell <玩家> <消息>"}, route("!tell Steve"))

	link.reconnErr = ErrAlreadyConnected
	assert.Equal(t, []string{"[survival] 已连接或正在连接"}, route("!reconnect"))
	link.reconnErr = nil
	assert.Equal(t, []string{"[survival] 正在重新连接"}, route("!reconnect"))
	assert.Equal(t, 2, link.reconns)

	status := route("!status")
	require.Len(t, status, 1)
	assert.Contains(t, status[0], "状态: open")

	// unknown commands are ordinary chat
	link.respond = nil
	assert.Empty(t, route("!home"))
	assert.Len(t, link.payloads(), 5)
}

func TestRouteCommandFallbackAndFailure(t *testing.T) {
	discord := newFakeChannel("discord")
	exec := &fakeExecutor{err: errors.New("connection refused")}
	r := NewInboundRouter([]*Bridge{
		namedBridge("survival", &fakeLink{}, exec, ChannelTarget{discord, "1"}),
	}, nil, "!", zap.NewNop())

	replies := r.Route(context.Background(), discord, InboundMessage{ChannelID: "1", Content: "!list"})
	require.Len(t, replies, 1)
	assert.Contains(t, replies[0], "[survival] 命令执行失败: ")
	assert.Contains(t, replies[0], "connection refused")
	assert.Equal(t, []string{"list"}, exec.executed())
}

func TestRouteWiki(t *testing.T) {
	discord := newFakeChannel("discord")
	link := &fakeLink{available: true}
	summaries := &stubSummaries{summary: Summary{Title: "Creeper", Text: "Creepers are hostile mobs."}}
	r := NewInboundRouter([]*Bridge{
		namedBridge("survival", link, nil, ChannelTarget{discord, "1"}),
		namedBridge("lobby", link, nil, ChannelTarget{discord, "1"}),
	}, summaries, "", zap.NewNop())

	replies := r.Route(context.Background(), discord, InboundMessage{ChannelID: "1", Content: "!wiki https://minecraft.wiki/w/Creeper"})
	assert.Equal(t, []string{"**Creeper**\nCreepers are hostile mobs."}, replies)
	assert.Equal(t, []string{"https://minecraft.wiki/w/Creeper"}, summaries.urls)
	assert.Empty(t, link.payloads())

	assert.Equal(t, []string{"用法: !wiki <链接>"}, r.Route(context.Background(), discord, InboundMessage{ChannelID: "1", Content: "!wiki"}))

	summaries.err = errors.New("404 Not Found")
	replies = r.Route(context.Background(), discord, InboundMessage{ChannelID: "1", Content: "!wiki https://minecraft.wiki/w/Nope"})
	assert.Equal(t, []string{"获取页面失败: 404 Not Found"}, replies)

	noWiki := NewInboundRouter(nil, nil, "!", zap.NewNop())
	assert.Equal(t, []string{"未启用页面摘要"}, noWiki.Route(context.Background(), discord, InboundMessage{Content: "!wiki x"}))
}

func TestHandleInboundPostsReplies(t *testing.T) {
	discord := newFakeChannel("discord")
	r := NewInboundRouter([]*Bridge{
		namedBridge("survival", &fakeLink{}, nil, ChannelTarget{discord, "7"}),
	}, nil, "!", zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.HandleInbound(ctx, discord)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	discord.inbound <- InboundMessage{ChannelID: "7", Author: "Alex", Content: "hi"}
	require.Eventually(t, func() bool { return len(discord.messages()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, sentMessage{"7", "[survival] 消息发送失败: 服务器未连接"}, discord.messages()[0])
}

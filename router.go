package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// SummarySource fetches a short summary of a reference page.
type SummarySource interface {
	FetchSummary(ctx context.Context, url string) (Summary, error)
}

// InboundRouter reads chat messages from a channel and hands them to every
// bridge bound to the conversation they came from.
type InboundRouter struct {
	bridges   []*Bridge
	summaries SummarySource
	prefix    string
	log       *zap.Logger
}

func NewInboundRouter(bridges []*Bridge, summaries SummarySource, prefix string, log *zap.Logger) *InboundRouter {
	if prefix == "" {
		prefix = "!"
	}
	return &InboundRouter{bridges: bridges, summaries: summaries, prefix: prefix, log: log}
}

// HandleInbound reads messages from a channel until ctx is done.
func (r *InboundRouter) HandleInbound(ctx context.Context, ch Channel) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-ch.Messages():
			for _, reply := range r.Route(ctx, ch, msg) {
				if err := ch.Send(ctx, msg.ChannelID, reply); err != nil {
					r.log.Warn("send reply", zap.String("channel", ch.Name()), zap.Error(err))
				}
			}
		}
	}
}

// Route handles one message and returns the replies to post back.
func (r *InboundRouter) Route(ctx context.Context, ch Channel, msg InboundMessage) []string {
	content := strings.TrimSpace(msg.Content)
	cmd, arg, isCmd := r.parseCommand(content)

	if isCmd && cmd == "wiki" {
		return []string{r.wiki(ctx, arg)}
	}

	var replies []string
	for _, b := range r.bridges {
		if !b.Accepts(ch, msg.ChannelID) {
			continue
		}
		if reply := r.dispatch(ctx, b, msg, content, cmd, arg, isCmd); reply != "" {
			replies = append(replies, reply)
		}
	}
	return replies
}

func (r *InboundRouter) parseCommand(content string) (cmd, arg string, ok bool) {
	if !strings.HasPrefix(content, r.prefix) {
		return "", "", false
	}
	rest := strings.TrimPrefix(content, r.prefix)
	cmd, arg, _ = strings.Cut(rest, " ")
	cmd = strings.ToLower(cmd)
	switch cmd {
	case "mc", "list", "tell", "reconnect", "status", "wiki":
		return cmd, strings.TrimSpace(arg), true
	}
	return "", "", false
}

func (r *InboundRouter) dispatch(ctx context.Context, b *Bridge, msg InboundMessage, content, cmd, arg string, isCmd bool) string {
	server := b.Name()
	if !isCmd {
		if err := b.ForwardChat(ctx, msg.Author, content); err != nil {
			r.log.Warn("forward chat", zap.String("server", server), zap.Error(err))
			return fmt.Sprintf("[%s] 消息发送失败: %s", server, failureReason(err))
		}
		return ""
	}

	switch cmd {
	case "mc", "list":
		command := arg
		if cmd == "list" {
			command = "list"
		}
		if command == "" {
			return fmt.Sprintf("用法: %smc <命令>", r.prefix)
		}
		out, err := b.RunCommand(ctx, command)
		if err != nil {
			r.log.Warn("run command", zap.String("server", server), zap.String("command", command), zap.Error(err))
			return fmt.Sprintf("[%s] 命令执行失败: %s", server, failureReason(err))
		}
		if strings.TrimSpace(out) == "" {
			out = "(无输出)"
		}
		return fmt.Sprintf("[%s] %s", server, out)
	case "tell":
		nickname, text, _ := strings.Cut(arg, " ")
		text = strings.TrimSpace(text)
		if nickname == "" || text == "" {
			return fmt.Sprintf("用法: %stell <玩家> <消息>", r.prefix)
		}
		if err := b.SendPrivate(ctx, msg.Author, nickname, text); err != nil {
			r.log.Warn("send private message", zap.String("server", server), zap.Error(err))
			return fmt.Sprintf("[%s] 私聊发送失败: %s", server, failureReason(err))
		}
		return fmt.Sprintf("[%s] 已发送给 %s", server, nickname)
	case "reconnect":
		switch err := b.Reconnect(); {
		case err == nil:
			return fmt.Sprintf("[%s] 正在重新连接", server)
		case errors.Is(err, ErrAlreadyConnected):
			return fmt.Sprintf("[%s] 已连接或正在连接", server)
		default:
			return fmt.Sprintf("[%s] 无法重连: %v", server, err)
		}
	case "status":
		return b.StatusLine()
	}
	return ""
}

func (r *InboundRouter) wiki(ctx context.Context, url string) string {
	if r.summaries == nil {
		return "未启用页面摘要"
	}
	if url == "" {
		return fmt.Sprintf("用法: %swiki <链接>", r.prefix)
	}
	s, err := r.summaries.FetchSummary(ctx, url)
	if err != nil {
		r.log.Warn("fetch summary", zap.String("url", url), zap.Error(err))
		return "获取页面失败: " + err.Error()
	}
	return fmt.Sprintf("**%s**\n%s", s.Title, s.Text)
}

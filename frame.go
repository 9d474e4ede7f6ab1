package main

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	apiBroadcast   = "broadcast"
	apiRCONCommand = "send_rcon_command"
	apiPrivateMsg  = "send_private_msg"
	apiSubscribe   = "subscribe"
)

// Call is an outbound API frame. RequestID is zero for fire-and-forget calls.
type Call struct {
	API       string `json:"api"`
	Data      any    `json:"data"`
	RequestID int64  `json:"request_id,omitempty"`
}

// Response answers a correlated Call.
type Response struct {
	RequestID int64           `json:"request_id"`
	Status    string          `json:"status"`
	Data      json.RawMessage `json:"data,omitempty"`
	Message   string          `json:"message,omitempty"`
}

func (r Response) OK() bool {
	s := strings.ToLower(r.Status)
	return s == "ok" || s == "success"
}

type subscribeData struct {
	Events []string `json:"events"`
	Mask   Mask     `json:"mask"`
}

type broadcastData struct {
	Message []TextComponent `json:"message"`
}

type commandData struct {
	Command string `json:"command"`
}

type privateMsgData struct {
	Nickname string          `json:"nickname"`
	Message  []TextComponent `json:"message"`
}

type commandResult struct {
	Output string `json:"output"`
}

func encodeCall(c Call) ([]byte, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode %s call: %w", c.API, err)
	}
	return data, nil
}

func subscribeCall(m Mask) Call {
	names := make([]string, 0, len(deliverableKinds))
	for _, k := range m.Kinds() {
		names = append(names, k.String())
	}
	return Call{API: apiSubscribe, Data: subscribeData{Events: names, Mask: m}}
}

func broadcastCall(msg StyledMessage) Call {
	return Call{API: apiBroadcast, Data: broadcastData{Message: msg.Components()}}
}

// frameProbe only looks at the discriminating fields.
type frameProbe struct {
	PostType  *string `json:"post_type"`
	RequestID *int64  `json:"request_id"`
}

// decodeFrame splits inbound frames into responses and event envelopes.
// Exactly one of the returned pointers is non-nil when err is nil.
func decodeFrame(data []byte) (*Response, *Envelope, error) {
	var probe frameProbe
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrProtocolParse, err)
	}

	switch {
	case probe.PostType != nil:
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			return nil, nil, fmt.Errorf("%w: event: %v", ErrProtocolParse, err)
		}
		return nil, &env, nil
	case probe.RequestID != nil:
		var resp Response
		if err := json.Unmarshal(data, &resp); err != nil {
			return nil, nil, fmt.Errorf("%w: response: %v", ErrProtocolParse, err)
		}
		return &resp, nil, nil
	default:
		return nil, nil, fmt.Errorf("%w: frame has neither post_type nor request_id", ErrProtocolParse)
	}
}

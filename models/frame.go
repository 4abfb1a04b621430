package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Channel identifies a push subscription channel.
type Channel string

const (
	ChannelKbar  Channel = "kbar"
	ChannelDepth Channel = "depth"
)

// SubscribeRequest is the outbound control message that registers interest
// in a kbar or depth stream.
type SubscribeRequest struct {
	Action    string `json:"action"`
	Subscribe string `json:"subscribe"`
	Pair      string `json:"pair"`
	Kbar      string `json:"kbar,omitempty"`
	Depth     int    `json:"depth,omitempty"`
}

// PingMessage is a client-initiated liveness probe.
type PingMessage struct {
	Action string `json:"action"`
	Ping   string `json:"ping"`
}

// PongMessage acknowledges a server keep-alive probe.
type PongMessage struct {
	Action string `json:"action"`
	Pong   string `json:"pong"`
}

// PushFrame is the inbound frame envelope. The venue keys data frames by
// "subscribe" and "data", keep-alive probes by "ping"/"pong" and error
// frames by "status".
type PushFrame struct {
	Ping      string          `json:"ping,omitempty"`
	Pong      string          `json:"pong,omitempty"`
	Status    string          `json:"status,omitempty"`
	Message   string          `json:"message,omitempty"`
	Subscribe string          `json:"subscribe,omitempty"`
	Kbar      string          `json:"kbar,omitempty"`
	Pair      string          `json:"pair,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// IsTicker reports whether the frame belongs to a ticker channel, which is
// forwarded verbatim to an injected callback rather than routed into the
// caches.
func (f *PushFrame) IsTicker() bool {
	return strings.HasPrefix(f.Subscribe, "ticker.")
}

// FlexFloat decodes a JSON value that the venue serialises either as a
// number or as a quoted string.
type FlexFloat float64

func (f *FlexFloat) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("parse flexible float %q: %w", s, err)
	}
	*f = FlexFloat(v)
	return nil
}

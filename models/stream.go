package models

import (
	"encoding/json"
	"time"
)

// Streaming destinations.
const (
	DestinationPing        = "ping"
	DestinationSubscribe   = "marketData.subscribe"
	DestinationUnsubscribe = "marketData.unsubscribe"
	DestinationQuote       = "quote"
)

// StreamFrame is an outbound websocket message.
type StreamFrame struct {
	Destination   string      `json:"destination"`
	CorrelationID string      `json:"correlationId"`
	CST           string      `json:"cst"`
	SecurityToken string      `json:"securityToken"`
	Payload       interface{} `json:"payload,omitempty"`
}

// EpicsPayload is the payload of subscribe and unsubscribe frames.
type EpicsPayload struct {
	Epics []string `json:"epics"`
}

// InboundFrame is any message received from the streaming endpoint.
type InboundFrame struct {
	Status        string          `json:"status"`
	Destination   string          `json:"destination"`
	CorrelationID string          `json:"correlationId"`
	Payload       json.RawMessage `json:"payload"`
}

// QuotePayload is the payload of an inbound quote push.
type QuotePayload struct {
	Epic      string  `json:"epic"`
	Product   string  `json:"product"`
	Bid       float64 `json:"bid"`
	BidQty    float64 `json:"bidQty"`
	Ofr       float64 `json:"ofr"`
	OfrQty    float64 `json:"ofrQty"`
	Timestamp int64   `json:"timestamp"`
}

// Tick is a normalised price update delivered to subscribers.
type Tick struct {
	Epic      string    `json:"epic"`
	Symbol    string    `json:"symbol,omitempty"`
	Bid       float64   `json:"bid"`
	Ask       float64   `json:"ask"`
	Timestamp time.Time `json:"timestamp"`
}

// Quote converts the tick into a Quote.
func (t Tick) Quote() Quote {
	return Quote{Epic: t.Epic, Bid: t.Bid, Ask: t.Ask, TimestampMs: t.Timestamp.UnixMilli()}
}

// StreamState is the connection state of a market data stream.
type StreamState int32

const (
	StreamDisconnected StreamState = iota
	StreamConnecting
	StreamAuthenticating
	StreamStreaming
)

func (s StreamState) String() string {
	switch s {
	case StreamConnecting:
		return "connecting"
	case StreamAuthenticating:
		return "authenticating"
	case StreamStreaming:
		return "streaming"
	default:
		return "disconnected"
	}
}

// StreamEvent reports a state transition or an error on a stream.
type StreamEvent struct {
	State StreamState
	Err   error
	At    time.Time
}

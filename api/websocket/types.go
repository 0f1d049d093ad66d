package websocket

import (
	"encoding/json"
)

// Message types exchanged over the event stream
const (
	// TypeSubscribe narrows a client's interest to a set of addresses
	TypeSubscribe = "subscribe"

	// TypeSubscribed acknowledges a subscribe request
	TypeSubscribed = "subscribed"

	// TypeEvent carries one transfer event
	TypeEvent = "event"

	// TypeError reports a malformed client message
	TypeError = "error"
)

// Message represents a WebSocket message envelope
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// SubscribeRequest narrows the transfers a client receives. An empty address
// list means all transfers.
type SubscribeRequest struct {
	Addresses []string `json:"addresses"`
}

// SubscribedPayload acknowledges the interest set now in effect
type SubscribedPayload struct {
	Addresses []string `json:"addresses"`
}

// ErrorPayload reports a problem with a client message
type ErrorPayload struct {
	Error string `json:"error"`
}

package ws

import "encoding/json"

// WSMessage is the outbound frame: an event name and its payload.
type WSMessage struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// inbound is the frame clients send.
type inbound struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type errorPayload struct {
	Message string `json:"message"`
}

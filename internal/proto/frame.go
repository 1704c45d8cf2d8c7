package proto

import (
	json "github.com/goccy/go-json"
)

// Frame: on-wire msg (header + opt payload).
type Frame struct {
	Type    FrameType
	Flags   uint8
	Payload []byte
}

// Hello: first message on every connection.
type Hello struct {
	Version      string `json:"version"`
	DeviceName   string `json:"deviceName"`
	PublicKeyPEM string `json:"publicKeyPem"`
}

// Challenge: AUTH_CHALLENGE body, sent encrypted to the peer's public key.
// SecurityKey is the key the receiver must use for its outbound traffic (empty on secure transports).
type Challenge struct {
	OTP         string `json:"otp"`
	SecurityKey string `json:"securityKey,omitempty"`
}

// AuthReply: AUTH_RESPONSE body, echoes the challenge token.
type AuthReply struct {
	OTP string `json:"otp"`
}

// Request: REQUEST body; Params is a JSON array encoded as a string.
type Request struct {
	CallID uint64 `json:"callId"`
	Method string `json:"method"`
	Params string `json:"params"`
}

// Response: RESPONSE body; Result is JSON encoded as a string.
type Response struct {
	CallID uint64 `json:"callId"`
	Result string `json:"result"`
}

// Error: ERROR body.
type Error struct {
	CallID uint64 `json:"callId"`
	Error  string `json:"error"`
}

// SignalBody: SIGNAL_SUBSCRIBE / SIGNAL_UNSUBSCRIBE / SIGNAL_EVENT body (Data only on events).
type SignalBody struct {
	FQN  string            `json:"fqn"`
	Data []json.RawMessage `json:"data,omitempty"`
}

// Ping: PING body.
type Ping struct {
	Standby bool `json:"standby"`
}

// StreamRef replaces a byte stream inside serialized params/results.
type StreamRef struct {
	ID uint32 `json:"__rpc_stream_id__"`
}

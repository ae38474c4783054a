// Package proto defines the JSON envelope format exchanged with the relay.
// Every websocket text message carries exactly one envelope; binary fields
// ride inside payloads as base64 strings ([]byte JSON encoding).
package proto

import (
	"encoding/json"
	"errors"
)

// Envelope types received from the relay.
const (
	TypeConnected        = "connected"
	TypeProxyRequest     = "proxy_request"
	TypeProxyHTTPRequest = "proxy_http_request"
	TypeTunnelConnect    = "tunnel_connect"
	TypeTunnelOpen       = "tunnel_open"
	TypeTunnelData       = "tunnel_data"
	TypeTunnelClose      = "tunnel_close"
	TypeHeartbeatAck     = "heartbeat_ack"
	TypeHTTPResponse     = "http_response"
	TypeError            = "error"
)

// Envelope types sent to the relay.
const (
	TypeDeviceInfo    = "device_info"
	TypeProxyResponse = "proxy_response"
	TypeProxyError    = "proxy_error"
	TypeTunnelClosed  = "tunnel_closed"
	TypeHeartbeat     = "heartbeat"
	TypeHTTPRequest   = "http_request"
)

type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func DecodeEnvelope(b []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(b, &e); err != nil {
		return Envelope{}, err
	}
	if e.Type == "" {
		return Envelope{}, errors.New("envelope missing type")
	}
	return e, nil
}

func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodePayload unmarshals the payload into v.
func (e Envelope) DecodePayload(v any) error {
	if len(e.Payload) == 0 {
		return errors.New("envelope missing payload")
	}
	return json.Unmarshal(e.Payload, v)
}

func NewEnvelope(t string, payload any) (Envelope, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: t, Payload: b}, nil
}

// MustEnvelope is NewEnvelope for payload types that cannot fail to marshal.
func MustEnvelope(t string, payload any) Envelope {
	e, err := NewEnvelope(t, payload)
	if err != nil {
		panic(err)
	}
	return e
}

// Package wire defines the control-channel message types and the framed
// codec that carries them over a byte stream.
package wire

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// MaxFrameSize is the largest payload a single frame may carry, including
// the tag. A frame whose length prefix exceeds this is a fatal protocol
// error and must not be read into memory.
const MaxFrameSize = 65536

// ClientMessage is the tagged union of messages a client sends to the
// server. Exactly one field is ever non-nil on the wire.
type ClientMessage struct {
	Authenticate *string    `json:"Authenticate,omitempty"`
	Hello        *uint16    `json:"Hello,omitempty"`
	Accept       *uuid.UUID `json:"Accept,omitempty"`
}

// ServerMessage is the tagged union of messages a server sends to a client.
type ServerMessage struct {
	Challenge  *uuid.UUID `json:"Challenge,omitempty"`
	Hello      *uint16    `json:"Hello,omitempty"`
	Heartbeat  bool       `json:"-"`
	Connection *uuid.UUID `json:"Connection,omitempty"`
	Error      *string    `json:"Error,omitempty"`
}

// NewAuthenticate builds a ClientMessage carrying a hex-encoded token.
func NewAuthenticate(token string) ClientMessage { return ClientMessage{Authenticate: &token} }

// NewClientHello builds a ClientMessage requesting the given port (0 = any).
func NewClientHello(port uint16) ClientMessage { return ClientMessage{Hello: &port} }

// NewAccept builds a ClientMessage claiming a parked connection.
func NewAccept(id uuid.UUID) ClientMessage { return ClientMessage{Accept: &id} }

// NewChallenge builds a ServerMessage carrying a fresh nonce.
func NewChallenge(nonce uuid.UUID) ServerMessage { return ServerMessage{Challenge: &nonce} }

// NewServerHello builds a ServerMessage confirming the assigned port.
func NewServerHello(port uint16) ServerMessage { return ServerMessage{Hello: &port} }

// NewHeartbeat builds a liveness-probe ServerMessage.
func NewHeartbeat() ServerMessage { return ServerMessage{Heartbeat: true} }

// NewConnection builds a ServerMessage offering a parked connection.
func NewConnection(id uuid.UUID) ServerMessage { return ServerMessage{Connection: &id} }

// NewError builds a terminal, human-readable ServerMessage.
func NewError(msg string) ServerMessage { return ServerMessage{Error: &msg} }

// MarshalJSON renders the message as a single-key object naming the active
// variant, e.g. {"Hello":1234} or {"Accept":"3fa..."}.
func (m ClientMessage) MarshalJSON() ([]byte, error) {
	switch {
	case m.Authenticate != nil:
		return json.Marshal(struct {
			Authenticate string `json:"Authenticate"`
		}{*m.Authenticate})
	case m.Hello != nil:
		return json.Marshal(struct {
			Hello uint16 `json:"Hello"`
		}{*m.Hello})
	case m.Accept != nil:
		return json.Marshal(struct {
			Accept uuid.UUID `json:"Accept"`
		}{*m.Accept})
	default:
		return nil, fmt.Errorf("wire: empty ClientMessage")
	}
}

// UnmarshalJSON decodes a single-key tagged object, rejecting unknown tags
// and payloads that don't match the expected shape for a known one.
func (m *ClientMessage) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(raw) != 1 {
		return fmt.Errorf("%w: expected exactly one tag, got %d", ErrMalformed, len(raw))
	}
	*m = ClientMessage{}
	for tag, payload := range raw {
		switch tag {
		case "Authenticate":
			var v string
			if err := json.Unmarshal(payload, &v); err != nil {
				return fmt.Errorf("%w: Authenticate: %v", ErrMalformed, err)
			}
			m.Authenticate = &v
		case "Hello":
			var v uint16
			if err := json.Unmarshal(payload, &v); err != nil {
				return fmt.Errorf("%w: Hello: %v", ErrMalformed, err)
			}
			m.Hello = &v
		case "Accept":
			var v uuid.UUID
			if err := json.Unmarshal(payload, &v); err != nil {
				return fmt.Errorf("%w: Accept: %v", ErrMalformed, err)
			}
			m.Accept = &v
		default:
			return fmt.Errorf("%w: %q", ErrUnknownTag, tag)
		}
	}
	return nil
}

// MarshalJSON renders the message as a single-key object naming the active
// variant; Heartbeat carries a null payload.
func (m ServerMessage) MarshalJSON() ([]byte, error) {
	switch {
	case m.Challenge != nil:
		return json.Marshal(struct {
			Challenge uuid.UUID `json:"Challenge"`
		}{*m.Challenge})
	case m.Hello != nil:
		return json.Marshal(struct {
			Hello uint16 `json:"Hello"`
		}{*m.Hello})
	case m.Heartbeat:
		return []byte(`{"Heartbeat":null}`), nil
	case m.Connection != nil:
		return json.Marshal(struct {
			Connection uuid.UUID `json:"Connection"`
		}{*m.Connection})
	case m.Error != nil:
		return json.Marshal(struct {
			Error string `json:"Error"`
		}{*m.Error})
	default:
		return nil, fmt.Errorf("wire: empty ServerMessage")
	}
}

// UnmarshalJSON decodes a single-key tagged object, rejecting unknown tags
// and payloads that don't match the expected shape for a known one.
func (m *ServerMessage) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(raw) != 1 {
		return fmt.Errorf("%w: expected exactly one tag, got %d", ErrMalformed, len(raw))
	}
	*m = ServerMessage{}
	for tag, payload := range raw {
		switch tag {
		case "Challenge":
			var v uuid.UUID
			if err := json.Unmarshal(payload, &v); err != nil {
				return fmt.Errorf("%w: Challenge: %v", ErrMalformed, err)
			}
			m.Challenge = &v
		case "Hello":
			var v uint16
			if err := json.Unmarshal(payload, &v); err != nil {
				return fmt.Errorf("%w: Hello: %v", ErrMalformed, err)
			}
			m.Hello = &v
		case "Heartbeat":
			m.Heartbeat = true
		case "Connection":
			var v uuid.UUID
			if err := json.Unmarshal(payload, &v); err != nil {
				return fmt.Errorf("%w: Connection: %v", ErrMalformed, err)
			}
			m.Connection = &v
		case "Error":
			var v string
			if err := json.Unmarshal(payload, &v); err != nil {
				return fmt.Errorf("%w: Error: %v", ErrMalformed, err)
			}
			m.Error = &v
		default:
			return fmt.Errorf("%w: %q", ErrUnknownTag, tag)
		}
	}
	return nil
}

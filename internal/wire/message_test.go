package wire

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
)

func clientMessagesEqual(a, b ClientMessage) bool {
	switch {
	case a.Authenticate != nil || b.Authenticate != nil:
		return a.Authenticate != nil && b.Authenticate != nil && *a.Authenticate == *b.Authenticate
	case a.Hello != nil || b.Hello != nil:
		return a.Hello != nil && b.Hello != nil && *a.Hello == *b.Hello
	case a.Accept != nil || b.Accept != nil:
		return a.Accept != nil && b.Accept != nil && *a.Accept == *b.Accept
	}
	return true
}

func serverMessagesEqual(a, b ServerMessage) bool {
	switch {
	case a.Challenge != nil || b.Challenge != nil:
		return a.Challenge != nil && b.Challenge != nil && *a.Challenge == *b.Challenge
	case a.Hello != nil || b.Hello != nil:
		return a.Hello != nil && b.Hello != nil && *a.Hello == *b.Hello
	case a.Heartbeat || b.Heartbeat:
		return a.Heartbeat == b.Heartbeat
	case a.Connection != nil || b.Connection != nil:
		return a.Connection != nil && b.Connection != nil && *a.Connection == *b.Connection
	case a.Error != nil || b.Error != nil:
		return a.Error != nil && b.Error != nil && *a.Error == *b.Error
	}
	return true
}

func TestClientMessageRoundTrip(t *testing.T) {
	id := uuid.New()
	cases := []ClientMessage{
		NewAuthenticate("deadbeef"),
		NewClientHello(4242),
		NewAccept(id),
	}
	for _, want := range cases {
		data, err := json.Marshal(want)
		if err != nil {
			t.Fatalf("marshal %+v: %v", want, err)
		}
		var got ClientMessage
		if err := json.Unmarshal(data, &got); err != nil {
			t.Fatalf("unmarshal %s: %v", data, err)
		}
		if !clientMessagesEqual(got, want) {
			t.Fatalf("round trip mismatch: got %+v want %+v (json=%s)", got, want, data)
		}
	}
}

func TestServerMessageRoundTrip(t *testing.T) {
	id := uuid.New()
	cases := []ServerMessage{
		NewChallenge(id),
		NewServerHello(51820),
		NewHeartbeat(),
		NewConnection(id),
		NewError("boom"),
	}
	for _, want := range cases {
		data, err := json.Marshal(want)
		if err != nil {
			t.Fatalf("marshal %+v: %v", want, err)
		}
		var got ServerMessage
		if err := json.Unmarshal(data, &got); err != nil {
			t.Fatalf("unmarshal %s: %v", data, err)
		}
		if !serverMessagesEqual(got, want) {
			t.Fatalf("round trip mismatch: got %+v want %+v (json=%s)", got, want, data)
		}
	}
}

func TestHeartbeatEncodesNullPayload(t *testing.T) {
	data, err := json.Marshal(NewHeartbeat())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `{"Heartbeat":null}` {
		t.Fatalf("unexpected heartbeat encoding: %s", data)
	}
}

func TestUnmarshalUnknownTag(t *testing.T) {
	var m ServerMessage
	err := json.Unmarshal([]byte(`{"Bogus":1}`), &m)
	if !errors.Is(err, ErrUnknownTag) {
		t.Fatalf("expected ErrUnknownTag, got %v", err)
	}
}

func TestUnmarshalMultipleTagsIsMalformed(t *testing.T) {
	var m ServerMessage
	err := json.Unmarshal([]byte(`{"Hello":1,"Heartbeat":null}`), &m)
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestUnmarshalWrongShapeIsMalformed(t *testing.T) {
	var m ClientMessage
	err := json.Unmarshal([]byte(`{"Accept":"not-a-uuid"}`), &m)
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

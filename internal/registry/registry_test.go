package registry

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/kstaniek/bore/internal/stream"
)

// fakeConn returns a real TCP loopback connection so stream.WrapTCP (which
// requires CloseWrite) is satisfied without hand-rolling a fake.
func fakeConn(t *testing.T) stream.Conn {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	acceptedCh := make(chan net.Conn, 1)
	go func() {
		c, _ := ln.Accept()
		acceptedCh <- c
	}()
	client, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	server := <-acceptedCh
	t.Cleanup(func() { _ = server.Close() })
	return stream.WrapTCP(client)
}

func TestInsertTakeRoundTrip(t *testing.T) {
	r := New()
	id := uuid.New()
	c := fakeConn(t)
	if err := r.Insert(id, c, time.Minute); err != nil {
		t.Fatalf("insert: %v", err)
	}
	got, ok := r.Take(id)
	if !ok {
		t.Fatalf("expected Take to find %s", id)
	}
	if got != c {
		t.Fatalf("Take returned a different connection")
	}
	if _, ok := r.Take(id); ok {
		t.Fatalf("expected second Take to miss (at-most-once delivery)")
	}
}

func TestInsertCollision(t *testing.T) {
	r := New()
	id := uuid.New()
	if err := r.Insert(id, fakeConn(t), time.Minute); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	err := r.Insert(id, fakeConn(t), time.Minute)
	if !errors.Is(err, ErrCollision) {
		t.Fatalf("expected ErrCollision, got %v", err)
	}
}

func TestReapClosesUnclaimedConnection(t *testing.T) {
	r := New()
	id := uuid.New()
	c := fakeConn(t)
	if err := r.Insert(id, c, 20*time.Millisecond); err != nil {
		t.Fatalf("insert: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, ok := r.Take(id); !ok {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}

	buf := make([]byte, 1)
	_ = c.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, err := c.Read(buf); err == nil {
		t.Fatalf("expected reaped connection to be closed")
	}
}

func TestTakeMissingReturnsFalse(t *testing.T) {
	r := New()
	if _, ok := r.Take(uuid.New()); ok {
		t.Fatalf("expected Take on unknown id to miss")
	}
}

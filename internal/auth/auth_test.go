package auth

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/kstaniek/bore/internal/stream"
	"github.com/kstaniek/bore/internal/wire"
)

type pipeConn struct {
	net.Conn
}

func (pipeConn) CloseWrite() error { return nil }

func newPipe() (stream.Conn, stream.Conn) {
	a, b := net.Pipe()
	return pipeConn{a}, pipeConn{b}
}

func TestHandshakeSucceedsWithMatchingSecret(t *testing.T) {
	srv, cli := newPipe()
	defer srv.Close()
	defer cli.Close()

	secret := []byte("shared-secret")
	srvCodec := wire.NewCodec(srv)
	cliCodec := wire.NewCodec(cli)

	done := make(chan error, 1)
	go func() { done <- New(secret).ServerHandshake(context.Background(), srvCodec, time.Second) }()

	if err := ClientHandshake(context.Background(), cliCodec, secret, time.Second); err != nil {
		t.Fatalf("client handshake: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("server handshake: %v", err)
	}
}

func TestHandshakeRejectsTamperedToken(t *testing.T) {
	srv, cli := newPipe()
	defer srv.Close()
	defer cli.Close()

	secret := []byte("shared-secret")
	srvCodec := wire.NewCodec(srv)
	cliCodec := wire.NewCodec(cli)

	done := make(chan error, 1)
	go func() { done <- New(secret).ServerHandshake(context.Background(), srvCodec, time.Second) }()

	msg, err := cliCodec.RecvServerTimeout(time.Second)
	if err != nil {
		t.Fatalf("recv challenge: %v", err)
	}
	if msg.Challenge == nil {
		t.Fatalf("expected challenge, got %+v", msg)
	}
	// Flip a single hex character of the otherwise-correct token.
	correct := New(secret).token(*msg.Challenge)
	tampered := []byte(correct)
	if tampered[0] == '0' {
		tampered[0] = '1'
	} else {
		tampered[0] = '0'
	}
	if err := cliCodec.Send(wire.NewAuthenticate(string(tampered))); err != nil {
		t.Fatalf("send tampered auth: %v", err)
	}

	err = <-done
	if !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("expected ErrAuthFailed, got %v", err)
	}
}

func TestHandshakeRejectsWrongSecret(t *testing.T) {
	srv, cli := newPipe()
	defer srv.Close()
	defer cli.Close()

	srvCodec := wire.NewCodec(srv)
	cliCodec := wire.NewCodec(cli)

	done := make(chan error, 1)
	go func() { done <- New([]byte("server-secret")).ServerHandshake(context.Background(), srvCodec, time.Second) }()

	if err := ClientHandshake(context.Background(), cliCodec, []byte("wrong-secret"), time.Second); err != nil {
		t.Fatalf("client handshake send: %v", err)
	}
	err := <-done
	if !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("expected ErrAuthFailed, got %v", err)
	}
}

func TestClientHandshakeReturnsErrAuthRequiredWithoutSecret(t *testing.T) {
	srv, cli := newPipe()
	defer srv.Close()
	defer cli.Close()

	srvCodec := wire.NewCodec(srv)
	done := make(chan error, 1)
	go func() { done <- New([]byte("server-secret")).ServerHandshake(context.Background(), srvCodec, time.Second) }()

	err := ClientHandshake(context.Background(), wire.NewCodec(cli), nil, time.Second)
	if !errors.Is(err, ErrAuthRequired) {
		t.Fatalf("expected ErrAuthRequired, got %v", err)
	}
	<-done // drain the server side, which will time out waiting for Authenticate
}

func TestClientHandshakeRejectsNonChallengeFirstMessage(t *testing.T) {
	srv, cli := newPipe()
	defer srv.Close()
	defer cli.Close()

	srvCodec := wire.NewCodec(srv)
	go func() { _ = srvCodec.Send(wire.NewServerHello(1234)) }()

	err := ClientHandshake(context.Background(), wire.NewCodec(cli), []byte("secret"), time.Second)
	if !errors.Is(err, ErrUnexpectedMessage) {
		t.Fatalf("expected ErrUnexpectedMessage, got %v", err)
	}
}

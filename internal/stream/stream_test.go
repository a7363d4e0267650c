package stream

import (
	"io"
	"net"
	"testing"
	"time"
)

func tcpLoopback(t *testing.T) (net.Conn, net.Conn) {
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
	return client, <-acceptedCh
}

func TestWrapTCPHalfCloseSignalsEOF(t *testing.T) {
	client, server := tcpLoopback(t)
	defer client.Close()
	defer server.Close()

	a := WrapTCP(client)
	b := WrapTCP(server)

	if _, err := a.Write([]byte("hi")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := a.CloseWrite(); err != nil {
		t.Fatalf("close write: %v", err)
	}

	buf := make([]byte, 16)
	n, err := b.Read(buf)
	if err != nil || string(buf[:n]) != "hi" {
		t.Fatalf("read payload: n=%d err=%v", n, err)
	}
	_, err = b.Read(buf)
	if err != io.EOF {
		t.Fatalf("expected EOF after half-close, got %v", err)
	}
}

func TestCountingConnReportsBytes(t *testing.T) {
	client, server := tcpLoopback(t)
	defer client.Close()
	defer server.Close()

	var read, written int
	counted := NewCountingConn(WrapTCP(client), func(n int) { read += n }, func(n int) { written += n })

	if _, err := counted.Write([]byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if written != 5 {
		t.Fatalf("expected 5 bytes written, got %d", written)
	}

	go func() { _, _ = server.Write([]byte("world!")) }()
	_ = counted.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 16)
	n, err := counted.Read(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if read != n {
		t.Fatalf("expected read counter %d, got %d", n, read)
	}
}

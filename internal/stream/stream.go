// Package stream abstracts the minimal byte-stream capability the tunnel
// core needs, so control and data connections can be plain TCP or
// TLS-wrapped without the core importing crypto/tls directly.
package stream

import (
	"crypto/tls"
	"fmt"
	"net"
	"time"
)

// Conn is the capability set the tunnel core requires of a byte stream:
// read, write, deadlines, half-close (CloseWrite), and full close. Both
// *net.TCPConn and *tls.Conn satisfy it.
type Conn interface {
	Read(b []byte) (int, error)
	Write(b []byte) (int, error)
	SetReadDeadline(time.Time) error
	SetDeadline(time.Time) error
	Close() error
	CloseWrite() error
	RemoteAddr() net.Addr
}

// halfCloser is satisfied by *net.TCPConn and similar connections that
// support shutting down only the write side.
type halfCloser interface {
	CloseWrite() error
}

// tcpConn adapts a *net.TCPConn (or any net.Conn backed by one, as returned
// by net.Listener.Accept for "tcp" networks) to Conn.
type tcpConn struct {
	net.Conn
}

// WrapTCP adapts a raw net.Conn accepted from a "tcp" listener to Conn. It
// panics if c does not support CloseWrite, which would indicate the
// listener network was not TCP.
func WrapTCP(c net.Conn) Conn {
	if _, ok := c.(halfCloser); !ok {
		panic(fmt.Sprintf("stream: %T does not support CloseWrite", c))
	}
	return tcpConn{c}
}

func (t tcpConn) CloseWrite() error { return t.Conn.(halfCloser).CloseWrite() }

// tlsConn adapts a *tls.Conn to Conn. TLS has no native half-close, so
// CloseWrite falls back to forwarding the underlying connection's
// CloseWrite where present, else a full Close — matching rustls/tokio-rustls
// behavior referenced by the original source, which treats TLS streams as
// opaque and never half-closes them independently of the handshake.
type tlsConn struct {
	*tls.Conn
}

// WrapTLS adapts a handshaked *tls.Conn to Conn.
func WrapTLS(c *tls.Conn) Conn { return tlsConn{c} }

func (t tlsConn) CloseWrite() error {
	if hc, ok := t.Conn.NetConn().(halfCloser); ok {
		return hc.CloseWrite()
	}
	return t.Conn.Close()
}

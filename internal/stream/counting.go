package stream

// CountingConn decorates a Conn, reporting bytes read and written to the
// supplied hooks. Grounded on original_source/src/byte_counter.rs's
// CountingStream, which wraps an AsyncRead/AsyncWrite pair and increments
// Prometheus counters on every poll_read/poll_write; here the same idea is
// expressed as a synchronous io.Reader/io.Writer decorator since Go's
// blocking I/O has no polling equivalent to thread through.
type CountingConn struct {
	Conn
	OnRead  func(n int)
	OnWrite func(n int)
}

// NewCountingConn wraps c, invoking onRead/onWrite (when non-nil) with the
// byte count of every successful Read/Write.
func NewCountingConn(c Conn, onRead, onWrite func(n int)) *CountingConn {
	return &CountingConn{Conn: c, OnRead: onRead, OnWrite: onWrite}
}

func (c *CountingConn) Read(b []byte) (int, error) {
	n, err := c.Conn.Read(b)
	if n > 0 && c.OnRead != nil {
		c.OnRead(n)
	}
	return n, err
}

func (c *CountingConn) Write(b []byte) (int, error) {
	n, err := c.Conn.Write(b)
	if n > 0 && c.OnWrite != nil {
		c.OnWrite(n)
	}
	return n, err
}

package wire

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/kstaniek/bore/internal/stream"
)

// Codec frames discrete JSON messages atop a stream.Conn with a 4-byte
// big-endian length prefix. Not safe for concurrent Send from multiple
// goroutines; Recv and Send may run concurrently with each other.
type Codec struct {
	conn stream.Conn
	r    *bufio.Reader
}

// NewCodec wraps c. Reads are buffered so IntoParts can recover any bytes
// read ahead of the last decoded frame.
func NewCodec(c stream.Conn) *Codec {
	return &Codec{conn: c, r: bufio.NewReader(c)}
}

// Send serializes msg, length-prefixes it, and writes both in a single
// buffered call so no other writer can interleave a partial frame.
func (c *Codec) Send(msg any) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("wire: encode: %w", err)
	}
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrOversized, len(payload))
	}
	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(payload)))
	copy(buf[4:], payload)
	if _, err := c.conn.Write(buf); err != nil {
		return fmt.Errorf("wire: write: %w", err)
	}
	return nil
}

// readFrame reads and validates the length prefix, then reads exactly that
// many payload bytes. The oversized check happens before any payload buffer
// is allocated.
func (c *Codec) readFrame() ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(c.r, lenBuf[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, io.EOF
		}
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrOversized, n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(c.r, payload); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, io.EOF
		}
		return nil, err
	}
	return payload, nil
}

// RecvClient reads the next frame and decodes it as a ClientMessage.
func (c *Codec) RecvClient() (ClientMessage, error) {
	var m ClientMessage
	payload, err := c.readFrame()
	if err != nil {
		return m, err
	}
	if err := json.Unmarshal(payload, &m); err != nil {
		return m, err
	}
	return m, nil
}

// RecvServer reads the next frame and decodes it as a ServerMessage.
func (c *Codec) RecvServer() (ServerMessage, error) {
	var m ServerMessage
	payload, err := c.readFrame()
	if err != nil {
		return m, err
	}
	if err := json.Unmarshal(payload, &m); err != nil {
		return m, err
	}
	return m, nil
}

// RecvClientTimeout is RecvClient with a read deadline; a deadline exceeded
// error is mapped to ErrTimeout.
func (c *Codec) RecvClientTimeout(d time.Duration) (ClientMessage, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(d)); err != nil {
		return ClientMessage{}, fmt.Errorf("wire: set deadline: %w", err)
	}
	defer c.conn.SetReadDeadline(time.Time{})
	m, err := c.RecvClient()
	if isTimeout(err) {
		return m, ErrTimeout
	}
	return m, err
}

// RecvServerTimeout is RecvServer with a read deadline; a deadline exceeded
// error is mapped to ErrTimeout.
func (c *Codec) RecvServerTimeout(d time.Duration) (ServerMessage, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(d)); err != nil {
		return ServerMessage{}, fmt.Errorf("wire: set deadline: %w", err)
	}
	defer c.conn.SetReadDeadline(time.Time{})
	m, err := c.RecvServer()
	if isTimeout(err) {
		return m, ErrTimeout
	}
	return m, err
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// IntoParts releases the underlying stream together with any bytes the
// buffered reader has already consumed from the socket past the last
// decoded frame ("read residue"). The caller must flush the residue to the
// peer stream before proxying raw bytes, or the first bytes of the
// tunneled protocol will be silently dropped.
func (c *Codec) IntoParts() (stream.Conn, []byte) {
	n := c.r.Buffered()
	residue := make([]byte, n)
	if n > 0 {
		// Buffered bytes are already in memory; Read here cannot block or
		// hit the network.
		_, _ = io.ReadFull(c.r, residue)
	}
	return c.conn, residue
}

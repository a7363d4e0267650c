// Package tunclient implements the client side of the control-channel
// protocol: primary-session handshake, the receive loop dispatching
// connection offers, and the reconnect driver, grounded on
// internal/server/server.go's functional-options shape and adapted to a
// dial-out rather than accept-driven lifecycle.
package tunclient

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"

	"github.com/kstaniek/bore/internal/auth"
	"github.com/kstaniek/bore/internal/logging"
	"github.com/kstaniek/bore/internal/relay"
	"github.com/kstaniek/bore/internal/stream"
	"github.com/kstaniek/bore/internal/telemetry"
	"github.com/kstaniek/bore/internal/wire"
)

const (
	defaultRecvTimeout = 10 * time.Second
	defaultBackoff      = time.Second
)

// Client dials a server, maintains the control session, and proxies each
// offered connection to a local upstream.
type Client struct {
	serverAddr  string
	localAddr   string
	desiredPort uint16
	secret      []byte
	tlsConfig   *tls.Config
	recvTimeout time.Duration
	backoffIval time.Duration
	logger      *slog.Logger

	mu           sync.RWMutex
	assignedPort uint16
}

// ClientOption configures a Client at construction time.
type ClientOption func(*Client)

// New builds a Client targeting serverAddr, forwarding offered connections
// to localAddr (host:port of the local upstream service).
func New(serverAddr, localAddr string, opts ...ClientOption) *Client {
	c := &Client{
		serverAddr:  serverAddr,
		localAddr:   localAddr,
		recvTimeout: defaultRecvTimeout,
		backoffIval: defaultBackoff,
		logger:      logging.L(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// WithDesiredPort requests a specific public port (0 = any available).
func WithDesiredPort(p uint16) ClientOption { return func(c *Client) { c.desiredPort = p } }

// WithSecret configures the shared secret; absent, no Authenticate is ever
// sent and a server-issued Challenge becomes a configuration-mismatch error.
func WithSecret(secret []byte) ClientOption { return func(c *Client) { c.secret = secret } }

// WithTLSConfig wraps both the primary and per-offer control connections in
// TLS using cfg.
func WithTLSConfig(cfg *tls.Config) ClientOption { return func(c *Client) { c.tlsConfig = cfg } }

// WithRecvTimeout overrides the per-frame receive deadline in the primary
// session's receive loop.
func WithRecvTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.recvTimeout = d
		}
	}
}

// WithBackoffInterval overrides the constant reconnect delay.
func WithBackoffInterval(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.backoffIval = d
		}
	}
}

// WithLogger overrides the client's structured logger.
func WithLogger(l *slog.Logger) ClientOption {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// AssignedPort returns the server-confirmed public port, valid once Run's
// primary session has completed its Hello exchange at least once.
func (c *Client) AssignedPort() uint16 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.assignedPort
}

func (c *Client) setAssignedPort(p uint16) {
	c.mu.Lock()
	c.assignedPort = p
	c.mu.Unlock()
}

func (c *Client) dial(ctx context.Context) (stream.Conn, error) {
	d := net.Dialer{Timeout: 5 * time.Second}
	raw, err := d.DialContext(ctx, "tcp", c.serverAddr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDial, err)
	}
	if c.tlsConfig == nil {
		return stream.WrapTCP(raw), nil
	}
	tconn := tls.Client(raw, c.tlsConfig)
	if err := tconn.HandshakeContext(ctx); err != nil {
		_ = raw.Close()
		return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	return stream.WrapTLS(tconn), nil
}

// authenticateIfConfigured responds to a server Challenge when a secret is
// set. A configured client must wait for that Challenge before sending
// Hello, since the server reads Authenticate as its very next frame and
// would otherwise misinterpret an early Hello as a failed auth attempt. An
// unconfigured client skips this wait (the server with no secret never
// sends anything before reading Hello, so waiting here would stall every
// ordinary unauthenticated session) — the case where the server turns out
// to require auth anyway is instead caught by the msg.Challenge case in
// runPrimarySession's post-Hello receive switch below.
func (c *Client) authenticateIfConfigured(codec *wire.Codec) error {
	if len(c.secret) == 0 {
		return nil
	}
	if err := auth.ClientHandshake(context.Background(), codec, c.secret, c.recvTimeout); err != nil {
		return fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	return nil
}

// Run drives the outer reconnect loop: on any primary-session failure it
// waits the configured backoff and reconnects, forever, until ctx is
// cancelled.
func (c *Client) Run(ctx context.Context) error {
	op := func() error {
		err := c.runPrimarySession(ctx)
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		if err != nil {
			c.logger.Warn("primary_session_failed", "error", err)
		}
		return errSessionEnded
	}
	b := backoff.WithContext(backoff.NewConstantBackOff(c.backoffIval), ctx)
	err := backoff.Retry(op, b)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// errSessionEnded is a retryable sentinel: any primary-session exit other
// than context cancellation should reconnect.
var errSessionEnded = errors.New("tunclient: primary session ended")

// runPrimarySession dials once, performs the handshake, sends Hello, and
// runs the receive loop until it errors or ctx is cancelled.
func (c *Client) runPrimarySession(ctx context.Context) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	codec := wire.NewCodec(conn)
	defer conn.Close()
	go func() { <-ctx.Done(); _ = conn.Close() }()

	if err := c.authenticateIfConfigured(codec); err != nil {
		return err
	}

	if err := codec.Send(wire.NewClientHello(c.desiredPort)); err != nil {
		return fmt.Errorf("%w: %v", ErrControlWrite, err)
	}
	msg, err := codec.RecvServerTimeout(c.recvTimeout)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrControlRead, err)
	}
	switch {
	case msg.Hello != nil:
		c.setAssignedPort(*msg.Hello)
		c.logger.Info("tunnel_established", "assigned_port", *msg.Hello)
	case msg.Error != nil:
		return fmt.Errorf("%w: %s", ErrServerError, *msg.Error)
	case msg.Challenge != nil:
		// This client has no secret configured (otherwise
		// authenticateIfConfigured would already have consumed the
		// Challenge before Hello was sent), but the server demanded one.
		return fmt.Errorf("%w: %w", ErrHandshake, auth.ErrAuthRequired)
	default:
		return fmt.Errorf("%w: expected Hello, got %+v", ErrUnexpectedMessage, msg)
	}

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		msg, err := codec.RecvServerTimeout(c.recvTimeout)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrControlRead, err)
		}
		switch {
		case msg.Heartbeat:
			continue
		case msg.Connection != nil:
			id := *msg.Connection
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := c.handleOffer(ctx, id); err != nil {
					c.logger.Warn("offer_handling_failed", "id", id.String(), "error", err)
				}
			}()
		case msg.Error != nil:
			return fmt.Errorf("%w: %s", ErrServerError, *msg.Error)
		default:
			return fmt.Errorf("%w: %+v", ErrUnexpectedMessage, msg)
		}
	}
}

// handleOffer opens a fresh data channel, claims the parked connection id,
// dials the local upstream, and proxies bytes between them.
func (c *Client) handleOffer(ctx context.Context, id uuid.UUID) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	codec := wire.NewCodec(conn)

	if err := c.authenticateIfConfigured(codec); err != nil {
		_ = conn.Close()
		return err
	}
	if err := codec.Send(wire.NewAccept(id)); err != nil {
		_ = conn.Close()
		return fmt.Errorf("%w: %v", ErrControlWrite, err)
	}

	upstream, err := net.DialTimeout("tcp", c.localAddr, 5*time.Second)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("%w: %v", ErrUpstreamDial, err)
	}
	local := stream.WrapTCP(upstream)
	counted := stream.NewCountingConn(conn, telemetry.AddIncomingBytes, telemetry.AddOutgoingBytes)

	if err := relay.Proxy(ctx, counted, local); err != nil {
		return fmt.Errorf("proxy: %w", err)
	}
	return nil
}

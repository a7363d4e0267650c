// Package tunserver implements the server side of the control-channel
// protocol: per-client handshake, public-port allocation, heartbeats, and
// connection offer/accept rendezvous, grounded on internal/server/server.go's
// accept-loop and functional-options shape.
package tunserver

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/kstaniek/bore/internal/auth"
	"github.com/kstaniek/bore/internal/logging"
	"github.com/kstaniek/bore/internal/registry"
	"github.com/kstaniek/bore/internal/relay"
	"github.com/kstaniek/bore/internal/stream"
	"github.com/kstaniek/bore/internal/telemetry"
	"github.com/kstaniek/bore/internal/wire"
)

const (
	// DefaultControlAddr is the fixed control port clients dial.
	DefaultControlAddr = ":7835"
	defaultMinPort      = 1024
	defaultRecvTimeout  = 10 * time.Second
	defaultHeartbeat    = 2 * time.Second
	defaultParkTTL      = 10 * time.Second
)

// Server owns the control listener and coordinates per-client sessions.
type Server struct {
	mu          sync.RWMutex
	addr        string
	minPort     uint16
	secret      []byte
	tlsConfig   *tls.Config
	recvTimeout time.Duration
	heartbeat   time.Duration
	parkTTL     time.Duration
	logger      *slog.Logger
	registry    *registry.Registry

	listener  net.Listener
	readyOnce sync.Once
	readyCh   chan struct{}

	lastErrMu sync.Mutex
	lastErr   error

	nextConnID uint64
	wg         sync.WaitGroup
}

// ServerOption configures a Server at construction time.
type ServerOption func(*Server)

// NewServer builds a Server with the given options applied over sensible
// defaults; the control listener is not bound until Serve is called.
func NewServer(opts ...ServerOption) *Server {
	s := &Server{
		addr:        DefaultControlAddr,
		minPort:     defaultMinPort,
		recvTimeout: defaultRecvTimeout,
		heartbeat:   defaultHeartbeat,
		parkTTL:     defaultParkTTL,
		logger:      logging.L(),
		registry:    registry.New(),
		readyCh:     make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// WithControlAddr overrides the address the control listener binds to.
func WithControlAddr(a string) ServerOption { return func(s *Server) { s.addr = a } }

// WithMinPort sets the lowest public port a client may request explicitly.
func WithMinPort(p uint16) ServerOption { return func(s *Server) { s.minPort = p } }

// WithSecret configures the shared secret; a nil/empty secret disables auth.
func WithSecret(secret []byte) ServerOption { return func(s *Server) { s.secret = secret } }

// WithTLSConfig wraps every accepted control connection in TLS using cfg.
func WithTLSConfig(cfg *tls.Config) ServerOption { return func(s *Server) { s.tlsConfig = cfg } }

// WithRecvTimeout overrides the per-frame receive deadline during handshake
// and AWAIT_HELLO.
func WithRecvTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.recvTimeout = d
		}
	}
}

// WithHeartbeatInterval overrides the OFFERING loop's heartbeat/accept period.
func WithHeartbeatInterval(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.heartbeat = d
		}
	}
}

// WithParkTTL overrides how long a parked inbound waits for an Accept before
// being reaped.
func WithParkTTL(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.parkTTL = d
		}
	}
}

// WithLogger overrides the server's structured logger.
func WithLogger(l *slog.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// Addr returns the control listener's bound address, valid after Ready.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.addr
}

// Ready closes once the control listener is bound.
func (s *Server) Ready() <-chan struct{} { return s.readyCh }

func (s *Server) setError(err error) {
	s.lastErrMu.Lock()
	s.lastErr = err
	s.lastErrMu.Unlock()
}

// LastError returns the most recently observed fatal listener error, if any.
func (s *Server) LastError() error {
	s.lastErrMu.Lock()
	defer s.lastErrMu.Unlock()
	return s.lastErr
}

// Serve binds the control listener and accepts sessions until ctx is
// cancelled or a fatal listener error occurs.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.RLock()
	addr := s.addr
	s.mu.RUnlock()

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		wrap := fmt.Errorf("%w: %v", ErrListen, err)
		telemetry.IncError(mapErrToMetric(wrap))
		s.setError(wrap)
		return wrap
	}
	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.listener = ln
	s.mu.Unlock()
	s.readyOnce.Do(func() { close(s.readyCh) })
	s.logger.Info("control_listen", "addr", s.Addr())

	go func() { <-ctx.Done(); _ = ln.Close() }()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				s.wg.Wait()
				return nil
			default:
			}
			wrap := fmt.Errorf("%w: %v", ErrAccept, err)
			telemetry.IncError(mapErrToMetric(wrap))
			s.setError(wrap)
			return wrap
		}
		connID := atomic.AddUint64(&s.nextConnID, 1)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleControl(ctx, conn, connID)
		}()
	}
}

// Shutdown closes the control listener and waits for in-flight sessions to
// drain, or until ctx is cancelled.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.listener = nil
	s.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}
	done := make(chan struct{})
	go func() { s.wg.Wait(); close(done) }()
	select {
	case <-ctx.Done():
		return fmt.Errorf("shutdown timeout: %w", ctx.Err())
	case <-done:
		return nil
	}
}

func (s *Server) wrapConn(conn net.Conn) (stream.Conn, error) {
	if s.tlsConfig == nil {
		return stream.WrapTCP(conn), nil
	}
	tconn := tls.Server(conn, s.tlsConfig)
	if err := tconn.HandshakeContext(context.Background()); err != nil {
		return nil, err
	}
	return stream.WrapTLS(tconn), nil
}

// handleControl runs one control connection from its first byte through
// AWAIT_HELLO, branching into allocation (Hello) or proxy handoff (Accept).
func (s *Server) handleControl(ctx context.Context, raw net.Conn, connID uint64) {
	logger := logging.ForSession(s.logger, connID, raw.RemoteAddr().String())

	conn, err := s.wrapConn(raw)
	if err != nil {
		wrap := fmt.Errorf("%w: %v", ErrHandshake, err)
		telemetry.IncError(mapErrToMetric(wrap))
		logger.Warn("tls_handshake_failed", "error", err)
		_ = raw.Close()
		return
	}
	codec := wire.NewCodec(conn)

	if len(s.secret) > 0 {
		a := auth.New(s.secret)
		if err := a.ServerHandshake(ctx, codec, s.recvTimeout); err != nil {
			wrap := fmt.Errorf("%w: %v", ErrHandshake, err)
			telemetry.IncError(mapErrToMetric(wrap))
			logger.Warn("auth_failed", "error", err)
			_ = codec.Send(wire.NewError("authentication failed"))
			_ = conn.Close()
			return
		}
	}

	msg, err := codec.RecvClientTimeout(s.recvTimeout)
	if err != nil {
		wrap := fmt.Errorf("%w: %v", ErrControlRead, err)
		telemetry.IncError(mapErrToMetric(wrap))
		logger.Warn("await_hello_failed", "error", err)
		_ = conn.Close()
		return
	}
	switch {
	case msg.Hello != nil:
		s.allocate(ctx, codec, conn, *msg.Hello, logger)
	case msg.Accept != nil:
		s.proxyHandoff(codec, conn, *msg.Accept, logger)
	default:
		telemetry.IncError(mapErrToMetric(ErrUnexpectedMessage))
		logger.Warn("unexpected_message_await_hello")
		_ = conn.Close()
	}
}

// allocate validates the requested port, binds a public listener, confirms
// the assignment, and enters the OFFERING loop.
func (s *Server) allocate(ctx context.Context, codec *wire.Codec, conn stream.Conn, port uint16, logger *slog.Logger) {
	if port != 0 && port < s.minPort {
		telemetry.IncError(mapErrToMetric(ErrInvalidPort))
		logger.Warn("requested_port_below_minimum", "port", port, "min_port", s.minPort)
		_ = conn.Close()
		return
	}
	ln, err := net.Listen("tcp", fmt.Sprintf("0.0.0.0:%d", port))
	if err != nil {
		wrap := fmt.Errorf("%w: %v", ErrBindFailure, err)
		telemetry.IncError(mapErrToMetric(wrap))
		logger.Warn("bind_failed", "error", err)
		_ = codec.Send(wire.NewError("port already in use"))
		_ = conn.Close()
		return
	}
	actual := uint16(ln.Addr().(*net.TCPAddr).Port)
	if err := codec.Send(wire.NewServerHello(actual)); err != nil {
		wrap := fmt.Errorf("%w: %v", ErrControlWrite, err)
		telemetry.IncError(mapErrToMetric(wrap))
		logger.Warn("hello_send_failed", "error", err)
		_ = ln.Close()
		_ = conn.Close()
		return
	}
	logger.Info("session_allocated", "port", actual)
	s.offerLoop(ctx, codec, conn, ln, logger)
}

// offerLoop sends heartbeats and offers freshly accepted public inbounds
// until the control stream or public listener fails. ConnectedClients is
// incremented exactly once on entry and decremented exactly once on every
// exit path.
func (s *Server) offerLoop(ctx context.Context, codec *wire.Codec, conn stream.Conn, ln net.Listener, logger *slog.Logger) {
	telemetry.IncConnectedClients()
	defer telemetry.DecConnectedClients()
	defer ln.Close()
	defer conn.Close()

	tcpLn, _ := ln.(*net.TCPListener)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := codec.Send(wire.NewHeartbeat()); err != nil {
			wrap := fmt.Errorf("%w: %v", ErrControlWrite, err)
			telemetry.IncError(mapErrToMetric(wrap))
			logger.Info("heartbeat_send_failed", "error", err)
			return
		}
		telemetry.IncHeartbeats()

		if tcpLn != nil {
			_ = tcpLn.SetDeadline(time.Now().Add(s.heartbeat))
		}
		inbound, err := ln.Accept()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			logger.Info("public_listener_closed", "error", err)
			return
		}

		id := uuid.New()
		parked := stream.WrapTCP(inbound)
		if err := s.registry.Insert(id, parked, s.parkTTL); err != nil {
			logger.Warn("registry_collision", "id", id.String())
			_ = parked.Close()
			continue
		}
		telemetry.IncTotalConnections()

		if err := codec.Send(wire.NewConnection(id)); err != nil {
			wrap := fmt.Errorf("%w: %v", ErrControlWrite, err)
			telemetry.IncError(mapErrToMetric(wrap))
			logger.Info("offer_send_failed", "error", err)
			if c, ok := s.registry.Take(id); ok {
				_ = c.Close()
			}
			return
		}
	}
}

// proxyHandoff claims the parked inbound named by id and proxies it against
// conn, the freshly authenticated data channel this control connection
// turned out to be.
func (s *Server) proxyHandoff(codec *wire.Codec, conn stream.Conn, id uuid.UUID, logger *slog.Logger) {
	inbound, ok := s.registry.Take(id)
	if !ok {
		telemetry.IncError(mapErrToMetric(ErrMissingConnection))
		logger.Warn("missing_parked_connection", "id", id.String())
		_ = conn.Close()
		return
	}

	dataConn, residue := codec.IntoParts()
	if len(residue) > 0 {
		if _, err := inbound.Write(residue); err != nil {
			logger.Warn("residue_flush_failed", "error", err)
			_ = inbound.Close()
			_ = dataConn.Close()
			return
		}
	}

	counted := stream.NewCountingConn(dataConn, telemetry.AddIncomingBytes, telemetry.AddOutgoingBytes)
	if err := relay.Proxy(context.Background(), counted, inbound); err != nil {
		telemetry.IncError(telemetry.ErrProxy)
		logger.Info("proxy_ended", "error", err)
	}
}

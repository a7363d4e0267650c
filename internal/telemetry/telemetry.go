// Package telemetry publishes the tunnel's Prometheus counters and exposes
// them over HTTP, mirroring the teacher's internal/metrics package.
package telemetry

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus collectors.
var (
	TotalConnections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "total_connections",
		Help: "Total public inbound connections parked by the server.",
	})
	ConnectedClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "connected_clients",
		Help: "Clients currently holding an allocated public listener.",
	})
	Heartbeats = promauto.NewCounter(prometheus.CounterOpts{
		Name: "heartbeats",
		Help: "Total heartbeat frames sent by control sessions.",
	})
	IncomingBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "incoming_bytes",
		Help: "Total bytes read from proxied and control streams.",
	})
	OutgoingBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "outgoing_bytes",
		Help: "Total bytes written to proxied and control streams.",
	})
	IncomingBytesPerSecond = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "incoming_bytes_per_second",
		Help: "Incoming byte rate sampled once per second.",
	})
	OutgoingBytesPerSecond = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "outgoing_bytes_per_second",
		Help: "Outgoing byte rate sampled once per second.",
	})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})
)

// Error label constants (stable values to bound cardinality).
const (
	ErrControlRead       = "control_read"
	ErrControlWrite      = "control_write"
	ErrHandshake         = "handshake"
	ErrListen            = "listen"
	ErrAccept            = "accept"
	ErrProxy             = "proxy"
	ErrMissingParked     = "missing_parked"
	ErrUnexpectedMessage = "unexpected_message"
	ErrInvalidPort       = "invalid_port"
)

// local mirrors atomics kept alongside the Prometheus collectors, cheap to
// sample for structured-log snapshots without touching the registry.
var (
	localTotalConnections uint64
	localHeartbeats       uint64
	localIncomingBytes    uint64
	localOutgoingBytes    uint64
	localErrors           uint64
)

// Snapshot is a cheap copy of the local counters, used for periodic
// structured-log sampling on deployments without a Prometheus scraper.
type Snapshot struct {
	TotalConnections uint64
	ConnectedClients int64
	Heartbeats       uint64
	IncomingBytes    uint64
	OutgoingBytes    uint64
	Errors           uint64
}

var connectedClientsLocal int64

// Snap returns a point-in-time copy of the local counters.
func Snap() Snapshot {
	return Snapshot{
		TotalConnections: atomic.LoadUint64(&localTotalConnections),
		ConnectedClients: atomic.LoadInt64(&connectedClientsLocal),
		Heartbeats:       atomic.LoadUint64(&localHeartbeats),
		IncomingBytes:    atomic.LoadUint64(&localIncomingBytes),
		OutgoingBytes:    atomic.LoadUint64(&localOutgoingBytes),
		Errors:           atomic.LoadUint64(&localErrors),
	}
}

// IncTotalConnections records one freshly parked inbound connection.
func IncTotalConnections() {
	TotalConnections.Inc()
	atomic.AddUint64(&localTotalConnections, 1)
}

// IncConnectedClients increments the gauge exactly once per successful Hello.
func IncConnectedClients() {
	ConnectedClients.Inc()
	atomic.AddInt64(&connectedClientsLocal, 1)
}

// DecConnectedClients decrements the gauge exactly once per session end.
func DecConnectedClients() {
	ConnectedClients.Dec()
	atomic.AddInt64(&connectedClientsLocal, -1)
}

// IncHeartbeats records one heartbeat frame sent.
func IncHeartbeats() {
	Heartbeats.Inc()
	atomic.AddUint64(&localHeartbeats, 1)
}

// AddIncomingBytes records n bytes read.
func AddIncomingBytes(n int) {
	if n <= 0 {
		return
	}
	IncomingBytes.Add(float64(n))
	atomic.AddUint64(&localIncomingBytes, uint64(n))
}

// AddOutgoingBytes records n bytes written.
func AddOutgoingBytes(n int) {
	if n <= 0 {
		return
	}
	OutgoingBytes.Add(float64(n))
	atomic.AddUint64(&localOutgoingBytes, uint64(n))
}

// IncError increments the error counter for the given subsystem label.
func IncError(where string) {
	Errors.WithLabelValues(where).Inc()
	atomic.AddUint64(&localErrors, 1)
}

// StartHTTP serves /metrics and /ready on addr and returns the *http.Server
// so callers can Shutdown it. The server is started in a background
// goroutine; a bind failure is logged by the caller via the returned error
// channel pattern is intentionally avoided here to keep this a thin,
// test-friendly wrapper (mirrors the teacher's StartHTTP).
func StartHTTP(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}

// BytesPerSecondReporter samples IncomingBytes/OutgoingBytes once a second
// and publishes the delta as a gauge, grounded on
// original_source/src/byte_counter.rs's bytes_per_second_calculator.
func BytesPerSecondReporter(ctx context.Context) {
	t := time.NewTicker(time.Second)
	defer t.Stop()
	var lastIn, lastOut uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			in := atomic.LoadUint64(&localIncomingBytes)
			out := atomic.LoadUint64(&localOutgoingBytes)
			IncomingBytesPerSecond.Set(float64(in - lastIn))
			OutgoingBytesPerSecond.Set(float64(out - lastOut))
			lastIn, lastOut = in, out
		}
	}
}

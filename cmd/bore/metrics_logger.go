package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/bore/internal/telemetry"
)

// startMetricsLogger periodically logs a telemetry.Snap() snapshot, for
// deployments that run -metrics-addr off and have no Prometheus scraper.
// A no-op when interval is <= 0.
func startMetricsLogger(ctx context.Context, interval time.Duration, l *slog.Logger, wg *sync.WaitGroup) {
	if interval <= 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				snap := telemetry.Snap()
				l.Info("metrics_snapshot",
					"total_connections", snap.TotalConnections,
					"connected_clients", snap.ConnectedClients,
					"heartbeats", snap.Heartbeats,
					"incoming_bytes", snap.IncomingBytes,
					"outgoing_bytes", snap.OutgoingBytes,
					"errors", snap.Errors,
				)
			case <-ctx.Done():
				return
			}
		}
	}()
}

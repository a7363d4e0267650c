package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/kstaniek/bore/internal/logging"
	"github.com/kstaniek/bore/internal/telemetry"
	"github.com/kstaniek/bore/internal/tunclient"
	"github.com/kstaniek/bore/internal/tunserver"
)

const shutdownGrace = 5 * time.Second

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: bore <local|server> [flags]")
		os.Exit(2)
	}
	switch os.Args[1] {
	case "local":
		runLocal(os.Args[2:])
	case "server":
		runServer(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown subcommand %q; expected local or server\n", os.Args[1])
		os.Exit(2)
	}
}

func runLocal(args []string) {
	cfg, err := parseLocalFlags(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(2)
	}
	l := logging.New(cfg.logFormat, slogLevel(cfg.logLevel), os.Stderr)
	logging.Set(l)

	opts := []tunclient.ClientOption{
		tunclient.WithDesiredPort(uint16(cfg.desiredPort)),
		tunclient.WithLogger(l),
	}
	if cfg.secret != "" {
		opts = append(opts, tunclient.WithSecret([]byte(cfg.secret)))
	}
	if cfg.useTLS {
		tlsCfg := &tls.Config{}
		if cfg.tlsCAFile != "" {
			pool, err := loadCAFile(cfg.tlsCAFile)
			if err != nil {
				l.Error("tls_cafile_load_failed", "error", err)
				os.Exit(1)
			}
			tlsCfg.RootCAs = pool
		}
		opts = append(opts, tunclient.WithTLSConfig(tlsCfg))
	}

	localAddr := net.JoinHostPort(cfg.localHost, strconv.Itoa(cfg.localPort))
	cl := tunclient.New(cfg.serverAddr, localAddr, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sigCh
		l.Info("shutdown_signal", "signal", s.String())
		cancel()
	}()

	if err := cl.Run(ctx); err != nil {
		l.Error("client_exited", "error", err)
		os.Exit(1)
	}
}

func runServer(args []string) {
	cfg, err := parseServerFlags(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(2)
	}
	l := logging.New(cfg.logFormat, slogLevel(cfg.logLevel), os.Stderr)
	logging.Set(l)

	opts := []tunserver.ServerOption{
		tunserver.WithControlAddr(cfg.controlAddr),
		tunserver.WithMinPort(uint16(cfg.minPort)),
		tunserver.WithLogger(l),
	}
	if cfg.secret != "" {
		opts = append(opts, tunserver.WithSecret([]byte(cfg.secret)))
	}
	if cfg.useTLS {
		cert, err := tls.LoadX509KeyPair(cfg.tlsCertFile, cfg.tlsKeyFile)
		if err != nil {
			l.Error("tls_keypair_load_failed", "error", err)
			os.Exit(1)
		}
		opts = append(opts, tunserver.WithTLSConfig(&tls.Config{Certificates: []tls.Certificate{cert}}))
	}

	srv := tunserver.NewServer(opts...)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var metricsSrv *http.Server
	if cfg.metricsAddr != "" {
		metricsSrv = telemetry.StartHTTP(cfg.metricsAddr)
		go telemetry.BytesPerSecondReporter(ctx)
	}

	var wg sync.WaitGroup
	startMetricsLogger(ctx, cfg.logMetricsEvery, l, &wg)

	go func() {
		if err := srv.Serve(ctx); err != nil {
			l.Error("control_server_error", "error", err)
			cancel()
		}
	}()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sigCh:
		l.Info("shutdown_signal", "signal", s.String())
	case <-ctx.Done():
	}
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		l.Warn("shutdown_incomplete", "error", err)
	}
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(context.Background())
	}
	wg.Wait()
}

func loadCAFile(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates found in %s", path)
	}
	return pool, nil
}

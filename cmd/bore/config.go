package main

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

type localConfig struct {
	localHost   string
	localPort   int
	serverAddr  string
	desiredPort int
	secret      string
	useTLS      bool
	tlsCAFile   string
	logFormat   string
	logLevel    string
}

type serverConfig struct {
	controlAddr string
	minPort     int
	secret      string
	useTLS      bool
	tlsCertFile string
	tlsKeyFile  string
	metricsAddr string
	logFormat   string
	logLevel    string

	logMetricsEvery time.Duration
}

func parseLocalFlags(args []string) (*localConfig, error) {
	fs := flag.NewFlagSet("local", flag.ExitOnError)
	localHost := fs.String("local-host", "127.0.0.1", "Local upstream host to forward accepted tunnels to")
	localPort := fs.Int("local-port", 0, "Local upstream port to forward accepted tunnels to")
	to := fs.String("to", "", "Server control address (host:port)")
	port := fs.Int("port", 0, "Requested remote port (0 = any available)")
	secret := fs.String("secret", "", "Shared secret (also read from BORE_SECRET)")
	useTLS := fs.Bool("tls", false, "Wrap the control connection in TLS")
	tlsCAFile := fs.String("tls-cafile", "", "Optional custom CA file to validate the server certificate")
	logFormat := fs.String("log-format", "text", "Log format: text|json")
	logLevel := fs.String("log-level", "info", "Log level: debug|info|warn|error")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	setFlags := map[string]struct{}{}
	fs.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })

	cfg := &localConfig{
		localHost:   *localHost,
		localPort:   *localPort,
		serverAddr:  *to,
		desiredPort: *port,
		secret:      *secret,
		useTLS:      *useTLS,
		tlsCAFile:   *tlsCAFile,
		logFormat:   *logFormat,
		logLevel:    *logLevel,
	}
	applyLocalEnvOverrides(cfg, setFlags)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *localConfig) validate() error {
	if c.serverAddr == "" {
		return errors.New("-to is required")
	}
	if c.localPort <= 0 {
		return errors.New("-local-port must be > 0")
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	switch c.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	return nil
}

func applyLocalEnvOverrides(c *localConfig, set map[string]struct{}) {
	if _, ok := set["secret"]; !ok {
		if v := strings.TrimSpace(os.Getenv("BORE_SECRET")); v != "" {
			c.secret = v
		}
	}
	if _, ok := set["log-format"]; !ok {
		if v := strings.TrimSpace(os.Getenv("BORE_LOG_FORMAT")); v != "" {
			c.logFormat = v
		}
	}
	if _, ok := set["log-level"]; !ok {
		if v := strings.TrimSpace(os.Getenv("BORE_LOG_LEVEL")); v != "" {
			c.logLevel = v
		}
	}
}

func parseServerFlags(args []string) (*serverConfig, error) {
	fs := flag.NewFlagSet("server", flag.ExitOnError)
	controlAddr := fs.String("control-addr", ":7835", "Control listener address")
	minPort := fs.Int("min-port", 1024, "Lowest public port a client may request explicitly")
	secret := fs.String("secret", "", "Shared secret (also read from BORE_SECRET)")
	useTLS := fs.Bool("tls", false, "Require TLS on the control listener")
	tlsCert := fs.String("tls-cert", "", "TLS certificate file (required with -tls)")
	tlsKey := fs.String("tls-key", "", "TLS key file (required with -tls)")
	metricsAddr := fs.String("metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	logFormat := fs.String("log-format", "text", "Log format: text|json")
	logLevel := fs.String("log-level", "info", "Log level: debug|info|warn|error")
	logMetricsEvery := fs.Duration("log-metrics-interval", 0, "If >0, periodically log a counters snapshot (for deployments without a Prometheus scraper)")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	setFlags := map[string]struct{}{}
	fs.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })

	cfg := &serverConfig{
		controlAddr:     *controlAddr,
		minPort:         *minPort,
		secret:          *secret,
		useTLS:          *useTLS,
		tlsCertFile:     *tlsCert,
		tlsKeyFile:      *tlsKey,
		metricsAddr:     *metricsAddr,
		logFormat:       *logFormat,
		logLevel:        *logLevel,
		logMetricsEvery: *logMetricsEvery,
	}
	if err := applyServerEnvOverrides(cfg, setFlags); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *serverConfig) validate() error {
	if c.minPort < 0 || c.minPort > 65535 {
		return fmt.Errorf("min-port out of range: %d", c.minPort)
	}
	if c.useTLS && (c.tlsCertFile == "" || c.tlsKeyFile == "") {
		return errors.New("-tls requires both -tls-cert and -tls-key")
	}
	if c.logMetricsEvery < 0 {
		return errors.New("-log-metrics-interval must be >= 0")
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	switch c.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	return nil
}

// applyServerEnvOverrides maps BORE_* environment variables onto cfg for
// every flag not explicitly set on the command line, following the
// teacher's flag-wins-if-set precedence. The first malformed duration or
// integer is reported; later ones are ignored so one bad value doesn't mask
// another.
func applyServerEnvOverrides(c *serverConfig, set map[string]struct{}) error {
	var firstErr error
	if _, ok := set["secret"]; !ok {
		if v := strings.TrimSpace(os.Getenv("BORE_SECRET")); v != "" {
			c.secret = v
		}
	}
	if _, ok := set["min-port"]; !ok {
		if v := strings.TrimSpace(os.Getenv("BORE_MIN_PORT")); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				c.minPort = n
			} else if firstErr == nil {
				firstErr = fmt.Errorf("invalid BORE_MIN_PORT: %w", err)
			}
		}
	}
	if _, ok := set["metrics-addr"]; !ok {
		if v, ok := os.LookupEnv("BORE_METRICS_ADDR"); ok {
			c.metricsAddr = v
		}
	}
	if _, ok := set["log-format"]; !ok {
		if v := strings.TrimSpace(os.Getenv("BORE_LOG_FORMAT")); v != "" {
			c.logFormat = v
		}
	}
	if _, ok := set["log-level"]; !ok {
		if v := strings.TrimSpace(os.Getenv("BORE_LOG_LEVEL")); v != "" {
			c.logLevel = v
		}
	}
	if _, ok := set["log-metrics-interval"]; !ok {
		if v := strings.TrimSpace(os.Getenv("BORE_LOG_METRICS_INTERVAL")); v != "" {
			if d, err := time.ParseDuration(v); err == nil && d >= 0 {
				c.logMetricsEvery = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid BORE_LOG_METRICS_INTERVAL: %w", err)
			}
		}
	}
	return firstErr
}

func slogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

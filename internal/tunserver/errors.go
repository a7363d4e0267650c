package tunserver

import (
	"errors"

	"github.com/kstaniek/bore/internal/telemetry"
)

// Sentinel errors used for wrapping so callers can classify via errors.Is.
var (
	ErrListen            = errors.New("listen")
	ErrAccept            = errors.New("accept")
	ErrHandshake         = errors.New("handshake")
	ErrControlRead       = errors.New("control_read")
	ErrControlWrite      = errors.New("control_write")
	ErrBindFailure       = errors.New("bind_failure")
	ErrMissingConnection = errors.New("missing_connection")
	ErrUnexpectedMessage = errors.New("unexpected_message")
	ErrInvalidPort       = errors.New("invalid_port")
)

// mapErrToMetric maps wrapped sentinel errors to telemetry error labels.
func mapErrToMetric(err error) string {
	switch {
	case errors.Is(err, ErrControlRead):
		return telemetry.ErrControlRead
	case errors.Is(err, ErrControlWrite):
		return telemetry.ErrControlWrite
	case errors.Is(err, ErrHandshake):
		return telemetry.ErrHandshake
	case errors.Is(err, ErrListen), errors.Is(err, ErrBindFailure):
		return telemetry.ErrListen
	case errors.Is(err, ErrAccept):
		return telemetry.ErrAccept
	case errors.Is(err, ErrMissingConnection):
		return telemetry.ErrMissingParked
	case errors.Is(err, ErrUnexpectedMessage):
		return telemetry.ErrUnexpectedMessage
	case errors.Is(err, ErrInvalidPort):
		return telemetry.ErrInvalidPort
	default:
		return "other"
	}
}

package tunclient

import "errors"

// Sentinel errors used for wrapping so callers can classify via errors.Is.
var (
	ErrDial              = errors.New("dial")
	ErrHandshake         = errors.New("handshake")
	ErrControlRead       = errors.New("control_read")
	ErrControlWrite      = errors.New("control_write")
	ErrServerError       = errors.New("server_error")
	ErrUnexpectedMessage = errors.New("unexpected_message")
	ErrUpstreamDial      = errors.New("upstream_dial")
)

package auth

import "errors"

var (
	// ErrAuthFailed is returned by ServerHandshake when the client's token
	// does not match the expected HMAC.
	ErrAuthFailed = errors.New("auth: token mismatch")
	// ErrAuthRequired is returned by ClientHandshake when the server issued
	// a Challenge but the client has no secret configured.
	ErrAuthRequired = errors.New("auth: server requires a secret")
	// ErrUnexpectedMessage is returned when a handshake participant
	// receives a message it cannot make sense of at that point.
	ErrUnexpectedMessage = errors.New("auth: unexpected message")
)

// Package auth implements the challenge/response authenticator: a keyed
// hash proves mutual knowledge of a shared secret without transmitting it.
// Grounded on internal/cnl/handshake.go's deadline-guarded exchange,
// generalized from a fixed magic string to an HMAC challenge/response.
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kstaniek/bore/internal/wire"
)

// Authenticator derives a fixed key from a shared secret and proves
// knowledge of it via HMAC-SHA256 over a single-use nonce.
type Authenticator struct {
	key [32]byte
}

// New derives an Authenticator's key from secret. The secret itself is
// never sent over the wire.
func New(secret []byte) *Authenticator {
	return &Authenticator{key: sha256.Sum256(secret)}
}

func (a *Authenticator) token(nonce uuid.UUID) string {
	mac := hmac.New(sha256.New, a.key[:])
	mac.Write([]byte(nonce.String()))
	return hex.EncodeToString(mac.Sum(nil))
}

// ServerHandshake issues a fresh challenge over codec and verifies the
// client's response. ctx is currently unused beyond carrying cancellation
// intent to future callers; the deadline is enforced by codec's own
// RecvClientTimeout.
func (a *Authenticator) ServerHandshake(ctx context.Context, codec *wire.Codec, recvTimeout time.Duration) error {
	nonce := uuid.New()
	if err := codec.Send(wire.NewChallenge(nonce)); err != nil {
		return fmt.Errorf("auth: send challenge: %w", err)
	}
	msg, err := codec.RecvClientTimeout(recvTimeout)
	if err != nil {
		return fmt.Errorf("auth: recv authenticate: %w", err)
	}
	if msg.Authenticate == nil {
		return fmt.Errorf("%w: expected Authenticate", ErrUnexpectedMessage)
	}
	expected := a.token(nonce)
	if !hmac.Equal([]byte(expected), []byte(*msg.Authenticate)) {
		return ErrAuthFailed
	}
	return nil
}

// ClientHandshake waits for the server's first frame and requires it to be
// a Challenge. If secret is empty the caller has nothing to answer with, so
// this returns ErrAuthRequired without ever deriving a key from the empty
// secret; otherwise it replies with the computed token. Any other first
// message is ErrUnexpectedMessage.
func ClientHandshake(ctx context.Context, codec *wire.Codec, secret []byte, recvTimeout time.Duration) error {
	msg, err := codec.RecvServerTimeout(recvTimeout)
	if err != nil {
		return fmt.Errorf("auth: recv challenge: %w", err)
	}
	if msg.Challenge == nil {
		return fmt.Errorf("%w: expected Challenge", ErrUnexpectedMessage)
	}
	if len(secret) == 0 {
		return ErrAuthRequired
	}
	a := New(secret)
	token := a.token(*msg.Challenge)
	if err := codec.Send(wire.NewAuthenticate(token)); err != nil {
		return fmt.Errorf("auth: send authenticate: %w", err)
	}
	return nil
}

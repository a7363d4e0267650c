// Package relay implements the bidirectional byte proxy that pairs a
// parked public inbound with a client's data-channel dial. Grounded on the
// spec's description of original_source/src/server.rs's proxy() call and
// the teacher's paired reader/writer goroutine convention.
package relay

import (
	"context"
	"io"
	"sync"

	"github.com/kstaniek/bore/internal/stream"
)

const bufSize = 8 * 1024

// Proxy copies bytes between a and b concurrently until both directions
// have terminated. When one side reaches EOF, the other's write side is
// half-closed via CloseWrite so protocols relying on EOF still work. The
// first non-nil, non-EOF error observed on either direction is returned;
// later errors are swallowed.
func Proxy(ctx context.Context, a, b stream.Conn) error {
	var wg sync.WaitGroup
	var once sync.Once
	var firstErr error

	copyDir := func(dst, src stream.Conn) {
		defer wg.Done()
		buf := make([]byte, bufSize)
		_, err := io.CopyBuffer(dst, src, buf)
		_ = dst.CloseWrite()
		if err != nil {
			once.Do(func() { firstErr = err })
		}
	}

	wg.Add(2)
	go copyDir(b, a)
	go copyDir(a, b)

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()

	select {
	case <-done:
	case <-ctx.Done():
		_ = a.Close()
		_ = b.Close()
		<-done
	}
	return firstErr
}

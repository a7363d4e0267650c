// Package registry implements the server's connection registry: an
// in-memory map from ephemeral identifier to a parked inbound TCP stream,
// with TTL-based reaping. Grounded on internal/hub/hub.go's concurrent
// client map, generalized from one sync.RWMutex over the whole table to
// sharded locks since registry operations are always single-key point
// operations (Insert/Take), never iteration.
package registry

import (
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kstaniek/bore/internal/logging"
	"github.com/kstaniek/bore/internal/stream"
)

const shardCount = 16

// ErrCollision is a fatal assertion: Insert observed an id already present.
// Astronomically unlikely for random v4 UUIDs; the caller must close the
// connection and treat this as a programming-level invariant violation.
var ErrCollision = errors.New("registry: id collision")

type entry struct {
	conn       stream.Conn
	enqueuedAt time.Time
}

type shard struct {
	mu sync.Mutex
	m  map[uuid.UUID]entry
}

// Registry is a sharded-mutex map from parked-connection id to its stream.
type Registry struct {
	shards [shardCount]*shard
}

// New constructs an empty Registry.
func New() *Registry {
	r := &Registry{}
	for i := range r.shards {
		r.shards[i] = &shard{m: make(map[uuid.UUID]entry)}
	}
	return r
}

func (r *Registry) shardFor(id uuid.UUID) *shard {
	h := fnv.New32a()
	_, _ = h.Write(id[:])
	return r.shards[h.Sum32()%shardCount]
}

// Insert parks c under id and schedules a reap after ttl. Returns
// ErrCollision if id is already present, in which case the caller must
// close c itself.
func (r *Registry) Insert(id uuid.UUID, c stream.Conn, ttl time.Duration) error {
	s := r.shardFor(id)
	s.mu.Lock()
	if _, exists := s.m[id]; exists {
		s.mu.Unlock()
		return ErrCollision
	}
	s.m[id] = entry{conn: c, enqueuedAt: time.Now()}
	s.mu.Unlock()
	time.AfterFunc(ttl, func() { r.reap(id) })
	return nil
}

func (r *Registry) reap(id uuid.UUID) {
	if c, ok := r.Take(id); ok {
		logging.L().Warn("parked_connection_reaped", "id", id.String())
		_ = c.Close()
	}
}

// Take atomically removes and returns the connection parked under id.
func (r *Registry) Take(id uuid.UUID) (stream.Conn, bool) {
	s := r.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.m[id]
	if !ok {
		return nil, false
	}
	delete(s.m, id)
	return e.conn, true
}

// Package store mirrors scheduler queue-state snapshots to an external
// store for operator visibility. It is a read-only, best-effort mirror —
// never the scheduler's source of truth. Redis is used when reachable at
// startup; otherwise an in-memory implementation takes over silently.
package store

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"mediapipe/internal/scheduler"
)

// Sink publishes a queue-state snapshot somewhere an operator can read it.
// Implementations must not block the scheduler: callers invoke Publish from
// a periodic background loop, never from inside a scheduler mutation.
type Sink interface {
	Publish(ctx context.Context, state scheduler.QueueState) error
	Close() error
}

// NewSink pings redisAddr (if non-empty) and returns a RedisSink on success,
// or a MemorySink otherwise.
func NewSink(redisAddr, redisPassword string, redisDB int) Sink {
	if redisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: redisAddr, Password: redisPassword, DB: redisDB})
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := rdb.Ping(ctx).Err(); err == nil {
			return &RedisSink{rdb: rdb}
		}
	}
	return NewMemorySink()
}

const snapshotTTL = 5 * time.Minute
const snapshotKey = "mediapipe:queuestate"

// MemorySink keeps only the latest snapshot, for single-process deployments
// or tests where no external dashboard reads the mirror.
type MemorySink struct {
	mu    sync.RWMutex
	state scheduler.QueueState
}

// NewMemorySink constructs an empty MemorySink.
func NewMemorySink() *MemorySink { return &MemorySink{} }

// Publish stores state as the latest snapshot.
func (m *MemorySink) Publish(_ context.Context, state scheduler.QueueState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = state
	return nil
}

// Latest returns the most recently published snapshot.
func (m *MemorySink) Latest() scheduler.QueueState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Close is a no-op for MemorySink.
func (m *MemorySink) Close() error { return nil }

// RedisSink mirrors snapshots into Redis under a single bounded-TTL key so
// a separate dashboard process can read queue state without touching the
// scheduler.
type RedisSink struct {
	rdb *redis.Client
}

// Publish marshals state to JSON and writes it with a bounded TTL.
func (r *RedisSink) Publish(ctx context.Context, state scheduler.QueueState) error {
	b, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return r.rdb.Set(ctx, snapshotKey, b, snapshotTTL).Err()
}

// Close releases the underlying Redis client.
func (r *RedisSink) Close() error { return r.rdb.Close() }

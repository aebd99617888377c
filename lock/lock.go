// Package lock provides per-key mutual exclusion for poll cycles.
//
// Keys are subscription tokens: at most one cycle, track or untrack runs
// against a subscription at a time.
// Memory serves a single process; Valkey extends the guarantee across replicas.
package lock

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/valkey-io/valkey-go"
)

// Locker acquires non-blocking locks. When ok is false another holder owns the key
// and the caller should skip its work. unlock is nil unless ok is true.
type Locker interface {
	TryLock(ctx context.Context, key string) (unlock func(), ok bool, err error)
}

// Memory is an in-process Locker.
type Memory struct {
	mu   sync.Mutex
	held map[string]bool
}

// NewMemory creates an in-process locker.
func NewMemory() *Memory {
	return &Memory{held: make(map[string]bool)}
}

// TryLock implements Locker.
func (m *Memory) TryLock(_ context.Context, key string) (func(), bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.held[key] {
		return nil, false, nil
	}
	m.held[key] = true

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.held, key)
			m.mu.Unlock()
		})
	}, true, nil
}

// Deletes the key only if it still carries our token.
var releaseScript = valkey.NewLuaScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0`)

// Valkey is a Locker backed by SET NX PX. The TTL bounds how long a crashed
// holder can block a key; it should exceed the longest expected cycle.
type Valkey struct {
	client valkey.Client
	logger *slog.Logger
	prefix string
	ttl    time.Duration
}

// NewValkey creates a Valkey-backed locker.
func NewValkey(client valkey.Client, ttl time.Duration, logger *slog.Logger) *Valkey {
	return &Valkey{
		client: client,
		logger: logger,
		prefix: "ytcomment:lock:",
		ttl:    ttl,
	}
}

// TryLock implements Locker.
func (v *Valkey) TryLock(ctx context.Context, key string) (func(), bool, error) {
	k := v.prefix + key
	token := uuid.NewString()

	err := v.client.Do(ctx, v.client.B().Set().Key(k).Value(token).Nx().PxMilliseconds(v.ttl.Milliseconds()).Build()).Error()
	if valkey.IsValkeyNil(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("acquire lock %s: %w", key, err)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// Release must outlive a cancelled cycle context.
			releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := releaseScript.Exec(releaseCtx, v.client, []string{k}, []string{token}).Error(); err != nil {
				v.logger.Warn("Failed to release lock", "key", key, "error", err)
			}
		})
	}, true, nil
}

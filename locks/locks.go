package locks

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotAcquired is returned when the lock could not be obtained within the
// configured retry budget.
var ErrNotAcquired = errors.New("locks: not acquired")

// releaseScript deletes the key only when it still holds the owner token, so
// an expired lock re-acquired by another worker is never released by the
// original owner.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
    return redis.call("del", KEYS[1])
end
return 0
`)

// Manager hands out TTL-bound mutexes backed by a shared redis instance.
type Manager struct {
	client *redis.Client
}

// NewManager constructs a lock manager on the supplied client.
func NewManager(client *redis.Client) *Manager {
	return &Manager{client: client}
}

// Lock is an acquired mutex. Release is safe to call multiple times.
type Lock struct {
	client *redis.Client
	key    string
	token  string
}

// Acquire attempts a single SET NX with the given TTL.
func (m *Manager) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lock, error) {
	token, err := ownerToken()
	if err != nil {
		return nil, err
	}
	ok, err := m.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("locks: acquire %s: %w", key, err)
	}
	if !ok {
		return nil, ErrNotAcquired
	}
	return &Lock{client: m.client, key: key, token: token}, nil
}

// AcquireRetry retries acquisition at the supplied intervals. A nil or empty
// schedule degrades to a single attempt. The deadline caps the whole wait.
func (m *Manager) AcquireRetry(ctx context.Context, key string, ttl time.Duration, backoff []time.Duration, deadline time.Duration) (*Lock, error) {
	if deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, deadline)
		defer cancel()
	}
	lock, err := m.Acquire(ctx, key, ttl)
	if err == nil {
		return lock, nil
	}
	if !errors.Is(err, ErrNotAcquired) {
		return nil, err
	}
	for _, wait := range backoff {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("locks: %s: %w", key, ErrNotAcquired)
		case <-time.After(wait):
		}
		lock, err = m.Acquire(ctx, key, ttl)
		if err == nil {
			return lock, nil
		}
		if !errors.Is(err, ErrNotAcquired) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("locks: %s: %w", key, ErrNotAcquired)
}

// Release frees the lock if this instance still owns it.
func (l *Lock) Release(ctx context.Context) error {
	if l == nil || l.client == nil {
		return nil
	}
	if err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("locks: release %s: %w", l.key, err)
	}
	l.client = nil
	return nil
}

// Uniform returns a backoff schedule of n identical intervals.
func Uniform(n int, interval time.Duration) []time.Duration {
	out := make([]time.Duration, n)
	for i := range out {
		out[i] = interval
	}
	return out
}

// ChainKey names the per-chain payout mutex.
func ChainKey(slug string) string { return "lock:chain:" + slug }

// UserStateKey names the per-user conversation mutex.
func UserStateKey(chatID string) string { return "lock:user:" + chatID + ":state" }

// UserOrderKey names the per-user order creation critical section.
func UserOrderKey(userID string) string { return "lock:user:" + userID + ":create_order" }

// PriceKey names the single-flight refresh lock for a symbol.
func PriceKey(symbol string) string { return "lock:price:" + symbol }

func ownerToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("locks: owner token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

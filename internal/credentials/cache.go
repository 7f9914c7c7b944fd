// ABOUTME: Short-lived credential caching for the chat provider API key
// ABOUTME: Wraps a secret broker with a TTL so keys aren't re-fetched per message

package credentials

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/fitlane/coach-engine/internal/store"
)

// ErrUnavailable is returned when the broker cannot supply a key. Callers
// must treat this as fatal for the current send attempt; there is no
// fallback to a stale or default key.
var ErrUnavailable = errors.New("provider credential unavailable")

// DefaultTTL is how long a fetched key stays usable before it is treated
// as absent and re-fetched.
const DefaultTTL = time.Hour

// Broker performs the secret-broker round trip for a provider API key.
type Broker interface {
	FetchKey(ctx context.Context) (string, error)
}

// Cache wraps a Broker and caches the fetched key for a TTL. The cache is
// process-lifetime and in-memory only.
type Cache struct {
	broker Broker
	ttl    time.Duration

	mu       sync.Mutex
	key      string
	cachedAt time.Time

	now func() time.Time // injectable for TTL tests
}

// NewCache creates a credential cache over the given broker. A zero or
// negative ttl falls back to DefaultTTL.
func NewCache(broker Broker, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		broker: broker,
		ttl:    ttl,
		now:    time.Now,
	}
}

// Key returns the cached key if it is still fresh, otherwise fetches a new
// one from the broker. Broker failures and empty keys are reported as
// ErrUnavailable; the cached entry is left untouched on failure but is
// already expired, so the next call retries the broker.
func (c *Cache) Key(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.key != "" && c.now().Sub(c.cachedAt) < c.ttl {
		return c.key, nil
	}

	key, err := c.broker.FetchKey(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if key == "" {
		return "", fmt.Errorf("%w: broker returned empty key", ErrUnavailable)
	}

	c.key = key
	c.cachedAt = c.now()
	return key, nil
}

// EnvBroker reads the provider key from an environment variable.
type EnvBroker struct {
	Var string
}

// FetchKey returns the environment variable's value, or an error when it
// is unset or empty.
func (b EnvBroker) FetchKey(ctx context.Context) (string, error) {
	key := os.Getenv(b.Var)
	if key == "" {
		return "", fmt.Errorf("environment variable %s is not set", b.Var)
	}
	return key, nil
}

// StoreBroker reads the provider key from the secrets table.
type StoreBroker struct {
	Secrets   store.SecretsStore
	SecretKey string
}

// FetchKey looks the key up in the secrets store.
func (b StoreBroker) FetchKey(ctx context.Context) (string, error) {
	value, err := b.Secrets.GetSecretValue(ctx, b.SecretKey)
	if err != nil {
		return "", fmt.Errorf("reading secret %q: %w", b.SecretKey, err)
	}
	return value, nil
}

package auth

import (
	"context"
	"log"
	"os"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Cache is the in-memory token holder.
//
// A cached token is returned immediately for non-interactive requests.
// Refreshes are single-flight: concurrent callers share one broker
// round-trip instead of issuing parallel token requests. On broker
// failure the cache is cleared so the next call starts fresh.
type Cache struct {
	broker TokenBroker
	logger *log.Logger

	mu    sync.Mutex
	token string

	group singleflight.Group
}

// NewCache creates a token cache over the given broker.
// If logger is nil, a default logger writing to stderr is used.
func NewCache(broker TokenBroker, logger *log.Logger) *Cache {
	if logger == nil {
		logger = log.New(os.Stderr, "[auth] ", log.LstdFlags)
	}
	return &Cache{broker: broker, logger: logger}
}

// GetToken returns the cached token when one exists and the request is
// non-interactive. Otherwise it requests a fresh token from the broker
// (which may prompt for consent when interactive). On broker failure
// the cache is cleared and an *AuthError is returned.
func (c *Cache) GetToken(ctx context.Context, interactive bool) (string, error) {
	c.mu.Lock()
	if c.token != "" && !interactive {
		token := c.token
		c.mu.Unlock()
		return token, nil
	}
	c.mu.Unlock()

	key := "refresh"
	if interactive {
		key = "interactive"
	}

	result, err, _ := c.group.Do(key, func() (interface{}, error) {
		token, err := c.broker.GetToken(ctx, interactive)
		if err != nil {
			return "", err
		}
		if token == "" {
			return "", &AuthError{Reason: "broker returned empty token"}
		}
		return token, nil
	})
	if err != nil {
		c.mu.Lock()
		c.token = ""
		c.mu.Unlock()
		if authErr, ok := err.(*AuthError); ok {
			return "", authErr
		}
		c.logger.Printf("Token acquisition failed: %v", err)
		return "", &AuthError{Reason: "failed to acquire token", Err: err}
	}

	token := result.(string)
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
	return token, nil
}

// Invalidate drops the cached token and tells the broker to discard
// its copy, so the next non-interactive GetToken refreshes instead of
// returning the rejected token. The broker's grant survives: this is
// the 401 recovery path, and it must leave silent re-acquisition
// possible.
func (c *Cache) Invalidate(ctx context.Context) error {
	c.mu.Lock()
	token := c.token
	c.token = ""
	c.mu.Unlock()

	if token == "" {
		return nil
	}

	if err := c.broker.InvalidateToken(ctx, token); err != nil {
		c.logger.Printf("Warning: failed to invalidate token: %v", err)
	}
	return nil
}

// Revoke clears the cache and revokes the underlying grant. Used on
// sign-out; afterwards only an interactive GetToken can succeed.
// Revocation failures are logged, not returned: the local state is
// cleared either way.
func (c *Cache) Revoke(ctx context.Context) error {
	c.mu.Lock()
	token := c.token
	c.token = ""
	c.mu.Unlock()

	if err := c.broker.RevokeToken(ctx, token); err != nil {
		c.logger.Printf("Warning: failed to revoke token: %v", err)
	}
	return nil
}

// HasToken reports whether a token is currently cached.
func (c *Cache) HasToken() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token != ""
}

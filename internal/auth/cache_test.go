package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
)

// fakeBroker is a scriptable TokenBroker.
type fakeBroker struct {
	mu          sync.Mutex
	token       string
	err         error
	calls       int32
	invalidated []string
	revoked     []string
	blockCh     chan struct{} // when set, GetToken waits until closed
	lastMode    bool
}

func (b *fakeBroker) GetToken(ctx context.Context, interactive bool) (string, error) {
	atomic.AddInt32(&b.calls, 1)
	if b.blockCh != nil {
		<-b.blockCh
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastMode = interactive
	if b.err != nil {
		return "", b.err
	}
	return b.token, nil
}

func (b *fakeBroker) InvalidateToken(ctx context.Context, token string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.invalidated = append(b.invalidated, token)
	return b.err
}

func (b *fakeBroker) RevokeToken(ctx context.Context, token string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.revoked = append(b.revoked, token)
	return b.err
}

func TestGetTokenCachesNonInteractive(t *testing.T) {
	broker := &fakeBroker{token: "tok-1"}
	cache := NewCache(broker, nil)
	ctx := context.Background()

	tok, err := cache.GetToken(ctx, false)
	if err != nil {
		t.Fatalf("failed to get token: %v", err)
	}
	if tok != "tok-1" {
		t.Errorf("token = %q, want tok-1", tok)
	}

	// Second call is served from cache without a broker round-trip.
	broker.mu.Lock()
	broker.token = "tok-2"
	broker.mu.Unlock()

	tok, err = cache.GetToken(ctx, false)
	if err != nil {
		t.Fatalf("failed to get cached token: %v", err)
	}
	if tok != "tok-1" {
		t.Errorf("cached token = %q, want tok-1", tok)
	}
	if n := atomic.LoadInt32(&broker.calls); n != 1 {
		t.Errorf("broker called %d times, want 1", n)
	}
}

func TestGetTokenInteractiveBypassesCache(t *testing.T) {
	broker := &fakeBroker{token: "tok-1"}
	cache := NewCache(broker, nil)
	ctx := context.Background()

	if _, err := cache.GetToken(ctx, false); err != nil {
		t.Fatalf("failed to prime cache: %v", err)
	}

	broker.mu.Lock()
	broker.token = "tok-2"
	broker.mu.Unlock()

	tok, err := cache.GetToken(ctx, true)
	if err != nil {
		t.Fatalf("interactive get failed: %v", err)
	}
	if tok != "tok-2" {
		t.Errorf("interactive token = %q, want tok-2", tok)
	}
	broker.mu.Lock()
	interactive := broker.lastMode
	broker.mu.Unlock()
	if !interactive {
		t.Error("broker should have been called interactively")
	}
}

func TestGetTokenFailureClearsCache(t *testing.T) {
	broker := &fakeBroker{token: "tok-1"}
	cache := NewCache(broker, nil)
	ctx := context.Background()

	if _, err := cache.GetToken(ctx, false); err != nil {
		t.Fatalf("failed to prime cache: %v", err)
	}
	if !cache.HasToken() {
		t.Fatal("expected a cached token")
	}

	broker.mu.Lock()
	broker.err = errors.New("consent denied")
	broker.mu.Unlock()

	_, err := cache.GetToken(ctx, true)
	if err == nil {
		t.Fatal("expected error from failing broker")
	}
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Errorf("expected *AuthError, got %T: %v", err, err)
	}
	if cache.HasToken() {
		t.Error("cache should be cleared after broker failure")
	}
}

func TestGetTokenEmptyTokenIsError(t *testing.T) {
	cache := NewCache(&fakeBroker{token: ""}, nil)

	_, err := cache.GetToken(context.Background(), false)
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected *AuthError for empty broker token, got %v", err)
	}
}

func TestGetTokenSingleFlight(t *testing.T) {
	broker := &fakeBroker{token: "tok-1", blockCh: make(chan struct{})}
	cache := NewCache(broker, nil)
	ctx := context.Background()

	const callers = 10
	var wg sync.WaitGroup
	results := make([]string, callers)
	errs := make([]error, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = cache.GetToken(ctx, false)
		}(i)
	}

	close(broker.blockCh)
	wg.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d failed: %v", i, errs[i])
		}
		if results[i] != "tok-1" {
			t.Errorf("caller %d got %q", i, results[i])
		}
	}

	// All callers share the in-flight broker request. Allow for a
	// caller racing in after the flight completes but before it sees
	// the cache, but the count must stay far below the caller count.
	if n := atomic.LoadInt32(&broker.calls); n > 2 {
		t.Errorf("broker called %d times for %d concurrent callers", n, callers)
	}
}

func TestInvalidateKeepsGrant(t *testing.T) {
	broker := &fakeBroker{token: "tok-1"}
	cache := NewCache(broker, nil)
	ctx := context.Background()

	if _, err := cache.GetToken(ctx, false); err != nil {
		t.Fatalf("failed to prime cache: %v", err)
	}

	if err := cache.Invalidate(ctx); err != nil {
		t.Fatalf("invalidate failed: %v", err)
	}
	if cache.HasToken() {
		t.Error("token still cached after invalidate")
	}
	if len(broker.invalidated) != 1 || broker.invalidated[0] != "tok-1" {
		t.Errorf("invalidated = %v, want [tok-1]", broker.invalidated)
	}
	// A 401 invalidation must not tear down the grant.
	if len(broker.revoked) != 0 {
		t.Errorf("invalidate revoked the grant: %v", broker.revoked)
	}

	// The next silent request goes back to the broker for a fresh token.
	broker.mu.Lock()
	broker.token = "tok-2"
	broker.mu.Unlock()

	tok, err := cache.GetToken(ctx, false)
	if err != nil {
		t.Fatalf("silent re-acquisition after invalidate failed: %v", err)
	}
	if tok != "tok-2" {
		t.Errorf("token after invalidate = %q, want tok-2", tok)
	}

	// Invalidate with no cached token is a no-op.
	cache.mu.Lock()
	cache.token = ""
	cache.mu.Unlock()
	if err := cache.Invalidate(ctx); err != nil {
		t.Fatalf("empty invalidate failed: %v", err)
	}
	if len(broker.invalidated) != 1 {
		t.Errorf("broker invalidated again for empty cache: %v", broker.invalidated)
	}
}

func TestRevokeTearsDownGrant(t *testing.T) {
	broker := &fakeBroker{token: "tok-1"}
	cache := NewCache(broker, nil)
	ctx := context.Background()

	if _, err := cache.GetToken(ctx, false); err != nil {
		t.Fatalf("failed to prime cache: %v", err)
	}

	if err := cache.Revoke(ctx); err != nil {
		t.Fatalf("revoke failed: %v", err)
	}
	if cache.HasToken() {
		t.Error("token still cached after revoke")
	}
	if len(broker.revoked) != 1 || broker.revoked[0] != "tok-1" {
		t.Errorf("revoked = %v, want [tok-1]", broker.revoked)
	}
}

func TestRevokeSwallowsBrokerError(t *testing.T) {
	broker := &fakeBroker{token: "tok-1"}
	cache := NewCache(broker, nil)
	ctx := context.Background()

	if _, err := cache.GetToken(ctx, false); err != nil {
		t.Fatalf("failed to prime cache: %v", err)
	}

	broker.mu.Lock()
	broker.err = fmt.Errorf("revocation endpoint down")
	broker.mu.Unlock()

	// The local cache is cleared regardless of server-side revocation.
	if err := cache.Revoke(ctx); err != nil {
		t.Errorf("revoke should not surface broker errors: %v", err)
	}
	if cache.HasToken() {
		t.Error("token still cached after revoke")
	}
}

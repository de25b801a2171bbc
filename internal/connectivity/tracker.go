// Package connectivity tracks network reachability for the sync layer.
//
// The tracker probes the remote endpoint on an interval and surfaces
// up/down transitions to registered listeners. While offline, the
// orchestrator suppresses network attempts and routes uploads to the
// offline queue; the transition back online triggers queue replay.
package connectivity

import (
	"context"
	"log"
	"net/http"
	"os"
	"sync"
	"time"
)

// ProbeFunc reports whether the network is currently reachable.
type ProbeFunc func(ctx context.Context) bool

// Listener receives online/offline transitions.
type Listener func(online bool)

// Config holds tracker configuration.
type Config struct {
	// ProbeInterval is how often reachability is checked (default 15s).
	ProbeInterval time.Duration

	// Logger for tracker activity. If nil, a stderr default is used.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		ProbeInterval: 15 * time.Second,
		Logger:        log.New(os.Stderr, "[connectivity] ", log.LstdFlags),
	}
}

// HTTPProbe returns a probe that issues a HEAD request against the
// given URL. Any response, including an error status, counts as
// reachable; only transport failures count as offline.
func HTTPProbe(url string) ProbeFunc {
	client := &http.Client{Timeout: 5 * time.Second}
	return func(ctx context.Context) bool {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
		if err != nil {
			return false
		}
		resp, err := client.Do(req)
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return true
	}
}

// Tracker maintains the online flag and notifies listeners on
// transitions.
type Tracker struct {
	probe    ProbeFunc
	interval time.Duration
	logger   *log.Logger

	mu        sync.Mutex
	online    bool
	listeners []Listener

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewTracker creates a tracker over the given probe. The tracker
// starts optimistic (online) until the first probe says otherwise.
func NewTracker(probe ProbeFunc, config *Config) *Tracker {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[connectivity] ", log.LstdFlags)
	}
	interval := config.ProbeInterval
	if interval == 0 {
		interval = 15 * time.Second
	}
	return &Tracker{
		probe:    probe,
		interval: interval,
		logger:   config.Logger,
		online:   true,
	}
}

// OnChange registers a transition listener. Must be called before
// Start.
func (t *Tracker) OnChange(fn Listener) {
	t.mu.Lock()
	t.listeners = append(t.listeners, fn)
	t.mu.Unlock()
}

// IsOnline reports current connectivity.
func (t *Tracker) IsOnline() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.online
}

// Start probes once immediately, then keeps probing on the configured
// interval until Stop or context cancellation.
func (t *Tracker) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel

	t.Update(t.probe(ctx))

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()

		ticker := time.NewTicker(t.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				t.Update(t.probe(ctx))
			}
		}
	}()
}

// Stop shuts down the probe loop.
func (t *Tracker) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
	t.wg.Wait()
}

// Update records the latest reachability observation and notifies
// listeners on a transition. Exposed so event-driven sources (or
// tests) can feed observations directly instead of polling.
func (t *Tracker) Update(online bool) {
	t.mu.Lock()
	if t.online == online {
		t.mu.Unlock()
		return
	}
	t.online = online
	listeners := make([]Listener, len(t.listeners))
	copy(listeners, t.listeners)
	t.mu.Unlock()

	if online {
		t.logger.Println("Connectivity restored")
	} else {
		t.logger.Println("Connectivity lost")
	}

	for _, fn := range listeners {
		fn(online)
	}
}

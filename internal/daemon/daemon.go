// Package daemon provides the long-running sync process.
//
// The daemon:
// 1. Watches the exported documents directory for changes made by the
//    organizer UI layer (or any other local writer)
// 2. Imports changed documents into local storage and triggers
//    debounced uploads
// 3. Periodically runs a full reconciliation pass when auto-sync is on
// 4. Handles graceful shutdown
package daemon

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/shelfsync/shelfsync/internal/connectivity"
	"github.com/shelfsync/shelfsync/internal/localdb"
	"github.com/shelfsync/shelfsync/internal/schema"
	"github.com/shelfsync/shelfsync/internal/syncer"
)

// Config holds daemon configuration.
type Config struct {
	// AutoSyncInterval is how often to run a full sync when the
	// auto-sync setting is on (default 5m).
	AutoSyncInterval time.Duration

	// DebounceInterval is how long to wait before processing file
	// changes, batching rapid updates together (default 500ms).
	DebounceInterval time.Duration

	// Logger for daemon activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		AutoSyncInterval: 5 * time.Minute,
		DebounceInterval: 500 * time.Millisecond,
		Logger:           log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// Daemon orchestrates file watching, connectivity tracking, and
// periodic reconciliation.
type Daemon struct {
	db      *localdb.DB
	orch    *syncer.Syncer
	tracker *connectivity.Tracker
	docsDir string
	config  *Config

	watcher       *fsnotify.Watcher
	changeQueue   map[string]time.Time
	changeQueueMu sync.Mutex

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a daemon.
func New(db *localdb.DB, orch *syncer.Syncer, tracker *connectivity.Tracker, docsDir string, config *Config) (*Daemon, error) {
	if db == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	if orch == nil {
		return nil, fmt.Errorf("syncer cannot be nil")
	}
	if tracker == nil {
		return nil, fmt.Errorf("tracker cannot be nil")
	}
	if docsDir == "" {
		return nil, fmt.Errorf("docsDir cannot be empty")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[daemon] ", log.LstdFlags)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	return &Daemon{
		db:          db,
		orch:        orch,
		tracker:     tracker,
		docsDir:     docsDir,
		config:      config,
		watcher:     watcher,
		changeQueue: make(map[string]time.Time),
	}, nil
}

// Start begins the daemon's operation: an initial full sync (when
// enabled), then file watching, change processing, and the auto-sync
// loop. Blocks until ctx is cancelled.
func (d *Daemon) Start(ctx context.Context) error {
	d.config.Logger.Println("Starting daemon")

	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	if err := os.MkdirAll(d.docsDir, 0755); err != nil {
		return fmt.Errorf("failed to create documents directory: %w", err)
	}

	d.tracker.OnChange(d.orch.HandleConnectivityChange)
	d.tracker.Start(ctx)

	if err := d.importAll(ctx); err != nil {
		d.config.Logger.Printf("Warning: initial document import failed: %v", err)
	}

	if d.orch.IsEnabled() {
		if err := d.orch.PerformFullSync(ctx); err != nil {
			d.config.Logger.Printf("Warning: initial sync failed: %v", err)
		}
	}

	if err := d.watcher.Add(d.docsDir); err != nil {
		return fmt.Errorf("failed to watch documents directory: %w", err)
	}
	d.config.Logger.Printf("Watching: %s", d.docsDir)

	d.wg.Add(3)
	go d.watchFileEvents(ctx)
	go d.processChangeQueue(ctx)
	go d.autoSyncLoop(ctx)

	<-ctx.Done()
	return d.Stop()
}

// Stop gracefully shuts down the daemon.
func (d *Daemon) Stop() error {
	d.config.Logger.Println("Stopping daemon")

	if d.cancel != nil {
		d.cancel()
	}
	if err := d.watcher.Close(); err != nil {
		d.config.Logger.Printf("Error closing watcher: %v", err)
	}
	d.tracker.Stop()
	d.wg.Wait()

	d.config.Logger.Println("Daemon stopped")
	return nil
}

// importAll imports every document file currently in the directory.
func (d *Daemon) importAll(ctx context.Context) error {
	refs, err := schema.ListDocumentFiles(d.docsDir)
	if err != nil {
		return err
	}
	for _, ref := range refs {
		if err := d.importFile(ctx, filepath.Join(d.docsDir, ref.FileName()), false); err != nil {
			d.config.Logger.Printf("Warning: failed to import %s: %v", ref, err)
		}
	}
	return nil
}

// watchFileEvents monitors filesystem events and queues changes.
func (d *Daemon) watchFileEvents(ctx context.Context) {
	defer d.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}

			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if _, ok := schema.RefFromFileName(filepath.Base(event.Name)); !ok {
				continue
			}

			d.config.Logger.Printf("File event: %s %s", event.Op, event.Name)
			d.queueChange(event.Name)

		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}

// queueChange adds a file to the change queue with debouncing.
func (d *Daemon) queueChange(path string) {
	d.changeQueueMu.Lock()
	defer d.changeQueueMu.Unlock()

	d.changeQueue[path] = time.Now()
}

// processChangeQueue processes queued file changes with debouncing.
func (d *Daemon) processChangeQueue(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.DebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.processPendingChanges(ctx)
		}
	}
}

// processPendingChanges imports files that have been queued for long
// enough and triggers uploads for real changes.
func (d *Daemon) processPendingChanges(ctx context.Context) {
	d.changeQueueMu.Lock()
	defer d.changeQueueMu.Unlock()

	now := time.Now()
	for path, queuedAt := range d.changeQueue {
		if now.Sub(queuedAt) < d.config.DebounceInterval {
			continue
		}

		if err := d.importFile(ctx, path, true); err != nil {
			d.config.Logger.Printf("Error importing %s: %v", path, err)
		}
		delete(d.changeQueue, path)
	}
}

// importFile reads a document file into local storage. When trigger is
// true, an upload is triggered for changed content. A file whose
// content matches the stored record is skipped entirely, which keeps
// the daemon from re-uploading documents the sync layer itself just
// applied from remote.
func (d *Daemon) importFile(ctx context.Context, path string, trigger bool) error {
	ref, ok := schema.RefFromFileName(filepath.Base(path))
	if !ok {
		return fmt.Errorf("not a document file: %s", path)
	}

	doc, err := schema.ReadDocumentFile(path)
	if err != nil {
		return err
	}
	body, err := doc.Encode()
	if err != nil {
		return err
	}

	stored, exists, err := d.db.GetDocument(ctx, ref.LocalKey())
	if err != nil {
		return err
	}
	if exists && bytes.Equal(normalizeJSON(stored), normalizeJSON(body)) {
		return nil
	}

	if err := d.db.PutDocument(ctx, ref.LocalKey(), body); err != nil {
		return err
	}
	d.config.Logger.Printf("Imported %s", ref)

	if trigger {
		d.orch.TriggerUpload(ref)
	}
	return nil
}

// autoSyncLoop periodically runs a full sync while auto-sync is on.
func (d *Daemon) autoSyncLoop(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.AutoSyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			settings, err := d.db.LoadSettings(ctx)
			if err != nil {
				d.config.Logger.Printf("Error loading settings: %v", err)
				continue
			}
			if !settings.Enabled || !settings.AutoSync {
				continue
			}
			if err := d.orch.PerformFullSync(ctx); err != nil {
				d.config.Logger.Printf("Auto sync failed: %v", err)
			}
		}
	}
}

// normalizeJSON reparses and re-encodes a document body so byte-level
// formatting differences (indentation, key order from the same map)
// don't register as changes.
func normalizeJSON(body []byte) []byte {
	doc, err := schema.ParseDocument(body)
	if err != nil {
		return body
	}
	out, err := doc.Encode()
	if err != nil {
		return body
	}
	return out
}

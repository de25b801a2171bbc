// Package syncer provides the sync orchestrator: it owns sync state,
// drives download-compare-apply-or-upload per logical document,
// debounces and rate-limits triggers, and exposes the public operation
// set (enable, disable, toggle, upload, download, full sync).
//
// Conflict resolution is intentionally coarse: whole-document
// last-write-wins on the envelope's lastModified timestamp. The
// timestamp is client-stamped, so clock skew across devices is not
// compensated; this mirrors the documented behavior of the system and
// is an accepted limitation, not a bug to fix here.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/shelfsync/shelfsync/internal/localdb"
	"github.com/shelfsync/shelfsync/internal/queue"
	"github.com/shelfsync/shelfsync/internal/remote"
	"github.com/shelfsync/shelfsync/internal/schema"
)

// RemoteStore is the object store surface the orchestrator needs.
// Implemented by *remote.Client; tests substitute an in-memory fake.
type RemoteStore interface {
	FindByName(ctx context.Context, name string) (*remote.FileHandle, error)
	Download(ctx context.Context, id string) (*schema.Document, error)
	Upload(ctx context.Context, name string, doc *schema.Document, existingID string) error
}

// TokenSource supplies and revokes tokens. Implemented by *auth.Cache.
// Invalidate drops a rejected token while keeping silent re-acquisition
// possible; Revoke tears down the grant entirely.
type TokenSource interface {
	GetToken(ctx context.Context, interactive bool) (string, error)
	Invalidate(ctx context.Context) error
	Revoke(ctx context.Context) error
}

// OnlineSource reports current connectivity.
// Implemented by *connectivity.Tracker.
type OnlineSource interface {
	IsOnline() bool
}

// Applier is the injected UI/data-layer capability for applying a
// remote document in place. When it is absent or reports failure the
// orchestrator overwrites local storage directly and signals that a
// reload is required instead.
type Applier interface {
	ApplyRemote(ctx context.Context, ref schema.DocRef, doc *schema.Document) (applied bool, err error)
}

// ContextInvalidatedError indicates the orchestrator's environment is
// gone (store closed, context cancelled) and the pass was aborted
// before mutating anything.
type ContextInvalidatedError struct {
	Err error
}

func (e *ContextInvalidatedError) Error() string {
	return fmt.Sprintf("sync context invalidated: %v", e.Err)
}

func (e *ContextInvalidatedError) Unwrap() error {
	return e.Err
}

// ErrDisabled is returned by operations that require sync to be
// enabled first.
var ErrDisabled = errors.New("sync is disabled")

// Config holds orchestrator tuning.
type Config struct {
	// DebounceInterval collapses rapid TriggerUpload calls (default 2s).
	DebounceInterval time.Duration

	// UploadCooldown is the minimum spacing between upload attempts
	// per document type (default 5s).
	UploadCooldown time.Duration

	// SuccessClearDelay is how long the success status lingers before
	// auto-clearing to idle (default 3s).
	SuccessClearDelay time.Duration

	// Logger for orchestrator activity.
	Logger *log.Logger
}

// DefaultConfig returns the production defaults.
func DefaultConfig() *Config {
	return &Config{
		DebounceInterval:  2 * time.Second,
		UploadCooldown:    5 * time.Second,
		SuccessClearDelay: 3 * time.Second,
		Logger:            log.New(os.Stderr, "[syncer] ", log.LstdFlags),
	}
}

// Deps are the orchestrator's injected collaborators.
type Deps struct {
	DB        *localdb.DB
	Store     RemoteStore
	Tokens    TokenSource
	Queue     *queue.Queue
	Online    OnlineSource
	Applier   Applier // optional
	Scheduler Scheduler
}

// Syncer is the sync orchestrator. All cross-device state it owns
// (settings, status, guard flags) lives on this struct; there are no
// ambient globals.
type Syncer struct {
	db      *localdb.DB
	store   RemoteStore
	tokens  TokenSource
	queue   *queue.Queue
	online  OnlineSource
	applier Applier
	sched   Scheduler
	config  *Config
	logger  *log.Logger
	clock   func() time.Time

	mu         sync.Mutex
	enabled    bool
	syncing    bool
	status     SyncStatus
	statusMsg  string
	lastUpload map[schema.DocType]time.Time
	debounce   map[schema.DocType]Timer
	clearTimer Timer
	handler    EventHandler
}

// New creates the orchestrator and loads the persisted enabled flag.
func New(deps Deps, config *Config) (*Syncer, error) {
	if deps.DB == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if deps.Tokens == nil {
		return nil, fmt.Errorf("token source cannot be nil")
	}
	if deps.Queue == nil {
		return nil, fmt.Errorf("queue cannot be nil")
	}
	if deps.Online == nil {
		return nil, fmt.Errorf("online source cannot be nil")
	}
	if deps.Scheduler == nil {
		deps.Scheduler = NewScheduler()
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[syncer] ", log.LstdFlags)
	}

	settings, err := deps.DB.LoadSettings(context.Background())
	if err != nil {
		return nil, fmt.Errorf("failed to load sync settings: %w", err)
	}

	return &Syncer{
		db:         deps.DB,
		store:      deps.Store,
		tokens:     deps.Tokens,
		queue:      deps.Queue,
		online:     deps.Online,
		applier:    deps.Applier,
		sched:      deps.Scheduler,
		config:     config,
		logger:     config.Logger,
		clock:      time.Now,
		enabled:    settings.Enabled,
		status:     StatusIdle,
		lastUpload: make(map[schema.DocType]time.Time),
		debounce:   make(map[schema.DocType]Timer),
	}, nil
}

// SetEventHandler registers the receiver for orchestrator events.
func (s *Syncer) SetEventHandler(h EventHandler) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
}

// IsEnabled reports whether sync is enabled.
func (s *Syncer) IsEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

// Status returns a read-only snapshot for the UI layer.
func (s *Syncer) Status(ctx context.Context) (*Status, error) {
	settings, err := s.db.LoadSettings(ctx)
	if err != nil {
		return nil, err
	}
	pending, err := s.queue.Len(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return &Status{
		Enabled:      s.enabled,
		Status:       s.status,
		Message:      s.statusMsg,
		Online:       s.online.IsOnline(),
		Pending:      pending,
		LastSyncTime: settings.LastSyncTime,
		DeviceID:     settings.DeviceID,
	}, nil
}

// Enable turns sync on. Entry requires a successful interactive token
// acquisition followed by a full synchronization pass; failure at
// either step leaves sync disabled.
func (s *Syncer) Enable(ctx context.Context) error {
	s.mu.Lock()
	if s.enabled {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	// Enabling needs the initial full pass; without connectivity that
	// pass cannot run, so fail before prompting for consent.
	if !s.online.IsOnline() {
		s.setStatus(StatusOffline, "cannot enable sync while offline")
		return fmt.Errorf("failed to enable sync: network is offline")
	}

	s.logger.Println("Enabling sync")

	if _, err := s.tokens.GetToken(ctx, true); err != nil {
		s.setStatus(StatusError, fmt.Sprintf("authorization failed: %v", err))
		return fmt.Errorf("failed to enable sync: %w", err)
	}

	if err := s.setEnabled(ctx, true); err != nil {
		return err
	}

	if err := s.PerformFullSync(ctx); err != nil {
		// Initial pass failed: roll back to disabled.
		if rbErr := s.setEnabled(ctx, false); rbErr != nil {
			s.logger.Printf("Warning: failed to roll back enable: %v", rbErr)
		}
		s.setStatus(StatusError, fmt.Sprintf("initial sync failed: %v", err))
		return fmt.Errorf("failed to enable sync: %w", err)
	}

	s.logger.Println("Sync enabled")
	return nil
}

// Disable turns sync off and revokes the cached token. Persisted
// documents are left untouched.
func (s *Syncer) Disable(ctx context.Context) error {
	s.mu.Lock()
	if !s.enabled {
		s.mu.Unlock()
		return nil
	}
	for typ, timer := range s.debounce {
		timer.Stop()
		delete(s.debounce, typ)
	}
	s.mu.Unlock()

	s.logger.Println("Disabling sync")

	if err := s.setEnabled(ctx, false); err != nil {
		return err
	}
	if err := s.tokens.Revoke(ctx); err != nil {
		s.logger.Printf("Warning: token revocation failed: %v", err)
	}
	s.setStatus(StatusIdle, "")
	return nil
}

// Toggle flips the enabled state.
func (s *Syncer) Toggle(ctx context.Context) error {
	if s.IsEnabled() {
		return s.Disable(ctx)
	}
	return s.Enable(ctx)
}

// TriggerUpload schedules a debounced upload for the document.
// Repeated calls within the debounce window collapse to one upload of
// the latest state (the document is read at fire time).
func (s *Syncer) TriggerUpload(ref schema.DocRef) {
	if err := ref.Validate(); err != nil {
		s.logger.Printf("Ignoring upload trigger: %v", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.enabled {
		return
	}

	if timer, ok := s.debounce[ref.Type]; ok {
		timer.Stop()
	}
	s.debounce[ref.Type] = s.sched.After(s.config.DebounceInterval, func() {
		s.mu.Lock()
		delete(s.debounce, ref.Type)
		s.mu.Unlock()
		if err := s.UploadDocument(context.Background(), ref); err != nil {
			s.logger.Printf("Triggered upload failed: %v", err)
		}
	})
}

// UploadDocument pushes the document's local state to the remote
// store. No-op when disabled, already syncing, or within the cooldown
// window. When offline, the state is queued instead of attempting
// network I/O.
func (s *Syncer) UploadDocument(ctx context.Context, ref schema.DocRef) error {
	if err := ref.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	if !s.enabled || s.syncing {
		s.mu.Unlock()
		return nil
	}
	now := s.clock()
	if last, ok := s.lastUpload[ref.Type]; ok && now.Sub(last) < s.config.UploadCooldown {
		s.mu.Unlock()
		s.logger.Printf("Upload of %s suppressed by cooldown", ref)
		return nil
	}
	offline := !s.online.IsOnline()
	s.mu.Unlock()

	body, ok, err := s.db.GetDocument(ctx, ref.LocalKey())
	if err != nil {
		return err
	}
	if !ok {
		// Nothing was pushed or queued, so don't start the cooldown:
		// a real upload right after must not be suppressed.
		s.logger.Printf("No local state for %s; nothing to upload", ref)
		return nil
	}

	s.mu.Lock()
	s.lastUpload[ref.Type] = now
	s.mu.Unlock()

	if offline {
		if err := s.queue.Enqueue(ctx, ref, body); err != nil {
			s.setStatus(StatusError, fmt.Sprintf("failed to queue %s: %v", ref, err))
			return err
		}
		s.setStatus(StatusOffline, "changes queued for upload")
		s.notify(Event{Kind: EventQueued, Status: StatusOffline, Ref: ref,
			Message: fmt.Sprintf("%s queued until back online", ref)})
		return nil
	}

	s.mu.Lock()
	s.syncing = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.syncing = false
		s.mu.Unlock()
	}()
	s.setStatus(StatusSyncing, "")

	if err := s.pushDocument(ctx, ref, body); err != nil {
		s.setStatus(StatusError, fmt.Sprintf("upload of %s failed: %v", ref, err))
		return err
	}

	if err := s.recordSyncTime(ctx); err != nil {
		s.logger.Printf("Warning: failed to record sync time: %v", err)
	}
	s.setStatus(StatusSuccess, "")
	return nil
}

// DownloadDocument fetches the document and its envelope from the
// remote store for comparison by the caller. Returns (nil, nil) when
// disabled, already syncing, or offline; remote.ErrNotFound when no
// remote copy exists.
func (s *Syncer) DownloadDocument(ctx context.Context, ref schema.DocRef) (*schema.Document, error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if !s.enabled || s.syncing || !s.online.IsOnline() {
		s.mu.Unlock()
		return nil, nil
	}
	s.mu.Unlock()

	handle, err := s.store.FindByName(ctx, ref.RemoteName())
	if errors.Is(err, remote.ErrNotFound) {
		s.setStatus(StatusIdle, "")
		return nil, remote.ErrNotFound
	}
	if err != nil {
		s.setStatus(StatusError, fmt.Sprintf("lookup of %s failed: %v", ref, err))
		return nil, err
	}

	doc, err := s.store.Download(ctx, handle.ID)
	if err != nil {
		s.setStatus(StatusError, fmt.Sprintf("download of %s failed: %v", ref, err))
		return nil, err
	}
	return doc, nil
}

// SyncNow runs a full reconciliation pass, failing if sync is
// disabled.
func (s *Syncer) SyncNow(ctx context.Context) error {
	if !s.IsEnabled() {
		return ErrDisabled
	}
	return s.PerformFullSync(ctx)
}

// PerformFullSync reconciles every tracked document: the dashboard
// always, plus each notebook document known to local storage. Per
// document: remote strictly newer applies locally, local strictly
// newer uploads, equal does nothing. A corrupted remote document only
// skips that document's reconciliation.
func (s *Syncer) PerformFullSync(ctx context.Context) error {
	// Detect an invalidated environment up front; abort cleanly
	// rather than partially mutating state.
	if err := ctx.Err(); err != nil {
		return &ContextInvalidatedError{Err: err}
	}
	if err := s.db.Ping(ctx); err != nil {
		return &ContextInvalidatedError{Err: err}
	}

	s.mu.Lock()
	if !s.enabled || s.syncing {
		s.mu.Unlock()
		return nil
	}
	if !s.online.IsOnline() {
		s.mu.Unlock()
		s.setStatus(StatusOffline, "cannot sync while offline")
		return nil
	}
	s.syncing = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.syncing = false
		s.mu.Unlock()
	}()
	s.setStatus(StatusSyncing, "")

	refs, err := s.trackedDocuments(ctx)
	if err != nil {
		s.setStatus(StatusError, fmt.Sprintf("sync failed: %v", err))
		return err
	}

	s.logger.Printf("Starting full sync of %d document(s)", len(refs))
	start := time.Now()

	var failures []error
	synced := 0
	for _, ref := range refs {
		if err := s.syncOne(ctx, ref); err != nil {
			var invalidated *ContextInvalidatedError
			if errors.As(err, &invalidated) {
				s.setStatus(StatusError, invalidated.Error())
				return invalidated
			}
			s.logger.Printf("Warning: failed to sync %s: %v", ref, err)
			failures = append(failures, fmt.Errorf("%s: %w", ref, err))
			continue
		}
		synced++
	}

	s.logger.Printf("Full sync complete: %d synced, %d failed in %v",
		synced, len(failures), time.Since(start).Round(time.Millisecond))

	if len(failures) > 0 {
		err := errors.Join(failures...)
		s.setStatus(StatusError, fmt.Sprintf("sync finished with errors: %v", err))
		return err
	}

	// Only a clean pass counts as a successful sync.
	if err := s.recordSyncTime(ctx); err != nil {
		s.logger.Printf("Warning: failed to record sync time: %v", err)
	}

	s.setStatus(StatusSuccess, "")
	s.notify(Event{Kind: EventSyncComplete, Status: StatusSuccess,
		Message: fmt.Sprintf("%d document(s) reconciled", synced)})
	return nil
}

// HandleConnectivityChange is wired to the connectivity tracker. On
// reconnect it clears the offline status and replays the queue; on
// disconnect it forces the offline status so further network attempts
// are suppressed.
func (s *Syncer) HandleConnectivityChange(online bool) {
	if !online {
		s.setStatus(StatusOffline, "connection lost")
		return
	}

	s.mu.Lock()
	wasOffline := s.status == StatusOffline
	s.mu.Unlock()
	if wasOffline {
		s.setStatus(StatusIdle, "")
	}

	if !s.IsEnabled() {
		return
	}

	ctx := context.Background()
	replayed, requeued, err := s.queue.DrainAndReplay(ctx, s.ReplayEntry)
	if err != nil {
		s.logger.Printf("Warning: queue replay failed: %v", err)
		return
	}
	if replayed > 0 {
		if err := s.recordSyncTime(ctx); err != nil {
			s.logger.Printf("Warning: failed to record sync time: %v", err)
		}
	}
	if replayed+requeued > 0 {
		s.notify(Event{Kind: EventQueued, Status: s.currentStatus(), Pending: requeued,
			Message: fmt.Sprintf("replayed %d queued upload(s), %d still pending", replayed, requeued)})
	}
}

// ReplayEntry uploads one queued entry. Used as the queue's replay
// callback; bypasses debounce and cooldown since replay is already
// rate-limited by connectivity transitions.
func (s *Syncer) ReplayEntry(ctx context.Context, entry *localdb.QueueEntry) error {
	ref, ok := schema.RefFromLocalKey(entry.Key)
	if !ok {
		return fmt.Errorf("queue entry has invalid document key %q", entry.Key)
	}
	return s.pushDocument(ctx, ref, entry.Body)
}

// trackedDocuments returns the refs relevant to the current context:
// the dashboard document always, plus every notebook document present
// in local storage.
func (s *Syncer) trackedDocuments(ctx context.Context) ([]schema.DocRef, error) {
	refs := []schema.DocRef{schema.Dashboard()}

	keys, err := s.db.ListDocumentKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list local documents: %w", err)
	}
	for _, key := range keys {
		ref, ok := schema.RefFromLocalKey(key)
		if !ok || ref.Type != schema.DocTypeNotebook {
			continue
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

// syncOne reconciles a single document against the remote store.
func (s *Syncer) syncOne(ctx context.Context, ref schema.DocRef) error {
	if err := ctx.Err(); err != nil {
		return &ContextInvalidatedError{Err: err}
	}

	localBody, hasLocal, err := s.db.GetDocument(ctx, ref.LocalKey())
	if errors.Is(err, localdb.ErrClosed) {
		return &ContextInvalidatedError{Err: err}
	}
	if err != nil {
		return err
	}

	handle, err := s.store.FindByName(ctx, ref.RemoteName())
	if errors.Is(err, remote.ErrNotFound) {
		if !hasLocal {
			return nil
		}
		s.logger.Printf("No remote copy of %s; uploading local state", ref)
		return s.pushDocument(ctx, ref, localBody)
	}
	if err != nil {
		return err
	}

	remoteDoc, err := s.store.Download(ctx, handle.ID)
	if err != nil {
		return err
	}

	localModified := int64(0)
	if hasLocal {
		if localDoc, err := schema.ParseDocument(localBody); err == nil {
			localModified = localDoc.Meta().LastModified
		}
		// An unparsable local record compares as 0 and is replaced
		// by the remote copy.
	}
	remoteModified := remoteDoc.Meta().LastModified

	switch {
	case remoteModified > localModified:
		s.logger.Printf("Remote %s is newer (%d > %d); applying locally",
			ref, remoteModified, localModified)
		return s.applyRemote(ctx, ref, remoteDoc)
	case localModified > remoteModified:
		s.logger.Printf("Local %s is newer (%d > %d); uploading",
			ref, localModified, remoteModified)
		return s.pushDocument(ctx, ref, localBody)
	default:
		return nil
	}
}

// applyRemote installs a newer remote document locally. The in-place
// apply callback is preferred; local storage is always updated so
// later comparisons see the applied state, but a reload is signalled
// only when the in-place path was unavailable or failed.
func (s *Syncer) applyRemote(ctx context.Context, ref schema.DocRef, doc *schema.Document) error {
	applied := false
	if s.applier != nil {
		var err error
		applied, err = s.applier.ApplyRemote(ctx, ref, doc)
		if err != nil {
			s.logger.Printf("Warning: in-place apply of %s failed: %v", ref, err)
			applied = false
		}
	}

	body, err := doc.Encode()
	if err != nil {
		return err
	}
	if err := s.db.PutDocument(ctx, ref.LocalKey(), body); err != nil {
		if errors.Is(err, localdb.ErrClosed) {
			return &ContextInvalidatedError{Err: err}
		}
		return err
	}

	if !applied {
		s.notify(Event{Kind: EventReloadRequired, Status: s.currentStatus(), Ref: ref,
			Message: fmt.Sprintf("%s updated from another device; reload to see changes", ref)})
	}
	return nil
}

// pushDocument uploads a document body to its remote name, creating
// or replacing as needed. The remote handle is looked up fresh; the
// envelope is normalized but an owner-stamped lastModified is mirrored
// verbatim, never rewritten to the upload time.
func (s *Syncer) pushDocument(ctx context.Context, ref schema.DocRef, body []byte) error {
	doc, err := schema.ParseDocument(body)
	if err != nil {
		return fmt.Errorf("local state of %s is unusable: %w", ref, err)
	}
	doc.EnsureMeta(s.clock().UnixMilli())

	existingID := ""
	handle, err := s.store.FindByName(ctx, ref.RemoteName())
	if err != nil && !errors.Is(err, remote.ErrNotFound) {
		return err
	}
	if handle != nil {
		existingID = handle.ID
	}

	return s.store.Upload(ctx, ref.RemoteName(), doc, existingID)
}

// recordSyncTime persists the last successful sync timestamp.
func (s *Syncer) recordSyncTime(ctx context.Context) error {
	settings, err := s.db.LoadSettings(ctx)
	if err != nil {
		return err
	}
	settings.LastSyncTime = s.clock().UnixMilli()
	return s.db.SaveSettings(ctx, settings)
}

// setEnabled updates the in-memory flag and persists it.
func (s *Syncer) setEnabled(ctx context.Context, enabled bool) error {
	settings, err := s.db.LoadSettings(ctx)
	if err != nil {
		return err
	}
	settings.Enabled = enabled
	if err := s.db.SaveSettings(ctx, settings); err != nil {
		return err
	}

	s.mu.Lock()
	s.enabled = enabled
	s.mu.Unlock()
	return nil
}

// setStatus transitions the status and emits a status event. A
// success status auto-clears back to idle after the configured delay.
func (s *Syncer) setStatus(status SyncStatus, msg string) {
	s.mu.Lock()
	if s.status == status && s.statusMsg == msg {
		s.mu.Unlock()
		return
	}
	s.status = status
	s.statusMsg = msg
	if s.clearTimer != nil {
		s.clearTimer.Stop()
		s.clearTimer = nil
	}
	if status == StatusSuccess {
		s.clearTimer = s.sched.After(s.config.SuccessClearDelay, func() {
			s.mu.Lock()
			cleared := s.status == StatusSuccess
			if cleared {
				s.status = StatusIdle
				s.statusMsg = ""
				s.clearTimer = nil
			}
			s.mu.Unlock()
			if cleared {
				s.notify(Event{Kind: EventStatusChanged, Status: StatusIdle})
			}
		})
	}
	s.mu.Unlock()

	s.notify(Event{Kind: EventStatusChanged, Status: status, Message: msg})
}

// currentStatus returns the status under lock.
func (s *Syncer) currentStatus() SyncStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// notify delivers an event to the registered handler, if any.
func (s *Syncer) notify(ev Event) {
	s.mu.Lock()
	handler := s.handler
	s.mu.Unlock()
	if handler != nil {
		handler(ev)
	}
}

package syncer

import "github.com/shelfsync/shelfsync/internal/schema"

// SyncStatus is the UI-facing status value.
type SyncStatus string

const (
	// StatusIdle means sync is enabled and quiescent.
	StatusIdle SyncStatus = "idle"

	// StatusSyncing means a sync operation is in flight.
	StatusSyncing SyncStatus = "syncing"

	// StatusSuccess means the last operation succeeded. Auto-clears
	// back to idle after a fixed delay.
	StatusSuccess SyncStatus = "success"

	// StatusError means the last operation failed. The next trigger
	// retries naturally.
	StatusError SyncStatus = "error"

	// StatusOffline means connectivity is down and uploads are being
	// queued. Clears once connectivity returns.
	StatusOffline SyncStatus = "offline"
)

// Status is a read-only snapshot for the UI layer.
type Status struct {
	Enabled      bool       `json:"enabled"`
	Status       SyncStatus `json:"status"`
	Message      string     `json:"message,omitempty"`
	Online       bool       `json:"online"`
	Pending      int        `json:"pending"`
	LastSyncTime int64      `json:"lastSyncTime"`
	DeviceID     string     `json:"deviceId"`
}

// EventKind classifies orchestrator events.
type EventKind string

const (
	// EventStatusChanged fires on every status transition.
	EventStatusChanged EventKind = "status_changed"

	// EventSyncComplete fires when a full sync pass finishes.
	EventSyncComplete EventKind = "sync_complete"

	// EventQueued fires when an upload is redirected to the offline
	// queue or the queue is replayed.
	EventQueued EventKind = "queued"

	// EventReloadRequired fires when a remote document was written to
	// local storage directly because no in-place apply path was
	// available, so the owning view must reload to pick it up.
	EventReloadRequired EventKind = "reload_required"
)

// Event is a notification for toasts, logs, and the dashboard feed.
type Event struct {
	Kind    EventKind
	Status  SyncStatus
	Message string
	Ref     schema.DocRef
	Pending int
}

// EventHandler receives orchestrator events. Handlers must not block.
type EventHandler func(Event)

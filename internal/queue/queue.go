// Package queue provides the durable offline upload queue.
//
// Uploads attempted while offline are queued instead of failing. The
// queue collapses to at most one pending entry per document type: a
// new enqueue of the same type replaces the old entry, so replay
// pushes only the latest state. Replay drains the whole queue
// atomically before issuing any network call, which makes repeated
// connectivity-restore events idempotent.
package queue

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/shelfsync/shelfsync/internal/localdb"
	"github.com/shelfsync/shelfsync/internal/schema"
)

// UploadFunc pushes one queued document to the remote store. Provided
// by the orchestrator so the queue stays free of network concerns.
type UploadFunc func(ctx context.Context, entry *localdb.QueueEntry) error

// Queue is the offline queue over the local store.
type Queue struct {
	db     *localdb.DB
	logger *log.Logger
}

// New creates a queue backed by the given store.
// If logger is nil, a default logger writing to stderr is used.
func New(db *localdb.DB, logger *log.Logger) *Queue {
	if logger == nil {
		logger = log.New(os.Stderr, "[queue] ", log.LstdFlags)
	}
	return &Queue{db: db, logger: logger}
}

// Enqueue records a pending upload of the given document state,
// replacing any existing entry of the same type. Persists
// synchronously before returning.
func (q *Queue) Enqueue(ctx context.Context, ref schema.DocRef, body []byte) error {
	if err := ref.Validate(); err != nil {
		return fmt.Errorf("cannot enqueue: %w", err)
	}

	entry := &localdb.QueueEntry{
		Type:     ref.Type,
		Key:      ref.LocalKey(),
		Body:     body,
		QueuedAt: time.Now().UnixMilli(),
	}
	if err := q.db.UpsertQueueEntry(ctx, entry); err != nil {
		return err
	}

	q.logger.Printf("Queued offline upload: %s", ref)
	return nil
}

// DrainAndReplay snapshots and clears the queue, then replays each
// entry through upload. Successes are dropped; failures are
// re-enqueued with their original timestamps. Returns the number of
// successfully replayed and re-queued entries.
func (q *Queue) DrainAndReplay(ctx context.Context, upload UploadFunc) (replayed, requeued int, err error) {
	entries, err := q.db.TakeQueue(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to drain queue: %w", err)
	}
	if len(entries) == 0 {
		return 0, 0, nil
	}

	q.logger.Printf("Replaying %d queued upload(s)", len(entries))

	var failed []*localdb.QueueEntry
	for _, entry := range entries {
		if err := upload(ctx, entry); err != nil {
			q.logger.Printf("Warning: replay failed for %s: %v", entry.Type, err)
			failed = append(failed, entry)
			continue
		}
		replayed++
	}

	for _, entry := range failed {
		if err := q.db.RestoreQueueEntry(ctx, entry); err != nil {
			q.logger.Printf("Warning: failed to re-enqueue %s: %v", entry.Type, err)
			continue
		}
		requeued++
	}

	q.logger.Printf("Replay complete: %d pushed, %d re-queued", replayed, requeued)
	return replayed, requeued, nil
}

// Len returns the number of pending entries.
func (q *Queue) Len(ctx context.Context) (int, error) {
	return q.db.QueueLength(ctx)
}

// List returns the pending entries oldest-first without removing them.
func (q *Queue) List(ctx context.Context) ([]*localdb.QueueEntry, error) {
	return q.db.ListQueue(ctx)
}

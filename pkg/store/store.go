// Package store provides durable on-device storage for telemetry signals:
// events, spans, attachments, batches and sessions. A single SQLite database
// backs all stores; an in-memory implementation exists for tests.
package store

import (
	"context"
	"errors"

	"github.com/beacon-sh/beacon/pkg/signal"
)

var (
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrBatchConflict indicates a batch insert tried to claim a signal
	// that already belongs to another batch.
	ErrBatchConflict = errors.New("store: signal already batched")
)

// UnbatchedEvent is the lightweight projection used during batch selection:
// the event id plus the total size of its attachments.
type UnbatchedEvent struct {
	ID             string
	SessionID      string
	AttachmentSize int64
}

// EventStore persists events and answers batch-selection queries.
type EventStore interface {
	InsertEvent(ctx context.Context, event *signal.Event) error

	// InsertSignals writes buffered events and spans in one transaction.
	InsertSignals(ctx context.Context, events []*signal.Event, spans []*signal.Span) error

	// UnbatchedEvents returns up to limit events not yet claimed by a
	// batch, oldest first. With a non-empty sessionID the selection is
	// scoped to that session; otherwise it spans all sessions marked for
	// reporting (plus allow-listed event types from any session), with
	// priority sessions ordered first.
	UnbatchedEvents(ctx context.Context, limit int, sessionID string) ([]UnbatchedEvent, error)

	EventsByID(ctx context.Context, ids []string) ([]*signal.Event, error)
	DeleteEvents(ctx context.Context, ids []string) error
	EventCount(ctx context.Context) (int64, error)
}

// SpanStore persists spans. Only sampled spans are ever inserted.
type SpanStore interface {
	InsertSpan(ctx context.Context, span *signal.Span) error

	// UnbatchedSpans returns up to limit span ids not yet claimed by a
	// batch, ordered by start time ascending.
	UnbatchedSpans(ctx context.Context, limit int) ([]string, error)

	SpansByID(ctx context.Context, ids []string) ([]*signal.Span, error)
	DeleteSpans(ctx context.Context, ids []string) error
	SpanCount(ctx context.Context) (int64, error)
}

// BatchStore is the source of truth for which batches exist and need
// transmission.
type BatchStore interface {
	// InsertBatch persists the batch row and stamps the member signals
	// with the batch id in a single transaction. It fails with
	// ErrBatchConflict if any member already belongs to a batch, leaving
	// the store unchanged.
	InsertBatch(ctx context.Context, batch *signal.Batch) error

	// Batches returns all batches oldest first, member ids in timestamp
	// order.
	Batches(ctx context.Context) ([]*signal.Batch, error)

	// DeleteBatch removes the batch record and the given member signals
	// in one transaction. Empty id lists delete only the batch row.
	DeleteBatch(ctx context.Context, batchID string, eventIDs, spanIDs []string) error
}

// AttachmentStore persists attachments and their upload metadata.
// Attachments survive deletion of their owning event so a pending upload can
// still complete.
type AttachmentStore interface {
	InsertAttachment(ctx context.Context, attachment *signal.Attachment) error

	// UpdateAttachmentURLs records signed upload URLs returned by the
	// backend. All updates apply in one transaction; ids with no local
	// row are skipped so a concurrently evicted attachment cannot void
	// the rest of the batch.
	UpdateAttachmentURLs(ctx context.Context, signed []signal.SignedAttachment) error

	// AttachmentsToUpload returns up to limit attachments holding a
	// signed URL that has not expired as of now (unix millis).
	AttachmentsToUpload(ctx context.Context, limit int, now int64) ([]*signal.Attachment, error)

	// ExpiredAttachments returns attachments whose signed URL expired
	// before now. They can never be uploaded and are cleanup fodder.
	ExpiredAttachments(ctx context.Context, now int64) ([]*signal.Attachment, error)

	// AttachmentsForEvents returns attachments belonging to the given
	// events that still carry inline bytes or an on-disk file, for
	// inclusion in the batch request body.
	AttachmentsForEvents(ctx context.Context, eventIDs []string) ([]*signal.Attachment, error)

	DeleteAttachments(ctx context.Context, ids []string) error
}

// SessionStore tracks app runs. Sessions are the unit of eviction for
// cleanup and of priority ordering for export.
type SessionStore interface {
	InsertSession(ctx context.Context, session *signal.Session) error
	MarkSessionCrashed(ctx context.Context, sessionID string) error
	MarkSessionWithBugReport(ctx context.Context, sessionID string) error

	// OldestSessionID returns the globally oldest session by creation
	// time, or "" when no sessions exist.
	OldestSessionID(ctx context.Context) (string, error)

	// SessionsNotReporting returns sessions that will never be exported,
	// excluding excludeID.
	SessionsNotReporting(ctx context.Context, excludeID string) ([]string, error)

	// DeleteSessionData removes the session row and all of its events,
	// spans and attachments in one transaction.
	DeleteSessionData(ctx context.Context, sessionID string) error
}

// Store aggregates the full storage surface implemented by the SQLite and
// in-memory backends.
type Store interface {
	EventStore
	SpanStore
	BatchStore
	AttachmentStore
	SessionStore
}

package exporter

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/beacon-sh/beacon/pkg/signal"
	"github.com/beacon-sh/beacon/pkg/store"
)

// BatchCreator groups unbatched signals into batches. Selection is
// deterministic: oldest signals first, with a greedy cap on cumulative
// attachment bytes so a single request body stays bounded.
type BatchCreator struct {
	store  store.Store
	logger *slog.Logger

	maxEventsInBatch   int
	maxAttachmentBytes int64

	// now is injectable for tests.
	now func() int64
}

// BatchCreatorConfig configures a BatchCreator.
type BatchCreatorConfig struct {
	MaxEventsInBatch   int
	MaxAttachmentBytes int64
	Logger             *slog.Logger
}

func NewBatchCreator(s store.Store, cfg BatchCreatorConfig) *BatchCreator {
	if cfg.MaxEventsInBatch <= 0 {
		cfg.MaxEventsInBatch = 500
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return &BatchCreator{
		store:              s,
		logger:             cfg.Logger,
		maxEventsInBatch:   cfg.MaxEventsInBatch,
		maxAttachmentBytes: cfg.MaxAttachmentBytes,
		now:                func() int64 { return time.Now().UnixMilli() },
	}
}

// Create selects the oldest unbatched signals, optionally scoped to one
// session, and persists a new batch claiming them. Returns nil with no error
// when there is nothing to batch; no empty batch row is ever written.
func (b *BatchCreator) Create(ctx context.Context, sessionID string) (*signal.Batch, error) {
	candidates, err := b.store.UnbatchedEvents(ctx, b.maxEventsInBatch, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch unbatched events: %w", err)
	}

	eventIDs := b.selectWithinBudget(candidates)

	spanIDs, err := b.store.UnbatchedSpans(ctx, b.maxEventsInBatch)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch unbatched spans: %w", err)
	}

	if len(eventIDs) == 0 && len(spanIDs) == 0 {
		return nil, nil
	}

	batch := &signal.Batch{
		ID:        uuid.New().String(),
		EventIDs:  eventIDs,
		SpanIDs:   spanIDs,
		CreatedAt: b.now(),
	}
	if err := b.store.InsertBatch(ctx, batch); err != nil {
		return nil, fmt.Errorf("failed to persist batch: %w", err)
	}

	b.logger.Debug("created batch",
		"batch_id", batch.ID, "events", len(eventIDs), "spans", len(spanIDs))
	return batch, nil
}

// selectWithinBudget takes the longest prefix whose cumulative attachment
// bytes fit the budget. The first event that would exceed it ends the
// selection; later smaller events are not backfilled, preserving timestamp
// order within the batch.
func (b *BatchCreator) selectWithinBudget(candidates []store.UnbatchedEvent) []string {
	var (
		ids   []string
		total int64
	)
	for _, e := range candidates {
		if b.maxAttachmentBytes > 0 && total+e.AttachmentSize > b.maxAttachmentBytes {
			break
		}
		total += e.AttachmentSize
		ids = append(ids, e.ID)
	}
	return ids
}

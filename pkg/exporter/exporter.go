package exporter

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/beacon-sh/beacon/pkg/metrics"
	"github.com/beacon-sh/beacon/pkg/signal"
	"github.com/beacon-sh/beacon/pkg/store"
)

// errDrainStopped ends a drain phase early while keeping remaining batches
// untouched for the next cycle.
var errDrainStopped = errors.New("exporter: drain stopped")

// AttachmentNotifier receives a kick when new signed upload URLs land, so
// the attachment pipeline starts without waiting for its next poll.
type AttachmentNotifier interface {
	OnNewAttachmentsAvailable()
}

// Exporter runs the export cycle: drain existing batches, group unbatched
// signals into new batches, drain those too. At most one cycle runs at a
// time, guarded by an atomic flag; a concurrent Export call returns
// immediately.
type Exporter struct {
	store   store.Store
	creator *BatchCreator
	network *NetworkClient
	files   *store.FileStorage
	logger  *slog.Logger
	metrics metrics.Collector

	attachments AttachmentNotifier

	inFlight atomic.Bool

	// lastBatchCreatedAt gates batch creation frequency; draining is never
	// gated. Unix millis, zero at process start so the first cycle always
	// creates.
	lastBatchCreatedAt  atomic.Int64
	minCreationInterval time.Duration

	// batchExportInterval paces consecutive batch transmissions within one
	// drain so a backlog doesn't burst the network.
	batchExportInterval time.Duration

	now   func() int64
	sleep func(ctx context.Context, d time.Duration)
}

// ExporterConfig configures an Exporter.
type ExporterConfig struct {
	// MinCreationInterval is the minimum gap between two batch-creation
	// phases. Matches the periodic export interval.
	MinCreationInterval time.Duration

	// BatchExportInterval is the pause between consecutive batches in one
	// drain pass.
	BatchExportInterval time.Duration

	Logger  *slog.Logger
	Metrics metrics.Collector
}

// NewExporter wires the exporter. files may be nil; attachments may be nil
// when the attachment pipeline is disabled.
func NewExporter(s store.Store, creator *BatchCreator, network *NetworkClient, files *store.FileStorage, attachments AttachmentNotifier, cfg ExporterConfig) *Exporter {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewNoopCollector()
	}
	return &Exporter{
		store:               s,
		creator:             creator,
		network:             network,
		files:               files,
		attachments:         attachments,
		logger:              cfg.Logger,
		metrics:             cfg.Metrics,
		minCreationInterval: cfg.MinCreationInterval,
		batchExportInterval: cfg.BatchExportInterval,
		now:                 func() int64 { return time.Now().UnixMilli() },
		sleep: func(ctx context.Context, d time.Duration) {
			if d <= 0 {
				return
			}
			select {
			case <-time.After(d):
			case <-ctx.Done():
			}
		},
	}
}

// Export runs one full cycle. It is a no-op if a cycle is already running.
// Failures never propagate to the caller: telemetry must not disturb the
// host app.
func (e *Exporter) Export(ctx context.Context) {
	if !e.inFlight.CompareAndSwap(false, true) {
		e.logger.Debug("export already in flight, skipping")
		return
	}
	defer e.inFlight.Store(false)

	start := time.Now()
	status := "success"
	if err := e.runCycle(ctx); err != nil {
		status = "error"
	}
	e.metrics.RecordOperation(ctx, "export", status, time.Since(start).Milliseconds())
}

// ResetInFlight forcibly clears the in-flight flag. Called when an
// OS-granted background execution window expires with an export still
// running; without the reset the next scheduled attempt would be skipped
// forever.
func (e *Exporter) ResetInFlight() {
	e.inFlight.Store(false)
}

func (e *Exporter) runCycle(ctx context.Context) error {
	existing, err := e.store.Batches(ctx)
	if err != nil {
		e.logger.Error("failed to list batches", "error", err)
		return err
	}

	if err := e.drainBatches(ctx, existing); err != nil {
		// A transient failure leaves remaining batches in place; next
		// cycle retries them from the same position, oldest first.
		return err
	}

	created, err := e.createNewBatches(ctx)
	if err != nil {
		return err
	}

	return e.drainBatches(ctx, created)
}

// drainBatches transmits batches in order, oldest first. A transient failure
// stops the drain without skipping ahead, so older batches are never
// overtaken by newer ones.
func (e *Exporter) drainBatches(ctx context.Context, batches []*signal.Batch) error {
	for i, batch := range batches {
		if i > 0 {
			e.sleep(ctx, e.batchExportInterval)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := e.exportBatch(ctx, batch); err != nil {
			return err
		}
	}
	return nil
}

func (e *Exporter) exportBatch(ctx context.Context, batch *signal.Batch) error {
	events, err := e.store.EventsByID(ctx, batch.EventIDs)
	if err != nil {
		e.logger.Error("failed to load batch events", "batch_id", batch.ID, "error", err)
		return err
	}
	spans, err := e.store.SpansByID(ctx, batch.SpanIDs)
	if err != nil {
		e.logger.Error("failed to load batch spans", "batch_id", batch.ID, "error", err)
		return err
	}

	// Ghost batch: its signals were removed (cleanup, eviction) after the
	// batch row was written. Drop the record and end the drain.
	if len(events) == 0 && len(spans) == 0 {
		e.logger.Warn("deleting ghost batch", "batch_id", batch.ID)
		if err := e.store.DeleteBatch(ctx, batch.ID, nil, nil); err != nil {
			e.logger.Error("failed to delete ghost batch", "batch_id", batch.ID, "error", err)
		}
		return errDrainStopped
	}

	attachments, err := e.store.AttachmentsForEvents(ctx, batch.EventIDs)
	if err != nil {
		e.logger.Error("failed to load batch attachments", "batch_id", batch.ID, "error", err)
		return err
	}

	transmitStart := time.Now()
	resp := e.network.ExecuteBatch(ctx, batch.ID, events, spans, attachments)
	e.metrics.RecordStage(ctx, "export", "transmit", time.Since(transmitStart).Milliseconds())

	switch resp.Kind {
	case ResponseSuccess:
		e.persistSignedURLs(ctx, batch.ID, resp.Body)
		e.deleteBatch(ctx, batch, events, spans)
		return nil

	case ResponseClientError:
		// The backend will never accept this payload; delete it so the
		// pipeline doesn't retry it forever.
		e.logger.Warn("batch rejected, deleting",
			"batch_id", batch.ID, "status", resp.StatusCode)
		e.metrics.RecordError(ctx, "export", "client_error")
		e.deleteBatch(ctx, batch, events, spans)
		return nil

	default:
		// Rate limit, server error or transport failure: keep the batch
		// and stop the drain here.
		e.logger.Info("batch export failed, will retry",
			"batch_id", batch.ID, "result", resp.String())
		e.metrics.RecordError(ctx, "export", resp.Kind.String())
		return errDrainStopped
	}
}

// persistSignedURLs writes the backend's signed attachment URLs and kicks
// the attachment pipeline.
func (e *Exporter) persistSignedURLs(ctx context.Context, batchID string, body []byte) {
	signed := ParseEventsResponse(body)
	if len(signed) == 0 {
		return
	}
	if err := e.store.UpdateAttachmentURLs(ctx, signed); err != nil {
		e.logger.Error("failed to persist signed attachment urls",
			"batch_id", batchID, "error", err)
		return
	}
	e.logger.Debug("persisted signed attachment urls",
		"batch_id", batchID, "count", len(signed))
	if e.attachments != nil {
		e.attachments.OnNewAttachmentsAvailable()
	}
}

func (e *Exporter) deleteBatch(ctx context.Context, batch *signal.Batch, events []*signal.Event, spans []*signal.Span) {
	if err := e.store.DeleteBatch(ctx, batch.ID, batch.EventIDs, batch.SpanIDs); err != nil {
		e.logger.Error("failed to delete batch", "batch_id", batch.ID, "error", err)
		return
	}
	// Offloaded payload files are no longer referenced by any row.
	if e.files != nil {
		for _, event := range events {
			if event.DataFilePath != "" {
				if err := e.files.Remove(event.DataFilePath); err != nil {
					e.logger.Error("failed to remove payload file",
						"event_id", event.ID, "error", err)
				}
			}
		}
	}
}

// createNewBatches groups all currently unbatched signals into batches. The
// unbatched-event query orders priority sessions first, so crash and
// bug-report sessions fill earlier batches. Creation is skipped entirely
// when the last creation was too recent; draining above is unaffected.
func (e *Exporter) createNewBatches(ctx context.Context) ([]*signal.Batch, error) {
	if last := e.lastBatchCreatedAt.Load(); last != 0 &&
		e.now()-last < e.minCreationInterval.Milliseconds() {
		e.logger.Debug("skipping batch creation, too soon after last")
		return nil, nil
	}

	var created []*signal.Batch
	for {
		if ctx.Err() != nil {
			return created, ctx.Err()
		}
		batch, err := e.creator.Create(ctx, "")
		if err != nil {
			e.logger.Error("failed to create batch", "error", err)
			e.metrics.RecordError(ctx, "batch_create", "persistence")
			// Batches created before the failure still drain this cycle.
			return created, nil
		}
		if batch == nil {
			break
		}
		created = append(created, batch)
		e.lastBatchCreatedAt.Store(e.now())
	}
	return created, nil
}

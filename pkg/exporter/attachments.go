package exporter

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/beacon-sh/beacon/pkg/metrics"
	"github.com/beacon-sh/beacon/pkg/signal"
	"github.com/beacon-sh/beacon/pkg/store"
)

// AttachmentExporter uploads attachment bytes to their signed URLs. It runs
// its own loop, independent of the batch pipeline: polling on an interval,
// with an edge-triggered kick when the Exporter writes fresh URLs. Items in
// a page are uploaded sequentially with a randomized delay between them; any
// transient failure ends the pass so the failed item is retried first next
// time.
type AttachmentExporter struct {
	store   store.Store
	network *NetworkClient
	files   *store.FileStorage
	logger  *slog.Logger
	metrics metrics.Collector

	pageSize     int
	baseDelay    time.Duration
	maxJitter    time.Duration
	pollInterval time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	kick    chan struct{}
	enabled bool

	now   func() int64
	sleep func(ctx context.Context, d time.Duration)
}

// AttachmentExporterConfig configures an AttachmentExporter.
type AttachmentExporterConfig struct {
	PageSize     int
	BaseDelay    time.Duration
	MaxJitter    time.Duration
	PollInterval time.Duration
	Logger       *slog.Logger
	Metrics      metrics.Collector
}

func NewAttachmentExporter(s store.Store, network *NetworkClient, files *store.FileStorage, cfg AttachmentExporterConfig) *AttachmentExporter {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 10
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewNoopCollector()
	}
	return &AttachmentExporter{
		store:        s,
		network:      network,
		files:        files,
		logger:       cfg.Logger,
		metrics:      cfg.Metrics,
		pageSize:     cfg.PageSize,
		baseDelay:    cfg.BaseDelay,
		maxJitter:    cfg.MaxJitter,
		pollInterval: cfg.PollInterval,
		kick:         make(chan struct{}, 1),
		now:          func() int64 { return time.Now().UnixMilli() },
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

// Enable starts the upload loop. Safe to call repeatedly.
func (a *AttachmentExporter) Enable() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.enabled {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.done = make(chan struct{})
	a.enabled = true
	go a.run(ctx, a.done)
}

// Disable stops the loop and waits for the current pass to finish.
func (a *AttachmentExporter) Disable() {
	a.mu.Lock()
	if !a.enabled {
		a.mu.Unlock()
		return
	}
	a.enabled = false
	cancel, done := a.cancel, a.done
	a.mu.Unlock()

	cancel()
	<-done
}

// OnNewAttachmentsAvailable wakes the loop immediately instead of waiting
// for the next poll. Non-blocking; a pending kick is enough.
func (a *AttachmentExporter) OnNewAttachmentsAvailable() {
	select {
	case a.kick <- struct{}{}:
	default:
	}
}

func (a *AttachmentExporter) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.kick:
		case <-time.After(a.pollInterval):
		}
		a.exportPass(ctx)
	}
}

// exportPass uploads one page of ready attachments. Stops at the first
// transient failure; terminal failures delete the attachment and continue.
func (a *AttachmentExporter) exportPass(ctx context.Context) {
	page, err := a.store.AttachmentsToUpload(ctx, a.pageSize, a.now())
	if err != nil {
		a.logger.Error("failed to fetch attachments to upload", "error", err)
		return
	}

	for i, att := range page {
		if i > 0 {
			a.sleep(ctx, a.interItemDelay())
		}
		if ctx.Err() != nil {
			return
		}
		if !a.uploadOne(ctx, att) {
			return
		}
	}
}

// uploadOne returns false when the pass should stop.
func (a *AttachmentExporter) uploadOne(ctx context.Context, att *signal.Attachment) bool {
	start := time.Now()
	resp := a.network.UploadAttachment(ctx, att)

	switch resp.Kind {
	case ResponseSuccess:
		a.metrics.RecordOperation(ctx, "attachment_upload", "success", time.Since(start).Milliseconds())
		a.deleteLocal(ctx, att)
		return true

	case ResponseClientError:
		// The signed URL rejected the payload (or the local file is
		// gone); it will never succeed, so drop it.
		a.logger.Warn("attachment upload rejected, deleting",
			"attachment_id", att.ID, "status", resp.StatusCode)
		a.metrics.RecordOperation(ctx, "attachment_upload", "error", time.Since(start).Milliseconds())
		a.deleteLocal(ctx, att)
		return false

	default:
		a.logger.Info("attachment upload failed, will retry",
			"attachment_id", att.ID, "result", resp.String())
		a.metrics.RecordError(ctx, "attachment_upload", resp.Kind.String())
		return false
	}
}

func (a *AttachmentExporter) deleteLocal(ctx context.Context, att *signal.Attachment) {
	if err := a.store.DeleteAttachments(ctx, []string{att.ID}); err != nil {
		a.logger.Error("failed to delete attachment", "attachment_id", att.ID, "error", err)
		return
	}
	if a.files != nil && att.Path != "" {
		if err := a.files.Remove(att.Path); err != nil {
			a.logger.Error("failed to remove attachment file",
				"attachment_id", att.ID, "error", err)
		}
	}
}

func (a *AttachmentExporter) interItemDelay() time.Duration {
	delay := a.baseDelay
	if a.maxJitter > 0 {
		delay += time.Duration(rand.Int63n(int64(a.maxJitter)))
	}
	return delay
}

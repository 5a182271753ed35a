package store

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/beacon-sh/beacon/pkg/metrics"
	"github.com/beacon-sh/beacon/pkg/signal"
)

// SignalStore buffers incoming events and spans in memory and flushes them
// to the backing Store in batched transactions. Crash events bypass the
// buffer entirely: they are written synchronously together with everything
// buffered so far, since the process may die at any moment afterwards.
type SignalStore struct {
	store   Store
	files   *FileStorage
	logger  *slog.Logger
	metrics metrics.Collector

	maxQueueSize    int
	maxInlineBytes  int
	eventBufferPool []*signal.Event
	spanBufferPool  []*signal.Span

	mu sync.Mutex
}

// SignalStoreConfig configures a SignalStore.
type SignalStoreConfig struct {
	// MaxQueueSize bounds the in-memory buffer; reaching it triggers a
	// flush.
	MaxQueueSize int

	// MaxInlineBytes is the largest event payload stored in the database
	// row itself. Larger payloads are offloaded to file storage.
	MaxInlineBytes int

	Logger  *slog.Logger
	Metrics metrics.Collector
}

// NewSignalStore wires a SignalStore over the given Store. files may be nil,
// in which case oversized payloads stay inline.
func NewSignalStore(s Store, files *FileStorage, cfg SignalStoreConfig) *SignalStore {
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = 30
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewNoopCollector()
	}
	return &SignalStore{
		store:          s,
		files:          files,
		logger:         cfg.Logger,
		metrics:        cfg.Metrics,
		maxQueueSize:   cfg.MaxQueueSize,
		maxInlineBytes: cfg.MaxInlineBytes,
	}
}

// StoreEvent accepts an event and its attachments. Ordinary events are
// buffered; crash events are persisted immediately along with the buffer.
func (s *SignalStore) StoreEvent(ctx context.Context, event *signal.Event, attachments []*signal.Attachment) error {
	if err := s.prepareEvent(event, attachments); err != nil {
		return err
	}

	if event.Type.IsCrash() {
		return s.storeCrashEvent(ctx, event, attachments)
	}

	// A bug report promotes its session to priority reporting.
	if event.Type == signal.TypeBugReport {
		if err := s.store.MarkSessionWithBugReport(ctx, event.SessionID); err != nil {
			s.logger.Error("failed to mark session with bug report",
				"session_id", event.SessionID, "error", err)
		}
	}

	s.mu.Lock()
	s.eventBufferPool = append(s.eventBufferPool, event)
	full := len(s.eventBufferPool)+len(s.spanBufferPool) >= s.maxQueueSize
	s.mu.Unlock()

	s.metrics.AddSignals(ctx, "buffered", 1)

	if err := s.insertAttachments(ctx, attachments); err != nil {
		return err
	}

	if full {
		return s.Flush(ctx)
	}
	return nil
}

// prepareEvent computes the attachment byte total and offloads oversized
// payloads to file storage.
func (s *SignalStore) prepareEvent(event *signal.Event, attachments []*signal.Attachment) error {
	var total int64
	for _, a := range attachments {
		total += int64(len(a.Bytes))
	}
	event.AttachmentSize = total

	if s.files != nil && s.maxInlineBytes > 0 && len(event.Data) > s.maxInlineBytes {
		path, err := s.files.WriteEventPayload(event.ID, event.Data)
		if err != nil {
			return fmt.Errorf("failed to offload event payload: %w", err)
		}
		event.Data = nil
		event.DataFilePath = path
	}

	for _, a := range attachments {
		if a.EventID == "" {
			a.EventID = event.ID
		}
		if a.SessionID == "" {
			a.SessionID = event.SessionID
		}
		if s.files != nil && s.maxInlineBytes > 0 && len(a.Bytes) > s.maxInlineBytes {
			path, err := s.files.WriteAttachment(a.ID, a.Name, a.Bytes)
			if err != nil {
				return fmt.Errorf("failed to offload attachment: %w", err)
			}
			a.Bytes = nil
			a.Path = path
		}
	}
	return nil
}

// storeCrashEvent marks the session crashed, flushes buffered signals and
// writes the crash event, all before returning. Nothing here is deferred:
// the process is about to terminate.
func (s *SignalStore) storeCrashEvent(ctx context.Context, event *signal.Event, attachments []*signal.Attachment) error {
	if err := s.store.MarkSessionCrashed(ctx, event.SessionID); err != nil {
		s.logger.Error("failed to mark session crashed",
			"session_id", event.SessionID, "error", err)
	}

	if err := s.Flush(ctx); err != nil {
		s.logger.Error("failed to flush buffered signals before crash event", "error", err)
	}

	if err := s.store.InsertEvent(ctx, event); err != nil {
		return fmt.Errorf("failed to store crash event: %w", err)
	}
	s.metrics.AddSignals(ctx, "flushed", 1)

	return s.insertAttachments(ctx, attachments)
}

func (s *SignalStore) insertAttachments(ctx context.Context, attachments []*signal.Attachment) error {
	for _, a := range attachments {
		if err := s.store.InsertAttachment(ctx, a); err != nil {
			return fmt.Errorf("failed to store attachment %s: %w", a.ID, err)
		}
	}
	return nil
}

// StoreSpan accepts a finished span. Unsampled spans are dropped here so
// they never consume disk.
func (s *SignalStore) StoreSpan(ctx context.Context, span *signal.Span) error {
	if !span.Sampled {
		s.metrics.AddSignals(ctx, "dropped", 1)
		s.logger.Debug("dropping unsampled span", "span_id", span.SpanID, "name", span.Name)
		return nil
	}

	s.mu.Lock()
	s.spanBufferPool = append(s.spanBufferPool, span)
	full := len(s.eventBufferPool)+len(s.spanBufferPool) >= s.maxQueueSize
	s.mu.Unlock()

	s.metrics.AddSignals(ctx, "buffered", 1)

	if full {
		return s.Flush(ctx)
	}
	return nil
}

// Flush writes all buffered signals to the store in one transaction and
// clears the buffer. On failure the buffer is restored so signals are not
// silently lost.
func (s *SignalStore) Flush(ctx context.Context) error {
	s.mu.Lock()
	events := s.eventBufferPool
	spans := s.spanBufferPool
	s.eventBufferPool = nil
	s.spanBufferPool = nil
	s.mu.Unlock()

	if len(events) == 0 && len(spans) == 0 {
		return nil
	}

	if err := s.store.InsertSignals(ctx, events, spans); err != nil {
		s.mu.Lock()
		s.eventBufferPool = append(events, s.eventBufferPool...)
		s.spanBufferPool = append(spans, s.spanBufferPool...)
		s.mu.Unlock()
		return fmt.Errorf("failed to flush signals: %w", err)
	}

	s.metrics.AddSignals(ctx, "flushed", len(events)+len(spans))
	s.logger.Debug("flushed signals", "events", len(events), "spans", len(spans))
	return nil
}

// BufferedCount reports how many signals are waiting in memory.
func (s *SignalStore) BufferedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.eventBufferPool) + len(s.spanBufferPool)
}

package store

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/beacon-sh/beacon/pkg/signal"
)

// captureCollector records metric calls for assertions.
type captureCollector struct {
	signals map[string]int
	storage map[string]int64
	stages  []string
}

func newCaptureCollector() *captureCollector {
	return &captureCollector{signals: make(map[string]int), storage: make(map[string]int64)}
}

func (c *captureCollector) RecordOperation(ctx context.Context, operation, status string, durationMs int64) {
}

func (c *captureCollector) RecordStage(ctx context.Context, operation, stage string, durationMs int64) {
	c.stages = append(c.stages, operation+"/"+stage)
}

func (c *captureCollector) RecordError(ctx context.Context, operation, errorType string) {}

func (c *captureCollector) SetStorageCount(ctx context.Context, storageType string, count int64) {
	c.storage[storageType] = count
}

func (c *captureCollector) AddSignals(ctx context.Context, disposition string, n int) {
	c.signals[disposition] += n
}

func TestSignalStoreBuffersUntilFull(t *testing.T) {
	backing := NewMemoryStore()
	ss := NewSignalStore(backing, nil, SignalStoreConfig{MaxQueueSize: 3})
	ctx := context.Background()

	insertTestSession(t, backing, "session-1", true, false, 1000)

	for i := 0; i < 2; i++ {
		event := makeTestEvent(string(rune('a'+i)), "session-1", int64(i), signal.TypeHTTP)
		if err := ss.StoreEvent(ctx, event, nil); err != nil {
			t.Fatalf("StoreEvent failed: %v", err)
		}
	}

	count, _ := backing.EventCount(ctx)
	if count != 0 {
		t.Errorf("Expected events buffered, found %d in store", count)
	}
	if ss.BufferedCount() != 2 {
		t.Errorf("Expected 2 buffered, got %d", ss.BufferedCount())
	}

	// Third signal hits the limit and triggers a flush.
	if err := ss.StoreEvent(ctx, makeTestEvent("c", "session-1", 3, signal.TypeHTTP), nil); err != nil {
		t.Fatalf("StoreEvent failed: %v", err)
	}

	count, _ = backing.EventCount(ctx)
	if count != 3 {
		t.Errorf("Expected 3 events flushed, got %d", count)
	}
	if ss.BufferedCount() != 0 {
		t.Errorf("Expected empty buffer after flush, got %d", ss.BufferedCount())
	}
}

func TestSignalStoreCrashBypassesBuffer(t *testing.T) {
	backing := NewMemoryStore()
	ss := NewSignalStore(backing, nil, SignalStoreConfig{MaxQueueSize: 100})
	ctx := context.Background()

	insertTestSession(t, backing, "session-1", false, false, 1000)

	if err := ss.StoreEvent(ctx, makeTestEvent("buffered", "session-1", 1, signal.TypeHTTP), nil); err != nil {
		t.Fatal(err)
	}

	crash := makeTestEvent("crash", "session-1", 2, signal.TypeException)
	if err := ss.StoreEvent(ctx, crash, nil); err != nil {
		t.Fatalf("StoreEvent crash failed: %v", err)
	}

	// Crash and the previously buffered event must both be persisted.
	count, _ := backing.EventCount(ctx)
	if count != 2 {
		t.Errorf("Expected 2 events persisted, got %d", count)
	}
	if ss.BufferedCount() != 0 {
		t.Errorf("Expected empty buffer after crash flush, got %d", ss.BufferedCount())
	}

	// The crashed session is promoted to reporting with priority.
	sess := backing.sessions["session-1"]
	if !sess.Crashed || !sess.NeedsReporting || !sess.Priority {
		t.Errorf("Expected crashed session to be promoted, got %+v", sess)
	}
}

func TestSignalStoreDropsUnsampledSpans(t *testing.T) {
	backing := NewMemoryStore()
	ss := NewSignalStore(backing, nil, SignalStoreConfig{MaxQueueSize: 1})
	ctx := context.Background()

	span := makeTestSpan("span-1", "session-1", 100)
	span.Sampled = false
	if err := ss.StoreSpan(ctx, span); err != nil {
		t.Fatalf("StoreSpan failed: %v", err)
	}

	count, _ := backing.SpanCount(ctx)
	if count != 0 {
		t.Errorf("Expected unsampled span dropped, found %d", count)
	}
	if ss.BufferedCount() != 0 {
		t.Errorf("Expected unsampled span not buffered, got %d", ss.BufferedCount())
	}
}

func TestSignalStoreCountsDispositions(t *testing.T) {
	backing := NewMemoryStore()
	collector := newCaptureCollector()
	ss := NewSignalStore(backing, nil, SignalStoreConfig{MaxQueueSize: 10, Metrics: collector})
	ctx := context.Background()

	insertTestSession(t, backing, "session-1", true, false, 1000)

	for i := 0; i < 2; i++ {
		event := makeTestEvent(string(rune('a'+i)), "session-1", int64(i), signal.TypeHTTP)
		if err := ss.StoreEvent(ctx, event, nil); err != nil {
			t.Fatal(err)
		}
	}

	unsampled := makeTestSpan("span-1", "session-1", 100)
	unsampled.Sampled = false
	if err := ss.StoreSpan(ctx, unsampled); err != nil {
		t.Fatal(err)
	}

	if err := ss.Flush(ctx); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	if collector.signals["buffered"] != 2 {
		t.Errorf("Expected 2 buffered, got %d", collector.signals["buffered"])
	}
	if collector.signals["dropped"] != 1 {
		t.Errorf("Expected 1 dropped, got %d", collector.signals["dropped"])
	}
	if collector.signals["flushed"] != 2 {
		t.Errorf("Expected 2 flushed, got %d", collector.signals["flushed"])
	}
}

func TestSignalStoreComputesAttachmentSize(t *testing.T) {
	backing := NewMemoryStore()
	ss := NewSignalStore(backing, nil, SignalStoreConfig{MaxQueueSize: 1})
	ctx := context.Background()

	insertTestSession(t, backing, "session-1", true, false, 1000)

	event := makeTestEvent("event-1", "session-1", 1, signal.TypeException)
	atts := []*signal.Attachment{
		{ID: "att-1", Name: "a.png", Type: signal.AttachmentScreenshot, Bytes: make([]byte, 100)},
		{ID: "att-2", Name: "b.png", Type: signal.AttachmentScreenshot, Bytes: make([]byte, 50)},
	}
	if err := ss.StoreEvent(ctx, event, atts); err != nil {
		t.Fatalf("StoreEvent failed: %v", err)
	}

	events, _ := backing.EventsByID(ctx, []string{"event-1"})
	if len(events) != 1 {
		t.Fatalf("Expected event persisted, got %d", len(events))
	}
	if events[0].AttachmentSize != 150 {
		t.Errorf("Expected attachment size 150, got %d", events[0].AttachmentSize)
	}

	// Attachment rows are linked back to the event and session.
	for _, a := range backing.attachments {
		if a.EventID != "event-1" || a.SessionID != "session-1" {
			t.Errorf("Attachment not linked: %+v", a)
		}
	}
}

func TestSignalStoreOffloadsOversizedPayload(t *testing.T) {
	backing := NewMemoryStore()
	files, err := NewFileStorage(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStorage failed: %v", err)
	}
	ss := NewSignalStore(backing, files, SignalStoreConfig{MaxQueueSize: 1, MaxInlineBytes: 16})
	ctx := context.Background()

	insertTestSession(t, backing, "session-1", true, false, 1000)

	event := makeTestEvent("event-1", "session-1", 1, signal.TypeHTTP)
	event.Data = json.RawMessage(`{"body":"` + string(make([]byte, 0)) + `this payload is longer than sixteen bytes"}`)
	if err := ss.StoreEvent(ctx, event, nil); err != nil {
		t.Fatalf("StoreEvent failed: %v", err)
	}

	events, _ := backing.EventsByID(ctx, []string{"event-1"})
	if len(events) != 1 {
		t.Fatalf("Expected event persisted, got %d", len(events))
	}
	got := events[0]
	if len(got.Data) != 0 {
		t.Errorf("Expected inline data cleared, got %s", got.Data)
	}
	if got.DataFilePath == "" {
		t.Fatal("Expected payload offloaded to file")
	}

	data, err := files.ReadFile(got.DataFilePath)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if len(data) == 0 {
		t.Error("Expected offloaded payload on disk")
	}
}

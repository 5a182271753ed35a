package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/beacon-sh/beacon/pkg/signal"
)

func setupTestStore(t *testing.T) *SQLiteStore {
	store, err := NewSQLiteStore(":memory:", "cold_launch")
	if err != nil {
		t.Fatalf("Failed to create test store: %v", err)
	}
	return store
}

func insertTestSession(t *testing.T, s Store, id string, needsReporting, priority bool, createdAt int64) {
	t.Helper()
	err := s.InsertSession(context.Background(), &signal.Session{
		ID:             id,
		PID:            1234,
		CreatedAt:      createdAt,
		NeedsReporting: needsReporting,
		Priority:       priority,
	})
	if err != nil {
		t.Fatalf("InsertSession failed: %v", err)
	}
}

func makeTestEvent(id, sessionID string, ts int64, eventType signal.EventType) *signal.Event {
	return &signal.Event{
		ID:             id,
		SessionID:      sessionID,
		Timestamp:      ts,
		Type:           eventType,
		Data:           json.RawMessage(`{"k":"v"}`),
		NeedsReporting: true,
	}
}

func makeTestSpan(id, sessionID string, endTime int64) *signal.Span {
	return &signal.Span{
		SpanID:    id,
		TraceID:   "trace-" + id,
		SessionID: sessionID,
		Name:      "span-" + id,
		StartTime: endTime - 100,
		EndTime:   endTime,
		Duration:  100,
		Sampled:   true,
	}
}

func TestInsertAndGetEvent(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()
	ctx := context.Background()

	insertTestSession(t, store, "session-1", true, false, 1000)

	event := makeTestEvent("event-1", "session-1", 5000, signal.TypeGestureClick)
	event.Attributes = json.RawMessage(`{"platform":"android"}`)
	event.UserTriggered = true
	event.AttachmentSize = 42

	if err := store.InsertEvent(ctx, event); err != nil {
		t.Fatalf("InsertEvent failed: %v", err)
	}

	events, err := store.EventsByID(ctx, []string{"event-1"})
	if err != nil {
		t.Fatalf("EventsByID failed: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("Expected 1 event, got %d", len(events))
	}

	got := events[0]
	if got.ID != "event-1" {
		t.Errorf("ID mismatch: got %s", got.ID)
	}
	if got.SessionID != "session-1" {
		t.Errorf("SessionID mismatch: got %s", got.SessionID)
	}
	if got.Type != signal.TypeGestureClick {
		t.Errorf("Type mismatch: got %s", got.Type)
	}
	if !got.UserTriggered {
		t.Error("Expected UserTriggered to round-trip")
	}
	if got.AttachmentSize != 42 {
		t.Errorf("AttachmentSize mismatch: got %d", got.AttachmentSize)
	}
	if string(got.Data) != `{"k":"v"}` {
		t.Errorf("Data mismatch: got %s", got.Data)
	}
	if string(got.Attributes) != `{"platform":"android"}` {
		t.Errorf("Attributes mismatch: got %s", got.Attributes)
	}
	if got.BatchID != "" {
		t.Errorf("Expected empty batch id, got %s", got.BatchID)
	}
}

func TestInsertSignalsTransactional(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()
	ctx := context.Background()

	insertTestSession(t, store, "session-1", true, false, 1000)

	events := []*signal.Event{
		makeTestEvent("event-1", "session-1", 5000, signal.TypeLifecycleApp),
		makeTestEvent("event-2", "session-1", 5001, signal.TypeHTTP),
	}
	spans := []*signal.Span{
		makeTestSpan("span-1", "session-1", 6000),
	}

	if err := store.InsertSignals(ctx, events, spans); err != nil {
		t.Fatalf("InsertSignals failed: %v", err)
	}

	count, err := store.EventCount(ctx)
	if err != nil {
		t.Fatalf("EventCount failed: %v", err)
	}
	if count != 2 {
		t.Errorf("Expected 2 events, got %d", count)
	}

	spanCount, err := store.SpanCount(ctx)
	if err != nil {
		t.Fatalf("SpanCount failed: %v", err)
	}
	if spanCount != 1 {
		t.Errorf("Expected 1 span, got %d", spanCount)
	}
}

func TestUnbatchedEventsOrderingAndFilters(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()
	ctx := context.Background()

	// Ordinary reporting session, priority session, and a sampled-out one.
	insertTestSession(t, store, "plain", true, false, 1000)
	insertTestSession(t, store, "crashed", true, true, 2000)
	insertTestSession(t, store, "silent", false, false, 3000)

	if err := store.InsertEvent(ctx, makeTestEvent("e-plain-old", "plain", 100, signal.TypeHTTP)); err != nil {
		t.Fatal(err)
	}
	if err := store.InsertEvent(ctx, makeTestEvent("e-crash-new", "crashed", 900, signal.TypeException)); err != nil {
		t.Fatal(err)
	}
	// Silent session: excluded unless the event type is allow-listed.
	if err := store.InsertEvent(ctx, makeTestEvent("e-silent", "silent", 50, signal.TypeHTTP)); err != nil {
		t.Fatal(err)
	}
	if err := store.InsertEvent(ctx, makeTestEvent("e-silent-launch", "silent", 60, signal.TypeColdLaunch)); err != nil {
		t.Fatal(err)
	}

	got, err := store.UnbatchedEvents(ctx, 10, "")
	if err != nil {
		t.Fatalf("UnbatchedEvents failed: %v", err)
	}

	wantOrder := []string{"e-crash-new", "e-plain-old", "e-silent-launch"}
	if len(got) != len(wantOrder) {
		t.Fatalf("Expected %d events, got %d: %+v", len(wantOrder), len(got), got)
	}
	for i, want := range wantOrder {
		if got[i].ID != want {
			t.Errorf("Position %d: got %s, want %s", i, got[i].ID, want)
		}
	}
}

func TestUnbatchedEventsSessionScoped(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()
	ctx := context.Background()

	// Session-scoped queries ignore the session's reporting flag.
	insertTestSession(t, store, "silent", false, false, 1000)
	if err := store.InsertEvent(ctx, makeTestEvent("e-1", "silent", 200, signal.TypeHTTP)); err != nil {
		t.Fatal(err)
	}
	if err := store.InsertEvent(ctx, makeTestEvent("e-2", "silent", 100, signal.TypeHTTP)); err != nil {
		t.Fatal(err)
	}

	got, err := store.UnbatchedEvents(ctx, 10, "silent")
	if err != nil {
		t.Fatalf("UnbatchedEvents failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Expected 2 events, got %d", len(got))
	}
	if got[0].ID != "e-2" || got[1].ID != "e-1" {
		t.Errorf("Expected timestamp order e-2, e-1; got %s, %s", got[0].ID, got[1].ID)
	}
}

func TestUnbatchedSpansSampledOnly(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()
	ctx := context.Background()

	insertTestSession(t, store, "session-1", true, false, 1000)

	sampled := makeTestSpan("span-sampled", "session-1", 2000)
	unsampled := makeTestSpan("span-unsampled", "session-1", 1000)
	unsampled.Sampled = false

	if err := store.InsertSpan(ctx, sampled); err != nil {
		t.Fatal(err)
	}
	if err := store.InsertSpan(ctx, unsampled); err != nil {
		t.Fatal(err)
	}

	ids, err := store.UnbatchedSpans(ctx, 10)
	if err != nil {
		t.Fatalf("UnbatchedSpans failed: %v", err)
	}
	if len(ids) != 1 || ids[0] != "span-sampled" {
		t.Errorf("Expected only sampled span, got %v", ids)
	}
}

func TestInsertBatchClaimsSignals(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()
	ctx := context.Background()

	insertTestSession(t, store, "session-1", true, false, 1000)
	if err := store.InsertEvent(ctx, makeTestEvent("event-1", "session-1", 100, signal.TypeHTTP)); err != nil {
		t.Fatal(err)
	}
	if err := store.InsertSpan(ctx, makeTestSpan("span-1", "session-1", 200)); err != nil {
		t.Fatal(err)
	}

	batch := &signal.Batch{
		ID:        "batch-1",
		EventIDs:  []string{"event-1"},
		SpanIDs:   []string{"span-1"},
		CreatedAt: time.Now().UnixMilli(),
	}
	if err := store.InsertBatch(ctx, batch); err != nil {
		t.Fatalf("InsertBatch failed: %v", err)
	}

	// Claimed signals must no longer be visible as unbatched.
	unbatched, err := store.UnbatchedEvents(ctx, 10, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(unbatched) != 0 {
		t.Errorf("Expected no unbatched events, got %d", len(unbatched))
	}
	spanIDs, err := store.UnbatchedSpans(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(spanIDs) != 0 {
		t.Errorf("Expected no unbatched spans, got %d", len(spanIDs))
	}
}

func TestInsertBatchConflictRollsBack(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()
	ctx := context.Background()

	insertTestSession(t, store, "session-1", true, false, 1000)
	if err := store.InsertEvent(ctx, makeTestEvent("event-1", "session-1", 100, signal.TypeHTTP)); err != nil {
		t.Fatal(err)
	}
	if err := store.InsertEvent(ctx, makeTestEvent("event-2", "session-1", 200, signal.TypeHTTP)); err != nil {
		t.Fatal(err)
	}

	first := &signal.Batch{ID: "batch-1", EventIDs: []string{"event-1"}, CreatedAt: 1}
	if err := store.InsertBatch(ctx, first); err != nil {
		t.Fatalf("InsertBatch failed: %v", err)
	}

	// Second batch tries to re-claim event-1 alongside event-2.
	second := &signal.Batch{ID: "batch-2", EventIDs: []string{"event-1", "event-2"}, CreatedAt: 2}
	err := store.InsertBatch(ctx, second)
	if !errors.Is(err, ErrBatchConflict) {
		t.Fatalf("Expected ErrBatchConflict, got %v", err)
	}

	// The failed batch must leave no trace: batch-2 gone, event-2 still free.
	batches, err := store.Batches(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(batches) != 1 || batches[0].ID != "batch-1" {
		t.Errorf("Expected only batch-1 to exist, got %+v", batches)
	}
	unbatched, err := store.UnbatchedEvents(ctx, 10, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(unbatched) != 1 || unbatched[0].ID != "event-2" {
		t.Errorf("Expected event-2 to remain unbatched, got %+v", unbatched)
	}
}

func TestBatchesOldestFirstWithMembers(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()
	ctx := context.Background()

	insertTestSession(t, store, "session-1", true, false, 1000)
	for i := 1; i <= 4; i++ {
		e := makeTestEvent(fmt.Sprintf("event-%d", i), "session-1", int64(i*100), signal.TypeHTTP)
		if err := store.InsertEvent(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	newer := &signal.Batch{ID: "batch-new", EventIDs: []string{"event-3", "event-4"}, CreatedAt: 200}
	older := &signal.Batch{ID: "batch-old", EventIDs: []string{"event-1", "event-2"}, CreatedAt: 100}
	if err := store.InsertBatch(ctx, newer); err != nil {
		t.Fatal(err)
	}
	if err := store.InsertBatch(ctx, older); err != nil {
		t.Fatal(err)
	}

	batches, err := store.Batches(ctx)
	if err != nil {
		t.Fatalf("Batches failed: %v", err)
	}
	if len(batches) != 2 {
		t.Fatalf("Expected 2 batches, got %d", len(batches))
	}
	if batches[0].ID != "batch-old" || batches[1].ID != "batch-new" {
		t.Errorf("Expected oldest first, got %s, %s", batches[0].ID, batches[1].ID)
	}
	if len(batches[0].EventIDs) != 2 || batches[0].EventIDs[0] != "event-1" {
		t.Errorf("Expected members in timestamp order, got %v", batches[0].EventIDs)
	}
}

func TestDeleteBatchRemovesMembers(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()
	ctx := context.Background()

	insertTestSession(t, store, "session-1", true, false, 1000)
	if err := store.InsertEvent(ctx, makeTestEvent("event-1", "session-1", 100, signal.TypeHTTP)); err != nil {
		t.Fatal(err)
	}
	if err := store.InsertSpan(ctx, makeTestSpan("span-1", "session-1", 200)); err != nil {
		t.Fatal(err)
	}
	batch := &signal.Batch{ID: "batch-1", EventIDs: []string{"event-1"}, SpanIDs: []string{"span-1"}, CreatedAt: 1}
	if err := store.InsertBatch(ctx, batch); err != nil {
		t.Fatal(err)
	}

	if err := store.DeleteBatch(ctx, "batch-1", batch.EventIDs, batch.SpanIDs); err != nil {
		t.Fatalf("DeleteBatch failed: %v", err)
	}

	count, _ := store.EventCount(ctx)
	spanCount, _ := store.SpanCount(ctx)
	if count != 0 || spanCount != 0 {
		t.Errorf("Expected empty store, got %d events, %d spans", count, spanCount)
	}
	batches, err := store.Batches(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(batches) != 0 {
		t.Errorf("Expected no batches, got %d", len(batches))
	}
}

func TestDeleteEventsOrphansAttachments(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()
	ctx := context.Background()

	insertTestSession(t, store, "session-1", true, false, 1000)
	if err := store.InsertEvent(ctx, makeTestEvent("event-1", "session-1", 100, signal.TypeException)); err != nil {
		t.Fatal(err)
	}
	att := &signal.Attachment{
		ID:        "att-1",
		EventID:   "event-1",
		SessionID: "session-1",
		Name:      "screenshot.png",
		Type:      signal.AttachmentScreenshot,
		Bytes:     []byte{1, 2, 3},
	}
	if err := store.InsertAttachment(ctx, att); err != nil {
		t.Fatalf("InsertAttachment failed: %v", err)
	}

	signed := []signal.SignedAttachment{{
		ID:        "att-1",
		UploadURL: "https://storage.example.com/att-1",
		ExpiresAt: time.Now().Add(time.Hour).UnixMilli(),
		Headers:   map[string]string{"Content-Type": "image/png"},
	}}
	if err := store.UpdateAttachmentURLs(ctx, signed); err != nil {
		t.Fatalf("UpdateAttachmentURLs failed: %v", err)
	}

	// Deleting the event must not take the pending upload with it.
	if err := store.DeleteEvents(ctx, []string{"event-1"}); err != nil {
		t.Fatalf("DeleteEvents failed: %v", err)
	}

	pending, err := store.AttachmentsToUpload(ctx, 10, time.Now().UnixMilli())
	if err != nil {
		t.Fatalf("AttachmentsToUpload failed: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("Expected 1 pending attachment, got %d", len(pending))
	}
	if pending[0].EventID != "" {
		t.Errorf("Expected orphaned attachment, got event_id %s", pending[0].EventID)
	}
	if pending[0].UploadURL != "https://storage.example.com/att-1" {
		t.Errorf("UploadURL mismatch: got %s", pending[0].UploadURL)
	}
	if pending[0].Headers["Content-Type"] != "image/png" {
		t.Errorf("Headers mismatch: got %v", pending[0].Headers)
	}
}

func TestAttachmentsToUploadSkipsExpiredAndUnsigned(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()
	ctx := context.Background()

	insertTestSession(t, store, "session-1", true, false, 1000)
	if err := store.InsertEvent(ctx, makeTestEvent("event-1", "session-1", 100, signal.TypeException)); err != nil {
		t.Fatal(err)
	}

	now := time.Now().UnixMilli()
	for _, a := range []*signal.Attachment{
		{ID: "att-unsigned", EventID: "event-1", SessionID: "session-1", Name: "a.png", Type: signal.AttachmentScreenshot},
		{ID: "att-expired", EventID: "event-1", SessionID: "session-1", Name: "b.png", Type: signal.AttachmentScreenshot},
		{ID: "att-live", EventID: "event-1", SessionID: "session-1", Name: "c.png", Type: signal.AttachmentScreenshot},
	} {
		if err := store.InsertAttachment(ctx, a); err != nil {
			t.Fatal(err)
		}
	}

	err := store.UpdateAttachmentURLs(ctx, []signal.SignedAttachment{
		{ID: "att-expired", UploadURL: "https://x/expired", ExpiresAt: now - 1000},
		{ID: "att-live", UploadURL: "https://x/live", ExpiresAt: now + 60000},
	})
	if err != nil {
		t.Fatal(err)
	}

	pending, err := store.AttachmentsToUpload(ctx, 10, now)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].ID != "att-live" {
		t.Errorf("Expected only att-live, got %+v", pending)
	}
}

func TestUpdateAttachmentURLsSkipsUnknownID(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()
	ctx := context.Background()

	insertTestSession(t, store, "session-1", true, false, 1000)
	if err := store.InsertEvent(ctx, makeTestEvent("event-1", "session-1", 100, signal.TypeException)); err != nil {
		t.Fatal(err)
	}
	att := &signal.Attachment{
		ID: "att-kept", EventID: "event-1", SessionID: "session-1",
		Name: "a.png", Type: signal.AttachmentScreenshot, Bytes: []byte{1},
	}
	if err := store.InsertAttachment(ctx, att); err != nil {
		t.Fatal(err)
	}

	// An attachment evicted while the batch was in flight shows up in the
	// response with no local row; it must not void the surviving URL.
	now := time.Now().UnixMilli()
	err := store.UpdateAttachmentURLs(ctx, []signal.SignedAttachment{
		{ID: "att-evicted", UploadURL: "https://x/evicted", ExpiresAt: now + 60000},
		{ID: "att-kept", UploadURL: "https://x/kept", ExpiresAt: now + 60000},
	})
	if err != nil {
		t.Fatalf("UpdateAttachmentURLs failed: %v", err)
	}

	pending, err := store.AttachmentsToUpload(ctx, 10, now)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].ID != "att-kept" {
		t.Fatalf("Expected att-kept to hold its URL, got %+v", pending)
	}
	if pending[0].UploadURL != "https://x/kept" {
		t.Errorf("UploadURL mismatch: got %s", pending[0].UploadURL)
	}
}

func TestSessionLifecycle(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()
	ctx := context.Background()

	insertTestSession(t, store, "session-1", false, false, 1000)

	if err := store.MarkSessionCrashed(ctx, "session-1"); err != nil {
		t.Fatalf("MarkSessionCrashed failed: %v", err)
	}

	// A crashed session reports and is excluded from the purge list.
	ids, err := store.SessionsNotReporting(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 0 {
		t.Errorf("Expected no purgeable sessions, got %v", ids)
	}
}

func TestOldestSessionID(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()
	ctx := context.Background()

	id, err := store.OldestSessionID(ctx)
	if err != nil {
		t.Fatalf("OldestSessionID failed: %v", err)
	}
	if id != "" {
		t.Errorf("Expected empty id for empty store, got %s", id)
	}

	insertTestSession(t, store, "newer", true, false, 2000)
	insertTestSession(t, store, "older", true, false, 1000)

	id, err = store.OldestSessionID(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if id != "older" {
		t.Errorf("Expected older, got %s", id)
	}
}

func TestDeleteSessionDataRemovesEverything(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()
	ctx := context.Background()

	insertTestSession(t, store, "doomed", true, false, 1000)
	insertTestSession(t, store, "kept", true, false, 2000)

	if err := store.InsertEvent(ctx, makeTestEvent("event-doomed", "doomed", 100, signal.TypeHTTP)); err != nil {
		t.Fatal(err)
	}
	if err := store.InsertEvent(ctx, makeTestEvent("event-kept", "kept", 200, signal.TypeHTTP)); err != nil {
		t.Fatal(err)
	}
	if err := store.InsertSpan(ctx, makeTestSpan("span-doomed", "doomed", 300)); err != nil {
		t.Fatal(err)
	}
	att := &signal.Attachment{ID: "att-doomed", EventID: "event-doomed", SessionID: "doomed",
		Name: "a.png", Type: signal.AttachmentScreenshot}
	if err := store.InsertAttachment(ctx, att); err != nil {
		t.Fatal(err)
	}

	if err := store.DeleteSessionData(ctx, "doomed"); err != nil {
		t.Fatalf("DeleteSessionData failed: %v", err)
	}

	count, _ := store.EventCount(ctx)
	if count != 1 {
		t.Errorf("Expected 1 surviving event, got %d", count)
	}
	spanCount, _ := store.SpanCount(ctx)
	if spanCount != 0 {
		t.Errorf("Expected 0 spans, got %d", spanCount)
	}
	events, err := store.EventsByID(ctx, []string{"event-kept"})
	if err != nil || len(events) != 1 {
		t.Errorf("Expected event-kept to survive: %v, %d", err, len(events))
	}
}

func TestPersistenceAcrossReopen(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "beacon.db")
	ctx := context.Background()

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	insertTestSession(t, store, "session-1", true, false, 1000)
	if err := store.InsertEvent(ctx, makeTestEvent("event-1", "session-1", 100, signal.TypeHTTP)); err != nil {
		t.Fatal(err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("Failed to reopen store: %v", err)
	}
	defer reopened.Close()

	count, err := reopened.EventCount(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("Expected 1 event after reopen, got %d", count)
	}
}

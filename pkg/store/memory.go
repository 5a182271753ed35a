package store

import (
	"context"
	"sort"
	"sync"

	"github.com/beacon-sh/beacon/pkg/signal"
)

// MemoryStore is an in-memory Store used in tests and as a fallback when no
// database path is configured. It honors the same ordering and conflict
// semantics as SQLiteStore.
type MemoryStore struct {
	mu sync.Mutex

	events      map[string]*signal.Event
	spans       map[string]*signal.Span
	attachments map[string]*signal.Attachment
	sessions    map[string]*signal.Session
	batches     map[string]*signal.Batch

	// Insertion order for attachments, to mimic rowid ordering.
	attachmentOrder []string

	batchOrder []string

	allowedTypes []string
}

// NewMemoryStore creates an empty in-memory store. allowedTypes lists event
// types exported regardless of session reporting state.
func NewMemoryStore(allowedTypes ...string) *MemoryStore {
	return &MemoryStore{
		events:       make(map[string]*signal.Event),
		spans:        make(map[string]*signal.Span),
		attachments:  make(map[string]*signal.Attachment),
		sessions:     make(map[string]*signal.Session),
		batches:      make(map[string]*signal.Batch),
		allowedTypes: allowedTypes,
	}
}

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) InsertEvent(ctx context.Context, event *signal.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *event
	m.events[event.ID] = &cp
	return nil
}

func (m *MemoryStore) InsertSignals(ctx context.Context, events []*signal.Event, spans []*signal.Span) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range events {
		cp := *e
		m.events[e.ID] = &cp
	}
	for _, s := range spans {
		cp := *s
		m.spans[s.SpanID] = &cp
	}
	return nil
}

func (m *MemoryStore) UnbatchedEvents(ctx context.Context, limit int, sessionID string) ([]UnbatchedEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var candidates []*signal.Event
	for _, e := range m.events {
		if e.BatchID != "" || !e.NeedsReporting {
			continue
		}
		if sessionID != "" {
			if e.SessionID == sessionID {
				candidates = append(candidates, e)
			}
			continue
		}
		sess := m.sessions[e.SessionID]
		if sess == nil {
			continue
		}
		if sess.NeedsReporting || m.typeAllowed(e.Type) {
			candidates = append(candidates, e)
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if sessionID == "" {
			pa, pb := m.sessionPriority(a.SessionID), m.sessionPriority(b.SessionID)
			if pa != pb {
				return pa
			}
		}
		if a.Timestamp != b.Timestamp {
			return a.Timestamp < b.Timestamp
		}
		return a.ID < b.ID
	})

	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	out := make([]UnbatchedEvent, 0, len(candidates))
	for _, e := range candidates {
		out = append(out, UnbatchedEvent{ID: e.ID, SessionID: e.SessionID, AttachmentSize: e.AttachmentSize})
	}
	return out, nil
}

func (m *MemoryStore) typeAllowed(t signal.EventType) bool {
	for _, a := range m.allowedTypes {
		if string(t) == a {
			return true
		}
	}
	return false
}

func (m *MemoryStore) sessionPriority(sessionID string) bool {
	if s := m.sessions[sessionID]; s != nil {
		return s.Priority
	}
	return false
}

func (m *MemoryStore) EventsByID(ctx context.Context, ids []string) ([]*signal.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*signal.Event
	for _, id := range ids {
		if e, ok := m.events[id]; ok {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp != out[j].Timestamp {
			return out[i].Timestamp < out[j].Timestamp
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemoryStore) DeleteEvents(ctx context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.events, id)
		for _, a := range m.attachments {
			if a.EventID == id {
				a.EventID = ""
			}
		}
	}
	return nil
}

func (m *MemoryStore) EventCount(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.events)), nil
}

func (m *MemoryStore) InsertSpan(ctx context.Context, span *signal.Span) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *span
	m.spans[span.SpanID] = &cp
	return nil
}

func (m *MemoryStore) UnbatchedSpans(ctx context.Context, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var candidates []*signal.Span
	for _, s := range m.spans {
		if s.BatchID == "" && s.Sampled {
			candidates = append(candidates, s)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].StartTime != candidates[j].StartTime {
			return candidates[i].StartTime < candidates[j].StartTime
		}
		return candidates[i].SpanID < candidates[j].SpanID
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	ids := make([]string, 0, len(candidates))
	for _, s := range candidates {
		ids = append(ids, s.SpanID)
	}
	return ids, nil
}

func (m *MemoryStore) SpansByID(ctx context.Context, ids []string) ([]*signal.Span, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*signal.Span
	for _, id := range ids {
		if s, ok := m.spans[id]; ok {
			cp := *s
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartTime != out[j].StartTime {
			return out[i].StartTime < out[j].StartTime
		}
		return out[i].SpanID < out[j].SpanID
	})
	return out, nil
}

func (m *MemoryStore) DeleteSpans(ctx context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.spans, id)
	}
	return nil
}

func (m *MemoryStore) SpanCount(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.spans)), nil
}

func (m *MemoryStore) InsertBatch(ctx context.Context, batch *signal.Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range batch.EventIDs {
		e, ok := m.events[id]
		if !ok || e.BatchID != "" {
			return ErrBatchConflict
		}
	}
	for _, id := range batch.SpanIDs {
		s, ok := m.spans[id]
		if !ok || s.BatchID != "" {
			return ErrBatchConflict
		}
	}

	for _, id := range batch.EventIDs {
		m.events[id].BatchID = batch.ID
	}
	for _, id := range batch.SpanIDs {
		m.spans[id].BatchID = batch.ID
	}

	cp := *batch
	cp.EventIDs = append([]string(nil), batch.EventIDs...)
	cp.SpanIDs = append([]string(nil), batch.SpanIDs...)
	m.batches[batch.ID] = &cp
	m.batchOrder = append(m.batchOrder, batch.ID)
	return nil
}

func (m *MemoryStore) Batches(ctx context.Context) ([]*signal.Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*signal.Batch, 0, len(m.batches))
	for _, id := range m.batchOrder {
		b, ok := m.batches[id]
		if !ok {
			continue
		}
		cp := *b
		cp.EventIDs = m.memberEventIDs(id)
		cp.SpanIDs = m.memberSpanIDs(id)
		out = append(out, &cp)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt < out[j].CreatedAt
	})
	return out, nil
}

func (m *MemoryStore) memberEventIDs(batchID string) []string {
	var members []*signal.Event
	for _, e := range m.events {
		if e.BatchID == batchID {
			members = append(members, e)
		}
	}
	sort.Slice(members, func(i, j int) bool {
		if members[i].Timestamp != members[j].Timestamp {
			return members[i].Timestamp < members[j].Timestamp
		}
		return members[i].ID < members[j].ID
	})
	ids := make([]string, 0, len(members))
	for _, e := range members {
		ids = append(ids, e.ID)
	}
	return ids
}

func (m *MemoryStore) memberSpanIDs(batchID string) []string {
	var members []*signal.Span
	for _, s := range m.spans {
		if s.BatchID == batchID {
			members = append(members, s)
		}
	}
	sort.Slice(members, func(i, j int) bool {
		if members[i].StartTime != members[j].StartTime {
			return members[i].StartTime < members[j].StartTime
		}
		return members[i].SpanID < members[j].SpanID
	})
	ids := make([]string, 0, len(members))
	for _, s := range members {
		ids = append(ids, s.SpanID)
	}
	return ids
}

func (m *MemoryStore) DeleteBatch(ctx context.Context, batchID string, eventIDs, spanIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range eventIDs {
		delete(m.events, id)
		for _, a := range m.attachments {
			if a.EventID == id {
				a.EventID = ""
			}
		}
	}
	for _, id := range spanIDs {
		delete(m.spans, id)
	}
	delete(m.batches, batchID)
	return nil
}

func (m *MemoryStore) InsertAttachment(ctx context.Context, attachment *signal.Attachment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *attachment
	m.attachments[attachment.ID] = &cp
	m.attachmentOrder = append(m.attachmentOrder, attachment.ID)
	return nil
}

func (m *MemoryStore) UpdateAttachmentURLs(ctx context.Context, signed []signal.SignedAttachment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, sa := range signed {
		a, ok := m.attachments[sa.ID]
		if !ok {
			continue
		}
		a.UploadURL = sa.UploadURL
		a.ExpiresAt = sa.ExpiresAt
		a.Headers = sa.Headers
	}
	return nil
}

func (m *MemoryStore) AttachmentsToUpload(ctx context.Context, limit int, now int64) ([]*signal.Attachment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*signal.Attachment
	for _, id := range m.attachmentOrder {
		a, ok := m.attachments[id]
		if !ok {
			continue
		}
		if a.UploadURL == "" {
			continue
		}
		if a.ExpiresAt != 0 && a.ExpiresAt <= now {
			continue
		}
		cp := *a
		out = append(out, &cp)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) ExpiredAttachments(ctx context.Context, now int64) ([]*signal.Attachment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*signal.Attachment
	for _, id := range m.attachmentOrder {
		a, ok := m.attachments[id]
		if !ok {
			continue
		}
		if a.UploadURL == "" || a.ExpiresAt == 0 {
			continue
		}
		if a.ExpiresAt <= now {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) AttachmentsForEvents(ctx context.Context, eventIDs []string) ([]*signal.Attachment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	wanted := make(map[string]bool, len(eventIDs))
	for _, id := range eventIDs {
		wanted[id] = true
	}

	var out []*signal.Attachment
	for _, id := range m.attachmentOrder {
		a, ok := m.attachments[id]
		if !ok || !wanted[a.EventID] {
			continue
		}
		if len(a.Bytes) == 0 && a.Path == "" {
			continue
		}
		cp := *a
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) DeleteAttachments(ctx context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.attachments, id)
	}
	return nil
}

func (m *MemoryStore) InsertSession(ctx context.Context, session *signal.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *session
	m.sessions[session.ID] = &cp
	return nil
}

func (m *MemoryStore) MarkSessionCrashed(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[sessionID]; ok {
		s.Crashed = true
		s.NeedsReporting = true
		s.Priority = true
	}
	return nil
}

func (m *MemoryStore) MarkSessionWithBugReport(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[sessionID]; ok {
		s.NeedsReporting = true
		s.Priority = true
	}
	return nil
}

func (m *MemoryStore) OldestSessionID(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var oldest *signal.Session
	for _, s := range m.sessions {
		if oldest == nil ||
			s.CreatedAt < oldest.CreatedAt ||
			(s.CreatedAt == oldest.CreatedAt && s.ID < oldest.ID) {
			oldest = s
		}
	}
	if oldest == nil {
		return "", nil
	}
	return oldest.ID, nil
}

func (m *MemoryStore) SessionsNotReporting(ctx context.Context, excludeID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*signal.Session
	for _, s := range m.sessions {
		if !s.NeedsReporting && s.ID != excludeID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt < out[j].CreatedAt
	})
	ids := make([]string, 0, len(out))
	for _, s := range out {
		ids = append(ids, s.ID)
	}
	return ids, nil
}

func (m *MemoryStore) DeleteSessionData(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, e := range m.events {
		if e.SessionID == sessionID {
			delete(m.events, id)
		}
	}
	for id, s := range m.spans {
		if s.SessionID == sessionID {
			delete(m.spans, id)
		}
	}
	for id, a := range m.attachments {
		if a.SessionID == sessionID {
			delete(m.attachments, id)
		}
	}
	delete(m.sessions, sessionID)
	return nil
}

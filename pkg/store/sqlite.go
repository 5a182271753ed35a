package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/beacon-sh/beacon/pkg/signal"
)

// SQLiteStore implements Store on top of a single SQLite database.
type SQLiteStore struct {
	db *sql.DB

	// Event types exported even from sessions not marked for reporting.
	allowedTypes []string
}

// NewSQLiteStore opens (or creates) the database at dbPath and initializes
// the schema. The dbPath can be ":memory:" for tests. allowedTypes lists
// event types exported regardless of session reporting state.
func NewSQLiteStore(dbPath string, allowedTypes ...string) (*SQLiteStore, error) {
	db, err := sql.Open(driverName, dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// A single connection serializes all store access, which is the
	// concurrency contract the pipeline relies on, and keeps ":memory:"
	// databases coherent across calls.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, allowedTypes: allowedTypes}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	if _, err := s.db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return err
	}

	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		pid INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		needs_reporting INTEGER NOT NULL DEFAULT 0,
		crashed INTEGER NOT NULL DEFAULT 0,
		priority INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_created_at ON sessions(created_at);
	CREATE INDEX IF NOT EXISTS idx_sessions_needs_reporting ON sessions(needs_reporting);

	CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		type TEXT NOT NULL,
		user_triggered INTEGER NOT NULL DEFAULT 0,
		serialized_data TEXT,
		serialized_data_file_path TEXT,
		attachments TEXT,
		attributes TEXT,
		user_defined_attributes TEXT,
		attachment_size INTEGER NOT NULL DEFAULT 0,
		batch_id TEXT,
		needs_reporting INTEGER NOT NULL DEFAULT 1,
		FOREIGN KEY (session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp);
	CREATE INDEX IF NOT EXISTS idx_events_session_id ON events(session_id);
	CREATE INDEX IF NOT EXISTS idx_events_batch_id ON events(batch_id);

	CREATE TABLE IF NOT EXISTS spans (
		span_id TEXT PRIMARY KEY,
		trace_id TEXT NOT NULL,
		parent_id TEXT,
		session_id TEXT NOT NULL,
		name TEXT NOT NULL,
		start_time INTEGER NOT NULL,
		end_time INTEGER NOT NULL,
		duration INTEGER NOT NULL,
		status INTEGER NOT NULL DEFAULT 0,
		attributes TEXT,
		user_defined_attributes TEXT,
		checkpoints TEXT,
		sampled INTEGER NOT NULL DEFAULT 0,
		batch_id TEXT,
		FOREIGN KEY (session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_spans_start_time ON spans(start_time);
	CREATE INDEX IF NOT EXISTS idx_spans_session_id ON spans(session_id);
	CREATE INDEX IF NOT EXISTS idx_spans_batch_id ON spans(batch_id);

	CREATE TABLE IF NOT EXISTS attachments (
		id TEXT PRIMARY KEY,
		event_id TEXT,
		session_id TEXT NOT NULL,
		name TEXT NOT NULL,
		type TEXT NOT NULL,
		file_path TEXT,
		bytes BLOB,
		upload_url TEXT,
		expires_at INTEGER NOT NULL DEFAULT 0,
		headers TEXT,
		FOREIGN KEY (event_id) REFERENCES events(id) ON DELETE SET NULL
	);

	CREATE INDEX IF NOT EXISTS idx_attachments_event_id ON attachments(event_id);
	CREATE INDEX IF NOT EXISTS idx_attachments_session_id ON attachments(session_id);

	CREATE TABLE IF NOT EXISTS batches (
		batch_id TEXT PRIMARY KEY,
		created_at INTEGER NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close releases database resources.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ========================================================================
// Events
// ========================================================================

// InsertEvent writes a single event. Attachments are inserted separately via
// InsertAttachment.
func (s *SQLiteStore) InsertEvent(ctx context.Context, event *signal.Event) error {
	return insertEvent(ctx, s.db, event)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertEvent(ctx context.Context, db execer, event *signal.Event) error {
	query := `
		INSERT INTO events (id, session_id, timestamp, type, user_triggered,
			serialized_data, serialized_data_file_path, attachments, attributes,
			user_defined_attributes, attachment_size, batch_id, needs_reporting)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := db.ExecContext(ctx, query,
		event.ID,
		event.SessionID,
		event.Timestamp,
		string(event.Type),
		boolToInt(event.UserTriggered),
		nullRaw(event.Data),
		nullString(event.DataFilePath),
		nullRaw(event.Attachments),
		nullRaw(event.Attributes),
		nullRaw(event.UserDefined),
		event.AttachmentSize,
		nullString(event.BatchID),
		boolToInt(event.NeedsReporting),
	)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

func insertSpan(ctx context.Context, db execer, span *signal.Span) error {
	query := `
		INSERT INTO spans (span_id, trace_id, parent_id, session_id, name,
			start_time, end_time, duration, status, attributes,
			user_defined_attributes, checkpoints, sampled, batch_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := db.ExecContext(ctx, query,
		span.SpanID,
		span.TraceID,
		nullString(span.ParentID),
		span.SessionID,
		span.Name,
		span.StartTime,
		span.EndTime,
		span.Duration,
		int(span.Status),
		nullRaw(span.Attributes),
		nullRaw(span.UserDefined),
		nullRaw(span.Checkpoints),
		boolToInt(span.Sampled),
		nullString(span.BatchID),
	)
	if err != nil {
		return fmt.Errorf("failed to insert span: %w", err)
	}
	return nil
}

// InsertSignals writes buffered events and spans in one transaction so a
// crash mid-flush loses or keeps them as a group.
func (s *SQLiteStore) InsertSignals(ctx context.Context, events []*signal.Event, spans []*signal.Span) error {
	if len(events) == 0 && len(spans) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, event := range events {
		if err := insertEvent(ctx, tx, event); err != nil {
			return err
		}
	}
	for _, span := range spans {
		if err := insertSpan(ctx, tx, span); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// UnbatchedEvents returns events not yet claimed by a batch, oldest first.
// Without a session scope, events from priority sessions sort first, and
// only reporting sessions (or allow-listed event types) are considered.
func (s *SQLiteStore) UnbatchedEvents(ctx context.Context, limit int, sessionID string) ([]UnbatchedEvent, error) {
	var (
		query string
		args  []any
	)

	if sessionID != "" {
		query = `
			SELECT e.id, e.session_id, e.attachment_size
			FROM events e
			WHERE e.batch_id IS NULL
			AND e.needs_reporting = 1
			AND e.session_id = ?
			ORDER BY e.timestamp ASC, e.id ASC
			LIMIT ?
		`
		args = []any{sessionID, limit}
	} else {
		typeFilter := "0"
		if len(s.allowedTypes) > 0 {
			typeFilter = fmt.Sprintf("e.type IN (%s)", placeholders(len(s.allowedTypes)))
			for _, t := range s.allowedTypes {
				args = append(args, t)
			}
		}
		query = fmt.Sprintf(`
			SELECT e.id, e.session_id, e.attachment_size
			FROM events e
			JOIN sessions s ON e.session_id = s.session_id
			WHERE e.batch_id IS NULL
			AND e.needs_reporting = 1
			AND (s.needs_reporting = 1 OR %s)
			ORDER BY s.priority DESC, e.timestamp ASC, e.id ASC
			LIMIT ?
		`, typeFilter)
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query unbatched events: %w", err)
	}
	defer rows.Close()

	var events []UnbatchedEvent
	for rows.Next() {
		var e UnbatchedEvent
		if err := rows.Scan(&e.ID, &e.SessionID, &e.AttachmentSize); err != nil {
			return nil, fmt.Errorf("failed to scan unbatched event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// EventsByID fetches full event rows for the given ids, ordered by timestamp
// ascending.
func (s *SQLiteStore) EventsByID(ctx context.Context, ids []string) ([]*signal.Event, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	query := fmt.Sprintf(`
		SELECT id, session_id, timestamp, type, user_triggered,
			serialized_data, serialized_data_file_path, attachments, attributes,
			user_defined_attributes, attachment_size, batch_id, needs_reporting
		FROM events
		WHERE id IN (%s)
		ORDER BY timestamp ASC, id ASC
	`, placeholders(len(ids)))

	rows, err := s.db.QueryContext(ctx, query, toAnySlice(ids)...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []*signal.Event
	for rows.Next() {
		var (
			event         signal.Event
			eventType     string
			userTriggered int
			data          sql.NullString
			dataPath      sql.NullString
			attachments   sql.NullString
			attributes    sql.NullString
			userDefined   sql.NullString
			batchID       sql.NullString
			needsReport   int
		)
		err := rows.Scan(
			&event.ID,
			&event.SessionID,
			&event.Timestamp,
			&eventType,
			&userTriggered,
			&data,
			&dataPath,
			&attachments,
			&attributes,
			&userDefined,
			&event.AttachmentSize,
			&batchID,
			&needsReport,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		event.Type = signal.EventType(eventType)
		event.UserTriggered = userTriggered != 0
		event.Data = rawOrNil(data)
		event.DataFilePath = data2str(dataPath)
		event.Attachments = rawOrNil(attachments)
		event.Attributes = rawOrNil(attributes)
		event.UserDefined = rawOrNil(userDefined)
		event.BatchID = data2str(batchID)
		event.NeedsReporting = needsReport != 0
		events = append(events, &event)
	}
	return events, rows.Err()
}

// DeleteEvents removes the given events. Attachments referencing them are
// orphaned (event_id cleared), not deleted, so pending uploads survive.
func (s *SQLiteStore) DeleteEvents(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	query := fmt.Sprintf("DELETE FROM events WHERE id IN (%s)", placeholders(len(ids)))
	if _, err := s.db.ExecContext(ctx, query, toAnySlice(ids)...); err != nil {
		return fmt.Errorf("failed to delete events: %w", err)
	}
	return nil
}

// EventCount returns the total number of stored events.
func (s *SQLiteStore) EventCount(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM events").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return count, nil
}

// ========================================================================
// Spans
// ========================================================================

func (s *SQLiteStore) InsertSpan(ctx context.Context, span *signal.Span) error {
	return insertSpan(ctx, s.db, span)
}

// UnbatchedSpans returns span ids not yet claimed by a batch, ordered by end
// time ascending. Only sampled spans are returned.
func (s *SQLiteStore) UnbatchedSpans(ctx context.Context, limit int) ([]string, error) {
	query := `
		SELECT span_id FROM spans
		WHERE batch_id IS NULL AND sampled = 1
		ORDER BY start_time ASC, span_id ASC
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query unbatched spans: %w", err)
	}
	defer rows.Close()
	return scanStrings(rows)
}

// SpansByID fetches full span rows for the given ids, ordered by end time
// ascending.
func (s *SQLiteStore) SpansByID(ctx context.Context, ids []string) ([]*signal.Span, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	query := fmt.Sprintf(`
		SELECT span_id, trace_id, parent_id, session_id, name,
			start_time, end_time, duration, status, attributes,
			user_defined_attributes, checkpoints, sampled, batch_id
		FROM spans
		WHERE span_id IN (%s)
		ORDER BY start_time ASC, span_id ASC
	`, placeholders(len(ids)))

	rows, err := s.db.QueryContext(ctx, query, toAnySlice(ids)...)
	if err != nil {
		return nil, fmt.Errorf("failed to query spans: %w", err)
	}
	defer rows.Close()

	var spans []*signal.Span
	for rows.Next() {
		var (
			span        signal.Span
			parentID    sql.NullString
			status      int
			attributes  sql.NullString
			userDefined sql.NullString
			checkpoints sql.NullString
			sampled     int
			batchID     sql.NullString
		)
		err := rows.Scan(
			&span.SpanID,
			&span.TraceID,
			&parentID,
			&span.SessionID,
			&span.Name,
			&span.StartTime,
			&span.EndTime,
			&span.Duration,
			&status,
			&attributes,
			&userDefined,
			&checkpoints,
			&sampled,
			&batchID,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan span: %w", err)
		}
		span.ParentID = data2str(parentID)
		span.Status = signal.SpanStatus(status)
		span.Attributes = rawOrNil(attributes)
		span.UserDefined = rawOrNil(userDefined)
		span.Checkpoints = rawOrNil(checkpoints)
		span.Sampled = sampled != 0
		span.BatchID = data2str(batchID)
		spans = append(spans, &span)
	}
	return spans, rows.Err()
}

func (s *SQLiteStore) DeleteSpans(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	query := fmt.Sprintf("DELETE FROM spans WHERE span_id IN (%s)", placeholders(len(ids)))
	if _, err := s.db.ExecContext(ctx, query, toAnySlice(ids)...); err != nil {
		return fmt.Errorf("failed to delete spans: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SpanCount(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM spans").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count spans: %w", err)
	}
	return count, nil
}

// ========================================================================
// Batches
// ========================================================================

// InsertBatch persists the batch row and stamps member signals in one
// transaction. If any member already belongs to another batch the whole
// insert rolls back with ErrBatchConflict, preserving the invariant that a
// signal is never in two batches.
func (s *SQLiteStore) InsertBatch(ctx context.Context, batch *signal.Batch) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		"INSERT INTO batches (batch_id, created_at) VALUES (?, ?)",
		batch.ID, batch.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert batch: %w", err)
	}

	if len(batch.EventIDs) > 0 {
		query := fmt.Sprintf(
			"UPDATE events SET batch_id = ? WHERE id IN (%s) AND batch_id IS NULL",
			placeholders(len(batch.EventIDs)),
		)
		args := append([]any{batch.ID}, toAnySlice(batch.EventIDs)...)
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("failed to stamp events: %w", err)
		}
		if n, _ := res.RowsAffected(); n != int64(len(batch.EventIDs)) {
			return ErrBatchConflict
		}
	}

	if len(batch.SpanIDs) > 0 {
		query := fmt.Sprintf(
			"UPDATE spans SET batch_id = ? WHERE span_id IN (%s) AND batch_id IS NULL",
			placeholders(len(batch.SpanIDs)),
		)
		args := append([]any{batch.ID}, toAnySlice(batch.SpanIDs)...)
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("failed to stamp spans: %w", err)
		}
		if n, _ := res.RowsAffected(); n != int64(len(batch.SpanIDs)) {
			return ErrBatchConflict
		}
	}

	return tx.Commit()
}

// Batches returns all batches oldest first with their member ids in
// timestamp order.
func (s *SQLiteStore) Batches(ctx context.Context) ([]*signal.Batch, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT batch_id, created_at FROM batches ORDER BY created_at ASC, batch_id ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to query batches: %w", err)
	}
	defer rows.Close()

	var batches []*signal.Batch
	for rows.Next() {
		var b signal.Batch
		if err := rows.Scan(&b.ID, &b.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan batch: %w", err)
		}
		batches = append(batches, &b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, b := range batches {
		b.EventIDs, err = s.batchMemberIDs(ctx,
			"SELECT id FROM events WHERE batch_id = ? ORDER BY timestamp ASC, id ASC", b.ID)
		if err != nil {
			return nil, err
		}
		b.SpanIDs, err = s.batchMemberIDs(ctx,
			"SELECT span_id FROM spans WHERE batch_id = ? ORDER BY start_time ASC, span_id ASC", b.ID)
		if err != nil {
			return nil, err
		}
	}
	return batches, nil
}

func (s *SQLiteStore) batchMemberIDs(ctx context.Context, query, batchID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to query batch members: %w", err)
	}
	defer rows.Close()
	return scanStrings(rows)
}

// DeleteBatch removes the batch record and the given member signals as one
// atomic group.
func (s *SQLiteStore) DeleteBatch(ctx context.Context, batchID string, eventIDs, spanIDs []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if len(eventIDs) > 0 {
		query := fmt.Sprintf("DELETE FROM events WHERE id IN (%s)", placeholders(len(eventIDs)))
		if _, err := tx.ExecContext(ctx, query, toAnySlice(eventIDs)...); err != nil {
			return fmt.Errorf("failed to delete batch events: %w", err)
		}
	}
	if len(spanIDs) > 0 {
		query := fmt.Sprintf("DELETE FROM spans WHERE span_id IN (%s)", placeholders(len(spanIDs)))
		if _, err := tx.ExecContext(ctx, query, toAnySlice(spanIDs)...); err != nil {
			return fmt.Errorf("failed to delete batch spans: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM batches WHERE batch_id = ?", batchID); err != nil {
		return fmt.Errorf("failed to delete batch: %w", err)
	}

	return tx.Commit()
}

// ========================================================================
// Attachments
// ========================================================================

func (s *SQLiteStore) InsertAttachment(ctx context.Context, attachment *signal.Attachment) error {
	var headersJSON []byte
	if attachment.Headers != nil {
		var err error
		headersJSON, err = json.Marshal(attachment.Headers)
		if err != nil {
			return fmt.Errorf("failed to marshal attachment headers: %w", err)
		}
	}

	query := `
		INSERT INTO attachments (id, event_id, session_id, name, type,
			file_path, bytes, upload_url, expires_at, headers)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		attachment.ID,
		nullString(attachment.EventID),
		attachment.SessionID,
		attachment.Name,
		string(attachment.Type),
		nullString(attachment.Path),
		attachment.Bytes,
		nullString(attachment.UploadURL),
		attachment.ExpiresAt,
		nullRaw(headersJSON),
	)
	if err != nil {
		return fmt.Errorf("failed to insert attachment: %w", err)
	}
	return nil
}

// UpdateAttachmentURLs records signed upload URLs returned by the backend.
// Ids with no local row are skipped: the attachment may have been evicted by
// cleanup while the batch was in flight, and one stale id must not cost the
// surviving attachments their URLs.
func (s *SQLiteStore) UpdateAttachmentURLs(ctx context.Context, signed []signal.SignedAttachment) error {
	if len(signed) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, sa := range signed {
		headersJSON, err := json.Marshal(sa.Headers)
		if err != nil {
			return fmt.Errorf("failed to marshal attachment headers: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			"UPDATE attachments SET upload_url = ?, expires_at = ?, headers = ? WHERE id = ?",
			sa.UploadURL, sa.ExpiresAt, string(headersJSON), sa.ID,
		)
		if err != nil {
			return fmt.Errorf("failed to update attachment %s: %w", sa.ID, err)
		}
	}

	return tx.Commit()
}

// AttachmentsToUpload returns attachments holding a signed URL that has not
// expired as of now, oldest insertion first.
func (s *SQLiteStore) AttachmentsToUpload(ctx context.Context, limit int, now int64) ([]*signal.Attachment, error) {
	query := `
		SELECT id, event_id, session_id, name, type, file_path, bytes,
			upload_url, expires_at, headers
		FROM attachments
		WHERE upload_url IS NOT NULL
		AND (expires_at = 0 OR expires_at > ?)
		ORDER BY rowid ASC
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query attachments to upload: %w", err)
	}
	defer rows.Close()
	return scanAttachments(rows)
}

func (s *SQLiteStore) ExpiredAttachments(ctx context.Context, now int64) ([]*signal.Attachment, error) {
	query := `
		SELECT id, event_id, session_id, name, type, file_path, bytes,
			upload_url, expires_at, headers
		FROM attachments
		WHERE upload_url IS NOT NULL
		AND expires_at != 0
		AND expires_at <= ?
		ORDER BY rowid ASC
	`
	rows, err := s.db.QueryContext(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("failed to query expired attachments: %w", err)
	}
	defer rows.Close()
	return scanAttachments(rows)
}

func scanAttachments(rows *sql.Rows) ([]*signal.Attachment, error) {
	var attachments []*signal.Attachment
	for rows.Next() {
		var (
			a         signal.Attachment
			eventID   sql.NullString
			attType   string
			filePath  sql.NullString
			uploadURL sql.NullString
			headers   sql.NullString
		)
		err := rows.Scan(
			&a.ID,
			&eventID,
			&a.SessionID,
			&a.Name,
			&attType,
			&filePath,
			&a.Bytes,
			&uploadURL,
			&a.ExpiresAt,
			&headers,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan attachment: %w", err)
		}
		a.EventID = data2str(eventID)
		a.Type = signal.AttachmentType(attType)
		a.Path = data2str(filePath)
		a.UploadURL = data2str(uploadURL)
		if headers.Valid && headers.String != "" {
			if err := json.Unmarshal([]byte(headers.String), &a.Headers); err != nil {
				return nil, fmt.Errorf("failed to unmarshal attachment headers: %w", err)
			}
		}
		attachments = append(attachments, &a)
	}
	return attachments, rows.Err()
}

// AttachmentsForEvents returns attachments for the given events that still
// have a local payload (inline bytes or an on-disk file).
func (s *SQLiteStore) AttachmentsForEvents(ctx context.Context, eventIDs []string) ([]*signal.Attachment, error) {
	if len(eventIDs) == 0 {
		return nil, nil
	}

	query := fmt.Sprintf(`
		SELECT id, event_id, session_id, name, type, file_path, bytes,
			upload_url, expires_at, headers
		FROM attachments
		WHERE event_id IN (%s)
		AND (bytes IS NOT NULL OR file_path IS NOT NULL)
		ORDER BY rowid ASC
	`, placeholders(len(eventIDs)))

	rows, err := s.db.QueryContext(ctx, query, toAnySlice(eventIDs)...)
	if err != nil {
		return nil, fmt.Errorf("failed to query event attachments: %w", err)
	}
	defer rows.Close()
	return scanAttachments(rows)
}

func (s *SQLiteStore) DeleteAttachments(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	query := fmt.Sprintf("DELETE FROM attachments WHERE id IN (%s)", placeholders(len(ids)))
	if _, err := s.db.ExecContext(ctx, query, toAnySlice(ids)...); err != nil {
		return fmt.Errorf("failed to delete attachments: %w", err)
	}
	return nil
}

// ========================================================================
// Sessions
// ========================================================================

func (s *SQLiteStore) InsertSession(ctx context.Context, session *signal.Session) error {
	query := `
		INSERT OR REPLACE INTO sessions (session_id, pid, created_at,
			needs_reporting, crashed, priority)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		session.ID,
		session.PID,
		session.CreatedAt,
		boolToInt(session.NeedsReporting),
		boolToInt(session.Crashed),
		boolToInt(session.Priority),
	)
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) MarkSessionCrashed(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE sessions SET crashed = 1, needs_reporting = 1, priority = 1 WHERE session_id = ?",
		sessionID)
	if err != nil {
		return fmt.Errorf("failed to mark session crashed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) MarkSessionWithBugReport(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE sessions SET needs_reporting = 1, priority = 1 WHERE session_id = ?",
		sessionID)
	if err != nil {
		return fmt.Errorf("failed to mark session with bug report: %w", err)
	}
	return nil
}

func (s *SQLiteStore) OldestSessionID(ctx context.Context) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		"SELECT session_id FROM sessions ORDER BY created_at ASC, session_id ASC LIMIT 1").Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to query oldest session: %w", err)
	}
	return id, nil
}

func (s *SQLiteStore) SessionsNotReporting(ctx context.Context, excludeID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT session_id FROM sessions WHERE needs_reporting = 0 AND session_id != ? ORDER BY created_at ASC",
		excludeID)
	if err != nil {
		return nil, fmt.Errorf("failed to query non-reporting sessions: %w", err)
	}
	defer rows.Close()
	return scanStrings(rows)
}

// DeleteSessionData removes the session row and all of its events, spans and
// attachments in one transaction. Attachments are deleted outright here: an
// evicted session's uploads are abandoned along with its signals.
func (s *SQLiteStore) DeleteSessionData(ctx context.Context, sessionID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM attachments WHERE session_id = ?", sessionID); err != nil {
		return fmt.Errorf("failed to delete session attachments: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM events WHERE session_id = ?", sessionID); err != nil {
		return fmt.Errorf("failed to delete session events: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM spans WHERE session_id = ?", sessionID); err != nil {
		return fmt.Errorf("failed to delete session spans: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM sessions WHERE session_id = ?", sessionID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	return tx.Commit()
}

// ========================================================================
// Helpers
// ========================================================================

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func toAnySlice(ids []string) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

func scanStrings(rows *sql.Rows) ([]string, error) {
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func data2str(ns sql.NullString) string {
	if !ns.Valid {
		return ""
	}
	return ns.String
}

// Package signal defines the telemetry data model: events, spans, attachments,
// batches and sessions as they are stored on device and shipped to the backend.
package signal

import "encoding/json"

// EventType identifies the kind of payload an event carries. The value is
// also the JSON key under which the type-specific payload is serialized on
// the wire.
type EventType string

const (
	TypeException     EventType = "exception"
	TypeANR           EventType = "anr"
	TypeGestureClick  EventType = "gesture_click"
	TypeGestureScroll EventType = "gesture_scroll"
	TypeLifecycleApp  EventType = "lifecycle_app"
	TypeColdLaunch    EventType = "cold_launch"
	TypeWarmLaunch    EventType = "warm_launch"
	TypeHotLaunch     EventType = "hot_launch"
	TypeHTTP          EventType = "http"
	TypeNetworkChange EventType = "network_change"
	TypeCPUUsage      EventType = "cpu_usage"
	TypeMemoryUsage   EventType = "memory_usage"
	TypeScreenView    EventType = "screen_view"
	TypeCustom        EventType = "custom"
	TypeBugReport     EventType = "bug_report"
	TypeSessionStart  EventType = "session_start"
)

// IsCrash reports whether the event type represents an unhandled failure.
// Crash events bypass in-memory buffering and mark their session as a
// priority session for export ordering.
func (t EventType) IsCrash() bool {
	return t == TypeException || t == TypeANR
}

// Event is a single captured signal. Payload, attributes and attachment
// references are kept serialized: the pipeline moves them between the store
// and the wire without interpreting them.
type Event struct {
	ID            string
	SessionID     string
	Timestamp     int64 // unix millis, monotonic-derived
	Type          EventType
	UserTriggered bool

	// Exactly one of Data and DataFilePath is set for events with a payload.
	// Payloads above the configured inline ceiling are offloaded to disk.
	Data         json.RawMessage
	DataFilePath string

	Attachments    json.RawMessage
	Attributes     json.RawMessage
	UserDefined    json.RawMessage
	AttachmentSize int64

	// BatchID is empty until the event is claimed by a batch.
	BatchID        string
	NeedsReporting bool
}

// SpanStatus mirrors the OTel span status codes.
type SpanStatus int

const (
	SpanStatusUnset SpanStatus = 0
	SpanStatusOK    SpanStatus = 1
	SpanStatusError SpanStatus = 2
)

// Span is a timed operation. Spans that are not sampled at close time are
// never stored.
type Span struct {
	SpanID    string
	TraceID   string
	ParentID  string
	SessionID string
	Name      string
	StartTime int64
	EndTime   int64
	Duration  int64
	Status    SpanStatus

	Attributes  json.RawMessage
	UserDefined json.RawMessage
	Checkpoints json.RawMessage

	Sampled bool
	BatchID string
}

// Checkpoint is a named timestamp within a span.
type Checkpoint struct {
	Name      string `json:"name"`
	Timestamp int64  `json:"timestamp"`
}

// AttachmentType distinguishes attachment payloads; it determines the
// Content-Type used when uploading to a signed URL.
type AttachmentType string

const (
	AttachmentScreenshot     AttachmentType = "screenshot"
	AttachmentLayoutSnapshot AttachmentType = "layout_snapshot"
)

// Attachment is a binary payload tied to an event. It outlives its owning
// event: deleting the event orphans the attachment (EventID cleared) so a
// pending upload can still complete.
type Attachment struct {
	ID        string
	EventID   string // empty once the owning event is deleted
	SessionID string
	Name      string
	Type      AttachmentType

	// One of Path (on-disk) or Bytes (inline) holds the payload.
	Path  string
	Bytes []byte

	// Upload metadata, populated after the owning event's batch export
	// returns a signed URL.
	UploadURL string
	ExpiresAt int64 // unix millis, 0 when unknown
	Headers   map[string]string
}

// SignedAttachment is the per-attachment upload metadata returned by the
// backend in a successful /events response.
type SignedAttachment struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	Filename  string            `json:"filename"`
	UploadURL string            `json:"upload_url"`
	ExpiresAt int64             `json:"expires_at"`
	Headers   map[string]string `json:"headers"`
}

// EventsResponse is the body of a successful /events export.
type EventsResponse struct {
	Attachments []SignedAttachment `json:"attachments"`
}

// Batch is a durable grouping of signal ids submitted together in one HTTP
// request. Member id lists preserve insertion order and are disjoint across
// batches at all times.
type Batch struct {
	ID        string
	EventIDs  []string
	SpanIDs   []string
	CreatedAt int64
}

// Session is one app run on a device. Sessions are the unit of eviction for
// cleanup and the unit of priority ordering for export.
type Session struct {
	ID        string
	PID       int
	CreatedAt int64

	// NeedsReporting is false for sessions that will never be exported,
	// e.g. error-free sessions sampled out.
	NeedsReporting bool
	Crashed        bool

	// Priority marks sessions containing a crash or bug report; they are
	// drained ahead of ordinary sessions.
	Priority bool
}

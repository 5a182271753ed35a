package exporter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/beacon-sh/beacon/pkg/signal"
)

// A fixed boundary keeps the request body byte-identical across redirect
// replays of the same batch.
const formBoundary = "beacon-3a1f0b6c9d2e"

// NetworkClient serializes batches into multipart requests and sends them,
// and uploads attachment bytes to signed URLs.
type NetworkClient struct {
	http    *HTTPClient
	baseURL string
	apiKey  string
	logger  *slog.Logger
}

// NewNetworkClient builds a NetworkClient. baseURL has no trailing slash.
func NewNetworkClient(httpClient *HTTPClient, baseURL, apiKey string, logger *slog.Logger) *NetworkClient {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &NetworkClient{
		http:    httpClient,
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		logger:  logger,
	}
}

// ExecuteBatch transmits one batch. attachments carries the batch events'
// attachments that still hold local bytes; they ride along as file parts.
// The msr-req-id header carries the batch id so the backend can dedupe
// replays of the same batch.
func (n *NetworkClient) ExecuteBatch(ctx context.Context, batchID string, events []*signal.Event, spans []*signal.Span, attachments []*signal.Attachment) Response {
	body, contentType, err := n.buildMultipartBody(events, spans, attachments)
	if err != nil {
		return Response{Kind: ResponseUnknown, Err: err}
	}

	headers := map[string]string{
		"Authorization": "Bearer " + n.apiKey,
		"msr-req-id":    batchID,
		"Content-Type":  contentType,
	}

	return n.http.Send(ctx, http.MethodPut, n.baseURL+"/events", headers, body)
}

func (n *NetworkClient) buildMultipartBody(events []*signal.Event, spans []*signal.Span, attachments []*signal.Attachment) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := w.SetBoundary(formBoundary); err != nil {
		return nil, "", fmt.Errorf("failed to set multipart boundary: %w", err)
	}

	for _, event := range events {
		payload, err := serializeEvent(event)
		if err != nil {
			// A single malformed event must not sink the whole batch.
			n.logger.Error("skipping unserializable event",
				"event_id", event.ID, "type", event.Type, "error", err)
			continue
		}
		if err := w.WriteField("event", string(payload)); err != nil {
			return nil, "", fmt.Errorf("failed to write event field: %w", err)
		}
	}

	for _, span := range spans {
		payload, err := serializeSpan(span)
		if err != nil {
			n.logger.Error("skipping unserializable span",
				"span_id", span.SpanID, "name", span.Name, "error", err)
			continue
		}
		if err := w.WriteField("span", string(payload)); err != nil {
			return nil, "", fmt.Errorf("failed to write span field: %w", err)
		}
	}

	for _, a := range attachments {
		data := a.Bytes
		if len(data) == 0 && a.Path != "" {
			var err error
			data, err = os.ReadFile(a.Path)
			if err != nil {
				n.logger.Error("skipping unreadable attachment",
					"attachment_id", a.ID, "path", a.Path, "error", err)
				continue
			}
		}
		if len(data) == 0 {
			continue
		}
		part, err := w.CreateFormFile("blob-"+a.ID, a.Name)
		if err != nil {
			return nil, "", fmt.Errorf("failed to create attachment part: %w", err)
		}
		if _, err := part.Write(data); err != nil {
			return nil, "", fmt.Errorf("failed to write attachment part: %w", err)
		}
	}

	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to finalize multipart body: %w", err)
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

// serializeEvent renders the wire JSON for one event. The type-specific
// payload nests under a key named after the event type. Payloads offloaded
// to disk are read back here.
func serializeEvent(event *signal.Event) ([]byte, error) {
	data := event.Data
	if len(data) == 0 && event.DataFilePath != "" {
		loaded, err := os.ReadFile(event.DataFilePath)
		if err != nil {
			return nil, fmt.Errorf("failed to load offloaded payload: %w", err)
		}
		data = loaded
	}

	m := map[string]any{
		"id":             event.ID,
		"session_id":     event.SessionID,
		"user_triggered": event.UserTriggered,
		"timestamp":      event.Timestamp,
		"type":           string(event.Type),
	}
	if len(data) > 0 {
		m[string(event.Type)] = json.RawMessage(data)
	}
	if len(event.Attachments) > 0 {
		m["attachments"] = json.RawMessage(event.Attachments)
	}
	if len(event.Attributes) > 0 {
		m["attribute"] = json.RawMessage(event.Attributes)
	}
	if len(event.UserDefined) > 0 {
		m["user_defined_attribute"] = json.RawMessage(event.UserDefined)
	}
	return json.Marshal(m)
}

type spanPayload struct {
	Name        string          `json:"name"`
	TraceID     string          `json:"trace_id"`
	SpanID      string          `json:"span_id"`
	ParentID    string          `json:"parent_id,omitempty"`
	SessionID   string          `json:"session_id"`
	StartTime   int64           `json:"start_time"`
	EndTime     int64           `json:"end_time"`
	Duration    int64           `json:"duration"`
	Status      int             `json:"status"`
	Attributes  json.RawMessage `json:"attributes,omitempty"`
	UserDefined json.RawMessage `json:"user_defined_attribute,omitempty"`
	Checkpoints json.RawMessage `json:"checkpoints,omitempty"`
}

func serializeSpan(span *signal.Span) ([]byte, error) {
	return json.Marshal(spanPayload{
		Name:        span.Name,
		TraceID:     span.TraceID,
		SpanID:      span.SpanID,
		ParentID:    span.ParentID,
		SessionID:   span.SessionID,
		StartTime:   span.StartTime,
		EndTime:     span.EndTime,
		Duration:    span.Duration,
		Status:      int(span.Status),
		Attributes:  span.Attributes,
		UserDefined: span.UserDefined,
		Checkpoints: span.Checkpoints,
	})
}

// ParseEventsResponse extracts attachment upload metadata from a successful
// batch response body. An empty or unparseable body yields no attachments.
func ParseEventsResponse(body []byte) []signal.SignedAttachment {
	if len(body) == 0 {
		return nil
	}
	var resp signal.EventsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil
	}
	return resp.Attachments
}

// UploadAttachment sends attachment bytes to its signed URL with the content
// type derived from the attachment kind and file extension, plus any
// server-issued headers.
func (n *NetworkClient) UploadAttachment(ctx context.Context, a *signal.Attachment) Response {
	data := a.Bytes
	if len(data) == 0 && a.Path != "" {
		loaded, err := os.ReadFile(a.Path)
		if err != nil {
			return Response{Kind: ResponseClientError, Err: fmt.Errorf("failed to read attachment: %w", err)}
		}
		data = loaded
	}

	headers := map[string]string{
		"Content-Type": attachmentContentType(a),
	}
	for k, v := range a.Headers {
		headers[k] = v
	}

	return n.http.Send(ctx, http.MethodPut, a.UploadURL, headers, data)
}

func attachmentContentType(a *signal.Attachment) string {
	if a.Type == signal.AttachmentLayoutSnapshot {
		return "image/svg+xml"
	}
	switch strings.ToLower(filepath.Ext(a.Name)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".webp":
		return "image/webp"
	default:
		return "image/png"
	}
}

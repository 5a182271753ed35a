// Package exporter moves persisted telemetry off the device: it groups
// unbatched signals into batches, ships them over multipart HTTP and uploads
// attachment blobs to signed URLs, with disposition driven by the backend's
// response class.
package exporter

import "fmt"

// ResponseKind classifies an export attempt's outcome. The kind, not the raw
// status code, drives what happens to the batch afterwards.
type ResponseKind int

const (
	// ResponseSuccess covers 2xx: the batch was accepted and can be deleted.
	ResponseSuccess ResponseKind = iota

	// ResponseRateLimited is 429: back off, keep the batch.
	ResponseRateLimited

	// ResponseClientError covers remaining 4xx: the payload will never be
	// accepted, delete the batch to stop retrying it forever.
	ResponseClientError

	// ResponseServerError covers 5xx: transient on the backend side, keep
	// the batch for a later attempt.
	ResponseServerError

	// ResponseUnknown is anything else, including transport failures after
	// retries are exhausted. Treated like a server error: keep the batch.
	ResponseUnknown
)

func (k ResponseKind) String() string {
	switch k {
	case ResponseSuccess:
		return "success"
	case ResponseRateLimited:
		return "rate_limited"
	case ResponseClientError:
		return "client_error"
	case ResponseServerError:
		return "server_error"
	default:
		return "unknown"
	}
}

// Response is the classified result of a single HTTP exchange.
type Response struct {
	Kind       ResponseKind
	StatusCode int
	Body       []byte
	Err        error
}

// classifyStatus maps an HTTP status code to a ResponseKind.
func classifyStatus(status int) ResponseKind {
	switch {
	case status >= 200 && status <= 299:
		return ResponseSuccess
	case status == 429:
		return ResponseRateLimited
	case status >= 400 && status <= 499:
		return ResponseClientError
	case status >= 500 && status <= 599:
		return ResponseServerError
	default:
		return ResponseUnknown
	}
}

func (r Response) String() string {
	if r.Err != nil {
		return fmt.Sprintf("%s: %v", r.Kind, r.Err)
	}
	return fmt.Sprintf("%s (HTTP %d)", r.Kind, r.StatusCode)
}

package exporter

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"time"
)

const (
	maxRedirects      = 5
	maxRetries        = 3
	initialRetryDelay = 1 * time.Second
	backoffFactor     = 2.0
)

// HTTPClient performs the raw exchanges for the export pipeline. Transport
// failures are retried with exponential backoff and jitter; 307 and 308
// redirects are followed manually so the method and body survive the hop.
type HTTPClient struct {
	client *http.Client
	logger *slog.Logger

	// retryDelay is the initial backoff; overridable in tests.
	retryDelay time.Duration
}

// NewHTTPClient builds a client with the given per-request timeout. Automatic
// redirect following is disabled; this client decides itself which redirects
// to honor.
func NewHTTPClient(timeout time.Duration, logger *slog.Logger) *HTTPClient {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &HTTPClient{
		client: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger:     logger,
		retryDelay: initialRetryDelay,
	}
}

// Send issues the request and returns the classified response. The body must
// be fully materialized so it can be replayed across retries and redirects.
func (c *HTTPClient) Send(ctx context.Context, method, url string, headers map[string]string, body []byte) Response {
	var lastErr error
	delay := c.retryDelay

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			// Jitter: random value between 0.5x and 1.5x of delay.
			jitter := delay/2 + time.Duration(rand.Int63n(int64(delay)))
			select {
			case <-time.After(jitter):
			case <-ctx.Done():
				return Response{Kind: ResponseUnknown, Err: ctx.Err()}
			}
			delay = time.Duration(float64(delay) * backoffFactor)
		}

		resp, err := c.sendFollowingRedirects(ctx, method, url, headers, body)
		if err == nil {
			return resp
		}

		lastErr = err
		if ctx.Err() != nil {
			return Response{Kind: ResponseUnknown, Err: ctx.Err()}
		}
		c.logger.Debug("request failed, will retry",
			"url", url, "attempt", attempt, "error", err)
	}

	return Response{
		Kind: ResponseUnknown,
		Err:  fmt.Errorf("failed after %d retries: %w", maxRetries, lastErr),
	}
}

func (c *HTTPClient) sendFollowingRedirects(ctx context.Context, method, url string, headers map[string]string, body []byte) (Response, error) {
	target := url

	for hop := 0; hop <= maxRedirects; hop++ {
		req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(body))
		if err != nil {
			return Response{}, fmt.Errorf("failed to build request: %w", err)
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			return Response{}, fmt.Errorf("request failed: %w", err)
		}

		// Only 307 and 308 preserve the method and body; any other
		// redirect falls through to classification.
		if resp.StatusCode == http.StatusTemporaryRedirect || resp.StatusCode == http.StatusPermanentRedirect {
			location := resp.Header.Get("Location")
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			if location == "" {
				return Response{Kind: ResponseUnknown, StatusCode: resp.StatusCode}, nil
			}
			if hop == maxRedirects {
				return Response{
					Kind: ResponseUnknown,
					Err:  fmt.Errorf("stopped after %d redirects", maxRedirects),
				}, nil
			}
			c.logger.Debug("following redirect", "status", resp.StatusCode, "location", location)
			target = location
			continue
		}

		respBody, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close()
		if readErr != nil {
			respBody = nil
		}

		return Response{
			Kind:       classifyStatus(resp.StatusCode),
			StatusCode: resp.StatusCode,
			Body:       respBody,
		}, nil
	}

	return Response{Kind: ResponseUnknown, Err: fmt.Errorf("stopped after %d redirects", maxRedirects)}, nil
}

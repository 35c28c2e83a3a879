package bus

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPSink POSTs each event to a webhook endpoint. The receiver deduplicates
// on the Idempotency-Key header, which carries the event ID.
type HTTPSink struct {
	url       string
	authToken string
	client    *http.Client
}

var _ Sink = (*HTTPSink)(nil)

// HTTPOptions configure an [HTTPSink].
type HTTPOptions struct {
	URL       string
	AuthToken string
	// Timeout bounds each POST. Defaults to 5s.
	Timeout time.Duration
}

// NewHTTPSink creates a sink POSTing to opts.URL.
func NewHTTPSink(opts HTTPOptions) *HTTPSink {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	return &HTTPSink{
		url:       opts.URL,
		authToken: opts.AuthToken,
		client:    &http.Client{Timeout: opts.Timeout},
	}
}

// Publish POSTs the event payload. A 2xx response is success. 408 and 429
// are retryable; any other 4xx is permanent. 5xx and transport errors are
// retryable.
func (s *HTTPSink) Publish(ctx context.Context, e Event) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(e.Payload))
	if err != nil {
		return Permanent(fmt.Errorf("http sink: build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", e.EventID)
	req.Header.Set("X-Event-Topic", e.Topic)
	req.Header.Set("X-Event-Key", e.Key)
	for k, v := range e.Headers {
		req.Header.Set("X-Event-"+k, v)
	}
	if s.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+s.authToken)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("http sink: post %s: %w", s.url, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("http sink: %s responded %d", s.url, resp.StatusCode)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return Permanent(fmt.Errorf("http sink: %s responded %d", s.url, resp.StatusCode))
	default:
		return fmt.Errorf("http sink: %s responded %d", s.url, resp.StatusCode)
	}
}

// Close is a no-op; the HTTP client has no persistent resources to release.
func (s *HTTPSink) Close() error { return nil }

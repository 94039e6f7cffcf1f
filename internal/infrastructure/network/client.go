// Package network provides the single outbound transport primitive used for
// identity synchronization: send a GET, get a status code and body back.
package network

import (
	"context"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/AtRiskMedia/visitorid-go/internal/infrastructure/observability/logging"
)

// Response carries the status code and raw body of a completed request.
type Response struct {
	StatusCode int
	Body       []byte
}

// Success reports a 2xx status.
func (r *Response) Success() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// ClientError reports a 4xx status, treated as permanent by the hit queue.
func (r *Response) ClientError() bool {
	return r.StatusCode >= 400 && r.StatusCode < 500
}

// Client issues GET requests with fixed connect/read timeouts.
type Client struct {
	httpClient *http.Client
	logger     *logging.ChanneledLogger
}

// NewClient creates a client whose connect and overall request timeouts are
// both bounded by the given duration.
func NewClient(timeout time.Duration, logger *logging.ChanneledLogger) *Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: timeout,
		}).DialContext,
		ResponseHeaderTimeout: timeout,
	}

	return &Client{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   timeout,
		},
		logger: logger,
	}
}

// Get performs the request and returns the response, or an error on any
// transport-level failure. Non-2xx statuses are returned as responses, not
// errors; the caller decides retry semantics.
func (c *Client) Get(ctx context.Context, url string) (*Response, error) {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if c.logger != nil {
			c.logger.Network().Warn("Request failed", "error", err.Error(), "duration", time.Since(start))
		}
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		if c.logger != nil {
			c.logger.Network().Warn("Reading response body failed", "error", err.Error(), "status", resp.StatusCode)
		}
		return nil, err
	}

	if c.logger != nil {
		c.logger.Network().Debug("Request completed",
			"status", resp.StatusCode,
			"bodyBytes", len(body),
			"duration", time.Since(start),
		)
	}

	return &Response{StatusCode: resp.StatusCode, Body: body}, nil
}

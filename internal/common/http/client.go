// internal/common/http/client.go
package http

import (
	"context"
	"net/http"
	"time"

	"entitlement-delivery/internal/common/observability"

	"go.opentelemetry.io/otel/attribute"
)

// Client is the outbound HTTP client used for identity provider calls. Every
// request gets a client span carrying method, host and status.
type Client struct {
	httpClient *http.Client
}

func NewClient(timeout time.Duration) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

func (c *Client) Do(req *http.Request) (*http.Response, error) {
	return c.DoWithContext(req.Context(), req)
}

func (c *Client) DoWithContext(ctx context.Context, req *http.Request) (*http.Response, error) {
	ctx, span := observability.StartSpan(ctx, "http.client",
		attribute.String("http.method", req.Method),
		attribute.String("net.peer.name", req.URL.Host),
	)
	resp, err := c.httpClient.Do(req.WithContext(ctx))
	if err == nil {
		span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	}
	observability.EndSpan(span, err)
	return resp, err
}

// Package chat closes the buyer/seller conversation attached to an order
// once the order settles.
package chat

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gigmarket/orderflow/internal/retry"
)

// Client calls the chat service's teardown endpoint.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
	policy  retry.Policy
	logger  *slog.Logger
}

// NewClient creates a chat teardown client. token is sent as a bearer
// credential for service-to-service auth.
func NewClient(baseURL, token string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: 5 * time.Second},
		policy:  retry.DefaultPolicy,
		logger:  logger,
	}
}

// WithRetryPolicy overrides the retry policy.
func (c *Client) WithRetryPolicy(p retry.Policy) *Client {
	c.policy = p
	return c
}

// Teardown deletes the order's conversation. A conversation that is
// already gone counts as success.
func (c *Client) Teardown(ctx context.Context, orderID string) error {
	endpoint := fmt.Sprintf("%s/v1/conversations/by-order/%s", c.baseURL, url.PathEscape(orderID))
	return retry.Do(ctx, c.policy, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, nil)
		if err != nil {
			return retry.Permanent(err)
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		resp, err := c.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if resp.StatusCode == http.StatusNotFound {
			return nil
		}
		return retry.CheckStatus(resp.StatusCode, string(body))
	})
}

// Noop is used when no chat service is configured.
type Noop struct{}

func (Noop) Teardown(ctx context.Context, orderID string) error { return nil }

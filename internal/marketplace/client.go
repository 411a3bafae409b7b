// Package marketplace is the boundary client for the channel's order API:
// a detail endpoint with sub-resource expansion and a cursor-paginated list
// endpoint for the reconciliation sweep.
package marketplace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// ErrUpstream marks a transient marketplace failure (5xx or network). Callers
// see it only after bounded retries are exhausted.
var ErrUpstream = errors.New("marketplace upstream error")

// ErrNotFound is returned for a 404 on the detail endpoint.
var ErrNotFound = errors.New("order not found")

type Client struct {
	base        string
	apiKey      string
	httpClient  *http.Client
	limiter     *rate.Limiter
	maxAttempts int
}

type Options struct {
	Timeout     time.Duration
	MaxAttempts int
	RatePerSec  float64
	RateBurst   int
}

func NewClient(baseURL, apiKey string, opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 4
	}
	if opts.RatePerSec <= 0 {
		opts.RatePerSec = 10
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = 5
	}
	return &Client{
		base:        strings.TrimRight(baseURL, "/"),
		apiKey:      apiKey,
		httpClient:  &http.Client{Timeout: opts.Timeout},
		limiter:     rate.NewLimiter(rate.Limit(opts.RatePerSec), opts.RateBurst),
		maxAttempts: opts.MaxAttempts,
	}
}

// GetOrder fetches full order detail with the sub-resources the transformer
// needs expanded in one call.
func (c *Client) GetOrder(ctx context.Context, storeID, orderID string) (*RawOrder, error) {
	u := fmt.Sprintf("%s/stores/%s/orders/%s?expand=cart_items,delivery,payments",
		c.base, url.PathEscape(storeID), url.PathEscape(orderID))
	body, err := c.doWithRetry(ctx, u)
	if err != nil {
		return nil, err
	}
	var o RawOrder
	if err := json.Unmarshal(body, &o); err != nil {
		return nil, fmt.Errorf("decode order %s: %w", orderID, err)
	}
	return &o, nil
}

// ListOrders returns one page of orders for a store filtered by state within
// the time window. Pages chain through the continuation cursor; pages for one
// store are fetched sequentially because each depends on the previous cursor.
func (c *Client) ListOrders(ctx context.Context, storeID string, states []string, since time.Time, cursor string) (*OrderPage, error) {
	q := url.Values{}
	q.Set("states", strings.Join(states, ","))
	q.Set("updated_since", since.UTC().Format(time.RFC3339))
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	u := fmt.Sprintf("%s/stores/%s/orders?%s", c.base, url.PathEscape(storeID), q.Encode())
	body, err := c.doWithRetry(ctx, u)
	if err != nil {
		return nil, err
	}
	var page OrderPage
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, fmt.Errorf("decode order page: %w", err)
	}
	return &page, nil
}

// doWithRetry GETs u, retrying 5xx and network failures with capped
// exponential backoff. 4xx is terminal on the first response.
func (c *Client) doWithRetry(ctx context.Context, u string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(nextBackoff(attempt - 1)):
			}
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		body, retryable, err := c.doOnce(ctx, u)
		if err == nil {
			return body, nil
		}
		if !retryable {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("%w: %d attempts: %v", ErrUpstream, c.maxAttempts, lastErr)
}

func (c *Client) doOnce(ctx context.Context, u string) (body []byte, retryable bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, false, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, true, err
	}
	defer resp.Body.Close()
	body, err = io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, err
	}
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return body, false, nil
	case resp.StatusCode == http.StatusNotFound:
		return nil, false, ErrNotFound
	case resp.StatusCode >= 500:
		return nil, true, fmt.Errorf("status %d: %s", resp.StatusCode, truncate(body, 200))
	default:
		return nil, false, fmt.Errorf("status %d: %s", resp.StatusCode, truncate(body, 200))
	}
}

func nextBackoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 6 {
		attempt = 6
	}
	d := time.Second * time.Duration(1<<attempt)
	if d > time.Minute {
		d = time.Minute
	}
	return d
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

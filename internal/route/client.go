package route

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/yegors/safewalk/internal/geo"
	"github.com/yegors/safewalk/pkg/logger"
)

// Client fetches walking route alternatives from a directions endpoint
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	maxRetries int
	retryDelay time.Duration
	logger     *logger.Logger
}

// NewClient creates a new directions client
func NewClient(baseURL, apiKey string, timeout time.Duration, maxRetries int, logger *logger.Logger) *Client {
	if maxRetries < 1 {
		maxRetries = 1
	}
	return &Client{
		httpClient: &http.Client{
			Timeout: timeout,
		},
		baseURL:    baseURL,
		apiKey:     apiKey,
		maxRetries: maxRetries,
		retryDelay: 500 * time.Millisecond,
		logger:     logger.Named("directions"),
	}
}

// FetchAlternatives requests walking alternatives between two points
func (c *Client) FetchAlternatives(ctx context.Context, origin, destination geo.GeoPoint) ([]Result, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid directions URL: %w", err)
	}
	q := u.Query()
	q.Set("origin", origin.String())
	q.Set("destination", destination.String())
	q.Set("mode", "walking")
	q.Set("alternatives", "true")
	if c.apiKey != "" {
		q.Set("key", c.apiKey)
	}
	u.RawQuery = q.Encode()

	c.logger.Debug("Fetching directions",
		logger.Stringer("origin", origin),
		logger.Stringer("destination", destination))

	body, err := c.get(ctx, u.String())
	if err != nil {
		return nil, err
	}

	results, err := ParseDirections(body)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("Fetched directions", logger.Int("alternatives", len(results)))
	return results, nil
}

// get performs a GET with exponential backoff between attempts
func (c *Client) get(ctx context.Context, rawURL string) ([]byte, error) {
	delay := c.retryDelay
	var lastErr error

	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if attempt > 0 {
			c.logger.Warn("Retrying directions request",
				logger.Int("attempt", attempt+1),
				logger.Int("max_attempts", c.maxRetries),
				logger.Error(lastErr))

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
				delay *= 2
			}
		}

		body, retry, err := c.do(ctx, rawURL)
		if err == nil {
			return body, nil
		}
		if !retry {
			return nil, err
		}
		lastErr = err
	}

	return nil, fmt.Errorf("directions request failed after %d attempts: %w", c.maxRetries, lastErr)
}

func (c *Client) do(ctx context.Context, rawURL string) ([]byte, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, ctx.Err() == nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// Client errors will not improve on retry
		retry := resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
		return nil, retry, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, fmt.Errorf("failed to read response body: %w", err)
	}
	return body, false, nil
}

/**
 * Captcha image fetch client
 *
 * Downloads fresh captcha images for variants that provide a fetch-request
 * descriptor, or from an explicit URL carried by a job. A single attempt is
 * made; retry policy belongs to the caller.
 */

package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/adverant/nexus/captcha-worker/internal/errors"
	"github.com/adverant/nexus/captcha-worker/internal/variant"
)

// Client downloads captcha images over HTTP
type Client struct {
	httpClient *http.Client
	maxSize    int64
	userAgent  string
}

// ClientConfig holds fetch client configuration
type ClientConfig struct {
	Timeout   time.Duration
	MaxSize   int64
	UserAgent string
}

// NewClient creates a new fetch client
func NewClient(cfg *ClientConfig) *Client {
	if cfg == nil {
		cfg = &ClientConfig{}
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	maxSize := cfg.MaxSize
	if maxSize <= 0 {
		maxSize = 1 << 20
	}

	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = "Mozilla/5.0 (X11; Linux x86_64) captcha-worker/1.0"
	}

	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		maxSize:    maxSize,
		userAgent:  userAgent,
	}
}

// FetchVariant downloads a new captcha for v using its fetch-request descriptor
func (c *Client) FetchVariant(ctx context.Context, v *variant.Variant, now time.Time) ([]byte, error) {
	if !v.CanFetch() {
		return nil, fmt.Errorf("variant %s does not provide a fetch request", v.Key)
	}
	return c.Fetch(ctx, v.FetchRequest(now))
}

// Fetch executes a fetch-request descriptor
func (c *Client) Fetch(ctx context.Context, fr *variant.FetchRequest) ([]byte, error) {
	if fr == nil || fr.URL == "" {
		return nil, fmt.Errorf("fetch request URL is required")
	}

	u, err := url.Parse(fr.URL)
	if err != nil {
		return nil, errors.NewFetchFailedError(fr.URL, err)
	}

	if len(fr.Params) > 0 {
		q := u.Query()
		for k, vs := range fr.Params {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}

	return c.FetchURL(ctx, u.String())
}

// FetchURL downloads an image from a fully built URL
func (c *Client) FetchURL(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, errors.NewFetchFailedError(rawURL, err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "image/*")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.NewFetchFailedError(rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.NewFetchFailedError(rawURL, fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	// Read one byte past the limit to detect oversized bodies
	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxSize+1))
	if err != nil {
		return nil, errors.NewFetchFailedError(rawURL, fmt.Errorf("failed to read body: %w", err))
	}
	if int64(len(data)) > c.maxSize {
		return nil, errors.NewFetchFailedError(rawURL, fmt.Errorf("image exceeds %d bytes", c.maxSize))
	}
	if len(data) == 0 {
		return nil, errors.NewFetchFailedError(rawURL, fmt.Errorf("empty response body"))
	}

	return data, nil
}

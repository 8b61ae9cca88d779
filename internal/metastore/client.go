package metastore

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"context"

	apperrors "github.com/grainsearch/grain-search/internal/pkg/errors"
)

// Client is an HTTP client for the metastore service.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// ClientConfig configures the metastore client.
type ClientConfig struct {
	// BaseURL is the base URL of the metastore service.
	BaseURL string

	// Timeout is the request timeout.
	Timeout time.Duration

	// MaxIdleConns controls the maximum number of idle (keep-alive)
	// connections across all hosts. Zero means no limit.
	MaxIdleConns int

	// IdleConnTimeout is the maximum amount of time an idle (keep-alive)
	// connection will remain idle before closing itself.
	IdleConnTimeout time.Duration
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		BaseURL:         "http://localhost:7291",
		Timeout:         10 * time.Second,
		MaxIdleConns:    100,
		IdleConnTimeout: 90 * time.Second,
	}
}

// NewClient creates a new metastore client.
func NewClient(cfg ClientConfig) *Client {
	if cfg.BaseURL == "" {
		cfg = DefaultClientConfig()
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 100
	}
	if cfg.IdleConnTimeout == 0 {
		cfg.IdleConnTimeout = 90 * time.Second
	}

	transport := &http.Transport{
		MaxIdleConns:      cfg.MaxIdleConns,
		IdleConnTimeout:   cfg.IdleConnTimeout,
		ForceAttemptHTTP2: true,
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
	}
}

// ListSplits implements Metastore.
func (c *Client) ListSplits(ctx context.Context, indexID string, timeRange *TimeRange, tags []string) ([]SplitMetadata, error) {
	q := url.Values{}
	if timeRange != nil {
		q.Set("start_timestamp", strconv.FormatInt(timeRange.Start, 10))
		q.Set("end_timestamp", strconv.FormatInt(timeRange.End, 10))
	}
	for _, t := range tags {
		q.Add("tag", t)
	}

	path := fmt.Sprintf("/v1/indexes/%s/splits", url.PathEscape(indexID))
	if encoded := q.Encode(); encoded != "" {
		path += "?" + encoded
	}

	var resp struct {
		Splits []SplitMetadata `json:"splits"`
	}
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}

	// The metastore may return a superset; pruning stays exact locally.
	return PruneSplits(resp.Splits, timeRange, tags), nil
}

// IndexMetadata implements Metastore.
func (c *Client) IndexMetadata(ctx context.Context, indexID string) (*IndexMetadata, error) {
	var meta IndexMetadata
	path := fmt.Sprintf("/v1/indexes/%s", url.PathEscape(indexID))
	if err := c.get(ctx, path, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

// get performs a GET request and decodes the JSON response.
func (c *Client) get(ctx context.Context, path string, result interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeUnavailable, "metastore request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return apperrors.NotFoundError("index")
	}
	if resp.StatusCode >= 400 {
		return apperrors.New(apperrors.CodeUnavailable,
			fmt.Sprintf("metastore returned HTTP %d: %s", resp.StatusCode, string(body)))
	}

	if result != nil && len(body) > 0 {
		if err := json.Unmarshal(body, result); err != nil {
			return fmt.Errorf("failed to unmarshal response: %w", err)
		}
	}

	return nil
}

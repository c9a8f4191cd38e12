// Package api talks to the episodes HTTP API the site is generated from.
package api

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

	"podcastr/internal/models"
)

// ErrNotFound is returned when the API has no episode with the requested id.
var ErrNotFound = models.ErrNotFound

// StatusError reports a non-2xx response from the API.
type StatusError struct {
	Endpoint   string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("episodes api %s returned status %d", e.Endpoint, e.StatusCode)
}

// Config holds the settings for a Client.
type Config struct {
	BaseURL           string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
	UserAgent         string
	HTTPClient        *http.Client
}

// Client fetches raw episode records. A Client is safe for concurrent use.
type Client struct {
	httpClient *http.Client
	baseURL    *url.URL
	limiter    *rate.Limiter
	userAgent  string
}

// NewClient creates a client for the API rooted at cfg.BaseURL.
func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("episodes api: base URL is required")
	}
	base, err := url.Parse(strings.TrimSpace(cfg.BaseURL))
	if err != nil {
		return nil, fmt.Errorf("episodes api: parse base URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("episodes api: unsupported scheme %q", base.Scheme)
	}
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "podcastr/1.0"
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    base,
		limiter:    limiter,
		userAgent:  cfg.UserAgent,
	}, nil
}

// List fetches a page of raw episodes.
func (c *Client) List(ctx context.Context, params models.ListParams) ([]models.RawEpisode, error) {
	endpoint := c.resolve("episodes", params.Query())

	var episodes []models.RawEpisode
	if err := c.getJSON(ctx, endpoint, &episodes); err != nil {
		return nil, fmt.Errorf("list episodes: %w", err)
	}
	return episodes, nil
}

// Get fetches a single raw episode by id.
func (c *Client) Get(ctx context.Context, id string) (models.RawEpisode, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return models.RawEpisode{}, ErrNotFound
	}
	endpoint := c.resolve("episodes/"+url.PathEscape(id), nil)

	var episode models.RawEpisode
	if err := c.getJSON(ctx, endpoint, &episode); err != nil {
		var statusErr *StatusError
		if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound {
			return models.RawEpisode{}, fmt.Errorf("get episode %s: %w", id, ErrNotFound)
		}
		return models.RawEpisode{}, fmt.Errorf("get episode %s: %w", id, err)
	}
	if episode.ID == "" {
		return models.RawEpisode{}, fmt.Errorf("get episode %s: %w", id, ErrNotFound)
	}
	return episode, nil
}

func (c *Client) resolve(path string, query url.Values) string {
	ref := &url.URL{Path: path}
	if len(query) > 0 {
		ref.RawQuery = query.Encode()
	}
	return c.baseURL.ResolveReference(ref).String()
}

func (c *Client) getJSON(ctx context.Context, endpoint string, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return &StatusError{Endpoint: endpoint, StatusCode: resp.StatusCode}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

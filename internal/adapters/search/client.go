// Package search provides the external web search client used by the deep
// link resolver. Queries are domain-restricted, rate limited, and retried
// with exponential backoff on transient provider failures.
package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"

	"github.com/okian/sidelink/internal/domain/model"
	"github.com/okian/sidelink/pkg/logger"
	"github.com/okian/sidelink/pkg/metrics"
	"github.com/okian/sidelink/pkg/retry"
)

// Default client configuration constants.
const (
	defaultTimeout        = 3 * time.Second
	defaultRate           = 5.0
	defaultBurst          = 10
	defaultMaxAttempts    = 3
	defaultBackoffInitial = 200 * time.Millisecond
	defaultBackoffMax     = 2 * time.Second
	maxResponseBytes      = 1 << 20
)

// Provider runs one domain-restricted web search.
type Provider interface {
	// Search returns results for query restricted to site. The result
	// shape is provider-agnostic; ordering follows provider relevance.
	Search(ctx context.Context, query, site string) ([]model.SearchResult, error)
}

// Client implements Provider against a JSON web-search API.
type Client struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
	retryCfg   retry.Config
	logger     logger.Logger
}

// Option applies a configuration option to the Client.
type Option func(*Client)

// WithEndpoint sets the search API endpoint.
func WithEndpoint(endpoint string) Option {
	return func(c *Client) {
		if endpoint != "" {
			c.endpoint = endpoint
		}
	}
}

// WithAPIKey sets the search API key. Empty disables external search.
func WithAPIKey(key string) Option {
	return func(c *Client) {
		c.apiKey = key
	}
}

// WithTimeout bounds each individual search attempt.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.retryCfg.AttemptTimeout = timeout
		}
	}
}

// WithRateLimit sets the sustained request rate and burst size.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(c *Client) {
		if perSecond > 0 && burst > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
		}
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithLogger sets a custom logger for the client.
func WithLogger(l logger.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewClient creates a search client with configuration options.
func NewClient(opts ...Option) *Client {
	c := &Client{
		endpoint:   "https://api.search.example/v1/search",
		httpClient: &http.Client{},
		limiter:    rate.NewLimiter(rate.Limit(defaultRate), defaultBurst),
		retryCfg: retry.Config{
			MaxAttempts:     defaultMaxAttempts,
			InitialInterval: defaultBackoffInitial,
			MaxInterval:     defaultBackoffMax,
			AttemptTimeout:  defaultTimeout,
		},
		logger: logger.Get().Named("search"),
	}

	// Apply all options
	for _, opt := range opts {
		opt(c)
	}

	return c
}

// searchResponse mirrors the provider's JSON result envelope.
type searchResponse struct {
	Results []model.SearchResult `json:"results"`
}

// Search runs one rate-limited, retried query restricted to site.
func (c *Client) Search(ctx context.Context, query, site string) ([]model.SearchResult, error) {
	if c.apiKey == "" {
		metrics.RecordSearchError("no_credentials")
		return nil, ErrNoCredentials
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	attempts := 0
	results, err := retry.Do(ctx, c.retryCfg, func(ctx context.Context) ([]model.SearchResult, error) {
		attempts++
		if attempts > 1 {
			metrics.RecordSearchRetry()
		}
		return c.doSearch(ctx, query, site)
	})
	if err != nil {
		kind := "transient"
		if errors.Is(err, ErrProviderRejected) {
			kind = "permanent"
		}
		metrics.RecordSearchError(kind)
		c.logger.Debug(ctx, "search failed",
			logger.String("query", query),
			logger.String("site", site),
			logger.Int("attempts", attempts),
			logger.Error(err),
		)
		return nil, err
	}
	return results, nil
}

// doSearch issues a single HTTP attempt and classifies the outcome.
func (c *Client) doSearch(ctx context.Context, query, site string) ([]model.SearchResult, error) {
	start := time.Now()
	defer func() {
		metrics.RecordSearchLatency(float64(time.Since(start).Milliseconds()))
	}()
	metrics.RecordSearchCall()

	u, err := url.Parse(c.endpoint)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("invalid endpoint: %w", err))
	}
	q := u.Query()
	q.Set("q", fmt.Sprintf("site:%s %s", site, query))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Timeouts and connection failures are transient by definition.
		return nil, fmt.Errorf("%w: %w", ErrProviderUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusOK:
		// fall through to decode
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: status %d", ErrProviderUnavailable, resp.StatusCode)
	default:
		return nil, retry.Permanent(fmt.Errorf("%w: status %d", ErrProviderRejected, resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProviderUnavailable, err)
	}

	var decoded searchResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, retry.Permanent(fmt.Errorf("%w: %w", ErrProviderRejected, err))
	}
	return decoded.Results, nil
}

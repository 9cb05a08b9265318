// Package fetch provides the Discogs API client used by the batch engine,
// with typed error classification for retry decisions.
package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/crateful/discogs-batch-client/pkg/logging"
	"github.com/crateful/discogs-batch-client/pkg/record"
)

// Prometheus metrics for Discogs API calls.
var (
	discogsRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "discogs_requests_total",
		Help: "Total Discogs API requests by status",
	}, []string{"status"})

	discogsRequestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "discogs_request_duration_seconds",
		Help:    "Discogs API request duration in seconds",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
	})

	discogsErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "discogs_errors_total",
		Help: "Total Discogs API errors by kind",
	}, []string{"kind"})
)

// DefaultBaseURL is the public Discogs API endpoint.
const DefaultBaseURL = "https://api.discogs.com"

// Config holds the Discogs client configuration.
type Config struct {
	// BaseURL of the Discogs API (override for testing).
	BaseURL string

	// UserAgent header (REQUIRED by Discogs).
	// Format: "AppName/Version +https://example.com"
	UserAgent string

	// Token is an optional personal access token. Unauthenticated clients
	// get a lower rate limit and no marketplace price data.
	Token string

	// Timeout per HTTP request.
	Timeout time.Duration
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(userAgent string) Config {
	return Config{
		BaseURL:   DefaultBaseURL,
		UserAgent: userAgent,
		Timeout:   30 * time.Second,
	}
}

// Client fetches single releases from the Discogs API.
type Client struct {
	httpClient *http.Client
	config     Config
	logger     zerolog.Logger
}

// NewClient creates a new Discogs API client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.UserAgent == "" {
		return nil, fmt.Errorf("user-agent is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	return &Client{
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		config: cfg,
		logger: logging.NewLogger("discogs-client"),
	}, nil
}

// Fetch retrieves one release by ID and flattens it into a Record.
// Failures are returned as *Error with a Kind that decides retry eligibility.
func (c *Client) Fetch(ctx context.Context, releaseID int64) (*record.Record, error) {
	url := fmt.Sprintf("%s/releases/%d", c.config.BaseURL, releaseID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("User-Agent", c.config.UserAgent)
	req.Header.Set("Accept", "application/json")
	if c.config.Token != "" {
		req.Header.Set("Authorization", "Discogs token="+c.config.Token)
	}

	startTime := time.Now()
	resp, err := c.httpClient.Do(req)
	discogsRequestDuration.Observe(time.Since(startTime).Seconds())

	if err != nil {
		discogsRequestsTotal.WithLabelValues("network_error").Inc()
		discogsErrorsTotal.WithLabelValues(string(KindTransient)).Inc()
		return nil, &Error{
			Kind:      KindTransient,
			ReleaseID: releaseID,
			Message:   "request failed",
			Err:       err,
		}
	}
	defer resp.Body.Close()

	discogsRequestsTotal.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()

	if resp.StatusCode != http.StatusOK {
		fetchErr := c.classifyStatus(resp, releaseID)
		discogsErrorsTotal.WithLabelValues(string(fetchErr.Kind)).Inc()

		c.logger.Warn().
			Int64("release_id", releaseID).
			Int("status", resp.StatusCode).
			Str("error_kind", string(fetchErr.Kind)).
			Msg("Discogs request error")

		return nil, fetchErr
	}

	var rel record.Release
	if err := json.NewDecoder(resp.Body).Decode(&rel); err != nil {
		// Discogs occasionally truncates responses under load, which is
		// the same condition as a 429 from the caller's point of view.
		discogsErrorsTotal.WithLabelValues(string(KindTransient)).Inc()
		return nil, &Error{
			Kind:      KindTransient,
			ReleaseID: releaseID,
			Message:   "decode response",
			Err:       err,
		}
	}

	rec := record.FromRelease(&rel)

	c.logger.Debug().
		Int64("release_id", releaseID).
		Str("title", rec.Title).
		Dur("duration", time.Since(startTime)).
		Msg("Fetched release")

	return rec, nil
}

// classifyStatus maps a non-200 response to a typed error.
func (c *Client) classifyStatus(resp *http.Response, releaseID int64) *Error {
	fetchErr := &Error{
		StatusCode: resp.StatusCode,
		ReleaseID:  releaseID,
		Message:    resp.Status,
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		fetchErr.Kind = KindRateLimited
		if retryAfter := resp.Header.Get("Retry-After"); retryAfter != "" {
			if seconds, err := strconv.Atoi(retryAfter); err == nil {
				fetchErr.RetryAfter = time.Duration(seconds) * time.Second
			}
		}
	case resp.StatusCode >= 500:
		fetchErr.Kind = KindTransient
	default:
		fetchErr.Kind = KindPermanent
	}

	return fetchErr
}

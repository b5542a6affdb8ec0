// Package goszakup fetches paginated entity data from the goszakup.gov.kz
// OWS API.
package goszakup

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"
	"golang.org/x/time/rate"

	"github.com/danabek/goszakup-ingest/pkg/httpclient"
	"github.com/danabek/goszakup-ingest/pkg/models"
	"github.com/danabek/goszakup-ingest/pkg/tracing"
)

// Page is one fetched page of records. NextCursor is the source-issued path
// for the following page; empty means the sequence is done. An empty Items
// with a present NextCursor means "continue", not "done".
type Page struct {
	Total      int
	Items      []json.RawMessage
	NextCursor string
}

// Config holds API client settings.
type Config struct {
	BaseURL           string
	Token             string
	PageLimit         int
	Timeout           time.Duration
	MaxRetries        int
	RequestsPerSecond float64
}

// Client fetches pages from the OWS API. Requests are paced by a shared rate
// limiter and retried with exponential backoff on transient failures.
type Client struct {
	http    *httpclient.Client
	config  Config
	limiter *rate.Limiter
	logger  ectologger.Logger
	backoff time.Duration
}

// NewClient creates a new API client.
func NewClient(cfg Config, logger ectologger.Logger) *Client {
	httpCfg := httpclient.DefaultConfig()
	if cfg.Timeout > 0 {
		httpCfg.Timeout = cfg.Timeout
	}
	if cfg.PageLimit <= 0 {
		cfg.PageLimit = 500
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 2
	}

	return &Client{
		http:    httpclient.NewClient(httpCfg, logger),
		config:  cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
		logger:  logger,
		backoff: time.Second,
	}
}

// pageResponse is the OWS envelope for paginated endpoints.
type pageResponse struct {
	Total    int               `json:"total"`
	Limit    int               `json:"limit"`
	NextPage *string           `json:"next_page"`
	Items    []json.RawMessage `json:"items"`
}

// FetchPage retrieves one page for an entity type. An empty cursor starts
// from the first page; otherwise cursor is the next_page path returned by a
// previous call.
func (c *Client) FetchPage(ctx context.Context, entityType models.EntityType, cursor string) (*Page, error) {
	ctx, span := tracing.StartSpan(ctx, "goszakup.Client.FetchPage")
	defer span.End()

	path := cursor
	if path == "" {
		path = fmt.Sprintf("%s?limit=%d", entityType.Endpoint, c.config.PageLimit)
	}
	url := strings.TrimSuffix(c.config.BaseURL, "/") + path

	log := c.logger.WithContext(ctx).WithFields(map[string]any{"entity_type": entityType.Key, "url": url})

	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<attempt) * c.backoff
			log.WithFields(map[string]any{"attempt": attempt, "backoff": backoff.String()}).Warn("Retrying page fetch")
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		page, err := c.fetchOnce(ctx, url)
		if err == nil {
			return page, nil
		}
		if !IsTransient(err) {
			log.WithError(err).Error("Page fetch failed")
			return nil, err
		}
		lastErr = err
	}

	log.WithError(lastErr).Error("Page fetch retries exhausted")
	return nil, fmt.Errorf("fetch %s: retries exhausted: %w", entityType.Key, lastErr)
}

func (c *Client) fetchOnce(ctx context.Context, url string) (*Page, error) {
	headers := map[string]string{
		"Accept": "application/json",
	}
	if c.config.Token != "" {
		headers["Authorization"] = "Bearer " + c.config.Token
	}

	resp, err := c.http.Get(ctx, url, headers)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, Transient(err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, Transient(fmt.Errorf("status %d from %s", resp.StatusCode, url))
	default:
		return nil, fmt.Errorf("status %d from %s", resp.StatusCode, url)
	}

	var body pageResponse
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		return nil, fmt.Errorf("malformed response from %s: %w", url, err)
	}

	page := &Page{
		Total: body.Total,
		Items: body.Items,
	}
	if body.NextPage != nil {
		page.NextCursor = *body.NextPage
	}
	return page, nil
}

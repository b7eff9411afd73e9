package artifact

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	neturl "net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/timmy/ringforge/internal/domain"
)

// HTTPFetcher downloads artifacts over HTTP. Transport errors, 429 and 5xx
// are retried; other statuses fail immediately.
type HTTPFetcher struct {
	client *resty.Client
}

// FetcherConfig holds configuration for HTTPFetcher.
type FetcherConfig struct {
	Timeout      time.Duration
	Retries      int
	RetryWait    time.Duration
	RetryMaxWait time.Duration
}

// NewHTTPFetcher creates a new HTTPFetcher.
func NewHTTPFetcher(cfg FetcherConfig) *HTTPFetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	if cfg.RetryWait <= 0 {
		cfg.RetryWait = 500 * time.Millisecond
	}
	if cfg.RetryMaxWait <= 0 {
		cfg.RetryMaxWait = 5 * time.Second
	}

	client := resty.New().
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.Retries).
		SetRetryWaitTime(cfg.RetryWait).
		SetRetryMaxWaitTime(cfg.RetryMaxWait).
		AddRetryCondition(isTransient)

	return &HTTPFetcher{client: client}
}

func isTransient(resp *resty.Response, err error) bool {
	if err != nil {
		return true
	}
	code := resp.StatusCode()
	return code == http.StatusTooManyRequests || code >= 500
}

// Fetch downloads url and returns its body.
func (f *HTTPFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	resp, err := f.client.R().
		SetContext(ctx).
		Get(url)
	if err != nil {
		// *url.Error quotes the full url, signature included
		cause := err
		var uerr *neturl.Error
		if errors.As(err, &uerr) {
			cause = uerr.Err
		}
		return nil, fmt.Errorf("%w: GET %s: %w", domain.ErrFetch, redact(url), cause)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("%w: GET %s returned status %d", domain.ErrFetch, redact(url), resp.StatusCode())
	}
	return resp.Body(), nil
}

// redact drops the query string so signatures never reach logs or job errors.
func redact(url string) string {
	base, _, _ := strings.Cut(url, "?")
	return base
}

package main

import (
	"context"
	"io"
	"net/http"
	"time"

	log "gopkg.in/inconshreveable/log15.v2"
)

const feedAcceptHeader = "application/rss+xml, application/atom+xml, application/xml;q=0.9, text/xml;q=0.8, */*;q=0.1"

const (
	defaultFetchTimeout      = 15 * time.Second
	defaultValidationTimeout = 10 * time.Second
	defaultUserAgent         = "gleaner/1.0 (+https://github.com/jlowell/gleaner)"
	defaultFallbackUserAgent = "Mozilla/5.0 (compatible; gleaner/1.0)"
)

type FetchResult struct {
	Body       []byte
	StatusCode int
}

// Fetcher retrieves feed documents over HTTP. Every failure is returned as a
// *FeedError; raw transport errors do not escape.
type Fetcher struct {
	client            *http.Client
	timeout           time.Duration
	userAgent         string
	fallbackUserAgent string
	logger            log.Logger
}

type FetcherConfig struct {
	Timeout           time.Duration
	UserAgent         string
	FallbackUserAgent string
}

func NewFetcher(config FetcherConfig, logger log.Logger) *Fetcher {
	if config.Timeout <= 0 {
		config.Timeout = defaultFetchTimeout
	}
	if config.UserAgent == "" {
		config.UserAgent = defaultUserAgent
	}
	if config.FallbackUserAgent == "" {
		config.FallbackUserAgent = defaultFallbackUserAgent
	}

	// The deadline comes from the per-request context in fetch, not from
	// http.Client.Timeout. A client-level timeout would cap caller-supplied
	// timeouts longer than the configured one.
	return &Fetcher{
		client:            &http.Client{},
		timeout:           config.Timeout,
		userAgent:         config.UserAgent,
		fallbackUserAgent: config.FallbackUserAgent,
		logger:            logger,
	}
}

// Fetch retrieves feedURL within the fetcher's timeout. On a 401 or 403 it
// retries once with the fallback User-Agent; if the fallback also fails the
// original rejection is what gets reported.
func (f *Fetcher) Fetch(ctx context.Context, feedURL string) (*FetchResult, *FeedError) {
	return f.fetch(ctx, feedURL, f.timeout)
}

// FetchWithTimeout is Fetch with a caller-supplied timeout, used by the
// shorter validation fetch when a feed is added.
func (f *Fetcher) FetchWithTimeout(ctx context.Context, feedURL string, timeout time.Duration) (*FetchResult, *FeedError) {
	return f.fetch(ctx, feedURL, timeout)
}

func (f *Fetcher) fetch(ctx context.Context, feedURL string, timeout time.Duration) (*FetchResult, *FeedError) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := f.doGET(ctx, feedURL, f.userAgent)
	if err != nil {
		return nil, ClassifyError(err)
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		originalStatus := resp.Status
		resp.Body.Close()

		retryResp, retryErr := f.doGET(ctx, feedURL, f.fallbackUserAgent)
		if retryErr != nil || retryResp.StatusCode != http.StatusOK {
			if retryErr == nil {
				retryResp.Body.Close()
			}
			f.logger.Debug("fallback identity rejected", "url", feedURL, "status", originalStatus)
			return nil, NewFeedError(ErrorAuth, "authentication rejected: %s", originalStatus)
		}
		resp = retryResp
	}

	defer resp.Body.Close()

	if ferr := statusToFeedError(resp.StatusCode, resp.Status); ferr != nil {
		return nil, ferr
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, ClassifyError(err)
	}
	if len(body) == 0 {
		return nil, NewFeedError(ErrorEmptyResponse, "empty response body from %s", feedURL)
	}

	return &FetchResult{Body: body, StatusCode: resp.StatusCode}, nil
}

func (f *Fetcher) doGET(ctx context.Context, feedURL, userAgent string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", feedAcceptHeader)
	req.Header.Set("User-Agent", userAgent)

	return f.client.Do(req)
}

func statusToFeedError(code int, status string) *FeedError {
	switch {
	case code == http.StatusOK:
		return nil
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		return NewFeedError(ErrorTimeout, "upstream timeout: %s", status)
	case code >= 500:
		return NewFeedError(ErrorNetwork, "server error: %s", status)
	default:
		// 404 and the rest of the 4xx family mean the URL is not a feed.
		return NewFeedError(ErrorHTTPStatus, "bad HTTP response: %s", status)
	}
}

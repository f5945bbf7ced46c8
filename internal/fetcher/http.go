package fetcher

import (
	"context"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/kyb-monitor/internal/resilience"
)

// HTTPOptions configures the HTTP fetcher.
type HTTPOptions struct {
	UserAgent string
	Timeout   time.Duration
	// Retry applies to connection errors, 429 and 5xx responses.
	Retry resilience.Policy
	// HostRate caps requests per second to any single host. Default: 2.
	HostRate rate.Limit
}

// HTTPFetcher implements Fetcher with conditional GETs, retries and a
// per-host rate limit.
type HTTPFetcher struct {
	client *http.Client
	opts   HTTPOptions

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewHTTPFetcher creates a new HTTPFetcher with the given options.
func NewHTTPFetcher(opts HTTPOptions) *HTTPFetcher {
	if opts.Timeout == 0 {
		opts.Timeout = 2 * time.Minute
	}
	if opts.Retry.Attempts == 0 {
		opts.Retry = resilience.DefaultPolicy()
	}
	if opts.HostRate == 0 {
		opts.HostRate = 2
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "kyb-monitor/1.0"
	}
	return &HTTPFetcher{
		client: &http.Client{
			Timeout: opts.Timeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		opts:     opts,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (f *HTTPFetcher) limiterFor(rawURL string) *rate.Limiter {
	host := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		host = u.Host
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	lim, ok := f.limiters[host]
	if !ok {
		lim = rate.NewLimiter(f.opts.HostRate, 1)
		f.limiters[host] = lim
	}
	return lim
}

// Fetch implements Fetcher. version is sent as If-None-Match when it looks
// like an ETag and as If-Modified-Since otherwise.
func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL, version string) (*Download, error) {
	lim := f.limiterFor(rawURL)
	policy := f.opts.Retry
	policy.Retryable = resilience.IsTransient
	policy.OnRetry = func(attempt int, err error) {
		zap.L().Warn("list download failed, retrying",
			zap.String("url", rawURL),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}

	return resilience.RetryVal(ctx, policy, func(ctx context.Context) (*Download, error) {
		if err := lim.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "fetcher: rate limiter wait")
		}
		return f.fetchOnce(ctx, rawURL, version)
	})
}

func (f *HTTPFetcher) fetchOnce(ctx context.Context, rawURL, version string) (*Download, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "fetcher: create request")
	}
	req.Header.Set("User-Agent", f.opts.UserAgent)
	if version != "" {
		if isETag(version) {
			req.Header.Set("If-None-Match", version)
		} else {
			req.Header.Set("If-Modified-Since", version)
		}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "fetcher: get")
	}

	switch {
	case resp.StatusCode == http.StatusNotModified:
		_ = resp.Body.Close()
		return &Download{Version: version}, nil
	case resilience.IsTransientHTTPStatus(resp.StatusCode):
		_ = resp.Body.Close()
		return nil, resilience.NewTransientError(
			eris.Errorf("fetcher: http %d from %s", resp.StatusCode, rawURL), resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		_ = resp.Body.Close()
		return nil, eris.Errorf("fetcher: unexpected status %d from %s", resp.StatusCode, rawURL)
	}

	next := resp.Header.Get("ETag")
	if next == "" {
		next = resp.Header.Get("Last-Modified")
	}
	return &Download{Body: resp.Body, Version: next, Changed: true}, nil
}

func isETag(v string) bool {
	return len(v) >= 2 && (v[0] == '"' || v[:2] == "W/")
}

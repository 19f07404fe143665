package fetcher

import (
	"context"
	"crypto/tls"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fuelwise/fuel-ingest/internal/resilience"
)

// HTTPOptions configures the HTTP fetcher.
type HTTPOptions struct {
	UserAgent string
	Timeout   time.Duration
	// TLSConfig carries client certificates for mutually authenticated
	// endpoints.
	TLSConfig *tls.Config
	// Header is added to every request.
	Header http.Header
	// RatePerSecond and Burst bound requests per host. Zero means 10/s.
	RatePerSecond float64
	Burst         int
}

// AdaptiveLimiter wraps a rate.Limiter that slows down after 429 responses
// and recovers gradually on success, never exceeding its initial rate.
type AdaptiveLimiter struct {
	mu          sync.Mutex
	limiter     *rate.Limiter
	initialRate rate.Limit
	minRate     rate.Limit
	currentRate rate.Limit
}

// NewAdaptiveLimiter creates an adaptive limiter starting at initialRate.
func NewAdaptiveLimiter(initialRate rate.Limit, burst int) *AdaptiveLimiter {
	return &AdaptiveLimiter{
		limiter:     rate.NewLimiter(initialRate, burst),
		initialRate: initialRate,
		minRate:     initialRate / 8,
		currentRate: initialRate,
	}
}

// Wait blocks until the limiter allows an event.
func (a *AdaptiveLimiter) Wait(ctx context.Context) error {
	return a.limiter.Wait(ctx)
}

// OnSuccess raises the rate by a quarter, capped at the initial rate.
func (a *AdaptiveLimiter) OnSuccess() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.currentRate >= a.initialRate {
		return
	}
	a.currentRate = min(a.currentRate*1.25, a.initialRate)
	a.limiter.SetLimit(a.currentRate)
}

// OnRateLimit halves the rate, down to an eighth of the initial rate.
func (a *AdaptiveLimiter) OnRateLimit(host string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.currentRate = max(a.currentRate/2, a.minRate)
	a.limiter.SetLimit(a.currentRate)
	zap.L().Warn("provider rate limited, slowing down",
		zap.String("component", "fetcher"),
		zap.String("host", host),
		zap.Float64("new_rate", float64(a.currentRate)),
	)
}

// Limit returns the current rate limit.
func (a *AdaptiveLimiter) Limit() rate.Limit {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.currentRate
}

// HTTPFetcher issues rate-limited HTTP requests. It never retries: a failed
// request is reported to the caller, whose circuit breaker decides.
type HTTPFetcher struct {
	client *http.Client
	opts   HTTPOptions

	mu       sync.Mutex
	limiters map[string]*AdaptiveLimiter
}

// NewHTTPFetcher creates a new HTTPFetcher with the given options.
func NewHTTPFetcher(opts HTTPOptions) *HTTPFetcher {
	if opts.Timeout == 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "fuel-ingest/1.0"
	}
	if opts.RatePerSecond <= 0 {
		opts.RatePerSecond = 10
	}
	if opts.Burst <= 0 {
		opts.Burst = int(opts.RatePerSecond)
		if opts.Burst < 1 {
			opts.Burst = 1
		}
	}
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		TLSClientConfig:     opts.TLSConfig,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,
	}
	return &HTTPFetcher{
		client: &http.Client{
			Timeout:   opts.Timeout,
			Transport: transport,
		},
		opts:     opts,
		limiters: make(map[string]*AdaptiveLimiter),
	}
}

// LimiterFor returns the limiter for host, creating it on first use.
func (f *HTTPFetcher) LimiterFor(host string) *AdaptiveLimiter {
	f.mu.Lock()
	defer f.mu.Unlock()
	lim, ok := f.limiters[host]
	if !ok {
		lim = NewAdaptiveLimiter(rate.Limit(f.opts.RatePerSecond), f.opts.Burst)
		f.limiters[host] = lim
	}
	return lim
}

// Do waits for the host's limiter and sends req. A non-2xx response is
// closed and returned as *resilience.StatusError.
func (f *HTTPFetcher) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	lim := f.LimiterFor(req.URL.Host)
	if err := lim.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "rate limiter wait")
	}

	req = req.WithContext(ctx)
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", f.opts.UserAgent)
	}
	for k, vs := range f.opts.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, eris.Wrapf(err, "%s %s", req.Method, redact(req.URL))
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		lim.OnRateLimit(req.URL.Host)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		return nil, &resilience.StatusError{StatusCode: resp.StatusCode, URL: redact(req.URL)}
	}
	lim.OnSuccess()
	return resp, nil
}

// Close drops the fetcher's idle keep-alive connections.
func (f *HTTPFetcher) Close() {
	f.client.CloseIdleConnections()
}

// Download implements Fetcher.
func (f *HTTPFetcher) Download(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "create request")
	}
	resp, err := f.Do(ctx, req)
	if err != nil {
		return nil, eris.Wrap(err, "download")
	}
	return resp.Body, nil
}

// Probe implements Fetcher with a HEAD request.
func (f *HTTPFetcher) Probe(ctx context.Context, rawURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return eris.Wrap(err, "create head request")
	}
	resp, err := f.Do(ctx, req)
	if err != nil {
		return eris.Wrap(err, "probe")
	}
	return resp.Body.Close()
}

// redact strips credentials and the query string from u for messages.
func redact(u *url.URL) string {
	c := *u
	c.User = nil
	c.RawQuery = ""
	return c.String()
}

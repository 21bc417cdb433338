package fetcher

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kinhotel/pms-sync/internal/resilience"
)

// maxErrorSnippet bounds how much of an error body is kept in errors and logs.
const maxErrorSnippet = 200

// HTTPOptions configures the PMS client.
type HTTPOptions struct {
	BaseURL      string
	Token        string
	UserAgent    string
	Timeout      time.Duration
	PageSize     int
	PageDelayMin time.Duration
	PageDelayMax time.Duration
	// RateLimit is the initial requests per second allowed per host.
	RateLimit float64
	Retry     resilience.RetryConfig
	// WAFStep is the delay added per attempt after a firewall block.
	WAFStep time.Duration
	// RetryStatuses overrides the statuses treated as transient.
	RetryStatuses []int
	Breakers      *resilience.HostBreakers
	// Sleep waits between pages; tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
	// Transport overrides the HTTP transport; nil uses a pooled default.
	Transport http.RoundTripper
}

// AdaptiveLimiter wraps a rate.Limiter with adaptive rate adjustment.
// On success it increases the rate by 20% (up to 2x initial).
// On 429 it halves the rate (down to initial/4 minimum).
type AdaptiveLimiter struct {
	mu          sync.Mutex
	limiter     *rate.Limiter
	maxRate     rate.Limit
	minRate     rate.Limit
	currentRate rate.Limit
}

// NewAdaptiveLimiter creates an adaptive rate limiter that auto-tunes.
func NewAdaptiveLimiter(initialRate rate.Limit, burst int) *AdaptiveLimiter {
	return &AdaptiveLimiter{
		limiter:     rate.NewLimiter(initialRate, burst),
		maxRate:     initialRate * 2,
		minRate:     initialRate / 4,
		currentRate: initialRate,
	}
}

// Wait blocks until the limiter allows an event.
func (a *AdaptiveLimiter) Wait(ctx context.Context) error {
	return a.limiter.Wait(ctx)
}

// OnSuccess increases the rate by 20%, up to 2x initial.
func (a *AdaptiveLimiter) OnSuccess() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.currentRate = min(a.currentRate*1.2, a.maxRate)
	a.limiter.SetLimit(a.currentRate)
}

// OnRateLimit halves the rate on 429 responses.
func (a *AdaptiveLimiter) OnRateLimit(host string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.currentRate = max(a.currentRate*0.5, a.minRate)
	a.limiter.SetLimit(a.currentRate)
	zap.L().Warn("adaptive rate limit: reducing rate after 429",
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

// HTTPFetcher implements Fetcher against the PMS API.
type HTTPFetcher struct {
	client        *http.Client
	opts          HTTPOptions
	base          *url.URL
	retryStatuses map[int]bool

	mu       sync.Mutex
	limiters map[string]*AdaptiveLimiter
}

// NewHTTPFetcher creates a fetcher. The client has no cookie jar: WAF
// cookies must not stick between requests.
func NewHTTPFetcher(opts HTTPOptions) (*HTTPFetcher, error) {
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/") + "/")
	if err != nil || base.Host == "" {
		return nil, eris.Errorf("fetcher: invalid base url %q", opts.BaseURL)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 100
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = 5
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "Mozilla/5.0"
	}
	if opts.PageDelayMax < opts.PageDelayMin {
		opts.PageDelayMax = opts.PageDelayMin
	}
	if opts.Sleep == nil {
		opts.Sleep = resilience.SleepContext
	}
	if len(opts.RetryStatuses) == 0 {
		opts.RetryStatuses = []int{429, 500, 502, 503, 504}
	}
	statuses := make(map[int]bool, len(opts.RetryStatuses))
	for _, s := range opts.RetryStatuses {
		statuses[s] = true
	}

	transport := opts.Transport
	if transport == nil {
		transport = &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConnsPerHost: 10,
			MaxConnsPerHost:     20,
			IdleConnTimeout:     90 * time.Second,
		}
	}

	return &HTTPFetcher{
		client:        &http.Client{Timeout: opts.Timeout, Transport: transport},
		opts:          opts,
		base:          base,
		retryStatuses: statuses,
		limiters:      make(map[string]*AdaptiveLimiter),
	}, nil
}

func (f *HTTPFetcher) limiterFor(host string) *AdaptiveLimiter {
	f.mu.Lock()
	defer f.mu.Unlock()
	lim, ok := f.limiters[host]
	if !ok {
		burst := max(int(f.opts.RateLimit), 1)
		lim = NewAdaptiveLimiter(rate.Limit(f.opts.RateLimit), burst)
		f.limiters[host] = lim
	}
	return lim
}

func (f *HTTPFetcher) endpointURL(endpoint string, params map[string]string) (string, error) {
	rel, err := url.Parse(strings.TrimLeft(endpoint, "/"))
	if err != nil {
		return "", eris.Wrapf(err, "fetcher: parse endpoint %q", endpoint)
	}
	u := f.base.ResolveReference(rel)
	q := u.Query()
	for k, v := range params {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// getJSON performs one logical GET: retries, breaker and rate limit included.
// The returned body is valid JSON.
func (f *HTTPFetcher) getJSON(ctx context.Context, endpoint string, partition int, params map[string]string) ([]byte, error) {
	rawURL, err := f.endpointURL(endpoint, params)
	if err != nil {
		return nil, err
	}
	host := f.base.Host

	retryCfg := f.opts.Retry
	retryCfg.ShouldRetry = resilience.IsTransient
	retryCfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		class := resilience.Classify(err)
		retriesTotal.WithLabelValues(endpoint, class.String()).Inc()
		zap.L().Warn("pms request failed, retrying",
			zap.String("endpoint", endpoint),
			zap.Int("branch_id", partition),
			zap.Int("attempt", attempt),
			zap.String("class", class.String()),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
	}

	var breaker *resilience.CircuitBreaker
	if f.opts.Breakers != nil {
		breaker = f.opts.Breakers.Get(host)
	}

	return resilience.ExecuteVal(ctx, breaker, func(ctx context.Context) ([]byte, error) {
		return resilience.DoVal(ctx, retryCfg, func(ctx context.Context) ([]byte, error) {
			return f.attempt(ctx, rawURL, endpoint, partition, host)
		})
	})
}

// attempt sends a single request and classifies the outcome.
func (f *HTTPFetcher) attempt(ctx context.Context, rawURL, endpoint string, partition int, host string) ([]byte, error) {
	lim := f.limiterFor(host)
	if err := lim.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "fetcher: rate limiter wait")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "fetcher: create request")
	}
	req.Header.Set("Accept", "application/json, text/plain, */*")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("Authorization", "Bearer "+BranchToken(f.opts.Token, partition))
	req.Header.Set("User-Agent", f.opts.UserAgent)

	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		requestsTotal.WithLabelValues(endpoint, "error").Inc()
		return nil, eris.Wrapf(err, "fetcher: GET %s", endpoint)
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(resp.Body)
	requestDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	requestsTotal.WithLabelValues(endpoint, strconv.Itoa(resp.StatusCode)).Inc()
	if err != nil {
		return nil, eris.Wrapf(err, "fetcher: read body of %s", endpoint)
	}

	if err := f.classify(resp, body); err != nil {
		if resp.StatusCode == http.StatusTooManyRequests {
			lim.OnRateLimit(host)
		}
		return nil, err
	}
	lim.OnSuccess()
	return body, nil
}

// classify maps a response onto nil or one of the resilience error types.
func (f *HTTPFetcher) classify(resp *http.Response, body []byte) error {
	status := resp.StatusCode
	isJSON := looksLikeJSON(body)

	switch {
	case status >= 200 && status < 300:
		if !isJSON {
			return &resilience.ProtocolError{
				StatusCode:  status,
				ContentType: resp.Header.Get("Content-Type"),
				Reason:      "response body is not JSON: " + snippet(body),
			}
		}
		return nil
	case (status == http.StatusUnauthorized || status == http.StatusForbidden) && isJSON:
		return &resilience.AuthError{StatusCode: status, Body: snippet(body)}
	case status == http.StatusForbidden:
		return &resilience.WAFError{StatusCode: status, Snippet: snippet(body), Step: f.opts.WAFStep}
	case f.retryStatuses[status]:
		return &resilience.TransientError{
			Err:        eris.Errorf("http %d: %s", status, snippet(body)),
			StatusCode: status,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
		}
	default:
		return &resilience.ProtocolError{
			StatusCode:  status,
			ContentType: resp.Header.Get("Content-Type"),
			Reason:      "unexpected status: " + snippet(body),
		}
	}
}

// pageDelay picks the politeness pause between two pages.
func (f *HTTPFetcher) pageDelay() time.Duration {
	lo, hi := f.opts.PageDelayMin, f.opts.PageDelayMax
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(rand.Int64N(int64(hi-lo)))
}

// parseRetryAfter accepts delta-seconds or an HTTP date. Zero means absent
// or unparseable.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

func looksLikeJSON(body []byte) bool {
	trimmed := bytes.TrimSpace(body)
	return len(trimmed) > 0 && json.Valid(trimmed)
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > maxErrorSnippet {
		s = s[:maxErrorSnippet] + "..."
	}
	return s
}

func itoa(n int) string { return strconv.Itoa(n) }

package fetcher

import (
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"
)

const (
	// DefaultMinInterval is the default minimum delay between requests
	// to the same origin.
	DefaultMinInterval = 2 * time.Second

	// DefaultTimeout is the default HTTP timeout.
	DefaultTimeout = 30 * time.Second

	// maxBodySize caps response bodies at 10 MB.
	maxBodySize = 10 * 1024 * 1024
)

// FetchError is a network-level retrieval failure. The fetcher does not
// retry; callers own the retry policy.
type FetchError struct {
	URL string
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Result is one retrieved page
type Result struct {
	URL        string
	FinalURL   string
	HTML       string
	StatusCode int
	Elapsed    time.Duration
}

// Body returns the raw response bytes
func (r *Result) Body() []byte {
	return []byte(r.HTML)
}

// Fetcher retrieves pages with a per-origin throttle and rotating
// client identity. Safe for concurrent use.
type Fetcher struct {
	httpClient  *http.Client
	logger      arbor.ILogger
	userAgents  []string
	minInterval time.Duration
	randomDelay time.Duration

	mu      sync.Mutex
	origins map[string]*rate.Limiter
}

// Option configures the Fetcher.
type Option func(*Fetcher)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(f *Fetcher) {
		f.httpClient = httpClient
	}
}

// WithLogger sets a logger.
func WithLogger(logger arbor.ILogger) Option {
	return func(f *Fetcher) {
		f.logger = logger
	}
}

// WithMinInterval sets the minimum delay between requests to one origin.
func WithMinInterval(interval time.Duration) Option {
	return func(f *Fetcher) {
		if interval > 0 {
			f.minInterval = interval
		}
	}
}

// WithRandomDelay sets the jitter added on top of the minimum interval.
func WithRandomDelay(jitter time.Duration) Option {
	return func(f *Fetcher) {
		f.randomDelay = jitter
	}
}

// WithUserAgents sets the identity rotation pool.
func WithUserAgents(agents []string) Option {
	return func(f *Fetcher) {
		if len(agents) > 0 {
			f.userAgents = agents
		}
	}
}

// New creates a Fetcher.
func New(opts ...Option) *Fetcher {
	f := &Fetcher{
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		minInterval: DefaultMinInterval,
		userAgents: []string{
			"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		},
		origins: make(map[string]*rate.Limiter),
	}

	for _, opt := range opts {
		opt(f)
	}

	return f
}

// Fetch retrieves a single page. One attempt only: HTTP error statuses are
// returned in the Result, network failures as *FetchError.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*Result, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Hostname() == "" {
		return nil, &FetchError{URL: rawURL, Err: fmt.Errorf("invalid url: %v", err)}
	}

	if err := f.throttle(ctx, parsed.Hostname()); err != nil {
		return nil, &FetchError{URL: rawURL, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &FetchError{URL: rawURL, Err: err}
	}
	req.Header.Set("User-Agent", f.userAgents[rand.IntN(len(f.userAgents))])
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "de-DE,de;q=0.9,en;q=0.8")

	start := time.Now()
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, &FetchError{URL: rawURL, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, &FetchError{URL: rawURL, Err: fmt.Errorf("read body: %w", err)}
	}
	elapsed := time.Since(start)

	result := &Result{
		URL:        rawURL,
		FinalURL:   resp.Request.URL.String(),
		HTML:       string(body),
		StatusCode: resp.StatusCode,
		Elapsed:    elapsed,
	}

	if f.logger != nil {
		f.logger.Debug().
			Str("url", rawURL).
			Int("status", resp.StatusCode).
			Int("bytes", len(body)).
			Str("elapsed", elapsed.String()).
			Msg("Page fetched")
	}

	return result, nil
}

// throttle blocks until the origin's minimum interval has elapsed.
// The limiter map is the shared resource; each origin gets its own limiter.
func (f *Fetcher) throttle(ctx context.Context, origin string) error {
	f.mu.Lock()
	limiter, ok := f.origins[origin]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(f.minInterval), 1)
		f.origins[origin] = limiter
	}
	f.mu.Unlock()

	if err := limiter.Wait(ctx); err != nil {
		return err
	}

	if f.randomDelay > 0 {
		jitter := time.Duration(rand.Int64N(int64(f.randomDelay)))
		select {
		case <-time.After(jitter):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return nil
}

package fetcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

func TestFetchReturnsHTMLAndStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("<html><body>ok</body></html>"))
	}))
	defer server.Close()

	f := New(WithMinInterval(time.Millisecond))
	result, err := f.Fetch(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if result.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", result.StatusCode)
	}
	if result.HTML != "<html><body>ok</body></html>" {
		t.Errorf("Unexpected body: %q", result.HTML)
	}
	if result.Elapsed <= 0 {
		t.Error("Expected positive elapsed duration")
	}
}

func TestFetchDoesNotRetryAndReturnsErrorStatus(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	f := New(WithMinInterval(time.Millisecond))
	result, err := f.Fetch(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("HTTP error status should not be a fetch error: %v", err)
	}
	if result.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503, got %d", result.StatusCode)
	}
	if calls != 1 {
		t.Errorf("Expected exactly one request, got %d", calls)
	}
}

func TestFetchNetworkFailure(t *testing.T) {
	f := New(WithMinInterval(time.Millisecond))
	_, err := f.Fetch(context.Background(), "http://127.0.0.1:1/unreachable")
	if err == nil {
		t.Fatal("Expected error for unreachable host")
	}
	if _, ok := err.(*FetchError); !ok {
		t.Errorf("Expected *FetchError, got %T", err)
	}
}

func TestFetchUsesConfiguredUserAgent(t *testing.T) {
	var seen string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Get("User-Agent")
	}))
	defer server.Close()

	f := New(WithMinInterval(time.Millisecond), WithUserAgents([]string{"venari-test-agent"}))
	if _, err := f.Fetch(context.Background(), server.URL); err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if seen != "venari-test-agent" {
		t.Errorf("Expected rotated user agent, got %q", seen)
	}
}

// Two concurrent fetches to the same origin must be spaced by at least the
// minimum interval; the throttle is shared per origin, not per call.
func TestPerOriginThrottleUnderConcurrency(t *testing.T) {
	var mu sync.Mutex
	var hits []time.Time
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits = append(hits, time.Now())
		mu.Unlock()
	}))
	defer server.Close()

	interval := 150 * time.Millisecond
	f := New(WithMinInterval(interval))

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.Fetch(context.Background(), server.URL); err != nil {
				t.Errorf("Fetch failed: %v", err)
			}
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(hits) != 3 {
		t.Fatalf("Expected 3 requests, got %d", len(hits))
	}
	for i := 1; i < len(hits); i++ {
		gap := hits[i].Sub(hits[i-1])
		// Allow a small scheduling tolerance
		if gap < interval-20*time.Millisecond {
			t.Errorf("Requests %d and %d only %v apart, want >= %v", i-1, i, gap, interval)
		}
	}
}

func TestFetchCancelledContext(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer server.Close()

	f := New(WithMinInterval(time.Hour))
	// First request consumes the limiter's burst
	if _, err := f.Fetch(context.Background(), server.URL); err != nil {
		t.Fatalf("First fetch failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := f.Fetch(ctx, server.URL); err == nil {
		t.Fatal("Expected context error while throttled")
	}
}

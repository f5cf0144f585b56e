// Package browser manages headless browser automation for visual
// enrichment: a small pool of Chrome instances and the screenshot capture
// choreography for listing pages.
package browser

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/venari/internal/common"
)

// Pool manages Chrome browser contexts with round-robin allocation
type Pool struct {
	browsers         []context.Context
	browserCancels   []context.CancelFunc
	allocatorCancels []context.CancelFunc
	mu               sync.Mutex
	currentIndex     int
	logger           arbor.ILogger
	initialized      bool
}

// NewPool creates an empty pool; Init launches the browsers.
func NewPool(logger arbor.ILogger) *Pool {
	return &Pool{logger: logger}
}

// Init launches the configured number of browser instances. Instances that
// fail their startup test are skipped; at least one must come up.
func (p *Pool) Init(cfg *common.BrowserConfig) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.initialized {
		return fmt.Errorf("browser pool already initialized")
	}
	size := cfg.PoolSize
	if size <= 0 {
		size = 1
	}

	p.logger.Info().
		Int("pool_size", size).
		Bool("headless", cfg.Headless).
		Msg("Initializing browser pool")

	var lastErr error
	for i := 0; i < size; i++ {
		if err := p.createInstance(cfg); err != nil {
			lastErr = err
			p.logger.Warn().Err(err).Int("browser_index", i).Msg("Failed to create browser instance")
		}
	}

	if len(p.browsers) == 0 {
		return fmt.Errorf("failed to create any browser instances: %w", lastErr)
	}

	p.initialized = true
	p.logger.Info().Int("browsers_created", len(p.browsers)).Msg("Browser pool initialized")
	return nil
}

func (p *Pool) createInstance(cfg *common.BrowserConfig) error {
	opts := append(
		chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", cfg.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.UserAgent(cfg.UserAgent),
	)

	allocatorCtx, allocatorCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocatorCtx)

	testCtx, testCancel := context.WithTimeout(browserCtx, 30*time.Second)
	defer testCancel()
	if err := chromedp.Run(testCtx, chromedp.Navigate("about:blank")); err != nil {
		browserCancel()
		allocatorCancel()
		return fmt.Errorf("browser failed startup test: %w", err)
	}

	p.browsers = append(p.browsers, browserCtx)
	p.browserCancels = append(p.browserCancels, browserCancel)
	p.allocatorCancels = append(p.allocatorCancels, allocatorCancel)
	return nil
}

// Get returns a browser context round-robin plus a release func
func (p *Pool) Get() (context.Context, func(), error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.initialized || len(p.browsers) == 0 {
		return nil, nil, fmt.Errorf("browser pool not initialized")
	}

	browserCtx := p.browsers[p.currentIndex]
	p.currentIndex = (p.currentIndex + 1) % len(p.browsers)

	// Browsers are shared round-robin; release is a hook for future
	// per-instance accounting
	return browserCtx, func() {}, nil
}

// Shutdown closes all browser instances
func (p *Pool) Shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, cancel := range p.browserCancels {
		cancel()
	}
	for _, cancel := range p.allocatorCancels {
		cancel()
	}
	p.browsers = nil
	p.browserCancels = nil
	p.allocatorCancels = nil
	p.initialized = false

	if p.logger != nil {
		p.logger.Info().Msg("Browser pool shut down")
	}
}

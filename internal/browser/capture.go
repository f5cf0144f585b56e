package browser

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/venari/internal/common"
	"github.com/ternarybob/venari/internal/models"
)

// jpegQuality for viewport screenshots. Screenshots feed a vision model,
// not a human; 85 keeps payloads small without losing text legibility.
const jpegQuality = 85

// Cookie-consent buttons the marketplace shows on first visit
const dismissBannerJS = `
(() => {
  const selectors = ['#gdpr-banner-accept', '#onetrust-accept-btn-handler', '[data-testid="gdpr-banner-accept"]'];
  for (const sel of selectors) {
    const el = document.querySelector(sel);
    if (el) { el.click(); return true; }
  }
  return false;
})()`

// Capturer takes viewport screenshots of listing pages
type Capturer struct {
	pool   *Pool
	cfg    *common.BrowserConfig
	logger arbor.ILogger
}

// NewCapturer creates a Capturer over the browser pool
func NewCapturer(pool *Pool, cfg *common.BrowserConfig, logger arbor.ILogger) *Capturer {
	return &Capturer{pool: pool, cfg: cfg, logger: logger}
}

// Capture navigates to the page and takes two viewport slices: top of page
// and one scroll step down. If the first attempt yields fewer than two
// slices it retries once with a longer settle delay, then falls back to
// whatever was captured.
func (c *Capturer) Capture(ctx context.Context, pageURL string) (*models.CapturedPage, error) {
	settle := time.Duration(c.cfg.SettleDelay)
	slices, err := c.captureOnce(ctx, pageURL, settle)
	if err != nil || len(slices) < 2 {
		retrySlices, retryErr := c.captureOnce(ctx, pageURL, settle*2)
		if len(retrySlices) > len(slices) {
			slices = retrySlices
			err = retryErr
		}
	}

	if len(slices) == 0 {
		if err == nil {
			err = fmt.Errorf("no screenshot slices captured")
		}
		return nil, fmt.Errorf("capture %s: %w", pageURL, err)
	}

	if c.logger != nil {
		c.logger.Debug().
			Str("url", pageURL).
			Int("slices", len(slices)).
			Msg("Page captured")
	}

	return &models.CapturedPage{
		URL:      pageURL,
		Slices:   slices,
		Captured: time.Now(),
	}, nil
}

func (c *Capturer) captureOnce(ctx context.Context, pageURL string, settle time.Duration) ([][]byte, error) {
	browserCtx, release, err := c.pool.Get()
	if err != nil {
		return nil, err
	}
	defer release()

	// Fresh tab per capture so page state never leaks between listings
	tabCtx, cancelTab := chromedp.NewContext(browserCtx)
	defer cancelTab()

	timeout := time.Duration(c.cfg.NavTimeout)
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	runCtx, cancel := context.WithTimeout(tabCtx, timeout)
	defer cancel()

	// Stop early if the caller's context dies
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-runCtx.Done():
		}
	}()

	var first, second []byte
	scroll := c.cfg.ScrollStep
	if scroll <= 0 {
		scroll = 800
	}

	err = chromedp.Run(runCtx,
		chromedp.Navigate(pageURL),
		chromedp.ActionFunc(func(ctx context.Context) error {
			// Cookie banner may not exist; ignore evaluation failures
			var dismissed bool
			_ = chromedp.Evaluate(dismissBannerJS, &dismissed).Do(ctx)
			return nil
		}),
		chromedp.Sleep(settle),
		captureViewport(&first),
		chromedp.Evaluate(fmt.Sprintf("window.scrollBy(0, %d)", scroll), nil),
		chromedp.Sleep(time.Second),
		captureViewport(&second),
	)

	var slices [][]byte
	if len(first) > 0 {
		slices = append(slices, first)
	}
	if len(second) > 0 {
		slices = append(slices, second)
	}
	return slices, err
}

// captureViewport takes a JPEG screenshot of the current viewport
func captureViewport(buf *[]byte) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		data, err := page.CaptureScreenshot().
			WithFormat(page.CaptureScreenshotFormatJpeg).
			WithQuality(jpegQuality).
			Do(ctx)
		if err != nil {
			return err
		}
		*buf = data
		return nil
	})
}

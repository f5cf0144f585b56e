// Package assets mirrors listing photos to local disk so published
// records don't depend on the source site keeping its CDN URLs alive.
package assets

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/venari/internal/common"
	"github.com/ternarybob/venari/internal/httpclient"
)

const maxImageBytes = 20 * 1024 * 1024

var allowedExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".webp": true,
}

// Mirror downloads listing images into a local directory
type Mirror struct {
	dir       string
	maxImages int
	client    *http.Client
	logger    arbor.ILogger
}

// Option configures a Mirror
type Option func(*Mirror)

// WithClient overrides the HTTP client, mainly for tests
func WithClient(client *http.Client) Option {
	return func(m *Mirror) {
		m.client = client
	}
}

// NewMirror creates an image mirror for the configured asset directory
func NewMirror(cfg *common.AssetsConfig, logger arbor.ILogger, opts ...Option) (*Mirror, error) {
	client, err := httpclient.NewBrowsingClient(30 * time.Second)
	if err != nil {
		return nil, err
	}

	m := &Mirror{
		dir:       cfg.Dir,
		maxImages: cfg.MaxImages,
		client:    client,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(m)
	}

	if m.dir == "" {
		return nil, fmt.Errorf("asset directory is required")
	}
	if m.maxImages <= 0 {
		m.maxImages = 5
	}

	if err := os.MkdirAll(m.dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create asset directory: %w", err)
	}
	return m, nil
}

// MirrorImages downloads up to the configured number of images for one
// listing and returns the local filenames. Files are named
// {sourceID}_{index}{ext}; already-mirrored files are not refetched.
// Individual download failures are logged and skipped.
func (m *Mirror) MirrorImages(ctx context.Context, sourceID string, urls []string) []string {
	if sourceID == "" || len(urls) == 0 {
		return nil
	}

	var local []string
	for i, imageURL := range urls {
		if len(local) >= m.maxImages {
			break
		}

		name := fmt.Sprintf("%s_%d%s", sourceID, i, extensionFor(imageURL))
		dest := filepath.Join(m.dir, name)

		if _, err := os.Stat(dest); err == nil {
			local = append(local, name)
			continue
		}

		if err := m.download(ctx, imageURL, dest); err != nil {
			m.logger.Warn().Err(err).Str("url", imageURL).Str("source_id", sourceID).Msg("Image download failed")
			continue
		}
		local = append(local, name)
	}
	return local
}

func (m *Mirror) download(ctx context.Context, imageURL, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return fmt.Errorf("invalid image url: %w", err)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("image request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("image request returned status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes))
	if err != nil {
		return fmt.Errorf("failed to read image body: %w", err)
	}
	if len(data) == 0 {
		return fmt.Errorf("empty image body")
	}

	if err := os.WriteFile(dest, data, 0644); err != nil {
		return fmt.Errorf("failed to write image: %w", err)
	}
	return nil
}

// extensionFor picks a safe file extension from the image URL path,
// defaulting to .jpg when the URL gives nothing usable.
func extensionFor(imageURL string) string {
	parsed, err := url.Parse(imageURL)
	if err != nil {
		return ".jpg"
	}
	ext := strings.ToLower(path.Ext(parsed.Path))
	if allowedExtensions[ext] {
		return ext
	}
	return ".jpg"
}

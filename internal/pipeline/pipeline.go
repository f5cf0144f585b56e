// Package pipeline drives a listing from raw URL to persisted record:
// fetch, parse hints, text extraction, optional visual escalation,
// scoring and storage.
package pipeline

import (
	"context"
	"fmt"
	"net/http"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/venari/internal/assets"
	"github.com/ternarybob/venari/internal/common"
	"github.com/ternarybob/venari/internal/extract"
	"github.com/ternarybob/venari/internal/fetcher"
	"github.com/ternarybob/venari/internal/models"
	"github.com/ternarybob/venari/internal/parser"
	"github.com/ternarybob/venari/internal/scoring"
	badgerstore "github.com/ternarybob/venari/internal/storage/badger"
)

// Capturer takes page screenshots for visual escalation
type Capturer interface {
	Capture(ctx context.Context, pageURL string) (*models.CapturedPage, error)
}

// Pipeline processes individual listing pages
type Pipeline struct {
	fetcher   *fetcher.Fetcher
	extractor *extract.Service
	enricher  *Enricher
	capturer  Capturer // nil when the browser is disabled
	scorer    *scoring.Engine
	listings  *badgerstore.ListingStorage
	mirror    *assets.Mirror // nil when asset mirroring is disabled
	cfg       *common.Config
	logger    arbor.ILogger
}

// NewPipeline wires the per-listing processing chain
func NewPipeline(
	f *fetcher.Fetcher,
	extractor *extract.Service,
	enricher *Enricher,
	capturer Capturer,
	scorer *scoring.Engine,
	listings *badgerstore.ListingStorage,
	mirror *assets.Mirror,
	cfg *common.Config,
	logger arbor.ILogger,
) *Pipeline {
	return &Pipeline{
		fetcher:   f,
		extractor: extractor,
		enricher:  enricher,
		capturer:  capturer,
		scorer:    scorer,
		listings:  listings,
		mirror:    mirror,
		cfg:       cfg,
		logger:    logger,
	}
}

// ProcessListing runs one listing URL through the full chain. The
// returned record reflects the outcome; listings scoring below the keep
// threshold are returned with the rejected status but never persisted.
// A nil record with nil error means the ad no longer exists.
func (p *Pipeline) ProcessListing(ctx context.Context, pageURL, sourceTag string) (*models.ListingRecord, error) {
	res, err := p.fetcher.Fetch(ctx, pageURL)
	if err != nil {
		return nil, fmt.Errorf("fetch failed: %w", err)
	}

	switch {
	case res.StatusCode == http.StatusOK:
	case res.StatusCode == http.StatusNotFound || res.StatusCode == http.StatusGone:
		p.logger.Info().Str("url", pageURL).Int("status", res.StatusCode).Msg("Listing no longer exists, skipping")
		return nil, nil
	default:
		return nil, fmt.Errorf("fetch returned status %d for %s", res.StatusCode, pageURL)
	}

	hints := parser.ParseHints(res.HTML)
	result := p.extractor.Extract(ctx, res.HTML, pageURL, hints)
	mode := models.ModeHTMLOnly

	if result.NeedsPlaywright && p.capturer != nil {
		if visual := p.escalate(ctx, pageURL); visual != nil {
			result = Unify(result, visual)
			mode = models.ModeMultimodal
		}
	}

	fields := result.Data
	if fields.SourceID == "" {
		fields.SourceID = hints.AdID
	}
	if fields.SourceID == "" {
		return nil, fmt.Errorf("no source ad id found for %s", pageURL)
	}

	score := p.scorer.Score(&fields)

	rec := &models.ListingRecord{
		SourceID:        fields.SourceID,
		URL:             pageURL,
		Title:           fields.Title,
		Brand:           fields.Brand,
		Model:           fields.Model,
		PriceCents:      fields.PriceCents,
		Year:            fields.Year,
		FrameSize:       fields.FrameSize,
		Category:        fields.Category,
		Condition:       fields.Condition,
		Description:     fields.Description,
		Location:        fields.Location,
		Seller:          fields.Seller,
		Images:          fields.Images,
		ContentHash:     scoring.ContentHash(&fields),
		Score:           score.Value,
		ScoreBreakdown:  score.Breakdown,
		ProcessedMode:   mode,
		Confidence:      result.Confidence,
		UncertainFields: result.UncertainFields,
		SourceTag:       sourceTag,
	}

	if !score.ShouldKeep {
		rec.Status = models.StatusRejected
		p.logger.Info().
			Str("source_id", rec.SourceID).
			Str("title", rec.Title).
			Float64("score", score.Value).
			Msg("Listing rejected below keep threshold")
		return rec, nil
	}

	if score.ShouldPublish {
		rec.Status = models.StatusPublished
	} else {
		rec.Status = models.StatusDraft
	}

	if p.mirror != nil && len(fields.Images) > 0 {
		rec.LocalImages = p.mirror.MirrorImages(ctx, rec.SourceID, fields.Images)
	}

	if err := p.listings.SaveListing(rec); err != nil {
		return nil, fmt.Errorf("failed to persist listing: %w", err)
	}

	p.logger.Info().
		Str("source_id", rec.SourceID).
		Str("title", rec.Title).
		Str("status", string(rec.Status)).
		Str("mode", mode).
		Float64("score", score.Value).
		Msg("Listing processed")
	return rec, nil
}

// escalate captures the page and runs visual extraction. Capture
// failures fall back to the text-only result.
func (p *Pipeline) escalate(ctx context.Context, pageURL string) *models.ExtractionResult {
	page, err := p.capturer.Capture(ctx, pageURL)
	if err != nil {
		p.logger.Warn().Err(err).Str("url", pageURL).Msg("Screenshot capture failed, keeping text-only result")
		return nil
	}
	return p.enricher.Enrich(ctx, page)
}

package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/venari/internal/extract"
	"github.com/ternarybob/venari/internal/llm"
	"github.com/ternarybob/venari/internal/models"
)

// Generator is the extraction gateway surface the pipeline needs
type Generator interface {
	Generate(ctx context.Context, req llm.Request) (string, error)
}

// Enricher runs visual extraction over page screenshots. Several
// parallel calls see the same screenshots; their answers are fused so a
// single low-quality response doesn't decide the outcome.
type Enricher struct {
	gateway Generator
	fanOut  int
	logger  arbor.ILogger
}

// NewEnricher creates a visual enricher
func NewEnricher(gateway Generator, fanOut int, logger arbor.ILogger) *Enricher {
	if fanOut <= 0 {
		fanOut = 1
	}
	return &Enricher{
		gateway: gateway,
		fanOut:  fanOut,
		logger:  logger,
	}
}

// Enrich extracts listing fields from captured screenshots. All calls
// are awaited; failed calls drop out of the fusion. With zero usable
// responses the safe default is returned.
func (e *Enricher) Enrich(ctx context.Context, page *models.CapturedPage) *models.ExtractionResult {
	prompt := e.buildPrompt(page.URL)

	results := make([]*models.ExtractionResult, e.fanOut)
	var wg sync.WaitGroup

	for i := 0; i < e.fanOut; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()

			text, err := e.gateway.Generate(ctx, llm.Request{
				Prompt:       prompt,
				Images:       page.Slices,
				ResponseJSON: true,
			})
			if err != nil {
				e.logger.Warn().Err(err).Str("url", page.URL).Int("slot", slot).Msg("Visual extraction call failed")
				return
			}

			result, reason := extract.ParseEnvelope(text)
			if result == nil {
				e.logger.Warn().Str("url", page.URL).Int("slot", slot).Str("reason", reason).Msg("Visual extraction returned unusable output")
				return
			}
			results[slot] = result
		}(i)
	}
	wg.Wait()

	usable := results[:0:0]
	for _, r := range results {
		if r != nil {
			usable = append(usable, r)
		}
	}

	if len(usable) == 0 {
		e.logger.Warn().Str("url", page.URL).Msg("All visual extraction calls failed")
		return models.SafeDefaultResult("visual extraction produced no usable responses")
	}

	e.logger.Debug().Str("url", page.URL).Int("responses", len(usable)).Msg("Fusing visual extraction responses")
	return FuseResults(usable)
}

func (e *Enricher) buildPrompt(pageURL string) string {
	var b strings.Builder
	b.WriteString("You are looking at screenshots of a used-bike classified ad, top of page first.\n")
	b.WriteString("Read the visible title, price, description and photos and return ONLY a JSON object:\n\n")
	b.WriteString(`{
  "data": {
    "title": string|null,
    "brand": string|null,
    "model": string|null,
    "price_cents": number|null,
    "year": number|null,
    "frame_size": string|null,
    "category": string|null,
    "condition": string|null,
    "description": string|null,
    "location": string|null,
    "seller": string|null
  },
  "confidence": {"<field>": number between 0 and 1},
  "uncertain_fields": [string],
  "needs_playwright": false
}`)
	b.WriteString("\n\nRules:\n")
	b.WriteString("- Prices are in euro, convert to integer cents.\n")
	b.WriteString("- Use null when a field is not visible. Never guess.\n")
	b.WriteString("- Judge the bike's condition from the photos as well as the text.\n")
	b.WriteString(fmt.Sprintf("\nPage URL: %s\n", pageURL))
	return b.String()
}

// FuseResults merges several extraction responses for the same page.
// Scalars take the first non-empty value in response order, the
// description takes the longest, confidence takes the per-field
// maximum. A field only stays uncertain when every response flags it.
func FuseResults(results []*models.ExtractionResult) *models.ExtractionResult {
	if len(results) == 0 {
		return models.SafeDefaultResult("no extraction responses to fuse")
	}
	if len(results) == 1 {
		return results[0]
	}

	fused := &models.ExtractionResult{
		Confidence: make(map[string]float64),
	}

	for _, r := range results {
		d := &r.Data
		f := &fused.Data
		f.Title = firstNonEmpty(f.Title, d.Title)
		f.Brand = firstNonEmpty(f.Brand, d.Brand)
		f.Model = firstNonEmpty(f.Model, d.Model)
		f.FrameSize = firstNonEmpty(f.FrameSize, d.FrameSize)
		f.Category = firstNonEmpty(f.Category, d.Category)
		f.Condition = firstNonEmpty(f.Condition, d.Condition)
		f.Location = firstNonEmpty(f.Location, d.Location)
		f.Seller = firstNonEmpty(f.Seller, d.Seller)
		f.SourceID = firstNonEmpty(f.SourceID, d.SourceID)
		if f.PriceCents == 0 {
			f.PriceCents = d.PriceCents
		}
		if f.Year == 0 {
			f.Year = d.Year
		}
		if len(d.Description) > len(f.Description) {
			f.Description = d.Description
		}
		if len(f.Images) == 0 {
			f.Images = d.Images
		}

		for field, conf := range r.Confidence {
			if conf > fused.Confidence[field] {
				fused.Confidence[field] = conf
			}
		}
		fused.Reasons = append(fused.Reasons, r.Reasons...)
	}

	fused.UncertainFields = uncertainInAll(results)
	return fused
}

// Unify merges the text-path and visual-path extractions. Per field the
// value with the higher confidence wins; a present value always beats
// an absent one.
func Unify(text, visual *models.ExtractionResult) *models.ExtractionResult {
	if visual == nil {
		return text
	}
	if text == nil {
		return visual
	}

	unified := &models.ExtractionResult{
		Confidence:      make(map[string]float64),
		NeedsPlaywright: false,
	}

	pickString := func(field, textVal, visualVal string) string {
		return pickByConfidence(text, visual, field, textVal, visualVal)
	}

	td, vd := &text.Data, &visual.Data
	u := &unified.Data
	u.Title = pickString("title", td.Title, vd.Title)
	u.Brand = pickString("brand", td.Brand, vd.Brand)
	u.Model = pickString("model", td.Model, vd.Model)
	u.FrameSize = pickString("frame_size", td.FrameSize, vd.FrameSize)
	u.Category = pickString("category", td.Category, vd.Category)
	u.Condition = pickString("condition", td.Condition, vd.Condition)
	u.Description = pickString("description", td.Description, vd.Description)
	u.Location = pickString("location", td.Location, vd.Location)
	u.Seller = pickString("seller", td.Seller, vd.Seller)
	u.SourceID = firstNonEmpty(td.SourceID, vd.SourceID)

	if td.PriceCents == 0 || (vd.PriceCents != 0 && confidence(visual, "price_cents") > confidence(text, "price_cents")) {
		u.PriceCents = vd.PriceCents
	}
	if u.PriceCents == 0 {
		u.PriceCents = td.PriceCents
	}
	if td.Year == 0 || (vd.Year != 0 && confidence(visual, "year") > confidence(text, "year")) {
		u.Year = vd.Year
	}
	if u.Year == 0 {
		u.Year = td.Year
	}

	// The text path sees the real image URLs, screenshots don't
	u.Images = td.Images
	if len(u.Images) == 0 {
		u.Images = vd.Images
	}

	for field, conf := range text.Confidence {
		unified.Confidence[field] = conf
	}
	for field, conf := range visual.Confidence {
		if conf > unified.Confidence[field] {
			unified.Confidence[field] = conf
		}
	}

	unified.UncertainFields = uncertainInAll([]*models.ExtractionResult{text, visual})
	unified.Reasons = append(append([]string{}, text.Reasons...), visual.Reasons...)
	return unified
}

func pickByConfidence(text, visual *models.ExtractionResult, field, textVal, visualVal string) string {
	switch {
	case textVal == "":
		return visualVal
	case visualVal == "":
		return textVal
	case confidence(visual, field) > confidence(text, field):
		return visualVal
	default:
		return textVal
	}
}

// confidence returns the reported confidence for a field, assuming a
// middling 0.5 for values the model returned without scoring.
func confidence(result *models.ExtractionResult, field string) float64 {
	if conf, ok := result.Confidence[field]; ok {
		return conf
	}
	return 0.5
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func uncertainInAll(results []*models.ExtractionResult) []string {
	if len(results) == 0 {
		return nil
	}

	counts := make(map[string]int)
	for _, r := range results {
		seen := make(map[string]bool)
		for _, field := range r.UncertainFields {
			if !seen[field] {
				counts[field]++
				seen[field] = true
			}
		}
	}

	var fields []string
	for _, field := range results[0].UncertainFields {
		if counts[field] == len(results) {
			fields = append(fields, field)
		}
	}
	return fields
}

// Package extract wraps the generation gateway with the listing schema
// contract. Every failure path collapses into a safe default envelope so
// the pipeline always has a result to score.
package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/venari/internal/llm"
	"github.com/ternarybob/venari/internal/models"
)

// maxContentChars caps the condensed page content sent to the model
const maxContentChars = 12000

// Generator is the gateway surface the service needs
type Generator interface {
	Generate(ctx context.Context, req llm.Request) (string, error)
}

// Service performs first-pass text extraction
type Service struct {
	gateway   Generator
	converter *md.Converter
	logger    arbor.ILogger
}

// NewService creates an extraction service over the gateway
func NewService(gateway Generator, logger arbor.ILogger) *Service {
	return &Service{
		gateway:   gateway,
		converter: md.NewConverter("", true, nil),
		logger:    logger,
	}
}

// Extract runs the schema-constrained first pass over a listing page.
// It never returns an error: call failures and unparseable output yield the
// safe default envelope with escalation forced on.
func (s *Service) Extract(ctx context.Context, html, pageURL string, hints *models.ParsedCandidates) *models.ExtractionResult {
	prompt := s.buildPrompt(html, pageURL, hints)

	text, err := s.gateway.Generate(ctx, llm.Request{Prompt: prompt, ResponseJSON: true})
	if err != nil {
		if s.logger != nil {
			s.logger.Warn().Err(err).Str("url", pageURL).Msg("Extraction call failed, returning safe default")
		}
		return applyHints(models.SafeDefaultResult(fmt.Sprintf("extraction call failed: %v", err)), hints)
	}

	result, reason := ParseEnvelope(text)
	if result == nil {
		if s.logger != nil {
			s.logger.Warn().Str("url", pageURL).Str("reason", reason).Msg("Model output not parseable, returning safe default")
		}
		return applyHints(models.SafeDefaultResult(reason), hints)
	}

	return applyHints(result, hints)
}

func (s *Service) buildPrompt(html, pageURL string, hints *models.ParsedCandidates) string {
	content := s.condense(html)

	hintsJSON := "{}"
	if hints != nil {
		if data, err := json.Marshal(hints); err == nil {
			hintsJSON = string(data)
		}
	}

	var sb strings.Builder
	sb.WriteString("You are extracting structured data about a bicycle from a classified-ad listing page.\n\n")
	sb.WriteString("Return ONLY valid JSON with this exact shape:\n")
	sb.WriteString(`{
  "data": {
    "title": "string or null",
    "brand": "string or null",
    "model": "string or null",
    "price": "number in euros or null",
    "year": "number or null",
    "frame_size": "string or null",
    "category": "string or null",
    "condition": "string or null",
    "description": "string or null",
    "location": "string or null",
    "seller": "string or null",
    "images": ["image url"],
    "source_id": "string or null"
  },
  "confidence": {"fieldName": 0.0},
  "uncertain_fields": ["fieldName"],
  "needs_playwright": false
}`)
	sb.WriteString("\n\nRules:\n")
	sb.WriteString("- Normalize brand names to their canonical form (e.g. \"Specialized\", \"Trek\", \"Canyon\", \"Cube\").\n")
	sb.WriteString("- If a field cannot be determined from the page, set it to null. Never guess.\n")
	sb.WriteString("- confidence maps each extracted field to a value between 0.0 and 1.0.\n")
	sb.WriteString("- List every field with confidence below 0.6 in uncertain_fields.\n")
	sb.WriteString("- Set needs_playwright to true when title, price or brand is missing or uncertain.\n\n")
	sb.WriteString("Page URL: " + pageURL + "\n")
	sb.WriteString("Heuristic hints (may be wrong): " + hintsJSON + "\n\n")
	sb.WriteString("Page content:\n" + content + "\n")

	return sb.String()
}

// condense converts the page to markdown and truncates it. Markdown strips
// tag noise so the token estimate stays proportional to visible content.
func (s *Service) condense(html string) string {
	content, err := s.converter.ConvertString(html)
	if err != nil || strings.TrimSpace(content) == "" {
		content = html
	}
	if len(content) > maxContentChars {
		content = content[:maxContentChars]
	}
	return content
}

// applyHints backfills fields the model left empty from the cheap DOM pass
func applyHints(result *models.ExtractionResult, hints *models.ParsedCandidates) *models.ExtractionResult {
	if hints == nil {
		return result
	}
	if result.Data.SourceID == "" {
		result.Data.SourceID = hints.AdID
	}
	if len(result.Data.Images) == 0 {
		result.Data.Images = hints.Images
	}
	if result.Data.Title == "" {
		result.Data.Title = hints.Title
	}
	if result.Data.PriceCents == 0 {
		result.Data.PriceCents = hints.PriceCents
	}
	if result.Data.Location == "" {
		result.Data.Location = hints.Location
	}
	return result
}

// wireData is the model's view of the data object. Numbers arrive as JSON
// numbers in euros.
type wireData struct {
	Title       *string  `json:"title"`
	Brand       *string  `json:"brand"`
	Model       *string  `json:"model"`
	Price       *float64 `json:"price"`
	Year        *float64 `json:"year"`
	FrameSize   *string  `json:"frame_size"`
	Category    *string  `json:"category"`
	Condition   *string  `json:"condition"`
	Description *string  `json:"description"`
	Location    *string  `json:"location"`
	Seller      *string  `json:"seller"`
	Images      []string `json:"images"`
	SourceID    *string  `json:"source_id"`
}

func (w *wireData) empty() bool {
	return w.Title == nil && w.Brand == nil && w.Model == nil && w.Price == nil &&
		w.Year == nil && w.Description == nil && w.Location == nil &&
		len(w.Images) == 0 && w.SourceID == nil
}

type wireEnvelope struct {
	Data            *wireData          `json:"data"`
	Confidence      map[string]float64 `json:"confidence"`
	UncertainFields []string           `json:"uncertain_fields"`
	NeedsPlaywright *bool              `json:"needs_playwright"`
	Reasons         []string           `json:"reasons"`
}

// ParseEnvelope turns raw model output into the extraction envelope.
// Three explicit paths: strict envelope, flat reinterpretation, failure
// (nil result plus the reason).
func ParseEnvelope(text string) (*models.ExtractionResult, string) {
	cleaned := CleanJSON(text)
	if cleaned == "" {
		return nil, "model output contained no JSON"
	}

	// Strict path: the documented envelope
	var envelope wireEnvelope
	if err := json.Unmarshal([]byte(cleaned), &envelope); err == nil && envelope.Data != nil {
		result := &models.ExtractionResult{
			Data:            envelope.Data.toFields(),
			Confidence:      envelope.Confidence,
			UncertainFields: envelope.UncertainFields,
			Reasons:         envelope.Reasons,
		}
		if result.Confidence == nil {
			result.Confidence = map[string]float64{}
		}
		if envelope.NeedsPlaywright != nil {
			result.NeedsPlaywright = *envelope.NeedsPlaywright
		}
		return result, ""
	}

	// Flat path: the model omitted the data wrapper
	var flat wireData
	if err := json.Unmarshal([]byte(cleaned), &flat); err == nil && !flat.empty() {
		result := &models.ExtractionResult{
			Data:       flat.toFields(),
			Confidence: map[string]float64{},
			Reasons:    []string{"structure normalized by client"},
		}
		// Flat output can still carry needs_playwright at the top level;
		// the envelope decode above picked it up even without a data key
		if envelope.NeedsPlaywright != nil {
			result.NeedsPlaywright = *envelope.NeedsPlaywright
		}
		return result, ""
	}

	return nil, "model output not valid JSON"
}

func (w *wireData) toFields() models.ListingFields {
	fields := models.ListingFields{
		Images: w.Images,
	}
	if w.Title != nil {
		fields.Title = strings.TrimSpace(*w.Title)
	}
	if w.Brand != nil {
		fields.Brand = strings.TrimSpace(*w.Brand)
	}
	if w.Model != nil {
		fields.Model = strings.TrimSpace(*w.Model)
	}
	if w.Price != nil && *w.Price > 0 {
		fields.PriceCents = int64(*w.Price*100 + 0.5)
	}
	if w.Year != nil {
		fields.Year = int(*w.Year)
	}
	if w.FrameSize != nil {
		fields.FrameSize = strings.TrimSpace(*w.FrameSize)
	}
	if w.Category != nil {
		fields.Category = strings.TrimSpace(*w.Category)
	}
	if w.Condition != nil {
		fields.Condition = strings.TrimSpace(*w.Condition)
	}
	if w.Description != nil {
		fields.Description = strings.TrimSpace(*w.Description)
	}
	if w.Location != nil {
		fields.Location = strings.TrimSpace(*w.Location)
	}
	if w.Seller != nil {
		fields.Seller = strings.TrimSpace(*w.Seller)
	}
	if w.SourceID != nil {
		fields.SourceID = strings.TrimSpace(*w.SourceID)
	}
	return fields
}

// CleanJSON strips code fences and recovers the outermost JSON object from
// noisy model output.
func CleanJSON(text string) string {
	text = strings.TrimSpace(text)

	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
		text = strings.TrimSpace(text)
	}

	first := strings.Index(text, "{")
	last := strings.LastIndex(text, "}")
	if first < 0 || last < first {
		return ""
	}
	return text[first : last+1]
}

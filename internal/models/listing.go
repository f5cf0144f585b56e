package models

import "time"

// ListingStatus is the lifecycle state of a persisted listing
type ListingStatus string

const (
	StatusPending   ListingStatus = "pending"
	StatusDraft     ListingStatus = "draft"
	StatusPublished ListingStatus = "published"
	StatusRejected  ListingStatus = "rejected"
)

// Processed mode values recorded on persisted listings
const (
	ModeHTMLOnly   = "html-only"
	ModeMultimodal = "multimodal"
)

// ListingFields is the normalized structured record extracted from an ad page.
// Empty string / zero means the field is unknown.
type ListingFields struct {
	Title       string   `json:"title,omitempty"`
	Brand       string   `json:"brand,omitempty"`
	Model       string   `json:"model,omitempty"`
	PriceCents  int64    `json:"price_cents,omitempty"`
	Year        int      `json:"year,omitempty"`
	FrameSize   string   `json:"frame_size,omitempty"`
	Category    string   `json:"category,omitempty"`
	Condition   string   `json:"condition,omitempty"`
	Description string   `json:"description,omitempty"`
	Location    string   `json:"location,omitempty"`
	Seller      string   `json:"seller,omitempty"`
	Images      []string `json:"images,omitempty"`
	SourceID    string   `json:"source_id,omitempty"`
}

// ExtractionResult is the envelope returned by the extraction service:
// structured data plus per-field confidence and the escalation flag.
type ExtractionResult struct {
	Data            ListingFields      `json:"data"`
	Confidence      map[string]float64 `json:"confidence"`
	UncertainFields []string           `json:"uncertain_fields"`
	NeedsPlaywright bool               `json:"needs_playwright"`
	Reasons         []string           `json:"reasons,omitempty"`
}

// SafeDefaultResult is the envelope returned when extraction fails entirely.
// The pipeline always has something to score; escalation is forced on.
func SafeDefaultResult(reason string) *ExtractionResult {
	return &ExtractionResult{
		Data:            ListingFields{},
		Confidence:      map[string]float64{},
		UncertainFields: []string{"all"},
		NeedsPlaywright: true,
		Reasons:         []string{reason},
	}
}

// ListingRecord is the persisted form of an extracted listing
type ListingRecord struct {
	SourceID        string             `json:"source_id" badgerhold:"unique"`
	URL             string             `json:"url"`
	Title           string             `json:"title"`
	Brand           string             `json:"brand,omitempty"`
	Model           string             `json:"model,omitempty"`
	PriceCents      int64              `json:"price_cents,omitempty"`
	Year            int                `json:"year,omitempty"`
	FrameSize       string             `json:"frame_size,omitempty"`
	Category        string             `json:"category,omitempty"`
	Condition       string             `json:"condition,omitempty"`
	Description     string             `json:"description,omitempty"`
	Location        string             `json:"location,omitempty"`
	Seller          string             `json:"seller,omitempty"`
	Images          []string           `json:"images,omitempty"`
	LocalImages     []string           `json:"local_images,omitempty"`
	ContentHash     string             `json:"content_hash"`
	Score           float64            `json:"score"`
	ScoreBreakdown  map[string]float64 `json:"score_breakdown,omitempty"`
	Status          ListingStatus      `json:"status" badgerhold:"index"`
	ProcessedMode   string             `json:"processed_mode"`
	Confidence      map[string]float64 `json:"confidence,omitempty"`
	UncertainFields []string           `json:"uncertain_fields,omitempty"`
	SourceTag       string             `json:"source_tag,omitempty"`
	CreatedAt       time.Time          `json:"created_at"`
	UpdatedAt       time.Time          `json:"updated_at"`
}

// SearchItem is one card from a search-results page. Not persisted.
type SearchItem struct {
	AdID       string `json:"ad_id"`
	Title      string `json:"title"`
	PriceText  string `json:"price_text"`
	PriceCents int64  `json:"price_cents"`
	URL        string `json:"url"`
	Location   string `json:"location,omitempty"`
	Snippet    string `json:"snippet,omitempty"`
}

// ParsedCandidates holds cheap DOM-level hints from a listing page.
// Missing fields stay empty; parsing never fails.
type ParsedCandidates struct {
	Title           string   `json:"title,omitempty"`
	PriceText       string   `json:"price_text,omitempty"`
	PriceCents      int64    `json:"price_cents,omitempty"`
	Description     string   `json:"description,omitempty"`
	Location        string   `json:"location,omitempty"`
	AdID            string   `json:"ad_id,omitempty"`
	Images          []string `json:"images,omitempty"`
	MetaDescription string   `json:"meta_description,omitempty"`
}

// CapturedPage holds viewport screenshots taken during visual enrichment
type CapturedPage struct {
	URL      string
	Slices   [][]byte // JPEG viewport slices, top of page first
	Captured time.Time
}

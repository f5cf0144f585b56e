// Package scoring decides which extracted listings are worth keeping and
// which are good enough to publish. Scoring is pure and deterministic;
// the same record always yields the same score and breakdown.
package scoring

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ternarybob/venari/internal/common"
	"github.com/ternarybob/venari/internal/models"
)

// Result is the scoring verdict for one record
type Result struct {
	Value         float64
	Breakdown     map[string]float64
	ShouldKeep    bool
	ShouldPublish bool
}

// Engine scores extracted listings against configured weights
type Engine struct {
	cfg *common.ScoringConfig
}

// NewEngine creates a scoring engine
func NewEngine(cfg *common.ScoringConfig) *Engine {
	return &Engine{cfg: cfg}
}

// Score computes the weighted-additive acceptance score, clamped to [0,1].
// A price outside the plausible band is penalized, not just unrewarded.
func (e *Engine) Score(fields *models.ListingFields) Result {
	breakdown := make(map[string]float64)
	score := 0.0

	if e.brandAllowed(fields.Brand) {
		breakdown["brand"] = e.cfg.BrandWeight
		score += e.cfg.BrandWeight
	}

	switch {
	case len(fields.Images) >= 3:
		breakdown["images"] = e.cfg.ImagesFull
		score += e.cfg.ImagesFull
	case len(fields.Images) > 0:
		breakdown["images"] = e.cfg.ImagesPartial
		score += e.cfg.ImagesPartial
	}

	if len(fields.Description) >= e.cfg.DescMinLength {
		breakdown["description"] = e.cfg.DescWeight
		score += e.cfg.DescWeight
	}

	if fields.PriceCents >= e.cfg.PriceMinCents && fields.PriceCents <= e.cfg.PriceMaxCents {
		breakdown["price"] = e.cfg.PriceWeight
		score += e.cfg.PriceWeight
	} else {
		breakdown["price"] = -e.cfg.PricePenalty
		score -= e.cfg.PricePenalty
	}

	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}

	return Result{
		Value:         score,
		Breakdown:     breakdown,
		ShouldKeep:    score >= e.cfg.KeepThreshold,
		ShouldPublish: score >= e.cfg.PublishThresh,
	}
}

func (e *Engine) brandAllowed(brand string) bool {
	if brand == "" {
		return false
	}
	lower := strings.ToLower(brand)
	for _, allowed := range e.cfg.BrandAllowlist {
		if lower == strings.ToLower(allowed) {
			return true
		}
	}
	return false
}

// ContentHash returns a stable identifier for dedup: sha256 over the
// normalized title, price and description.
func ContentHash(fields *models.ListingFields) string {
	payload := fmt.Sprintf("%s|%d|%s",
		strings.ToLower(strings.TrimSpace(fields.Title)),
		fields.PriceCents,
		strings.ToLower(strings.TrimSpace(fields.Description)),
	)
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

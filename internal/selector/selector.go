// Package selector picks the handful of search results worth the cost of a
// full extraction pass: cheap lexical pruning first, then a model ranking
// constrained to keep enough picks inside the preferred price band.
package selector

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/venari/internal/common"
	"github.com/ternarybob/venari/internal/extract"
	"github.com/ternarybob/venari/internal/llm"
	"github.com/ternarybob/venari/internal/models"
)

// Generator is the gateway surface the selector needs
type Generator interface {
	Generate(ctx context.Context, req llm.Request) (string, error)
}

// Selector ranks search-result candidates
type Selector struct {
	gateway Generator
	cfg     *common.SelectorConfig
	logger  arbor.ILogger
}

// New creates a Selector
func New(gateway Generator, cfg *common.SelectorConfig, logger arbor.ILogger) *Selector {
	return &Selector{gateway: gateway, cfg: cfg, logger: logger}
}

// Select returns up to TargetCount items. The model ranking can fail or
// return garbage; the band-first ordering is always the fallback.
func (s *Selector) Select(ctx context.Context, items []models.SearchItem) []models.SearchItem {
	pool := s.prune(items)
	if len(pool) == 0 {
		return nil
	}
	if len(pool) > s.cfg.ShortlistLimit && s.cfg.ShortlistLimit > 0 {
		pool = pool[:s.cfg.ShortlistLimit]
	}

	ordered := s.bandFirst(pool)

	target := s.cfg.TargetCount
	if target <= 0 {
		target = 3
	}
	if len(ordered) <= target {
		return ordered
	}

	picks, err := s.rank(ctx, ordered, target)
	if err != nil {
		if s.logger != nil {
			s.logger.Warn().Err(err).Msg("Model ranking failed, falling back to band-first ordering")
		}
		return ordered[:target]
	}

	picks = s.fill(picks, ordered, target)
	picks = s.enforceBandMinimum(picks, ordered)
	return picks
}

// prune drops items with negative lexical signals or implausible prices
func (s *Selector) prune(items []models.SearchItem) []models.SearchItem {
	var out []models.SearchItem
	for _, item := range items {
		title := strings.ToLower(item.Title)
		if s.hasNegativeKeyword(title) {
			continue
		}
		if item.PriceCents > 0 && item.PriceCents < s.cfg.PriceFloorCents {
			continue
		}
		out = append(out, item)
	}
	return out
}

func (s *Selector) hasNegativeKeyword(lowerTitle string) bool {
	for _, kw := range s.cfg.NegativeKeywords {
		if strings.Contains(lowerTitle, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

func (s *Selector) inBand(item models.SearchItem) bool {
	return item.PriceCents >= s.cfg.BandMinCents && item.PriceCents <= s.cfg.BandMaxCents
}

// bandFirst reorders the pool so preferred-band items are considered first,
// preserving relative order within each group
func (s *Selector) bandFirst(items []models.SearchItem) []models.SearchItem {
	ordered := make([]models.SearchItem, 0, len(items))
	for _, item := range items {
		if s.inBand(item) {
			ordered = append(ordered, item)
		}
	}
	for _, item := range items {
		if !s.inBand(item) {
			ordered = append(ordered, item)
		}
	}
	return ordered
}

type rankResponse struct {
	Indices []int  `json:"indices"`
	Reason  string `json:"reason"`
}

// rank asks the gateway to choose the best subset for the buyer intent
func (s *Selector) rank(ctx context.Context, ordered []models.SearchItem, target int) ([]models.SearchItem, error) {
	prompt := s.buildPrompt(ordered, target)

	text, err := s.gateway.Generate(ctx, llm.Request{Prompt: prompt, ResponseJSON: true})
	if err != nil {
		return nil, err
	}

	cleaned := extract.CleanJSON(text)
	if cleaned == "" {
		return nil, fmt.Errorf("ranking output contained no JSON")
	}
	var resp rankResponse
	if err := json.Unmarshal([]byte(cleaned), &resp); err != nil {
		return nil, fmt.Errorf("ranking output not valid JSON: %w", err)
	}

	var picks []models.SearchItem
	seen := make(map[int]bool)
	for _, idx := range resp.Indices {
		if idx < 0 || idx >= len(ordered) || seen[idx] {
			continue
		}
		seen[idx] = true
		picks = append(picks, ordered[idx])
		if len(picks) == target {
			break
		}
	}

	if s.logger != nil {
		s.logger.Debug().
			Int("picked", len(picks)).
			Str("reason", resp.Reason).
			Msg("Model ranking applied")
	}

	return picks, nil
}

func (s *Selector) buildPrompt(ordered []models.SearchItem, target int) string {
	var sb strings.Builder
	sb.WriteString("You are choosing which classified-ad listings to inspect in detail.\n")
	sb.WriteString("Buyer intent: " + s.cfg.BuyerIntent + "\n")
	fmt.Fprintf(&sb, "Preferred price band: %.0f-%.0f EUR. Prefer listings inside the band.\n\n", float64(s.cfg.BandMinCents)/100, float64(s.cfg.BandMaxCents)/100)
	sb.WriteString("Candidates:\n")
	for i, item := range ordered {
		fmt.Fprintf(&sb, "%d. %s | %s | %s | %s\n", i, item.Title, item.PriceText, item.Location, item.Snippet)
	}
	fmt.Fprintf(&sb, "\nReturn ONLY JSON: {\"indices\": [up to %d zero-based indices, best first], \"reason\": \"one sentence\"}\n", target)
	return sb.String()
}

// fill pads a short selection from the ordered pool
func (s *Selector) fill(picks, ordered []models.SearchItem, target int) []models.SearchItem {
	if len(picks) >= target {
		return picks[:target]
	}
	selected := make(map[string]bool, len(picks))
	for _, p := range picks {
		selected[p.URL] = true
	}
	for _, item := range ordered {
		if len(picks) == target {
			break
		}
		if selected[item.URL] {
			continue
		}
		selected[item.URL] = true
		picks = append(picks, item)
	}
	return picks
}

// enforceBandMinimum swaps in-band candidates for the lowest-priority
// out-of-band picks until the minimum is met or the pool runs out
func (s *Selector) enforceBandMinimum(picks, ordered []models.SearchItem) []models.SearchItem {
	minInBand := s.cfg.MinInBand
	if minInBand <= 0 {
		return picks
	}

	count := 0
	for _, p := range picks {
		if s.inBand(p) {
			count++
		}
	}
	if count >= minInBand {
		return picks
	}

	selected := make(map[string]bool, len(picks))
	for _, p := range picks {
		selected[p.URL] = true
	}

	for _, candidate := range ordered {
		if count >= minInBand {
			break
		}
		if selected[candidate.URL] || !s.inBand(candidate) {
			continue
		}
		// Replace the last out-of-band pick
		swapped := false
		for i := len(picks) - 1; i >= 0; i-- {
			if !s.inBand(picks[i]) {
				delete(selected, picks[i].URL)
				picks[i] = candidate
				selected[candidate.URL] = true
				count++
				swapped = true
				break
			}
		}
		if !swapped {
			break
		}
	}

	return picks
}

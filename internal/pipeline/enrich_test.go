package pipeline

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/venari/internal/llm"
	"github.com/ternarybob/venari/internal/models"
)

func TestFuseResultsFirstNonEmptyWins(t *testing.T) {
	results := []*models.ExtractionResult{
		{Data: models.ListingFields{Brand: "", Title: "Trek Marlin", PriceCents: 0}},
		{Data: models.ListingFields{Brand: "Trek", Title: "Marlin 7", PriceCents: 250000}},
		{Data: models.ListingFields{Brand: "Giant", Title: "wrong", PriceCents: 99}},
	}

	fused := FuseResults(results)

	if fused.Data.Title != "Trek Marlin" {
		t.Fatalf("title = %q, first response should win", fused.Data.Title)
	}
	if fused.Data.Brand != "Trek" {
		t.Fatalf("brand = %q, first non-empty should win", fused.Data.Brand)
	}
	if fused.Data.PriceCents != 250000 {
		t.Fatalf("price = %d", fused.Data.PriceCents)
	}
}

func TestFuseResultsLongestDescription(t *testing.T) {
	results := []*models.ExtractionResult{
		{Data: models.ListingFields{Description: "kurz"}},
		{Data: models.ListingFields{Description: "deutlich laengere Beschreibung mit Details"}},
		{Data: models.ListingFields{Description: "mittel lang"}},
	}

	fused := FuseResults(results)
	if fused.Data.Description != "deutlich laengere Beschreibung mit Details" {
		t.Fatalf("description = %q", fused.Data.Description)
	}
}

func TestFuseResultsConfidenceMaximum(t *testing.T) {
	results := []*models.ExtractionResult{
		{Confidence: map[string]float64{"brand": 0.4, "title": 0.9}},
		{Confidence: map[string]float64{"brand": 0.8, "title": 0.3}},
	}

	fused := FuseResults(results)
	if fused.Confidence["brand"] != 0.8 || fused.Confidence["title"] != 0.9 {
		t.Fatalf("confidence not maximized: %v", fused.Confidence)
	}
}

func TestFuseResultsUncertainOnlyWhenAllAgree(t *testing.T) {
	results := []*models.ExtractionResult{
		{UncertainFields: []string{"year", "frame_size"}},
		{UncertainFields: []string{"year"}},
	}

	fused := FuseResults(results)
	if len(fused.UncertainFields) != 1 || fused.UncertainFields[0] != "year" {
		t.Fatalf("uncertain fields = %v, want [year]", fused.UncertainFields)
	}
}

func TestFuseResultsEmptyInput(t *testing.T) {
	fused := FuseResults(nil)
	if !fused.NeedsPlaywright {
		t.Fatal("empty fusion must return the safe default")
	}
}

func TestUnifyHigherConfidenceWins(t *testing.T) {
	text := &models.ExtractionResult{
		Data:       models.ListingFields{Condition: "gebraucht", Title: "Trek Marlin"},
		Confidence: map[string]float64{"condition": 0.3, "title": 0.9},
	}
	visual := &models.ExtractionResult{
		Data:       models.ListingFields{Condition: "sehr gut", Title: "anders"},
		Confidence: map[string]float64{"condition": 0.85, "title": 0.4},
	}

	unified := Unify(text, visual)

	if unified.Data.Condition != "sehr gut" {
		t.Fatalf("condition = %q, higher visual confidence should win", unified.Data.Condition)
	}
	if unified.Data.Title != "Trek Marlin" {
		t.Fatalf("title = %q, higher text confidence should win", unified.Data.Title)
	}
}

func TestUnifyPresentBeatsAbsent(t *testing.T) {
	text := &models.ExtractionResult{
		Data:       models.ListingFields{Title: "Trek Marlin"},
		Confidence: map[string]float64{"title": 0.9},
	}
	visual := &models.ExtractionResult{
		Data:       models.ListingFields{Brand: "Trek"},
		Confidence: map[string]float64{"brand": 0.2},
	}

	unified := Unify(text, visual)
	if unified.Data.Title != "Trek Marlin" || unified.Data.Brand != "Trek" {
		t.Fatalf("present values lost: %+v", unified.Data)
	}
}

func TestUnifyKeepsTextImages(t *testing.T) {
	text := &models.ExtractionResult{
		Data: models.ListingFields{Images: []string{"https://img.example.com/a.jpg"}},
	}
	visual := &models.ExtractionResult{
		Data:       models.ListingFields{Images: []string{"hallucinated.jpg"}},
		Confidence: map[string]float64{},
	}

	unified := Unify(text, visual)
	if len(unified.Data.Images) != 1 || unified.Data.Images[0] != "https://img.example.com/a.jpg" {
		t.Fatalf("images = %v, text URLs must win", unified.Data.Images)
	}
}

func TestEnrichAllCallsFail(t *testing.T) {
	gateway := &stubGateway{err: fmt.Errorf("quota exhausted")}
	enricher := NewEnricher(gateway, 3, arbor.NewLogger())

	result := enricher.Enrich(context.Background(), &models.CapturedPage{
		URL:    "https://example.com/ad/1",
		Slices: [][]byte{[]byte("jpeg")},
	})

	if !result.NeedsPlaywright {
		t.Fatal("expected safe default when every call fails")
	}
	if len(result.UncertainFields) != 1 || result.UncertainFields[0] != "all" {
		t.Fatalf("uncertain fields = %v", result.UncertainFields)
	}
}

func TestEnrichAwaitsAllCalls(t *testing.T) {
	var calls atomic.Int64
	gateway := &countingGateway{calls: &calls, response: visualEnvelope}
	enricher := NewEnricher(gateway, 3, arbor.NewLogger())

	result := enricher.Enrich(context.Background(), &models.CapturedPage{
		URL:    "https://example.com/ad/2",
		Slices: [][]byte{[]byte("jpeg")},
	})

	if calls.Load() != 3 {
		t.Fatalf("expected 3 parallel calls, got %d", calls.Load())
	}
	if result.Data.Brand != "Trek" {
		t.Fatalf("fused brand = %q", result.Data.Brand)
	}
}

type countingGateway struct {
	calls    *atomic.Int64
	response string
}

func (c *countingGateway) Generate(ctx context.Context, req llm.Request) (string, error) {
	c.calls.Add(1)
	return c.response, nil
}

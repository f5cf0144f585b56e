// Package parser extracts cheap DOM-level hints from classified-ad pages.
// The selectors target the marketplace's detail and search-result layouts;
// selector drift degrades fields to empty values, never to errors.
package parser

import (
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/ternarybob/venari/internal/models"
)

// Detail-page selector cascades, first match wins
var (
	titleSelectors = []string{
		"#viewad-title",
		".boxedarticle--title",
		"h1",
	}
	priceSelectors = []string{
		"#viewad-price",
		".boxedarticle--price",
		".price-element",
		".ad-price",
	}
	descriptionSelectors = []string{
		"#viewad-description-text",
		".ad-description",
	}
	locationSelectors = []string{
		"#viewad-locality",
		".boxedarticle--location",
		`[data-testid="ad-location"]`,
	}
)

var adIDPattern = regexp.MustCompile(`/(\d{6,})`)

// ParseHints extracts heuristic field candidates from a listing detail page.
// Missing fields stay empty; malformed HTML never produces an error.
func ParseHints(html string) *models.ParsedCandidates {
	hints := &models.ParsedCandidates{}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return hints
	}

	hints.Title = firstText(doc, titleSelectors)
	if hints.Title == "" {
		hints.Title = strings.TrimSpace(doc.Find("title").First().Text())
	}

	hints.PriceText = firstText(doc, priceSelectors)
	hints.PriceCents = ParsePriceCents(hints.PriceText)

	hints.Description = firstText(doc, descriptionSelectors)
	hints.Location = firstText(doc, locationSelectors)

	if content, ok := doc.Find(`meta[name="description"]`).First().Attr("content"); ok {
		hints.MetaDescription = strings.TrimSpace(content)
	}
	if hints.Description == "" {
		hints.Description = hints.MetaDescription
	}

	hints.AdID = findAdID(doc)
	hints.Images = findImages(doc)

	return hints
}

func firstText(doc *goquery.Document, selectors []string) string {
	for _, selector := range selectors {
		if text := strings.TrimSpace(doc.Find(selector).First().Text()); text != "" {
			return text
		}
	}
	return ""
}

func findAdID(doc *goquery.Document) string {
	if id, ok := doc.Find("[data-adid]").First().Attr("data-adid"); ok && id != "" {
		return id
	}
	if href, ok := doc.Find(`link[rel="canonical"]`).First().Attr("href"); ok {
		if m := adIDPattern.FindStringSubmatch(href); m != nil {
			return m[1]
		}
	}
	if content, ok := doc.Find(`meta[property="og:url"]`).First().Attr("content"); ok {
		if m := adIDPattern.FindStringSubmatch(content); m != nil {
			return m[1]
		}
	}
	return ""
}

func findImages(doc *goquery.Document) []string {
	var images []string
	seen := make(map[string]bool)

	add := func(src string) {
		src = strings.TrimSpace(src)
		if src == "" || seen[src] || strings.HasPrefix(src, "data:") {
			return
		}
		seen[src] = true
		images = append(images, src)
	}

	doc.Find("[data-imgsrc]").Each(func(_ int, s *goquery.Selection) {
		if src, ok := s.Attr("data-imgsrc"); ok {
			add(src)
		}
	})
	doc.Find(".galleryimage-element img").Each(func(_ int, s *goquery.Selection) {
		if src, ok := s.Attr("src"); ok {
			add(src)
		}
	})
	if src, ok := doc.Find("#viewad-image").First().Attr("src"); ok {
		add(src)
	}

	return images
}

// ParsePriceCents normalizes marketplace price text ("1.250 €", "1.234,56 EUR",
// "VB") into cents. Unparseable text yields 0.
func ParsePriceCents(text string) int64 {
	var sb strings.Builder
	for _, r := range text {
		if (r >= '0' && r <= '9') || r == ',' {
			sb.WriteRune(r)
		}
	}
	cleaned := strings.ReplaceAll(sb.String(), ",", ".")
	if cleaned == "" {
		return 0
	}
	// Keep only the first decimal point
	if first := strings.Index(cleaned, "."); first >= 0 {
		cleaned = cleaned[:first+1] + strings.ReplaceAll(cleaned[first+1:], ".", "")
	}
	euros, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return 0
	}
	return int64(euros*100 + 0.5)
}

// resolveURL makes a possibly-relative href absolute against the page URL
func resolveURL(baseURL, href string) string {
	base, err := url.Parse(baseURL)
	if err != nil {
		return href
	}
	ref, err := url.Parse(href)
	if err != nil {
		return href
	}
	return base.ResolveReference(ref).String()
}

package parser

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/ternarybob/venari/internal/models"
)

// ParseSearchResults extracts result cards from a search page. Cards missing
// a link are skipped; every other field degrades to empty.
func ParseSearchResults(html, baseURL string) []models.SearchItem {
	var items []models.SearchItem

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return items
	}

	doc.Find("article.aditem").Each(func(_ int, card *goquery.Selection) {
		link := card.Find(".aditem-main--middle--title a").First()
		href, ok := link.Attr("href")
		if !ok || strings.TrimSpace(href) == "" {
			return
		}

		item := models.SearchItem{
			Title:     strings.TrimSpace(link.Text()),
			URL:       resolveURL(baseURL, strings.TrimSpace(href)),
			PriceText: strings.TrimSpace(card.Find(".aditem-main--middle--price-shipping--price").First().Text()),
			Location:  strings.TrimSpace(card.Find(".aditem-main--top--left").First().Text()),
			Snippet:   strings.TrimSpace(card.Find(".aditem-main--middle--description").First().Text()),
		}
		item.PriceCents = ParsePriceCents(item.PriceText)

		if id, ok := card.Attr("data-adid"); ok && id != "" {
			item.AdID = id
		} else if m := adIDPattern.FindStringSubmatch(item.URL); m != nil {
			item.AdID = m[1]
		}

		items = append(items, item)
	})

	return items
}

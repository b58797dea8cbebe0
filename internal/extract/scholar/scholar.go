// Package scholar extracts articles from Google Scholar alert emails.
package scholar

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/linnemanlabs/scholardigest/internal/digest"
)

// Extractor parses Scholar alert HTML. Each h3 holding an a.gse_alrt_title
// anchor is one article; its snippet is the first div.gse_alrt_sni before
// the next h3.
type Extractor struct{}

// New returns an Extractor.
func New() *Extractor { return &Extractor{} }

// Extract implements digest.Extractor. Entries without a title or link are
// dropped.
func (e *Extractor) Extract(msg digest.RawMessage) ([]digest.RawArticle, error) {
	return Parse(msg.HTML)
}

// Parse extracts the articles in one alert body, in document order.
func Parse(html string) ([]digest.RawArticle, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse alert html: %w", err)
	}

	var out []digest.RawArticle
	doc.Find("h3").Each(func(_ int, h3 *goquery.Selection) {
		anchor := h3.Find("a.gse_alrt_title").First()
		if anchor.Length() == 0 {
			return
		}
		title := cleanText(anchor.Text())
		link, _ := anchor.Attr("href")
		link = strings.TrimSpace(link)
		if title == "" || link == "" {
			return
		}

		snippet := h3.NextUntil("h3").Filter("div.gse_alrt_sni").First()
		out = append(out, digest.RawArticle{
			Title:   title,
			Link:    link,
			Summary: cleanText(snippet.Text()),
		})
	})
	return out, nil
}

func cleanText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

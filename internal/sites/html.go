package sites

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/dbsmedya/goscrape/internal/config"
	"github.com/dbsmedya/goscrape/internal/types"
)

// HTMLExtractor parses an article page into header, text, category and time
// fields. Each field has a selector option: header_selector, text_selector,
// category_selector and time_selector.
type HTMLExtractor struct {
	header   string
	text     string
	category string
	time     string
}

func newHTMLExtractor(step *config.StepConfig, _ Env) (any, error) {
	return &HTMLExtractor{
		header:   optString(step, "header_selector", "h1"),
		text:     optString(step, "text_selector", "article p, main p"),
		category: optString(step, "category_selector", `meta[property="article:section"]`),
		time:     optString(step, "time_selector", "time[datetime]"),
	}, nil
}

// Extract returns one record per page. Pages without a header or text
// produce nothing.
func (x *HTMLExtractor) Extract(_ context.Context, rec types.Record) ([]types.Record, error) {
	if rec.Format != "" && rec.Format != "html" {
		return nil, fmt.Errorf("html extractor cannot parse %s content", rec.Format)
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(rec.Content))
	if err != nil {
		return nil, fmt.Errorf("failed to parse html: %w", err)
	}

	header := strings.TrimSpace(doc.Find(x.header).First().Text())
	if header == "" {
		header = strings.TrimSpace(doc.Find("title").First().Text())
	}

	var paragraphs []string
	doc.Find(x.text).Each(func(_ int, s *goquery.Selection) {
		if t := strings.Join(strings.Fields(s.Text()), " "); t != "" {
			paragraphs = append(paragraphs, t)
		}
	})
	if header == "" && len(paragraphs) == 0 {
		return nil, nil
	}

	fields := map[string]any{
		"header": header,
		"text":   strings.Join(paragraphs, "\n"),
	}
	if c := textOrContent(doc.Find(x.category).First()); c != "" {
		fields["category"] = c
	}
	if t := timeOf(doc.Find(x.time).First()); t != "" {
		fields["time"] = t
	}
	return []types.Record{{Format: "json", Fields: fields}}, nil
}

func textOrContent(s *goquery.Selection) string {
	if v, ok := s.Attr("content"); ok {
		return strings.TrimSpace(v)
	}
	return strings.TrimSpace(s.Text())
}

func timeOf(s *goquery.Selection) string {
	if v, ok := s.Attr("datetime"); ok {
		return strings.TrimSpace(v)
	}
	return textOrContent(s)
}

package sites

import (
	"context"
	"mime"
	"strings"

	"github.com/gocolly/colly/v2"

	"github.com/dbsmedya/goscrape/internal/config"
)

// HTTPFetcher downloads a URL with colly and labels the body by its
// Content-Type.
type HTTPFetcher struct {
	base *colly.Collector
}

func newHTTPFetcher(step *config.StepConfig, env Env) (any, error) {
	return &HTTPFetcher{base: newCollector(env.HTTP, optList(step, "allowed_domains"))}, nil
}

// Fetch returns the format and raw body of key. Non-2xx responses are
// errors so the item is retried.
func (f *HTTPFetcher) Fetch(ctx context.Context, key string) (string, []byte, error) {
	c := f.base.Clone()

	var (
		body        []byte
		contentType string
	)
	c.OnResponse(func(r *colly.Response) {
		body = append([]byte(nil), r.Body...)
		if r.Headers != nil {
			contentType = r.Headers.Get("Content-Type")
		}
	})

	if err := visit(ctx, c, key); err != nil {
		return "", nil, err
	}
	return FormatOf(contentType), body, nil
}

// FormatOf maps a Content-Type to a record format: html, json, xml or text,
// and bin for anything else.
func FormatOf(contentType string) string {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(contentType))
	}
	switch {
	case mediaType == "text/html", mediaType == "application/xhtml+xml":
		return "html"
	case mediaType == "application/json", strings.HasSuffix(mediaType, "+json"):
		return "json"
	case mediaType == "application/xml", mediaType == "text/xml", strings.HasSuffix(mediaType, "+xml"):
		return "xml"
	case strings.HasPrefix(mediaType, "text/"):
		return "text"
	default:
		return "bin"
	}
}

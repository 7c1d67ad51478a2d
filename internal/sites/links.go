package sites

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/gocolly/colly/v2"

	"github.com/dbsmedya/goscrape/internal/config"
	"github.com/dbsmedya/goscrape/internal/types"
)

// LinkExpander follows the links of an HTML page. Options:
//
//	allowed_domains  comma-separated hosts links must stay on
//	link_selector    CSS selector of link elements (default "a[href]")
//	url_pattern      regexp a link must match to be followed
type LinkExpander struct {
	base     *colly.Collector
	selector string
	pattern  *regexp.Regexp
	domains  map[string]bool
}

func newLinks(step *config.StepConfig, env Env) (any, error) {
	e := &LinkExpander{
		selector: optString(step, "link_selector", "a[href]"),
		domains:  make(map[string]bool),
	}
	domains := optList(step, "allowed_domains")
	for _, d := range domains {
		e.domains[d] = true
	}
	if p := optString(step, "url_pattern", ""); p != "" {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("option url_pattern: %w", err)
		}
		e.pattern = re
	}
	e.base = newCollector(env.HTTP, domains)
	return e, nil
}

// Expand visits key and returns the distinct links it carries. The page
// itself is recorded with its title.
func (e *LinkExpander) Expand(ctx context.Context, key string) ([]string, []types.Record, error) {
	c := e.base.Clone()

	var (
		title string
		next  []string
	)
	seen := make(map[string]bool)
	c.OnHTML("title", func(h *colly.HTMLElement) {
		if title == "" {
			title = strings.TrimSpace(h.Text)
		}
	})
	c.OnHTML(e.selector, func(h *colly.HTMLElement) {
		link, ok := e.normalize(h.Request.AbsoluteURL(h.Attr("href")))
		if !ok || seen[link] {
			return
		}
		seen[link] = true
		next = append(next, link)
	})

	if err := visit(ctx, c, key); err != nil {
		return nil, nil, err
	}

	rec := types.Record{Key: key, Fields: map[string]any{"links": len(next)}}
	if title != "" {
		rec.Fields["title"] = title
	}
	return next, []types.Record{rec}, nil
}

// normalize strips the fragment of link and reports whether it should be
// followed.
func (e *LinkExpander) normalize(link string) (string, bool) {
	u, err := url.Parse(link)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return "", false
	}
	u.Fragment = ""
	if len(e.domains) > 0 && !e.domains[u.Hostname()] {
		return "", false
	}
	link = u.String()
	if e.pattern != nil && !e.pattern.MatchString(link) {
		return "", false
	}
	return link, true
}

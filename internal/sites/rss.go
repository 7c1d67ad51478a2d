package sites

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/dbsmedya/goscrape/internal/config"
	"github.com/dbsmedya/goscrape/internal/types"
)

// FeedExpander turns RSS or Atom feeds into article URLs. Each item becomes a
// record keyed by its link and attributed to the feed, so the feed counts as
// completed once its items are recorded. Items are not expanded further.
type FeedExpander struct {
	client *http.Client
	parser *gofeed.Parser
	agent  string
}

func newFeed(_ *config.StepConfig, env Env) (any, error) {
	timeout := env.HTTP.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &FeedExpander{
		client: &http.Client{Timeout: timeout},
		parser: gofeed.NewParser(),
		agent:  env.HTTP.UserAgent,
	}, nil
}

// Expand fetches and parses the feed at key.
func (f *FeedExpander) Expand(ctx context.Context, key string) ([]string, []types.Record, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, key, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build feed request: %w", err)
	}
	if f.agent != "" {
		req.Header.Set("User-Agent", f.agent)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to fetch feed %s: %w", key, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode/100 != 2 {
		return nil, nil, fmt.Errorf("feed %s returned status %d", key, resp.StatusCode)
	}

	feed, err := f.parser.Parse(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse feed %s: %w", key, err)
	}

	var records []types.Record
	seen := make(map[string]bool)
	for _, it := range feed.Items {
		link := strings.TrimSpace(it.Link)
		if link == "" || seen[link] {
			continue
		}
		seen[link] = true

		fields := map[string]any{
			"title":  strings.TrimSpace(it.Title),
			"source": strings.TrimSpace(feed.Title),
		}
		if pub := published(it); pub != nil {
			fields["published"] = pub.UTC().Format(time.RFC3339)
		}
		if len(it.Categories) > 0 {
			fields["categories"] = it.Categories
		}
		records = append(records, types.Record{Key: link, Origin: key, Fields: fields})
	}
	return nil, records, nil
}

func published(it *gofeed.Item) *time.Time {
	if it.PublishedParsed != nil {
		return it.PublishedParsed
	}
	return it.UpdatedParsed
}

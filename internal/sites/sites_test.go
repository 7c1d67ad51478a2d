package sites

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbsmedya/goscrape/internal/config"
	"github.com/dbsmedya/goscrape/internal/logger"
	"github.com/dbsmedya/goscrape/internal/types"
)

func testEnv() Env {
	return Env{
		HTTP:   config.HTTPConfig{UserAgent: "goscrape-test", Timeout: 2 * time.Second},
		Logger: logger.NewNop(),
	}
}

func resolve(t *testing.T, handler string, options map[string]string) any {
	t.Helper()
	h, err := Default(testEnv()).Resolve("", &config.StepConfig{Name: "s", Handler: handler, Options: options})
	require.NoError(t, err)
	return h
}

func TestRegistry_Names(t *testing.T) {
	assert.Equal(t, []string{"chain", "html", "http", "json", "links", "rss"}, Default(testEnv()).Names())
}

func TestRegistry_Resolve(t *testing.T) {
	r := Default(testEnv())
	r.Register("bpn.chain", func(*config.StepConfig, Env) (any, error) {
		return &Chain{Limit: 1}, nil
	})

	step := &config.StepConfig{Name: "crawl", Handler: "chain"}

	h, err := r.Resolve("bpn", step)
	require.NoError(t, err)
	assert.Equal(t, 1, h.(*Chain).Limit, "the website handler wins")

	h, err = r.Resolve("other", step)
	require.NoError(t, err)
	assert.Equal(t, 100, h.(*Chain).Limit, "falls back to the generic handler")

	_, err = r.Resolve("bpn", &config.StepConfig{Name: "crawl", Handler: "nope"})
	assert.ErrorContains(t, err, `handler "nope" is not registered`)

	_, err = r.Resolve("bpn", &config.StepConfig{Name: "crawl"})
	assert.ErrorContains(t, err, "has no handler")

	_, err = r.Resolve("bpn", nil)
	assert.Error(t, err)

	_, err = r.Resolve("", &config.StepConfig{Name: "crawl", Handler: "chain", Options: map[string]string{"limit": "x"}})
	assert.ErrorContains(t, err, "option limit")
}

func TestChain_Expand(t *testing.T) {
	c := &Chain{Limit: 5}

	next, recs, err := c.Expand(context.Background(), "3")
	require.NoError(t, err)
	assert.Equal(t, []string{"4"}, next)
	assert.Equal(t, []types.Record{{Key: "3", Fields: map[string]any{"n": 3}}}, recs)

	next, recs, err = c.Expand(context.Background(), "5")
	require.NoError(t, err)
	assert.Empty(t, next)
	assert.Len(t, recs, 1)

	_, _, err = c.Expand(context.Background(), "x")
	assert.ErrorContains(t, err, "not an integer")
}

func TestFormatOf(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"text/html; charset=utf-8", "html"},
		{"application/xhtml+xml", "html"},
		{"application/json", "json"},
		{"application/ld+json", "json"},
		{"application/rss+xml", "xml"},
		{"text/xml", "xml"},
		{"text/plain", "text"},
		{"text/csv", "text"},
		{"image/png", "bin"},
		{"", "bin"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatOf(tt.in))
		})
	}
}

func newSite(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/index", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, `<html><head><title> Index </title></head><body>
			<a href="/a">a</a>
			<a href="/b#top">b</a>
			<a href="/a">a again</a>
			<a href="/b">b again</a>
			<a href="mailto:x@example.com">mail</a>
			<a href="https://elsewhere.example/x">out</a>
		</body></html>`)
	})
	mux.HandleFunc("/data", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"ok":true}`)
	})
	mux.HandleFunc("/feed", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		fmt.Fprint(w, `<?xml version="1.0"?>
<rss version="2.0"><channel><title>News</title>
<item><title>One</title><link>https://news.example/1</link><pubDate>Mon, 02 Jan 2006 15:04:05 GMT</pubDate><category>world</category></item>
<item><title>Two</title><link>https://news.example/2</link></item>
<item><title>Two again</title><link>https://news.example/2</link></item>
</channel></rss>`)
	})
	mux.HandleFunc("/broken", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPFetcher_Fetch(t *testing.T) {
	srv := newSite(t)
	f := resolve(t, "http", nil).(*HTTPFetcher)

	format, body, err := f.Fetch(context.Background(), srv.URL+"/index")
	require.NoError(t, err)
	assert.Equal(t, "html", format)
	assert.Contains(t, string(body), "<title> Index </title>")

	format, body, err = f.Fetch(context.Background(), srv.URL+"/data")
	require.NoError(t, err)
	assert.Equal(t, "json", format)
	assert.JSONEq(t, `{"ok":true}`, string(body))

	_, _, err = f.Fetch(context.Background(), srv.URL+"/missing")
	assert.Error(t, err, "a 404 is a failed attempt")

	_, _, err = f.Fetch(context.Background(), srv.URL+"/broken")
	assert.Error(t, err)
}

func TestHTTPFetcher_Canceled(t *testing.T) {
	srv := newSite(t)
	f := resolve(t, "http", nil).(*HTTPFetcher)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := f.Fetch(ctx, srv.URL+"/index")
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestLinkExpander_Expand(t *testing.T) {
	srv := newSite(t)
	e := resolve(t, "links", map[string]string{"allowed_domains": "127.0.0.1"}).(*LinkExpander)

	next, recs, err := e.Expand(context.Background(), srv.URL+"/index")
	require.NoError(t, err)

	sort.Strings(next)
	assert.Equal(t, []string{srv.URL + "/a", srv.URL + "/b"}, next)
	require.Len(t, recs, 1)
	assert.Equal(t, srv.URL+"/index", recs[0].Key)
	assert.Equal(t, "Index", recs[0].Fields["title"])
	assert.Equal(t, 2, recs[0].Fields["links"])
}

func TestLinkExpander_Pattern(t *testing.T) {
	srv := newSite(t)
	e := resolve(t, "links", map[string]string{"url_pattern": `/b$`}).(*LinkExpander)

	next, _, err := e.Expand(context.Background(), srv.URL+"/index")
	require.NoError(t, err)
	assert.Equal(t, []string{srv.URL + "/b"}, next)

	_, err = Default(testEnv()).Resolve("", &config.StepConfig{Name: "s", Handler: "links", Options: map[string]string{"url_pattern": "("}})
	assert.ErrorContains(t, err, "url_pattern")
}

func TestFeedExpander_Expand(t *testing.T) {
	srv := newSite(t)
	f := resolve(t, "rss", nil).(*FeedExpander)

	feedURL := srv.URL + "/feed"
	next, recs, err := f.Expand(context.Background(), feedURL)
	require.NoError(t, err)
	assert.Empty(t, next, "items are not expanded further")
	require.Len(t, recs, 2)

	assert.Equal(t, "https://news.example/1", recs[0].Key)
	assert.Equal(t, feedURL, recs[0].Origin)
	assert.Equal(t, feedURL, recs[0].CompletionKey())
	assert.Equal(t, "One", recs[0].Fields["title"])
	assert.Equal(t, "News", recs[0].Fields["source"])
	assert.Equal(t, "2006-01-02T15:04:05Z", recs[0].Fields["published"])
	assert.Equal(t, []string{"world"}, recs[0].Fields["categories"])
	assert.Equal(t, "https://news.example/2", recs[1].Key)

	_, _, err = f.Expand(context.Background(), srv.URL+"/broken")
	assert.ErrorContains(t, err, "status 500")

	_, _, err = f.Expand(context.Background(), srv.URL+"/index")
	assert.ErrorContains(t, err, "failed to parse feed")
}

func TestHTMLExtractor_Extract(t *testing.T) {
	x := resolve(t, "html", nil).(*HTMLExtractor)

	page := `<html><head><title>Fallback</title>
		<meta property="article:section" content="Politics"></head>
		<body><article><h1> Budget passed </h1>
		<time datetime="2024-03-01T10:00:00Z">1 March</time>
		<p>First   paragraph.</p><p></p><p>Second
		paragraph.</p></article></body></html>`

	recs, err := x.Extract(context.Background(), types.Record{Key: "u", Format: "html", Content: []byte(page)})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "json", recs[0].Format)
	assert.Equal(t, map[string]any{
		"header":   "Budget passed",
		"text":     "First paragraph.\nSecond paragraph.",
		"category": "Politics",
		"time":     "2024-03-01T10:00:00Z",
	}, recs[0].Fields)

	recs, err = x.Extract(context.Background(), types.Record{Format: "html", Content: []byte("<html><body></body></html>")})
	require.NoError(t, err)
	assert.Empty(t, recs)

	_, err = x.Extract(context.Background(), types.Record{Format: "json", Content: []byte("{}")})
	assert.ErrorContains(t, err, "cannot parse json")
}

func TestHTMLExtractor_TitleFallback(t *testing.T) {
	x := resolve(t, "html", map[string]string{"text_selector": "div.body"}).(*HTMLExtractor)
	recs, err := x.Extract(context.Background(), types.Record{Content: []byte(
		`<html><head><title>Only title</title></head><body><div class="body">Hi</div></body></html>`)})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "Only title", recs[0].Fields["header"])
	assert.Equal(t, "Hi", recs[0].Fields["text"])
}

func TestJSONExtractor_Extract(t *testing.T) {
	x := resolve(t, "json", map[string]string{"key_field": "id"}).(*JSONExtractor)

	recs, err := x.Extract(context.Background(), types.Record{Format: "json", Content: []byte(`[{"id":1,"v":"a"},{"v":"b"}]`)})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "1", recs[0].Key)
	assert.Empty(t, recs[1].Key)
	assert.Equal(t, "b", recs[1].Fields["v"])

	recs, err = x.Extract(context.Background(), types.Record{Content: []byte(`{"v":"c"}`)})
	require.NoError(t, err)
	require.Len(t, recs, 1)

	tests := []struct {
		name    string
		rec     types.Record
		wantErr string
	}{
		{"not json", types.Record{Content: []byte("<p>")}, "failed to decode json"},
		{"scalar", types.Record{Content: []byte("3")}, "neither an object nor an array"},
		{"array of scalars", types.Record{Content: []byte("[1]")}, "element 0 is not an object"},
		{"wrong format", types.Record{Format: "html", Content: []byte("{}")}, "cannot parse html"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := x.Extract(context.Background(), tt.rec)
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

package sites

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/dbsmedya/goscrape/internal/config"
)

// newCollector builds the synchronous base collector shared by the colly
// handlers of a stage. Each call clones it so callbacks never leak between
// keys.
func newCollector(cfg config.HTTPConfig, allowedDomains []string) *colly.Collector {
	opts := []colly.CollectorOption{colly.Async(false)}
	if cfg.UserAgent != "" {
		opts = append(opts, colly.UserAgent(cfg.UserAgent))
	}
	if len(allowedDomains) > 0 {
		opts = append(opts, colly.AllowedDomains(allowedDomains...))
	}
	c := colly.NewCollector(opts...)
	// The frontier and the stores deduplicate; colly must not.
	c.AllowURLRevisit = true
	c.IgnoreRobotsTxt = !cfg.RespectRobots
	c.WithTransport(&http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	})
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	c.SetRequestTimeout(timeout)
	return c
}

// visit runs a cloned collector against url. Visit blocks, so it runs in a
// goroutine and the caller returns as soon as ctx is done.
func visit(ctx context.Context, c *colly.Collector, url string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("visit of %s canceled: %w", url, err)
	}

	var respErr error
	c.OnError(func(_ *colly.Response, err error) {
		if err == nil {
			err = errors.New("unknown colly error")
		}
		respErr = err
	})
	c.OnRequest(func(r *colly.Request) {
		if ctx.Err() != nil {
			r.Abort()
		}
	})

	done := make(chan error, 1)
	go func() {
		done <- c.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("visit of %s canceled: %w", url, ctx.Err())
	case err := <-done:
		if respErr != nil {
			return fmt.Errorf("request to %s failed: %w", url, respErr)
		}
		if err != nil {
			return fmt.Errorf("visit of %s failed: %w", url, err)
		}
		return nil
	}
}

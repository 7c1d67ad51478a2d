// Package pipeline provides the resumable execution engine for goscrape.
//
// A pipeline is an ordered set of stages. Discovery stages grow a frontier of
// keys at runtime; fetch and extract stages split a known key set into
// chunks. Every stage checkpoints to a store.Store and finalizes into a
// deduplicated output that the next stage reads.
package pipeline

import (
	"context"

	"github.com/dbsmedya/goscrape/internal/types"
)

// Expander turns a key into further keys and the records it yields.
type Expander interface {
	Expand(ctx context.Context, key string) ([]string, []types.Record, error)
}

// Fetcher downloads the raw content behind a key.
type Fetcher interface {
	Fetch(ctx context.Context, key string) (format string, raw []byte, err error)
}

// Extractor derives structured records from a fetched record.
// Returning no records means nothing is persisted for the input.
type Extractor interface {
	Extract(ctx context.Context, rec types.Record) ([]types.Record, error)
}

// ExpandFunc adapts a function to Expander.
type ExpandFunc func(ctx context.Context, key string) ([]string, []types.Record, error)

// Expand calls f.
func (f ExpandFunc) Expand(ctx context.Context, key string) ([]string, []types.Record, error) {
	return f(ctx, key)
}

// FetchFunc adapts a function to Fetcher.
type FetchFunc func(ctx context.Context, key string) (string, []byte, error)

// Fetch calls f.
func (f FetchFunc) Fetch(ctx context.Context, key string) (string, []byte, error) {
	return f(ctx, key)
}

// ExtractFunc adapts a function to Extractor.
type ExtractFunc func(ctx context.Context, rec types.Record) ([]types.Record, error)

// Extract calls f.
func (f ExtractFunc) Extract(ctx context.Context, rec types.Record) ([]types.Record, error) {
	return f(ctx, rec)
}

package pipeline

import (
	"context"
	"fmt"

	"github.com/dbsmedya/goscrape/internal/types"
)

// FetchProcess turns a Fetcher into the ProcessFunc of a fetch stage.
func FetchProcess(f Fetcher) ProcessFunc {
	return func(ctx context.Context, key string) ([]types.Record, error) {
		format, raw, err := f.Fetch(ctx, key)
		if err != nil {
			return nil, err
		}
		return []types.Record{{Key: key, Format: format, Content: raw}}, nil
	}
}

// ExtractProcess turns an Extractor into the ProcessFunc of an extract stage.
// inputs maps every key handed to the pool to its upstream record.
func ExtractProcess(e Extractor, inputs map[string]types.Record) ProcessFunc {
	return func(ctx context.Context, key string) ([]types.Record, error) {
		rec, ok := inputs[key]
		if !ok {
			return nil, fmt.Errorf("no input record for %s", key)
		}
		out, err := e.Extract(ctx, rec)
		if err != nil {
			return nil, err
		}
		return keyExtracted(key, out), nil
	}
}

// keyExtracted ties extractor output to its input key. A record without a
// key takes the input key; when several records come back, the ones that
// would collide get key#i. Records keyed differently from the input carry it
// as Origin so the input counts as completed.
func keyExtracted(key string, out []types.Record) []types.Record {
	if len(out) == 0 {
		return nil
	}

	keyed := make([]types.Record, 0, len(out))
	used := make(map[string]bool, len(out))
	for i, r := range out {
		if r.Key == "" || (len(out) > 1 && r.Key == key) || used[r.Key] {
			if len(out) == 1 {
				r.Key = key
			} else {
				r.Key = fmt.Sprintf("%s#%d", key, i)
			}
		}
		used[r.Key] = true
		if r.Key != key {
			r.Origin = key
		} else {
			r.Origin = ""
		}
		keyed = append(keyed, r)
	}
	return keyed
}

package sites

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dbsmedya/goscrape/internal/config"
	"github.com/dbsmedya/goscrape/internal/types"
)

// JSONExtractor decodes JSON content. An object becomes one record, an array
// of objects one record per element. With the key_field option the value of
// that field keys the record.
type JSONExtractor struct {
	keyField string
}

func newJSONExtractor(step *config.StepConfig, _ Env) (any, error) {
	return &JSONExtractor{keyField: optString(step, "key_field", "")}, nil
}

// Extract decodes rec.Content.
func (x *JSONExtractor) Extract(_ context.Context, rec types.Record) ([]types.Record, error) {
	if rec.Format != "" && rec.Format != "json" {
		return nil, fmt.Errorf("json extractor cannot parse %s content", rec.Format)
	}

	var doc any
	if err := json.Unmarshal(rec.Content, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode json: %w", err)
	}

	var objects []map[string]any
	switch v := doc.(type) {
	case map[string]any:
		objects = []map[string]any{v}
	case []any:
		for i, el := range v {
			obj, ok := el.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("element %d is not an object", i)
			}
			objects = append(objects, obj)
		}
	default:
		return nil, fmt.Errorf("json content is neither an object nor an array")
	}

	out := make([]types.Record, 0, len(objects))
	for _, obj := range objects {
		r := types.Record{Format: "json", Fields: obj}
		if x.keyField != "" {
			if k, ok := obj[x.keyField]; ok {
				r.Key = fmt.Sprint(k)
			}
		}
		out = append(out, r)
	}
	return out, nil
}

package sites

import (
	"context"
	"fmt"
	"strconv"

	"github.com/dbsmedya/goscrape/internal/config"
	"github.com/dbsmedya/goscrape/internal/types"
)

// Chain is a deterministic expander over integer keys: n links to n+1 up to
// Limit. It exercises the engine without a network.
type Chain struct {
	Limit int
}

func newChain(step *config.StepConfig, _ Env) (any, error) {
	limit, err := optInt(step, "limit", 100)
	if err != nil {
		return nil, err
	}
	if limit < 0 {
		return nil, fmt.Errorf("option limit must be >= 0")
	}
	return &Chain{Limit: limit}, nil
}

// Expand emits a record for key and its successor.
func (c *Chain) Expand(_ context.Context, key string) ([]string, []types.Record, error) {
	n, err := strconv.Atoi(key)
	if err != nil {
		return nil, nil, fmt.Errorf("chain key %q is not an integer", key)
	}
	var next []string
	if n < c.Limit {
		next = []string{strconv.Itoa(n + 1)}
	}
	return next, []types.Record{{Key: key, Fields: map[string]any{"n": n}}}, nil
}

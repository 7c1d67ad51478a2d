package backoff

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitialDelay_WithinBounds(t *testing.T) {
	min, max := 100*time.Millisecond, 200*time.Millisecond
	for i := 0; i < 1000; i++ {
		d := InitialDelay(min, max)
		assert.GreaterOrEqual(t, d, min)
		assert.LessOrEqual(t, d, max)
	}
}

func TestInitialDelay_DegenerateRange(t *testing.T) {
	assert.Equal(t, time.Second, InitialDelay(time.Second, time.Second))
	assert.Equal(t, time.Second, InitialDelay(time.Second, 500*time.Millisecond))
}

func TestDelay_Bounds(t *testing.T) {
	tests := []struct {
		name    string
		attempt int
		initial time.Duration
		factor  float64
	}{
		{"first attempt", 0, time.Second, 2},
		{"third attempt", 2, time.Second, 2},
		{"factor one", 5, 150 * time.Millisecond, 1},
		{"large exponent", 10, 10 * time.Millisecond, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			nominal := float64(tt.initial) * math.Pow(tt.factor, float64(tt.attempt))
			lo := time.Duration(nominal * 0.9)
			hi := time.Duration(nominal * 1.1)
			for i := 0; i < 500; i++ {
				d := Delay(tt.attempt, tt.initial, tt.factor)
				assert.GreaterOrEqual(t, d, lo-1)
				assert.LessOrEqual(t, d, hi+1)
			}
		})
	}
}

func TestRetry_SucceedsAfterFailures(t *testing.T) {
	p := Policy{MaxRetries: 3, Min: time.Millisecond, Max: 2 * time.Millisecond, Factor: 1}

	calls := 0
	var hooks []int
	err := p.Retry(context.Background(), func(ctx context.Context, attempt int) error {
		assert.Equal(t, calls, attempt)
		calls++
		if attempt < 2 {
			return errors.New("transient")
		}
		return nil
	}, func(attempt int, err error, wait time.Duration) {
		hooks = append(hooks, attempt)
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{0, 1}, hooks)
}

func TestRetry_Exhausted(t *testing.T) {
	p := Policy{MaxRetries: 2, Min: time.Millisecond, Max: time.Millisecond, Factor: 1}

	calls := 0
	err := p.Retry(context.Background(), func(ctx context.Context, attempt int) error {
		calls++
		return errors.New("always")
	}, nil)

	require.Error(t, err)
	assert.Equal(t, 3, calls, "max_retries+1 attempts")
	assert.True(t, IsExhausted(err))
	assert.Contains(t, err.Error(), "failed after 3 attempts: always")
}

func TestRetry_ZeroRetriesRunsOnce(t *testing.T) {
	calls := 0
	err := Policy{}.Retry(context.Background(), func(ctx context.Context, attempt int) error {
		calls++
		return errors.New("nope")
	}, nil)

	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetry_CancelledDuringWait(t *testing.T) {
	p := Policy{MaxRetries: 5, Min: time.Hour, Max: time.Hour, Factor: 2}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- p.Retry(ctx, func(ctx context.Context, attempt int) error {
			return errors.New("fail")
		}, nil)
	}()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
		assert.False(t, IsExhausted(err))
	case <-time.After(2 * time.Second):
		t.Fatal("Retry did not return after cancellation")
	}
}

func TestSleep(t *testing.T) {
	assert.NoError(t, Sleep(context.Background(), 0))
	assert.NoError(t, Sleep(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, Sleep(ctx, time.Hour), context.Canceled)
}

func TestDelay_SaturatesInsteadOfOverflowing(t *testing.T) {
	tests := []struct {
		name    string
		attempt int
		initial time.Duration
		factor  float64
	}{
		{"large attempt", 34, time.Second, 2},
		{"huge attempt", 1000, time.Millisecond, 2},
		{"infinite factor", 2, time.Second, math.Inf(1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Delay(tt.attempt, tt.initial, tt.factor)
			assert.Equal(t, time.Duration(math.MaxInt64), d)
		})
	}

	assert.Positive(t, Delay(30, time.Second, 2), "below the limit the delay still grows")
}

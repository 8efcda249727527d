package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/charlie-tr1/internal/model"
)

func fastConfig(attempts int) RetryConfig {
	return RetryConfig{
		MaxAttempts:    attempts,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     10 * time.Millisecond,
		Multiplier:     2.0,
	}
}

func conflict() error {
	return &model.StoreConflictError{Op: "upsert sample_label", Err: errors.New("database is locked")}
}

func TestDo(t *testing.T) {
	permanent := errors.New("constraint violated")
	tests := []struct {
		name      string
		attempts  int
		failFirst int
		err       func() error
		wantCalls int
		wantErr   bool
	}{
		{"first try", 3, 0, conflict, 1, false},
		{"conflict then success", 3, 2, conflict, 3, false},
		{"exhausted", 3, 99, conflict, 3, true},
		{"transient wrapper", 2, 1, func() error { return NewTransientError(errors.New("i/o timeout")) }, 2, false},
		{"permanent is not replayed", 5, 99, func() error { return permanent }, 1, true},
		{"single attempt", 1, 99, conflict, 1, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := Do(context.Background(), fastConfig(tt.attempts), func(context.Context) error {
				calls++
				if calls <= tt.failFirst {
					return tt.err()
				}
				return nil
			})
			assert.Equal(t, tt.wantCalls, calls)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDo_ExhaustedKeepsCause(t *testing.T) {
	err := Do(context.Background(), fastConfig(2), func(context.Context) error { return conflict() })
	require.Error(t, err)
	var sc *model.StoreConflictError
	assert.True(t, errors.As(err, &sc))
	assert.Contains(t, err.Error(), "gave up after 2 attempts")
}

func TestDo_ContextCancelledStopsRetry(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	cfg := RetryConfig{MaxAttempts: 10, InitialBackoff: time.Second}
	err := Do(ctx, cfg, func(context.Context) error {
		calls++
		cancel()
		return conflict()
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_CancelDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := Do(ctx, RetryConfig{MaxAttempts: 3, InitialBackoff: time.Minute, MaxBackoff: time.Minute}, func(context.Context) error {
		return conflict()
	})
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestDo_CustomShouldRetry(t *testing.T) {
	sentinel := errors.New("retry me")
	cfg := fastConfig(3)
	cfg.ShouldRetry = func(err error) bool { return errors.Is(err, sentinel) }

	calls := 0
	err := Do(context.Background(), cfg, func(context.Context) error {
		calls++
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, 3, calls)
}

func TestDo_OnRetryCallback(t *testing.T) {
	cfg := fastConfig(3)
	var attempts []int
	cfg.OnRetry = func(attempt int, _ error) { attempts = append(attempts, attempt) }

	_ = Do(context.Background(), cfg, func(context.Context) error { return conflict() })
	assert.Equal(t, []int{1, 2}, attempts, "no callback after the final attempt")
}

func TestDoVal(t *testing.T) {
	calls := 0
	v, err := DoVal(context.Background(), fastConfig(3), func(context.Context) (int64, error) {
		calls++
		if calls == 1 {
			return 0, conflict()
		}
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(42), v)

	v, err = DoVal(context.Background(), fastConfig(2), func(context.Context) (int64, error) {
		return 7, conflict()
	})
	assert.Error(t, err)
	assert.Zero(t, v)
}

func TestRetryConfig_Defaults(t *testing.T) {
	c := RetryConfig{JitterFraction: -1}.withDefaults()
	def := DefaultRetryConfig()
	assert.Equal(t, def.MaxAttempts, c.MaxAttempts)
	assert.Equal(t, def.InitialBackoff, c.InitialBackoff)
	assert.Equal(t, def.MaxBackoff, c.MaxBackoff)
	assert.Equal(t, def.Multiplier, c.Multiplier)
	assert.Zero(t, c.JitterFraction)
}

func TestRetryConfig_Backoff(t *testing.T) {
	c := RetryConfig{InitialBackoff: 100 * time.Millisecond, MaxBackoff: 10 * time.Second, Multiplier: 2}.withDefaults()
	for i, want := range []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond, 800 * time.Millisecond} {
		assert.Equal(t, want, c.backoff(i), "retry %d", i)
	}

	capped := RetryConfig{InitialBackoff: time.Second, MaxBackoff: 5 * time.Second, Multiplier: 10}.withDefaults()
	assert.Equal(t, 5*time.Second, capped.backoff(5))

	jittered := RetryConfig{InitialBackoff: time.Second, MaxBackoff: 30 * time.Second, Multiplier: 2, JitterFraction: 0.5}.withDefaults()
	seen := map[time.Duration]bool{}
	for range 100 {
		d := jittered.backoff(0)
		seen[d] = true
		assert.GreaterOrEqual(t, d, 500*time.Millisecond)
		assert.LessOrEqual(t, d, 1500*time.Millisecond)
	}
	assert.Greater(t, len(seen), 1, "jitter varies delays")
}

func TestRetryLogger(t *testing.T) {
	RetryLogger("store", "upsert_sample_label")(1, conflict())
}

package retry

import (
	"context"
	"errors"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func fastConfig(attempts int) Config {
	return Config{
		MaxAttempts: attempts,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  5 * time.Millisecond,
	}
}

func TestAirdrop_Retry_DefaultConfig(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	require.Equal(t, 3, cfg.MaxAttempts)
	require.Equal(t, 500*time.Millisecond, cfg.BaseBackoff)
	require.Equal(t, 5*time.Second, cfg.MaxBackoff)
}

func TestAirdrop_Retry_Do(t *testing.T) {
	t.Parallel()

	t.Run("success on first attempt", func(t *testing.T) {
		t.Parallel()
		attempts := 0
		err := Do(context.Background(), fastConfig(3), func() error {
			attempts++
			return nil
		})
		require.NoError(t, err)
		require.Equal(t, 1, attempts)
	})

	t.Run("success after retries", func(t *testing.T) {
		t.Parallel()
		attempts := 0
		err := Do(context.Background(), fastConfig(3), func() error {
			attempts++
			if attempts < 3 {
				return errors.New("connection reset")
			}
			return nil
		})
		require.NoError(t, err)
		require.Equal(t, 3, attempts)
	})

	t.Run("exhausts all attempts and wraps last error", func(t *testing.T) {
		t.Parallel()
		attempts := 0
		original := errors.New("connection reset")
		err := Do(context.Background(), fastConfig(3), func() error {
			attempts++
			return original
		})
		require.ErrorIs(t, err, original)
		require.Equal(t, 3, attempts)
	})

	t.Run("non-retryable error returns immediately", func(t *testing.T) {
		t.Parallel()
		attempts := 0
		original := errors.New("invalid param: WrongSize")
		err := Do(context.Background(), fastConfig(3), func() error {
			attempts++
			return original
		})
		require.Equal(t, original, err)
		require.Equal(t, 1, attempts)
	})

	t.Run("custom retryable predicate", func(t *testing.T) {
		t.Parallel()
		attempts := 0
		cfg := fastConfig(4)
		cfg.Retryable = func(error) bool { return true }
		err := Do(context.Background(), cfg, func() error {
			attempts++
			return errors.New("anything")
		})
		require.Error(t, err)
		require.Equal(t, 4, attempts)
	})

	t.Run("zero attempts still runs once", func(t *testing.T) {
		t.Parallel()
		attempts := 0
		err := Do(context.Background(), Config{}, func() error {
			attempts++
			return nil
		})
		require.NoError(t, err)
		require.Equal(t, 1, attempts)
	})

	t.Run("context cancellation stops retries", func(t *testing.T) {
		t.Parallel()
		ctx, cancel := context.WithCancel(context.Background())
		attempts := 0
		cfg := Config{MaxAttempts: 5, BaseBackoff: 50 * time.Millisecond, MaxBackoff: time.Second}
		err := Do(ctx, cfg, func() error {
			attempts++
			if attempts == 2 {
				cancel()
			}
			return errors.New("connection reset")
		})
		require.ErrorIs(t, err, context.Canceled)
		require.Equal(t, 2, attempts)
	})
}

func TestAirdrop_Retry_Do_UsesClock(t *testing.T) {
	t.Parallel()
	clock := clockwork.NewFakeClock()
	cfg := Config{MaxAttempts: 2, BaseBackoff: time.Second, MaxBackoff: time.Minute, Clock: clock}

	done := make(chan error, 1)
	attempts := 0
	go func() {
		done <- Do(context.Background(), cfg, func() error {
			attempts++
			if attempts == 1 {
				return errors.New("timeout")
			}
			return nil
		})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(2 * time.Second)

	require.NoError(t, <-done)
	require.Equal(t, 2, attempts)
}

func TestAirdrop_Retry_Sleep(t *testing.T) {
	t.Parallel()
	clock := clockwork.NewRealClock()

	require.NoError(t, Sleep(context.Background(), clock, 0))
	require.NoError(t, Sleep(context.Background(), clock, time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, Sleep(ctx, clock, time.Hour), context.Canceled)
	require.ErrorIs(t, Sleep(ctx, clock, 0), context.Canceled)
}

func TestAirdrop_Retry_IsRetryable(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"timeout net error", &net.OpError{Op: "read", Err: errors.New("i/o timeout")}, true},
		{"connection reset", errors.New("connection reset by peer"), true},
		{"connection refused", errors.New("dial tcp: connection refused"), true},
		{"EOF", errors.New("EOF"), true},
		{"rate limit", errors.New("rate limit exceeded"), true},
		{"too many requests status", &httpError{statusCode: http.StatusTooManyRequests}, true},
		{"bad gateway status", &httpError{statusCode: http.StatusBadGateway}, true},
		{"node behind", errors.New("Node is behind by 42 slots"), true},
		{"bad request status", &httpError{statusCode: http.StatusBadRequest}, false},
		{"context canceled", context.Canceled, false},
		{"deadline exceeded", context.DeadlineExceeded, false},
		{"invalid input", errors.New("invalid param"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestAirdrop_Retry_CalculateBackoff(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		base    time.Duration
		max     time.Duration
		attempt int
		minExp  time.Duration
		maxExp  time.Duration
	}{
		{"first retry", 500 * time.Millisecond, 5 * time.Second, 1, 500 * time.Millisecond, time.Second},
		{"second retry", 500 * time.Millisecond, 5 * time.Second, 2, time.Second, 2 * time.Second},
		{"capped at max", 500 * time.Millisecond, 5 * time.Second, 4, 2500 * time.Millisecond, 5 * time.Second},
		{"no max", 100 * time.Millisecond, 0, 3, 400 * time.Millisecond, 800 * time.Millisecond},
		{"zero base", 0, time.Second, 3, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			for i := 0; i < 10; i++ {
				got := calculateBackoff(tt.base, tt.max, tt.attempt)
				require.GreaterOrEqual(t, got, tt.minExp)
				require.LessOrEqual(t, got, tt.maxExp)
			}
		})
	}
}

type httpError struct {
	statusCode int
}

func (e *httpError) Error() string {
	return http.StatusText(e.statusCode)
}

func (e *httpError) StatusCode() int {
	return e.statusCode
}

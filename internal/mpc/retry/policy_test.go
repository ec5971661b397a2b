package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/SafeMPC/lit-client/internal/config"
	"github.com/SafeMPC/lit-client/internal/mpc/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recordingSleeper(delays *[]time.Duration) func(context.Context, time.Duration) error {
	return func(ctx context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return ctx.Err()
	}
}

func TestDoRetriesTransientUntilSuccess(t *testing.T) {
	var delays []time.Duration
	p := Policy{MaxAttempts: 5, InitialBackoff: 10 * time.Millisecond, MaxBackoff: 25 * time.Millisecond, Multiplier: 2}.
		WithSleeper(recordingSleeper(&delays))

	calls := 0
	err := p.Do(context.Background(), func(ctx context.Context, attempt int) error {
		calls++
		if calls < 4 {
			return protocol.NewTransientError("http://n1", errors.New("connection reset"))
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 4, calls)
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 25 * time.Millisecond}, delays)
}

func TestDoStopsAfterMaxAttempts(t *testing.T) {
	var delays []time.Duration
	p := Policy{MaxAttempts: 3, InitialBackoff: time.Millisecond, Multiplier: 1}.WithSleeper(recordingSleeper(&delays))

	calls := 0
	err := p.Do(context.Background(), func(ctx context.Context, attempt int) error {
		calls++
		return protocol.NewTransientError("http://n1", errors.New("timeout"))
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, protocol.KindTransientNetwork, protocol.KindOf(err))
}

func TestDoNeverRetriesValidationFailures(t *testing.T) {
	p := DefaultPolicy().WithSleeper(func(context.Context, time.Duration) error {
		t.Fatal("should not sleep")
		return nil
	})

	for _, kind := range []protocol.Kind{
		protocol.KindInvalidShare,
		protocol.KindInsufficientShares,
		protocol.KindDelegationExpired,
		protocol.KindNodeRejected,
	} {
		calls := 0
		err := p.Do(context.Background(), func(ctx context.Context, attempt int) error {
			calls++
			return protocol.NewError(kind, "boom")
		})
		assert.Equal(t, 1, calls, "kind %s", kind)
		assert.True(t, protocol.IsKind(err, kind))
	}
}

func TestDoUsesOverrideForRateLimit(t *testing.T) {
	var delays []time.Duration
	p := Policy{
		MaxAttempts:    2,
		InitialBackoff: time.Millisecond,
		Multiplier:     1,
		Overrides: []Override{{
			Name:           "rate_limited",
			Match:          IsRateLimited,
			MaxAttempts:    4,
			InitialBackoff: 100 * time.Millisecond,
			Multiplier:     3,
		}},
	}.WithSleeper(recordingSleeper(&delays))

	calls := 0
	err := p.Do(context.Background(), func(ctx context.Context, attempt int) error {
		calls++
		return protocol.NewTransientError("http://n1", &RateLimitError{})
	})

	require.Error(t, err)
	assert.Equal(t, 4, calls)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 300 * time.Millisecond, 900 * time.Millisecond}, delays)
	assert.True(t, IsRateLimited(err))
}

func TestDoCapsTotalAttemptsAcrossClasses(t *testing.T) {
	var delays []time.Duration
	p := Policy{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		Multiplier:     1,
		Overrides: []Override{{
			Name:           "rate_limited",
			Match:          IsRateLimited,
			MaxAttempts:    3,
			InitialBackoff: time.Millisecond,
			Multiplier:     1,
		}},
	}.WithSleeper(recordingSleeper(&delays))

	calls := 0
	err := p.Do(context.Background(), func(ctx context.Context, attempt int) error {
		calls++
		if attempt%2 == 1 {
			return protocol.NewTransientError("http://n1", errors.New("connection reset"))
		}
		return protocol.NewTransientError("http://n1", &RateLimitError{})
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Len(t, delays, 2)
}

func TestDoWaitsAtLeastRetryAfter(t *testing.T) {
	var delays []time.Duration
	p := Policy{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		Multiplier:     1,
		Overrides: []Override{{
			Name:           "rate_limited",
			Match:          IsRateLimited,
			MaxAttempts:    3,
			InitialBackoff: 10 * time.Millisecond,
			Multiplier:     1,
		}},
	}.WithSleeper(recordingSleeper(&delays))

	calls := 0
	err := p.Do(context.Background(), func(ctx context.Context, attempt int) error {
		calls++
		switch calls {
		case 1:
			return protocol.NewTransientError("http://n1", &RateLimitError{RetryAfter: 2 * time.Second})
		case 2:
			// 小于退避值时仍按退避等待
			return protocol.NewTransientError("http://n1", &RateLimitError{RetryAfter: time.Millisecond})
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{2 * time.Second, 10 * time.Millisecond}, delays)
}

func TestDoHonoursGlobalTimeout(t *testing.T) {
	p := Policy{MaxAttempts: 100, Timeout: 30 * time.Millisecond, InitialBackoff: 5 * time.Millisecond, Multiplier: 1}

	start := time.Now()
	err := p.Do(context.Background(), func(ctx context.Context, attempt int) error {
		return protocol.NewTransientError("http://n1", errors.New("refused"))
	})

	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestFromConfigAddsRateLimitOverride(t *testing.T) {
	assert.Empty(t, DefaultPolicy().Overrides)

	p := FromConfig(config.Retry{
		MaxAttempts:             2,
		InitialBackoff:          time.Millisecond,
		MaxBackoff:              time.Second,
		Multiplier:              2,
		RateLimitMaxAttempts:    3,
		RateLimitInitialBackoff: 50 * time.Millisecond,
	})
	require.Len(t, p.Overrides, 1)
	assert.Equal(t, "rate_limited", p.Overrides[0].Name)

	var delays []time.Duration
	p = p.WithSleeper(recordingSleeper(&delays))
	calls := 0
	_ = p.Do(context.Background(), func(ctx context.Context, attempt int) error {
		calls++
		return protocol.NewTransientError("", errors.New("x"))
	})
	assert.Equal(t, 2, calls)
	assert.Equal(t, []time.Duration{time.Millisecond}, delays)
}

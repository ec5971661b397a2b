package retry

import (
	"context"
	"time"

	"github.com/SafeMPC/lit-client/internal/config"
	"github.com/SafeMPC/lit-client/internal/mpc/protocol"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Override 针对某一类错误的独立重试参数
type Override struct {
	Name           string
	Match          func(error) bool
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
}

// Policy 有界重试策略
// 只有 transient_network 类别的错误会被重试，其余错误立即返回
type Policy struct {
	MaxAttempts    int
	Timeout        time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	Overrides      []Override

	// sleep 可在测试中替换
	sleep func(ctx context.Context, d time.Duration) error
}

// DefaultPolicy 默认策略
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    3,
		Timeout:        30 * time.Second,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		Multiplier:     2,
	}
}

// FromConfig 从配置构建策略，并附带限流错误的独立覆盖
func FromConfig(cfg config.Retry) Policy {
	p := Policy{
		MaxAttempts:    cfg.MaxAttempts,
		Timeout:        cfg.Timeout,
		InitialBackoff: cfg.InitialBackoff,
		MaxBackoff:     cfg.MaxBackoff,
		Multiplier:     cfg.Multiplier,
	}
	if cfg.RateLimitMaxAttempts > 0 {
		p.Overrides = append(p.Overrides, Override{
			Name:           "rate_limited",
			Match:          IsRateLimited,
			MaxAttempts:    cfg.RateLimitMaxAttempts,
			InitialBackoff: cfg.RateLimitInitialBackoff,
			MaxBackoff:     cfg.MaxBackoff * 4,
			Multiplier:     cfg.Multiplier,
		})
	}
	return p
}

// WithSleeper 返回使用自定义等待函数的策略副本
func (p Policy) WithSleeper(sleep func(ctx context.Context, d time.Duration) error) Policy {
	p.sleep = sleep
	return p
}

// Do 执行 fn 直到成功、遇到不可重试错误、次数耗尽或总超时
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) error {
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}

	sleep := p.sleep
	if sleep == nil {
		sleep = sleepContext
	}

	// 每类错误单独计数，总次数另有上限
	attemptsByClass := make(map[string]int)
	totalLimit := p.totalAttempts()
	var lastErr error

	for attempt := 1; ; attempt++ {
		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}
		lastErr = err

		if !IsRetryable(err) {
			return err
		}

		class, maxAttempts, backoff := p.classify(err)
		attemptsByClass[class]++
		used := attemptsByClass[class]
		if used >= maxAttempts || attempt >= totalLimit {
			log.Debug().
				Err(err).
				Str("class", class).
				Int("attempt", attempt).
				Msg("Retry attempts exhausted")
			return err
		}

		delay := backoff(used)
		if after := retryAfter(err); after > delay {
			delay = after
		}
		log.Debug().
			Err(err).
			Str("class", class).
			Int("attempt", attempt).
			Dur("backoff", delay).
			Msg("Retrying after transient error")

		if serr := sleep(ctx, delay); serr != nil {
			return errors.Wrapf(lastErr, "retry aborted after %d attempts", attempt)
		}
	}
}

func (p Policy) classify(err error) (string, int, func(int) time.Duration) {
	for _, o := range p.Overrides {
		if o.Match != nil && o.Match(err) {
			max := o.MaxAttempts
			if max < 1 {
				max = p.maxAttempts()
			}
			return o.Name, max, backoffCurve(o.InitialBackoff, o.MaxBackoff, o.Multiplier)
		}
	}
	return "default", p.maxAttempts(), backoffCurve(p.InitialBackoff, p.MaxBackoff, p.Multiplier)
}

func (p Policy) maxAttempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// totalAttempts 所有类别合计的尝试上限，取全局值与各覆盖值中的最大者
func (p Policy) totalAttempts() int {
	n := p.maxAttempts()
	for _, o := range p.Overrides {
		if o.MaxAttempts > n {
			n = o.MaxAttempts
		}
	}
	return n
}

// backoffCurve 指数退避：initial * multiplier^(n-1)，上限 max
func backoffCurve(initial, max time.Duration, multiplier float64) func(int) time.Duration {
	if multiplier < 1 {
		multiplier = 1
	}
	return func(n int) time.Duration {
		d := float64(initial)
		for i := 1; i < n; i++ {
			d *= multiplier
		}
		if max > 0 && d > float64(max) {
			return max
		}
		return time.Duration(d)
	}
}

// IsRetryable 只有瞬时网络错误可以重试
func IsRetryable(err error) bool {
	return protocol.IsKind(err, protocol.KindTransientNetwork)
}

// RateLimitError 节点返回 429；RetryAfter 非零时作为下一次重试的最短等待
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return "rate limited by node"
}

// IsRateLimited reports whether err wraps a RateLimitError
func IsRateLimited(err error) bool {
	var rl *RateLimitError
	return errors.As(err, &rl)
}

func retryAfter(err error) time.Duration {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl.RetryAfter
	}
	return 0
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

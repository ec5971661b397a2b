package aggregate

import (
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// StrategyKind 执行结果的选择策略
type StrategyKind string

const (
	StrategyLeastCommon StrategyKind = "leastCommon"
	StrategyMostCommon  StrategyKind = "mostCommon"
	StrategyCustom      StrategyKind = "custom"
)

// Strategy 响应选择策略，零值为 leastCommon
type Strategy struct {
	Kind   StrategyKind
	Custom func(payloads []any) (any, error)
}

// MostCommonStrategy returns the mostCommon strategy
func MostCommonStrategy() Strategy { return Strategy{Kind: StrategyMostCommon} }

// LeastCommonStrategy returns the leastCommon strategy
func LeastCommonStrategy() Strategy { return Strategy{Kind: StrategyLeastCommon} }

// CustomStrategy wraps a caller supplied selector
func CustomStrategy(fn func(payloads []any) (any, error)) Strategy {
	return Strategy{Kind: StrategyCustom, Custom: fn}
}

// SelectResponsePayload 按策略从各节点的 response 中选出一个
// 未设置 response 的节点与 Merge 一样被忽略；
// 自定义选择器出错（包括 panic）时回退到 mostCommon 并记录警告
func SelectResponsePayload(payloads []any, s Strategy) any {
	payloads = nonEmpty(payloads)
	if len(payloads) == 0 {
		return nil
	}
	switch s.Kind {
	case StrategyMostCommon:
		return MostCommon(payloads)
	case StrategyCustom:
		out, err := runCustom(s.Custom, payloads)
		if err != nil {
			log.Warn().
				Err(err).
				Int("payloads", len(payloads)).
				Msg("Custom response strategy failed, falling back to mostCommon")
			return MostCommon(payloads)
		}
		return out
	default:
		return LeastCommon(payloads)
	}
}

func runCustom(fn func([]any) (any, error), payloads []any) (out any, err error) {
	if fn == nil {
		return nil, errors.New("custom strategy has no selector")
	}
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("custom selector panicked: %v", r)
		}
	}()
	cp := make([]any, len(payloads))
	copy(cp, payloads)
	return fn(cp)
}

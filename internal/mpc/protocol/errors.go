package protocol

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Kind 稳定的错误类别标识，调用方据此分支而不是匹配错误字符串
type Kind string

const (
	KindUnknown            Kind = "unknown"
	KindTransientNetwork   Kind = "transient_network"
	KindThresholdNotMet    Kind = "threshold_not_met"
	KindInsufficientShares Kind = "insufficient_shares"
	KindInvalidShare       Kind = "invalid_share"
	KindDelegationExpired  Kind = "delegation_expired"
	KindDelegationInvalid  Kind = "delegation_invalid"
	KindInvalidParam       Kind = "invalid_param"
	KindNodeRejected       Kind = "node_rejected"
	KindPriceExceeded      Kind = "price_exceeded"
	KindNotConnected       Kind = "not_connected"
	KindDecryptionFailed   Kind = "decryption_failed"
)

// Error 客户端统一错误类型
type Error struct {
	Kind       Kind
	Message    string
	RequestID  string
	NodeURL    string
	NodeErrors map[string]error // 按节点地址记录的失败原因
	Original   error
}

func (e *Error) Error() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("[%s] %s", e.Kind, e.Message))
	if e.NodeURL != "" {
		sb.WriteString(fmt.Sprintf(" [node: %s]", e.NodeURL))
	}
	if e.RequestID != "" {
		sb.WriteString(fmt.Sprintf(" [request: %s]", e.RequestID))
	}
	if len(e.NodeErrors) > 0 {
		urls := make([]string, 0, len(e.NodeErrors))
		for u := range e.NodeErrors {
			urls = append(urls, u)
		}
		sort.Strings(urls)
		parts := make([]string, 0, len(urls))
		for _, u := range urls {
			parts = append(parts, fmt.Sprintf("%s: %v", u, e.NodeErrors[u]))
		}
		sb.WriteString(fmt.Sprintf(" (node errors: %s)", strings.Join(parts, "; ")))
	}
	if e.Original != nil {
		sb.WriteString(fmt.Sprintf(": %v", e.Original))
	}
	return sb.String()
}

func (e *Error) Unwrap() error {
	return e.Original
}

// NewError 创建指定类别的错误
func NewError(kind Kind, format string, args ...interface{}) *Error {
	return &Error{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
	}
}

// WrapError 用指定类别包装底层错误
func WrapError(kind Kind, err error, format string, args ...interface{}) *Error {
	return &Error{
		Kind:     kind,
		Message:  fmt.Sprintf(format, args...),
		Original: err,
	}
}

// NewInvalidParamError creates a parameter validation error
func NewInvalidParamError(format string, args ...interface{}) *Error {
	return NewError(KindInvalidParam, format, args...)
}

// NewTransientError marks a single-node I/O failure as retryable
func NewTransientError(nodeURL string, err error) *Error {
	return &Error{
		Kind:     KindTransientNetwork,
		Message:  "transient network error",
		NodeURL:  nodeURL,
		Original: err,
	}
}

// NewThresholdError reports that not enough nodes succeeded
func NewThresholdError(requestID string, threshold int, nodeErrors map[string]error) *Error {
	return &Error{
		Kind:       KindThresholdNotMet,
		Message:    fmt.Sprintf("could not reach threshold of %d successful node responses", threshold),
		RequestID:  requestID,
		NodeErrors: nodeErrors,
	}
}

// NewInsufficientSharesError reports too few well-formed shares for combination
func NewInsufficientSharesError(scheme string, have, threshold int) *Error {
	return NewError(KindInsufficientShares, "%s: %d valid shares, threshold is %d", scheme, have, threshold)
}

// KindOf 返回错误链中第一个 *Error 的类别
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindUnknown
}

// IsKind reports whether err carries the given kind
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

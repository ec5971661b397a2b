package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/SafeMPC/lit-client/internal/metrics"
	"github.com/SafeMPC/lit-client/internal/mpc/node"
	"github.com/SafeMPC/lit-client/internal/mpc/protocol"
	"github.com/SafeMPC/lit-client/internal/mpc/retry"
)

const maxResponseBytes = 8 << 20

// Request 一次扇出请求
type Request struct {
	Endpoint  string
	RequestID string
	// Build 为每个节点构造请求体，在任何请求发出前全部调用
	Build func(url string) (any, error)
	// CollectAll 达到阈值后仍等待其余节点返回（用于握手）
	CollectAll bool
}

// NodeResponse 单个节点的成功响应
type NodeResponse struct {
	URL  string
	Body json.RawMessage
}

// Result 扇出结果，Responses 按节点集合顺序排列
type Result struct {
	RequestID string
	Responses []NodeResponse
	Failures  map[string]error
}

// Bodies returns the raw bodies in response order
func (r *Result) Bodies() []json.RawMessage {
	out := make([]json.RawMessage, 0, len(r.Responses))
	for _, resp := range r.Responses {
		out = append(out, resp.Body)
	}
	return out
}

// Dispatcher 并发向节点集合发送请求，按阈值快速成功或快速失败
type Dispatcher struct {
	http    *http.Client
	retry   retry.Policy
	metrics *metrics.Metrics
}

// New 创建 Dispatcher；httpClient 为 nil 时使用带超时的默认客户端
func New(httpClient *http.Client, policy retry.Policy, m *metrics.Metrics) *Dispatcher {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 45 * time.Second}
	}
	return &Dispatcher{
		http:    httpClient,
		retry:   policy,
		metrics: m,
	}
}

type nodeOutcome struct {
	url  string
	body json.RawMessage
	err  error
}

// Send 向集合中所有节点发出请求
// 成功数达到阈值即返回；成功数加在途数不可能达到阈值时立即失败，
// 错误中按节点地址列出失败原因。未完成的请求继续运行，结果被丢弃。
func (d *Dispatcher) Send(ctx context.Context, set *node.NodeSet, req Request) (*Result, error) {
	if set == nil {
		return nil, protocol.NewInvalidParamError("node set is required")
	}
	if req.Endpoint == "" {
		return nil, protocol.NewInvalidParamError("endpoint is required")
	}
	if req.Build == nil {
		return nil, protocol.NewInvalidParamError("request builder is required")
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}

	urls := set.URLs()
	threshold := set.Threshold()

	// 先构造全部请求体，参数错误不产生任何网络调用
	bodies := make([][]byte, len(urls))
	for i, u := range urls {
		payload, err := req.Build(u)
		if err != nil {
			return nil, err
		}
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, protocol.WrapError(protocol.KindInvalidParam, err, "failed to encode request for %s", u)
		}
		bodies[i] = b
	}

	// 带缓冲，迟到的结果不会阻塞
	results := make(chan nodeOutcome, len(urls))
	for i, u := range urls {
		go func(url string, body []byte) {
			raw, err := d.post(ctx, url, req.Endpoint, req.RequestID, body)
			results <- nodeOutcome{url: url, body: raw, err: err}
		}(u, bodies[i])
	}

	log.Debug().
		Str("endpoint", req.Endpoint).
		Str("request_id", req.RequestID).
		Int("nodes", len(urls)).
		Int("threshold", threshold).
		Msg("Dispatched node requests")

	order := make(map[string]int, len(urls))
	for i, u := range urls {
		order[u] = i
	}

	res := &Result{RequestID: req.RequestID, Failures: make(map[string]error)}
	inFlight := len(urls)
	for inFlight > 0 {
		select {
		case out := <-results:
			inFlight--
			if out.err != nil {
				res.Failures[out.url] = out.err
				log.Debug().
					Err(out.err).
					Str("node_url", out.url).
					Str("request_id", req.RequestID).
					Msg("Node request failed")
			} else {
				res.Responses = append(res.Responses, NodeResponse{URL: out.url, Body: out.body})
			}

			if len(res.Responses)+inFlight < threshold {
				return nil, d.thresholdError(req, threshold, res.Failures, nil)
			}
			if len(res.Responses) >= threshold && (!req.CollectAll || inFlight == 0) {
				if inFlight > 0 {
					log.Debug().
						Str("request_id", req.RequestID).
						Int("discarded", inFlight).
						Msg("Threshold reached, discarding outstanding node requests")
				}
				sort.SliceStable(res.Responses, func(i, j int) bool {
					return order[res.Responses[i].URL] < order[res.Responses[j].URL]
				})
				return res, nil
			}
		case <-ctx.Done():
			if req.CollectAll && len(res.Responses) >= threshold {
				sort.SliceStable(res.Responses, func(i, j int) bool {
					return order[res.Responses[i].URL] < order[res.Responses[j].URL]
				})
				return res, nil
			}
			return nil, d.thresholdError(req, threshold, res.Failures, ctx.Err())
		}
	}

	// 不可达：循环内必然已返回
	return nil, d.thresholdError(req, threshold, res.Failures, nil)
}

func (d *Dispatcher) thresholdError(req Request, threshold int, failures map[string]error, cause error) error {
	nodeErrors := make(map[string]error, len(failures))
	for u, err := range failures {
		nodeErrors[u] = err
	}
	e := protocol.NewThresholdError(req.RequestID, threshold, nodeErrors)
	e.Original = cause
	log.Warn().
		Str("endpoint", req.Endpoint).
		Str("request_id", req.RequestID).
		Int("threshold", threshold).
		Int("failed", len(failures)).
		Msg("Node request threshold not met")
	return e
}

// post 单节点请求，瞬时错误按重试策略重试
func (d *Dispatcher) post(ctx context.Context, url, endpoint, requestID string, body []byte) (json.RawMessage, error) {
	var out json.RawMessage
	err := d.retry.Do(ctx, func(ctx context.Context, attempt int) error {
		start := time.Now()
		raw, err := d.postOnce(ctx, url, endpoint, requestID, body)
		d.metrics.ObserveNodeRequest(endpoint, outcomeLabel(err), time.Since(start))
		if err != nil {
			return err
		}
		out = raw
		return nil
	})
	return out, err
}

func (d *Dispatcher) postOnce(ctx context.Context, url, endpoint, requestID string, body []byte) (json.RawMessage, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url+endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, protocol.WrapError(protocol.KindInvalidParam, err, "failed to create request for %s", url)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(protocol.HeaderRequestID, requestID)

	resp, err := d.http.Do(httpReq)
	if err != nil {
		return nil, protocol.NewTransientError(url, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, protocol.NewTransientError(url, errors.Wrap(err, "failed to read response body"))
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, protocol.NewTransientError(url, &retry.RateLimitError{RetryAfter: retryAfter(resp.Header.Get("Retry-After"))})
	case resp.StatusCode >= http.StatusInternalServerError:
		return nil, protocol.NewTransientError(url, errors.Errorf("HTTP %d: %s", resp.StatusCode, truncate(raw)))
	case resp.StatusCode >= http.StatusBadRequest:
		return nil, rejected(url, requestID, "HTTP %d: %s", resp.StatusCode, truncate(raw))
	}

	var status struct {
		Success *bool           `json:"success"`
		Error   json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(raw, &status); err != nil {
		return nil, rejected(url, requestID, "malformed response body: %v", err)
	}
	if status.Success != nil && !*status.Success {
		return nil, rejected(url, requestID, "node reported failure: %s", truncate(status.Error))
	}

	return json.RawMessage(raw), nil
}

func rejected(url, requestID, format string, args ...interface{}) error {
	e := protocol.NewError(protocol.KindNodeRejected, format, args...)
	e.NodeURL = url
	e.RequestID = requestID
	return e
}

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeSuccess
	case retry.IsRetryable(err):
		return metrics.OutcomeTransient
	default:
		return metrics.OutcomeRejected
	}
}

func retryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

func truncate(b []byte) string {
	const limit = 256
	if len(b) > limit {
		return string(b[:limit]) + "..."
	}
	return string(b)
}

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "lit_client"

// 请求结果标签
const (
	OutcomeSuccess   = "success"
	OutcomeTransient = "transient"
	OutcomeRejected  = "rejected"
	OutcomeDiscarded = "discarded"
)

// 授权签名来源标签
const (
	SourceCache        = "cache"
	SourceSigned       = "signed"
	SourcePregenerated = "pregenerated"
)

// Metrics 客户端指标；nil 接收者上的方法均为空操作
type Metrics struct {
	nodeRequests         *prometheus.CounterVec
	nodeRequestDuration  *prometheus.HistogramVec
	discardedShares      *prometheus.CounterVec
	delegationSignatures *prometheus.CounterVec
}

// New 在给定的 Registerer 上注册指标
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		nodeRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "node_requests_total",
			Help:      "Node requests by endpoint and outcome.",
		}, []string{"endpoint", "outcome"}),
		nodeRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "node_request_duration_seconds",
			Help:      "Latency of single node requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}, []string{"endpoint"}),
		discardedShares: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "discarded_shares_total",
			Help:      "Malformed or disagreeing signature shares dropped before combination.",
		}, []string{"scheme"}),
		delegationSignatures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delegation_signatures_total",
			Help:      "Delegation signatures handed out, by auth variant and source.",
		}, []string{"variant", "source"}),
	}
}

// ObserveNodeRequest 记录一次节点请求
func (m *Metrics) ObserveNodeRequest(endpoint, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.nodeRequests.WithLabelValues(endpoint, outcome).Inc()
	m.nodeRequestDuration.WithLabelValues(endpoint).Observe(d.Seconds())
}

// DiscardedShares 记录被丢弃的分片
func (m *Metrics) DiscardedShares(scheme string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.discardedShares.WithLabelValues(scheme).Add(float64(n))
}

// DelegationSignature 记录授权签名来源
func (m *Metrics) DelegationSignature(variant, source string) {
	if m == nil {
		return
	}
	m.delegationSignatures.WithLabelValues(variant, source).Inc()
}

package metrics_test

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/SafeMPC/lit-client/internal/metrics"
)

func TestMetricsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	m.ObserveNodeRequest("/web/pkp/sign/v2", metrics.OutcomeSuccess, 10*time.Millisecond)
	m.ObserveNodeRequest("/web/pkp/sign/v2", metrics.OutcomeSuccess, 20*time.Millisecond)
	m.DiscardedShares("bls", 2)
	m.DiscardedShares("bls", 0)
	m.DelegationSignature("eoa", metrics.SourceCache)

	count, err := testutil.GatherAndCount(reg, "lit_client_node_requests_total")
	assert.NoError(t, err)
	assert.Equal(t, 1, count)

	count, err = testutil.GatherAndCount(reg, "lit_client_discarded_shares_total")
	assert.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *metrics.Metrics
	assert.NotPanics(t, func() {
		m.ObserveNodeRequest("/x", metrics.OutcomeRejected, time.Second)
		m.DiscardedShares("ecdsa", 1)
		m.DelegationSignature("pkp", metrics.SourceSigned)
	})
}

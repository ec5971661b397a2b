package dispatch_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SafeMPC/lit-client/internal/mpc/dispatch"
	"github.com/SafeMPC/lit-client/internal/mpc/node"
	"github.com/SafeMPC/lit-client/internal/mpc/protocol"
	"github.com/SafeMPC/lit-client/internal/mpc/retry"
)

const endpoint = "/web/pkp/sign/v2"

type behaviour func(w http.ResponseWriter, r *http.Request)

func ok(payload string) behaviour {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(payload))
	}
}

func status(code int) behaviour {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(code)
		_, _ = w.Write([]byte(`{"error":"boom"}`))
	}
}

func stall(release <-chan struct{}) behaviour {
	return func(w http.ResponseWriter, r *http.Request) {
		<-release
		ok(`{"success":true}`)(w, r)
	}
}

type testNode struct {
	srv   *httptest.Server
	calls atomic.Int32
}

func startNodes(t *testing.T, behaviours ...behaviour) ([]*testNode, *node.NodeSet, int) {
	t.Helper()
	return startNodesWithThreshold(t, 3, behaviours...)
}

func startNodesWithThreshold(t *testing.T, threshold int, behaviours ...behaviour) ([]*testNode, *node.NodeSet, int) {
	t.Helper()
	nodes := make([]*testNode, 0, len(behaviours))
	urls := make([]string, 0, len(behaviours))
	for _, b := range behaviours {
		n := &testNode{}
		b := b
		n.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			n.calls.Add(1)
			b(w, r)
		}))
		t.Cleanup(n.srv.Close)
		nodes = append(nodes, n)
		urls = append(urls, n.srv.URL)
	}
	set, err := node.NewNodeSet(urls, threshold)
	require.NoError(t, err)
	return nodes, set, threshold
}

func noRetry() retry.Policy {
	return retry.Policy{MaxAttempts: 1}
}

func echoBuild(url string) (any, error) {
	return map[string]string{"nodeUrl": url}, nil
}

func TestSendSucceedsWithTwoNodeFailures(t *testing.T) {
	nodes, set, _ := startNodes(t,
		status(http.StatusInternalServerError),
		ok(`{"success":true,"n":1}`),
		ok(`{"success":true,"n":2}`),
		status(http.StatusBadGateway),
		ok(`{"success":true,"n":3}`),
	)

	d := dispatch.New(nil, noRetry(), nil)
	res, err := d.Send(context.Background(), set, dispatch.Request{Endpoint: endpoint, Build: echoBuild})
	require.NoError(t, err)
	require.Len(t, res.Responses, 3)
	assert.NotEmpty(t, res.RequestID)

	// 结果按节点集合顺序排列
	assert.Equal(t, nodes[1].srv.URL, res.Responses[0].URL)
	assert.Equal(t, nodes[2].srv.URL, res.Responses[1].URL)
	assert.Equal(t, nodes[4].srv.URL, res.Responses[2].URL)
	assert.JSONEq(t, `{"success":true,"n":1}`, string(res.Bodies()[0]))
}

func TestSendFailsFastWithPerNodeErrors(t *testing.T) {
	release := make(chan struct{})
	nodes, set, _ := startNodes(t,
		status(http.StatusInternalServerError),
		status(http.StatusBadRequest),
		ok(`{"success":false,"error":"bad auth"}`),
		stall(release),
		stall(release),
	)
	t.Cleanup(func() { close(release) })

	d := dispatch.New(nil, noRetry(), nil)
	start := time.Now()
	_, err := d.Send(context.Background(), set, dispatch.Request{Endpoint: endpoint, RequestID: "req-1", Build: echoBuild})
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)

	var pe *protocol.Error
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, protocol.KindThresholdNotMet, pe.Kind)
	assert.Equal(t, "req-1", pe.RequestID)
	require.Len(t, pe.NodeErrors, 3)
	assert.True(t, protocol.IsKind(pe.NodeErrors[nodes[0].srv.URL], protocol.KindTransientNetwork))
	assert.True(t, protocol.IsKind(pe.NodeErrors[nodes[1].srv.URL], protocol.KindNodeRejected))
	assert.True(t, protocol.IsKind(pe.NodeErrors[nodes[2].srv.URL], protocol.KindNodeRejected))
	assert.Contains(t, err.Error(), nodes[2].srv.URL)
}

func TestSendDoesNotWaitForStragglers(t *testing.T) {
	release := make(chan struct{})
	_, set, _ := startNodes(t,
		ok(`{"success":true}`),
		stall(release),
		ok(`{"success":true}`),
		stall(release),
		ok(`{"success":true}`),
	)
	t.Cleanup(func() { close(release) })

	d := dispatch.New(nil, noRetry(), nil)
	done := make(chan error, 1)
	go func() {
		_, err := d.Send(context.Background(), set, dispatch.Request{Endpoint: endpoint, Build: echoBuild})
		done <- err
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Send blocked on stalled nodes")
	}
}

func TestSendRetriesTransientErrors(t *testing.T) {
	var flaky atomic.Int32
	nodes, set, _ := startNodesWithThreshold(t, 1, func(w http.ResponseWriter, r *http.Request) {
		if flaky.Add(1) < 3 {
			status(http.StatusServiceUnavailable)(w, r)
			return
		}
		ok(`{"success":true}`)(w, r)
	})

	policy := retry.Policy{MaxAttempts: 3, InitialBackoff: time.Millisecond, Multiplier: 1}
	d := dispatch.New(nil, policy, nil)
	res, err := d.Send(context.Background(), set, dispatch.Request{Endpoint: endpoint, Build: echoBuild})
	require.NoError(t, err)
	assert.Len(t, res.Responses, 1)
	assert.Equal(t, int32(3), nodes[0].calls.Load())
}

func TestSendNeverRetriesRejections(t *testing.T) {
	nodes, set, _ := startNodesWithThreshold(t, 1, ok(`{"success":false,"error":"invalid session sig"}`))

	policy := retry.Policy{MaxAttempts: 5, InitialBackoff: time.Millisecond, Multiplier: 1}
	d := dispatch.New(nil, policy, nil)
	_, err := d.Send(context.Background(), set, dispatch.Request{Endpoint: endpoint, Build: echoBuild})
	require.Error(t, err)
	assert.Equal(t, int32(1), nodes[0].calls.Load())
}

func TestSendRateLimitIsRetryable(t *testing.T) {
	var hits atomic.Int32
	_, set, _ := startNodesWithThreshold(t, 1, func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.Header().Set("Retry-After", "1")
			status(http.StatusTooManyRequests)(w, r)
			return
		}
		ok(`{"success":true}`)(w, r)
	})

	var delays []time.Duration
	policy := retry.Policy{
		MaxAttempts: 1,
		Overrides: []retry.Override{{
			Name:           "rate_limited",
			Match:          retry.IsRateLimited,
			MaxAttempts:    2,
			InitialBackoff: time.Millisecond,
		}},
	}.WithSleeper(func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return ctx.Err()
	})
	d := dispatch.New(nil, policy, nil)
	_, err := d.Send(context.Background(), set, dispatch.Request{Endpoint: endpoint, Build: echoBuild})
	require.NoError(t, err)
	assert.Equal(t, int32(2), hits.Load())
	// Retry-After 优先于更短的退避
	assert.Equal(t, []time.Duration{time.Second}, delays)
}

func TestSendPropagatesRequestIDAndBody(t *testing.T) {
	var gotID, gotURL atomic.Value
	_, set, _ := startNodesWithThreshold(t, 1, func(w http.ResponseWriter, r *http.Request) {
		gotID.Store(r.Header.Get(protocol.HeaderRequestID))
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		gotURL.Store(body["nodeUrl"])
		assert.Equal(t, endpoint, r.URL.Path)
		ok(`{"success":true}`)(w, r)
	})

	d := dispatch.New(nil, noRetry(), nil)
	_, err := d.Send(context.Background(), set, dispatch.Request{Endpoint: endpoint, RequestID: "abc", Build: echoBuild})
	require.NoError(t, err)
	assert.Equal(t, "abc", gotID.Load())
	assert.Equal(t, set.URLs()[0], gotURL.Load())
}

func TestSendBuildErrorMakesNoCalls(t *testing.T) {
	nodes, set, _ := startNodesWithThreshold(t, 1, ok(`{}`), ok(`{}`))

	d := dispatch.New(nil, noRetry(), nil)
	_, err := d.Send(context.Background(), set, dispatch.Request{
		Endpoint: endpoint,
		Build: func(url string) (any, error) {
			if url == nodes[1].srv.URL {
				return nil, protocol.NewInvalidParamError("cannot sign for %s", url)
			}
			return map[string]string{}, nil
		},
	})
	require.Error(t, err)
	assert.True(t, protocol.IsKind(err, protocol.KindInvalidParam))
	assert.Equal(t, int32(0), nodes[0].calls.Load())
	assert.Equal(t, int32(0), nodes[1].calls.Load())
}

func TestSendCollectAllWaitsForEveryNode(t *testing.T) {
	_, set, _ := startNodesWithThreshold(t, 1,
		ok(`{"success":true}`),
		func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(50 * time.Millisecond)
			ok(`{"success":true}`)(w, r)
		},
		status(http.StatusInternalServerError),
	)

	d := dispatch.New(nil, noRetry(), nil)
	res, err := d.Send(context.Background(), set, dispatch.Request{Endpoint: endpoint, Build: echoBuild, CollectAll: true})
	require.NoError(t, err)
	assert.Len(t, res.Responses, 2)
	assert.Len(t, res.Failures, 1)
}

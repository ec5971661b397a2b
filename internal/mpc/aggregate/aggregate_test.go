package aggregate_test

import (
	"encoding/json"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SafeMPC/lit-client/internal/mpc/aggregate"
)

func TestMergeTieBreaksOnLastEncountered(t *testing.T) {
	merged := aggregate.Merge([]map[string]any{
		{"color": "red", "size": "small"},
		{"color": "blue", "size": "large"},
		{"color": "red", "size": "large"},
		{"color": "blue", "size": "small"},
	})
	assert.Equal(t, map[string]any{"color": "blue", "size": "small"}, merged)
}

func TestMergeMajorityWins(t *testing.T) {
	merged := aggregate.Merge([]map[string]any{
		{"publicKey": "0xaa", "epoch": json.Number("4")},
		{"publicKey": "0xbb", "epoch": json.Number("4")},
		{"publicKey": "0xaa", "epoch": json.Number("5")},
	})
	assert.Equal(t, "0xaa", merged["publicKey"])
	assert.Equal(t, json.Number("4"), merged["epoch"])
}

func TestMergeRecursesIntoObjects(t *testing.T) {
	merged := aggregate.Merge([]map[string]any{
		{"claim": map[string]any{"sig": "a", "derivedKeyId": "k1"}},
		{"claim": map[string]any{"sig": "b", "derivedKeyId": "k1"}},
		{"claim": map[string]any{"sig": "b", "derivedKeyId": "k2"}},
	})
	assert.Equal(t, map[string]any{"sig": "b", "derivedKeyId": "k1"}, merged["claim"])
}

func TestMergeDropsEmptyValues(t *testing.T) {
	merged := aggregate.Merge([]map[string]any{
		{"a": "", "b": nil, "c": "x"},
		{"a": "", "c": ""},
		{"a": "v", "c": "x"},
	})
	assert.Equal(t, "v", merged["a"])
	assert.Equal(t, "x", merged["c"])

	v, present := merged["b"]
	assert.True(t, present)
	assert.Nil(t, v)
}

func TestMergeMixedObjectAndLiteralUsesMostCommon(t *testing.T) {
	merged := aggregate.Merge([]map[string]any{
		{"k": map[string]any{"x": "1"}},
		{"k": "literal"},
		{"k": map[string]any{"x": "1"}},
	})
	assert.Equal(t, map[string]any{"x": "1"}, merged["k"])
}

func TestMostAndLeastCommon(t *testing.T) {
	values := []any{"A", "B", "B"}
	assert.Equal(t, "B", aggregate.MostCommon(values))
	assert.Equal(t, "A", aggregate.LeastCommon(values))

	// 平局：最多取最后出现，最少取最先出现
	tie := []any{"x", "y", "z"}
	assert.Equal(t, "z", aggregate.MostCommon(tie))
	assert.Equal(t, "x", aggregate.LeastCommon(tie))

	assert.Nil(t, aggregate.MostCommon(nil))
	assert.Equal(t, "q", aggregate.MostCommonString([]string{"", "q", "", ""}))
}

func TestSelectResponsePayloadStrategies(t *testing.T) {
	payloads := []any{"A", "B", "B"}
	assert.Equal(t, "B", aggregate.SelectResponsePayload(payloads, aggregate.MostCommonStrategy()))
	assert.Equal(t, "A", aggregate.SelectResponsePayload(payloads, aggregate.LeastCommonStrategy()))
	// 默认 leastCommon
	assert.Equal(t, "A", aggregate.SelectResponsePayload(payloads, aggregate.Strategy{}))

	uniform := []any{map[string]any{"ok": true}, map[string]any{"ok": true}}
	assert.Equal(t,
		aggregate.SelectResponsePayload(uniform, aggregate.MostCommonStrategy()),
		aggregate.SelectResponsePayload(uniform, aggregate.LeastCommonStrategy()))
}

func TestSelectResponsePayloadIgnoresMissingResponses(t *testing.T) {
	payloads := []any{nil, "", "real", nil}
	assert.Equal(t, "real", aggregate.SelectResponsePayload(payloads, aggregate.LeastCommonStrategy()))
	assert.Equal(t, "real", aggregate.SelectResponsePayload(payloads, aggregate.MostCommonStrategy()))

	var seen []any
	custom := aggregate.CustomStrategy(func(p []any) (any, error) {
		seen = p
		return p[0], nil
	})
	assert.Equal(t, "real", aggregate.SelectResponsePayload(payloads, custom))
	assert.Equal(t, []any{"real"}, seen)

	assert.Nil(t, aggregate.SelectResponsePayload([]any{nil, nil}, aggregate.Strategy{}))
}

func TestCustomStrategyFallsBackToMostCommon(t *testing.T) {
	payloads := []any{"A", "B", "B"}

	first := aggregate.CustomStrategy(func(p []any) (any, error) { return p[0], nil })
	assert.Equal(t, "A", aggregate.SelectResponsePayload(payloads, first))

	failing := aggregate.CustomStrategy(func([]any) (any, error) { return nil, errors.New("nope") })
	assert.Equal(t, "B", aggregate.SelectResponsePayload(payloads, failing))

	panicking := aggregate.CustomStrategy(func(p []any) (any, error) { return p[10], nil })
	assert.NotPanics(t, func() {
		assert.Equal(t, "B", aggregate.SelectResponsePayload(payloads, panicking))
	})

	assert.Equal(t, "B", aggregate.SelectResponsePayload(payloads, aggregate.Strategy{Kind: aggregate.StrategyCustom}))
}

func TestDecodeAndExtractShares(t *testing.T) {
	raw := []json.RawMessage{
		json.RawMessage(`{"success":true,"signedData":{"sig1":{"signatureShare":"a","shareId":1}},"response":"x"}`),
		json.RawMessage(`{"success":true,"signedData":{"sig1":{"signatureShare":"b","shareId":2},"sig2":{"signatureShare":"c"}}}`),
		json.RawMessage(`{"success":true,"signedData":"not-a-map"}`),
	}
	responses, err := aggregate.DecodeResponses(raw)
	require.NoError(t, err)
	require.Len(t, responses, 3)

	shares := aggregate.ExtractShares(responses, "signedData")
	require.Len(t, shares["sig1"], 2)
	require.Len(t, shares["sig2"], 1)
	assert.Equal(t, json.Number("2"), shares["sig1"][1]["shareId"])

	_, err = aggregate.DecodeResponses([]json.RawMessage{json.RawMessage(`not json`)})
	assert.Error(t, err)
}

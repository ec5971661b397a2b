package combine

import (
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/SafeMPC/lit-client/internal/metrics"
	"github.com/SafeMPC/lit-client/internal/mpc/protocol"
)

// Signature 合并后的最终签名
type Signature struct {
	Signature  string           `json:"signature"`
	R          string           `json:"r,omitempty"`
	S          string           `json:"s,omitempty"`
	RecID      int              `json:"recid"`
	PublicKey  string           `json:"publicKey"`
	SignedData string           `json:"dataSigned"`
	SigType    protocol.SigType `json:"sigType"`
	// SiweMessage 会话密钥签名时节点签署的消息
	SiweMessage string `json:"siweMessage,omitempty"`
}

// Combiner 分片合并器；metrics 可为 nil
type Combiner struct {
	metrics *metrics.Metrics
}

// New 创建合并器
func New(m *metrics.Metrics) *Combiner {
	return &Combiner{metrics: m}
}

var defaultCombiner = &Combiner{}

func (c *Combiner) discard(scheme, reason string, fields map[string]string) {
	ev := log.Warn().Str("scheme", scheme).Str("reason", reason)
	for k, v := range fields {
		ev = ev.Str(k, v)
	}
	ev.Msg("Discarding signature share")
	c.metrics.DiscardedShares(scheme, 1)
}

// DecodeShares 将节点返回的分片对象解码为具体类型
func DecodeShares[T any](raw []map[string]any) ([]T, error) {
	out := make([]T, 0, len(raw))
	for i, r := range raw {
		b, err := json.Marshal(r)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to encode share %d", i)
		}
		var s T
		if err := json.Unmarshal(b, &s); err != nil {
			return nil, protocol.WrapError(protocol.KindInvalidShare, err, "failed to decode share %d", i)
		}
		out = append(out, s)
	}
	return out, nil
}

// decodeHex 解码十六进制字符串，允许 0x 前缀
func decodeHex(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(s), "0x"), "0X")
	if s == "" {
		return nil, errors.New("empty hex string")
	}
	return hex.DecodeString(s)
}

// stripQuotes 节点有时返回带引号的十六进制字符串
func stripQuotes(s string) string {
	return strings.Trim(s, "\"")
}

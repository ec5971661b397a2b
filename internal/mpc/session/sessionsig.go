package session

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"math/big"
	"time"

	"github.com/pkg/errors"

	"github.com/SafeMPC/lit-client/internal/auth"
	"github.com/SafeMPC/lit-client/internal/mpc/protocol"
)

// AlgoEd25519 会话签名算法
const AlgoEd25519 = "ed25519"

// Template 一次操作共用的会话签名内容
type Template struct {
	SessionKey              string
	ResourceAbilityRequests []auth.ResourceAbilityRequest
	Capabilities            []auth.AuthSig
	IssuedAt                time.Time
	Expiration              time.Time
}

// NewTemplate 以 now 为签发时间、ttl 为有效期创建模板
func NewTemplate(kp *KeyPair, requests []auth.ResourceAbilityRequest, capabilities []auth.AuthSig, now time.Time, ttl time.Duration) Template {
	return Template{
		SessionKey:              kp.PublicKey,
		ResourceAbilityRequests: requests,
		Capabilities:            capabilities,
		IssuedAt:                now,
		Expiration:              now.Add(ttl),
	}
}

// Target 会话签名绑定的节点与价格上限
type Target struct {
	NodeAddress string
	// nil 表示不限价
	MaxPrice *big.Int
}

// SignedPayload 被签名的内容，字段顺序固定
type SignedPayload struct {
	SessionKey              string                        `json:"sessionKey"`
	ResourceAbilityRequests []auth.ResourceAbilityRequest `json:"resourceAbilityRequests"`
	Capabilities            []auth.AuthSig                `json:"capabilities"`
	IssuedAt                string                        `json:"issuedAt"`
	Expiration              string                        `json:"expiration"`
	NodeAddress             string                        `json:"nodeAddress"`
	MaxPrice                string                        `json:"maxPrice"`
}

// SessionSigs 按节点地址索引的会话签名
type SessionSigs map[string]auth.AuthSig

// SignTemplate 为单个节点签名
func SignTemplate(kp *KeyPair, tmpl Template, target Target) (*auth.AuthSig, error) {
	priv, err := kp.privateKey()
	if err != nil {
		return nil, protocol.WrapError(protocol.KindInvalidParam, err, "cannot sign session template")
	}
	if target.NodeAddress == "" {
		return nil, protocol.NewInvalidParamError("session signature needs a node address")
	}

	payload := SignedPayload{
		SessionKey:              tmpl.SessionKey,
		ResourceAbilityRequests: tmpl.ResourceAbilityRequests,
		Capabilities:            tmpl.Capabilities,
		IssuedAt:                auth.FormatSiweTime(tmpl.IssuedAt),
		Expiration:              auth.FormatSiweTime(tmpl.Expiration),
		NodeAddress:             target.NodeAddress,
	}
	if payload.ResourceAbilityRequests == nil {
		payload.ResourceAbilityRequests = []auth.ResourceAbilityRequest{}
	}
	if payload.Capabilities == nil {
		payload.Capabilities = []auth.AuthSig{}
	}
	if target.MaxPrice != nil {
		payload.MaxPrice = target.MaxPrice.String()
	}

	msg, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal session payload")
	}
	return &auth.AuthSig{
		Sig:           hex.EncodeToString(ed25519.Sign(priv, msg)),
		DerivedVia:    auth.DerivedViaSessionSig,
		SignedMessage: string(msg),
		Address:       kp.PublicKey,
		Algo:          AlgoEd25519,
	}, nil
}

// SignForNodes 为每个节点生成一份独立签名
func SignForNodes(kp *KeyPair, tmpl Template, targets []Target) (SessionSigs, error) {
	sigs := make(SessionSigs, len(targets))
	for _, t := range targets {
		sig, err := SignTemplate(kp, tmpl, t)
		if err != nil {
			return nil, err
		}
		sigs[t.NodeAddress] = *sig
	}
	return sigs, nil
}

// VerifySessionSig 节点侧校验：签名、绑定节点与有效期
func VerifySessionSig(sig *auth.AuthSig, nodeAddress string, now time.Time) (*SignedPayload, error) {
	if sig == nil {
		return nil, protocol.NewError(protocol.KindDelegationInvalid, "missing session signature")
	}
	if sig.DerivedVia != auth.DerivedViaSessionSig || sig.Algo != AlgoEd25519 {
		return nil, protocol.NewError(protocol.KindDelegationInvalid, "unexpected session signature type %s/%s", sig.DerivedVia, sig.Algo)
	}

	var payload SignedPayload
	if err := json.Unmarshal([]byte(sig.SignedMessage), &payload); err != nil {
		return nil, protocol.WrapError(protocol.KindDelegationInvalid, err, "malformed session payload")
	}
	if payload.SessionKey != sig.Address {
		return nil, protocol.NewError(protocol.KindDelegationInvalid, "session key does not match signer")
	}

	pub, err := hex.DecodeString(sig.Address)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return nil, protocol.NewError(protocol.KindDelegationInvalid, "malformed session public key")
	}
	raw, err := hex.DecodeString(sig.Sig)
	if err != nil || !ed25519.Verify(pub, []byte(sig.SignedMessage), raw) {
		return nil, protocol.NewError(protocol.KindDelegationInvalid, "session signature does not verify")
	}

	if payload.NodeAddress != nodeAddress {
		return nil, protocol.NewError(protocol.KindDelegationInvalid, "session signature is bound to %s", payload.NodeAddress)
	}

	issued, err := time.Parse(time.RFC3339Nano, payload.IssuedAt)
	if err != nil {
		return nil, protocol.WrapError(protocol.KindDelegationInvalid, err, "malformed issuedAt")
	}
	exp, err := time.Parse(time.RFC3339Nano, payload.Expiration)
	if err != nil {
		return nil, protocol.WrapError(protocol.KindDelegationInvalid, err, "malformed expiration")
	}
	if now.Before(issued.Add(-time.Minute)) {
		return nil, protocol.NewError(protocol.KindDelegationInvalid, "session signature issued in the future")
	}
	if !now.Before(exp) {
		return nil, protocol.NewError(protocol.KindDelegationExpired, "session signature expired at %s", payload.Expiration)
	}
	return &payload, nil
}

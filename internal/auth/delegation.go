package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/SafeMPC/lit-client/internal/infra/storage"
	"github.com/SafeMPC/lit-client/internal/metrics"
	"github.com/SafeMPC/lit-client/internal/mpc/combine"
	"github.com/SafeMPC/lit-client/internal/mpc/protocol"
)

// State 授权签名的校验结果
type State int

const (
	StateAbsent State = iota
	StateValid
	StateExpired
	StateInvalid
)

func (s State) String() string {
	switch s {
	case StateAbsent:
		return "absent"
	case StateValid:
		return "valid"
	case StateExpired:
		return "expired"
	case StateInvalid:
		return "invalid"
	}
	return "unknown"
}

// DelegationCheck 校验授权签名所需的上下文
type DelegationCheck struct {
	SessionKeyURI string
	Required      []ResourceAbilityRequest
	Now           time.Time
	// 非空时校验 lit.bls 类型签名
	NetworkPublicKey []byte
}

// ValidateDelegation 判断授权签名能否用于当前会话密钥
// 返回非 Valid 状态时 error 说明原因
func ValidateDelegation(sig *AuthSig, check DelegationCheck) (State, error) {
	if sig == nil {
		return StateAbsent, nil
	}

	msg := sig.Siwe()
	exp, err := msg.Expiration()
	if err != nil {
		return StateInvalid, protocol.WrapError(protocol.KindDelegationInvalid, err, "unreadable expiration time %q", msg.ExpirationTime)
	}
	now := check.Now
	if now.IsZero() {
		now = time.Now()
	}
	if !now.Before(exp) {
		return StateExpired, protocol.NewError(protocol.KindDelegationExpired, "delegation expired at %s", msg.ExpirationTime)
	}
	if msg.NotBefore != "" {
		nb, err := parseSiweTime(msg.NotBefore)
		if err != nil {
			return StateInvalid, protocol.WrapError(protocol.KindDelegationInvalid, err, "unreadable not-before time %q", msg.NotBefore)
		}
		if now.Before(nb) {
			return StateInvalid, protocol.NewError(protocol.KindDelegationInvalid, "delegation not valid before %s", msg.NotBefore)
		}
	}
	if msg.URI != check.SessionKeyURI {
		return StateInvalid, protocol.NewError(protocol.KindDelegationInvalid, "delegation is bound to %q, not %q", msg.URI, check.SessionKeyURI)
	}

	if len(check.Required) > 0 {
		recap, err := RecapFromSiwe(msg)
		if err != nil {
			return StateInvalid, err
		}
		if !recap.Covers(check.Required) {
			return StateInvalid, protocol.NewError(protocol.KindDelegationInvalid, "delegation does not grant the requested capabilities")
		}
	}

	if err := verifyDelegationSignature(sig, check.NetworkPublicKey); err != nil {
		return StateInvalid, err
	}
	return StateValid, nil
}

func verifyDelegationSignature(sig *AuthSig, networkKey []byte) error {
	switch sig.DerivedVia {
	case DerivedViaPersonalSign:
		addr, err := RecoverPersonalSigner([]byte(sig.SignedMessage), sig.Sig)
		if err != nil {
			return protocol.WrapError(protocol.KindDelegationInvalid, err, "bad wallet signature")
		}
		if !strings.EqualFold(addr.Hex(), sig.Address) {
			return protocol.NewError(protocol.KindDelegationInvalid, "signature recovers to %s, expected %s", addr.Hex(), sig.Address)
		}
	case DerivedViaLitBls:
		if len(networkKey) == 0 {
			return nil
		}
		raw, err := hex.DecodeString(strings.TrimPrefix(sig.Sig, "0x"))
		if err != nil {
			return protocol.WrapError(protocol.KindDelegationInvalid, err, "malformed network signature")
		}
		digest := sha256.Sum256([]byte(sig.SignedMessage))
		if err := combine.VerifyBls(networkKey, digest[:], raw); err != nil {
			return protocol.WrapError(protocol.KindDelegationInvalid, err, "network signature does not verify")
		}
	default:
		return protocol.NewError(protocol.KindDelegationInvalid, "unsupported signature origin %q", sig.DerivedVia)
	}
	return nil
}

// AuthCallbackParams 需要新授权签名时提供给回调的参数
type AuthCallbackParams struct {
	SessionKeyURI           string
	ResourceAbilityRequests []ResourceAbilityRequest
	Expiration              time.Time
	Nonce                   string
}

// AuthNeededCallback 产生一个新的授权签名
type AuthNeededCallback func(ctx context.Context, params AuthCallbackParams) (*AuthSig, error)

// AcquireRequest 获取授权签名的请求
type AcquireRequest struct {
	Address       string
	Variant       string
	SessionKeyURI string
	Required      []ResourceAbilityRequest
	Expiration    time.Time
	Nonce         string
	// 调用方提供的现成签名，优先使用
	Pregenerated     *AuthSig
	NetworkPublicKey []byte
	Callback         AuthNeededCallback
}

// Authority 管理授权签名的缓存与生成
type Authority struct {
	store   storage.Provider
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewAuthority 创建授权管理器
func NewAuthority(store storage.Provider, m *metrics.Metrics, now func() time.Time) *Authority {
	if now == nil {
		now = time.Now
	}
	return &Authority{store: store, metrics: m, now: now}
}

// Acquire 返回一个有效的授权签名：现成签名 -> 缓存 -> 回调生成
func (a *Authority) Acquire(ctx context.Context, req AcquireRequest) (*AuthSig, error) {
	check := DelegationCheck{
		SessionKeyURI:    req.SessionKeyURI,
		Required:         req.Required,
		Now:              a.now(),
		NetworkPublicKey: req.NetworkPublicKey,
	}

	if req.Pregenerated != nil {
		if _, err := ValidateDelegation(req.Pregenerated, check); err != nil {
			return nil, err
		}
		a.metrics.DelegationSignature(req.Variant, metrics.SourcePregenerated)
		return req.Pregenerated, nil
	}

	if sig := a.cached(ctx, req.Address, check); sig != nil {
		a.metrics.DelegationSignature(req.Variant, metrics.SourceCache)
		return sig, nil
	}

	if req.Callback == nil {
		return nil, protocol.NewInvalidParamError("no delegation signature available and no way to create one")
	}
	sig, err := req.Callback(ctx, AuthCallbackParams{
		SessionKeyURI:           req.SessionKeyURI,
		ResourceAbilityRequests: req.Required,
		Expiration:              req.Expiration,
		Nonce:                   req.Nonce,
	})
	if err != nil {
		return nil, err
	}
	if _, err := ValidateDelegation(sig, check); err != nil {
		return nil, err
	}

	raw, err := sig.Marshal()
	if err != nil {
		return nil, err
	}
	if err := a.store.WriteDelegationSig(ctx, req.Address, raw); err != nil {
		return nil, err
	}
	a.metrics.DelegationSignature(req.Variant, metrics.SourceSigned)

	log.Debug().
		Str("address", req.Address).
		Str("variant", req.Variant).
		Msg("Created new delegation signature")
	return sig, nil
}

func (a *Authority) cached(ctx context.Context, address string, check DelegationCheck) *AuthSig {
	raw, err := a.store.ReadDelegationSig(ctx, address)
	if err != nil {
		log.Warn().Err(err).Str("address", address).Msg("Failed to read cached delegation signature")
		return nil
	}
	if raw == "" {
		return nil
	}

	sig, err := UnmarshalAuthSig(raw)
	if err == nil {
		var state State
		state, err = ValidateDelegation(sig, check)
		if state == StateValid {
			return sig
		}
	}

	log.Debug().
		Err(err).
		Str("address", address).
		Msg("Discarding cached delegation signature")
	if err := a.store.DeleteDelegationSig(ctx, address); err != nil {
		log.Warn().Err(err).Str("address", address).Msg("Failed to delete cached delegation signature")
	}
	return nil
}

package auth

import (
	"context"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/kat-co/vala"

	"github.com/SafeMPC/lit-client/internal/mpc/chain"
	"github.com/SafeMPC/lit-client/internal/mpc/protocol"
)

// ContextKind 授权上下文类型
type ContextKind int

const (
	ContextEoa ContextKind = iota + 1
	ContextPkp
	ContextCustom
)

func (k ContextKind) String() string {
	switch k {
	case ContextEoa:
		return "eoa"
	case ContextPkp:
		return "pkp"
	case ContextCustom:
		return "custom"
	}
	return "unknown"
}

// Common 各类上下文共有的参数
type Common struct {
	ResourceAbilityRequests []ResourceAbilityRequest
	// 零值表示使用客户端配置的有效期
	Expiration   time.Time
	Pregenerated *AuthSig
}

// EoaParams 外部账户直接签名
type EoaParams struct {
	Common
	Signer Signer
}

// PkpParams 由网络以 PKP 身份签发授权
type PkpParams struct {
	Common
	PKPPublicKey string
	AuthMethods  []AuthMethod
}

// CustomParams 由 Lit Action 决定是否签发授权
type CustomParams struct {
	Common
	PKPPublicKey    string
	LitActionCode   string
	LitActionIPFSID string
	JsParams        map[string]any
}

// AuthContext 授权上下文，只能通过 New*Context 构造
type AuthContext struct {
	kind    ContextKind
	address string
	eoa     *EoaParams
	pkp     *PkpParams
	custom  *CustomParams
}

func (c AuthContext) Kind() ContextKind { return c.kind }

// Address 缓存授权签名所用的地址
func (c AuthContext) Address() string { return c.address }

func (c AuthContext) common() Common {
	switch c.kind {
	case ContextEoa:
		return c.eoa.Common
	case ContextPkp:
		return c.pkp.Common
	case ContextCustom:
		return c.custom.Common
	}
	return Common{}
}

func (c AuthContext) ResourceAbilityRequests() []ResourceAbilityRequest {
	return c.common().ResourceAbilityRequests
}

func (c AuthContext) Expiration() time.Time { return c.common().Expiration }

func (c AuthContext) Pregenerated() *AuthSig { return c.common().Pregenerated }

// NewEoaContext 校验并创建外部账户上下文
func NewEoaContext(p EoaParams) (AuthContext, error) {
	err := vala.BeginValidation().Validate(
		vala.IsNotNil(p.Signer, "signer"),
		requestsChecker(p.ResourceAbilityRequests),
	).Check()
	if err != nil {
		return AuthContext{}, protocol.WrapError(protocol.KindInvalidParam, err, "invalid eoa auth context")
	}
	return AuthContext{kind: ContextEoa, address: p.Signer.Address().Hex(), eoa: &p}, nil
}

// NewPkpContext 校验并创建 PKP 上下文
func NewPkpContext(p PkpParams) (AuthContext, error) {
	err := vala.BeginValidation().Validate(
		vala.StringNotEmpty(p.PKPPublicKey, "pkpPublicKey"),
		vala.GreaterThan(len(p.AuthMethods), 0, "authMethods"),
		authMethodsChecker(p.AuthMethods),
		requestsChecker(p.ResourceAbilityRequests),
	).Check()
	if err != nil {
		return AuthContext{}, protocol.WrapError(protocol.KindInvalidParam, err, "invalid pkp auth context")
	}
	addr, err := pkpAddress(p.PKPPublicKey)
	if err != nil {
		return AuthContext{}, err
	}
	return AuthContext{kind: ContextPkp, address: addr, pkp: &p}, nil
}

// NewCustomContext 校验并创建 Lit Action 上下文
func NewCustomContext(p CustomParams) (AuthContext, error) {
	err := vala.BeginValidation().Validate(
		vala.StringNotEmpty(p.PKPPublicKey, "pkpPublicKey"),
		func() (bool, string) {
			hasCode, hasID := p.LitActionCode != "", p.LitActionIPFSID != ""
			return hasCode != hasID, "exactly one of litActionCode and litActionIpfsId is required"
		},
		requestsChecker(p.ResourceAbilityRequests),
	).Check()
	if err != nil {
		return AuthContext{}, protocol.WrapError(protocol.KindInvalidParam, err, "invalid custom auth context")
	}
	addr, err := pkpAddress(p.PKPPublicKey)
	if err != nil {
		return AuthContext{}, err
	}
	return AuthContext{kind: ContextCustom, address: addr, custom: &p}, nil
}

func requestsChecker(requests []ResourceAbilityRequest) vala.Checker {
	return func() (bool, string) {
		if len(requests) == 0 {
			return false, "at least one resource ability request is required"
		}
		for _, r := range requests {
			if err := r.Validate(); err != nil {
				return false, err.Error()
			}
		}
		return true, ""
	}
}

func authMethodsChecker(methods []AuthMethod) vala.Checker {
	return func() (bool, string) {
		for _, m := range methods {
			if m.AuthMethodType <= 0 || m.AccessToken == "" {
				return false, "auth methods need a type and an access token"
			}
		}
		return true, ""
	}
}

func pkpAddress(pubKeyHex string) (string, error) {
	raw, err := hexutil.Decode("0x" + strings.TrimPrefix(pubKeyHex, "0x"))
	if err != nil {
		return "", protocol.WrapError(protocol.KindInvalidParam, err, "malformed pkp public key")
	}
	addr, err := chain.PublicKeyToAddress(raw)
	if err != nil {
		return "", protocol.WrapError(protocol.KindInvalidParam, err, "malformed pkp public key")
	}
	return addr.Hex(), nil
}

// SignSessionKeyRequest 请求网络为会话密钥签发授权
type SignSessionKeyRequest struct {
	SessionKeyURI           string
	PKPPublicKey            string
	AuthMethods             []AuthMethod
	ResourceAbilityRequests []ResourceAbilityRequest
	Expiration              time.Time
	Nonce                   string
	Domain                  string
	Statement               string
	LitActionCode           string
	LitActionIPFSID         string
	JsParams                map[string]any
}

// NetworkSessionSigner 由网络门限签发授权签名
type NetworkSessionSigner interface {
	SignSessionKey(ctx context.Context, req SignSessionKeyRequest) (*AuthSig, error)
}

// FactoryConfig 回调工厂配置
type FactoryConfig struct {
	Domain    string
	Statement string
	ChainID   int64
	Now       func() time.Time
	Network   NetworkSessionSigner
}

// Factory 根据授权上下文生成回调
type Factory struct {
	cfg FactoryConfig
}

// NewFactory 创建回调工厂
func NewFactory(cfg FactoryConfig) *Factory {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Domain == "" {
		cfg.Domain = DefaultSiweDomain
	}
	if cfg.ChainID == 0 {
		cfg.ChainID = DefaultSiweChainID
	}
	return &Factory{cfg: cfg}
}

// Callback 返回与上下文类型对应的授权回调
func (f *Factory) Callback(ac AuthContext) (AuthNeededCallback, error) {
	switch ac.kind {
	case ContextEoa:
		return f.eoaCallback(ac.eoa), nil
	case ContextPkp:
		if f.cfg.Network == nil {
			return nil, protocol.NewInvalidParamError("pkp auth context needs a network session signer")
		}
		p := ac.pkp
		return func(ctx context.Context, params AuthCallbackParams) (*AuthSig, error) {
			return f.cfg.Network.SignSessionKey(ctx, f.networkRequest(params, SignSessionKeyRequest{
				PKPPublicKey: p.PKPPublicKey,
				AuthMethods:  p.AuthMethods,
			}))
		}, nil
	case ContextCustom:
		if f.cfg.Network == nil {
			return nil, protocol.NewInvalidParamError("custom auth context needs a network session signer")
		}
		p := ac.custom
		return func(ctx context.Context, params AuthCallbackParams) (*AuthSig, error) {
			return f.cfg.Network.SignSessionKey(ctx, f.networkRequest(params, SignSessionKeyRequest{
				PKPPublicKey:    p.PKPPublicKey,
				LitActionCode:   p.LitActionCode,
				LitActionIPFSID: p.LitActionIPFSID,
				JsParams:        p.JsParams,
			}))
		}, nil
	}
	return nil, protocol.NewInvalidParamError("unknown auth context kind %d", ac.kind)
}

func (f *Factory) networkRequest(params AuthCallbackParams, req SignSessionKeyRequest) SignSessionKeyRequest {
	req.SessionKeyURI = params.SessionKeyURI
	req.ResourceAbilityRequests = params.ResourceAbilityRequests
	req.Expiration = params.Expiration
	req.Nonce = params.Nonce
	req.Domain = f.cfg.Domain
	req.Statement = f.cfg.Statement
	return req
}

func (f *Factory) eoaCallback(p *EoaParams) AuthNeededCallback {
	return func(ctx context.Context, params AuthCallbackParams) (*AuthSig, error) {
		msg := &SiweMessage{
			Domain:         f.cfg.Domain,
			Address:        p.Signer.Address().Hex(),
			Statement:      f.cfg.Statement,
			URI:            params.SessionKeyURI,
			Version:        DefaultSiweVersion,
			ChainID:        f.cfg.ChainID,
			Nonce:          params.Nonce,
			IssuedAt:       FormatSiweTime(f.cfg.Now()),
			ExpirationTime: FormatSiweTime(params.Expiration),
		}
		recap, err := RecapFromRequests(params.ResourceAbilityRequests)
		if err != nil {
			return nil, err
		}
		if err := recap.ApplyTo(msg); err != nil {
			return nil, err
		}

		text := msg.String()
		sig, err := p.Signer.SignPersonalMessage(ctx, []byte(text))
		if err != nil {
			return nil, err
		}
		return &AuthSig{
			Sig:           hexutil.Encode(sig),
			DerivedVia:    DerivedViaPersonalSign,
			SignedMessage: text,
			Address:       msg.Address,
		}, nil
	}
}

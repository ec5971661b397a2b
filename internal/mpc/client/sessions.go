package client

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/rs/zerolog/log"

	"github.com/SafeMPC/lit-client/internal/auth"
	"github.com/SafeMPC/lit-client/internal/mpc/aggregate"
	"github.com/SafeMPC/lit-client/internal/mpc/chain"
	"github.com/SafeMPC/lit-client/internal/mpc/combine"
	"github.com/SafeMPC/lit-client/internal/mpc/dispatch"
	"github.com/SafeMPC/lit-client/internal/mpc/node"
	"github.com/SafeMPC/lit-client/internal/mpc/protocol"
	"github.com/SafeMPC/lit-client/internal/mpc/session"
	"github.com/SafeMPC/lit-client/internal/mpc/wire"
)

// AlgoLitBls 网络签发的授权签名算法
const AlgoLitBls = "LIT_BLS"

// SessionSigsRequest 为一组节点生成会话签名
type SessionSigsRequest struct {
	AuthContext auth.AuthContext
	Product     protocol.ProductID
	// MaxPrice 为 nil 时使用配置中该产品的默认价
	MaxPrice *big.Int
	// ResourceAbilityRequests 会话签名声明的能力，缺省取授权上下文的请求
	ResourceAbilityRequests []auth.ResourceAbilityRequest
}

// GetSessionSigs 为报价不超过上限的全部已连接节点生成会话签名
func (c *Client) GetSessionSigs(ctx context.Context, req SessionSigsRequest) (session.SessionSigs, error) {
	if err := checkAuthContext(req.AuthContext); err != nil {
		return nil, err
	}
	required := req.ResourceAbilityRequests
	if len(required) == 0 {
		required = req.AuthContext.ResourceAbilityRequests()
	}
	for _, r := range required {
		if err := r.Validate(); err != nil {
			return nil, err
		}
	}

	st, err := c.State()
	if err != nil {
		return nil, err
	}
	maxPrice := c.maxPrice(req.Product, req.MaxPrice)
	set, err := c.targets(ctx, st, req.Product, maxPrice, false, 0)
	if err != nil {
		return nil, err
	}
	return c.sessionSigs(ctx, st, req.AuthContext, required, set, maxPrice)
}

func checkAuthContext(ac auth.AuthContext) error {
	switch ac.Kind() {
	case auth.ContextEoa, auth.ContextPkp, auth.ContextCustom:
		return nil
	}
	return protocol.NewInvalidParamError("auth context is required, build one with auth.New*Context")
}

// sessionSigs 获取授权签名并为集合中的每个节点单独签名
func (c *Client) sessionSigs(ctx context.Context, st *node.NetworkState, ac auth.AuthContext, required []auth.ResourceAbilityRequest, set *node.NodeSet, maxPrice *big.Int) (session.SessionSigs, error) {
	kp, err := c.sessions.GetOrCreate(ctx)
	if err != nil {
		return nil, err
	}
	netKey, err := networkKey(st)
	if err != nil {
		return nil, err
	}
	callback, err := c.factory.Callback(ac)
	if err != nil {
		return nil, err
	}

	now := c.now()
	expiration := ac.Expiration()
	if expiration.IsZero() {
		expiration = now.Add(c.cfg.Session.DelegationTTL)
	}

	capability, err := c.authority.Acquire(ctx, auth.AcquireRequest{
		Address:          ac.Address(),
		Variant:          ac.Kind().String(),
		SessionKeyURI:    kp.URI(),
		Required:         ac.ResourceAbilityRequests(),
		Expiration:       expiration,
		Nonce:            st.LatestBlockhash,
		Pregenerated:     ac.Pregenerated(),
		NetworkPublicKey: netKey,
		Callback:         callback,
	})
	if err != nil {
		return nil, err
	}

	// 授权范围可能小于本次操作所需
	if _, err := auth.ValidateDelegation(capability, auth.DelegationCheck{
		SessionKeyURI:    kp.URI(),
		Required:         required,
		Now:              now,
		NetworkPublicKey: netKey,
	}); err != nil {
		return nil, err
	}

	tmpl := session.NewTemplate(kp, required, []auth.AuthSig{*capability}, now, c.cfg.Session.SessionSigTTL)
	targets := make([]session.Target, 0, set.Size())
	for _, u := range set.URLs() {
		targets = append(targets, session.Target{NodeAddress: u, MaxPrice: maxPrice})
	}
	return session.SignForNodes(kp, tmpl, targets)
}

// SignSessionKey 由网络以 PKP 身份为会话密钥签发授权
func (c *Client) SignSessionKey(ctx context.Context, req auth.SignSessionKeyRequest) (*auth.AuthSig, error) {
	if !strings.HasPrefix(req.SessionKeyURI, session.URIPrefix) {
		return nil, protocol.NewInvalidParamError("session key uri must start with %s", session.URIPrefix)
	}
	if len(req.AuthMethods) == 0 && req.LitActionCode == "" && req.LitActionIPFSID == "" {
		return nil, protocol.NewInvalidParamError("auth methods or a lit action are required to sign a session key")
	}
	pub, err := hexutil.Decode("0x" + strings.TrimPrefix(req.PKPPublicKey, "0x"))
	if err != nil {
		return nil, protocol.WrapError(protocol.KindInvalidParam, err, "malformed pkp public key")
	}
	addr, err := chain.PublicKeyToAddress(pub)
	if err != nil {
		return nil, protocol.WrapError(protocol.KindInvalidParam, err, "malformed pkp public key")
	}

	st, err := c.State()
	if err != nil {
		return nil, err
	}

	nonce := req.Nonce
	if nonce == "" {
		nonce = st.LatestBlockhash
	}
	msg := &auth.SiweMessage{
		Domain:         req.Domain,
		Address:        addr.Hex(),
		Statement:      req.Statement,
		URI:            req.SessionKeyURI,
		Version:        auth.DefaultSiweVersion,
		ChainID:        auth.DefaultSiweChainID,
		Nonce:          nonce,
		IssuedAt:       auth.FormatSiweTime(c.now()),
		ExpirationTime: auth.FormatSiweTime(req.Expiration),
	}
	recap, err := auth.RecapFromRequests(req.ResourceAbilityRequests)
	if err != nil {
		return nil, err
	}
	if err := recap.ApplyTo(msg); err != nil {
		return nil, err
	}
	siwe := msg.String()

	code := ""
	if req.LitActionCode != "" {
		code = base64.StdEncoding.EncodeToString([]byte(req.LitActionCode))
	}
	set := st.NodeSet
	res, err := c.dispatcher.Send(ctx, set, dispatch.Request{
		Endpoint: protocol.EndpointSignSessionKey,
		Build: func(string) (any, error) {
			return wire.SignSessionKeyRequest{
				SessionKey:   req.SessionKeyURI,
				AuthMethods:  req.AuthMethods,
				PKPPublicKey: strings.TrimPrefix(req.PKPPublicKey, "0x"),
				SiweMessage:  siwe,
				Code:         code,
				IPFSID:       req.LitActionIPFSID,
				JsParams:     req.JsParams,
				NodeSet:      set.URLs(),
				Epoch:        st.Epoch,
				CurveType:    string(protocol.SigTypeBls),
			}, nil
		},
	})
	if err != nil {
		return nil, err
	}

	responses, err := aggregate.DecodeResponses(res.Bodies())
	if err != nil {
		return nil, protocol.WrapError(protocol.KindInvalidShare, err, "malformed sign session key response")
	}
	shares, err := combine.DecodeShares[combine.BlsShare](aggregate.ExtractShares(responses, wire.FieldSignedData)[wire.ShareNameSession])
	if err != nil {
		return nil, err
	}
	sig, err := c.combiner.Bls(shares, set.Threshold())
	if err != nil {
		return nil, err
	}
	if sig.SiweMessage != siwe {
		return nil, protocol.NewError(protocol.KindInvalidShare, "nodes signed a different SIWE message")
	}
	digest := sha256.Sum256([]byte(siwe))
	if sig.SignedData != hex.EncodeToString(digest[:]) {
		return nil, protocol.NewError(protocol.KindInvalidShare, "nodes signed a different SIWE digest")
	}

	log.Debug().
		Str("pkp_address", addr.Hex()).
		Str("request_id", res.RequestID).
		Msg("Network signed session key delegation")

	return &auth.AuthSig{
		Sig:           sig.Signature,
		DerivedVia:    auth.DerivedViaLitBls,
		SignedMessage: siwe,
		Address:       addr.Hex(),
		Algo:          AlgoLitBls,
	}, nil
}

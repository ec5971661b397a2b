package client

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"math/big"
	"strings"

	"github.com/kat-co/vala"
	"github.com/rs/zerolog/log"

	"github.com/SafeMPC/lit-client/internal/auth"
	"github.com/SafeMPC/lit-client/internal/mpc/aggregate"
	"github.com/SafeMPC/lit-client/internal/mpc/combine"
	"github.com/SafeMPC/lit-client/internal/mpc/dispatch"
	"github.com/SafeMPC/lit-client/internal/mpc/node"
	"github.com/SafeMPC/lit-client/internal/mpc/protocol"
	"github.com/SafeMPC/lit-client/internal/mpc/session"
	"github.com/SafeMPC/lit-client/internal/mpc/wire"
)

// ExecuteJSRequest 在网络上执行 Lit Action
type ExecuteJSRequest struct {
	AuthContext auth.AuthContext
	// Code 与 IPFSID 二选一
	Code        string
	IPFSID      string
	JsParams    map[string]any
	AuthMethods []auth.AuthMethod
	// UseSingleNode 只在最便宜的一个节点上执行，不做共识
	UseSingleNode    bool
	ResponseStrategy aggregate.Strategy
	MaxPrice         *big.Int
}

// ClaimResult 各节点对同一 claim key 的签名
type ClaimResult struct {
	Signatures   []string
	DerivedKeyID string
}

// ExecuteJSResponse 合并后的执行结果
type ExecuteJSResponse struct {
	Success    bool
	Signatures map[string]*combine.Signature
	Decryptions any
	Claims     map[string]ClaimResult
	Response   any
	Logs       string
}

// PKPSignRequest 以 PKP 签名一个 32 字节摘要
type PKPSignRequest struct {
	AuthContext auth.AuthContext
	PubKey      string
	ToSign      []byte
	// SigType 缺省为 EcdsaK256Sha256
	SigType     protocol.SigType
	AuthMethods []auth.AuthMethod
	MaxPrice    *big.Int
}

// DecryptRequest 解密由 Encrypt 产生的密文
type DecryptRequest struct {
	AuthContext auth.AuthContext
	Ciphertext  []byte
	// DataToEncryptHash 明文 sha256 的十六进制
	DataToEncryptHash string
	// AccessControlConditionHash 访问条件的规范哈希，客户端不解释其内容
	AccessControlConditionHash string
	Chain                      string
	MaxPrice                   *big.Int
}

// EncryptRequest 本地以网络公钥加密
type EncryptRequest struct {
	Plaintext                  []byte
	AccessControlConditionHash string
}

// EncryptResponse 密文与明文哈希
type EncryptResponse struct {
	Ciphertext        []byte
	DataToEncryptHash string
}

// IdentityParam 解密请求的身份参数
func IdentityParam(conditionHash, dataToEncryptHash string) string {
	return auth.NewResource(auth.ResourceAccessControlCondition, conditionHash+"/"+dataToEncryptHash).Key()
}

// ExecuteJS 在一组节点上执行 Lit Action 并合并结果
func (c *Client) ExecuteJS(ctx context.Context, req ExecuteJSRequest) (*ExecuteJSResponse, error) {
	err := vala.BeginValidation().Validate(
		func() (bool, string) {
			return checkAuthContext(req.AuthContext) == nil, "auth context is required"
		},
		func() (bool, string) {
			return (req.Code != "") != (req.IPFSID != ""), "exactly one of code and ipfsId is required"
		},
	).Check()
	if err != nil {
		return nil, protocol.WrapError(protocol.KindInvalidParam, err, "invalid execute request")
	}

	st, err := c.State()
	if err != nil {
		return nil, err
	}
	size := st.NodeSet.Threshold()
	if req.UseSingleNode {
		size = 1
	}
	maxPrice := c.maxPrice(protocol.ProductLitAction, req.MaxPrice)
	set, err := c.targets(ctx, st, protocol.ProductLitAction, maxPrice, true, size)
	if err != nil {
		return nil, err
	}

	required := []auth.ResourceAbilityRequest{{
		Resource: auth.NewResource(auth.ResourceLitAction, req.IPFSID),
		Ability:  auth.AbilityLitActionExecution,
	}}
	sigs, err := c.sessionSigs(ctx, st, req.AuthContext, required, set, maxPrice)
	if err != nil {
		return nil, err
	}

	code := ""
	if req.Code != "" {
		code = base64.StdEncoding.EncodeToString([]byte(req.Code))
	}
	res, err := c.send(ctx, set, protocol.EndpointExecute, func(url string) (any, error) {
		return wire.ExecuteRequest{
			Envelope:    envelope(sigs, url, set, st),
			Code:        code,
			IPFSID:      req.IPFSID,
			JsParams:    req.JsParams,
			AuthMethods: req.AuthMethods,
		}, nil
	})
	if err != nil {
		return nil, err
	}

	responses, err := aggregate.DecodeResponses(res.Bodies())
	if err != nil {
		return nil, protocol.WrapError(protocol.KindNodeRejected, err, "malformed execute response")
	}

	signatures := make(map[string]*combine.Signature)
	for name, raw := range aggregate.ExtractShares(responses, wire.FieldSignedData) {
		sig, err := c.combineNamed(raw, set.Threshold())
		if err != nil {
			return nil, err
		}
		signatures[name] = sig
	}

	claims := make(map[string]ClaimResult)
	for key, raw := range aggregate.ExtractShares(responses, wire.FieldClaimData) {
		decoded, err := combine.DecodeShares[wire.Claim](raw)
		if err != nil {
			return nil, err
		}
		cr := ClaimResult{}
		ids := make([]string, 0, len(decoded))
		for _, cl := range decoded {
			cr.Signatures = append(cr.Signatures, cl.Signature)
			ids = append(ids, cl.DerivedKeyID)
		}
		cr.DerivedKeyID = aggregate.MostCommonString(ids)
		claims[key] = cr
	}

	payloads := make([]any, 0, len(responses))
	for _, r := range responses {
		payloads = append(payloads, r[wire.FieldResponse])
	}
	merged := aggregate.Merge(responses)
	logs, _ := merged[wire.FieldLogs].(string)

	return &ExecuteJSResponse{
		Success:     true,
		Signatures:  signatures,
		Decryptions: merged[wire.FieldDecryptedData],
		Claims:      claims,
		Response:    aggregate.SelectResponsePayload(payloads, req.ResponseStrategy),
		Logs:        logs,
	}, nil
}

// combineNamed 按分片的 sigType 选择 ECDSA 或 BLS 合并
func (c *Client) combineNamed(raw []map[string]any, threshold int) (*combine.Signature, error) {
	var first string
	if len(raw) > 0 {
		first, _ = raw[0]["sigType"].(string)
	}
	if protocol.SigType(first).IsEcdsa() {
		shares, err := combine.DecodeShares[combine.EcdsaShare](raw)
		if err != nil {
			return nil, err
		}
		return c.combiner.Ecdsa(shares, threshold)
	}
	shares, err := combine.DecodeShares[combine.BlsShare](raw)
	if err != nil {
		return nil, err
	}
	return c.combiner.Bls(shares, threshold)
}

// PKPSign 由网络以 PKP 私钥签名
func (c *Client) PKPSign(ctx context.Context, req PKPSignRequest) (*combine.Signature, error) {
	if req.SigType == "" {
		req.SigType = protocol.SigTypeEcdsaK256
	}
	pubKey := strings.ToLower(strings.TrimPrefix(req.PubKey, "0x"))
	err := vala.BeginValidation().Validate(
		func() (bool, string) {
			return checkAuthContext(req.AuthContext) == nil, "auth context is required"
		},
		vala.StringNotEmpty(pubKey, "pubKey"),
		func() (bool, string) {
			return len(req.ToSign) == 32, "toSign must be a 32 byte digest"
		},
		func() (bool, string) {
			return req.SigType == protocol.SigTypeEcdsaK256 || req.SigType.IsBls(), "unsupported sigType " + string(req.SigType)
		},
	).Check()
	if err != nil {
		return nil, protocol.WrapError(protocol.KindInvalidParam, err, "invalid pkp sign request")
	}
	tokenID, err := auth.PKPTokenID(pubKey)
	if err != nil {
		return nil, protocol.WrapError(protocol.KindInvalidParam, err, "malformed pkp public key")
	}

	st, err := c.State()
	if err != nil {
		return nil, err
	}
	maxPrice := c.maxPrice(protocol.ProductSigning, req.MaxPrice)
	// ECDSA 的签名委员会固定为最便宜的 threshold 个节点
	ecdsa := req.SigType.IsEcdsa()
	set, err := c.targets(ctx, st, protocol.ProductSigning, maxPrice, ecdsa, st.NodeSet.Threshold())
	if err != nil {
		return nil, err
	}

	required := []auth.ResourceAbilityRequest{{
		Resource: auth.NewResource(auth.ResourcePKP, tokenID),
		Ability:  auth.AbilityPKPSigning,
	}}
	sigs, err := c.sessionSigs(ctx, st, req.AuthContext, required, set, maxPrice)
	if err != nil {
		return nil, err
	}

	res, err := c.send(ctx, set, protocol.EndpointPKPSign, func(url string) (any, error) {
		return wire.PKPSignRequest{
			Envelope:    envelope(sigs, url, set, st),
			ToSign:      hex.EncodeToString(req.ToSign),
			PubKey:      pubKey,
			SigType:     string(req.SigType),
			AuthMethods: req.AuthMethods,
		}, nil
	})
	if err != nil {
		return nil, err
	}

	responses, err := aggregate.DecodeResponses(res.Bodies())
	if err != nil {
		return nil, protocol.WrapError(protocol.KindNodeRejected, err, "malformed pkp sign response")
	}
	sig, err := c.combineNamed(aggregate.ExtractShares(responses, wire.FieldSignedData)[wire.ShareNamePKPSign], set.Threshold())
	if err != nil {
		return nil, err
	}
	if ecdsa && !strings.EqualFold(strings.TrimPrefix(sig.PublicKey, "0x"), pubKey) {
		return nil, protocol.NewError(protocol.KindInvalidShare, "nodes signed with %s, expected %s", sig.PublicKey, pubKey)
	}
	return sig, nil
}

// Decrypt 请求节点对身份参数签名，合并后解密
func (c *Client) Decrypt(ctx context.Context, req DecryptRequest) ([]byte, error) {
	err := vala.BeginValidation().Validate(
		func() (bool, string) {
			return checkAuthContext(req.AuthContext) == nil, "auth context is required"
		},
		vala.GreaterThan(len(req.Ciphertext), 0, "ciphertext"),
		vala.StringNotEmpty(req.DataToEncryptHash, "dataToEncryptHash"),
		vala.StringNotEmpty(req.AccessControlConditionHash, "accessControlConditionHash"),
	).Check()
	if err != nil {
		return nil, protocol.WrapError(protocol.KindInvalidParam, err, "invalid decrypt request")
	}

	st, err := c.State()
	if err != nil {
		return nil, err
	}
	netKey, err := networkKey(st)
	if err != nil {
		return nil, err
	}
	maxPrice := c.maxPrice(protocol.ProductDecryption, req.MaxPrice)
	set, err := c.targets(ctx, st, protocol.ProductDecryption, maxPrice, false, 0)
	if err != nil {
		return nil, err
	}

	identity := IdentityParam(req.AccessControlConditionHash, req.DataToEncryptHash)
	required := []auth.ResourceAbilityRequest{{
		Resource: auth.NewResource(auth.ResourceAccessControlCondition, req.AccessControlConditionHash+"/"+req.DataToEncryptHash),
		Ability:  auth.AbilityAccessControlConditionDecryption,
	}}
	sigs, err := c.sessionSigs(ctx, st, req.AuthContext, required, set, maxPrice)
	if err != nil {
		return nil, err
	}

	res, err := c.send(ctx, set, protocol.EndpointEncryptionSign, func(url string) (any, error) {
		return wire.EncryptionSignRequest{
			Envelope:          envelope(sigs, url, set, st),
			IdentityParam:     identity,
			ConditionHash:     req.AccessControlConditionHash,
			DataToEncryptHash: req.DataToEncryptHash,
			Chain:             req.Chain,
		}, nil
	})
	if err != nil {
		return nil, err
	}

	responses, err := aggregate.DecodeResponses(res.Bodies())
	if err != nil {
		return nil, protocol.WrapError(protocol.KindNodeRejected, err, "malformed encryption sign response")
	}
	shares, err := combine.DecodeShares[combine.BlsShare](aggregate.ExtractShares(responses, wire.FieldSignedData)[wire.ShareNameDecryption])
	if err != nil {
		return nil, err
	}
	plaintext, err := c.combiner.Decrypt(netKey, []byte(identity), req.Ciphertext, shares, set.Threshold())
	if err != nil {
		return nil, err
	}

	digest := sha256.Sum256(plaintext)
	if !strings.EqualFold(hex.EncodeToString(digest[:]), strings.TrimPrefix(req.DataToEncryptHash, "0x")) {
		return nil, protocol.NewError(protocol.KindDecryptionFailed, "decrypted data does not match dataToEncryptHash")
	}
	return plaintext, nil
}

// Encrypt 以网络公钥在本地加密，不访问节点
func (c *Client) Encrypt(_ context.Context, req EncryptRequest) (*EncryptResponse, error) {
	err := vala.BeginValidation().Validate(
		vala.GreaterThan(len(req.Plaintext), 0, "plaintext"),
		vala.StringNotEmpty(req.AccessControlConditionHash, "accessControlConditionHash"),
	).Check()
	if err != nil {
		return nil, protocol.WrapError(protocol.KindInvalidParam, err, "invalid encrypt request")
	}

	st, err := c.State()
	if err != nil {
		return nil, err
	}
	netKey, err := networkKey(st)
	if err != nil {
		return nil, err
	}

	digest := sha256.Sum256(req.Plaintext)
	dataHash := hex.EncodeToString(digest[:])
	ciphertext, err := combine.EncryptWithIdentity(netKey, []byte(IdentityParam(req.AccessControlConditionHash, dataHash)), req.Plaintext)
	if err != nil {
		return nil, err
	}
	return &EncryptResponse{Ciphertext: ciphertext, DataToEncryptHash: dataHash}, nil
}

func envelope(sigs session.SessionSigs, url string, set *node.NodeSet, st *node.NetworkState) wire.Envelope {
	return wire.Envelope{
		AuthSig: sigs[url],
		NodeSet: set.URLs(),
		Epoch:   st.Epoch,
	}
}

// send 扇出请求；单个请求的超时由 HTTP 客户端控制，未完成的请求在返回后继续运行
func (c *Client) send(ctx context.Context, set *node.NodeSet, endpoint string, build func(url string) (any, error)) (*dispatch.Result, error) {
	res, err := c.dispatcher.Send(ctx, set, dispatch.Request{Endpoint: endpoint, Build: build})
	if err != nil {
		return nil, err
	}
	if len(res.Failures) > 0 {
		log.Debug().
			Str("endpoint", endpoint).
			Str("request_id", res.RequestID).
			Int("failed", len(res.Failures)).
			Msg("Threshold reached despite node failures")
	}
	return res, nil
}

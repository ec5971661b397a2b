package fakenode

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/SafeMPC/lit-client/internal/auth"
	"github.com/SafeMPC/lit-client/internal/mpc/chain"
	"github.com/SafeMPC/lit-client/internal/mpc/combine"
	"github.com/SafeMPC/lit-client/internal/mpc/node"
	"github.com/SafeMPC/lit-client/internal/mpc/protocol"
	"github.com/SafeMPC/lit-client/internal/mpc/session"
	"github.com/SafeMPC/lit-client/internal/mpc/wire"
)

func (nd *Node) routes(e *echo.Echo) {
	e.POST(protocol.EndpointHandshake, nd.wrap(protocol.EndpointHandshake, nd.postHandshakeHandler()))
	e.POST(protocol.EndpointPKPSign, nd.wrap(protocol.EndpointPKPSign, nd.postPKPSignHandler()))
	e.POST(protocol.EndpointEncryptionSign, nd.wrap(protocol.EndpointEncryptionSign, nd.postEncryptionSignHandler()))
	e.POST(protocol.EndpointSignSessionKey, nd.wrap(protocol.EndpointSignSessionKey, nd.postSignSessionKeyHandler()))
	e.POST(protocol.EndpointExecute, nd.wrap(protocol.EndpointExecute, nd.postExecuteHandler()))
}

// wrap 计数并施加 Fail/Stall 设置
func (nd *Node) wrap(endpoint string, h echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		nd.mu.Lock()
		counter, ok := nd.requests[endpoint]
		if !ok {
			counter = new(atomic.Int64)
			nd.requests[endpoint] = counter
		}
		status, stall := nd.status, nd.stall
		nd.mu.Unlock()
		counter.Add(1)

		if stall != nil {
			select {
			case <-stall:
			case <-c.Request().Context().Done():
				return nil
			}
		}
		if status != 0 {
			return c.JSON(status, wire.ErrorBody{Success: false, Error: http.StatusText(status)})
		}
		return h(c)
	}
}

func reject(c echo.Context, kind string, format string, args ...interface{}) error {
	return c.JSON(http.StatusBadRequest, wire.ErrorBody{
		Success:   false,
		Error:     fmt.Sprintf(format, args...),
		ErrorKind: kind,
	})
}

// authorize 校验会话签名及其携带的授权签名
func (nd *Node) authorize(env wire.Envelope, required []auth.ResourceAbilityRequest) error {
	now := nd.network.cfg.Now()
	payload, err := session.VerifySessionSig(&env.AuthSig, nd.URL, now)
	if err != nil {
		return err
	}
	if payload.MaxPrice != "" {
		max, ok := new(big.Int).SetString(payload.MaxPrice, 10)
		if !ok || max.Cmp(nd.price()) < 0 {
			return errors.Errorf("node price %s exceeds max price %s", nd.price(), payload.MaxPrice)
		}
	}

	lastErr := errors.New("session carries no capabilities")
	for i := range payload.Capabilities {
		_, err := auth.ValidateDelegation(&payload.Capabilities[i], auth.DelegationCheck{
			SessionKeyURI:    session.URI(payload.SessionKey),
			Required:         required,
			Now:              now,
			NetworkPublicKey: nd.network.NetworkPublicKey(),
		})
		if err == nil {
			return nil
		}
		lastErr = err
	}
	return lastErr
}

func (nd *Node) postHandshakeHandler() echo.HandlerFunc {
	return func(c echo.Context) error {
		var req node.HandshakeRequest
		if err := c.Bind(&req); err != nil {
			return reject(c, "invalid_param", "malformed handshake: %v", err)
		}

		cfg := nd.network.cfg
		resp := node.HandshakeResponse{
			ServerPublicKey:     hexutil.Encode(crypto.Keccak256([]byte("server:" + nd.URL))),
			SubnetPublicKey:     nd.network.bls.PublicKeyHex(),
			NetworkPublicKey:    nd.network.bls.PublicKeyHex(),
			NetworkPublicKeySet: nd.network.bls.PublicKeyHex(),
			HDRootPubkeys:       []string{},
			LatestBlockhash:     nd.network.blockhash,
			NodeVersion:         "0.0.0-fake",
			NodeIdentityKey:     hexutil.Encode(crypto.Keccak256([]byte("identity:" + nd.URL))),
			Epoch:               cfg.Epoch,
		}
		if cfg.ReportThreshold {
			resp.Threshold = cfg.Threshold
		}
		return c.JSON(http.StatusOK, resp)
	}
}

func (nd *Node) postPKPSignHandler() echo.HandlerFunc {
	return func(c echo.Context) error {
		var req wire.PKPSignRequest
		if err := c.Bind(&req); err != nil {
			return reject(c, "invalid_param", "malformed request: %v", err)
		}
		tokenID, err := auth.PKPTokenID(req.PubKey)
		if err != nil {
			return reject(c, "invalid_param", "%v", err)
		}
		if err := nd.authorize(req.Envelope, []auth.ResourceAbilityRequest{{
			Resource: auth.NewResource(auth.ResourcePKP, tokenID),
			Ability:  auth.AbilityPKPSigning,
		}}); err != nil {
			return reject(c, "unauthorized", "%v", err)
		}

		hash, err := hex.DecodeString(strings.TrimPrefix(req.ToSign, "0x"))
		if err != nil || len(hash) != 32 {
			return reject(c, "invalid_param", "toSign must be a 32 byte digest")
		}

		var share any
		if protocol.SigType(req.SigType).IsBls() {
			share = nd.blsShare(hash, "")
		} else {
			key, ok := nd.network.pkp(req.PubKey)
			if !ok {
				return reject(c, "invalid_param", "unknown pkp %s", req.PubKey)
			}
			s, err := nd.ecdsaShare(key, hash, req.NodeSet, req.SigType)
			if err != nil {
				return reject(c, "invalid_param", "%v", err)
			}
			share = s
		}

		return c.JSON(http.StatusOK, map[string]any{
			"success":           true,
			wire.FieldSignedData: map[string]any{wire.ShareNamePKPSign: share},
		})
	}
}

func (nd *Node) postEncryptionSignHandler() echo.HandlerFunc {
	return func(c echo.Context) error {
		var req wire.EncryptionSignRequest
		if err := c.Bind(&req); err != nil {
			return reject(c, "invalid_param", "malformed request: %v", err)
		}

		resource := auth.NewResource(auth.ResourceAccessControlCondition, req.ConditionHash+"/"+req.DataToEncryptHash)
		if req.ConditionHash == "" || req.DataToEncryptHash == "" || req.IdentityParam != resource.Key() {
			return reject(c, "invalid_param", "identity parameter does not match the condition")
		}
		if err := nd.authorize(req.Envelope, []auth.ResourceAbilityRequest{{
			Resource: resource,
			Ability:  auth.AbilityAccessControlConditionDecryption,
		}}); err != nil {
			return reject(c, "unauthorized", "%v", err)
		}
		if nd.network.conditionDenied(req.ConditionHash) {
			return reject(c, "access_denied", "access control conditions are not satisfied")
		}

		return c.JSON(http.StatusOK, map[string]any{
			"success":           true,
			wire.FieldSignedData: map[string]any{wire.ShareNameDecryption: nd.blsShare([]byte(req.IdentityParam), "")},
		})
	}
}

func (nd *Node) postSignSessionKeyHandler() echo.HandlerFunc {
	return func(c echo.Context) error {
		var req wire.SignSessionKeyRequest
		if err := c.Bind(&req); err != nil {
			return reject(c, "invalid_param", "malformed request: %v", err)
		}

		if len(req.AuthMethods) == 0 && req.Code == "" && req.IPFSID == "" {
			return reject(c, "unauthorized", "no auth methods or lit action provided")
		}
		for _, m := range req.AuthMethods {
			if m.AccessToken == "" {
				return reject(c, "unauthorized", "auth method %d has no access token", m.AuthMethodType)
			}
		}
		if deny, _ := req.JsParams["deny"].(bool); deny {
			return reject(c, "unauthorized", "lit action refused to authorize the session")
		}
		if !strings.HasPrefix(req.SessionKey, session.URIPrefix) {
			return reject(c, "invalid_param", "malformed session key uri")
		}
		if _, ok := nd.network.pkp(req.PKPPublicKey); !ok {
			return reject(c, "invalid_param", "unknown pkp %s", req.PKPPublicKey)
		}

		msg := auth.ParseSiweMessage(req.SiweMessage)
		if msg.URI != req.SessionKey {
			return reject(c, "invalid_param", "siwe message is not bound to the session key")
		}
		pub, err := hexutil.Decode("0x" + strings.TrimPrefix(req.PKPPublicKey, "0x"))
		if err != nil {
			return reject(c, "invalid_param", "malformed pkp public key")
		}
		addr, err := chain.PublicKeyToAddress(pub)
		if err != nil || !strings.EqualFold(addr.Hex(), msg.Address) {
			return reject(c, "invalid_param", "siwe address does not belong to the pkp")
		}

		digest := sha256.Sum256([]byte(req.SiweMessage))
		return c.JSON(http.StatusOK, map[string]any{
			"success":           true,
			wire.FieldSignedData: map[string]any{wire.ShareNameSession: nd.blsShare(digest[:], req.SiweMessage)},
		})
	}
}

func (nd *Node) postExecuteHandler() echo.HandlerFunc {
	return func(c echo.Context) error {
		var req wire.ExecuteRequest
		if err := c.Bind(&req); err != nil {
			return reject(c, "invalid_param", "malformed request: %v", err)
		}
		if req.Code == "" && req.IPFSID == "" {
			return reject(c, "invalid_param", "code or ipfsId is required")
		}
		if err := nd.authorize(req.Envelope, []auth.ResourceAbilityRequest{{
			Resource: auth.NewResource(auth.ResourceLitAction, req.IPFSID),
			Ability:  auth.AbilityLitActionExecution,
		}}); err != nil {
			return reject(c, "unauthorized", "%v", err)
		}

		if f := nd.network.cfg.Execute; f != nil {
			if out := f(nd.index, req); out != nil {
				return c.JSON(http.StatusOK, out)
			}
		}

		response := "ok"
		if s, ok := req.JsParams["response"].(string); ok {
			response = s
		}
		if list, ok := req.JsParams["responses"].([]any); ok && nd.index-1 < len(list) {
			if s, ok := list[nd.index-1].(string); ok {
				response = s
			}
		}

		signed := map[string]any{}
		if toSign, ok := req.JsParams["toSign"].(string); ok {
			pubKey, _ := req.JsParams["publicKey"].(string)
			sigName, _ := req.JsParams["sigName"].(string)
			if sigName == "" {
				sigName = wire.ShareNamePKPSign
			}
			key, ok := nd.network.pkp(pubKey)
			if !ok {
				return reject(c, "invalid_param", "unknown pkp %s", pubKey)
			}
			hash, err := hex.DecodeString(strings.TrimPrefix(toSign, "0x"))
			if err != nil || len(hash) != 32 {
				return reject(c, "invalid_param", "toSign must be a 32 byte digest")
			}
			share, err := nd.ecdsaShare(key, hash, req.NodeSet, string(protocol.SigTypeEcdsaK256))
			if err != nil {
				return reject(c, "invalid_param", "%v", err)
			}
			share.SigName = sigName
			signed[sigName] = share
		}

		claims := map[string]any{}
		if claimKey, ok := req.JsParams["claimKey"].(string); ok {
			claims[claimKey] = wire.Claim{
				Signature:    hexutil.Encode(crypto.Keccak256([]byte(nd.URL + claimKey))),
				DerivedKeyID: hexutil.Encode(crypto.Keccak256([]byte(claimKey))),
			}
		}

		return c.JSON(http.StatusOK, map[string]any{
			"success":              true,
			wire.FieldResponse:      response,
			wire.FieldLogs:          fmt.Sprintf("executed on node %d\n", nd.index),
			wire.FieldSignedData:    signed,
			wire.FieldClaimData:     claims,
			wire.FieldDecryptedData: map[string]any{},
		})
	}
}

// ecdsaShare 按节点在 nodeSet 中的位置取加法分片
func (nd *Node) ecdsaShare(key *EcdsaKey, hash []byte, nodeSet []string, sigType string) (*combine.EcdsaShare, error) {
	pos := -1
	for i, u := range nodeSet {
		if node.NormalizeURL(u) == nd.URL {
			pos = i
			break
		}
	}
	if pos < 0 {
		return nil, errors.New("node is not part of the requested node set")
	}
	if sigType == "" {
		sigType = string(protocol.SigTypeEcdsaK256)
	}

	seed := sha256.New()
	seed.Write(hash)
	seed.Write([]byte(key.PublicKeyHex()))
	seed.Write([]byte(strings.Join(nodeSet, ",")))
	set := key.SignShares(hash, len(nodeSet), seed.Sum(nil))

	return &combine.EcdsaShare{
		SigType:        protocol.SigType(sigType),
		SignatureShare: set.Shares[pos],
		BigR:           set.BigR,
		PublicKey:      key.PublicKeyHex(),
		DataSigned:     hex.EncodeToString(hash),
		ShareID:        strconv.Itoa(nd.index),
		PeerID:         nd.URL,
	}, nil
}

func (nd *Node) blsShare(msg []byte, siwe string) combine.BlsShare {
	return combine.BlsShare{
		ShareIndex:     nd.index,
		SignatureShare: nd.network.bls.SignShare(nd.index, msg),
		CurveType:      string(protocol.SigTypeBls),
		DataSigned:     hex.EncodeToString(msg),
		RootPublicKey:  nd.network.bls.PublicKeyHex(),
		Result:         "success",
		SiweMessage:    siwe,
	}
}

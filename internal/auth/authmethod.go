package auth

import (
	"encoding/json"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/golang-jwt/jwt/v5"

	"github.com/SafeMPC/lit-client/internal/mpc/protocol"
)

// AuthMethodType 身份验证方式
type AuthMethodType int

const (
	AuthMethodEthWallet AuthMethodType = 1
	AuthMethodLitAction AuthMethodType = 2
	AuthMethodWebAuthn  AuthMethodType = 3
	AuthMethodDiscord   AuthMethodType = 4
	AuthMethodGoogle    AuthMethodType = 5
	AuthMethodGoogleJwt AuthMethodType = 6
	AuthMethodAppleJwt  AuthMethodType = 8
	AuthMethodStytchOtp AuthMethodType = 9
)

// AuthMethod 提交给节点的身份凭据，AccessToken 内容由具体方式决定
type AuthMethod struct {
	AuthMethodType AuthMethodType `json:"authMethodType"`
	AccessToken    string         `json:"accessToken"`
}

// AuthMethodID 计算身份在链上登记的 ID（0x 前缀的 keccak256）
// appID 仅用于 Stytch，为空时取令牌的 aud
func AuthMethodID(m AuthMethod, appID string) (string, error) {
	var preimage string
	switch m.AuthMethodType {
	case AuthMethodEthWallet:
		var sig AuthSig
		if err := json.Unmarshal([]byte(m.AccessToken), &sig); err != nil || sig.Address == "" {
			return "", protocol.NewInvalidParamError("eth wallet access token must be an auth sig")
		}
		preimage = sig.Address + ":lit"
	case AuthMethodWebAuthn:
		var cred struct {
			RawID string `json:"rawId"`
		}
		if err := json.Unmarshal([]byte(m.AccessToken), &cred); err != nil || cred.RawID == "" {
			return "", protocol.NewInvalidParamError("webauthn access token must carry a rawId")
		}
		preimage = cred.RawID + ":lit"
	case AuthMethodGoogle, AuthMethodGoogleJwt, AuthMethodAppleJwt:
		claims, err := unverifiedClaims(m.AccessToken)
		if err != nil {
			return "", err
		}
		aud := firstAudience(claims)
		if claims.Subject == "" || aud == "" {
			return "", protocol.NewInvalidParamError("token has no subject or audience")
		}
		preimage = claims.Subject + ":" + aud
	case AuthMethodStytchOtp:
		claims, err := unverifiedClaims(m.AccessToken)
		if err != nil {
			return "", err
		}
		if appID == "" {
			appID = firstAudience(claims)
		}
		if claims.Subject == "" || appID == "" {
			return "", protocol.NewInvalidParamError("token has no subject or app id")
		}
		preimage = strings.ToLower(claims.Subject) + ":" + appID
	default:
		return "", protocol.NewInvalidParamError("cannot derive an id for auth method type %d", m.AuthMethodType)
	}
	return hexutil.Encode(crypto.Keccak256([]byte(preimage))), nil
}

// 签名由节点校验，这里只读取声明
func unverifiedClaims(token string) (*jwt.RegisteredClaims, error) {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, protocol.WrapError(protocol.KindInvalidParam, err, "malformed access token")
	}
	return claims, nil
}

func firstAudience(c *jwt.RegisteredClaims) string {
	if len(c.Audience) == 0 {
		return ""
	}
	return c.Audience[0]
}

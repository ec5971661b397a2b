package auth

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// 签名来源
const (
	DerivedViaPersonalSign = "web3.eth.personal.sign"
	DerivedViaLitBls       = "lit.bls"
	DerivedViaSessionSig   = "litSessionSignViaNacl"
)

// AuthSig 对一段消息的签名凭据
type AuthSig struct {
	Sig           string `json:"sig"`
	DerivedVia    string `json:"derivedVia"`
	SignedMessage string `json:"signedMessage"`
	Address       string `json:"address"`
	Algo          string `json:"algo,omitempty"`
}

// Marshal 序列化用于缓存
func (a *AuthSig) Marshal() (string, error) {
	raw, err := json.Marshal(a)
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal auth sig")
	}
	return string(raw), nil
}

// UnmarshalAuthSig 反序列化缓存的凭据
func UnmarshalAuthSig(s string) (*AuthSig, error) {
	var sig AuthSig
	if err := json.Unmarshal([]byte(s), &sig); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal auth sig")
	}
	if sig.Sig == "" || sig.SignedMessage == "" {
		return nil, errors.New("auth sig is missing required fields")
	}
	return &sig, nil
}

// Siwe 解析签名内容
func (a *AuthSig) Siwe() *SiweMessage {
	return ParseSiweMessage(a.SignedMessage)
}

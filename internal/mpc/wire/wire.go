// Package wire 节点 HTTP 接口的请求体与响应字段
package wire

import (
	"github.com/SafeMPC/lit-client/internal/auth"
)

// 响应中分片所在的字段
const (
	FieldSignedData    = "signedData"
	FieldDecryptedData = "decryptedData"
	FieldClaimData     = "claimData"
	FieldResponse      = "response"
	FieldLogs          = "logs"
)

// 各接口返回的分片名称
const (
	ShareNamePKPSign    = "sig"
	ShareNameSession    = "sessionSig"
	ShareNameDecryption = "decryption"
)

// Envelope 每个请求共有的字段
type Envelope struct {
	AuthSig auth.AuthSig `json:"authSig"`
	NodeSet []string     `json:"nodeSet"`
	Epoch   uint64       `json:"epoch"`
}

// ExecuteRequest /web/execute/v2
type ExecuteRequest struct {
	Envelope
	// Code base64 编码的 JS 源码
	Code        string            `json:"code,omitempty"`
	IPFSID      string            `json:"ipfsId,omitempty"`
	JsParams    map[string]any    `json:"jsParams,omitempty"`
	AuthMethods []auth.AuthMethod `json:"authMethods,omitempty"`
}

// PKPSignRequest /web/pkp/sign/v2
type PKPSignRequest struct {
	Envelope
	// ToSign 十六进制的 32 字节摘要
	ToSign      string            `json:"toSign"`
	PubKey      string            `json:"pubkey"`
	SigType     string            `json:"sigType"`
	AuthMethods []auth.AuthMethod `json:"authMethods,omitempty"`
}

// EncryptionSignRequest /web/encryption/sign/v2
type EncryptionSignRequest struct {
	Envelope
	// IdentityParam lit-accesscontrolcondition://<conditionHash>/<dataToEncryptHash>
	IdentityParam     string `json:"identityParam"`
	ConditionHash     string `json:"accessControlConditionHash"`
	DataToEncryptHash string `json:"dataToEncryptHash"`
	Chain             string `json:"chain,omitempty"`
}

// SignSessionKeyRequest /web/sign_session_key/v2；此时还没有会话签名
type SignSessionKeyRequest struct {
	SessionKey   string            `json:"sessionKey"`
	AuthMethods  []auth.AuthMethod `json:"authMethods"`
	PKPPublicKey string            `json:"pkpPublicKey"`
	SiweMessage  string            `json:"siweMessage"`
	Code         string            `json:"code,omitempty"`
	IPFSID       string            `json:"litActionIpfsId,omitempty"`
	JsParams     map[string]any    `json:"jsParams,omitempty"`
	NodeSet      []string          `json:"nodeSet"`
	Epoch        uint64            `json:"epoch"`
	CurveType    string            `json:"curveType"`
}

// Claim 节点对某个 claim key 的签名
type Claim struct {
	Signature    string `json:"signature"`
	DerivedKeyID string `json:"derivedKeyId"`
}

// ErrorBody 节点拒绝请求时的响应
type ErrorBody struct {
	Success   bool   `json:"success"`
	Error     string `json:"error"`
	ErrorKind string `json:"errorKind,omitempty"`
}

package protocol

import (
	"strings"
)

// ProductID 节点计价的产品类型（与链上 PriceFeed 的产品编号一致）
type ProductID int

const (
	ProductDecryption ProductID = 0
	ProductSigning    ProductID = 1
	ProductLitAction  ProductID = 2
)

// String returns the product name used in config keys and metrics
func (p ProductID) String() string {
	switch p {
	case ProductDecryption:
		return "decryption"
	case ProductSigning:
		return "signing"
	case ProductLitAction:
		return "lit_action"
	default:
		return "unknown"
	}
}

// ParseProductID parses a product name
func ParseProductID(s string) (ProductID, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "decryption":
		return ProductDecryption, true
	case "signing":
		return ProductSigning, true
	case "lit_action", "litaction", "execution":
		return ProductLitAction, true
	default:
		return 0, false
	}
}

// SigType 签名方案标识
type SigType string

const (
	SigTypeEcdsaK256       SigType = "EcdsaK256Sha256"
	SigTypeEcdsaP256       SigType = "EcdsaP256Sha256"
	SigTypeBls             SigType = "Bls12381G2"
	SigTypeBlsSha256Sha256 SigType = "Bls12381G2Sha256"
)

// Family groups signature types that can be combined together
func (t SigType) Family() string {
	s := strings.ToLower(string(t))
	switch {
	case strings.HasPrefix(s, "ecdsa"), s == "k256":
		return "ecdsa"
	case strings.HasPrefix(s, "bls"):
		return "bls"
	default:
		return ""
	}
}

// IsEcdsa 是否为 ECDSA 系列
func (t SigType) IsEcdsa() bool { return t.Family() == "ecdsa" }

// IsBls 是否为 BLS 系列
func (t SigType) IsBls() bool { return t.Family() == "bls" }

// 节点 HTTP 接口路径
const (
	EndpointHandshake      = "/web/handshake"
	EndpointExecute        = "/web/execute/v2"
	EndpointPKPSign        = "/web/pkp/sign/v2"
	EndpointEncryptionSign = "/web/encryption/sign/v2"
	EndpointSignSessionKey = "/web/sign_session_key/v2"
)

// 网络名称
const (
	NetworkDatil    = "datil"
	NetworkDatilDev = "datil-dev"
	NetworkCustom   = "custom"
)

// HeaderRequestID 请求追踪头
const HeaderRequestID = "X-Request-Id"

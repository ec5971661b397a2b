package auth

import (
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/SafeMPC/lit-client/internal/mpc/protocol"
)

// ResourcePrefix 资源类型
type ResourcePrefix string

const (
	ResourcePKP                    ResourcePrefix = "lit-pkp"
	ResourceAccessControlCondition ResourcePrefix = "lit-accesscontrolcondition"
	ResourceLitAction              ResourcePrefix = "lit-litaction"
	ResourcePaymentDelegation      ResourcePrefix = "lit-paymentdelegation"
)

// Wildcard 匹配任意资源 ID
const Wildcard = "*"

// Ability 对资源请求的能力
type Ability string

const (
	AbilityPKPSigning                      Ability = "pkp-signing"
	AbilityAccessControlConditionDecryption Ability = "access-control-condition-decryption"
	AbilityAccessControlConditionSigning    Ability = "access-control-condition-signing"
	AbilityLitActionExecution              Ability = "lit-action-execution"
	AbilityPaymentDelegation               Ability = "lit-payment-delegation"
)

// ReCap 命名空间与能力名
const (
	RecapNamespaceThreshold = "Threshold"
	RecapNamespaceAuth      = "Auth"

	RecapAbilitySigning    = "Signing"
	RecapAbilityDecryption = "Decryption"
	RecapAbilityExecution  = "Execution"
	RecapAbilityAuth       = "Auth"
)

// Resource 带类型前缀的资源
type Resource struct {
	Prefix ResourcePrefix `json:"prefix"`
	ID     string         `json:"id"`
}

// NewResource 创建资源，空 ID 视为通配
func NewResource(prefix ResourcePrefix, id string) Resource {
	if strings.TrimSpace(id) == "" {
		id = Wildcard
	}
	return Resource{Prefix: prefix, ID: id}
}

// ParseResourceKey parses "<prefix>://<id>"
func ParseResourceKey(key string) (Resource, error) {
	idx := strings.Index(key, "://")
	if idx <= 0 {
		return Resource{}, protocol.NewInvalidParamError("malformed resource key %q", key)
	}
	prefix := ResourcePrefix(key[:idx])
	switch prefix {
	case ResourcePKP, ResourceAccessControlCondition, ResourceLitAction, ResourcePaymentDelegation:
	default:
		return Resource{}, protocol.NewInvalidParamError("unknown resource prefix %q", prefix)
	}
	return NewResource(prefix, key[idx+3:]), nil
}

// Key 资源键 "<prefix>://<id>"
func (r Resource) Key() string {
	return string(r.Prefix) + "://" + r.ID
}

// WildcardKey 同类型的通配资源键
func (r Resource) WildcardKey() string {
	return string(r.Prefix) + "://" + Wildcard
}

// Supports 该资源类型是否支持某能力
func (r Resource) Supports(a Ability) bool {
	switch r.Prefix {
	case ResourcePKP:
		return a == AbilityPKPSigning
	case ResourceAccessControlCondition:
		return a == AbilityAccessControlConditionDecryption || a == AbilityAccessControlConditionSigning
	case ResourceLitAction:
		return a == AbilityLitActionExecution
	case ResourcePaymentDelegation:
		return a == AbilityPaymentDelegation
	}
	return false
}

// ResourceAbilityRequest 一次操作需要的一项能力
type ResourceAbilityRequest struct {
	Resource Resource `json:"resource"`
	Ability  Ability  `json:"ability"`
}

// Validate 检查资源与能力是否匹配
func (r ResourceAbilityRequest) Validate() error {
	if !r.Resource.Supports(r.Ability) {
		return protocol.NewInvalidParamError("ability %q is not valid for resource %s", r.Ability, r.Resource.Key())
	}
	return nil
}

// RecapAbility 映射到 ReCap 的命名空间与能力名
func (a Ability) RecapAbility() (namespace, name string, ok bool) {
	switch a {
	case AbilityPKPSigning, AbilityAccessControlConditionSigning:
		return RecapNamespaceThreshold, RecapAbilitySigning, true
	case AbilityAccessControlConditionDecryption:
		return RecapNamespaceThreshold, RecapAbilityDecryption, true
	case AbilityLitActionExecution:
		return RecapNamespaceThreshold, RecapAbilityExecution, true
	case AbilityPaymentDelegation:
		return RecapNamespaceAuth, RecapAbilityAuth, true
	}
	return "", "", false
}

// PKPTokenID PKP 的资源 ID：未压缩公钥的 keccak256
func PKPTokenID(pubKeyHex string) (string, error) {
	raw, err := hexutil.Decode("0x" + strings.TrimPrefix(pubKeyHex, "0x"))
	if err != nil || len(raw) == 0 {
		return "", protocol.NewInvalidParamError("malformed pkp public key")
	}
	return hexutil.Encode(crypto.Keccak256(raw)), nil
}

package auth

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/SafeMPC/lit-client/internal/mpc/protocol"
)

const recapURNPrefix = "urn:recap:"

const recapStatementPrefix = "I further authorize the stated URI to perform the following actions on my behalf:"

// Recap 能力委托对象（EIP-5573）
// Att: 资源键 -> "命名空间/能力" -> 约束列表
type Recap struct {
	Att map[string]map[string][]map[string]any `json:"att"`
	Prf []string                               `json:"prf"`
}

// NewRecap 创建空的能力对象
func NewRecap() *Recap {
	return &Recap{
		Att: make(map[string]map[string][]map[string]any),
		Prf: []string{},
	}
}

// RecapFromRequests 由能力请求构建能力对象
func RecapFromRequests(requests []ResourceAbilityRequest) (*Recap, error) {
	r := NewRecap()
	for _, req := range requests {
		if err := req.Validate(); err != nil {
			return nil, err
		}
		ns, name, ok := req.Ability.RecapAbility()
		if !ok {
			return nil, protocol.NewInvalidParamError("ability %q has no recap mapping", req.Ability)
		}
		r.AddAttenuation(req.Resource.Key(), ns, name)
	}
	return r, nil
}

// AddAttenuation 授予 resource 上的 namespace/name 能力
func (r *Recap) AddAttenuation(resource, namespace, name string) {
	abilities, ok := r.Att[resource]
	if !ok {
		abilities = make(map[string][]map[string]any)
		r.Att[resource] = abilities
	}
	key := namespace + "/" + name
	if _, ok := abilities[key]; !ok {
		abilities[key] = []map[string]any{{}}
	}
}

// Verify 检查能力是否被授予，同类型的通配资源也算
func (r *Recap) Verify(resource Resource, namespace, name string) bool {
	key := namespace + "/" + name
	for _, res := range []string{resource.Key(), resource.WildcardKey()} {
		if abilities, ok := r.Att[res]; ok {
			if _, ok := abilities[key]; ok {
				return true
			}
		}
	}
	return false
}

// Covers 是否覆盖全部能力请求
func (r *Recap) Covers(requests []ResourceAbilityRequest) bool {
	for _, req := range requests {
		ns, name, ok := req.Ability.RecapAbility()
		if !ok || !r.Verify(req.Resource, ns, name) {
			return false
		}
	}
	return true
}

// Encode 编码为 urn:recap:<base64url(json)>
func (r *Recap) Encode() (string, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal recap")
	}
	return recapURNPrefix + base64.RawURLEncoding.EncodeToString(raw), nil
}

// DecodeRecap 解析 urn:recap: 资源
func DecodeRecap(urn string) (*Recap, error) {
	if !strings.HasPrefix(urn, recapURNPrefix) {
		return nil, protocol.NewInvalidParamError("not a recap resource: %q", urn)
	}
	payload := strings.TrimRight(strings.TrimPrefix(urn, recapURNPrefix), "=")
	raw, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return nil, protocol.WrapError(protocol.KindInvalidParam, err, "malformed recap encoding")
	}
	r := NewRecap()
	if err := json.Unmarshal(raw, r); err != nil {
		return nil, protocol.WrapError(protocol.KindInvalidParam, err, "malformed recap payload")
	}
	if r.Att == nil {
		r.Att = make(map[string]map[string][]map[string]any)
	}
	return r, nil
}

// Statement 人类可读的授权说明，追加在 SIWE statement 之后
func (r *Recap) Statement() string {
	resources := make([]string, 0, len(r.Att))
	for res := range r.Att {
		resources = append(resources, res)
	}
	sort.Strings(resources)

	var sb strings.Builder
	sb.WriteString(recapStatementPrefix)
	n := 1
	for _, res := range resources {
		byNamespace := make(map[string][]string)
		for key := range r.Att[res] {
			ns, name, found := strings.Cut(key, "/")
			if !found {
				continue
			}
			byNamespace[ns] = append(byNamespace[ns], name)
		}
		namespaces := make([]string, 0, len(byNamespace))
		for ns := range byNamespace {
			namespaces = append(namespaces, ns)
		}
		sort.Strings(namespaces)

		for _, ns := range namespaces {
			names := byNamespace[ns]
			sort.Strings(names)
			quoted := make([]string, len(names))
			for i, name := range names {
				quoted[i] = "'" + name + "'"
			}
			sb.WriteString(fmt.Sprintf(" (%d) '%s': %s for '%s'.", n, ns, strings.Join(quoted, ", "), res))
			n++
		}
	}
	return sb.String()
}

// ApplyTo 把能力对象写入 SIWE 消息：追加 statement 并作为最后一个资源
func (r *Recap) ApplyTo(msg *SiweMessage) error {
	urn, err := r.Encode()
	if err != nil {
		return err
	}
	statement := r.Statement()
	if msg.Statement != "" {
		statement = msg.Statement + " " + statement
	}
	msg.Statement = statement
	msg.Resources = append(msg.Resources, urn)
	return nil
}

// RecapFromSiwe 取 SIWE 消息中的最后一个 recap 资源
func RecapFromSiwe(msg *SiweMessage) (*Recap, error) {
	for i := len(msg.Resources) - 1; i >= 0; i-- {
		if strings.HasPrefix(msg.Resources[i], recapURNPrefix) {
			return DecodeRecap(msg.Resources[i])
		}
	}
	return nil, protocol.NewError(protocol.KindDelegationInvalid, "message carries no recap resource")
}

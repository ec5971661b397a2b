package discovery

import (
	"context"

	"github.com/SafeMPC/lit-client/internal/mpc/node"
	"github.com/SafeMPC/lit-client/internal/mpc/protocol"
)

// NodeDiscovery 提供握手前的引导节点地址
type NodeDiscovery interface {
	BootstrapURLs(ctx context.Context) ([]string, error)
}

// StaticDiscovery 固定地址列表
type StaticDiscovery struct {
	urls []string
}

var _ NodeDiscovery = (*StaticDiscovery)(nil)

// NewStaticDiscovery 创建固定地址列表
func NewStaticDiscovery(urls []string) *StaticDiscovery {
	return &StaticDiscovery{urls: append([]string(nil), urls...)}
}

// BootstrapURLs 返回规范化并去重后的地址
func (s *StaticDiscovery) BootstrapURLs(_ context.Context) ([]string, error) {
	if len(s.urls) == 0 {
		return nil, protocol.NewInvalidParamError("no bootstrap urls configured")
	}
	return dedupe(s.urls), nil
}

func dedupe(urls []string) []string {
	seen := make(map[string]struct{}, len(urls))
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		n := node.NormalizeURL(u)
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}

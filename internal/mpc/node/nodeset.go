package node

import (
	"strings"

	"github.com/SafeMPC/lit-client/internal/mpc/protocol"
)

// MinFallbackThreshold 握手未返回阈值时的下限
const MinFallbackThreshold = 3

// NodeSet 一次操作的节点集合，构造后不可变
type NodeSet struct {
	urls      []string
	threshold int
}

// NewNodeSet 创建节点集合
// 拒绝空地址、重复地址以及节点数小于阈值的集合
func NewNodeSet(urls []string, threshold int) (*NodeSet, error) {
	if threshold < 1 {
		return nil, protocol.NewInvalidParamError("threshold must be at least 1, got %d", threshold)
	}
	if len(urls) < threshold {
		return nil, protocol.NewInvalidParamError("node set has %d nodes, threshold is %d", len(urls), threshold)
	}

	seen := make(map[string]struct{}, len(urls))
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		u = NormalizeURL(u)
		if u == "" {
			return nil, protocol.NewInvalidParamError("node url must not be empty")
		}
		if _, ok := seen[u]; ok {
			return nil, protocol.NewInvalidParamError("duplicate node url %s", u)
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}

	return &NodeSet{urls: out, threshold: threshold}, nil
}

// URLs returns a copy of the node addresses in order
func (s *NodeSet) URLs() []string {
	out := make([]string, len(s.urls))
	copy(out, s.urls)
	return out
}

// Threshold 成功响应的最小数量
func (s *NodeSet) Threshold() int { return s.threshold }

// Size 节点数量
func (s *NodeSet) Size() int { return len(s.urls) }

// Contains reports whether url is part of the set
func (s *NodeSet) Contains(url string) bool {
	url = NormalizeURL(url)
	for _, u := range s.urls {
		if u == url {
			return true
		}
	}
	return false
}

// Subset 返回由给定节点组成的新集合，节点必须都属于当前集合
func (s *NodeSet) Subset(urls []string, threshold int) (*NodeSet, error) {
	for _, u := range urls {
		if !s.Contains(u) {
			return nil, protocol.NewInvalidParamError("node %s is not part of the connected set", u)
		}
	}
	return NewNodeSet(urls, threshold)
}

// Threshold 握手未携带阈值时的回退推导：max(3, floor(2n/3))，不超过 n
func Threshold(n int) int {
	if n <= 0 {
		return 0
	}
	t := (2 * n) / 3
	if t < MinFallbackThreshold {
		t = MinFallbackThreshold
	}
	if t > n {
		t = n
	}
	return t
}

// NormalizeURL trims whitespace and trailing slashes
func NormalizeURL(u string) string {
	return strings.TrimRight(strings.TrimSpace(u), "/")
}

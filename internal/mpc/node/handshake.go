package node

// HandshakeRequest /web/handshake 请求体
type HandshakeRequest struct {
	ClientPublicKey string `json:"clientPublicKey"`
	Challenge       string `json:"challenge"`
}

// HandshakeResponse 节点握手返回的网络元数据
type HandshakeResponse struct {
	ServerPublicKey     string   `json:"serverPublicKey"`
	SubnetPublicKey     string   `json:"subnetPublicKey"`
	NetworkPublicKey    string   `json:"networkPublicKey"`
	NetworkPublicKeySet string   `json:"networkPublicKeySet"`
	HDRootPubkeys       []string `json:"hdRootPubkeys"`
	LatestBlockhash     string   `json:"latestBlockhash"`
	NodeVersion         string   `json:"nodeVersion"`
	NodeIdentityKey     string   `json:"nodeIdentityKey"`
	Epoch               uint64   `json:"epoch"`
	// Threshold 为 0 表示节点未上报
	Threshold int `json:"threshold,omitempty"`
}

// NetworkState 连接后由多数握手结果确定的网络状态
type NetworkState struct {
	NodeSet             *NodeSet
	ServerKeys          map[string]HandshakeResponse
	SubnetPublicKey     string
	NetworkPublicKey    string
	NetworkPublicKeySet string
	HDRootPubkeys       []string
	LatestBlockhash     string
	Epoch               uint64
}

// ResolveThreshold 取配置下限与网络上报阈值（缺失时按节点数推导）中的较大者
func ResolveThreshold(configuredMin int, reported []int, nodeCount int) int {
	counts := make(map[int]int)
	best, bestCount := 0, 0
	for _, t := range reported {
		if t <= 0 {
			continue
		}
		counts[t]++
		// 次数相同时取后出现的值
		if counts[t] >= bestCount {
			best, bestCount = t, counts[t]
		}
	}

	t := best
	if t == 0 {
		t = Threshold(nodeCount)
	}
	// 配置下限不截断，节点不足时由 NewNodeSet 报错
	if configuredMin > t {
		t = configuredMin
	}
	return t
}

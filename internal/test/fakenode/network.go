package fakenode

import (
	"math/big"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/labstack/echo/v4"

	"github.com/SafeMPC/lit-client/internal/mpc/node"
	"github.com/SafeMPC/lit-client/internal/mpc/protocol"
	"github.com/SafeMPC/lit-client/internal/mpc/wire"
)

// ExecuteFunc 自定义 Lit Action 执行结果；返回 nil 时使用默认行为
type ExecuteFunc func(index int, req wire.ExecuteRequest) map[string]any

// Config 测试网络配置
type Config struct {
	Nodes     int
	Threshold int
	// ReportThreshold 为 false 时握手不上报阈值
	ReportThreshold bool
	Epoch           uint64
	// Prices 每个节点的单价，长度不足时缺省为 1
	Prices  []int64
	Now     func() time.Time
	Execute ExecuteFunc
}

// Network 进程内的门限网络，每个节点一个 httptest 服务
type Network struct {
	cfg       Config
	bls       *BlsKey
	blockhash string
	nodes     []*Node

	mu     sync.RWMutex
	pkps   map[string]*EcdsaKey
	denied map[string]bool
}

// Node 单个测试节点
type Node struct {
	network *Network
	index   int
	URL     string
	server  *httptest.Server

	mu       sync.Mutex
	status   int
	stall    chan struct{}
	requests map[string]*atomic.Int64
}

// NewNetwork 启动测试网络，调用方负责 Close
func NewNetwork(cfg Config) *Network {
	if cfg.Nodes < 1 {
		cfg.Nodes = 3
	}
	if cfg.Threshold < 1 {
		cfg.Threshold = node.Threshold(cfg.Nodes)
	}
	if cfg.Epoch == 0 {
		cfg.Epoch = 1
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	n := &Network{
		cfg:       cfg,
		bls:       NewBlsKey(cfg.Threshold),
		blockhash: hexutil.Encode(crypto.Keccak256([]byte("fake-block"))),
		pkps:      make(map[string]*EcdsaKey),
		denied:    make(map[string]bool),
	}
	for i := 1; i <= cfg.Nodes; i++ {
		nd := &Node{network: n, index: i, requests: make(map[string]*atomic.Int64)}
		e := echo.New()
		e.HideBanner = true
		e.HidePort = true
		nd.routes(e)
		nd.server = httptest.NewServer(e)
		nd.URL = nd.server.URL
		n.nodes = append(n.nodes, nd)
	}
	return n
}

// Close 放行所有挂起请求并关闭节点
func (n *Network) Close() {
	for _, nd := range n.nodes {
		nd.Release()
	}
	for _, nd := range n.nodes {
		nd.server.Close()
	}
}

// URLs 全部节点地址
func (n *Network) URLs() []string {
	out := make([]string, len(n.nodes))
	for i, nd := range n.nodes {
		out[i] = nd.URL
	}
	return out
}

// Node 第 i 个节点（从 0 开始）
func (n *Network) Node(i int) *Node {
	return n.nodes[i]
}

func (n *Network) Threshold() int { return n.cfg.Threshold }

// BlsKey 网络根密钥
func (n *Network) BlsKey() *BlsKey { return n.bls }

// NetworkPublicKey 网络 BLS 公钥
func (n *Network) NetworkPublicKey() []byte { return n.bls.PublicKey() }

// LatestBlockhash 握手返回的区块哈希
func (n *Network) LatestBlockhash() string { return n.blockhash }

// AddPKP 登记一个新的 PKP 密钥
func (n *Network) AddPKP() *EcdsaKey {
	k := NewEcdsaKey()
	n.mu.Lock()
	n.pkps[k.PublicKeyHex()] = k
	n.mu.Unlock()
	return k
}

func (n *Network) pkp(pubKey string) (*EcdsaKey, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	k, ok := n.pkps[strings.ToLower(strings.TrimPrefix(pubKey, "0x"))]
	return k, ok
}

// DenyCondition 该条件哈希的解密请求一律拒绝
func (n *Network) DenyCondition(conditionHash string) {
	n.mu.Lock()
	n.denied[conditionHash] = true
	n.mu.Unlock()
}

func (n *Network) conditionDenied(conditionHash string) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.denied[conditionHash]
}

// Prices 节点价格，可直接用于 node.NewStaticPriceOracle
func (n *Network) Prices() []node.NodePrice {
	out := make([]node.NodePrice, len(n.nodes))
	for i, nd := range n.nodes {
		out[i] = node.NodePrice{
			URL:           nd.URL,
			StakerAddress: hexutil.Encode(crypto.Keccak256([]byte(nd.URL))[:20]),
			Prices:        nd.prices(),
		}
	}
	return out
}

// Fail 之后的请求都以 status 失败；0 恢复正常
func (nd *Node) Fail(status int) {
	nd.mu.Lock()
	nd.status = status
	nd.mu.Unlock()
}

// Stall 之后的请求挂起直到 Release
func (nd *Node) Stall() {
	nd.mu.Lock()
	if nd.stall == nil {
		nd.stall = make(chan struct{})
	}
	nd.mu.Unlock()
}

// Release 放行挂起的请求
func (nd *Node) Release() {
	nd.mu.Lock()
	if nd.stall != nil {
		close(nd.stall)
		nd.stall = nil
	}
	nd.mu.Unlock()
}

// Requests 节点在 endpoint 上收到的请求数
func (nd *Node) Requests(endpoint string) int {
	nd.mu.Lock()
	defer nd.mu.Unlock()
	if c, ok := nd.requests[endpoint]; ok {
		return int(c.Load())
	}
	return 0
}

func (nd *Node) price() *big.Int {
	p := int64(1)
	if nd.index-1 < len(nd.network.cfg.Prices) {
		p = nd.network.cfg.Prices[nd.index-1]
	}
	return big.NewInt(p)
}

func (nd *Node) prices() map[protocol.ProductID]*big.Int {
	return map[protocol.ProductID]*big.Int{
		protocol.ProductDecryption: nd.price(),
		protocol.ProductSigning:    nd.price(),
		protocol.ProductLitAction:  nd.price(),
	}
}

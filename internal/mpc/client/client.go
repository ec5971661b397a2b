// Package client 门限网络客户端：连接节点、获取授权并执行签名、解密与 Lit Action
package client

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"math/big"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/SafeMPC/lit-client/internal/auth"
	"github.com/SafeMPC/lit-client/internal/config"
	"github.com/SafeMPC/lit-client/internal/discovery"
	"github.com/SafeMPC/lit-client/internal/infra/storage"
	"github.com/SafeMPC/lit-client/internal/metrics"
	"github.com/SafeMPC/lit-client/internal/mpc/aggregate"
	"github.com/SafeMPC/lit-client/internal/mpc/chain"
	"github.com/SafeMPC/lit-client/internal/mpc/combine"
	"github.com/SafeMPC/lit-client/internal/mpc/dispatch"
	"github.com/SafeMPC/lit-client/internal/mpc/node"
	"github.com/SafeMPC/lit-client/internal/mpc/protocol"
	"github.com/SafeMPC/lit-client/internal/mpc/retry"
	"github.com/SafeMPC/lit-client/internal/mpc/session"
)

// Client 门限网络客户端
// 连接后的网络状态是不可变快照，Connect 整体替换
type Client struct {
	cfg        config.Client
	store      storage.Provider
	oracle     node.PriceOracle
	discovery  discovery.NodeDiscovery
	dispatcher *dispatch.Dispatcher
	combiner   *combine.Combiner
	sessions   *session.Manager
	authority  *auth.Authority
	factory    *auth.Factory
	metrics    *metrics.Metrics
	now        func() time.Time

	state atomic.Pointer[node.NetworkState]
}

var _ auth.NetworkSessionSigner = (*Client)(nil)

type options struct {
	store      storage.Provider
	oracle     node.PriceOracle
	discovery  discovery.NodeDiscovery
	httpClient *http.Client
	now        func() time.Time
	registerer prometheus.Registerer
	retry      *retry.Policy
}

// Option 客户端构造选项
type Option func(*options)

// WithStorage 使用指定的本地存储，缺省按配置创建
func WithStorage(p storage.Provider) Option {
	return func(o *options) { o.store = p }
}

// WithPriceOracle 使用指定的价格来源
func WithPriceOracle(oracle node.PriceOracle) Option {
	return func(o *options) { o.oracle = oracle }
}

// WithDiscovery 使用指定的节点发现
func WithDiscovery(d discovery.NodeDiscovery) Option {
	return func(o *options) { o.discovery = d }
}

func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithClock 替换时间来源
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithMetricsRegisterer 在 reg 上注册客户端指标
func WithMetricsRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithRetryPolicy 覆盖配置中的重试策略
func WithRetryPolicy(p retry.Policy) Option {
	return func(o *options) { o.retry = &p }
}

// New 创建客户端，不发起任何节点请求
func New(ctx context.Context, cfg config.Client, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.now == nil {
		o.now = time.Now
	}

	var m *metrics.Metrics
	switch {
	case o.registerer != nil:
		m = metrics.New(o.registerer)
	case cfg.Metrics.Enabled:
		m = metrics.New(prometheus.DefaultRegisterer)
	}

	store := o.store
	if store == nil {
		s, err := storage.NewProvider(ctx, cfg.Storage, cfg.Network)
		if err != nil {
			return nil, err
		}
		store = s
	}

	disc := o.discovery
	if disc == nil {
		d, err := discovery.New(cfg)
		if err != nil {
			return nil, err
		}
		disc = d
	}

	oracle := o.oracle
	if oracle == nil && cfg.Chain.RPCURL != "" && cfg.Chain.PriceFeedAddress != "" {
		if !common.IsHexAddress(cfg.Chain.PriceFeedAddress) {
			return nil, protocol.NewInvalidParamError("invalid price feed address %q", cfg.Chain.PriceFeedAddress)
		}
		feed, err := chain.NewPriceFeed(
			chain.NewEthereumAdapter(nil, cfg.Chain.RPCURL),
			common.HexToAddress(cfg.Chain.PriceFeedAddress),
			cfg.Chain.RealmID,
		)
		if err != nil {
			return nil, err
		}
		oracle = feed
	}

	policy := retry.FromConfig(cfg.Retry)
	if o.retry != nil {
		policy = *o.retry
	}
	httpClient := o.httpClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.RequestTimeout}
	}

	c := &Client{
		cfg:        cfg,
		store:      store,
		oracle:     oracle,
		discovery:  disc,
		dispatcher: dispatch.New(httpClient, policy, m),
		combiner:   combine.New(m),
		sessions:   session.NewManager(store),
		authority:  auth.NewAuthority(store, m, o.now),
		metrics:    m,
		now:        o.now,
	}
	c.factory = auth.NewFactory(auth.FactoryConfig{
		Domain:    cfg.Session.Domain,
		Statement: cfg.Session.Statement,
		Now:       o.now,
		Network:   c,
	})
	return c, nil
}

// Config 客户端配置的副本
func (c *Client) Config() config.Client { return c.cfg }

// Connect 与引导节点握手，确定节点集合、阈值与网络公钥
func (c *Client) Connect(ctx context.Context) error {
	if c.cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.ConnectTimeout)
		defer cancel()
	}

	urls, err := c.discovery.BootstrapURLs(ctx)
	if err != nil {
		return err
	}
	bootstrap, err := node.NewNodeSet(urls, c.cfg.MinNodeCount)
	if err != nil {
		return err
	}

	kp, err := c.sessions.GetOrCreate(ctx)
	if err != nil {
		return err
	}
	challenge := make([]byte, 32)
	if _, err := rand.Read(challenge); err != nil {
		return errors.Wrap(err, "failed to generate handshake challenge")
	}

	res, err := c.dispatcher.Send(ctx, bootstrap, dispatch.Request{
		Endpoint:   protocol.EndpointHandshake,
		CollectAll: true,
		Build: func(string) (any, error) {
			return node.HandshakeRequest{
				ClientPublicKey: kp.PublicKey,
				Challenge:       hex.EncodeToString(challenge),
			}, nil
		},
	})
	if err != nil {
		return err
	}

	state, err := c.networkState(bootstrap, res)
	if err != nil {
		return err
	}
	c.state.Store(state)

	log.Info().
		Strs("nodes", state.NodeSet.URLs()).
		Int("threshold", state.NodeSet.Threshold()).
		Uint64("epoch", state.Epoch).
		Str("network", c.cfg.Network).
		Msg("Connected to threshold network")
	return nil
}

func (c *Client) networkState(bootstrap *node.NodeSet, res *dispatch.Result) (*node.NetworkState, error) {
	keys := make(map[string]node.HandshakeResponse, len(res.Responses))
	responders := make([]string, 0, len(res.Responses))
	var subnet, network, networkSet, blockhash, epochs, hdRoots []string
	reported := make([]int, 0, len(res.Responses))

	for _, r := range res.Responses {
		var hs node.HandshakeResponse
		if err := json.Unmarshal(r.Body, &hs); err != nil {
			log.Warn().Err(err).Str("node_url", r.URL).Msg("Ignoring malformed handshake response")
			continue
		}
		keys[r.URL] = hs
		responders = append(responders, r.URL)
		subnet = append(subnet, hs.SubnetPublicKey)
		network = append(network, hs.NetworkPublicKey)
		networkSet = append(networkSet, hs.NetworkPublicKeySet)
		blockhash = append(blockhash, hs.LatestBlockhash)
		epochs = append(epochs, strconv.FormatUint(hs.Epoch, 10))
		hdRoots = append(hdRoots, strings.Join(hs.HDRootPubkeys, ","))
		reported = append(reported, hs.Threshold)
	}

	threshold := node.ResolveThreshold(c.cfg.MinNodeCount, reported, len(responders))
	set, err := bootstrap.Subset(responders, threshold)
	if err != nil {
		return nil, protocol.WrapError(protocol.KindThresholdNotMet, err,
			"%d nodes answered the handshake, threshold is %d", len(responders), threshold)
	}

	networkKey := aggregate.MostCommonString(network)
	if networkKey == "" {
		return nil, protocol.NewError(protocol.KindThresholdNotMet, "no node reported a network public key")
	}
	epoch, _ := strconv.ParseUint(aggregate.MostCommonString(epochs), 10, 64)

	state := &node.NetworkState{
		NodeSet:             set,
		ServerKeys:          keys,
		SubnetPublicKey:     aggregate.MostCommonString(subnet),
		NetworkPublicKey:    networkKey,
		NetworkPublicKeySet: aggregate.MostCommonString(networkSet),
		LatestBlockhash:     aggregate.MostCommonString(blockhash),
		Epoch:               epoch,
	}
	if roots := aggregate.MostCommonString(hdRoots); roots != "" {
		state.HDRootPubkeys = strings.Split(roots, ",")
	}
	return state, nil
}

// Disconnect 丢弃网络状态，之后的操作返回 not_connected
func (c *Client) Disconnect() {
	c.state.Store(nil)
	log.Debug().Str("network", c.cfg.Network).Msg("Disconnected from threshold network")
}

// State 当前网络状态，未连接时返回 not_connected
func (c *Client) State() (*node.NetworkState, error) {
	st := c.state.Load()
	if st == nil {
		return nil, protocol.NewError(protocol.KindNotConnected, "client is not connected, call Connect first")
	}
	return st, nil
}

// Ready 是否已连接
func (c *Client) Ready() bool { return c.state.Load() != nil }

func networkKey(st *node.NetworkState) ([]byte, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(st.NetworkPublicKey, "0x"))
	if err != nil {
		return nil, protocol.WrapError(protocol.KindInvalidShare, err, "network public key is not hex")
	}
	return raw, nil
}

// priceOracle 未配置价格来源时所有已连接节点视为免费
func (c *Client) priceOracle(st *node.NetworkState) node.PriceOracle {
	if c.oracle != nil {
		return c.oracle
	}
	return node.UniformPrices(st.NodeSet.URLs(), big.NewInt(0))
}

// maxPrice 请求未指定时取配置中的产品默认价
func (c *Client) maxPrice(product protocol.ProductID, requested *big.Int) *big.Int {
	if requested != nil {
		return new(big.Int).Set(requested)
	}
	return c.cfg.MaxPrice(product)
}

// targets 按价格选择本次操作的节点
// committee 为 true 时只取最便宜的 size 个节点，否则取全部报价不超过上限的节点
func (c *Client) targets(ctx context.Context, st *node.NetworkState, product protocol.ProductID, maxPrice *big.Int, committee bool, size int) (*node.NodeSet, error) {
	connected, err := c.connectedPrices(ctx, st, product)
	if err != nil {
		return nil, err
	}
	eligible := 0
	for _, p := range connected {
		if price := p.Price(product); price != nil && (maxPrice == nil || price.Cmp(maxPrice) <= 0) {
			eligible++
		}
	}

	threshold := st.NodeSet.Threshold()
	if committee {
		threshold = size
	}
	n := eligible
	if committee || n < threshold {
		n = threshold
	}

	chosen, err := node.SelectCheapest(connected, product, n, maxPrice)
	if err != nil {
		return nil, err
	}
	return st.NodeSet.Subset(node.URLsOf(chosen), threshold)
}

func (c *Client) connectedPrices(ctx context.Context, st *node.NetworkState, product protocol.ProductID) ([]node.NodePrice, error) {
	prices, err := c.priceOracle(st).NodePrices(ctx, product)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load node prices for %s", product)
	}
	connected := make([]node.NodePrice, 0, len(prices))
	for _, p := range prices {
		p.URL = node.NormalizeURL(p.URL)
		if st.NodeSet.Contains(p.URL) {
			connected = append(connected, p)
		}
	}
	return connected, nil
}

// NodePrices 已连接节点对产品的报价，按价格升序
func (c *Client) NodePrices(ctx context.Context, product protocol.ProductID) ([]node.NodePrice, error) {
	st, err := c.State()
	if err != nil {
		return nil, err
	}
	connected, err := c.connectedPrices(ctx, st, product)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(connected, func(i, j int) bool {
		a, b := connected[i].Price(product), connected[j].Price(product)
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		}
		return a.Cmp(b) < 0
	})
	return connected, nil
}

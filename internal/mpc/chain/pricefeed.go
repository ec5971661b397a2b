package chain

import (
	"context"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/SafeMPC/lit-client/internal/mpc/node"
	"github.com/SafeMPC/lit-client/internal/mpc/protocol"
)

// PriceFeedABI 价格合约中客户端用到的方法
const PriceFeedABI = `[
  {
    "name": "getNodesForRequest",
    "type": "function",
    "stateMutability": "view",
    "inputs": [
      {"name": "realmId", "type": "uint256"},
      {"name": "productIds", "type": "uint256[]"}
    ],
    "outputs": [
      {"name": "epochId", "type": "uint256"},
      {"name": "minNodeCount", "type": "uint256"},
      {"name": "nodesAndPrices", "type": "tuple[]", "components": [
        {"name": "validator", "type": "bool"},
        {"name": "stakerAddress", "type": "address"},
        {"name": "url", "type": "string"},
        {"name": "prices", "type": "uint256[]"}
      ]}
    ]
  }
]`

const methodGetNodesForRequest = "getNodesForRequest"

// ContractCaller 只读合约调用
type ContractCaller interface {
	Call(ctx context.Context, to common.Address, data []byte) ([]byte, error)
}

// NodeAndPrices 合约返回的单个节点条目
type NodeAndPrices struct {
	Validator     bool           `json:"validator"`
	StakerAddress common.Address `json:"stakerAddress"`
	Url           string         `json:"url"`
	Prices        []*big.Int     `json:"prices"`
}

// NodesForRequest getNodesForRequest 的解码结果
type NodesForRequest struct {
	EpochID      *big.Int
	MinNodeCount *big.Int
	Nodes        []NodeAndPrices
}

// PriceFeed 基于链上合约的节点价格预言机
type PriceFeed struct {
	caller  ContractCaller
	address common.Address
	realmID *big.Int
	abi     abi.ABI
}

var _ node.PriceOracle = (*PriceFeed)(nil)

// NewPriceFeed 创建价格预言机
func NewPriceFeed(caller ContractCaller, address common.Address, realmID int64) (*PriceFeed, error) {
	parsed, err := abi.JSON(strings.NewReader(PriceFeedABI))
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse price feed abi")
	}
	return &PriceFeed{
		caller:  caller,
		address: address,
		realmID: big.NewInt(realmID),
		abi:     parsed,
	}, nil
}

// NodesForRequest 查询指定产品的节点与报价
func (f *PriceFeed) NodesForRequest(ctx context.Context, products []protocol.ProductID) (*NodesForRequest, error) {
	ids := make([]*big.Int, 0, len(products))
	for _, p := range products {
		ids = append(ids, big.NewInt(int64(p)))
	}

	data, err := f.abi.Pack(methodGetNodesForRequest, f.realmID, ids)
	if err != nil {
		return nil, errors.Wrap(err, "failed to pack getNodesForRequest")
	}

	raw, err := f.caller.Call(ctx, f.address, data)
	if err != nil {
		return nil, errors.Wrap(err, "price feed call failed")
	}

	outs, err := f.abi.Unpack(methodGetNodesForRequest, raw)
	if err != nil {
		return nil, errors.Wrap(err, "failed to unpack getNodesForRequest")
	}
	if len(outs) != 3 {
		return nil, errors.Errorf("unexpected getNodesForRequest output count %d", len(outs))
	}

	res := &NodesForRequest{
		EpochID:      *abi.ConvertType(outs[0], new(*big.Int)).(**big.Int),
		MinNodeCount: *abi.ConvertType(outs[1], new(*big.Int)).(**big.Int),
		Nodes:        *abi.ConvertType(outs[2], new([]NodeAndPrices)).(*[]NodeAndPrices),
	}
	return res, nil
}

// NodePrices 实现 node.PriceOracle；价格数组与请求的产品顺序一致
func (f *PriceFeed) NodePrices(ctx context.Context, product protocol.ProductID) ([]node.NodePrice, error) {
	res, err := f.NodesForRequest(ctx, []protocol.ProductID{product})
	if err != nil {
		return nil, err
	}

	out := make([]node.NodePrice, 0, len(res.Nodes))
	for _, n := range res.Nodes {
		if !n.Validator {
			continue
		}
		if len(n.Prices) == 0 || n.Prices[0] == nil {
			log.Warn().
				Str("node_url", n.Url).
				Str("product", product.String()).
				Msg("Price feed entry has no price, skipping")
			continue
		}
		out = append(out, node.NodePrice{
			URL:           node.NormalizeURL(n.Url),
			StakerAddress: n.StakerAddress.Hex(),
			Prices:        map[protocol.ProductID]*big.Int{product: n.Prices[0]},
		})
	}

	log.Debug().
		Str("product", product.String()).
		Str("epoch", res.EpochID.String()).
		Int("nodes", len(out)).
		Msg("Fetched node prices")

	return out, nil
}

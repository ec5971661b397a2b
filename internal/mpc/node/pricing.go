package node

import (
	"context"
	"math/big"
	"sort"

	"github.com/SafeMPC/lit-client/internal/mpc/protocol"
)

// NodePrice 节点对各产品的报价（wei）
type NodePrice struct {
	URL           string
	StakerAddress string
	Prices        map[protocol.ProductID]*big.Int
}

// Price 返回节点对产品的报价，未报价时返回 nil
func (p NodePrice) Price(product protocol.ProductID) *big.Int {
	if p.Prices == nil {
		return nil
	}
	return p.Prices[product]
}

// PriceOracle 查询节点价格
type PriceOracle interface {
	NodePrices(ctx context.Context, product protocol.ProductID) ([]NodePrice, error)
}

// StaticPriceOracle 内存中的固定价格表
type StaticPriceOracle struct {
	prices []NodePrice
}

// NewStaticPriceOracle 创建固定价格预言机
func NewStaticPriceOracle(prices []NodePrice) *StaticPriceOracle {
	cp := make([]NodePrice, len(prices))
	copy(cp, prices)
	return &StaticPriceOracle{prices: cp}
}

// UniformPrices 所有节点对所有产品报同一价格
func UniformPrices(urls []string, price *big.Int) *StaticPriceOracle {
	prices := make([]NodePrice, 0, len(urls))
	for _, u := range urls {
		prices = append(prices, NodePrice{
			URL: NormalizeURL(u),
			Prices: map[protocol.ProductID]*big.Int{
				protocol.ProductDecryption: new(big.Int).Set(price),
				protocol.ProductSigning:    new(big.Int).Set(price),
				protocol.ProductLitAction:  new(big.Int).Set(price),
			},
		})
	}
	return &StaticPriceOracle{prices: prices}
}

func (o *StaticPriceOracle) NodePrices(_ context.Context, product protocol.ProductID) ([]NodePrice, error) {
	out := make([]NodePrice, 0, len(o.prices))
	for _, p := range o.prices {
		if p.Price(product) != nil {
			out = append(out, p)
		}
	}
	return out, nil
}

// SelectCheapest 选出报价不超过 maxPrice 的最便宜的 threshold 个节点
// maxPrice 为 nil 表示不限价；同价时按地址排序
func SelectCheapest(prices []NodePrice, product protocol.ProductID, threshold int, maxPrice *big.Int) ([]NodePrice, error) {
	if threshold < 1 {
		return nil, protocol.NewInvalidParamError("threshold must be at least 1, got %d", threshold)
	}

	eligible := make([]NodePrice, 0, len(prices))
	for _, p := range prices {
		price := p.Price(product)
		if price == nil {
			continue
		}
		if maxPrice != nil && price.Cmp(maxPrice) > 0 {
			continue
		}
		eligible = append(eligible, p)
	}

	if len(eligible) < threshold {
		return nil, protocol.NewError(protocol.KindPriceExceeded,
			"only %d nodes price %s at or below %s, threshold is %d",
			len(eligible), product, formatPrice(maxPrice), threshold)
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		c := eligible[i].Price(product).Cmp(eligible[j].Price(product))
		if c != 0 {
			return c < 0
		}
		return eligible[i].URL < eligible[j].URL
	})

	return eligible[:threshold], nil
}

// URLsOf 提取节点地址
func URLsOf(prices []NodePrice) []string {
	out := make([]string, 0, len(prices))
	for _, p := range prices {
		out = append(out, p.URL)
	}
	return out
}

func formatPrice(p *big.Int) string {
	if p == nil {
		return "unlimited"
	}
	return p.String()
}

package config

import (
	"math/big"
	"strings"
	"time"

	"github.com/SafeMPC/lit-client/internal/mpc/protocol"
	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Logger 日志配置
type Logger struct {
	Level              string
	PrettyPrintConsole bool
}

// Discovery 节点引导配置
type Discovery struct {
	ConsulAddress string
	ConsulService string
	ConsulTags    []string
}

// Retry 节点请求重试配置
type Retry struct {
	MaxAttempts             int
	Timeout                 time.Duration
	InitialBackoff          time.Duration
	MaxBackoff              time.Duration
	Multiplier              float64
	RateLimitMaxAttempts    int
	RateLimitInitialBackoff time.Duration
}

// Chain 链上价格合约配置
type Chain struct {
	RPCURL           string
	PriceFeedAddress string
	RealmID          int64
}

// Session 会话密钥与授权配置
type Session struct {
	Domain        string
	Statement     string
	DelegationTTL time.Duration
	SessionSigTTL time.Duration
}

// Storage 本地持久化配置
type Storage struct {
	Provider     string // memory | redis
	RedisAddress string
	KeyPrefix    string
}

// Metrics 指标配置
type Metrics struct {
	Enabled bool
}

// Client 客户端总配置
type Client struct {
	Network        string
	BootstrapURLs  []string
	MinNodeCount   int
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
	Discovery      Discovery
	Retry          Retry
	Chain          Chain
	Session        Session
	Storage        Storage
	Logger         Logger
	Metrics        Metrics

	// 默认最高价格（wei），构造后只读
	DefaultMaxPriceByProduct map[protocol.ProductID]*big.Int `json:"-"`
}

// DefaultClientConfigFromEnv 从环境变量（以及可选的 .env 文件）读取配置
func DefaultClientConfigFromEnv() Client {
	// .env 不存在时忽略
	_ = gotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("LIT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("network", protocol.NetworkDatilDev)
	v.SetDefault("bootstrap_urls", "")
	v.SetDefault("min_node_count", 2)
	v.SetDefault("connect_timeout", 20*time.Second)
	v.SetDefault("request_timeout", 45*time.Second)
	v.SetDefault("consul_address", "")
	v.SetDefault("consul_service", "lit-node")
	v.SetDefault("consul_tags", "")
	v.SetDefault("retry_max_attempts", 3)
	v.SetDefault("retry_timeout", 30*time.Second)
	v.SetDefault("retry_initial_backoff", 200*time.Millisecond)
	v.SetDefault("retry_max_backoff", 2*time.Second)
	v.SetDefault("retry_multiplier", 2.0)
	v.SetDefault("retry_rate_limit_max_attempts", 5)
	v.SetDefault("retry_rate_limit_initial_backoff", time.Second)
	v.SetDefault("chain_rpc_url", "")
	v.SetDefault("chain_price_feed_address", "")
	v.SetDefault("chain_realm_id", 1)
	v.SetDefault("session_domain", "localhost")
	v.SetDefault("session_statement", "")
	v.SetDefault("session_delegation_ttl", 24*time.Hour)
	v.SetDefault("session_sig_ttl", 5*time.Minute)
	v.SetDefault("storage_provider", "memory")
	v.SetDefault("storage_redis_address", "")
	v.SetDefault("storage_key_prefix", "lit-client")
	v.SetDefault("logger_level", "info")
	v.SetDefault("logger_pretty_print_console", false)
	v.SetDefault("metrics_enabled", false)
	v.SetDefault("max_price_decryption", "")
	v.SetDefault("max_price_signing", "")
	v.SetDefault("max_price_lit_action", "")

	return Client{
		Network:        v.GetString("network"),
		BootstrapURLs:  splitList(v.GetString("bootstrap_urls")),
		MinNodeCount:   v.GetInt("min_node_count"),
		ConnectTimeout: v.GetDuration("connect_timeout"),
		RequestTimeout: v.GetDuration("request_timeout"),
		Discovery: Discovery{
			ConsulAddress: v.GetString("consul_address"),
			ConsulService: v.GetString("consul_service"),
			ConsulTags:    splitList(v.GetString("consul_tags")),
		},
		Retry: Retry{
			MaxAttempts:             v.GetInt("retry_max_attempts"),
			Timeout:                 v.GetDuration("retry_timeout"),
			InitialBackoff:          v.GetDuration("retry_initial_backoff"),
			MaxBackoff:              v.GetDuration("retry_max_backoff"),
			Multiplier:              v.GetFloat64("retry_multiplier"),
			RateLimitMaxAttempts:    v.GetInt("retry_rate_limit_max_attempts"),
			RateLimitInitialBackoff: v.GetDuration("retry_rate_limit_initial_backoff"),
		},
		Chain: Chain{
			RPCURL:           v.GetString("chain_rpc_url"),
			PriceFeedAddress: v.GetString("chain_price_feed_address"),
			RealmID:          v.GetInt64("chain_realm_id"),
		},
		Session: Session{
			Domain:        v.GetString("session_domain"),
			Statement:     v.GetString("session_statement"),
			DelegationTTL: v.GetDuration("session_delegation_ttl"),
			SessionSigTTL: v.GetDuration("session_sig_ttl"),
		},
		Storage: Storage{
			Provider:     v.GetString("storage_provider"),
			RedisAddress: v.GetString("storage_redis_address"),
			KeyPrefix:    v.GetString("storage_key_prefix"),
		},
		Logger: Logger{
			Level:              v.GetString("logger_level"),
			PrettyPrintConsole: v.GetBool("logger_pretty_print_console"),
		},
		Metrics: Metrics{
			Enabled: v.GetBool("metrics_enabled"),
		},
		DefaultMaxPriceByProduct: parseMaxPrices(map[protocol.ProductID]string{
			protocol.ProductDecryption: v.GetString("max_price_decryption"),
			protocol.ProductSigning:    v.GetString("max_price_signing"),
			protocol.ProductLitAction:  v.GetString("max_price_lit_action"),
		}),
	}
}

// Validate 检查配置的完整性
func (c Client) Validate() error {
	if c.Network == "" {
		return protocol.NewInvalidParamError("network is required")
	}
	if len(c.BootstrapURLs) == 0 && c.Discovery.ConsulAddress == "" {
		return protocol.NewInvalidParamError("either bootstrap urls or a consul address is required")
	}
	if c.MinNodeCount < 1 {
		return protocol.NewInvalidParamError("min node count must be at least 1, got %d", c.MinNodeCount)
	}
	if c.Retry.MaxAttempts < 1 {
		return protocol.NewInvalidParamError("retry max attempts must be at least 1, got %d", c.Retry.MaxAttempts)
	}
	if c.Session.SessionSigTTL <= 0 || c.Session.DelegationTTL <= 0 {
		return protocol.NewInvalidParamError("session ttl values must be positive")
	}
	switch c.Storage.Provider {
	case "memory":
	case "redis":
		if c.Storage.RedisAddress == "" {
			return protocol.NewInvalidParamError("redis storage requires a redis address")
		}
	default:
		return protocol.NewInvalidParamError("unsupported storage provider %q", c.Storage.Provider)
	}
	for product, price := range c.DefaultMaxPriceByProduct {
		if price != nil && price.Sign() < 0 {
			return protocol.NewInvalidParamError("max price for %s must not be negative", product)
		}
	}
	return nil
}

// MaxPrice 返回产品的默认最高价格，未配置时返回 nil（不限价）
func (c Client) MaxPrice(product protocol.ProductID) *big.Int {
	p, ok := c.DefaultMaxPriceByProduct[product]
	if !ok || p == nil {
		return nil
	}
	return new(big.Int).Set(p)
}

// WithMaxPrice 返回替换了某产品默认价格的新配置，原配置不变
func (c Client) WithMaxPrice(product protocol.ProductID, price *big.Int) Client {
	prices := make(map[protocol.ProductID]*big.Int, len(c.DefaultMaxPriceByProduct)+1)
	for k, v := range c.DefaultMaxPriceByProduct {
		prices[k] = v
	}
	if price == nil {
		delete(prices, product)
	} else {
		prices[product] = new(big.Int).Set(price)
	}
	c.DefaultMaxPriceByProduct = prices
	return c
}

func splitList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' })
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseMaxPrices(raw map[protocol.ProductID]string) map[protocol.ProductID]*big.Int {
	prices := make(map[protocol.ProductID]*big.Int)
	for product, s := range raw {
		if s == "" {
			continue
		}
		if p, ok := new(big.Int).SetString(s, 10); ok {
			prices[product] = p
		}
	}
	return prices
}

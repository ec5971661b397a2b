package storage

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/SafeMPC/lit-client/internal/config"
	"github.com/SafeMPC/lit-client/internal/mpc/protocol"
)

// AuthData 某地址的身份凭据缓存，内容对本库不透明，只要求可 JSON 序列化
type AuthData struct {
	AuthMethodType int            `json:"authMethodType"`
	AccessToken    string         `json:"accessToken,omitempty"`
	AuthMethodID   string         `json:"authMethodId,omitempty"`
	PublicKey      string         `json:"publicKey,omitempty"`
	Extra          map[string]any `json:"extra,omitempty"`
}

// Provider 客户端本地持久化
// 读不到或内容损坏时返回零值，不返回错误
type Provider interface {
	Read(ctx context.Context, address string) (*AuthData, error)
	Write(ctx context.Context, address string, data AuthData) error
	ReadDelegationSig(ctx context.Context, key string) (string, error)
	WriteDelegationSig(ctx context.Context, key, sig string) error
	DeleteDelegationSig(ctx context.Context, key string) error
	ReadSessionKey(ctx context.Context) (string, error)
	WriteSessionKey(ctx context.Context, value string) error
}

// backend 键值后端
type backend interface {
	get(ctx context.Context, key string) ([]byte, bool, error)
	set(ctx context.Context, key string, value []byte) error
	del(ctx context.Context, key string) error
}

// Store 基于键值后端的 Provider，键按前缀与网络隔离
type Store struct {
	kv      backend
	prefix  string
	network string
}

var _ Provider = (*Store)(nil)

func newStore(kv backend, prefix, network string) *Store {
	if prefix == "" {
		prefix = "lit-client"
	}
	return &Store{kv: kv, prefix: prefix, network: network}
}

// NewProvider 按配置创建存储
func NewProvider(ctx context.Context, cfg config.Storage, network string) (*Store, error) {
	switch strings.ToLower(cfg.Provider) {
	case "", "memory":
		return NewMemoryStore(cfg.KeyPrefix, network), nil
	case "redis":
		client, err := NewRedisClient(ctx, cfg.RedisAddress)
		if err != nil {
			return nil, err
		}
		return NewRedisStore(client, cfg.KeyPrefix, network), nil
	default:
		return nil, protocol.NewInvalidParamError("unsupported storage provider %q", cfg.Provider)
	}
}

// NewRedisClient 创建并探活 Redis 客户端
func NewRedisClient(ctx context.Context, addr string) (*redis.Client, error) {
	if addr == "" {
		return nil, protocol.NewInvalidParamError("redis address is not configured")
	}

	client := redis.NewClient(&redis.Options{
		Addr: addr,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "failed to ping redis")
	}

	return client, nil
}

func (s *Store) key(kind, id string) string {
	parts := []string{s.prefix, s.network, kind}
	if id != "" {
		parts = append(parts, strings.ToLower(id))
	}
	return strings.Join(parts, ":")
}

// Read 读取地址对应的凭据
func (s *Store) Read(ctx context.Context, address string) (*AuthData, error) {
	raw, ok, err := s.kv.get(ctx, s.key("auth", address))
	if err != nil {
		return nil, errors.Wrap(err, "failed to read auth data")
	}
	if !ok {
		return nil, nil
	}

	var data AuthData
	if err := json.Unmarshal(raw, &data); err != nil {
		log.Warn().
			Err(err).
			Str("address", address).
			Msg("Ignoring corrupted auth data entry")
		return nil, nil
	}
	return &data, nil
}

// Write 保存地址对应的凭据
func (s *Store) Write(ctx context.Context, address string, data AuthData) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return errors.Wrap(err, "failed to marshal auth data")
	}
	if err := s.kv.set(ctx, s.key("auth", address), raw); err != nil {
		return errors.Wrap(err, "failed to write auth data")
	}
	return nil
}

// ReadDelegationSig 读取缓存的授权签名，不存在时返回空字符串
func (s *Store) ReadDelegationSig(ctx context.Context, key string) (string, error) {
	raw, ok, err := s.kv.get(ctx, s.key("delegation", key))
	if err != nil {
		return "", errors.Wrap(err, "failed to read delegation signature")
	}
	if !ok {
		return "", nil
	}
	return string(raw), nil
}

// WriteDelegationSig 缓存授权签名
func (s *Store) WriteDelegationSig(ctx context.Context, key, sig string) error {
	if err := s.kv.set(ctx, s.key("delegation", key), []byte(sig)); err != nil {
		return errors.Wrap(err, "failed to write delegation signature")
	}
	return nil
}

// DeleteDelegationSig 删除缓存的授权签名
func (s *Store) DeleteDelegationSig(ctx context.Context, key string) error {
	if err := s.kv.del(ctx, s.key("delegation", key)); err != nil {
		return errors.Wrap(err, "failed to delete delegation signature")
	}
	return nil
}

// ReadSessionKey 读取会话密钥对（序列化形式）
func (s *Store) ReadSessionKey(ctx context.Context) (string, error) {
	raw, ok, err := s.kv.get(ctx, s.key("session-key", ""))
	if err != nil {
		return "", errors.Wrap(err, "failed to read session key")
	}
	if !ok {
		return "", nil
	}
	return string(raw), nil
}

// WriteSessionKey 保存会话密钥对
func (s *Store) WriteSessionKey(ctx context.Context, value string) error {
	if err := s.kv.set(ctx, s.key("session-key", ""), []byte(value)); err != nil {
		return errors.Wrap(err, "failed to write session key")
	}
	return nil
}

package session

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/SafeMPC/lit-client/internal/infra/storage"
)

// URIPrefix 会话密钥 URI 前缀
const URIPrefix = "lit:session:"

// KeyPair 本地会话密钥对（十六进制 Ed25519）
type KeyPair struct {
	PublicKey string `json:"publicKey"`
	SecretKey string `json:"secretKey"`
}

// GenerateKeyPair 生成新的会话密钥对
func GenerateKeyPair() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, errors.Wrap(err, "failed to generate session key")
	}
	return &KeyPair{
		PublicKey: hex.EncodeToString(pub),
		SecretKey: hex.EncodeToString(priv),
	}, nil
}

// URI 会话密钥 URI
func (kp *KeyPair) URI() string {
	return URI(kp.PublicKey)
}

// URI 由公钥生成会话密钥 URI
func URI(publicKey string) string {
	return URIPrefix + publicKey
}

func (kp *KeyPair) privateKey() (ed25519.PrivateKey, error) {
	raw, err := hex.DecodeString(kp.SecretKey)
	if err != nil || len(raw) != ed25519.PrivateKeySize {
		return nil, errors.New("malformed session secret key")
	}
	return ed25519.PrivateKey(raw), nil
}

// Validate 检查密钥对格式以及公私钥是否匹配
func (kp *KeyPair) Validate() error {
	priv, err := kp.privateKey()
	if err != nil {
		return err
	}
	pub, err := hex.DecodeString(kp.PublicKey)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return errors.New("malformed session public key")
	}
	if !bytes.Equal(priv.Public().(ed25519.PublicKey), pub) {
		return errors.New("session public key does not match secret key")
	}
	return nil
}

// Manager 会话密钥的读取与持久化
type Manager struct {
	store storage.Provider
}

// NewManager 创建会话密钥管理器
func NewManager(store storage.Provider) *Manager {
	return &Manager{store: store}
}

// GetOrCreate 返回已保存的密钥对；不存在或已损坏时生成并保存新的
func (m *Manager) GetOrCreate(ctx context.Context) (*KeyPair, error) {
	raw, err := m.store.ReadSessionKey(ctx)
	if err != nil {
		return nil, err
	}
	if raw != "" {
		var kp KeyPair
		err := json.Unmarshal([]byte(raw), &kp)
		if err == nil {
			err = kp.Validate()
		}
		if err == nil {
			return &kp, nil
		}
		log.Warn().Err(err).Msg("Stored session key is unusable, generating a new one")
	}

	kp, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	encoded, err := json.Marshal(kp)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal session key")
	}
	if err := m.store.WriteSessionKey(ctx, string(encoded)); err != nil {
		return nil, err
	}

	log.Debug().Str("session_key", kp.PublicKey).Msg("Generated new session key")
	return kp, nil
}

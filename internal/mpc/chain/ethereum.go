package chain

import (
	"context"
	"math/big"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"

	"github.com/SafeMPC/lit-client/internal/mpc/chain/ethereum"
)

// EthereumAdapter 链上只读访问（价格合约所在链）
type EthereumAdapter struct {
	chainID   *big.Int
	rpcClient *ethereum.RPCClient
}

// NewEthereumAdapter 创建以太坊适配器；chainID 为 nil 时不做链 ID 校验
func NewEthereumAdapter(chainID *big.Int, rpcEndpoint string) *EthereumAdapter {
	var rpcClient *ethereum.RPCClient
	if rpcEndpoint != "" {
		rpcClient = ethereum.NewRPCClient(rpcEndpoint)
	}

	return &EthereumAdapter{
		chainID:   chainID,
		rpcClient: rpcClient,
	}
}

// NewEthereumAdapterWithClient 使用已有的 RPC 客户端
func NewEthereumAdapterWithClient(chainID *big.Int, rpcClient *ethereum.RPCClient) *EthereumAdapter {
	return &EthereumAdapter{chainID: chainID, rpcClient: rpcClient}
}

// Call 执行只读合约调用
func (a *EthereumAdapter) Call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	if a.rpcClient == nil {
		return nil, errors.New("RPC client not configured")
	}
	return a.rpcClient.Call(ctx, to, data)
}

// VerifyChainID 确认 RPC 节点所在链与配置一致
func (a *EthereumAdapter) VerifyChainID(ctx context.Context) error {
	if a.rpcClient == nil {
		return errors.New("RPC client not configured")
	}
	if a.chainID == nil {
		return nil
	}
	got, err := a.rpcClient.ChainID(ctx)
	if err != nil {
		return err
	}
	if got.Cmp(a.chainID) != 0 {
		return errors.Errorf("rpc endpoint is on chain %s, expected %s", got, a.chainID)
	}
	return nil
}

// PublicKeyToAddress 通过 Keccak256(pubKey[1:]) 生成 PKP 的以太坊地址
func PublicKeyToAddress(pubKey []byte) (common.Address, error) {
	if len(pubKey) == 0 {
		return common.Address{}, errors.New("public key is required")
	}
	var uncompressed64 []byte
	switch {
	case len(pubKey) == 65 && pubKey[0] == 0x04:
		uncompressed64 = pubKey[1:]
	case len(pubKey) == 64:
		uncompressed64 = pubKey
	case len(pubKey) == 33 && (pubKey[0] == 0x02 || pubKey[0] == 0x03):
		key, err := btcec.ParsePubKey(pubKey)
		if err != nil {
			return common.Address{}, errors.Wrap(err, "failed to parse compressed secp256k1 pubkey")
		}
		u := key.SerializeUncompressed() // 65 bytes, 0x04 | X | Y
		uncompressed64 = u[1:]
	default:
		return common.Address{}, errors.Errorf("unsupported public key format: len=%d", len(pubKey))
	}
	hash := crypto.Keccak256(uncompressed64)
	return common.BytesToAddress(hash[12:]), nil
}

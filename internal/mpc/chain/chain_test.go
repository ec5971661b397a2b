package chain_test

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SafeMPC/lit-client/internal/mpc/chain"
	"github.com/SafeMPC/lit-client/internal/mpc/chain/ethereum"
	"github.com/SafeMPC/lit-client/internal/mpc/protocol"
)

func TestPublicKeyToAddress(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	want := crypto.PubkeyToAddress(key.PublicKey)

	uncompressed := crypto.FromECDSAPub(&key.PublicKey)
	got, err := chain.PublicKeyToAddress(uncompressed)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	compressed := crypto.CompressPubkey(&key.PublicKey)
	got, err = chain.PublicKeyToAddress(compressed)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	got, err = chain.PublicKeyToAddress(uncompressed[1:])
	require.NoError(t, err)
	assert.Equal(t, want, got)

	_, err = chain.PublicKeyToAddress([]byte{0x01, 0x02})
	assert.Error(t, err)
	_, err = chain.PublicKeyToAddress(nil)
	assert.Error(t, err)

	// btcec 解析得到的同一公钥
	parsed, err := btcec.ParsePubKey(compressed)
	require.NoError(t, err)
	got, err = chain.PublicKeyToAddress(parsed.SerializeCompressed())
	require.NoError(t, err)
	assert.Equal(t, want.Hex(), got.Hex())
}

type rpcRequest struct {
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
	ID     int64             `json:"id"`
}

func newRPCServer(t *testing.T, handle func(method string, params []json.RawMessage) (interface{}, *ethereum.RPCError)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		result, rpcErr := handle(req.Method, req.Params)
		resp := map[string]interface{}{"jsonrpc": "2.0", "id": req.ID}
		if rpcErr != nil {
			resp["error"] = rpcErr
		} else {
			resp["result"] = result
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestPriceFeedNodePrices(t *testing.T) {
	parsed, err := abi.JSON(strings.NewReader(chain.PriceFeedABI))
	require.NoError(t, err)

	feedAddr := common.HexToAddress("0x00000000000000000000000000000000000000fe")
	nodes := []chain.NodeAndPrices{
		{Validator: true, StakerAddress: common.HexToAddress("0x01"), Url: "http://node-a:7470/", Prices: []*big.Int{big.NewInt(10)}},
		{Validator: false, StakerAddress: common.HexToAddress("0x02"), Url: "http://node-b:7470", Prices: []*big.Int{big.NewInt(1)}},
		{Validator: true, StakerAddress: common.HexToAddress("0x03"), Url: "http://node-c:7470", Prices: []*big.Int{big.NewInt(20)}},
	}
	encoded, err := parsed.Methods["getNodesForRequest"].Outputs.Pack(big.NewInt(7), big.NewInt(2), nodes)
	require.NoError(t, err)

	srv := newRPCServer(t, func(method string, params []json.RawMessage) (interface{}, *ethereum.RPCError) {
		switch method {
		case "eth_call":
			var msg ethereum.CallMsg
			require.NoError(t, json.Unmarshal(params[0], &msg))
			assert.Equal(t, feedAddr.Hex(), msg.To)

			data, err := hexutil.Decode(msg.Data)
			require.NoError(t, err)
			args, err := parsed.Methods["getNodesForRequest"].Inputs.Unpack(data[4:])
			require.NoError(t, err)
			assert.Equal(t, big.NewInt(1), args[0])
			assert.Equal(t, []*big.Int{big.NewInt(int64(protocol.ProductSigning))}, args[1])

			return "0x" + hex.EncodeToString(encoded), nil
		case "eth_chainId":
			return "0xaa", nil
		}
		return nil, &ethereum.RPCError{Code: -32601, Message: "method not found"}
	})

	adapter := chain.NewEthereumAdapter(big.NewInt(0xaa), srv.URL)
	require.NoError(t, adapter.VerifyChainID(context.Background()))

	feed, err := chain.NewPriceFeed(adapter, feedAddr, 1)
	require.NoError(t, err)

	res, err := feed.NodesForRequest(context.Background(), []protocol.ProductID{protocol.ProductSigning})
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(7), res.EpochID)
	assert.Equal(t, big.NewInt(2), res.MinNodeCount)
	require.Len(t, res.Nodes, 3)

	prices, err := feed.NodePrices(context.Background(), protocol.ProductSigning)
	require.NoError(t, err)
	require.Len(t, prices, 2)
	assert.Equal(t, "http://node-a:7470", prices[0].URL)
	assert.Equal(t, big.NewInt(10), prices[0].Price(protocol.ProductSigning))
	assert.Equal(t, "http://node-c:7470", prices[1].URL)
}

func TestVerifyChainIDMismatch(t *testing.T) {
	srv := newRPCServer(t, func(method string, params []json.RawMessage) (interface{}, *ethereum.RPCError) {
		return "0x1", nil
	})
	adapter := chain.NewEthereumAdapter(big.NewInt(5), srv.URL)
	assert.Error(t, adapter.VerifyChainID(context.Background()))
}

func TestRPCErrorSurfaces(t *testing.T) {
	srv := newRPCServer(t, func(method string, params []json.RawMessage) (interface{}, *ethereum.RPCError) {
		return nil, &ethereum.RPCError{Code: 3, Message: "execution reverted"}
	})
	client := ethereum.NewRPCClient(srv.URL)
	_, err := client.BlockNumber(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "execution reverted")
}

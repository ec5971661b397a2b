package ethereum

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/pkg/errors"
)

// RPCClient Ethereum JSON-RPC 客户端（只读调用）
type RPCClient struct {
	endpoint string
	client   *http.Client
	nextID   atomic.Int64
}

// NewRPCClient 创建 Ethereum RPC 客户端
func NewRPCClient(endpoint string) *RPCClient {
	return NewRPCClientWithHTTP(endpoint, &http.Client{
		Timeout: 30 * time.Second,
	})
}

// NewRPCClientWithHTTP 使用自定义 http.Client 创建 RPC 客户端
func NewRPCClientWithHTTP(endpoint string, httpClient *http.Client) *RPCClient {
	return &RPCClient{
		endpoint: endpoint,
		client:   httpClient,
	}
}

// RPCRequest RPC 请求
type RPCRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
	ID      int64         `json:"id"`
}

// RPCResponse RPC 响应
type RPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
	ID      int64           `json:"id"`
}

// RPCError RPC 错误
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("RPC error: %s (code: %d)", e.Message, e.Code)
}

// CallMsg eth_call 参数
type CallMsg struct {
	From string `json:"from,omitempty"`
	To   string `json:"to"`
	Data string `json:"data"`
}

// call 执行 RPC 调用
func (c *RPCClient) call(ctx context.Context, method string, params []interface{}) (json.RawMessage, error) {
	req := &RPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      c.nextID.Add(1),
	}

	reqBody, err := json.Marshal(req)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal RPC request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create HTTP request")
	}

	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, errors.Wrap(err, "failed to execute HTTP request")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, errors.Errorf("RPC endpoint returned HTTP %d", resp.StatusCode)
	}

	var rpcResp RPCResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, errors.Wrap(err, "failed to decode RPC response")
	}

	if rpcResp.Error != nil {
		return nil, rpcResp.Error
	}

	return rpcResp.Result, nil
}

// Call 在最新区块上执行只读合约调用
func (c *RPCClient) Call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	msg := CallMsg{
		To:   to.Hex(),
		Data: hexutil.Encode(data),
	}
	result, err := c.call(ctx, "eth_call", []interface{}{msg, "latest"})
	if err != nil {
		return nil, errors.Wrap(err, "failed to call eth_call")
	}

	var out hexutil.Bytes
	if err := json.Unmarshal(result, &out); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal call result")
	}
	return out, nil
}

// ChainID 查询链 ID
func (c *RPCClient) ChainID(ctx context.Context) (*big.Int, error) {
	return c.quantity(ctx, "eth_chainId")
}

// BlockNumber 查询最新区块高度
func (c *RPCClient) BlockNumber(ctx context.Context) (*big.Int, error) {
	return c.quantity(ctx, "eth_blockNumber")
}

func (c *RPCClient) quantity(ctx context.Context, method string) (*big.Int, error) {
	result, err := c.call(ctx, method, []interface{}{})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to call %s", method)
	}

	var v hexutil.Big
	if err := json.Unmarshal(result, &v); err != nil {
		return nil, errors.Wrapf(err, "failed to unmarshal %s result", method)
	}
	return v.ToInt(), nil
}

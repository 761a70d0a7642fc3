package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/big"
	"strings"
	"sync/atomic"
)

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// rpcClient speaks Ethereum JSON-RPC 2.0 over HTTP.
type rpcClient struct {
	http *baseClient
	seq  atomic.Uint64
}

func (c *rpcClient) call(ctx context.Context, method string, result any, params ...any) error {
	if params == nil {
		params = []any{}
	}
	req := rpcRequest{JSONRPC: "2.0", ID: c.seq.Add(1), Method: method, Params: params}
	var resp rpcResponse
	if err := c.http.postJSON(ctx, "", req, &resp); err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	if resp.Error != nil {
		return fmt.Errorf("%s: %w", method, resp.Error)
	}
	if result == nil {
		return nil
	}
	return json.Unmarshal(resp.Result, result)
}

type rpcTransaction struct {
	Hash  string `json:"hash"`
	From  string `json:"from"`
	To    string `json:"to"`
	Value string `json:"value"`
}

type rpcReceipt struct {
	Status      string `json:"status"`
	BlockNumber string `json:"blockNumber"`
}

var errAmountOverflow = errors.New("amount does not fit in 64 bits")

func parseQuantity(hexValue string) (*big.Int, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(hexValue), "0x")
	if trimmed == "" {
		return big.NewInt(0), nil
	}
	value, ok := new(big.Int).SetString(trimmed, 16)
	if !ok {
		return nil, fmt.Errorf("invalid hex quantity %q", hexValue)
	}
	return value, nil
}

func parseAmount(hexValue string) (int64, error) {
	value, err := parseQuantity(hexValue)
	if err != nil {
		return 0, err
	}
	if value.Sign() < 0 || value.Cmp(big.NewInt(math.MaxInt64)) > 0 {
		return 0, errAmountOverflow
	}
	return value.Int64(), nil
}

func formatQuantity(v int64) string {
	return fmt.Sprintf("0x%x", v)
}

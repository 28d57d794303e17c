package ethrpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"resty.dev/v3"
)

// Client is a JSON-RPC 2.0 client over HTTP. It is safe for concurrent use;
// worker pools of the check and properties stages share one instance.
type Client struct {
	http *resty.Client
	url  string
	id   atomic.Int64
}

// New creates a client for the given provider URL.
func New(providerURL string) *Client {
	return &Client{
		http: resty.New().SetHeader("Content-Type", "application/json"),
		url:  providerURL,
	}
}

// URL returns the provider endpoint this client talks to.
func (c *Client) URL() string {
	return c.url
}

// Close releases the underlying HTTP client.
func (c *Client) Close() error {
	return c.http.Close()
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

// RPCError is a JSON-RPC error object returned by the provider.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// IsInsufficientFunds reports whether an error is the provider rejecting a
// simulated execution due to balance exhaustion. The message is the only
// signal the JSON-RPC API gives us.
func IsInsufficientFunds(err error) bool {
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		return false
	}
	msg := strings.ToLower(rpcErr.Message)
	return strings.Contains(msg, "insufficient funds") || strings.Contains(msg, "insufficient balance")
}

// call performs one JSON-RPC request and decodes the result into out.
func (c *Client) call(ctx context.Context, method string, params []any, out any) error {
	req := rpcRequest{
		JSONRPC: "2.0",
		ID:      c.id.Add(1),
		Method:  method,
		Params:  params,
	}
	var resp rpcResponse
	res, err := c.http.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&resp).
		Post(c.url)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", method, err)
	}
	if res.IsError() {
		return fmt.Errorf("%s request failed: provider returned %s", method, res.Status())
	}
	if resp.Error != nil {
		return fmt.Errorf("%s: %w", method, resp.Error)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Result, out); err != nil {
		return fmt.Errorf("%s: failed to decode result: %w", method, err)
	}
	return nil
}

// TransactionByHash fetches one transaction.
func (c *Client) TransactionByHash(ctx context.Context, hash string) (*Transaction, error) {
	var tx *Transaction
	if err := c.call(ctx, "eth_getTransactionByHash", []any{hash}, &tx); err != nil {
		return nil, err
	}
	if tx == nil {
		return nil, fmt.Errorf("transaction %s not found", hash)
	}
	return tx, nil
}

// BlockByNumber fetches one block with transaction hashes only.
func (c *Client) BlockByNumber(ctx context.Context, number uint64) (*Block, error) {
	var block *Block
	if err := c.call(ctx, "eth_getBlockByNumber", []any{FormatHexUint(number), false}, &block); err != nil {
		return nil, err
	}
	if block == nil {
		return nil, fmt.Errorf("block %d not found", number)
	}
	return block, nil
}

// BlockStateChanges traces a whole block with the prestate tracer in diff
// mode, yielding one pre/post state pair per transaction.
func (c *Client) BlockStateChanges(ctx context.Context, number uint64) ([]TxStateChange, error) {
	params := []any{
		FormatHexUint(number),
		map[string]any{
			"tracer":       "prestateTracer",
			"tracerConfig": map[string]any{"diffMode": true},
		},
	}
	var changes []TxStateChange
	if err := c.call(ctx, "debug_traceBlockByNumber", params, &changes); err != nil {
		return nil, err
	}
	return changes, nil
}

// TraceCall simulates a call on top of the state at the end of the given
// block, with optional account overrides, and returns its diff-mode trace.
func (c *Client) TraceCall(ctx context.Context, call CallArgs, block uint64, overrides map[string]OverrideAccount) (*PrePost, error) {
	tracerCfg := map[string]any{
		"tracer":       "prestateTracer",
		"tracerConfig": map[string]any{"diffMode": true},
	}
	if len(overrides) > 0 {
		tracerCfg["stateOverrides"] = overrides
	}
	params := []any{call, FormatHexUint(block), tracerCfg}
	var result PrePost
	if err := c.call(ctx, "debug_traceCall", params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// VMTrace simulates a call and returns the raw instruction-level trace from
// the default struct logger. Used when the check stage is asked to persist
// traces alongside verdicts.
func (c *Client) VMTrace(ctx context.Context, call CallArgs, block uint64, overrides map[string]OverrideAccount) (json.RawMessage, error) {
	cfg := map[string]any{}
	if len(overrides) > 0 {
		cfg["stateOverrides"] = overrides
	}
	params := []any{call, FormatHexUint(block), cfg}
	var raw json.RawMessage
	if err := c.call(ctx, "debug_traceCall", params, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

package ethrpc

import (
	"fmt"
	"strconv"
	"strings"
)

// Transaction mirrors the eth_getTransactionByHash response fields the
// pipeline uses. Quantities stay 0x-hex; ParseHexUint converts on demand.
type Transaction struct {
	Hash        string `json:"hash"`
	From        string `json:"from"`
	To          string `json:"to"`
	Input       string `json:"input"`
	Value       string `json:"value"`
	Gas         string `json:"gas"`
	GasPrice    string `json:"gasPrice"`
	BlockNumber string `json:"blockNumber"`
}

// Block mirrors the eth_getBlockByNumber response (transaction hashes only).
type Block struct {
	Number       string   `json:"number"`
	Hash         string   `json:"hash"`
	Timestamp    string   `json:"timestamp"`
	Transactions []string `json:"transactions"`
}

// Account is one account's state snapshot inside a prestate trace.
type Account struct {
	Balance string            `json:"balance,omitempty"`
	Nonce   uint64            `json:"nonce,omitempty"`
	Code    string            `json:"code,omitempty"`
	Storage map[string]string `json:"storage,omitempty"`
}

// PrePost is the prestate tracer's diff-mode result: the account state
// touched by one execution, before and after.
type PrePost struct {
	Pre  map[string]Account `json:"pre"`
	Post map[string]Account `json:"post"`
}

// TxStateChange pairs a transaction hash with its diff-mode trace inside a
// debug_traceBlockByNumber response.
type TxStateChange struct {
	TxHash string  `json:"txHash"`
	Result PrePost `json:"result"`
}

// CallArgs describes a simulated call for debug_traceCall.
type CallArgs struct {
	From     string `json:"from,omitempty"`
	To       string `json:"to,omitempty"`
	Gas      string `json:"gas,omitempty"`
	GasPrice string `json:"gasPrice,omitempty"`
	Value    string `json:"value,omitempty"`
	Data     string `json:"data,omitempty"`
}

// OverrideAccount adjusts one account's state for a simulated call.
type OverrideAccount struct {
	Balance   string            `json:"balance,omitempty"`
	Nonce     uint64            `json:"nonce,omitempty"`
	Code      string            `json:"code,omitempty"`
	StateDiff map[string]string `json:"stateDiff,omitempty"`
}

// ParseHexUint parses a 0x-prefixed quantity.
func ParseHexUint(s string) (uint64, error) {
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		return 0, fmt.Errorf("not a hex quantity: %q", s)
	}
	v, err := strconv.ParseUint(s[2:], 16, 64)
	if err != nil {
		return 0, fmt.Errorf("not a hex quantity: %q: %w", s, err)
	}
	return v, nil
}

// FormatHexUint renders a quantity the way the JSON-RPC API expects it.
func FormatHexUint(v uint64) string {
	return "0x" + strconv.FormatUint(v, 16)
}

package ethrpc

import (
	"context"
	"fmt"
	"math/big"
	"strings"
)

// Function selectors used by the balance and supply fetchers
const (
	selectorBalanceOf   = "0x70a08231"
	selectorTotalSupply = "0x18160ddd"
)

// LogFilter selects logs of one contract and topic0 over an inclusive block range
type LogFilter struct {
	FromBlock uint64
	ToBlock   uint64
	Address   string
	Topic0    string
}

// Log is a log entry as returned by eth_getLogs
type Log struct {
	Address          string   `json:"address"`
	Topics           []string `json:"topics"`
	Data             string   `json:"data"`
	BlockNumber      string   `json:"blockNumber"`
	TransactionHash  string   `json:"transactionHash"`
	TransactionIndex string   `json:"transactionIndex"`
	LogIndex         string   `json:"logIndex"`
	Removed          bool     `json:"removed"`
}

// GetLogs calls eth_getLogs
func (c *Client) GetLogs(ctx context.Context, f LogFilter) ([]Log, error) {
	filter := map[string]any{
		"fromBlock": HexUint64(f.FromBlock),
		"toBlock":   HexUint64(f.ToBlock),
		"address":   f.Address,
		"topics":    []string{f.Topic0},
	}

	var logs []Log
	if err := c.Call(ctx, &logs, "eth_getLogs", filter); err != nil {
		return nil, err
	}

	return logs, nil
}

// BlockTimestamp returns the timestamp of block n
func (c *Client) BlockTimestamp(ctx context.Context, n uint64) (uint64, error) {
	var block *struct {
		Timestamp string `json:"timestamp"`
	}

	if err := c.Call(ctx, &block, "eth_getBlockByNumber", HexUint64(n), false); err != nil {
		return 0, err
	}

	if block == nil {
		return 0, fmt.Errorf("block %d not found", n)
	}

	return ParseHexUint64(block.Timestamp)
}

// GetBalance returns the native balance of addr at block n
func (c *Client) GetBalance(ctx context.Context, addr string, n uint64) (*big.Int, error) {
	var hex string
	if err := c.Call(ctx, &hex, "eth_getBalance", addr, HexUint64(n)); err != nil {
		return nil, err
	}

	return parseHexBig(hex)
}

// CallUint256 executes a read-only call returning a single uint256 word
func (c *Client) CallUint256(ctx context.Context, to, data string, n uint64) (*big.Int, error) {
	var hex string

	call := map[string]string{"to": to, "data": data}
	if err := c.Call(ctx, &hex, "eth_call", call, HexUint64(n)); err != nil {
		return nil, err
	}

	return parseHexBig(hex)
}

// balanceOfData encodes balanceOf(holder)
func balanceOfData(holder string) string {
	return selectorBalanceOf + strings.Repeat("0", 24) + strings.TrimPrefix(strings.ToLower(holder), "0x")
}

func parseHexBig(s string) (*big.Int, error) {
	digits, ok := strings.CutPrefix(s, "0x")
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidHex, s)
	}

	if digits == "" {
		return new(big.Int), nil
	}

	v, ok := new(big.Int).SetString(digits, 16)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidHex, s)
	}

	return v, nil
}

// Package deposit implements the deposit claim gate: the admission check
// that decides whether a deposit-backed use case may proceed, backed by
// balance lookups against the on-chain escrow ledger.
package deposit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"time"
)

// ErrNotSynchronized is returned when the ledger node cannot answer
// because it has not caught up with the chain head. Transient: callers
// treat the balance as unknown, not as insufficient.
var ErrNotSynchronized = errors.New("deposit: ledger not synchronized")

// LedgerClient reads escrow deposit balances. Implementations must bound
// every call with the context deadline: balance lookups happen while a
// subtask row lock is held.
type LedgerClient interface {
	GetDepositBalance(ctx context.Context, address string) (*big.Int, error)
}

// RPCLedgerClient is a JSON-RPC LedgerClient. Constructed once at process
// start and passed by reference into the gate and the payment path.
type RPCLedgerClient struct {
	url    string
	client *http.Client
}

// NewRPCLedgerClient builds a ledger client for the given JSON-RPC
// endpoint with the given per-call timeout.
func NewRPCLedgerClient(url string, timeout time.Duration) *RPCLedgerClient {
	return &RPCLedgerClient{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
	ID      int    `json:"id"`
}

type rpcResponse struct {
	Result string `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

const errCodeNotSynchronized = -32001

// GetDepositBalance queries the escrow contract balance of one address.
func (c *RPCLedgerClient) GetDepositBalance(ctx context.Context, address string) (*big.Int, error) {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		Method:  "concent_getDepositBalance",
		Params:  []any{address},
		ID:      1,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("deposit: ledger request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var out rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("deposit: malformed ledger response: %w", err)
	}
	if out.Error != nil {
		if out.Error.Code == errCodeNotSynchronized {
			return nil, ErrNotSynchronized
		}
		return nil, fmt.Errorf("deposit: ledger error %d: %s", out.Error.Code, out.Error.Message)
	}

	balance, ok := new(big.Int).SetString(out.Result, 0)
	if !ok {
		return nil, fmt.Errorf("deposit: unparseable balance %q", out.Result)
	}
	if balance.Sign() < 0 {
		return nil, fmt.Errorf("deposit: negative balance %s for %s", balance, address)
	}
	return balance, nil
}

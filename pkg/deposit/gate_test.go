package deposit

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/concent-network/concent/pkg/contracts"
)

type fakeLedger struct {
	balances map[string]*big.Int
	err      error
	calls    []string
}

func (f *fakeLedger) GetDepositBalance(_ context.Context, address string) (*big.Int, error) {
	f.calls = append(f.calls, address)
	if f.err != nil {
		return nil, f.err
	}
	b, ok := f.balances[address]
	if !ok {
		return big.NewInt(0), nil
	}
	return b, nil
}

func TestClaimDepositForcedAcceptance(t *testing.T) {
	ledger := &fakeLedger{balances: map[string]*big.Int{
		"requestor": big.NewInt(1), // any positive amount counts
		"provider":  big.NewInt(0),
	}}
	gate := NewGate(ledger, 500)

	result, err := gate.ClaimDeposit(context.Background(),
		contracts.UseCaseForcedAcceptance, "requestor", "provider", big.NewInt(1000))
	require.NoError(t, err)
	assert.True(t, result.RequestorHasFunds)
	// Forced acceptance charges the provider nothing.
	assert.True(t, result.ProviderHasFunds)
	assert.True(t, result.Satisfied())
}

func TestClaimDepositRequestorEmpty(t *testing.T) {
	ledger := &fakeLedger{balances: map[string]*big.Int{
		"provider": big.NewInt(10000),
	}}
	gate := NewGate(ledger, 500)

	result, err := gate.ClaimDeposit(context.Background(),
		contracts.UseCaseForcedAcceptance, "requestor", "provider", big.NewInt(1000))
	require.NoError(t, err)
	assert.False(t, result.RequestorHasFunds)
	assert.False(t, result.Satisfied())
}

func TestClaimDepositAdditionalVerificationFeeInFull(t *testing.T) {
	gate := NewGate(&fakeLedger{balances: map[string]*big.Int{
		"requestor": big.NewInt(1),
		"provider":  big.NewInt(499),
	}}, 500)

	result, err := gate.ClaimDeposit(context.Background(),
		contracts.UseCaseAdditionalVerification, "requestor", "provider", big.NewInt(1000))
	require.NoError(t, err)
	assert.True(t, result.RequestorHasFunds)
	// 499 < 500: the fixed fee is not negotiable.
	assert.False(t, result.ProviderHasFunds)

	gate = NewGate(&fakeLedger{balances: map[string]*big.Int{
		"requestor": big.NewInt(1),
		"provider":  big.NewInt(500),
	}}, 500)
	result, err = gate.ClaimDeposit(context.Background(),
		contracts.UseCaseAdditionalVerification, "requestor", "provider", big.NewInt(1000))
	require.NoError(t, err)
	assert.True(t, result.Satisfied())
}

func TestClaimDepositExactlyTwoLookups(t *testing.T) {
	ledger := &fakeLedger{balances: map[string]*big.Int{
		"requestor": big.NewInt(1),
		"provider":  big.NewInt(1000),
	}}
	gate := NewGate(ledger, 500)

	_, err := gate.ClaimDeposit(context.Background(),
		contracts.UseCaseAdditionalVerification, "requestor", "provider", big.NewInt(1000))
	require.NoError(t, err)
	assert.Equal(t, []string{"requestor", "provider"}, ledger.calls)
}

func TestClaimDepositPreconditions(t *testing.T) {
	gate := NewGate(&fakeLedger{}, 500)
	ctx := context.Background()

	_, err := gate.ClaimDeposit(ctx, contracts.UseCase("FORCED_REPORT"), "a", "b", big.NewInt(1))
	assert.Error(t, err)

	_, err = gate.ClaimDeposit(ctx, contracts.UseCaseForcedAcceptance, "same", "same", big.NewInt(1))
	assert.Error(t, err)

	_, err = gate.ClaimDeposit(ctx, contracts.UseCaseForcedAcceptance, "a", "b", big.NewInt(0))
	assert.Error(t, err)

	_, err = gate.ClaimDeposit(ctx, contracts.UseCaseForcedAcceptance, "a", "b", nil)
	assert.Error(t, err)
}

func TestClaimDepositPropagatesNotSynchronized(t *testing.T) {
	gate := NewGate(&fakeLedger{err: ErrNotSynchronized}, 500)
	_, err := gate.ClaimDeposit(context.Background(),
		contracts.UseCaseForcedAcceptance, "a", "b", big.NewInt(1))
	assert.ErrorIs(t, err, ErrNotSynchronized)
}

func TestRPCLedgerClientParsesBalance(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "concent_getDepositBalance", req.Method)
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","result":"0x2a","id":1}`))
	}))
	defer srv.Close()

	client := NewRPCLedgerClient(srv.URL, time.Second)
	balance, err := client.GetDepositBalance(context.Background(), "0xabc")
	require.NoError(t, err)
	assert.Equal(t, int64(42), balance.Int64())
}

func TestRPCLedgerClientNotSynchronized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","error":{"code":-32001,"message":"syncing"},"id":1}`))
	}))
	defer srv.Close()

	client := NewRPCLedgerClient(srv.URL, time.Second)
	_, err := client.GetDepositBalance(context.Background(), "0xabc")
	assert.ErrorIs(t, err, ErrNotSynchronized)
}

func TestRPCLedgerClientRejectsGarbage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","result":"not-a-number","id":1}`))
	}))
	defer srv.Close()

	client := NewRPCLedgerClient(srv.URL, time.Second)
	_, err := client.GetDepositBalance(context.Background(), "0xabc")
	assert.Error(t, err)
}

package deposit

import (
	"context"
	"fmt"
	"math/big"

	"github.com/concent-network/concent/pkg/contracts"
)

// ClaimResult is the gate's verdict for one use case.
type ClaimResult struct {
	RequestorHasFunds bool
	ProviderHasFunds  bool
}

// Satisfied reports whether both sides of the claim are covered.
func (r ClaimResult) Satisfied() bool {
	return r.RequestorHasFunds && r.ProviderHasFunds
}

// Gate decides whether a deposit-backed use case may proceed. It performs
// exactly two balance lookups per call, keeps no cache and has no side
// effects; callers decide what a negative result means for their use
// case.
type Gate struct {
	ledger LedgerClient
	// additionalVerificationCost is the fixed pre-paid fee charged to a
	// provider requesting additional verification.
	additionalVerificationCost *big.Int
}

// NewGate builds a gate over the given ledger client.
func NewGate(ledger LedgerClient, additionalVerificationCost uint64) *Gate {
	return &Gate{
		ledger:                     ledger,
		additionalVerificationCost: new(big.Int).SetUint64(additionalVerificationCost),
	}
}

// LedgerBalance exposes a single balance lookup for the payment path,
// which needs the amount rather than a yes/no claim verdict.
func (g *Gate) LedgerBalance(ctx context.Context, address string) (*big.Int, error) {
	return g.ledger.GetDepositBalance(ctx, address)
}

// ClaimDeposit checks both parties' escrow balances for the given use
// case.
//
// The two sides are deliberately asymmetric. The requestor's claim backs
// work the provider has already performed, so any positive balance counts:
// a partial payment is strictly better for the provider than nothing, and
// the reimbursed amount is capped at the balance elsewhere. The
// provider's claim (additional verification only) is a pre-paid service
// fee and must be covered in full; for forced acceptance the provider is
// not charged at all.
//
// A ledger that is not synchronized surfaces as ErrNotSynchronized:
// balances are unknown, not insufficient.
func (g *Gate) ClaimDeposit(ctx context.Context, useCase contracts.UseCase, requestorAddress, providerAddress string, subtaskCost *big.Int) (ClaimResult, error) {
	switch useCase {
	case contracts.UseCaseForcedAcceptance, contracts.UseCaseAdditionalVerification:
	default:
		return ClaimResult{}, fmt.Errorf("deposit: use case %q is not deposit-backed", useCase)
	}
	if requestorAddress == providerAddress {
		return ClaimResult{}, fmt.Errorf("deposit: requestor and provider share address %s", requestorAddress)
	}
	if subtaskCost == nil || subtaskCost.Sign() <= 0 {
		return ClaimResult{}, fmt.Errorf("deposit: subtask cost must be positive, got %v", subtaskCost)
	}

	requestorBalance, err := g.ledger.GetDepositBalance(ctx, requestorAddress)
	if err != nil {
		return ClaimResult{}, err
	}
	providerBalance, err := g.ledger.GetDepositBalance(ctx, providerAddress)
	if err != nil {
		return ClaimResult{}, err
	}

	result := ClaimResult{
		// Partial satisfaction: any positive deposit backs the claim.
		RequestorHasFunds: requestorBalance.Sign() > 0,
		ProviderHasFunds:  true,
	}
	if useCase == contracts.UseCaseAdditionalVerification {
		// Pre-paid service: the fixed fee must be covered in full.
		result.ProviderHasFunds = providerBalance.Cmp(g.additionalVerificationCost) >= 0
	}
	return result, nil
}

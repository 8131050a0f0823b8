package arbitration

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"

	"github.com/concent-network/concent/pkg/contracts"
	"github.com/concent-network/concent/pkg/deposit"
)

// ForcePaymentRequest is a provider's claim for overdue payment over a
// batch of accepted subtasks. Not scoped to a single subtask: the queued
// payment notifications carry no subtask id.
type ForcePaymentRequest struct {
	ProviderKey      string
	RequestorKey     string
	ProviderAddress  string
	RequestorAddress string
	ProtocolVersion  string
	// Acceptances are the signed results-accepted documents whose
	// payment deadline has passed. Each carries the agreed price.
	Acceptances []*contracts.Document
}

// ForcePayment settles a provider's overdue-payment claim out of the
// requestor's escrow deposit. The requestor's claim may be satisfied
// partially: any positive balance pays out, capped at what is available,
// because partial payment beats no payment for work already delivered.
// Both parties are queued a payment-committed notice documenting the
// settlement.
func (o *Orchestrator) ForcePayment(ctx context.Context, req ForcePaymentRequest) error {
	if len(req.Acceptances) == 0 {
		return contracts.NewClientError("no-acceptances", "forced payment requires at least one acceptance")
	}
	if req.ProviderAddress == req.RequestorAddress {
		return contracts.NewClientError("same-party", "provider and requestor must differ")
	}

	now := o.clock().UTC()
	total := new(big.Int)
	for _, acc := range req.Acceptances {
		if acc.Kind != contracts.DocResultsAccepted {
			return contracts.NewClientError("wrong-document", "forced payment accepts only results-accepted documents, got %s", acc.Kind)
		}
		if acc.SignerKey != req.RequestorKey {
			return contracts.NewClientError("wrong-signer", "acceptance for subtask %s was not signed by the requestor", acc.SubtaskID)
		}
		if contracts.MajorVersion(acc.ProtocolVersion) != contracts.MajorVersion(req.ProtocolVersion) {
			return contracts.NewClientError("protocol-mismatch",
				"acceptance for subtask %s uses protocol %s, claim uses %s", acc.SubtaskID, acc.ProtocolVersion, req.ProtocolVersion)
		}
		if acc.Price == 0 {
			return contracts.NewClientError("missing-price", "acceptance for subtask %s carries no price", acc.SubtaskID)
		}
		if acc.SignedAt.IsZero() {
			return contracts.NewClientError("missing-timestamp", "acceptance for subtask %s carries no timestamp", acc.SubtaskID)
		}
		if dueAt := acc.SignedAt.Add(o.profile.PaymentDueTime); now.Before(dueAt) {
			return contracts.NewClientError("payment-not-due",
				"payment for subtask %s is due at %s", acc.SubtaskID, dueAt.Format(time.RFC3339))
		}
		total.Add(total, new(big.Int).SetUint64(acc.Price))
	}

	gateCtx, cancel := context.WithTimeout(ctx, o.gateTimeout)
	balance, err := o.gateLedgerBalance(gateCtx, req.RequestorAddress)
	cancel()
	if err != nil {
		return err
	}
	if balance.Sign() == 0 {
		return fmt.Errorf("requestor deposit empty: %w", contracts.ErrServiceUnavailable)
	}

	// Cap at the available deposit.
	paid := new(big.Int).Set(total)
	if balance.Cmp(paid) < 0 {
		paid.Set(balance)
	}
	if !paid.IsUint64() {
		return contracts.NewClientError("claim-overflow", "settled amount %s exceeds the payable range", paid.String())
	}

	info := &contracts.PaymentInfo{
		AmountPaid:       paid.Uint64(),
		RecipientAddress: req.ProviderAddress,
		TransactionID:    uuid.New().String(),
		PaymentTimestamp: now,
	}
	o.logger.InfoContext(ctx, "forced payment committed",
		"provider", req.ProviderKey, "requestor", req.RequestorKey,
		"claimed", total.String(), "paid", paid.String(), "settlement_id", info.TransactionID)

	return o.inTransaction(ctx, "force_payment", func(tx *sql.Tx) error {
		if err := o.mailbox.Enqueue(ctx, tx, req.ProviderKey, contracts.ResponsePaymentCommitted,
			"", req.ProtocolVersion, info); err != nil {
			return err
		}
		return o.mailbox.Enqueue(ctx, tx, req.RequestorKey, contracts.ResponsePaymentCommitted,
			"", req.ProtocolVersion, info)
	})
}

func (o *Orchestrator) gateLedgerBalance(ctx context.Context, address string) (*big.Int, error) {
	balance, err := o.gate.LedgerBalance(ctx, address)
	if err != nil {
		if errors.Is(err, deposit.ErrNotSynchronized) || errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("ledger unavailable: %w", contracts.ErrServiceUnavailable)
		}
		return nil, err
	}
	return balance, nil
}

package arbitration

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/concent-network/concent/pkg/contracts"
	"github.com/concent-network/concent/pkg/deposit"
)

// ForceReport handles a provider forcing a computation report on an
// unresponsive requestor. First contact for a dispute: creates the
// subtask in FORCING_REPORT and queues the report for the requestor.
func (o *Orchestrator) ForceReport(ctx context.Context, report *contracts.Document, requestorKey string, computationDeadline time.Time) error {
	if report.Kind != contracts.DocComputationReport {
		return contracts.NewClientError("wrong-document", "force report requires a computation report, got %s", report.Kind)
	}
	now := o.clock()
	reportWindow := computationDeadline.Add(o.profile.ConcentMessagingTime)
	if now.After(reportWindow) {
		return contracts.NewClientError("report-window-closed",
			"computation deadline %s passed more than the messaging window ago", computationDeadline.Format(time.RFC3339))
	}

	if _, err := o.subtasks.GetOrCreateClient(ctx, report.SignerKey); err != nil {
		return err
	}
	if _, err := o.subtasks.GetOrCreateClient(ctx, requestorKey); err != nil {
		return err
	}

	return o.inTransaction(ctx, "force_report", func(tx *sql.Tx) error {
		nextDeadline := reportWindow
		sub := &contracts.Subtask{
			TaskID:              report.TaskID,
			SubtaskID:           report.SubtaskID,
			ProtocolVersion:     report.ProtocolVersion,
			ProviderKey:         report.SignerKey,
			RequestorKey:        requestorKey,
			State:               contracts.StateForcingReport,
			ComputationDeadline: computationDeadline.UTC(),
			NextDeadline:        &nextDeadline,
			ResultPackageSize:   report.Size,
		}
		created, existing, err := o.subtasks.Create(ctx, tx, sub)
		if err != nil {
			return err
		}
		if !created {
			// A racing or retried request already established the
			// dispute; the original outcome is waiting in the mailbox.
			return contracts.NewConflictError("report-already-forced",
				"subtask %s already in dispute (state %s)", existing.SubtaskID, existing.State)
		}
		if err := o.subtasks.AppendDocument(ctx, tx, sub, report); err != nil {
			return err
		}
		return o.mailbox.Enqueue(ctx, tx, requestorKey, contracts.ResponseForceReport,
			sub.SubtaskID, sub.ProtocolVersion, nil)
	})
}

// AckReport handles the requestor acknowledging a forced computation
// report before the deadline. Settles the report phase at REPORTED.
func (o *Orchestrator) AckReport(ctx context.Context, ack *contracts.Document) error {
	if ack.Kind != contracts.DocReportAcknowledged {
		return contracts.NewClientError("wrong-document", "expected a report acknowledgement, got %s", ack.Kind)
	}
	return o.settleReport(ctx, ack, contracts.ResponseReportAcknowledged)
}

// RejectReport handles the requestor rejecting a forced computation
// report. The report phase is still settled at REPORTED; the rejection
// document is evidence for any later dispute over the results.
func (o *Orchestrator) RejectReport(ctx context.Context, rejection *contracts.Document) error {
	if rejection.Kind != contracts.DocReportRejected {
		return contracts.NewClientError("wrong-document", "expected a report rejection, got %s", rejection.Kind)
	}
	return o.settleReport(ctx, rejection, contracts.ResponseReportRejected)
}

func (o *Orchestrator) settleReport(ctx context.Context, doc *contracts.Document, notice contracts.ResponseType) error {
	return o.inTransaction(ctx, "settle_report", func(tx *sql.Tx) error {
		sub, err := o.subtasks.GetForUpdate(ctx, tx, doc.SubtaskID, doc.ProtocolVersion)
		if err != nil {
			return err
		}
		if doc.SignerKey != sub.RequestorKey {
			return contracts.NewClientError("wrong-signer", "report response must come from the requestor")
		}
		if sub.State == contracts.StateForcingReport && sub.NextDeadline != nil && o.clock().After(*sub.NextDeadline) {
			// The window elapsed; the sweep settles this one.
			return contracts.NewClientError("response-window-closed", "response window for subtask %s has elapsed", sub.SubtaskID)
		}
		if err := o.transition(ctx, tx, sub, contracts.StateReported, nil); err != nil {
			return mapAlreadyInState(err, "report-already-settled", "report phase already settled")
		}
		if err := o.subtasks.AppendDocument(ctx, tx, sub, doc); err != nil {
			return err
		}
		return o.mailbox.Enqueue(ctx, tx, sub.ProviderKey, notice, sub.SubtaskID, sub.ProtocolVersion, nil)
	})
}

// ForceResultTransfer handles a requestor who claims never to have
// received the computed results: the mediator demands an upload from the
// provider. Exactly one of any racing duplicates performs the
// transition; the rest get an "already in progress" conflict.
func (o *Orchestrator) ForceResultTransfer(ctx context.Context, demand *contracts.Document) error {
	if demand.Kind != contracts.DocComputationReport {
		return contracts.NewClientError("wrong-document", "forced result transfer accepts only computation reports, got %s", demand.Kind)
	}
	return o.inTransaction(ctx, "force_result_transfer", func(tx *sql.Tx) error {
		sub, err := o.subtasks.GetForUpdate(ctx, tx, demand.SubtaskID, demand.ProtocolVersion)
		if err != nil {
			return err
		}
		if demand.SignerKey != sub.RequestorKey {
			return contracts.NewClientError("wrong-signer", "only the requestor may force result transfer")
		}
		if demand.Size > 0 {
			sub.ResultPackageSize = demand.Size
		}

		uploadWindow := o.profile.ConcentMessagingTime + o.calc.DownloadBudget(sub.ResultPackageSize)
		nextDeadline := o.clock().UTC().Add(uploadWindow)
		if err := o.transition(ctx, tx, sub, contracts.StateForcingResultTransfer, &nextDeadline); err != nil {
			return mapAlreadyInState(err, "transfer-already-forced", "result transfer already in progress")
		}
		if err := o.subtasks.AppendDocument(ctx, tx, sub, demand); err != nil {
			return err
		}
		return o.mailbox.Enqueue(ctx, tx, sub.ProviderKey, contracts.ResponseResultUploadDemand,
			sub.SubtaskID, sub.ProtocolVersion, nil)
	})
}

// ResultUploaded records the storage cluster's confirmation that the
// provider uploaded the demanded result package. The subtask parks in
// RESULT_UPLOADED; its download deadline is a computed projection, not a
// stored column.
func (o *Orchestrator) ResultUploaded(ctx context.Context, subtaskID, protocolVersion string, packageSize uint64) error {
	return o.inTransaction(ctx, "result_uploaded", func(tx *sql.Tx) error {
		sub, err := o.subtasks.GetForUpdate(ctx, tx, subtaskID, protocolVersion)
		if err != nil {
			return err
		}
		if packageSize > 0 {
			sub.ResultPackageSize = packageSize
		}
		if err := o.transition(ctx, tx, sub, contracts.StateResultUploaded, nil); err != nil {
			return mapAlreadyInState(err, "upload-already-recorded", "result upload already recorded")
		}
		return o.mailbox.Enqueue(ctx, tx, sub.RequestorKey, contracts.ResponseResultDownloadReady,
			sub.SubtaskID, sub.ProtocolVersion, nil)
	})
}

// ForceAcceptance handles a provider whose delivered results the
// requestor neither accepted nor rejected. Admission is deposit-backed:
// the requestor must hold any positive escrow balance. If the requestor
// stays silent through the acceptance window, silence defaults in the
// provider's favor.
func (o *Orchestrator) ForceAcceptance(ctx context.Context, demand *contracts.Document, requestorAddress, providerAddress string) error {
	if demand.Kind != contracts.DocTaskOffer {
		return contracts.NewClientError("wrong-document", "forced acceptance accepts only task offers, got %s", demand.Kind)
	}
	if demand.Price == 0 {
		return contracts.NewClientError("missing-price", "forced acceptance requires the agreed subtask price")
	}
	return o.inTransaction(ctx, "force_acceptance", func(tx *sql.Tx) error {
		sub, err := o.subtasks.GetForUpdate(ctx, tx, demand.SubtaskID, demand.ProtocolVersion)
		if err != nil {
			return err
		}
		if demand.SignerKey != sub.ProviderKey {
			return contracts.NewClientError("wrong-signer", "only the provider may force acceptance")
		}

		claim, err := o.claimDeposit(ctx, contracts.UseCaseForcedAcceptance,
			requestorAddress, providerAddress, new(big.Int).SetUint64(demand.Price))
		if err != nil {
			return err
		}
		if !claim.Satisfied() {
			return fmt.Errorf("requestor deposit empty: %w", contracts.ErrServiceUnavailable)
		}

		nextDeadline := o.clock().UTC().Add(o.profile.ForceAcceptanceTime)
		if err := o.transition(ctx, tx, sub, contracts.StateForcingAcceptance, &nextDeadline); err != nil {
			return mapAlreadyInState(err, "acceptance-already-forced", "acceptance already being forced")
		}
		if err := o.subtasks.AppendDocument(ctx, tx, sub, demand); err != nil {
			return err
		}
		return o.mailbox.Enqueue(ctx, tx, sub.RequestorKey, contracts.ResponseAcceptanceDemand,
			sub.SubtaskID, sub.ProtocolVersion, nil)
	})
}

// AcceptResults settles a forced acceptance with the requestor's
// explicit acceptance.
func (o *Orchestrator) AcceptResults(ctx context.Context, acceptance *contracts.Document) error {
	if acceptance.Kind != contracts.DocResultsAccepted {
		return contracts.NewClientError("wrong-document", "expected a results acceptance, got %s", acceptance.Kind)
	}
	return o.inTransaction(ctx, "accept_results", func(tx *sql.Tx) error {
		sub, err := o.subtasks.GetForUpdate(ctx, tx, acceptance.SubtaskID, acceptance.ProtocolVersion)
		if err != nil {
			return err
		}
		if acceptance.SignerKey != sub.RequestorKey {
			return contracts.NewClientError("wrong-signer", "only the requestor may accept results")
		}
		if err := o.transition(ctx, tx, sub, contracts.StateAccepted, nil); err != nil {
			return mapAlreadyInState(err, "already-settled", "subtask already settled")
		}
		if err := o.subtasks.AppendDocument(ctx, tx, sub, acceptance); err != nil {
			return err
		}
		return o.notifyBoth(ctx, tx, sub, contracts.ResponseAcceptanceSettled)
	})
}

// RejectResults settles a forced acceptance with the requestor's
// rejection. Terminal for the forced-acceptance path; the provider's
// remaining recourse is additional verification, which must be requested
// before the rejection is final.
func (o *Orchestrator) RejectResults(ctx context.Context, rejection *contracts.Document) error {
	if rejection.Kind != contracts.DocResultsRejected {
		return contracts.NewClientError("wrong-document", "expected a results rejection, got %s", rejection.Kind)
	}
	return o.inTransaction(ctx, "reject_results", func(tx *sql.Tx) error {
		sub, err := o.subtasks.GetForUpdate(ctx, tx, rejection.SubtaskID, rejection.ProtocolVersion)
		if err != nil {
			return err
		}
		if rejection.SignerKey != sub.RequestorKey {
			return contracts.NewClientError("wrong-signer", "only the requestor may reject results")
		}
		if err := o.transition(ctx, tx, sub, contracts.StateRejected, nil); err != nil {
			return mapAlreadyInState(err, "already-settled", "subtask already settled")
		}
		if err := o.subtasks.AppendDocument(ctx, tx, sub, rejection); err != nil {
			return err
		}
		return o.notifyBoth(ctx, tx, sub, contracts.ResponseResultsRejected)
	})
}

// claimDeposit runs the gate under its own bounded timeout; the subtask
// row lock is held while it runs, so a slow ledger aborts the whole
// transaction rather than holding the lock open.
func (o *Orchestrator) claimDeposit(ctx context.Context, useCase contracts.UseCase, requestorAddress, providerAddress string, cost *big.Int) (deposit.ClaimResult, error) {
	gateCtx, cancel := context.WithTimeout(ctx, o.gateTimeout)
	defer cancel()
	claim, err := o.gate.ClaimDeposit(gateCtx, useCase, requestorAddress, providerAddress, cost)
	if err != nil {
		if errors.Is(err, deposit.ErrNotSynchronized) || errors.Is(err, context.DeadlineExceeded) {
			// Balances unknown, not insufficient: mediator unavailable.
			return deposit.ClaimResult{}, fmt.Errorf("ledger unavailable: %w", contracts.ErrServiceUnavailable)
		}
		return deposit.ClaimResult{}, err
	}
	return claim, nil
}

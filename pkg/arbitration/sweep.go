package arbitration

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/concent-network/concent/pkg/contracts"
)

// timeoutOutcome maps each active state to where an expired deadline
// drives the subtask and what both parties are told. The outcome is
// per-state: a missing passive acknowledgement defaults in the
// requesting party's favor, an undelivered upload fails the dispute, and
// a verification the pipeline never finished cannot be held against the
// provider.
type timeoutOutcome struct {
	target contracts.SubtaskState
	notice contracts.ResponseType
}

var timeoutOutcomes = map[contracts.SubtaskState]timeoutOutcome{
	contracts.StateForcingReport:            {contracts.StateReported, contracts.ResponseReportAcknowledged},
	contracts.StateForcingResultTransfer:    {contracts.StateFailed, contracts.ResponseResultTransferFailed},
	contracts.StateForcingAcceptance:        {contracts.StateAccepted, contracts.ResponseAcceptanceSettled},
	contracts.StateVerificationFileTransfer: {contracts.StateFailed, contracts.ResponseResultTransferFailed},
	contracts.StateAdditionalVerification:   {contracts.StateAccepted, contracts.ResponseAcceptanceSettled},
}

// SweepOverdue re-evaluates every active subtask whose deadline has
// passed and drives it to its timeout outcome, notifying both parties
// exactly once. Called periodically by the scheduler; safe to run
// concurrently with client requests, because each subtask is re-checked
// under its row lock.
func (o *Orchestrator) SweepOverdue(ctx context.Context) (int, error) {
	now := o.clock().UTC()
	overdue, err := o.subtasks.Overdue(ctx, now)
	if err != nil {
		return 0, err
	}

	swept := 0
	for _, stale := range overdue {
		settled := false
		err := o.inTransaction(ctx, "sweep", func(tx *sql.Tx) error {
			settled = false
			sub, err := o.subtasks.GetForUpdate(ctx, tx, stale.SubtaskID, stale.ProtocolVersion)
			if err != nil {
				return err
			}
			// A racing client request may have settled it since the
			// overdue scan; only the caller that sees the stale state
			// sweeps it.
			if sub.NextDeadline == nil || sub.NextDeadline.After(now) {
				return nil
			}
			outcome, ok := timeoutOutcomes[sub.State]
			if !ok {
				return fmt.Errorf("arbitration: subtask %s carries deadline in passive state %s", sub.SubtaskID, sub.State)
			}
			if err := o.transition(ctx, tx, sub, outcome.target, nil); err != nil {
				return err
			}
			settled = true
			return o.notifyBoth(ctx, tx, sub, outcome.notice)
		})
		if err != nil {
			// One stuck subtask must not starve the rest of the sweep.
			o.logger.ErrorContext(ctx, "sweep failed for subtask",
				"subtask_id", stale.SubtaskID, "error", err)
			continue
		}
		if settled {
			swept++
		}
	}
	return swept, nil
}

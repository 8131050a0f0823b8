package arbitration

import (
	"context"
	"database/sql"
	"errors"

	"github.com/concent-network/concent/pkg/contracts"
	"github.com/concent-network/concent/pkg/subtask"
)

// OnVerificationResult consumes the pipeline's asynchronous verdict for
// one subtask. The pipeline delivers at least once, so this must be
// idempotent and must never crash the consumer: a callback for a subtask
// no longer in ADDITIONAL_VERIFICATION is logged and dropped.
//
// MATCH vindicates the provider; MISMATCH upholds the rejection; ERROR
// also settles in the provider's favor, because the mediator cannot
// penalize the provider for its own infrastructure failing.
func (o *Orchestrator) OnVerificationResult(ctx context.Context, subtaskID string, outcome contracts.VerificationOutcome, detail string) error {
	if !outcome.Valid() {
		return contracts.NewClientError("unknown-outcome", "unknown verification outcome %q", outcome)
	}
	err := o.inTransaction(ctx, "verification_result", func(tx *sql.Tx) error {
		sub, err := o.subtasks.GetForUpdateByID(ctx, tx, subtaskID)
		if err != nil {
			return err
		}
		if sub.State != contracts.StateAdditionalVerification {
			if sub.State.IsTerminal() {
				o.logger.WarnContext(ctx, "verification result for settled subtask dropped",
					"subtask_id", subtaskID, "state", string(sub.State), "outcome", string(outcome))
			} else {
				o.logger.ErrorContext(ctx, "verification result for subtask outside verification",
					"subtask_id", subtaskID, "state", string(sub.State), "outcome", string(outcome))
			}
			return nil
		}

		switch outcome {
		case contracts.VerificationMatch:
			if err := o.transition(ctx, tx, sub, contracts.StateAccepted, nil); err != nil {
				return err
			}
			return o.notifyBoth(ctx, tx, sub, contracts.ResponseAcceptanceSettled)
		case contracts.VerificationMismatch:
			if err := o.transition(ctx, tx, sub, contracts.StateFailed, nil); err != nil {
				return err
			}
			return o.notifyBoth(ctx, tx, sub, contracts.ResponseVerificationResults)
		default: // contracts.VerificationError
			o.logger.ErrorContext(ctx, "verification pipeline failed, settling for provider",
				"subtask_id", subtaskID, "detail", detail)
			if err := o.transition(ctx, tx, sub, contracts.StateAccepted, nil); err != nil {
				return err
			}
			return o.notifyBoth(ctx, tx, sub, contracts.ResponseAcceptanceSettled)
		}
	})
	if errors.Is(err, subtask.ErrNotFound) {
		// At-least-once delivery can outlive data retention.
		o.logger.WarnContext(ctx, "verification result for unknown subtask dropped", "subtask_id", subtaskID)
		return nil
	}
	return err
}

package arbitration

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"
	"time"

	"github.com/concent-network/concent/pkg/contracts"
)

// AdditionalVerification handles a provider disputing a rejection the
// requestor sent directly: the provider pre-pays a fixed fee and the
// mediator re-renders and compares the results itself. The subtask may
// be unknown to the mediator at this point (the whole exchange can have
// happened off-mediator), so this is a get-or-create path.
func (o *Orchestrator) AdditionalVerification(ctx context.Context, request *contracts.Document, requestorKey, requestorAddress, providerAddress string, computationDeadline time.Time) error {
	if request.Kind != contracts.DocVerificationRequest {
		return contracts.NewClientError("wrong-document", "expected a verification request, got %s", request.Kind)
	}
	if request.SourcePackagePath == "" || request.ResultPackagePath == "" {
		return contracts.NewClientError("missing-paths", "verification request must name both package paths")
	}
	if request.Price == 0 {
		return contracts.NewClientError("missing-price", "verification request requires the agreed subtask price")
	}

	if _, err := o.subtasks.GetOrCreateClient(ctx, request.SignerKey); err != nil {
		return err
	}
	if _, err := o.subtasks.GetOrCreateClient(ctx, requestorKey); err != nil {
		return err
	}

	return o.inTransaction(ctx, "additional_verification", func(tx *sql.Tx) error {
		claim, err := o.claimDeposit(ctx, contracts.UseCaseAdditionalVerification,
			requestorAddress, providerAddress, new(big.Int).SetUint64(request.Price))
		if err != nil {
			return err
		}
		if !claim.ProviderHasFunds {
			// The verification fee is pre-paid and must be covered in full.
			return fmt.Errorf("provider deposit below verification fee: %w", contracts.ErrServiceUnavailable)
		}
		if !claim.RequestorHasFunds {
			return fmt.Errorf("requestor deposit empty: %w", contracts.ErrServiceUnavailable)
		}

		// Window for uploading both packages for re-rendering.
		uploadWindow := o.profile.ConcentMessagingTime + 2*o.calc.DownloadBudget(request.Size)
		nextDeadline := o.clock().UTC().Add(uploadWindow)

		sub := &contracts.Subtask{
			TaskID:              request.TaskID,
			SubtaskID:           request.SubtaskID,
			ProtocolVersion:     request.ProtocolVersion,
			ProviderKey:         request.SignerKey,
			RequestorKey:        requestorKey,
			State:               contracts.StateVerificationFileTransfer,
			ComputationDeadline: computationDeadline.UTC(),
			NextDeadline:        &nextDeadline,
			ResultPackageSize:   request.Size,
		}
		created, existing, err := o.subtasks.Create(ctx, tx, sub)
		if err != nil {
			return err
		}
		if !created {
			if request.SignerKey != existing.ProviderKey {
				return contracts.NewClientError("wrong-signer", "only the provider may request additional verification")
			}
			// Size must land before the transition persists the row; the
			// verification window is computed from it later.
			existing.ResultPackageSize = request.Size
			if err := o.transition(ctx, tx, existing, contracts.StateVerificationFileTransfer, &nextDeadline); err != nil {
				return mapAlreadyInState(err, "verification-already-requested", "additional verification already in progress")
			}
			sub = existing
		}
		return o.subtasks.AppendDocument(ctx, tx, sub, request)
	})
}

// VerificationFilesUploaded is called once the conductor has
// acknowledged both package uploads: the subtask enters
// ADDITIONAL_VERIFICATION and the rendering order goes to the pipeline.
// The handoff is idempotent, so a crash between commit and queue
// submission is repaired by retrying this call.
func (o *Orchestrator) VerificationFilesUploaded(ctx context.Context, subtaskID, protocolVersion string) error {
	return o.inTransaction(ctx, "verification_files_uploaded", func(tx *sql.Tx) error {
		sub, err := o.subtasks.GetForUpdate(ctx, tx, subtaskID, protocolVersion)
		if err != nil {
			return err
		}

		window := o.calc.VerificationWindow(sub.ResultPackageSize)
		if m := o.profile.AdditionalVerificationTimeMultiplier; m > 0 {
			window = time.Duration(float64(window) * m)
		}
		nextDeadline := o.clock().UTC().Add(window)
		if err := o.transition(ctx, tx, sub, contracts.StateAdditionalVerification, &nextDeadline); err != nil {
			return mapAlreadyInState(err, "verification-already-running", "verification already running")
		}

		request, err := o.subtasks.LatestDocumentTx(ctx, tx, sub.SubtaskID, sub.ProtocolVersion, contracts.DocVerificationRequest)
		if err != nil {
			return fmt.Errorf("arbitration: subtask %s entered verification without a request document: %w", sub.SubtaskID, err)
		}

		// Outbound request while holding the row lock: bounded, and a
		// failure aborts the whole transaction.
		pipeCtx, cancel := context.WithTimeout(ctx, o.pipelineTimeout)
		defer cancel()
		return o.handoff.RequestVerification(pipeCtx, request, nextDeadline)
	})
}

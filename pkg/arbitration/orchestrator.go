// Package arbitration implements the use-case handlers that drive a
// dispute: forcing a computation report, forcing result transfer,
// forcing acceptance, additional verification and forced payment, plus
// the deadline sweep and the verification-result consumer. Every handler
// runs its state change, evidence append and mailbox writes in one
// storage transaction.
package arbitration

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/concent-network/concent/pkg/config"
	"github.com/concent-network/concent/pkg/contracts"
	"github.com/concent-network/concent/pkg/deadline"
	"github.com/concent-network/concent/pkg/deposit"
	"github.com/concent-network/concent/pkg/mailbox"
	"github.com/concent-network/concent/pkg/observability"
	"github.com/concent-network/concent/pkg/subtask"
	"github.com/concent-network/concent/pkg/verification"
)

// Orchestrator combines the state machine, mailbox, claim gate and
// verification handoff under transactional guarantees. It is the only
// caller of the transition primitive.
type Orchestrator struct {
	db       *sql.DB
	machine  *subtask.Machine
	subtasks *subtask.Store
	mailbox  *mailbox.Store
	gate     *deposit.Gate
	handoff  *verification.Handoff

	calc    *deadline.Calculator
	profile *config.ProtocolProfile
	backoff subtask.BackoffPolicy

	gateTimeout     time.Duration
	pipelineTimeout time.Duration

	clock  func() time.Time
	logger *slog.Logger
	obs    *observability.Provider
}

// Deps are the orchestrator's collaborators, constructed once at process
// start and passed by reference.
type Deps struct {
	DB       *sql.DB
	Machine  *subtask.Machine
	Subtasks *subtask.Store
	Mailbox  *mailbox.Store
	Gate     *deposit.Gate
	Handoff  *verification.Handoff
	Profile  *config.ProtocolProfile
	Backoff  subtask.BackoffPolicy
	Logger   *slog.Logger
	Obs      *observability.Provider

	GateTimeout     time.Duration
	PipelineTimeout time.Duration
}

// New builds an orchestrator.
func New(d Deps) *Orchestrator {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Backoff.Attempts == 0 {
		d.Backoff = subtask.DefaultBackoffPolicy()
	}
	if d.GateTimeout == 0 {
		d.GateTimeout = 10 * time.Second
	}
	if d.PipelineTimeout == 0 {
		d.PipelineTimeout = 10 * time.Second
	}
	return &Orchestrator{
		db:              d.DB,
		machine:         d.Machine,
		subtasks:        d.Subtasks,
		mailbox:         d.Mailbox,
		gate:            d.Gate,
		handoff:         d.Handoff,
		calc:            deadline.NewCalculator(d.Profile),
		profile:         d.Profile,
		backoff:         d.Backoff,
		gateTimeout:     d.GateTimeout,
		pipelineTimeout: d.PipelineTimeout,
		clock:           time.Now,
		logger:          d.Logger.With("component", "arbitration"),
		obs:             d.Obs,
	}
}

// WithClock overrides the clock for deterministic testing.
func (o *Orchestrator) WithClock(clock func() time.Time) *Orchestrator {
	o.clock = clock
	return o
}

// inTransaction runs fn inside one transaction, retrying the whole
// transaction on transient storage errors per the backoff policy. Client
// errors and conflicts pass through untouched.
func (o *Orchestrator) inTransaction(ctx context.Context, name string, fn func(tx *sql.Tx) error) error {
	start := o.clock()
	err := subtask.WithRetry(ctx, o.backoff, func() error {
		tx, err := o.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("arbitration: failed to begin tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if err := fn(tx); err != nil {
			return err
		}
		return tx.Commit()
	})
	if o.obs != nil {
		o.obs.Record(ctx, name, o.clock().Sub(start), err)
	}
	return err
}

// transition validates and applies one state change on a locked subtask.
// ErrAlreadyInState passes through for the caller to map onto its
// use-case outcome.
func (o *Orchestrator) transition(ctx context.Context, tx *sql.Tx, sub *contracts.Subtask, to contracts.SubtaskState, nextDeadline *time.Time) error {
	if err := o.machine.ValidateTransition(sub.State, to); err != nil {
		return err
	}
	from := sub.State
	sub.State = to
	sub.NextDeadline = nextDeadline
	if err := o.subtasks.UpdateState(ctx, tx, sub); err != nil {
		sub.State = from
		return err
	}
	o.logger.InfoContext(ctx, "subtask transitioned",
		"subtask_id", sub.SubtaskID, "from", string(from), "to", string(to))
	return nil
}

// notifyBoth queues the same response type to both parties of a subtask.
func (o *Orchestrator) notifyBoth(ctx context.Context, tx *sql.Tx, sub *contracts.Subtask, rt contracts.ResponseType) error {
	if err := o.mailbox.Enqueue(ctx, tx, sub.ProviderKey, rt, sub.SubtaskID, sub.ProtocolVersion, nil); err != nil {
		return err
	}
	return o.mailbox.Enqueue(ctx, tx, sub.RequestorKey, rt, sub.SubtaskID, sub.ProtocolVersion, nil)
}

// DownloadDeadline is the read-only timing projection for a subtask whose
// result has been uploaded: the moment by which the requestor must have
// been able to download it. Computed, never stored.
func (o *Orchestrator) DownloadDeadline(sub *contracts.Subtask) time.Time {
	return o.calc.DownloadDeadline(sub.ComputationDeadline, sub.ResultPackageSize)
}

// mapAlreadyInState turns the transition primitive's same-state signal
// into the use case's "already in progress" outcome.
func mapAlreadyInState(err error, code, detail string) error {
	if errors.Is(err, subtask.ErrAlreadyInState) {
		return contracts.NewConflictError(code, "%s", detail)
	}
	return err
}

// Command concent runs the arbitration core daemon: the deadline sweep
// and the verification-result consumer. The HTTP transport and the file
// gatekeeper are separate services that call into this core's packages.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/concent-network/concent/pkg/arbitration"
	"github.com/concent-network/concent/pkg/config"
	"github.com/concent-network/concent/pkg/deposit"
	"github.com/concent-network/concent/pkg/mailbox"
	"github.com/concent-network/concent/pkg/observability"
	"github.com/concent-network/concent/pkg/store"
	"github.com/concent-network/concent/pkg/subtask"
	"github.com/concent-network/concent/pkg/verification"
)

func main() {
	profilePath := flag.String("protocol-profile", "", "path to the protocol profile YAML; defaults to the reference constants")
	flag.Parse()

	cfg := config.Load()
	logger := observability.NewLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if err := run(cfg, *profilePath, logger); err != nil {
		logger.Error("concent exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, profilePath string, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	profile := config.DefaultProtocolProfile()
	if profilePath != "" {
		var err error
		if profile, err = config.LoadProtocolProfile(profilePath); err != nil {
			return err
		}
	}

	obs, err := observability.New(ctx, cfg.OTLPEndpoint)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutdownCtx)
	}()

	db, dialect, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	subtasks, err := subtask.NewStore(db, dialect)
	if err != nil {
		return err
	}
	outbox, err := mailbox.NewStore(db, dialect)
	if err != nil {
		return err
	}
	queue := verification.NewQueue(cfg.RedisAddr, cfg.PipelineTimeout)
	handoff, err := verification.NewHandoff(db, dialect, queue)
	if err != nil {
		return err
	}

	ledger := deposit.NewRPCLedgerClient(cfg.LedgerRPCURL, cfg.GateTimeout)
	gate := deposit.NewGate(ledger, profile.AdditionalVerificationCost)

	orch := arbitration.New(arbitration.Deps{
		DB:              db,
		Machine:         subtask.NewMachine(nil),
		Subtasks:        subtasks,
		Mailbox:         outbox,
		Gate:            gate,
		Handoff:         handoff,
		Profile:         profile,
		Backoff:         subtask.BackoffPolicy{Attempts: cfg.LockRetryCount, Delay: cfg.LockRetryBackoff},
		Logger:          logger,
		Obs:             obs,
		GateTimeout:     cfg.GateTimeout,
		PipelineTimeout: cfg.PipelineTimeout,
	})

	logger.Info("concent core started",
		"database", dialect, "profile", profile.Name, "sweep_interval", cfg.SweepInterval.String())

	go consumeResults(ctx, logger, queue, orch)

	ticker := time.NewTicker(cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("concent core stopping")
			return nil
		case <-ticker.C:
			swept, err := orch.SweepOverdue(ctx)
			if err != nil {
				logger.Error("deadline sweep failed", "error", err)
				continue
			}
			if swept > 0 {
				logger.Info("deadline sweep settled subtasks", "count", swept)
			}
		}
	}
}

// consumeResults drains the core lane: verification verdicts posted back
// by the verifier workers.
func consumeResults(ctx context.Context, logger *slog.Logger, queue *verification.Queue, orch *arbitration.Orchestrator) {
	for ctx.Err() == nil {
		task, err := queue.Receive(ctx, verification.LaneCore, 5*time.Second)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			logger.Error("core lane receive failed", "error", err)
			time.Sleep(time.Second)
			continue
		}
		if task == nil {
			continue
		}
		subtaskID, outcome, detail, err := verification.DecodeResult(task)
		if err != nil {
			logger.Error("dropping malformed verification result", "error", err)
			continue
		}
		if err := orch.OnVerificationResult(ctx, subtaskID, outcome, detail); err != nil {
			logger.Error("verification result handling failed",
				"subtask_id", subtaskID, "outcome", string(outcome), "error", err)
		}
	}
}

package arbitration

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"math"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/concent-network/concent/pkg/config"
	"github.com/concent-network/concent/pkg/contracts"
	"github.com/concent-network/concent/pkg/deposit"
	"github.com/concent-network/concent/pkg/mailbox"
	"github.com/concent-network/concent/pkg/store"
	"github.com/concent-network/concent/pkg/subtask"
	"github.com/concent-network/concent/pkg/verification"
)

type stubLedger struct {
	balances map[string]*big.Int
	err      error
}

func (s *stubLedger) GetDepositBalance(_ context.Context, address string) (*big.Int, error) {
	if s.err != nil {
		return nil, s.err
	}
	if b, ok := s.balances[address]; ok {
		return b, nil
	}
	return big.NewInt(0), nil
}

type stubSubmitter struct {
	tasks []verification.Task
	lanes []verification.Lane
}

func (s *stubSubmitter) Submit(_ context.Context, lane verification.Lane, task verification.Task) error {
	s.lanes = append(s.lanes, lane)
	s.tasks = append(s.tasks, task)
	return nil
}

type harness struct {
	o        *Orchestrator
	db       *sql.DB
	subtasks *subtask.Store
	mailbox  *mailbox.Store
	ledger   *stubLedger
	pipeline *stubSubmitter
	now      time.Time
}

func testProfile() *config.ProtocolProfile {
	return &config.ProtocolProfile{
		Name:                                 "test",
		ConcentMessagingTime:                 time.Hour,
		MinimumUploadRate:                    384,
		DownloadLeadinTime:                   3 * time.Second,
		ForceAcceptanceTime:                  2 * time.Hour,
		PaymentDueTime:                       time.Hour,
		AdditionalVerificationCost:           100,
		AdditionalVerificationTimeMultiplier: 2.0,
	}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db, dialect, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	subtasks, err := subtask.NewStore(db, dialect)
	require.NoError(t, err)
	mbx, err := mailbox.NewStore(db, dialect)
	require.NoError(t, err)
	pipeline := &stubSubmitter{}
	handoff, err := verification.NewHandoff(db, dialect, pipeline)
	require.NoError(t, err)
	ledger := &stubLedger{balances: map[string]*big.Int{}}

	h := &harness{
		db:       db,
		subtasks: subtasks,
		mailbox:  mbx,
		ledger:   ledger,
		pipeline: pipeline,
		now:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	h.o = New(Deps{
		DB:       db,
		Machine:  subtask.NewMachine(nil),
		Subtasks: subtasks,
		Mailbox:  mbx,
		Gate:     deposit.NewGate(ledger, testProfile().AdditionalVerificationCost),
		Handoff:  handoff,
		Profile:  testProfile(),
		Logger:   slog.New(slog.NewJSONHandler(io.Discard, nil)),
	}).WithClock(func() time.Time { return h.now })
	return h
}

func (h *harness) state(t *testing.T, subtaskID, version string) *contracts.Subtask {
	t.Helper()
	tx, err := h.db.BeginTx(context.Background(), nil)
	require.NoError(t, err)
	defer func() { _ = tx.Rollback() }()
	sub, err := h.subtasks.GetForUpdate(context.Background(), tx, subtaskID, version)
	require.NoError(t, err)
	return sub
}

func (h *harness) poll(t *testing.T, clientKey string) *contracts.PendingResponse {
	t.Helper()
	pr, err := h.mailbox.Poll(context.Background(), clientKey, "2.15.0")
	require.NoError(t, err)
	return pr
}

func computationReport(subtaskID string) *contracts.Document {
	return &contracts.Document{
		Kind:            contracts.DocComputationReport,
		TaskID:          "task-1",
		SubtaskID:       subtaskID,
		ProtocolVersion: "2.15.0",
		SignerKey:       "provider",
		Size:            1024,
	}
}

// forceReported drives a fresh subtask to REPORTED.
func (h *harness) forceReported(t *testing.T, subtaskID string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, h.o.ForceReport(ctx, computationReport(subtaskID), "requestor", h.now.Add(-30*time.Minute)))
	ack := &contracts.Document{
		Kind:            contracts.DocReportAcknowledged,
		TaskID:          "task-1",
		SubtaskID:       subtaskID,
		ProtocolVersion: "2.15.0",
		SignerKey:       "requestor",
	}
	require.NoError(t, h.o.AckReport(ctx, ack))
	// Drain the report-phase notifications.
	require.NotNil(t, h.poll(t, "requestor"))
	require.NotNil(t, h.poll(t, "provider"))
}

func TestForceReportCreatesDispute(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	computationDeadline := h.now.Add(-30 * time.Minute)
	require.NoError(t, h.o.ForceReport(ctx, computationReport("sub-1"), "requestor", computationDeadline))

	sub := h.state(t, "sub-1", "2.15.0")
	assert.Equal(t, contracts.StateForcingReport, sub.State)
	require.NotNil(t, sub.NextDeadline)
	assert.True(t, sub.NextDeadline.Equal(computationDeadline.Add(time.Hour)))

	// The requestor is told once; the provider waits.
	pr := h.poll(t, "requestor")
	require.NotNil(t, pr)
	assert.Equal(t, contracts.ResponseForceReport, pr.ResponseType)
	assert.Equal(t, "sub-1", pr.SubtaskID)
	assert.Nil(t, h.poll(t, "requestor"))
	assert.Nil(t, h.poll(t, "provider"))

	docs, err := h.subtasks.Documents(ctx, "sub-1", "2.15.0")
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, contracts.DocComputationReport, docs[0].Kind)
}

func TestForceReportReplayConflicts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.o.ForceReport(ctx, computationReport("sub-1"), "requestor", h.now.Add(-30*time.Minute)))
	err := h.o.ForceReport(ctx, computationReport("sub-1"), "requestor", h.now.Add(-30*time.Minute))
	assert.True(t, contracts.IsConflict(err))

	// The replay queued nothing extra.
	require.NotNil(t, h.poll(t, "requestor"))
	assert.Nil(t, h.poll(t, "requestor"))
}

func TestForceReportWindowClosed(t *testing.T) {
	h := newHarness(t)
	// Deadline passed more than the messaging window ago.
	err := h.o.ForceReport(context.Background(), computationReport("sub-1"), "requestor", h.now.Add(-2*time.Hour))
	assert.True(t, contracts.IsClientError(err))
}

func TestAckReportSettlesAtReported(t *testing.T) {
	h := newHarness(t)
	h.forceReported(t, "sub-1")

	sub := h.state(t, "sub-1", "2.15.0")
	assert.Equal(t, contracts.StateReported, sub.State)
	assert.Nil(t, sub.NextDeadline)
}

func TestAckReportWrongSigner(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.o.ForceReport(ctx, computationReport("sub-1"), "requestor", h.now.Add(-30*time.Minute)))

	ack := &contracts.Document{
		Kind:            contracts.DocReportAcknowledged,
		TaskID:          "task-1",
		SubtaskID:       "sub-1",
		ProtocolVersion: "2.15.0",
		SignerKey:       "provider",
	}
	assert.True(t, contracts.IsClientError(h.o.AckReport(ctx, ack)))
}

func TestAckReportAfterWindowElapsed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.o.ForceReport(ctx, computationReport("sub-1"), "requestor", h.now.Add(-30*time.Minute)))

	// Past the response window the sweep owns the subtask.
	h.now = h.now.Add(2 * time.Hour)
	ack := &contracts.Document{
		Kind:            contracts.DocReportAcknowledged,
		TaskID:          "task-1",
		SubtaskID:       "sub-1",
		ProtocolVersion: "2.15.0",
		SignerKey:       "requestor",
	}
	assert.True(t, contracts.IsClientError(h.o.AckReport(ctx, ack)))
}

func TestForceResultTransfer(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.forceReported(t, "sub-1")

	demand := &contracts.Document{
		Kind:            contracts.DocComputationReport,
		TaskID:          "task-1",
		SubtaskID:       "sub-1",
		ProtocolVersion: "2.15.0",
		SignerKey:       "requestor",
		Size:            2048,
	}
	require.NoError(t, h.o.ForceResultTransfer(ctx, demand))

	sub := h.state(t, "sub-1", "2.15.0")
	assert.Equal(t, contracts.StateForcingResultTransfer, sub.State)
	require.NotNil(t, sub.NextDeadline)
	assert.Equal(t, uint64(2048), sub.ResultPackageSize)

	pr := h.poll(t, "provider")
	require.NotNil(t, pr)
	assert.Equal(t, contracts.ResponseResultUploadDemand, pr.ResponseType)

	// A duplicate demand is told the transfer is already in progress, and
	// queues nothing.
	err := h.o.ForceResultTransfer(ctx, demand)
	assert.True(t, contracts.IsConflict(err))
	assert.Nil(t, h.poll(t, "provider"))
}

func TestForceResultTransferWrongDocument(t *testing.T) {
	h := newHarness(t)
	h.forceReported(t, "sub-1")

	demand := computationReport("sub-1")
	demand.Kind = contracts.DocTaskOffer
	demand.SignerKey = "requestor"
	err := h.o.ForceResultTransfer(context.Background(), demand)
	assert.True(t, contracts.IsClientError(err))
	assert.Equal(t, contracts.StateReported, h.state(t, "sub-1", "2.15.0").State)
	assert.Nil(t, h.poll(t, "provider"))
}

func TestForceResultTransferConcurrentSingleWinner(t *testing.T) {
	h := newHarness(t)
	h.forceReported(t, "sub-1")

	const workers = 3
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			demand := &contracts.Document{
				Kind:            contracts.DocComputationReport,
				TaskID:          "task-1",
				SubtaskID:       "sub-1",
				ProtocolVersion: "2.15.0",
				SignerKey:       "requestor",
				Size:            2048,
			}
			errs[i] = h.o.ForceResultTransfer(context.Background(), demand)
		}(i)
	}
	wg.Wait()

	winners, conflicts := 0, 0
	for i, err := range errs {
		switch {
		case err == nil:
			winners++
		case contracts.IsConflict(err):
			conflicts++
		default:
			t.Fatalf("worker %d: unexpected error %v", i, err)
		}
	}
	assert.Equal(t, 1, winners)
	assert.Equal(t, workers-1, conflicts)

	// Exactly one demand reached the provider.
	pr := h.poll(t, "provider")
	require.NotNil(t, pr)
	assert.Equal(t, contracts.ResponseResultUploadDemand, pr.ResponseType)
	assert.Nil(t, h.poll(t, "provider"))
}

func TestResultUploaded(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.forceReported(t, "sub-1")

	demand := &contracts.Document{
		Kind: contracts.DocComputationReport, TaskID: "task-1", SubtaskID: "sub-1",
		ProtocolVersion: "2.15.0", SignerKey: "requestor",
	}
	require.NoError(t, h.o.ForceResultTransfer(ctx, demand))
	require.NotNil(t, h.poll(t, "provider"))

	require.NoError(t, h.o.ResultUploaded(ctx, "sub-1", "2.15.0", 4096))

	sub := h.state(t, "sub-1", "2.15.0")
	assert.Equal(t, contracts.StateResultUploaded, sub.State)
	assert.Nil(t, sub.NextDeadline)
	assert.Equal(t, uint64(4096), sub.ResultPackageSize)

	pr := h.poll(t, "requestor")
	require.NotNil(t, pr)
	assert.Equal(t, contracts.ResponseResultDownloadReady, pr.ResponseType)
}

func acceptanceDemand(subtaskID string) *contracts.Document {
	return &contracts.Document{
		Kind:            contracts.DocTaskOffer,
		TaskID:          "task-1",
		SubtaskID:       subtaskID,
		ProtocolVersion: "2.15.0",
		SignerKey:       "provider",
		Price:           500,
	}
}

func TestForceAcceptance(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.forceReported(t, "sub-1")
	h.ledger.balances["0xrequestor"] = big.NewInt(1)

	require.NoError(t, h.o.ForceAcceptance(ctx, acceptanceDemand("sub-1"), "0xrequestor", "0xprovider"))

	sub := h.state(t, "sub-1", "2.15.0")
	assert.Equal(t, contracts.StateForcingAcceptance, sub.State)
	require.NotNil(t, sub.NextDeadline)
	assert.True(t, sub.NextDeadline.Equal(h.now.Add(2*time.Hour)))

	pr := h.poll(t, "requestor")
	require.NotNil(t, pr)
	assert.Equal(t, contracts.ResponseAcceptanceDemand, pr.ResponseType)
}

func TestForceAcceptanceWrongDocument(t *testing.T) {
	h := newHarness(t)
	h.forceReported(t, "sub-1")
	h.ledger.balances["0xrequestor"] = big.NewInt(1)

	demand := acceptanceDemand("sub-1")
	demand.Kind = contracts.DocComputationReport
	err := h.o.ForceAcceptance(context.Background(), demand, "0xrequestor", "0xprovider")
	assert.True(t, contracts.IsClientError(err))
	assert.Equal(t, contracts.StateReported, h.state(t, "sub-1", "2.15.0").State)
	assert.Nil(t, h.poll(t, "requestor"))
}

func TestForceAcceptanceEmptyDeposit(t *testing.T) {
	h := newHarness(t)
	h.forceReported(t, "sub-1")

	err := h.o.ForceAcceptance(context.Background(), acceptanceDemand("sub-1"), "0xrequestor", "0xprovider")
	assert.ErrorIs(t, err, contracts.ErrServiceUnavailable)

	// No state change, no notification.
	assert.Equal(t, contracts.StateReported, h.state(t, "sub-1", "2.15.0").State)
	assert.Nil(t, h.poll(t, "requestor"))
}

func TestForceAcceptanceLedgerNotSynchronized(t *testing.T) {
	h := newHarness(t)
	h.forceReported(t, "sub-1")
	h.ledger.err = deposit.ErrNotSynchronized

	err := h.o.ForceAcceptance(context.Background(), acceptanceDemand("sub-1"), "0xrequestor", "0xprovider")
	assert.ErrorIs(t, err, contracts.ErrServiceUnavailable)
	assert.Equal(t, contracts.StateReported, h.state(t, "sub-1", "2.15.0").State)
}

func TestAcceptResultsSettlesForBoth(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.forceReported(t, "sub-1")
	h.ledger.balances["0xrequestor"] = big.NewInt(1)
	require.NoError(t, h.o.ForceAcceptance(ctx, acceptanceDemand("sub-1"), "0xrequestor", "0xprovider"))
	require.NotNil(t, h.poll(t, "requestor"))

	acceptance := &contracts.Document{
		Kind:            contracts.DocResultsAccepted,
		TaskID:          "task-1",
		SubtaskID:       "sub-1",
		ProtocolVersion: "2.15.0",
		SignerKey:       "requestor",
		Price:           500,
	}
	require.NoError(t, h.o.AcceptResults(ctx, acceptance))

	sub := h.state(t, "sub-1", "2.15.0")
	assert.Equal(t, contracts.StateAccepted, sub.State)
	assert.Nil(t, sub.NextDeadline)

	for _, client := range []string{"provider", "requestor"} {
		pr := h.poll(t, client)
		require.NotNil(t, pr, client)
		assert.Equal(t, contracts.ResponseAcceptanceSettled, pr.ResponseType)
		assert.Nil(t, h.poll(t, client))
	}

	// The dispute is settled; a late rejection conflicts.
	rejection := &contracts.Document{
		Kind: contracts.DocResultsRejected, TaskID: "task-1", SubtaskID: "sub-1",
		ProtocolVersion: "2.15.0", SignerKey: "requestor",
	}
	assert.True(t, contracts.IsConflict(h.o.RejectResults(ctx, rejection)))
}

func TestRejectResults(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.forceReported(t, "sub-1")
	h.ledger.balances["0xrequestor"] = big.NewInt(1)
	require.NoError(t, h.o.ForceAcceptance(ctx, acceptanceDemand("sub-1"), "0xrequestor", "0xprovider"))
	require.NotNil(t, h.poll(t, "requestor"))

	rejection := &contracts.Document{
		Kind:            contracts.DocResultsRejected,
		TaskID:          "task-1",
		SubtaskID:       "sub-1",
		ProtocolVersion: "2.15.0",
		SignerKey:       "requestor",
	}
	require.NoError(t, h.o.RejectResults(ctx, rejection))

	assert.Equal(t, contracts.StateRejected, h.state(t, "sub-1", "2.15.0").State)
	for _, client := range []string{"provider", "requestor"} {
		pr := h.poll(t, client)
		require.NotNil(t, pr, client)
		assert.Equal(t, contracts.ResponseResultsRejected, pr.ResponseType)
	}
}

func TestSweepSettlesOverdueReport(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.o.ForceReport(ctx, computationReport("sub-1"), "requestor", h.now.Add(-30*time.Minute)))
	require.NotNil(t, h.poll(t, "requestor"))

	// Nothing due yet.
	swept, err := h.o.SweepOverdue(ctx)
	require.NoError(t, err)
	assert.Zero(t, swept)

	// Past the report window: silence defaults to REPORTED.
	h.now = h.now.Add(2 * time.Hour)
	swept, err = h.o.SweepOverdue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, swept)

	sub := h.state(t, "sub-1", "2.15.0")
	assert.Equal(t, contracts.StateReported, sub.State)
	assert.Nil(t, sub.NextDeadline)

	for _, client := range []string{"provider", "requestor"} {
		pr := h.poll(t, client)
		require.NotNil(t, pr, client)
		assert.Equal(t, contracts.ResponseReportAcknowledged, pr.ResponseType)
		assert.Nil(t, h.poll(t, client))
	}

	// A second pass finds nothing.
	swept, err = h.o.SweepOverdue(ctx)
	require.NoError(t, err)
	assert.Zero(t, swept)
}

func TestSweepSettlesOverdueAcceptanceForProvider(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.forceReported(t, "sub-1")
	h.ledger.balances["0xrequestor"] = big.NewInt(1)
	require.NoError(t, h.o.ForceAcceptance(ctx, acceptanceDemand("sub-1"), "0xrequestor", "0xprovider"))
	require.NotNil(t, h.poll(t, "requestor"))

	h.now = h.now.Add(3 * time.Hour)
	swept, err := h.o.SweepOverdue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, swept)
	assert.Equal(t, contracts.StateAccepted, h.state(t, "sub-1", "2.15.0").State)
}

func verificationRequest(subtaskID string) *contracts.Document {
	return &contracts.Document{
		Kind:              contracts.DocVerificationRequest,
		TaskID:            "task-1",
		SubtaskID:         subtaskID,
		ProtocolVersion:   "2.15.0",
		SignerKey:         "provider",
		SourcePackagePath: "blender/sources/" + subtaskID + ".zip",
		ResultPackagePath: "blender/results/" + subtaskID + ".zip",
		Size:              1024,
		Price:             500,
	}
}

// startVerification drives a previously unknown subtask through
// additional verification up to the pipeline handoff.
func (h *harness) startVerification(t *testing.T, subtaskID string) {
	t.Helper()
	ctx := context.Background()
	h.ledger.balances["0xrequestor"] = big.NewInt(1)
	h.ledger.balances["0xprovider"] = big.NewInt(100)
	require.NoError(t, h.o.AdditionalVerification(ctx, verificationRequest(subtaskID),
		"requestor", "0xrequestor", "0xprovider", h.now.Add(-time.Hour)))
	require.NoError(t, h.o.VerificationFilesUploaded(ctx, subtaskID, "2.15.0"))
}

func TestAdditionalVerificationCreatesUnknownSubtask(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.ledger.balances["0xrequestor"] = big.NewInt(1)
	h.ledger.balances["0xprovider"] = big.NewInt(100)

	// The rejection happened off-mediator: this is first contact.
	require.NoError(t, h.o.AdditionalVerification(ctx, verificationRequest("sub-1"),
		"requestor", "0xrequestor", "0xprovider", h.now.Add(-time.Hour)))

	sub := h.state(t, "sub-1", "2.15.0")
	assert.Equal(t, contracts.StateVerificationFileTransfer, sub.State)
	require.NotNil(t, sub.NextDeadline)
}

func TestAdditionalVerificationFeeShortfall(t *testing.T) {
	h := newHarness(t)
	h.ledger.balances["0xrequestor"] = big.NewInt(1)
	h.ledger.balances["0xprovider"] = big.NewInt(99) // fee is 100

	err := h.o.AdditionalVerification(context.Background(), verificationRequest("sub-1"),
		"requestor", "0xrequestor", "0xprovider", h.now.Add(-time.Hour))
	assert.ErrorIs(t, err, contracts.ErrServiceUnavailable)
}

func TestAdditionalVerificationStoresRequestedSize(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.forceReported(t, "sub-1") // created with size 1024
	h.ledger.balances["0xrequestor"] = big.NewInt(1)
	h.ledger.balances["0xprovider"] = big.NewInt(100)

	request := verificationRequest("sub-1")
	request.Size = 1 << 20
	require.NoError(t, h.o.AdditionalVerification(ctx, request,
		"requestor", "0xrequestor", "0xprovider", h.now.Add(-time.Hour)))

	sub := h.state(t, "sub-1", "2.15.0")
	assert.Equal(t, contracts.StateVerificationFileTransfer, sub.State)
	assert.Equal(t, uint64(1<<20), sub.ResultPackageSize)
}

func TestVerificationFilesUploadedHandsOff(t *testing.T) {
	h := newHarness(t)
	h.startVerification(t, "sub-1")

	sub := h.state(t, "sub-1", "2.15.0")
	assert.Equal(t, contracts.StateAdditionalVerification, sub.State)
	require.NotNil(t, sub.NextDeadline)

	require.Len(t, h.pipeline.tasks, 1)
	assert.Equal(t, verification.LaneConductor, h.pipeline.lanes[0])
	assert.Equal(t, "blender.verification_order", h.pipeline.tasks[0].Name)
	assert.Equal(t, "sub-1", h.pipeline.tasks[0].SubtaskID)
}

func TestOnVerificationResultMatch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.startVerification(t, "sub-1")

	require.NoError(t, h.o.OnVerificationResult(ctx, "sub-1", contracts.VerificationMatch, ""))

	assert.Equal(t, contracts.StateAccepted, h.state(t, "sub-1", "2.15.0").State)
	for _, client := range []string{"provider", "requestor"} {
		pr := h.poll(t, client)
		require.NotNil(t, pr, client)
		assert.Equal(t, contracts.ResponseAcceptanceSettled, pr.ResponseType)
	}

	// Redelivery is dropped without error or further notifications.
	require.NoError(t, h.o.OnVerificationResult(ctx, "sub-1", contracts.VerificationMatch, ""))
	assert.Nil(t, h.poll(t, "provider"))
}

func TestOnVerificationResultMismatch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.startVerification(t, "sub-1")

	require.NoError(t, h.o.OnVerificationResult(ctx, "sub-1", contracts.VerificationMismatch, "pixel diff"))

	assert.Equal(t, contracts.StateFailed, h.state(t, "sub-1", "2.15.0").State)
	for _, client := range []string{"provider", "requestor"} {
		pr := h.poll(t, client)
		require.NotNil(t, pr, client)
		assert.Equal(t, contracts.ResponseVerificationResults, pr.ResponseType)
	}
}

func TestOnVerificationResultErrorFavorsProvider(t *testing.T) {
	h := newHarness(t)
	h.startVerification(t, "sub-1")

	require.NoError(t, h.o.OnVerificationResult(context.Background(), "sub-1", contracts.VerificationError, "renderer crashed"))
	assert.Equal(t, contracts.StateAccepted, h.state(t, "sub-1", "2.15.0").State)
}

func TestOnVerificationResultUnknownSubtaskDropped(t *testing.T) {
	h := newHarness(t)
	assert.NoError(t, h.o.OnVerificationResult(context.Background(), "ghost", contracts.VerificationMatch, ""))
}

func TestOnVerificationResultOutsideVerificationDropped(t *testing.T) {
	h := newHarness(t)
	h.forceReported(t, "sub-1")

	require.NoError(t, h.o.OnVerificationResult(context.Background(), "sub-1", contracts.VerificationMatch, ""))
	// State untouched, nothing queued.
	assert.Equal(t, contracts.StateReported, h.state(t, "sub-1", "2.15.0").State)
	assert.Nil(t, h.poll(t, "provider"))
}

func TestOnVerificationResultRejectsUnknownOutcome(t *testing.T) {
	h := newHarness(t)
	err := h.o.OnVerificationResult(context.Background(), "sub-1", contracts.VerificationOutcome("SHRUG"), "")
	assert.True(t, contracts.IsClientError(err))
}

func paymentAcceptance(subtaskID string, price uint64, signedAt time.Time) *contracts.Document {
	return &contracts.Document{
		Kind:            contracts.DocResultsAccepted,
		TaskID:          "task-1",
		SubtaskID:       subtaskID,
		ProtocolVersion: "2.15.0",
		SignerKey:       "requestor",
		Price:           price,
		SignedAt:        signedAt,
	}
}

func TestForcePaymentPartialCap(t *testing.T) {
	h := newHarness(t)
	h.ledger.balances["0xrequestor"] = big.NewInt(1000)

	req := ForcePaymentRequest{
		ProviderKey:      "provider",
		RequestorKey:     "requestor",
		ProviderAddress:  "0xprovider",
		RequestorAddress: "0xrequestor",
		ProtocolVersion:  "2.15.0",
		Acceptances: []*contracts.Document{
			paymentAcceptance("sub-1", 600, h.now.Add(-2*time.Hour)),
			paymentAcceptance("sub-2", 600, h.now.Add(-2*time.Hour)),
		},
	}
	require.NoError(t, h.o.ForcePayment(context.Background(), req))

	// 1200 claimed, 1000 available: the payout is capped.
	for _, client := range []string{"provider", "requestor"} {
		pr := h.poll(t, client)
		require.NotNil(t, pr, client)
		assert.Equal(t, contracts.ResponsePaymentCommitted, pr.ResponseType)
		assert.Empty(t, pr.SubtaskID)
		require.NotNil(t, pr.Payment)
		assert.Equal(t, uint64(1000), pr.Payment.AmountPaid)
		assert.Equal(t, "0xprovider", pr.Payment.RecipientAddress)
		assert.NotEmpty(t, pr.Payment.TransactionID)
	}
}

func TestForcePaymentRejectsForeignAcceptance(t *testing.T) {
	h := newHarness(t)
	h.ledger.balances["0xrequestor"] = big.NewInt(1000)

	acceptance := paymentAcceptance("sub-1", 600, h.now.Add(-2*time.Hour))
	acceptance.SignerKey = "someone-else"
	req := ForcePaymentRequest{
		ProviderKey: "provider", RequestorKey: "requestor",
		ProviderAddress: "0xprovider", RequestorAddress: "0xrequestor",
		ProtocolVersion: "2.15.0",
		Acceptances:     []*contracts.Document{acceptance},
	}
	err := h.o.ForcePayment(context.Background(), req)
	assert.True(t, contracts.IsClientError(err))
	assert.Nil(t, h.poll(t, "provider"))
	assert.Nil(t, h.poll(t, "requestor"))
}

func TestForcePaymentRejectsProtocolMismatch(t *testing.T) {
	h := newHarness(t)
	h.ledger.balances["0xrequestor"] = big.NewInt(1000)

	acceptance := paymentAcceptance("sub-1", 600, h.now.Add(-2*time.Hour))
	acceptance.ProtocolVersion = "3.0.0"
	req := ForcePaymentRequest{
		ProviderKey: "provider", RequestorKey: "requestor",
		ProviderAddress: "0xprovider", RequestorAddress: "0xrequestor",
		ProtocolVersion: "2.15.0",
		Acceptances:     []*contracts.Document{acceptance},
	}
	err := h.o.ForcePayment(context.Background(), req)
	assert.True(t, contracts.IsClientError(err))
	assert.Nil(t, h.poll(t, "provider"))
}

func TestForcePaymentClaimBeyondPayableRange(t *testing.T) {
	h := newHarness(t)
	// A deposit large enough that the cap does not bring the payout
	// back into uint64 range.
	h.ledger.balances["0xrequestor"] = new(big.Int).Lsh(big.NewInt(1), 70)

	req := ForcePaymentRequest{
		ProviderKey: "provider", RequestorKey: "requestor",
		ProviderAddress: "0xprovider", RequestorAddress: "0xrequestor",
		ProtocolVersion: "2.15.0",
		Acceptances: []*contracts.Document{
			paymentAcceptance("sub-1", math.MaxUint64, h.now.Add(-2*time.Hour)),
			paymentAcceptance("sub-2", math.MaxUint64, h.now.Add(-2*time.Hour)),
		},
	}
	err := h.o.ForcePayment(context.Background(), req)
	assert.True(t, contracts.IsClientError(err))
	assert.Nil(t, h.poll(t, "provider"))
}

func TestForcePaymentNotYetDue(t *testing.T) {
	h := newHarness(t)
	h.ledger.balances["0xrequestor"] = big.NewInt(1000)

	req := ForcePaymentRequest{
		ProviderKey: "provider", RequestorKey: "requestor",
		ProviderAddress: "0xprovider", RequestorAddress: "0xrequestor",
		ProtocolVersion: "2.15.0",
		// Signed half the due window ago: not yet overdue.
		Acceptances: []*contracts.Document{paymentAcceptance("sub-1", 600, h.now.Add(-30*time.Minute))},
	}
	err := h.o.ForcePayment(context.Background(), req)
	assert.True(t, contracts.IsClientError(err))
}

func TestForcePaymentEmptyDeposit(t *testing.T) {
	h := newHarness(t)
	req := ForcePaymentRequest{
		ProviderKey: "provider", RequestorKey: "requestor",
		ProviderAddress: "0xprovider", RequestorAddress: "0xrequestor",
		ProtocolVersion: "2.15.0",
		Acceptances:     []*contracts.Document{paymentAcceptance("sub-1", 600, h.now.Add(-2*time.Hour))},
	}
	err := h.o.ForcePayment(context.Background(), req)
	assert.ErrorIs(t, err, contracts.ErrServiceUnavailable)
	assert.Nil(t, h.poll(t, "provider"))
}

func TestDeadlineInvariantHeldAcrossLifecycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.o.ForceReport(ctx, computationReport("sub-1"), "requestor", h.now.Add(-30*time.Minute)))

	check := func() {
		sub := h.state(t, "sub-1", "2.15.0")
		assert.NoError(t, sub.CheckDeadlineInvariant(), "state %s", sub.State)
	}
	check()

	ack := &contracts.Document{
		Kind: contracts.DocReportAcknowledged, TaskID: "task-1", SubtaskID: "sub-1",
		ProtocolVersion: "2.15.0", SignerKey: "requestor",
	}
	require.NoError(t, h.o.AckReport(ctx, ack))
	check()

	demand := &contracts.Document{
		Kind: contracts.DocComputationReport, TaskID: "task-1", SubtaskID: "sub-1",
		ProtocolVersion: "2.15.0", SignerKey: "requestor",
	}
	require.NoError(t, h.o.ForceResultTransfer(ctx, demand))
	check()

	require.NoError(t, h.o.ResultUploaded(ctx, "sub-1", "2.15.0", 4096))
	check()
}

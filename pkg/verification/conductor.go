package verification

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/concent-network/concent/pkg/contracts"
	"github.com/concent-network/concent/pkg/store"
)

// Idempotency guards. Both are logic conflicts surfaced to the caller,
// never transient failures: the orchestrator must not blindly retry on
// them.
var (
	// ErrUploadAlreadyInitiated is raised when an upload is reported for
	// a path whose verification request already has that upload pending
	// or finished.
	ErrUploadAlreadyInitiated = errors.New("verification: upload already initiated")
	// ErrAlreadyAcknowledged is raised when a verification request is
	// acknowledged a second time.
	ErrAlreadyAcknowledged = errors.New("verification: already acknowledged")
)

// ErrRequestNotFound is returned for operations on a subtask with no
// verification request.
var ErrRequestNotFound = errors.New("verification: request not found")

// TaskSubmitter submits pipeline tasks. Queue is the production
// implementation.
type TaskSubmitter interface {
	Submit(ctx context.Context, lane Lane, task Task) error
}

// Handoff packages subtasks into pipeline verification requests and
// reproduces the Conductor's upload-tracking semantics, which the core's
// retry behavior depends on.
type Handoff struct {
	db      *sql.DB
	dialect store.Dialect
	queue   TaskSubmitter
}

// NewHandoff builds the handoff and runs its migration.
func NewHandoff(db *sql.DB, dialect store.Dialect, queue TaskSubmitter) (*Handoff, error) {
	h := &Handoff{db: db, dialect: dialect, queue: queue}
	if err := h.migrate(); err != nil {
		return nil, err
	}
	return h, nil
}

func (h *Handoff) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS verification_requests (
		subtask_id TEXT PRIMARY KEY,
		source_package_path TEXT NOT NULL,
		result_package_path TEXT NOT NULL,
		verification_deadline TIMESTAMP NOT NULL,
		source_upload_finished BOOLEAN NOT NULL DEFAULT FALSE,
		result_upload_finished BOOLEAN NOT NULL DEFAULT FALSE,
		upload_acknowledged BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMP NOT NULL
	)`
	if _, err := h.db.ExecContext(context.Background(), query); err != nil {
		return fmt.Errorf("verification: migration failed: %w", err)
	}
	return nil
}

// verificationOrder is the payload submitted to the conductor lane.
type verificationOrder struct {
	SubtaskID            string    `json:"subtask_id"`
	SourcePackagePath    string    `json:"source_package_path"`
	ResultPackagePath    string    `json:"result_package_path"`
	VerificationDeadline time.Time `json:"verification_deadline"`
}

// RequestVerification records a verification request and submits it to
// the conductor lane. Idempotent: re-requesting an already-recorded
// subtask re-submits the same order without duplicating the request row,
// which the at-least-once pipeline tolerates.
func (h *Handoff) RequestVerification(ctx context.Context, doc *contracts.Document, deadline time.Time) error {
	if doc.SourcePackagePath == "" || doc.ResultPackagePath == "" {
		return contracts.NewClientError("missing-paths",
			"verification evidence for subtask %s must carry both package paths", doc.SubtaskID)
	}

	_, err := h.db.ExecContext(ctx, h.dialect.Rebind(`
		INSERT INTO verification_requests
			(subtask_id, source_package_path, result_package_path, verification_deadline, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (subtask_id) DO NOTHING`),
		doc.SubtaskID, doc.SourcePackagePath, doc.ResultPackagePath, deadline.UTC(), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("verification: failed to record request: %w", err)
	}

	payload, err := json.Marshal(verificationOrder{
		SubtaskID:            doc.SubtaskID,
		SourcePackagePath:    doc.SourcePackagePath,
		ResultPackagePath:    doc.ResultPackagePath,
		VerificationDeadline: deadline.UTC(),
	})
	if err != nil {
		return err
	}
	return h.queue.Submit(ctx, LaneConductor, Task{
		Name:      "blender.verification_order",
		SubtaskID: doc.SubtaskID,
		Payload:   payload,
	})
}

// Get loads the verification request for a subtask.
func (h *Handoff) Get(ctx context.Context, subtaskID string) (*contracts.VerificationRequest, error) {
	row := h.db.QueryRowContext(ctx, h.dialect.Rebind(`
		SELECT subtask_id, source_package_path, result_package_path, verification_deadline,
			source_upload_finished, result_upload_finished, upload_acknowledged, created_at
		FROM verification_requests WHERE subtask_id = ?`), subtaskID)

	var vr contracts.VerificationRequest
	err := row.Scan(&vr.SubtaskID, &vr.SourcePackagePath, &vr.ResultPackagePath, &vr.VerificationDeadline,
		&vr.SourceUploadFinished, &vr.ResultUploadFinished, &vr.UploadAcknowledged, &vr.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrRequestNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("verification: failed to load request: %w", err)
	}
	return &vr, nil
}

// ReportUploadFinished marks one of the two tracked uploads finished.
// Reporting the same path twice while the request still has uploads
// pending raises ErrUploadAlreadyInitiated.
func (h *Handoff) ReportUploadFinished(ctx context.Context, subtaskID, path string) error {
	vr, err := h.Get(ctx, subtaskID)
	if err != nil {
		return err
	}

	var column string
	var already bool
	switch path {
	case vr.SourcePackagePath:
		column, already = "source_upload_finished", vr.SourceUploadFinished
	case vr.ResultPackagePath:
		column, already = "result_upload_finished", vr.ResultUploadFinished
	default:
		return contracts.NewClientError("unknown-path",
			"path %q belongs to no tracked upload of subtask %s", path, subtaskID)
	}
	if already {
		return fmt.Errorf("%w: %s for subtask %s", ErrUploadAlreadyInitiated, path, subtaskID)
	}

	_, err = h.db.ExecContext(ctx, h.dialect.Rebind(
		`UPDATE verification_requests SET `+column+` = TRUE WHERE subtask_id = ?`), subtaskID)
	if err != nil {
		return fmt.Errorf("verification: failed to mark upload finished: %w", err)
	}
	return nil
}

// Acknowledge marks a verification request acknowledged by the conductor.
// A second acknowledgement raises ErrAlreadyAcknowledged.
func (h *Handoff) Acknowledge(ctx context.Context, subtaskID string) error {
	vr, err := h.Get(ctx, subtaskID)
	if err != nil {
		return err
	}
	if vr.UploadAcknowledged {
		return fmt.Errorf("%w: subtask %s", ErrAlreadyAcknowledged, subtaskID)
	}
	_, err = h.db.ExecContext(ctx, h.dialect.Rebind(
		`UPDATE verification_requests SET upload_acknowledged = TRUE WHERE subtask_id = ?`), subtaskID)
	if err != nil {
		return fmt.Errorf("verification: failed to acknowledge: %w", err)
	}
	return nil
}

// resultNotice is the payload the verifier posts back on the core lane.
type resultNotice struct {
	SubtaskID string                        `json:"subtask_id"`
	Outcome   contracts.VerificationOutcome `json:"outcome"`
	Detail    string                        `json:"detail,omitempty"`
}

// SubmitResult pushes a verification verdict onto the core lane. Used by
// the verifier side of the pipeline; kept here so both ends share one
// payload shape.
func (h *Handoff) SubmitResult(ctx context.Context, subtaskID string, outcome contracts.VerificationOutcome, detail string) error {
	payload, err := json.Marshal(resultNotice{SubtaskID: subtaskID, Outcome: outcome, Detail: detail})
	if err != nil {
		return err
	}
	return h.queue.Submit(ctx, LaneCore, Task{
		Name:      "verifier.verification_result",
		SubtaskID: subtaskID,
		Payload:   payload,
	})
}

// DecodeResult parses a core-lane task back into its verdict.
func DecodeResult(task *Task) (subtaskID string, outcome contracts.VerificationOutcome, detail string, err error) {
	var n resultNotice
	if err := json.Unmarshal(task.Payload, &n); err != nil {
		return "", "", "", fmt.Errorf("verification: corrupt result payload: %w", err)
	}
	if !n.Outcome.Valid() {
		return "", "", "", fmt.Errorf("verification: unknown outcome %q", n.Outcome)
	}
	return n.SubtaskID, n.Outcome, n.Detail, nil
}

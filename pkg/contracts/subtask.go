// Package contracts defines the shared domain types of the Concent
// arbitration core: clients, subtasks, evidentiary documents, queued
// responses and verification outcomes. All other packages depend on
// these types; this package depends on nothing but the standard library.
package contracts

import (
	"fmt"
	"time"
)

// SubtaskState is the lifecycle state of a disputed subtask.
type SubtaskState string

const (
	StateForcingReport           SubtaskState = "FORCING_REPORT"
	StateReported                SubtaskState = "REPORTED"
	StateForcingResultTransfer   SubtaskState = "FORCING_RESULT_TRANSFER"
	StateResultUploaded          SubtaskState = "RESULT_UPLOADED"
	StateForcingAcceptance       SubtaskState = "FORCING_ACCEPTANCE"
	StateRejected                SubtaskState = "REJECTED"
	StateVerificationFileTransfer SubtaskState = "VERIFICATION_FILE_TRANSFER"
	StateAdditionalVerification  SubtaskState = "ADDITIONAL_VERIFICATION"
	StateAccepted                SubtaskState = "ACCEPTED"
	StateFailed                  SubtaskState = "FAILED"
)

// phaseOrder assigns every state a position in the dispute's forward
// progression. Transitions may only move to a strictly later phase, except
// for the recovery transitions the state machine explicitly allows.
var phaseOrder = map[SubtaskState]int{
	StateForcingReport:            1,
	StateReported:                 2,
	StateForcingResultTransfer:    3,
	StateResultUploaded:           4,
	StateForcingAcceptance:        5,
	StateRejected:                 6,
	StateVerificationFileTransfer: 7,
	StateAdditionalVerification:   8,
	StateAccepted:                 9,
	StateFailed:                   10,
}

// activeStates carry an enforced next_deadline; every other state is
// passive or terminal and must not carry one.
var activeStates = map[SubtaskState]bool{
	StateForcingReport:            true,
	StateForcingResultTransfer:    true,
	StateForcingAcceptance:        true,
	StateVerificationFileTransfer: true,
	StateAdditionalVerification:   true,
}

var terminalStates = map[SubtaskState]bool{
	StateAccepted: true,
	StateRejected: true,
	StateFailed:   true,
}

// Valid reports whether s is a known state.
func (s SubtaskState) Valid() bool {
	_, ok := phaseOrder[s]
	return ok
}

// IsActive reports whether the state carries an enforced deadline.
func (s SubtaskState) IsActive() bool { return activeStates[s] }

// IsTerminal reports whether the state admits no further transition.
func (s SubtaskState) IsTerminal() bool { return terminalStates[s] }

// Phase returns the state's position in the forward progression.
// Unknown states return 0.
func (s SubtaskState) Phase() int { return phaseOrder[s] }

// Client identifies one disputing party by its public key.
// Clients are immutable once created; creation is get-or-create and
// race-safe at the store layer.
type Client struct {
	// PublicKey is the hex-encoded public key of the party.
	PublicKey string    `json:"public_key"`
	CreatedAt time.Time `json:"created_at"`
}

// Subtask is the central aggregate: one disputed unit of commissioned
// computation, its state, its deadlines and the signed documents that
// justify every transition it has taken.
type Subtask struct {
	TaskID          string       `json:"task_id"`
	SubtaskID       string       `json:"subtask_id"`
	ProtocolVersion string       `json:"protocol_version"`
	ProviderKey     string       `json:"provider_key"`
	RequestorKey    string       `json:"requestor_key"`
	State           SubtaskState `json:"state"`

	// ComputationDeadline is the absolute deadline negotiated in the
	// original task offer.
	ComputationDeadline time.Time `json:"computation_deadline"`
	// NextDeadline is set exactly when State.IsActive(); nil otherwise.
	NextDeadline *time.Time `json:"next_deadline,omitempty"`
	// ResultPackageSize is the size in bytes of the uploaded result
	// package, once reported.
	ResultPackageSize uint64 `json:"result_package_size"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CheckDeadlineInvariant verifies that NextDeadline is present exactly for
// active states. A violation is a programmer error: the caller must abort
// the enclosing transaction.
func (s *Subtask) CheckDeadlineInvariant() error {
	if s.State.IsActive() && s.NextDeadline == nil {
		return fmt.Errorf("subtask %s: active state %s without next deadline", s.SubtaskID, s.State)
	}
	if !s.State.IsActive() && s.NextDeadline != nil {
		return fmt.Errorf("subtask %s: passive state %s carries next deadline", s.SubtaskID, s.State)
	}
	return nil
}

// Package subtask implements the per-dispute state machine: transition
// validation, the durable subtask store with its row-locking contract,
// and the bounded retry wrapper used around contended transitions.
package subtask

import (
	"errors"

	"github.com/concent-network/concent/pkg/contracts"
)

// ErrAlreadyInState marks a transition request to the state the subtask
// already occupies. A no-op for the caller, not a failure.
var ErrAlreadyInState = errors.New("subtask: already in requested state")

// RecoveryTransitions is the allow-list of backward transitions: an
// in-flight forced operation being abandoned back to its last confirmed
// checkpoint. The default list is deliberately minimal; deployments that
// wire additional message handlers extend it rather than weakening the
// monotonic-progress rule.
type RecoveryTransitions map[contracts.SubtaskState][]contracts.SubtaskState

// DefaultRecoveryTransitions returns the known-safe allow-list: recovery
// back to REPORTED from the two in-flight transfer states.
func DefaultRecoveryTransitions() RecoveryTransitions {
	return RecoveryTransitions{
		contracts.StateForcingResultTransfer:    {contracts.StateReported},
		contracts.StateVerificationFileTransfer: {contracts.StateReported},
	}
}

// Machine validates subtask state transitions. It holds no subtask state
// itself; the store owns persistence and the orchestrator owns the
// transaction.
type Machine struct {
	recovery RecoveryTransitions
}

// NewMachine builds a machine with the given recovery allow-list; nil
// selects the default list.
func NewMachine(recovery RecoveryTransitions) *Machine {
	if recovery == nil {
		recovery = DefaultRecoveryTransitions()
	}
	return &Machine{recovery: recovery}
}

// ValidateTransition checks whether a subtask in state from may move to
// state to.
//
//   - from == to: ErrAlreadyInState (caller no-ops).
//   - from terminal: conflict, the dispute is settled.
//   - to earlier in phase order: conflict, unless explicitly allow-listed
//     as a recovery transition.
func (m *Machine) ValidateTransition(from, to contracts.SubtaskState) error {
	if !from.Valid() || !to.Valid() {
		return contracts.NewClientError("unknown-state", "transition %s -> %s involves an unknown state", from, to)
	}
	if from == to {
		return ErrAlreadyInState
	}
	if from.IsTerminal() {
		return contracts.NewConflictError("subtask-settled", "subtask is settled in state %s", from)
	}
	if to.Phase() < from.Phase() {
		for _, allowed := range m.recovery[from] {
			if allowed == to {
				return nil
			}
		}
		return contracts.NewConflictError("phase-passed", "subtask already passed %s (currently %s)", to, from)
	}
	return nil
}

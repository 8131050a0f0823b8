package contracts

import "time"

// VerificationOutcome is the verdict reported back by the verification
// pipeline for one subtask.
type VerificationOutcome string

const (
	// VerificationMatch means the rendered result matched the provider's
	// uploaded result; the provider is vindicated.
	VerificationMatch VerificationOutcome = "MATCH"
	// VerificationMismatch means the rendered result differs; the
	// requestor's rejection stands.
	VerificationMismatch VerificationOutcome = "MISMATCH"
	// VerificationError means the pipeline itself failed. The provider is
	// not penalized for infrastructure failures.
	VerificationError VerificationOutcome = "ERROR"
)

// Valid reports whether o is a known outcome.
func (o VerificationOutcome) Valid() bool {
	switch o {
	case VerificationMatch, VerificationMismatch, VerificationError:
		return true
	}
	return false
}

// UseCase names a deposit-backed arbitration use case admitted by the
// claim gate.
type UseCase string

const (
	UseCaseForcedAcceptance       UseCase = "FORCED_ACCEPTANCE"
	UseCaseAdditionalVerification UseCase = "ADDITIONAL_VERIFICATION"
)

// VerificationRequest records the handoff of one subtask to the external
// upload-tracking and rendering pipeline. The core writes it only through
// the idempotent conductor operations and never reads the pipeline's
// internal rendering state.
type VerificationRequest struct {
	SubtaskID            string    `json:"subtask_id"`
	SourcePackagePath    string    `json:"source_package_path"`
	ResultPackagePath    string    `json:"result_package_path"`
	VerificationDeadline time.Time `json:"verification_deadline"`
	SourceUploadFinished bool      `json:"source_upload_finished"`
	ResultUploadFinished bool      `json:"result_upload_finished"`
	UploadAcknowledged   bool      `json:"upload_acknowledged"`
	CreatedAt            time.Time `json:"created_at"`
}

package contracts

import (
	"fmt"
	"strings"
	"time"
)

// DocumentKind identifies one kind of signed evidentiary document.
// The set is closed: an unknown kind on an inbound message is a client
// error, never a lookup miss.
type DocumentKind string

const (
	DocTaskOffer           DocumentKind = "TASK_OFFER"
	DocComputationReport   DocumentKind = "COMPUTATION_REPORT"
	DocReportAcknowledged  DocumentKind = "REPORT_ACKNOWLEDGED"
	DocReportRejected      DocumentKind = "REPORT_REJECTED"
	DocResultsAccepted     DocumentKind = "RESULTS_ACCEPTED"
	DocResultsRejected     DocumentKind = "RESULTS_REJECTED"
	DocVerificationRequest DocumentKind = "VERIFICATION_REQUEST"
	DocVerificationResult  DocumentKind = "VERIFICATION_RESULT"
)

var documentKinds = map[DocumentKind]bool{
	DocTaskOffer:           true,
	DocComputationReport:   true,
	DocReportAcknowledged:  true,
	DocReportRejected:      true,
	DocResultsAccepted:     true,
	DocResultsRejected:     true,
	DocVerificationRequest: true,
	DocVerificationResult:  true,
}

// Valid reports whether k is a registered document kind.
func (k DocumentKind) Valid() bool { return documentKinds[k] }

// Document is one signed evidentiary document attached to a subtask.
// Documents are append-only: once stored they are never mutated, and
// every new document must be consistent with those already attached.
// Signature verification happens upstream; by the time a Document
// reaches this core its signature has already been checked against
// SignerKey.
type Document struct {
	Kind            DocumentKind `json:"kind"`
	TaskID          string       `json:"task_id"`
	SubtaskID       string       `json:"subtask_id"`
	ProtocolVersion string       `json:"protocol_version"`
	SignerKey       string       `json:"signer_key"`

	// Payload is the serialized signed message, kept verbatim so the
	// original bytes can be re-served or audited later.
	Payload []byte `json:"payload"`

	// ResultPackagePath / SourcePackagePath / Checksum / Size describe
	// the file the document refers to, when it refers to one.
	ResultPackagePath string `json:"result_package_path,omitempty"`
	SourcePackagePath string `json:"source_package_path,omitempty"`
	Checksum          string `json:"checksum,omitempty"`
	Size              uint64 `json:"size,omitempty"`
	// Price is the agreed subtask price in the smallest currency unit,
	// carried by acceptance documents for settlement.
	Price uint64 `json:"price,omitempty"`

	// SignedAt is the sender's timestamp inside the signed message.
	SignedAt   time.Time `json:"signed_at,omitempty"`
	AppendedAt time.Time `json:"appended_at"`
}

// ConsistentWith verifies the document against a subtask it is about to be
// attached to: identifiers must match and the protocol major version must be
// compatible. Inconsistent evidence is rejected before any state change.
func (d *Document) ConsistentWith(s *Subtask) error {
	if !d.Kind.Valid() {
		return fmt.Errorf("unknown document kind %q", d.Kind)
	}
	if d.TaskID != s.TaskID {
		return fmt.Errorf("document task id %q does not match subtask task id %q", d.TaskID, s.TaskID)
	}
	if d.SubtaskID != s.SubtaskID {
		return fmt.Errorf("document subtask id %q does not match subtask id %q", d.SubtaskID, s.SubtaskID)
	}
	if MajorVersion(d.ProtocolVersion) != MajorVersion(s.ProtocolVersion) {
		return fmt.Errorf("document protocol version %q incompatible with subtask version %q",
			d.ProtocolVersion, s.ProtocolVersion)
	}
	return nil
}

// MajorVersion extracts the major component of a dotted protocol version
// string. Clients on different major versions never see each other's
// messages.
func MajorVersion(v string) string {
	if i := strings.IndexByte(v, '.'); i >= 0 {
		return v[:i]
	}
	return v
}

package casefile

import (
	"time"

	"github.com/google/uuid"

	"github.com/mediassist/mediassist/internal/domain/intake"
	"github.com/mediassist/mediassist/internal/domain/schema"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether a case in this status is immutable.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// FailureKind says why a case ended failed.
type FailureKind string

const (
	FailureUnavailable    FailureKind = "GenerationUnavailable"
	FailureRejected       FailureKind = "GenerationRejected"
	FailureSchemaMismatch FailureKind = "SchemaMismatch"
	// FailureInterrupted marks a case left pending by a process that died
	// mid-pipeline and was closed out by reconciliation.
	FailureInterrupted FailureKind = "Interrupted"
)

// Provenance records which provider produced (or failed to produce) the
// record, for reproducibility.
type Provenance struct {
	Provider     string `json:"provider"`
	Model        string `json:"model"`
	PromptDigest string `json:"prompt_digest"`
	Attempts     int    `json:"attempts"`
	LatencyMS    int64  `json:"latency_ms"`
}

// Case maps to the cases table.
type Case struct {
	ID          uuid.UUID      `db:"id" json:"id"`
	SubmitterID uuid.UUID      `db:"submitter_id" json:"submitter_id"`
	RecipientID *uuid.UUID     `db:"recipient_id" json:"recipient_id,omitempty"`
	CreatedAt   time.Time      `db:"created_at" json:"created_at"`
	Intake      intake.Intake  `db:"intake" json:"intake"`
	Record      *schema.Record `db:"record" json:"record,omitempty"`
	Status      Status         `db:"status" json:"status"`
	FailureKind FailureKind    `db:"failure_kind" json:"failure_kind,omitempty"`
	// FailureDetail is internal: provider and validator text for the audit
	// trail. It is never rendered to end users.
	FailureDetail string     `db:"failure_detail" json:"-"`
	Provenance    Provenance `json:"provenance"`
	FinalizedAt   *time.Time `db:"finalized_at" json:"finalized_at,omitempty"`
}

// Completion is what Complete attaches to a pending case.
type Completion struct {
	Record      schema.Record
	RecipientID *uuid.UUID
	Provenance  Provenance
}

// Failure is what MarkFailed attaches to a pending case.
type Failure struct {
	Kind       FailureKind
	Detail     string
	Provenance Provenance
}

// AuditEntry is one immutable state transition. OldStatus is empty for the
// creation entry.
type AuditEntry struct {
	Seq        int64     `db:"seq" json:"seq"`
	CaseID     uuid.UUID `db:"case_id" json:"case_id"`
	OldStatus  Status    `db:"old_status" json:"old_status,omitempty"`
	NewStatus  Status    `db:"new_status" json:"new_status"`
	Detail     string    `db:"detail" json:"detail,omitempty"`
	RecordedAt time.Time `db:"recorded_at" json:"recorded_at"`
}

func completionDetail(c Completion) string {
	return "completed by " + c.Provenance.Provider + "/" + c.Provenance.Model
}

func failureDetail(f Failure) string {
	if f.Detail == "" {
		return string(f.Kind)
	}
	return string(f.Kind) + ": " + f.Detail
}

// Package contract implements the schema contract system: creating and
// versioning locked schemas, validating rows against them at write time,
// and the propose/decide amendment workflow for evolving an approved
// schema without ever mutating it in place.
package contract

import (
	"errors"
	"time"

	"github.com/sl224/casparianflow/internal/domain"
)

// ErrSchemaViolation is wrapped by every error returned from ValidateRow;
// callers distinguish structural from non-structural violations via the
// Violation.Kind carried alongside it, not via errors.Is alone.
var ErrSchemaViolation = errors.New("contract: schema violation")

// ErrAlreadyExists is returned by Create when scope_id already has a
// latest contract — evolving an approved schema requires an amendment.
var ErrAlreadyExists = errors.New("contract: scope already has a latest contract")

// ErrNotFound is returned when a contract or proposal id has no match.
var ErrNotFound = errors.New("contract: not found")

// NumericOverflowPolicy governs what happens when a numeric value doesn't
// fit the locked column's declared width.
type NumericOverflowPolicy string

const (
	OverflowReject NumericOverflowPolicy = "reject"
	OverflowClamp  NumericOverflowPolicy = "clamp"
	OverflowNull   NumericOverflowPolicy = "null"
)

// StringTruncationPolicy governs what happens when a string value exceeds
// the locked column's declared format/length constraint.
type StringTruncationPolicy string

const (
	TruncateReject       StringTruncationPolicy = "reject"
	TruncateTruncate     StringTruncationPolicy = "truncate"
	TruncateWarnTruncate StringTruncationPolicy = "warn+truncate"
)

// TimestampPolicy governs how a Timestamp column's timezone is interpreted.
type TimestampPolicy string

const (
	TimestampRequireUTC TimestampPolicy = "require_utc"
	TimestampAssumeUTC  TimestampPolicy = "assume_utc"
	TimestampLocal      TimestampPolicy = "local"
)

// Policies bundles the three contract-frozen validation policies applied
// at the row boundary. They are set at contract approval and never change
// for that contract's lifetime.
type Policies struct {
	NumericOverflow  NumericOverflowPolicy
	StringTruncation StringTruncationPolicy
	Timestamp        TimestampPolicy
}

// DefaultPolicies returns the defaults every new contract starts from:
// reject on overflow, reject on truncation, require UTC timestamps.
func DefaultPolicies() Policies {
	return Policies{
		NumericOverflow:  OverflowReject,
		StringTruncation: TruncateReject,
		Timestamp:        TimestampRequireUTC,
	}
}

// PoliciesOf reads the frozen policy strings off a persisted contract,
// falling back to the default for any field an older row left empty.
func PoliciesOf(c *domain.SchemaContract) Policies {
	pol := DefaultPolicies()
	if c == nil {
		return pol
	}
	if c.NumericOverflowPolicy != "" {
		pol.NumericOverflow = NumericOverflowPolicy(c.NumericOverflowPolicy)
	}
	if c.StringTruncationPolicy != "" {
		pol.StringTruncation = StringTruncationPolicy(c.StringTruncationPolicy)
	}
	if c.TimestampPolicy != "" {
		pol.Timestamp = TimestampPolicy(c.TimestampPolicy)
	}
	return pol
}

// ViolationKind is the closed set of ways a row can fail validation.
// ColumnNameMismatch, ColumnCountMismatch, and SchemaNotFound are
// structural: the caller must fail the job. The rest are row-level: the
// caller may quarantine the row and continue, per job policy.
type ViolationKind string

const (
	ViolationTypeMismatch        ViolationKind = "TypeMismatch"
	ViolationNullNotAllowed      ViolationKind = "NullNotAllowed"
	ViolationFormatMismatch      ViolationKind = "FormatMismatch"
	ViolationColumnNameMismatch  ViolationKind = "ColumnNameMismatch"
	ViolationColumnCountMismatch ViolationKind = "ColumnCountMismatch"
	ViolationSchemaNotFound      ViolationKind = "SchemaNotFound"
)

// Structural reports whether the violation kind requires failing the job
// outright rather than quarantining the offending row.
func (k ViolationKind) Structural() bool {
	switch k {
	case ViolationColumnNameMismatch, ViolationColumnCountMismatch, ViolationSchemaNotFound:
		return true
	}
	return false
}

// Violation describes a single row/column/schema failure against a
// contract.
type Violation struct {
	Kind     ViolationKind
	File     string
	Row      *int64
	Column   string
	Expected string
	Got      string

	// Warn marks a policy finding that does not reject the row: the row
	// is kept (already normalized in place) and the finding is surfaced
	// as a Violation event only. Set for warn+truncate string handling.
	Warn bool
}

func (v *Violation) Error() string {
	if v.Column != "" {
		return string(v.Kind) + ": file=" + v.File + " column=" + v.Column + " expected=" + v.Expected + " got=" + v.Got
	}
	return string(v.Kind) + ": file=" + v.File + " expected=" + v.Expected + " got=" + v.Got
}

func (v *Violation) Unwrap() error { return ErrSchemaViolation }

// AmendmentAction is the reviewer's decision on a proposed amendment.
type AmendmentAction string

const (
	ActionApproveAsProposed        AmendmentAction = "ApproveAsProposed"
	ActionApproveWithModifications AmendmentAction = "ApproveWithModifications"
	ActionReject                   AmendmentAction = "Reject"
	ActionCreateSeparateSchema     AmendmentAction = "CreateSeparateSchema"
)

// AmendmentProposal is a pending request to evolve a contract's locked
// schemas; it is never persisted as terminal until DecideAmendment runs.
type AmendmentProposal struct {
	ProposalID   string
	ContractID   string
	ScopeID      string
	Changes      []domain.LockedSchema
	Reason       string
	Proposer     string
	CreatedAt    time.Time
}

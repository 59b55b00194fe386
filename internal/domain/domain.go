// Package domain defines the persisted entity types shared across the
// storage, contract, approval, sentinel, and worker packages: plugins, jobs,
// events, approvals, schema contracts, and the backtest/scanner bookkeeping
// tables.
package domain

import (
	"encoding/json"
	"time"
)

// JobType distinguishes a normal ingestion run from a backtest or a
// dry-run preview.
type JobType string

const (
	JobTypeRun      JobType = "Run"
	JobTypeBacktest JobType = "Backtest"
	JobTypePreview  JobType = "Preview"
)

func (t JobType) IsValid() bool {
	switch t {
	case JobTypeRun, JobTypeBacktest, JobTypePreview:
		return true
	}
	return false
}

// JobStatus is the job lifecycle state. Queued -> Running -> one of the
// three terminal states; Queued -> Cancelled is allowed pre-claim.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "Queued"
	JobStatusRunning   JobStatus = "Running"
	JobStatusCompleted JobStatus = "Completed"
	JobStatusFailed    JobStatus = "Failed"
	JobStatusCancelled JobStatus = "Cancelled"
)

func (s JobStatus) IsValid() bool {
	switch s {
	case JobStatusQueued, JobStatusRunning, JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether s is one of the three terminal statuses, at
// which point the job record becomes immutable except for cleanup_old_data.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// JobProgress is the latest progress snapshot recorded against a job.
type JobProgress struct {
	Phase      string `json:"phase,omitempty"`
	ItemsDone  int64  `json:"items_done"`
	ItemsTotal *int64 `json:"items_total,omitempty"`
	Message    string `json:"message,omitempty"`
}

// JobResult is the final outcome recorded on a completed job.
type JobResult struct {
	RowsProcessed int64             `json:"rows_processed"`
	BytesWritten  int64             `json:"bytes_written"`
	Outputs       []string          `json:"outputs,omitempty"`
	Metrics       map[string]string `json:"metrics,omitempty"`
}

// Job is the unit of work the Sentinel schedules and workers execute.
type Job struct {
	JobID         int64       `json:"job_id"`
	Type          JobType     `json:"type"`
	Status        JobStatus   `json:"status"`
	PluginName    string      `json:"plugin_name"`
	PluginVersion string      `json:"plugin_version,omitempty"`
	InputDir      string      `json:"input_dir"`
	OutputSink    string      `json:"output_sink,omitempty"`
	ApprovalID    string      `json:"approval_id,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
	StartedAt     *time.Time  `json:"started_at,omitempty"`
	FinishedAt    *time.Time  `json:"finished_at,omitempty"`
	Progress      JobProgress `json:"progress"`
	Result        *JobResult  `json:"result,omitempty"`
	ErrorMessage  string      `json:"error_message,omitempty"`

	// Scheduling bookkeeping, not part of the public contract but
	// persisted alongside the job row.
	WorkerID     string     `json:"worker_id,omitempty"`
	ClaimTime    *time.Time `json:"claim_time,omitempty"`
	RetryCount   int        `json:"retry_count"`
	CancelAsked  bool       `json:"cancel_asked"`
	NextVisibleAt *time.Time `json:"next_visible_at,omitempty"`
}

// EventType enumerates the kinds of job events the host emits.
type EventType string

const (
	EventJobStarted       EventType = "JobStarted"
	EventPhase            EventType = "Phase"
	EventProgress         EventType = "Progress"
	EventViolation        EventType = "Violation"
	EventOutput           EventType = "Output"
	EventJobFinished      EventType = "JobFinished"
	EventApprovalRequired EventType = "ApprovalRequired"
)

// Event is a single append-only, per-job monotonically numbered audit
// record.
type Event struct {
	ID        int64           `json:"id"`
	JobID     int64           `json:"job_id"`
	EventID   int64           `json:"event_id"`
	EventType EventType       `json:"event_type"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// ApprovalStatus is the approval gate's terminal-once lifecycle state.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "Pending"
	ApprovalApproved ApprovalStatus = "Approved"
	ApprovalRejected ApprovalStatus = "Rejected"
	ApprovalExpired  ApprovalStatus = "Expired"
)

func (s ApprovalStatus) IsTerminal() bool {
	return s == ApprovalApproved || s == ApprovalRejected || s == ApprovalExpired
}

// Approval represents a pending or decided operation gate, e.g. a
// submit_run request awaiting reviewer sign-off.
type Approval struct {
	ApprovalID       string          `json:"approval_id"`
	Status           ApprovalStatus  `json:"status"`
	OperationType    string          `json:"operation_type"`
	OperationPayload json.RawMessage `json:"operation_payload"`
	Summary          string          `json:"summary"`
	CreatedAt        time.Time       `json:"created_at"`
	ExpiresAt        time.Time       `json:"expires_at"`
	DecidedAt        *time.Time      `json:"decided_at,omitempty"`
	DecidedBy        string          `json:"decided_by,omitempty"`
	RejectionReason  string          `json:"rejection_reason,omitempty"`
	JobID            *int64          `json:"job_id,omitempty"`
}

// Plugin is an immutable parser artifact; publishing a new version inserts
// a new row rather than mutating an existing one.
type Plugin struct {
	Name       string    `json:"name"`
	Version    string    `json:"version"`
	SourceHash string    `json:"source_hash"`
	EnvHash    string    `json:"env_hash"`
	Signature  string    `json:"signature,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// DataType is the closed set of column types a locked schema may declare.
type DataType string

const (
	DataTypeString    DataType = "String"
	DataTypeInt64     DataType = "Int64"
	DataTypeFloat64   DataType = "Float64"
	DataTypeBoolean   DataType = "Boolean"
	DataTypeDate      DataType = "Date"
	DataTypeTimestamp DataType = "Timestamp"
	DataTypeBinary    DataType = "Binary"
	DataTypeDecimal   DataType = "Decimal"
)

func (d DataType) IsValid() bool {
	switch d {
	case DataTypeString, DataTypeInt64, DataTypeFloat64, DataTypeBoolean,
		DataTypeDate, DataTypeTimestamp, DataTypeBinary, DataTypeDecimal:
		return true
	}
	return false
}

// LockedColumn is one immutable column definition inside a LockedSchema.
type LockedColumn struct {
	Name        string   `json:"name"`
	DataType    DataType `json:"data_type"`
	Nullable    bool     `json:"nullable"`
	Format      string   `json:"format,omitempty"`
	Description string   `json:"description,omitempty"`
}

// LockedSchema is an immutable, content-hashed table shape.
type LockedSchema struct {
	Name          string         `json:"name"`
	Columns       []LockedColumn `json:"columns"`
	SourcePattern string         `json:"source_pattern,omitempty"`
	ContentHash   string         `json:"content_hash"`
}

// SchemaContract is the versioned, approved set of locked schemas bound to
// a scope. Exactly one contract per scope is "latest"; earlier versions are
// retained for audit.
type SchemaContract struct {
	ContractID  string         `json:"contract_id"`
	ScopeID     string         `json:"scope_id"`
	Version     int            `json:"version"`
	ApprovedAt  time.Time      `json:"approved_at"`
	ApprovedBy  string         `json:"approved_by"`
	Schemas     []LockedSchema `json:"schemas"`
	ContentHash string         `json:"content_hash"`

	// NumericOverflowPolicy and StringTruncationPolicy are frozen at
	// approval time, per contract.
	NumericOverflowPolicy   string `json:"numeric_overflow_policy"`
	StringTruncationPolicy  string `json:"string_truncation_policy"`
	TimestampPolicy         string `json:"timestamp_policy"`
	PredecessorContractID   string `json:"predecessor_contract_id,omitempty"`
}

// HighFailureEntry is one historical pass/fail record appended to a
// HighFailureRecord's history.
type HighFailureEntry struct {
	Iteration     int       `json:"iteration"`
	ParserVersion string    `json:"parser_version"`
	Category      string    `json:"category,omitempty"`
	Message       string    `json:"message,omitempty"`
	Resolved      bool      `json:"resolved"`
	ResolvedBy    string    `json:"resolved_by,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// HighFailureRecord tracks a file's backtest failure streak within a
// scope, used to schedule high-failure-first in subsequent iterations.
type HighFailureRecord struct {
	FileID              string              `json:"file_id"`
	ScopeID             string              `json:"scope_id"`
	FailureCount        int                 `json:"failure_count"`
	ConsecutiveFailures int                 `json:"consecutive_failures"`
	FirstFailureAt      time.Time           `json:"first_failure_at"`
	LastFailureAt       time.Time           `json:"last_failure_at"`
	LastTestedAt        time.Time           `json:"last_tested_at"`
	History             []HighFailureEntry  `json:"history"`
}

// ScanFile is a single discovered source file tracked by the scanner.
type ScanFile struct {
	SourceID      string     `json:"source_id"`
	RelPath       string     `json:"rel_path"`
	Size          int64      `json:"size"`
	MTime         time.Time  `json:"mtime"`
	SentinelJobID *int64     `json:"sentinel_job_id,omitempty"`
	Error         string     `json:"error,omitempty"`
	ScanOK        bool       `json:"scan_ok"`
}

// ScanFolder is an aggregated folder count row, updated incrementally as
// batches of ScanFile rows are persisted.
type ScanFolder struct {
	SourceID  string `json:"source_id"`
	Prefix    string `json:"prefix"`
	Name      string `json:"name"`
	FileCount int64  `json:"file_count"`
	IsFolder  bool   `json:"is_folder"`
}

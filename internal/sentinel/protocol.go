package sentinel

import (
	"encoding/json"

	"github.com/sl224/casparianflow/internal/domain"
	"github.com/sl224/casparianflow/internal/observability"
)

// Request and response payload types for the Sentinel wire protocol. Each
// payload is carried inside a wire.Frame whose op identifies the shape;
// failures come back as an OpError frame with an ErrorPayload.

// SubmitJobRequest asks the Sentinel to accept new work. Run jobs go
// through the approval gate and return an approval id; Backtest and
// Preview jobs enqueue directly and return a job id.
type SubmitJobRequest struct {
	Type       domain.JobType  `json:"type"`
	PluginRef  string          `json:"plugin_ref"` // "name" or "name@version"
	InputDir   string          `json:"input_dir"`
	OutputSink string          `json:"output_sink,omitempty"`
	Config     json.RawMessage `json:"config,omitempty"` // backtest config, opaque to the gate
	Summary    string          `json:"summary,omitempty"`
}

type SubmitJobResponse struct {
	ApprovalID string `json:"approval_id,omitempty"`
	JobID      int64  `json:"job_id,omitempty"`
}

// DecideApprovalRequest resolves a pending approval.
type DecideApprovalRequest struct {
	ApprovalID string `json:"approval_id"`
	Approve    bool   `json:"approve"`
	Actor      string `json:"actor"`
	Reason     string `json:"reason,omitempty"`
}

type DecideApprovalResponse struct {
	Status          domain.ApprovalStatus `json:"status"`
	JobID           int64                 `json:"job_id,omitempty"`
	RejectionReason string                `json:"rejection_reason,omitempty"`
}

// ClaimNextRequest asks for the oldest claimable job. The Sentinel holds
// the request open up to its configured idle window before answering
// NoWork, so an idle worker parks server-side instead of hot-polling.
type ClaimNextRequest struct {
	WorkerID string `json:"worker_id"`
}

type ClaimNextResponse struct {
	NoWork bool        `json:"no_work,omitempty"`
	Job    *domain.Job `json:"job,omitempty"`

	// Trace carries the submit/dispatch trace across the process
	// boundary so the worker's execution span parents into it.
	Trace observability.TraceContext `json:"trace,omitempty"`
}

// ProgressRequest reports liveness and progress for a claimed job. The
// response acknowledges it and carries the pending-cancel flag back to
// the owning worker.
type ProgressRequest struct {
	JobID    int64              `json:"job_id"`
	WorkerID string             `json:"worker_id"`
	Progress domain.JobProgress `json:"progress"`
}

type ProgressResponse struct {
	CancelRequested bool `json:"cancel_requested,omitempty"`
}

// CompleteRequest transitions a Running job to Completed.
type CompleteRequest struct {
	JobID  int64            `json:"job_id"`
	Result domain.JobResult `json:"result"`
}

// FailRequest transitions a Running job to Failed (or re-enqueues it when
// the code is retryable and retries remain).
type FailRequest struct {
	JobID   int64  `json:"job_id"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// CancelRequest asks for a job to be cancelled.
type CancelRequest struct {
	JobID int64 `json:"job_id"`
}

// StatusRequest fetches a single job, or lists jobs when JobID is zero.
type StatusRequest struct {
	JobID  int64  `json:"job_id,omitempty"`
	Filter string `json:"filter,omitempty"` // job status filter for listings
	Limit  int    `json:"limit,omitempty"`
}

type StatusResponse struct {
	Job  *domain.Job   `json:"job,omitempty"`
	Jobs []*domain.Job `json:"jobs,omitempty"`
}

// ListEventsRequest reads a job's event stream after a cursor.
type ListEventsRequest struct {
	JobID        int64 `json:"job_id"`
	AfterEventID int64 `json:"after_event_id,omitempty"`
}

type ListEventsResponse struct {
	Events []*domain.Event `json:"events"`
}

// QueryOutputsRequest runs a read-only SQL statement against the embedded
// store's output tables.
type QueryOutputsRequest struct {
	SQL string `json:"sql"`
}

type QueryOutputsResponse struct {
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
}

// ErrorPayload is the body of every OpError response frame: a stable
// code, a short user-facing message, and an optional TRY: remediation.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Try     string `json:"try,omitempty"`
}

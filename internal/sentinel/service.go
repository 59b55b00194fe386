// Package sentinel is the job orchestrator: it owns the wire-protocol
// surface workers and clients connect to, routes run requests through the
// approval gate, serializes job claims through the embedded store, tracks
// worker liveness, and keeps the Prometheus job/queue gauges current.
package sentinel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sl224/casparianflow/internal/apistore"
	"github.com/sl224/casparianflow/internal/approval"
	"github.com/sl224/casparianflow/internal/config"
	"github.com/sl224/casparianflow/internal/coreerr"
	"github.com/sl224/casparianflow/internal/domain"
	"github.com/sl224/casparianflow/internal/logging"
	"github.com/sl224/casparianflow/internal/metrics"
	"github.com/sl224/casparianflow/internal/observability"
	"github.com/sl224/casparianflow/internal/queue"
	"github.com/sl224/casparianflow/internal/storage"
)

// Service implements every Sentinel operation independent of the wire
// transport, so the protocol handler and in-process callers (tests, the
// daemon's own loops) share one code path.
type Service struct {
	store    *apistore.Store
	gate     *approval.Gate
	raw      *storage.Store
	notifier queue.Notifier
	metrics  *metrics.Sentinel
	cfg      config.SentinelConfig
	ttl      time.Duration // approval default TTL

	// lastSeen tracks the most recent progress (or claim) per Running
	// job, feeding the worker-lost watchdog.
	mu       sync.Mutex
	lastSeen map[int64]time.Time
}

func NewService(store *apistore.Store, gate *approval.Gate, raw *storage.Store,
	notifier queue.Notifier, m *metrics.Sentinel, cfg config.SentinelConfig, approvalTTL time.Duration) *Service {
	if notifier == nil {
		notifier = queue.NewNoopNotifier()
	}
	return &Service{
		store:    store,
		gate:     gate,
		raw:      raw,
		notifier: notifier,
		metrics:  m,
		cfg:      cfg,
		ttl:      approvalTTL,
		lastSeen: make(map[int64]time.Time),
	}
}

// runRequestPayload is what a submit_run approval carries; approving it
// replays the request into a Queued job.
type runRequestPayload struct {
	PluginName    string `json:"plugin_name"`
	PluginVersion string `json:"plugin_version,omitempty"`
	InputDir      string `json:"input_dir"`
	OutputSink    string `json:"output_sink,omitempty"`
}

// SubmitJob accepts new work. Run jobs open a pending approval and return
// its id; Backtest and Preview jobs enqueue immediately.
func (s *Service) SubmitJob(ctx context.Context, req SubmitJobRequest) (*SubmitJobResponse, error) {
	if !req.Type.IsValid() {
		return nil, coreerr.New(coreerr.CodeInternal, fmt.Sprintf("unknown job type %q", req.Type))
	}
	name, version := splitPluginRef(req.PluginRef)
	if name == "" {
		return nil, coreerr.New(coreerr.CodePluginValidation, "empty plugin reference")
	}

	if req.Type == domain.JobTypeRun {
		payload := runRequestPayload{
			PluginName: name, PluginVersion: version,
			InputDir: req.InputDir, OutputSink: req.OutputSink,
		}
		summary := req.Summary
		if summary == "" {
			summary = fmt.Sprintf("run %s over %s", req.PluginRef, req.InputDir)
		}
		id, err := s.gate.Create(ctx, "submit_run", payload, summary, s.ttl)
		if err != nil {
			return nil, err
		}
		return &SubmitJobResponse{ApprovalID: id}, nil
	}

	jobID, err := s.enqueueJob(ctx, domain.Job{
		Type: req.Type, PluginName: name, PluginVersion: version,
		InputDir: req.InputDir, OutputSink: req.OutputSink,
	})
	if err != nil {
		return nil, err
	}
	return &SubmitJobResponse{JobID: jobID}, nil
}

// DecideApproval resolves a pending approval; on approve it creates the
// job the approval authorized and binds it.
func (s *Service) DecideApproval(ctx context.Context, req DecideApprovalRequest) (*DecideApprovalResponse, error) {
	status, err := s.gate.Decide(ctx, req.ApprovalID, req.Approve, req.Actor, req.Reason)
	if err != nil {
		switch {
		case errors.Is(err, approval.ErrExpired):
			return nil, coreerr.Wrap(coreerr.CodeApprovalExpired, "approval expired before decision", err)
		case errors.Is(err, approval.ErrNotPending):
			return nil, coreerr.Wrap(coreerr.CodeApprovalRejected, "approval already decided", err)
		case errors.Is(err, storage.ErrNotFound):
			return nil, coreerr.Wrap(coreerr.CodeApprovalNotFound, "no such approval", err)
		}
		return nil, err
	}

	if status == domain.ApprovalRejected {
		a, _ := s.gate.Get(ctx, req.ApprovalID)
		resp := &DecideApprovalResponse{Status: status}
		if a != nil {
			resp.RejectionReason = a.RejectionReason
		}
		return resp, nil
	}

	a, err := s.gate.Get(ctx, req.ApprovalID)
	if err != nil {
		return nil, err
	}
	var payload runRequestPayload
	if err := json.Unmarshal(a.OperationPayload, &payload); err != nil {
		return nil, coreerr.Wrap(coreerr.CodeInternal, "malformed approval payload", err)
	}

	jobID, err := s.enqueueJob(ctx, domain.Job{
		Type: domain.JobTypeRun, PluginName: payload.PluginName, PluginVersion: payload.PluginVersion,
		InputDir: payload.InputDir, OutputSink: payload.OutputSink, ApprovalID: req.ApprovalID,
	})
	if err != nil {
		return nil, err
	}
	if err := s.gate.BindToJob(ctx, req.ApprovalID, jobID); err != nil {
		return nil, err
	}
	return &DecideApprovalResponse{Status: status, JobID: jobID}, nil
}

func (s *Service) enqueueJob(ctx context.Context, job domain.Job) (int64, error) {
	jobID, err := s.store.SubmitJob(ctx, job)
	if err != nil {
		return 0, err
	}
	s.notifier.Notify(ctx, queue.QueueJobs)
	logging.Op().Info("job enqueued", "job_id", jobID, "type", job.Type, "plugin", job.PluginName)
	return jobID, nil
}

// ClaimNext serves one claim request: an immediate attempt, then parked on
// the queue notifier up to the idle window before answering NoWork.
func (s *Service) ClaimNext(ctx context.Context, req ClaimNextRequest) (*ClaimNextResponse, error) {
	deadline := time.Now().Add(s.cfg.ClaimPollIdle)
	waitCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()
	wake := s.notifier.Subscribe(waitCtx, queue.QueueJobs)

	for {
		start := time.Now()
		job, err := s.store.ClaimNext(ctx, req.WorkerID)
		if s.metrics != nil {
			s.metrics.ObserveClaimDuration(time.Since(start))
		}
		if err != nil {
			return nil, err
		}
		if job != nil {
			s.touch(job.JobID)
			s.emitEvent(ctx, job.JobID, domain.EventJobStarted, map[string]any{"worker_id": req.WorkerID})
			logging.Op().Info("job claimed", "job_id", job.JobID, "worker_id", req.WorkerID)
			return &ClaimNextResponse{Job: job, Trace: observability.Capture(ctx)}, nil
		}

		// Deadline first: the subscription channel closes with waitCtx,
		// so a plain two-way select could spin on the closed channel.
		select {
		case <-waitCtx.Done():
			return &ClaimNextResponse{NoWork: true}, nil
		default:
		}
		select {
		case <-waitCtx.Done():
			return &ClaimNextResponse{NoWork: true}, nil
		case <-wake:
			// A job became visible; loop and try the claim again.
		}
	}
}

// Progress records a worker's progress ack and returns the pending-cancel
// flag, the only channel through which cancellation reaches a running
// worker.
func (s *Service) Progress(ctx context.Context, req ProgressRequest) (*ProgressResponse, error) {
	job, err := s.store.GetJob(ctx, req.JobID)
	if err != nil {
		return nil, err
	}
	if job.Status != domain.JobStatusRunning {
		return nil, coreerr.New(coreerr.CodeInternal, fmt.Sprintf("job %d is %s, not Running", req.JobID, job.Status))
	}

	s.touch(req.JobID)
	if err := s.store.UpdateProgress(ctx, req.JobID, req.Progress); err != nil {
		return nil, err
	}
	s.emitEvent(ctx, req.JobID, domain.EventProgress, req.Progress)
	return &ProgressResponse{CancelRequested: job.CancelAsked}, nil
}

// Complete finishes a Running job as Completed, emitting the Output
// event for its sinks ahead of the terminal JobFinished.
func (s *Service) Complete(ctx context.Context, req CompleteRequest) error {
	if err := s.store.FinishJob(ctx, req.JobID, domain.JobStatusCompleted, &req.Result, ""); err != nil {
		return err
	}
	s.forget(req.JobID)
	for _, uri := range req.Result.Outputs {
		s.emitEvent(ctx, req.JobID, domain.EventOutput, map[string]any{
			"sink_uri": uri,
			"rows":     req.Result.RowsProcessed,
			"bytes":    req.Result.BytesWritten,
		})
	}
	s.emitEvent(ctx, req.JobID, domain.EventJobFinished,
		map[string]any{"status": "Completed", "rows": req.Result.RowsProcessed})
	if s.metrics != nil {
		s.metrics.RecordJobFinished(metrics.JobStateCompleted)
	}
	return nil
}

// Fail finishes a Running job as Failed, or re-enqueues it when the
// failure code is retryable and the retry budget allows.
func (s *Service) Fail(ctx context.Context, req FailRequest) error {
	job, err := s.store.GetJob(ctx, req.JobID)
	if err != nil {
		return err
	}
	code := coreerr.Code(req.Code)
	delay := retryBackoff(job.RetryCount, s.cfg.RetryBaseDelay, s.cfg.RetryMaxDelay)

	if err := s.store.RetryJob(ctx, req.JobID, s.cfg.MaxRetries, code, req.Message, delay); err != nil {
		return err
	}
	s.forget(req.JobID)

	if coreerr.IsRetryableCode(code) && job.RetryCount < s.cfg.MaxRetries {
		if s.metrics != nil {
			s.metrics.RecordRetry(req.Code)
		}
		s.notifier.Notify(ctx, queue.QueueJobs)
		s.emitEvent(ctx, req.JobID, domain.EventPhase,
			map[string]any{"phase": "retry_scheduled", "retry": job.RetryCount + 1, "code": req.Code})
		return nil
	}

	s.emitEvent(ctx, req.JobID, domain.EventJobFinished,
		map[string]any{"status": "Failed", "code": req.Code, "error": req.Message})
	if s.metrics != nil {
		s.metrics.RecordJobFinished(metrics.JobStateFailed)
	}
	return nil
}

// Cancel requests cancellation: unclaimed jobs transition directly to
// Cancelled; running jobs get the pending-cancel flag delivered on their
// next progress ack.
func (s *Service) Cancel(ctx context.Context, req CancelRequest) error {
	job, err := s.store.GetJob(ctx, req.JobID)
	if err != nil {
		return err
	}
	if job.Status.IsTerminal() {
		return nil
	}

	wasQueued := job.Status == domain.JobStatusQueued
	if err := s.store.RequestCancel(ctx, req.JobID); err != nil {
		return err
	}
	if wasQueued {
		s.emitEvent(ctx, req.JobID, domain.EventJobFinished, map[string]any{"status": "Cancelled"})
		if s.metrics != nil {
			s.metrics.RecordJobFinished(metrics.JobStateCancelled)
		}
	}
	logging.Op().Info("cancel requested", "job_id", req.JobID, "pre_claim", wasQueued)
	return nil
}

// Status fetches one job or a filtered listing.
func (s *Service) Status(ctx context.Context, req StatusRequest) (*StatusResponse, error) {
	if req.JobID != 0 {
		job, err := s.store.GetJob(ctx, req.JobID)
		if err != nil {
			return nil, err
		}
		return &StatusResponse{Job: job}, nil
	}
	jobs, err := s.store.ListJobs(ctx, domain.JobStatus(req.Filter), req.Limit)
	if err != nil {
		return nil, err
	}
	return &StatusResponse{Jobs: jobs}, nil
}

// ListEvents reads a job's event stream after the given cursor.
func (s *Service) ListEvents(ctx context.Context, req ListEventsRequest) (*ListEventsResponse, error) {
	events, err := s.store.ListEvents(ctx, req.JobID, req.AfterEventID)
	if err != nil {
		return nil, err
	}
	return &ListEventsResponse{Events: events}, nil
}

// QueryOutputs runs a read-only SELECT against the embedded store.
// A statement that does not start with SELECT or WITH, or that contains
// a write keyword, is rejected before reaching the database.
func (s *Service) QueryOutputs(ctx context.Context, req QueryOutputsRequest) (*QueryOutputsResponse, error) {
	if err := checkReadOnlySQL(req.SQL); err != nil {
		return nil, err
	}
	rows, err := s.raw.Query(ctx, req.SQL)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.CodeInternal, "query failed", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, coreerr.Wrap(coreerr.CodeInternal, "column metadata", err)
	}
	resp := &QueryOutputsResponse{Columns: cols}
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, coreerr.Wrap(coreerr.CodeInternal, "scan failed", err)
		}
		resp.Rows = append(resp.Rows, vals)
	}
	return resp, rows.Err()
}

var forbiddenSQL = []string{"insert", "update", "delete", "drop", "create", "alter", "attach", "pragma", "vacuum", "replace", "begin", "commit"}

func checkReadOnlySQL(q string) error {
	trimmed := strings.ToLower(strings.TrimSpace(q))
	if !strings.HasPrefix(trimmed, "select") && !strings.HasPrefix(trimmed, "with") {
		return coreerr.New(coreerr.CodeInternal, "query_outputs accepts read-only SELECT statements")
	}
	for _, kw := range forbiddenSQL {
		if strings.Contains(trimmed, kw+" ") || strings.Contains(trimmed, kw+"\n") {
			return coreerr.New(coreerr.CodeInternal, "query_outputs accepts read-only SELECT statements")
		}
	}
	return nil
}

func (s *Service) emitEvent(ctx context.Context, jobID int64, evtType domain.EventType, payload any) {
	if _, err := s.store.InsertEvent(ctx, jobID, evtType, payload); err != nil {
		logging.Op().Warn("failed to record job event", "job_id", jobID, "event_type", evtType, "error", err)
	}
}

func (s *Service) touch(jobID int64) {
	s.mu.Lock()
	s.lastSeen[jobID] = time.Now()
	s.mu.Unlock()
}

func (s *Service) forget(jobID int64) {
	s.mu.Lock()
	delete(s.lastSeen, jobID)
	s.mu.Unlock()
}

func (s *Service) lastProgress(jobID int64) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.lastSeen[jobID]
	return t, ok
}

func splitPluginRef(ref string) (name, version string) {
	if i := strings.IndexByte(ref, '@'); i >= 0 {
		return ref[:i], ref[i+1:]
	}
	return ref, ""
}

func retryBackoff(retryCount int, base, max time.Duration) time.Duration {
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	d := base
	for i := 0; i < retryCount; i++ {
		d *= 2
		if max > 0 && d >= max {
			return max
		}
	}
	if max > 0 && d > max {
		return max
	}
	return d
}

// traceOp wraps an operation handler in a span the way the dispatch path
// is traced end to end.
func traceOp(ctx context.Context, op string) (context.Context, func(err error)) {
	ctx, span := observability.StartSpan(ctx, "sentinel."+op)
	return ctx, func(err error) {
		if err != nil {
			observability.SetSpanError(span, err)
		} else {
			observability.SetSpanOK(span)
		}
		span.End()
	}
}

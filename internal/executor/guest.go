package executor

import (
	"context"
	"fmt"
	"io/fs"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/sl224/casparianflow/internal/arrowio"
	"github.com/sl224/casparianflow/internal/contract"
	"github.com/sl224/casparianflow/internal/coreerr"
	"github.com/sl224/casparianflow/internal/domain"
	"github.com/sl224/casparianflow/internal/identity"
	"github.com/sl224/casparianflow/internal/logging"
	pkgvsock "github.com/sl224/casparianflow/internal/pkg/vsock"
	"github.com/sl224/casparianflow/internal/sinks"
	"github.com/sl224/casparianflow/internal/wire"
)

// guestAcceptTimeout bounds how long the host waits for the freshly
// spawned guest to dial back in before treating the spawn as failed.
const guestAcceptTimeout = 10 * time.Second

// SchemaFramePayload carries the Arrow IPC schema message followed by a
// zero-row record batch message (see arrowio.Writer.SchemaFrame).
type SchemaFramePayload struct {
	Data []byte `json:"data"`
}

// RecordBatchPayload carries one Arrow IPC record batch message.
type RecordBatchPayload struct {
	Data []byte `json:"data"`
}

// ProgressPayload is a guest-reported liveness/progress update.
type ProgressPayload struct {
	Phase     string `json:"phase"`
	ItemsDone int64  `json:"items_done"`
	Message   string `json:"message"`
}

// CompletePayload is the guest's final success report.
type CompletePayload struct {
	RowsProcessed int64 `json:"rows_processed"`
}

// FailPayload is the guest's final failure report.
type FailPayload struct {
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// runGuest spawns job's plugin entrypoint from envDir, streams its Arrow
// IPC output, validates every row against scopeContract, and writes
// accepted rows to the job's configured sink. Rejected non-structural
// rows are quarantined; a structural violation or guest-reported failure
// ends the job without writing further rows.
// validateOnly skips sink construction and writes entirely: rows are
// decoded and validated against the contract but never persisted. The
// backtest path runs every file this way.
func (e *Executor) runGuest(ctx context.Context, job *domain.Job, envDir string, scopeContract *domain.SchemaContract, validateOnly bool) (*domain.JobResult, error) {
	schema, err := selectSchema(scopeContract, job)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.CodeSchemaViolation, "no schema matches job input", err)
	}

	listener, addr, cleanup, err := e.listenForGuest(job)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.CodeTransportError, "open guest transport", err)
	}
	defer cleanup()

	cmd, err := e.spawnGuest(ctx, job, envDir, addr)
	if err != nil {
		listener.Close()
		return nil, coreerr.Wrap(coreerr.CodeGuestCrash, "spawn guest process", err)
	}
	defer killGuest(cmd)

	connCh := make(chan net.Conn, 1)
	acceptErrCh := make(chan error, 1)
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			acceptErrCh <- err
			return
		}
		connCh <- conn
	}()

	var conn net.Conn
	select {
	case conn = <-connCh:
	case err := <-acceptErrCh:
		return nil, coreerr.Wrap(coreerr.CodeTransportError, "accept guest connection", err)
	case <-time.After(guestAcceptTimeout):
		return nil, coreerr.New(coreerr.CodeGuestCrash, "guest did not connect within timeout")
	case <-ctx.Done():
		return nil, coreerr.Wrap(coreerr.CodeCancelled, "cancelled waiting for guest", ctx.Err())
	}
	defer conn.Close()

	codec := wire.NewCodec(conn)
	if _, err := codec.Handshake(e.workerID); err != nil {
		return nil, coreerr.Wrap(coreerr.CodeTransportError, "guest handshake", err)
	}

	return e.streamFromGuest(ctx, job, codec, schema, contract.PoliciesOf(scopeContract), validateOnly)
}

func selectSchema(ctr *domain.SchemaContract, job *domain.Job) (domain.LockedSchema, error) {
	if len(ctr.Schemas) == 0 {
		return domain.LockedSchema{}, fmt.Errorf("contract %s has no locked schemas", ctr.ContractID)
	}
	if len(ctr.Schemas) == 1 {
		return ctr.Schemas[0], nil
	}
	for _, s := range ctr.Schemas {
		if s.SourcePattern != "" && matchesPattern(s.SourcePattern, job.InputDir) {
			return s, nil
		}
	}
	return domain.LockedSchema{}, fmt.Errorf("no schema in contract %s matches input %s", ctr.ContractID, job.InputDir)
}

func matchesPattern(pattern, path string) bool {
	ok, err := filepath.Match(pattern, filepath.Base(path))
	return err == nil && ok
}

func (e *Executor) listenForGuest(job *domain.Job) (net.Listener, string, func(), error) {
	switch e.transport.Kind {
	case "vsock":
		port := e.transport.VsockPort
		if port == 0 {
			port = 9000 + uint32(job.JobID%1000)
		}
		l, err := pkgvsock.Listen(port)
		if err != nil {
			return nil, "", func() {}, err
		}
		return l, fmt.Sprintf("vsock:%d", port), func() { l.Close() }, nil
	default:
		sockPath := e.transport.SocketPath
		if sockPath == "" {
			sockPath = filepath.Join(os.TempDir(), fmt.Sprintf("cf-job-%d.sock", job.JobID))
		}
		os.Remove(sockPath)
		l, err := net.Listen("unix", sockPath)
		if err != nil {
			return nil, "", func() {}, err
		}
		return l, sockPath, func() { l.Close(); os.Remove(sockPath) }, nil
	}
}

func (e *Executor) spawnGuest(ctx context.Context, job *domain.Job, envDir, addr string) (*exec.Cmd, error) {
	entrypoint := filepath.Join(envDir, "entrypoint")
	if _, err := os.Stat(entrypoint); err != nil {
		return nil, fmt.Errorf("plugin entrypoint not found in environment %s: %w", envDir, err)
	}

	cmd := exec.CommandContext(ctx, entrypoint)
	cmd.Dir = envDir
	cmd.Env = append(os.Environ(),
		"CF_GUEST_TRANSPORT="+e.transport.Kind,
		"CF_GUEST_ADDR="+addr,
		"CF_INPUT_DIR="+job.InputDir,
		fmt.Sprintf("CF_JOB_ID=%d", job.JobID),
		fmt.Sprintf("CF_PROTOCOL_VERSION=%d", wire.ProtocolVersion),
	)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return cmd, nil
}

func killGuest(cmd *exec.Cmd) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	_ = cmd.Process.Kill()
	_ = cmd.Wait()
}

// streamFromGuest drives the wire protocol loop for one job: schema
// frame, then an interleaving of record batches and progress updates,
// ending in either a complete or fail frame.
func (e *Executor) streamFromGuest(ctx context.Context, job *domain.Job, codec *wire.Codec, schema domain.LockedSchema, pol contract.Policies, validateOnly bool) (*domain.JobResult, error) {
	reader := arrowio.NewReader(nil)
	defer reader.CloseFeed()

	var sink sinks.Sink
	var quarantine sinks.Sink
	defer func() {
		if sink != nil {
			sink.Close(ctx)
		}
		if quarantine != nil {
			quarantine.Close(ctx)
		}
	}()

	lineage := sinks.Lineage{
		JobID:         job.JobID,
		SourceHash:    sourceHashFor(job.InputDir),
		ParserVersion: job.PluginVersion,
	}
	var rowsProcessed int64
	var lastProgress time.Time
	schemaChecked := false

	for {
		select {
		case <-ctx.Done():
			return nil, coreerr.Wrap(coreerr.CodeCancelled, "job cancelled", ctx.Err())
		default:
		}

		f, err := codec.Read()
		if err != nil {
			return nil, coreerr.Wrap(coreerr.CodeTransportError, "read guest frame", err)
		}

		switch f.Op {
		case wire.OpSchemaFrame:
			var p SchemaFramePayload
			if err := f.Decode(&p); err != nil {
				return nil, coreerr.Wrap(coreerr.CodeTransportError, "decode schema frame", err)
			}
			if err := reader.Feed(p.Data); err != nil {
				return nil, coreerr.Wrap(coreerr.CodeTransportError, "feed schema frame", err)
			}
			rec := <-reader.Records()
			if rec == nil {
				return nil, coreerr.Wrap(coreerr.CodeGuestCrash, "schema frame produced no record", reader.Err())
			}
			if violation := arrowio.CheckSchemaFrame(rec.Schema(), schema); violation != nil {
				rec.Release()
				return nil, coreerr.Wrap(coreerr.CodeSchemaViolation, violation.Error(), violation)
			}
			rec.Release()
			schemaChecked = true

			if !validateOnly {
				sink, err = sinks.Resolve(job.OutputSink, false, sinks.Opts{
					Lineage: lineage,
					Columns: columnNames(schema),
				})
				if err != nil {
					return nil, coreerr.Wrap(coreerr.CodeInternal, "resolve output sink", err)
				}
			}

		case wire.OpRecordBatch:
			if !schemaChecked {
				return nil, coreerr.New(coreerr.CodeGuestCrash, "record batch received before schema frame")
			}
			var p RecordBatchPayload
			if err := f.Decode(&p); err != nil {
				return nil, coreerr.Wrap(coreerr.CodeTransportError, "decode record batch", err)
			}
			if err := reader.Feed(p.Data); err != nil {
				return nil, coreerr.Wrap(coreerr.CodeTransportError, "feed record batch", err)
			}
			rec := <-reader.Records()
			if rec == nil {
				return nil, coreerr.Wrap(coreerr.CodeGuestCrash, "record batch decode failed", reader.Err())
			}

			accepted, quarantined, warned, violation := splitRows(rec, schema, pol, rowsProcessed)
			rec.Release()
			if violation != nil {
				return nil, coreerr.Wrap(coreerr.CodeSchemaViolation, violation.Error(), violation)
			}
			if warned > 0 {
				e.emitEvent(ctx, job.JobID, domain.EventViolation, map[string]any{"warned_rows": warned})
			}

			if !validateOnly && len(accepted) > 0 {
				if err := sink.WriteBatch(ctx, accepted); err != nil {
					return nil, coreerr.Wrap(coreerr.CodeInternal, "write sink batch", err)
				}
			}
			if len(quarantined) > 0 {
				if !validateOnly {
					if quarantine == nil {
						quarantine, err = sinks.Resolve("", true, sinks.Opts{Lineage: lineage})
						if err != nil {
							return nil, coreerr.Wrap(coreerr.CodeInternal, "resolve quarantine sink", err)
						}
					}
					if err := quarantine.WriteBatch(ctx, quarantined); err != nil {
						return nil, coreerr.Wrap(coreerr.CodeInternal, "write quarantine batch", err)
					}
				}
				e.emitEvent(ctx, job.JobID, domain.EventViolation, map[string]any{"quarantined_rows": len(quarantined)})
			}

			rowsProcessed += int64(len(accepted) + len(quarantined))
			e.tracker.Update(job.JobID, "processing", rowsProcessed, "")
			if time.Since(lastProgress) >= e.progressEvery {
				if err := e.jobs.UpdateProgress(ctx, job.JobID, domain.JobProgress{Phase: "processing", ItemsDone: rowsProcessed}); err != nil {
					logging.Op().Warn("failed to persist progress", "job_id", job.JobID, "error", err)
				}
				lastProgress = time.Now()
			}

		case wire.OpProgress:
			var p ProgressPayload
			f.Decode(&p)
			e.tracker.Heartbeat(job.JobID)

		case wire.OpComplete:
			var p CompletePayload
			f.Decode(&p)
			if p.RowsProcessed == 0 {
				p.RowsProcessed = rowsProcessed
			}
			result := &domain.JobResult{RowsProcessed: p.RowsProcessed}
			if sink != nil {
				// Finalize before reporting so the Output event carries
				// the real on-disk size; the deferred close becomes a
				// no-op afterward.
				if err := sink.Close(ctx); err != nil {
					return nil, coreerr.Wrap(coreerr.CodeInternal, "finalize output sink", err)
				}
				result.BytesWritten = sink.BytesWritten()
				result.Outputs = []string{job.OutputSink}
				e.emitEvent(ctx, job.JobID, domain.EventOutput, map[string]any{
					"sink_uri": job.OutputSink,
					"rows":     p.RowsProcessed,
					"bytes":    result.BytesWritten,
				})
			}
			return result, nil

		case wire.OpFail:
			var p FailPayload
			f.Decode(&p)
			code := coreerr.CodeGuestCrash
			if p.Retryable {
				code = coreerr.CodeTransient
			}
			return nil, coreerr.New(code, p.Message)

		default:
			logging.Op().Warn("unexpected frame from guest", "op", f.Op, "job_id", job.JobID)
		}
	}
}

// sourceHashFor fingerprints a job's input for the _cf_source_hash
// lineage column: the content hash of a single input file, or a hash
// over the sorted (path, size, mtime) listing for a directory input.
func sourceHashFor(inputPath string) string {
	info, err := os.Stat(inputPath)
	if err != nil {
		return identity.HashString(inputPath)
	}
	if !info.IsDir() {
		if h, err := identity.HashFile(inputPath); err == nil {
			return h
		}
		return identity.HashString(inputPath)
	}

	var sb strings.Builder
	filepath.WalkDir(inputPath, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil || d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(inputPath, p)
		if err != nil {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return nil
		}
		fmt.Fprintf(&sb, "%s\x00%d\x00%d\n", filepath.ToSlash(rel), fi.Size(), fi.ModTime().UnixNano())
		return nil
	})
	return identity.HashString(sb.String())
}

// splitRows validates every row in rec under the contract's policies and
// partitions them into rows accepted for the sink and rows quarantined
// for a non-structural violation. Warn-only findings (e.g. warn+truncate)
// leave their row accepted, already normalized, and are counted for the
// Violation event. A structural violation (the final return value) means
// the whole batch — and the job — must fail.
func splitRows(rec arrow.Record, schema domain.LockedSchema, pol contract.Policies, rowsSeenBefore int64) (accepted, quarantined []sinks.Row, warned int, structural *contract.Violation) {
	n := int(rec.NumRows())
	for i := 0; i < n; i++ {
		values, order := arrowio.RowValues(rec, i)
		violations := contract.ValidateRow(schema, order, values, rowsSeenBefore+int64(i), pol)

		hard := 0
		for _, v := range violations {
			if v.Kind.Structural() {
				return nil, nil, 0, v
			}
			if v.Warn {
				warned++
			} else {
				hard++
			}
		}
		if hard == 0 {
			accepted = append(accepted, buildRow(values))
		} else {
			quarantined = append(quarantined, buildRow(values))
		}
	}
	return accepted, quarantined, warned, nil
}

// columnNames lists a locked schema's column names in declared order.
func columnNames(schema domain.LockedSchema) []string {
	out := make([]string, len(schema.Columns))
	for i, c := range schema.Columns {
		out[i] = c.Name
	}
	return out
}

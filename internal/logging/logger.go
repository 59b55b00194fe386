package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// JobEventLog is a single structured, per-job-event audit record, distinct
// from the operational slog stream (Op()). It is what the Sentinel and
// Worker write for every terminal/significant job transition so operators
// have a line-oriented audit trail independent of the event table itself.
type JobEventLog struct {
	Timestamp  time.Time `json:"timestamp"`
	JobID      int64     `json:"job_id"`
	EventType  string    `json:"event_type"`
	Plugin     string    `json:"plugin"`
	DurationMs int64     `json:"duration_ms,omitempty"`
	Success    bool      `json:"success"`
	Error      string    `json:"error,omitempty"`
	RowsDone   int64     `json:"rows_done,omitempty"`
	Retries    int       `json:"retries,omitempty"`
}

// Logger handles per-job audit logging, console and/or file backed.
type Logger struct {
	mu      sync.Mutex
	enabled bool
	file    *os.File
	console bool
}

var defaultLogger = &Logger{enabled: true, console: true}

// Default returns the default logger.
func Default() *Logger {
	return defaultLogger
}

// SetOutput sets the log output file.
func (l *Logger) SetOutput(path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		l.file.Close()
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	l.file = f
	return nil
}

// SetConsole enables/disables console output.
func (l *Logger) SetConsole(enabled bool) {
	l.mu.Lock()
	l.console = enabled
	l.mu.Unlock()
}

// Log writes a job event log entry.
func (l *Logger) Log(entry *JobEventLog) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled {
		return
	}

	entry.Timestamp = time.Now()

	if l.console {
		status := "ok"
		if !entry.Success {
			status = "fail"
		}
		retry := ""
		if entry.Retries > 0 {
			retry = fmt.Sprintf(" [retry:%d]", entry.Retries)
		}
		fmt.Printf("[job] %s job=%d %s plugin=%s %dms%s\n",
			status, entry.JobID, entry.EventType, entry.Plugin, entry.DurationMs, retry)
		if entry.Error != "" {
			fmt.Printf("[job]   error: %s\n", entry.Error)
		}
	}

	if l.file != nil {
		data, _ := json.Marshal(entry)
		l.file.Write(append(data, '\n'))
	}
}

// Close closes the log file.
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}

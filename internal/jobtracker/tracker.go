// Package jobtracker maintains in-memory worker liveness for jobs the
// Sentinel has claimed out: the last progress heartbeat per job, used to
// detect worker_lost when no progress arrives within worker_timeout.
package jobtracker

import (
	"sync"
	"time"
)

// Progress is the latest known progress snapshot for a claimed job.
type Progress struct {
	JobID       int64     `json:"job_id"`
	Phase       string    `json:"phase"`
	ItemsDone   int64     `json:"items_done"`
	Message     string    `json:"message"`
	UpdatedAt   time.Time `json:"updated_at"`
	HeartbeatAt time.Time `json:"heartbeat_at"`
}

// Tracker maintains in-memory liveness for in-flight jobs. It is a
// best-effort side-table: the durable source of truth for job status is
// the embedded store; this only answers "has this job's worker gone
// quiet" without a DB round trip on every tick.
type Tracker struct {
	mu       sync.RWMutex
	progress map[int64]*Progress
	ttl      time.Duration
	maxSize  int
}

// New creates a tracker that drops entries whose heartbeat is older than
// ttl. ttl should track worker_timeout with headroom for cleanup jitter.
func New(ttl time.Duration) *Tracker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	t := &Tracker{
		progress: make(map[int64]*Progress),
		ttl:      ttl,
		maxSize:  100000,
	}
	go t.cleanupLoop()
	return t
}

// Update records a progress event for jobID.
func (t *Tracker) Update(jobID int64, phase string, itemsDone int64, message string) {
	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.progress[jobID]
	if !ok {
		if t.maxSize > 0 && len(t.progress) >= t.maxSize {
			return
		}
		p = &Progress{JobID: jobID}
		t.progress[jobID] = p
	}
	p.Phase = phase
	p.ItemsDone = itemsDone
	p.Message = message
	p.UpdatedAt = now
	p.HeartbeatAt = now
}

// Heartbeat records a liveness ping without changing recorded progress.
func (t *Tracker) Heartbeat(jobID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.progress[jobID]; ok {
		p.HeartbeatAt = time.Now()
	}
}

// Get returns a copy of the tracked progress for jobID, or nil if untracked.
func (t *Tracker) Get(jobID int64) *Progress {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.progress[jobID]
	if !ok {
		return nil
	}
	cp := *p
	return &cp
}

// Remove stops tracking jobID, called once the job reaches a terminal state.
func (t *Tracker) Remove(jobID int64) {
	t.mu.Lock()
	delete(t.progress, jobID)
	t.mu.Unlock()
}

// IsLost reports whether jobID's last heartbeat is older than timeout, or
// the job isn't tracked at all (claimed but never progressed).
func (t *Tracker) IsLost(jobID int64, timeout time.Duration) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.progress[jobID]
	if !ok {
		return true
	}
	return time.Since(p.HeartbeatAt) > timeout
}

// ListActive returns a snapshot of all tracked progress entries.
func (t *Tracker) ListActive() []*Progress {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Progress, 0, len(t.progress))
	for _, p := range t.progress {
		cp := *p
		out = append(out, &cp)
	}
	return out
}

func (t *Tracker) cleanupLoop() {
	ticker := time.NewTicker(t.ttl / 2)
	defer ticker.Stop()
	for range ticker.C {
		t.mu.Lock()
		now := time.Now()
		for id, p := range t.progress {
			if now.Sub(p.HeartbeatAt) > t.ttl {
				delete(t.progress, id)
			}
		}
		t.mu.Unlock()
	}
}

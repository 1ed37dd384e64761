package jobs

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound  = errors.New("job not found")
	ErrJobActive = errors.New("a job of this kind is already running")
)

// Kind identifies the type of asynchronous work a job performs.
type Kind string

const (
	KindScan       Kind = "scan"
	KindManualSync Kind = "manual-sync"
	KindSyncAll    Kind = "sync-all"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the status is an end state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Job is the progress record of one asynchronous operation. Jobs live only
// for the process lifetime; callers poll them by id.
type Job struct {
	ID         string         `json:"job_id"`
	Kind       Kind           `json:"kind"`
	Status     Status         `json:"status"`
	Processed  int            `json:"processed"`
	Total      *int           `json:"total"`
	Detail     map[string]any `json:"detail,omitempty"`
	Message    string         `json:"message,omitempty"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
}

// Tracker is a thread-safe in-memory job registry and runner. Scan and
// sync-all are exclusive kinds: starting one while another of the same kind
// is active is rejected with ErrJobActive. Manual-sync jobs may overlap.
type Tracker struct {
	mu     sync.Mutex
	jobs   map[string]*Job
	active map[Kind]string
	wg     sync.WaitGroup
}

// NewTracker creates an empty job tracker.
func NewTracker() *Tracker {
	return &Tracker{
		jobs:   make(map[string]*Job),
		active: make(map[Kind]string),
	}
}

var exclusiveKinds = map[Kind]bool{
	KindScan:    true,
	KindSyncAll: true,
}

// Start registers a new job and executes work in the background. The job is
// returned immediately in queued state. Errors and panics from work
// transition the job to failed; progress committed before the failure is
// preserved.
func (t *Tracker) Start(kind Kind, work func(ctx context.Context, job string) error) (*Job, error) {
	t.mu.Lock()
	if exclusiveKinds[kind] {
		if activeID, ok := t.active[kind]; ok {
			if job := t.jobs[activeID]; job != nil && !job.Status.Terminal() {
				t.mu.Unlock()
				return nil, fmt.Errorf("%w: %s", ErrJobActive, kind)
			}
		}
	}

	job := &Job{
		ID:        string(kind) + "-" + uuid.New().String(),
		Kind:      kind,
		Status:    StatusQueued,
		StartedAt: time.Now().UTC(),
	}
	t.jobs[job.ID] = job
	if exclusiveKinds[kind] {
		t.active[kind] = job.ID
	}
	snapshot := *job
	t.mu.Unlock()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				log.Printf("Job %s panicked: %v", job.ID, r)
				t.Fail(job.ID, fmt.Sprintf("internal error: %v", r))
			}
		}()

		t.setStatus(job.ID, StatusRunning)
		if err := work(context.Background(), job.ID); err != nil {
			log.Printf("Job %s failed: %v", job.ID, err)
			t.Fail(job.ID, err.Error())
			return
		}
		t.Finish(job.ID, nil)
	}()

	return &snapshot, nil
}

// Get returns a copy of the job record. Reads of terminal jobs are
// idempotent; the same record is returned on every poll.
func (t *Tracker) Get(id string) (*Job, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	job, ok := t.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	snapshot := *job
	return &snapshot, nil
}

// SetTotal records the total unit count once it is known.
func (t *Tracker) SetTotal(id string, total int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if job, ok := t.jobs[id]; ok {
		job.Total = &total
	}
}

// AddTotal grows the total unit count as more work is discovered, for jobs
// whose full extent is only known incrementally.
func (t *Tracker) AddTotal(id string, delta int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	job, ok := t.jobs[id]
	if !ok {
		return
	}
	if job.Total == nil {
		total := 0
		job.Total = &total
	}
	*job.Total += delta
}

// Increment advances the processed counter.
func (t *Tracker) Increment(id string, delta int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if job, ok := t.jobs[id]; ok {
		job.Processed += delta
	}
}

// SetDetail attaches a free-form payload describing the job's outcome.
func (t *Tracker) SetDetail(id string, detail map[string]any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if job, ok := t.jobs[id]; ok {
		job.Detail = detail
	}
}

// Finish transitions the job to completed, optionally attaching a detail
// payload.
func (t *Tracker) Finish(id string, detail map[string]any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	job, ok := t.jobs[id]
	if !ok || job.Status.Terminal() {
		return
	}
	job.Status = StatusCompleted
	if detail != nil {
		job.Detail = detail
	}
	now := time.Now().UTC()
	job.FinishedAt = &now
}

// Fail transitions the job to failed with a message. The processed count
// reached before the failure is preserved.
func (t *Tracker) Fail(id, message string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	job, ok := t.jobs[id]
	if !ok || job.Status.Terminal() {
		return
	}
	job.Status = StatusFailed
	job.Message = message
	now := time.Now().UTC()
	job.FinishedAt = &now
}

func (t *Tracker) setStatus(id string, status Status) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if job, ok := t.jobs[id]; ok && !job.Status.Terminal() {
		job.Status = status
	}
}

// Wait blocks until all running jobs have finished. Used on shutdown.
func (t *Tracker) Wait() {
	t.wg.Wait()
}

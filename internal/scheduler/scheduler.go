// Package scheduler admits download/convert jobs, enforces a single active
// job with FIFO ordering and cross-job dependencies, and guarantees the
// queue always drains even when a transition fails partway through: a
// dependency-aware state machine with an explicit drain routine.
package scheduler

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"mediapipe/internal/util"
)

// Kind distinguishes the two job shapes the scheduler admits.
type Kind string

const (
	KindDownload Kind = "download"
	KindConvert  Kind = "convert"
)

// Status is a job's position in its lifecycle automaton.
type Status string

const (
	StatusQueued      Status = "queued"
	StatusDownloading Status = "downloading"
	StatusConverting  Status = "converting"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
)

func (s Status) terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ErrNotFound is returned by job lookups that miss.
var ErrNotFound = errors.New("job not found")

// Job is a scheduler-owned unit of admitted work.
type Job struct {
	ID              string
	Kind            Kind
	URL             string
	CanonicalID     string
	FormatID        string
	TargetFormat    string
	DependsOn       string
	InputFile       string
	Status          Status
	CreatedAt       time.Time
	StartedAt       time.Time
	CompletedAt     time.Time
	Error           string
	DownloadID      string
	BytesDownloaded int64
	TotalBytes      *int64
	Percentage      *float64
}

func (j Job) clone() Job { return j }

// QueueState is the derived snapshot emitted after every mutation.
type QueueState struct {
	Jobs       map[string]Job `json:"jobs"`
	Queue      []string       `json:"queue"`
	Processing string         `json:"processing"`
	Counts     map[Status]int `json:"counts"`
}

// Scheduler holds all admitted jobs and serializes every mutation behind
// a single mutex so every mutation is strictly serialized.
type Scheduler struct {
	mu        sync.Mutex
	jobs      map[string]*Job
	queue     []string
	activeJob string
	jobTTL    time.Duration
	newID     func() string
	now       func() time.Time
}

// Config configures a Scheduler.
type Config struct {
	JobTTL time.Duration
	// NewID generates job IDs; exposed for tests that need determinism.
	NewID func() string
	// Now returns the current time; exposed for tests.
	Now func() time.Time
}

// New constructs an empty Scheduler.
func New(cfg Config) *Scheduler {
	if cfg.JobTTL <= 0 {
		cfg.JobTTL = 30 * time.Minute
	}
	if cfg.NewID == nil {
		panic("scheduler: NewID generator is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Scheduler{
		jobs:   map[string]*Job{},
		jobTTL: cfg.JobTTL,
		newID:  cfg.NewID,
		now:    cfg.Now,
	}
}

// AddDownloadJob admits a queued download job and returns its id plus
// whether it could start immediately. A download already queued or active
// for the same canonical video and format is reused instead of duplicated,
// so a user double-clicking "download" doesn't spawn a second extractor
// process for work already in flight.
func (s *Scheduler) AddDownloadJob(url, formatID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	canonical := util.CanonicalVideoID(url)
	for _, id := range s.queue {
		job := s.jobs[id]
		if job != nil && job.Kind == KindDownload && job.CanonicalID == canonical && job.FormatID == formatID {
			return id, s.activeJob == "" && s.queue[0] == id
		}
	}
	if s.activeJob != "" {
		if job := s.jobs[s.activeJob]; job != nil && job.Kind == KindDownload && job.CanonicalID == canonical && job.FormatID == formatID {
			return s.activeJob, false
		}
	}

	id := s.newID()
	job := &Job{ID: id, Kind: KindDownload, URL: url, CanonicalID: canonical, FormatID: formatID, Status: StatusQueued, CreatedAt: s.now()}
	s.jobs[id] = job
	s.queue = append(s.queue, id)
	canStart := s.activeJob == "" && len(s.queue) > 0 && s.queue[0] == id
	s.processQueueLocked()
	return id, canStart
}

// AddConvertJob admits a queued convert job. If dependsOn is set, it must
// name an existing download job; ErrNotFound is returned otherwise.
func (s *Scheduler) AddConvertJob(url, targetFormat, dependsOn, inputFile string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if dependsOn != "" {
		dep, ok := s.jobs[dependsOn]
		if !ok || dep.Kind != KindDownload {
			return "", false, ErrNotFound
		}
	}

	id := s.newID()
	job := &Job{
		ID: id, Kind: KindConvert, URL: url, TargetFormat: targetFormat,
		DependsOn: dependsOn, InputFile: inputFile, Status: StatusQueued, CreatedAt: s.now(),
	}
	s.jobs[id] = job
	s.queue = append(s.queue, id)
	canStart := s.activeJob == "" && len(s.queue) > 0 && s.queue[0] == id && s.dependencySatisfiedLocked(job)
	s.processQueueLocked()
	return id, canStart, nil
}

// StartJob atomically transitions jobID into its active state if it is
// the eligible queue head with no active job and a satisfied dependency.
func (s *Scheduler) StartJob(jobID, downloadID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return false
	}
	if s.activeJob != "" || len(s.queue) == 0 || s.queue[0] != jobID {
		return false
	}
	if !s.dependencySatisfiedLocked(job) {
		return false
	}

	s.queue = s.queue[1:]
	s.activeJob = jobID
	if job.Kind == KindDownload {
		job.Status = StatusDownloading
	} else {
		job.Status = StatusConverting
	}
	job.StartedAt = s.now()
	job.DownloadID = downloadID
	return true
}

// CompleteJob transitions jobID to completed, which makes any queued
// dependents startable, and always drains the queue before returning.
func (s *Scheduler) CompleteJob(jobID string) {
	s.mu.Lock()
	defer func() {
		if s.activeJob == jobID {
			s.activeJob = ""
		}
		s.processQueueLocked()
		s.mu.Unlock()
	}()

	job, ok := s.jobs[jobID]
	if !ok {
		return
	}
	job.Status = StatusCompleted
	job.CompletedAt = s.now()
}

// FailJob transitions jobID to failed with err, cascade-failing any queued
// dependents, and always drains the queue before returning.
func (s *Scheduler) FailJob(jobID string, cause error) {
	s.mu.Lock()
	defer func() {
		if s.activeJob == jobID {
			s.activeJob = ""
		}
		s.processQueueLocked()
		s.mu.Unlock()
	}()

	job, ok := s.jobs[jobID]
	if !ok {
		return
	}
	if job.Status.terminal() {
		return
	}
	job.Status = StatusFailed
	job.CompletedAt = s.now()
	if cause != nil {
		job.Error = cause.Error()
	}
	s.cascadeFailDependentsLocked(jobID, job.Error)
}

func (s *Scheduler) cascadeFailDependentsLocked(jobID, cause string) {
	remaining := s.queue[:0:0]
	for _, id := range s.queue {
		dep := s.jobs[id]
		if dep != nil && dep.Kind == KindConvert && dep.DependsOn == jobID {
			dep.Status = StatusFailed
			dep.CompletedAt = s.now()
			dep.Error = fmt.Sprintf("Dependency failed: %s", cause)
			continue
		}
		remaining = append(remaining, id)
	}
	s.queue = remaining
}

// CancelJob fails jobID with "Cancelled by user", removing it from the
// queue if still queued and cascade-failing any queued dependents. Returns
// false if the job does not exist or is already terminal.
func (s *Scheduler) CancelJob(jobID string) bool {
	s.mu.Lock()
	defer func() {
		if s.activeJob == jobID {
			s.activeJob = ""
		}
		s.processQueueLocked()
		s.mu.Unlock()
	}()

	job, ok := s.jobs[jobID]
	if !ok || job.Status.terminal() {
		return false
	}

	filtered := s.queue[:0:0]
	for _, id := range s.queue {
		if id != jobID {
			filtered = append(filtered, id)
		}
	}
	s.queue = filtered

	job.Status = StatusFailed
	job.Error = "Cancelled by user"
	job.CompletedAt = s.now()
	s.cascadeFailDependentsLocked(jobID, job.Error)
	return true
}

// UpdateJobProgress mirrors a progress-bus event onto the job whose
// DownloadID matches. No-op if no job matches or the job is terminal.
func (s *Scheduler) UpdateJobProgress(downloadID string, bytes int64, total *int64, pct *float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, job := range s.jobs {
		if job.DownloadID == downloadID && !job.Status.terminal() {
			job.BytesDownloaded = bytes
			job.TotalBytes = total
			job.Percentage = pct
			return
		}
	}
}

// JobIDForDownloadID finds the job currently associated with downloadID.
func (s *Scheduler) JobIDForDownloadID(downloadID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, job := range s.jobs {
		if job.DownloadID == downloadID {
			return id, true
		}
	}
	return "", false
}

// GetJob returns a copy of the job, or ErrNotFound.
func (s *Scheduler) GetJob(jobID string) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return Job{}, ErrNotFound
	}
	return job.clone(), nil
}

// GetQueueState returns the current derived snapshot.
func (s *Scheduler) GetQueueState() QueueState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Scheduler) snapshotLocked() QueueState {
	jobs := make(map[string]Job, len(s.jobs))
	counts := map[Status]int{}
	for id, j := range s.jobs {
		jobs[id] = j.clone()
		counts[j.Status]++
	}
	queue := make([]string, len(s.queue))
	copy(queue, s.queue)
	return QueueState{Jobs: jobs, Queue: queue, Processing: s.activeJob, Counts: counts}
}

func (s *Scheduler) dependencySatisfiedLocked(job *Job) bool {
	if job.DependsOn == "" {
		return true
	}
	dep, ok := s.jobs[job.DependsOn]
	return ok && dep.Status == StatusCompleted
}

// processQueueLocked is the drain routine. It must be called with mu held,
// after every terminal transition, cancellation, and admission. It is
// idempotent and re-entrant: it never panics on missing or blocked jobs,
// so callers can invoke it unconditionally from a deferred guard.
func (s *Scheduler) processQueueLocked() {
	for {
		if s.activeJob != "" || len(s.queue) == 0 {
			return
		}
		headID := s.queue[0]
		head, ok := s.jobs[headID]
		if !ok {
			s.queue = s.queue[1:]
			continue
		}
		if !s.dependencySatisfiedLocked(head) {
			return
		}
		return
	}
}

// Sweep removes terminal jobs older than the configured TTL. Intended to
// be invoked periodically by the owner of the Scheduler.
func (s *Scheduler) Sweep() {
	cutoff := s.now().Add(-s.jobTTL)
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, job := range s.jobs {
		if job.Status.terminal() && job.CompletedAt.Before(cutoff) {
			delete(s.jobs, id)
		}
	}
}

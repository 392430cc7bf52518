package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	driftInterval      = 60 * time.Second
	bootstrapScanEvery = 30 * time.Second
)

// JobStatus is the outcome of a job's most recent firing.
type JobStatus string

const (
	StatusOK      JobStatus = "ok"
	StatusError   JobStatus = "error"
	StatusSkipped JobStatus = "skipped"
)

// Job is one scheduled task. The scheduling state fields (NextRunAt,
// RunningSince, Last*) belong to the service; callers set the rest.
type Job struct {
	ID             string    `json:"id"`
	AgentID        string    `json:"agentId,omitempty"`
	Name           string    `json:"name"`
	Description    string    `json:"description,omitempty"`
	Enabled        bool      `json:"enabled"`
	DeleteAfterRun bool      `json:"deleteAfterRun"`
	Schedule       Schedule  `json:"schedule"`
	Payload        Payload   `json:"payload"`
	SessionTarget  string    `json:"sessionTarget"` // "main" or "isolated"
	WakeMode       string    `json:"wakeMode"`      // "next-heartbeat" or "now"
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`

	NextRunAt    time.Time     `json:"nextRunAt,omitempty"`
	RunningSince time.Time     `json:"runningSince,omitempty"`
	LastRunAt    time.Time     `json:"lastRunAt,omitempty"`
	LastStatus   JobStatus     `json:"lastStatus,omitempty"`
	LastError    string        `json:"lastError,omitempty"`
	LastDuration time.Duration `json:"lastDurationMs,omitempty"`
}

// Service runs jobs from an in-memory table. Each job holds at most one
// armed timer; firing re-arms the next occurrence, and a drift ticker
// catches jobs whose next run slipped into the past.
type Service struct {
	handlers *Handlers
	logger   *slog.Logger

	mu      sync.Mutex
	jobs    map[string]*Job
	timers  map[string]*time.Timer
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// New builds a stopped service around the given payload handlers.
func New(h *Handlers, logger *slog.Logger) *Service {
	return &Service{
		handlers: h,
		logger:   logger.With("component", "cron"),
		jobs:     make(map[string]*Job),
		timers:   make(map[string]*time.Timer),
	}
}

// Start arms every enabled job and launches the drift ticker. When no
// alertScan job exists one is bootstrapped at a 30s interval.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	s.running = true
	s.ctx, s.cancel = context.WithCancel(ctx)

	if !s.hasAlertScanLocked() {
		job := &Job{
			ID:            uuid.NewString(),
			Name:          "alert-scan",
			Enabled:       true,
			Schedule:      Every(bootstrapScanEvery),
			Payload:       Payload{Kind: PayloadAlertScan},
			SessionTarget: "main",
			WakeMode:      "next-heartbeat",
			CreatedAt:     time.Now(),
			UpdatedAt:     time.Now(),
		}
		s.jobs[job.ID] = job
		s.logger.Info("bootstrapped alert scan job", "every", bootstrapScanEvery)
	}

	for _, j := range s.jobs {
		if j.Enabled {
			s.scheduleJobLocked(j)
		}
	}

	go s.driftLoop(s.ctx)
	s.logger.Info("cron service started", "jobs", len(s.jobs))
	return nil
}

// Stop disarms every timer. Jobs stay in the table for a later Start.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	s.cancel()

	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	s.logger.Info("cron service stopped")
}

// Add stores the job and arms it when the service is running. A missing ID
// is generated; session target and wake mode default to "main" and
// "next-heartbeat".
func (s *Service) Add(job Job) (Job, error) {
	if job.Payload.Kind == "" {
		return Job{}, fmt.Errorf("job payload kind is required")
	}
	switch job.Schedule.Kind {
	case ScheduleAt, ScheduleEvery, ScheduleCron:
	default:
		return Job{}, fmt.Errorf("unknown schedule kind %q", job.Schedule.Kind)
	}

	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.SessionTarget == "" {
		job.SessionTarget = "main"
	}
	if job.WakeMode == "" {
		job.WakeMode = "next-heartbeat"
	}
	now := time.Now()
	job.CreatedAt = now
	job.UpdatedAt = now
	if job.Schedule.Kind == ScheduleEvery && job.Schedule.Anchor.IsZero() {
		job.Schedule.Anchor = now
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	stored := job
	s.jobs[stored.ID] = &stored
	if s.running && stored.Enabled {
		s.scheduleJobLocked(&stored)
	}
	return stored, nil
}

// Remove disarms and deletes the job, reporting whether it existed.
func (s *Service) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return false
	}
	s.stopTimerLocked(id)
	delete(s.jobs, id)
	return true
}

// Get returns a snapshot of the job.
func (s *Service) Get(id string) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return Job{}, false
	}
	return *j, true
}

// List returns job snapshots ordered by creation time.
func (s *Service) List() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, *j)
	}
	sort.Slice(out, func(i, k int) bool {
		if out[i].CreatedAt.Equal(out[k].CreatedAt) {
			return out[i].ID < out[k].ID
		}
		return out[i].CreatedAt.Before(out[k].CreatedAt)
	})
	return out
}

// SetEnabled toggles a job; disabling disarms it, enabling re-arms it.
func (s *Service) SetEnabled(id string, enabled bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return false
	}
	j.Enabled = enabled
	j.UpdatedAt = time.Now()
	if !enabled {
		s.stopTimerLocked(id)
		j.NextRunAt = time.Time{}
	} else if s.running {
		s.scheduleJobLocked(j)
	}
	return true
}

func (s *Service) hasAlertScanLocked() bool {
	for _, j := range s.jobs {
		if j.Payload.Kind == PayloadAlertScan {
			return true
		}
	}
	return false
}

func (s *Service) stopTimerLocked(id string) {
	if t := s.timers[id]; t != nil {
		t.Stop()
		delete(s.timers, id)
	}
}

// scheduleJobLocked arms exactly one timer for the job, cancelling any
// prior one. Expired one-shots delete themselves when flagged and
// otherwise park unarmed.
func (s *Service) scheduleJobLocked(j *Job) {
	s.stopTimerLocked(j.ID)

	if j.Schedule.Kind == ScheduleEvery && j.Schedule.Anchor.IsZero() {
		j.Schedule.Anchor = time.Now()
	}

	next, err := j.Schedule.NextRun(time.Now())
	if errors.Is(err, ErrSchedulePast) {
		if j.DeleteAfterRun {
			delete(s.jobs, j.ID)
			s.logger.Info("expired one-shot removed", "job", j.ID, "name", j.Name)
		} else {
			j.NextRunAt = time.Time{}
		}
		return
	}
	if err != nil {
		j.NextRunAt = time.Time{}
		s.logger.Error("job cannot be scheduled", "job", j.ID, "name", j.Name, "error", err)
		return
	}

	j.NextRunAt = next
	delay := time.Until(next)
	if delay < 0 {
		delay = 0
	}
	id := j.ID
	s.timers[id] = time.AfterFunc(delay, func() { s.fire(id) })
}

// fire runs one job occurrence: mark running, execute, record the outcome,
// then re-arm or retire.
func (s *Service) fire(id string) {
	s.mu.Lock()
	j, ok := s.jobs[id]
	if !ok || !s.running {
		s.mu.Unlock()
		return
	}
	delete(s.timers, id)
	if !j.Enabled {
		s.mu.Unlock()
		return
	}
	if !j.RunningSince.IsZero() {
		// A drift re-arm overlapped a long-running occurrence.
		j.LastStatus = StatusSkipped
		s.mu.Unlock()
		s.logger.Warn("job still running, skipped", "job", id, "name", j.Name)
		return
	}
	j.RunningSince = time.Now()
	payload := j.Payload
	ctx := s.ctx
	s.mu.Unlock()

	start := time.Now()
	err := s.handlers.Execute(ctx, payload)
	duration := time.Since(start)

	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok = s.jobs[id]
	if !ok {
		// Removed while running.
		return
	}
	j.RunningSince = time.Time{}
	j.LastRunAt = start
	j.LastDuration = duration
	if err != nil {
		j.LastStatus = StatusError
		j.LastError = err.Error()
		s.logger.Error("job failed", "job", id, "name", j.Name, "duration", duration, "error", err)
	} else {
		j.LastStatus = StatusOK
		j.LastError = ""
	}

	if j.Schedule.Kind == ScheduleAt {
		if j.DeleteAfterRun && err == nil {
			delete(s.jobs, id)
			s.logger.Info("one-shot completed and removed", "job", id, "name", j.Name)
		} else {
			j.NextRunAt = time.Time{}
		}
		return
	}

	if s.running && j.Enabled {
		s.scheduleJobLocked(j)
	}
}

func (s *Service) driftLoop(ctx context.Context) {
	ticker := time.NewTicker(driftInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			n := s.reschedulePastLocked(time.Now())
			s.mu.Unlock()
			if n > 0 {
				s.logger.Warn("drift catch-up rescheduled jobs", "count", n)
			}
		}
	}
}

// reschedulePastLocked re-arms enabled, idle jobs whose next run slipped
// into the past.
func (s *Service) reschedulePastLocked(now time.Time) int {
	n := 0
	for _, j := range s.jobs {
		if !j.Enabled || !j.RunningSince.IsZero() {
			continue
		}
		if j.NextRunAt.IsZero() || !j.NextRunAt.Before(now) {
			continue
		}
		s.scheduleJobLocked(j)
		n++
	}
	return n
}

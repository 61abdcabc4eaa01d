package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/nemanja-m/quincy/internal/coordinator/core"
	"github.com/nemanja-m/quincy/internal/coordinator/job"
	"github.com/nemanja-m/quincy/internal/shared/config"
	"github.com/nemanja-m/quincy/internal/shared/logging"
	"github.com/nemanja-m/quincy/internal/shared/rpc"
)

var (
	ErrInvalidJob  = errors.New("invalid job")
	ErrJobNotFound = errors.New("job not found")
)

// JobService accepts job requests, runs them through the admission queue
// and routes worker status reports to the owning job.
type JobService struct {
	cfg    config.EngineConfig
	deps   job.Deps
	queue  *AdmissionQueue[*job.Job, job.Status]
	logger logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.RWMutex
	jobs     map[string]*job.Job
	finished map[string]time.Time
}

func NewJobService(cfg config.EngineConfig, deps job.Deps) *JobService {
	if deps.Logger == nil {
		deps.Logger = logging.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &JobService{
		cfg:      cfg,
		deps:     deps,
		logger:   deps.Logger,
		ctx:      ctx,
		cancel:   cancel,
		jobs:     make(map[string]*job.Job),
		finished: make(map[string]time.Time),
	}
	s.queue = NewAdmissionQueue[*job.Job, job.Status](
		jobHandler{s}, cfg.MaxJobs, cfg.QueueTick, cfg.StatusInterval, deps.Metrics, deps.Logger,
	)
	return s
}

// SubmitJob validates spec and hands the job to the admission queue.
func (s *JobService) SubmitJob(spec core.JobSpec) error {
	if err := spec.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidJob, err)
	}
	if spec.SubmittedAt.IsZero() {
		spec.SubmittedAt = time.Now()
	}

	s.mu.Lock()
	if prev, ok := s.jobs[spec.ID]; ok {
		if _, done := s.finished[spec.ID]; !done {
			s.mu.Unlock()
			s.logger.Warn("Rejecting duplicate job", "job_id", spec.ID, "state", prev.Status().State)
			return ErrDuplicateJob
		}
		delete(s.finished, spec.ID)
		// Its run goroutine may not have released the slot yet.
		s.queue.Done(prev)
	}
	j := job.New(spec, s.cfg, s.deps)
	s.jobs[spec.ID] = j
	s.mu.Unlock()

	if err := s.queue.Submit(j); err != nil {
		s.mu.Lock()
		if s.jobs[spec.ID] == j {
			delete(s.jobs, spec.ID)
		}
		s.mu.Unlock()
		return err
	}

	s.deps.Metrics.RecordJobSubmitted()
	s.logger.Info("Job submitted", "job_id", spec.ID, "phases", len(spec.Phases), "priority", j.Priority())
	return nil
}

// AbortJob aborts a queued or running job. It reports whether the job was found.
func (s *JobService) AbortJob(id string) bool {
	return s.queue.Abort(id)
}

// UpdateStatus forwards a worker status report. It returns false when the
// job is unknown or no longer accepting updates.
func (s *JobService) UpdateStatus(st *rpc.ActionStatus) bool {
	s.mu.RLock()
	j, ok := s.jobs[st.JobID]
	s.mu.RUnlock()
	if !ok {
		s.logger.Debug("Status for unknown job", "job_id", st.JobID, "action_id", st.Xid)
		return false
	}
	return j.Update(st)
}

// Jobs lists running and queued jobs, then recently finished ones.
func (s *JobService) Jobs() []job.Status {
	type done struct {
		at time.Time
		j  *job.Job
	}

	s.mu.RLock()
	recent := make([]done, 0, len(s.finished))
	seen := make(map[*job.Job]bool, len(s.finished))
	for id, at := range s.finished {
		recent = append(recent, done{at: at, j: s.jobs[id]})
		seen[s.jobs[id]] = true
	}
	s.mu.RUnlock()

	var out []job.Status
	for _, j := range s.queue.snapshot() {
		if !seen[j] {
			out = append(out, j.Status())
		}
	}
	slices.SortFunc(recent, func(a, b done) int { return a.at.Compare(b.at) })
	for _, d := range recent {
		out = append(out, d.j.Status())
	}
	return out
}

// Job returns a known job, including recently finished ones.
func (s *JobService) Job(id string) (*job.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return j, nil
}

// Run drives the admission queue and forgets finished jobs after the reap
// delay. It returns when ctx is done.
func (s *JobService) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Go(func() { s.queue.Run(ctx) })

	ticker := time.NewTicker(s.cfg.QueueTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case now := <-ticker.C:
			s.reap(now)
		}
	}
}

func (s *JobService) reap(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, at := range s.finished {
		if now.Sub(at) >= s.cfg.JobReapDelay {
			delete(s.finished, id)
			delete(s.jobs, id)
			s.logger.Debug("Reaped job", "job_id", id)
		}
	}
}

// Shutdown discards queued jobs, aborts running ones and waits for them to
// finish cleaning up or for ctx to expire.
func (s *JobService) Shutdown(ctx context.Context) error {
	s.queue.Shutdown()
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for jobs to stop: %w", ctx.Err())
	}
}

func (s *JobService) markFinished(j *job.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.jobs[j.ID()] == j {
		s.finished[j.ID()] = time.Now()
	}
}

// jobHandler adapts JobService to the admission queue.
type jobHandler struct {
	s *JobService
}

func (h jobHandler) Start(j *job.Job) {
	h.s.wg.Go(func() {
		j.Run(h.s.ctx)
		h.s.markFinished(j)
		h.s.queue.Done(j)
	})
}

func (h jobHandler) SendStatus(j *job.Job) {
	st := j.Status()
	h.s.logger.Debug("Job status", "job_id", st.JobID, "state", st.State, "phase", st.Phase)
}

func (h jobHandler) RenderStatus(j *job.Job) job.Status {
	return j.Status()
}

func (h jobHandler) Discard(j *job.Job, reason string) {
	j.Discard(reason)
	h.s.markFinished(j)
	h.s.deps.Metrics.RecordJobFinished(job.OutcomeAborted, 0)
}

func (h jobHandler) Abort(j *job.Job) {
	j.Abort()
}

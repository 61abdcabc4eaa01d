package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/nemanja-m/quincy/internal/coordinator/core"
	"github.com/nemanja-m/quincy/internal/shared/logging"
	"github.com/nemanja-m/quincy/internal/shared/metrics"
)

var (
	ErrDuplicateJob = errors.New("job already queued or running")
	ErrShuttingDown = errors.New("master is shutting down")
)

// Admittable is anything the admission queue can schedule.
type Admittable interface {
	comparable
	ID() string
	Priority() int64
}

// Handler supplies the job-specific operations of an AdmissionQueue.
// Start must not block; the started job reports back through Done.
type Handler[T Admittable, S any] interface {
	Start(j T)
	SendStatus(j T)
	RenderStatus(j T) S
	Discard(j T, reason string)
	Abort(j T)
}

// AdmissionQueue caps the number of concurrently running jobs and holds
// the rest in priority order. Lower priority values start first.
type AdmissionQueue[T Admittable, S any] struct {
	handler        Handler[T, S]
	maxRunning     int
	tick           time.Duration
	statusInterval time.Duration
	metrics        *metrics.Collector
	logger         logging.Logger

	mu         sync.Mutex
	waiting    core.PriorityQueue[T]
	running    []T
	closed     bool
	lastStatus time.Time
}

func NewAdmissionQueue[T Admittable, S any](
	handler Handler[T, S],
	maxRunning int,
	tick time.Duration,
	statusInterval time.Duration,
	collector *metrics.Collector,
	logger logging.Logger,
) *AdmissionQueue[T, S] {
	return &AdmissionQueue[T, S]{
		handler:        handler,
		maxRunning:     max(maxRunning, 1),
		tick:           tick,
		statusInterval: statusInterval,
		metrics:        collector,
		logger:         logger,
		waiting:        core.NewPriorityQueue[T](),
	}
}

// Submit starts j right away when a slot is free, otherwise queues it.
func (q *AdmissionQueue[T, S]) Submit(j T) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrShuttingDown
	}
	if q.findLocked(j.ID()) {
		q.mu.Unlock()
		return ErrDuplicateJob
	}

	start := len(q.running) < q.maxRunning
	if start {
		q.running = append(q.running, j)
	} else {
		q.waiting.Push(j, j.Priority())
	}
	queued, running := q.waiting.Len(), len(q.running)
	q.mu.Unlock()

	q.metrics.SetQueueStats(queued, running)
	if start {
		q.logger.Info("Starting job", "job_id", j.ID(), "priority", j.Priority())
		q.handler.Start(j)
	} else {
		q.logger.Info("Job queued", "job_id", j.ID(), "priority", j.Priority(), "queued", queued)
	}
	return nil
}

func (q *AdmissionQueue[T, S]) findLocked(id string) bool {
	for _, r := range q.running {
		if r.ID() == id {
			return true
		}
	}
	for _, w := range q.waiting.Items() {
		if w.ID() == id {
			return true
		}
	}
	return false
}

// Done releases the slot held by j and admits the next job. Calling it for
// a job that no longer holds a slot only admits.
func (q *AdmissionQueue[T, S]) Done(j T) {
	q.mu.Lock()
	for i, r := range q.running {
		if r == j {
			q.running = append(q.running[:i], q.running[i+1:]...)
			break
		}
	}
	q.mu.Unlock()
	q.StartMore()
}

// StartMore admits waiting jobs while slots are free.
func (q *AdmissionQueue[T, S]) StartMore() {
	var started []T

	q.mu.Lock()
	for !q.closed && len(q.running) < q.maxRunning {
		j, err := q.waiting.Pop()
		if err != nil {
			break
		}
		q.running = append(q.running, j)
		started = append(started, j)
	}
	queued, running := q.waiting.Len(), len(q.running)
	q.mu.Unlock()

	q.metrics.SetQueueStats(queued, running)
	for _, j := range started {
		q.logger.Info("Starting queued job", "job_id", j.ID(), "priority", j.Priority())
		q.handler.Start(j)
	}
}

// Abort discards a waiting job or signals a running one. It reports whether
// the job was known.
func (q *AdmissionQueue[T, S]) Abort(id string) bool {
	q.mu.Lock()
	if j, ok := q.waiting.Remove(func(w T) bool { return w.ID() == id }); ok {
		queued, running := q.waiting.Len(), len(q.running)
		q.mu.Unlock()
		q.metrics.SetQueueStats(queued, running)
		q.logger.Info("Discarding queued job", "job_id", id)
		q.handler.Discard(j, "aborted while queued")
		return true
	}
	var target T
	found := false
	for _, r := range q.running {
		if r.ID() == id {
			target, found = r, true
			break
		}
	}
	q.mu.Unlock()

	if found {
		q.logger.Info("Aborting running job", "job_id", id)
		q.handler.Abort(target)
	}
	return found
}

// Get returns the queued or running job with the given id.
func (q *AdmissionQueue[T, S]) Get(id string) (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, r := range q.running {
		if r.ID() == id {
			return r, true
		}
	}
	for _, w := range q.waiting.Items() {
		if w.ID() == id {
			return w, true
		}
	}
	var zero T
	return zero, false
}

// Status renders running jobs in start order followed by waiting jobs in
// admission order.
func (q *AdmissionQueue[T, S]) Status() []S {
	jobs := q.snapshot()
	out := make([]S, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, q.handler.RenderStatus(j))
	}
	return out
}

// Len returns the number of waiting and running jobs.
func (q *AdmissionQueue[T, S]) Len() (queued, running int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.waiting.Len(), len(q.running)
}

func (q *AdmissionQueue[T, S]) snapshot() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]T, 0, len(q.running)+q.waiting.Len())
	out = append(out, q.running...)
	return append(out, q.waiting.Items()...)
}

// Run periodically admits jobs and re-announces their status until ctx is done.
func (q *AdmissionQueue[T, S]) Run(ctx context.Context) {
	ticker := time.NewTicker(q.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			q.StartMore()
			q.announce(now)
		}
	}
}

func (q *AdmissionQueue[T, S]) announce(now time.Time) {
	q.mu.Lock()
	if now.Sub(q.lastStatus) < q.statusInterval {
		q.mu.Unlock()
		return
	}
	q.lastStatus = now
	q.mu.Unlock()

	for _, j := range q.snapshot() {
		q.handler.SendStatus(j)
	}
}

// Shutdown refuses new jobs, discards waiting ones and aborts the rest.
func (q *AdmissionQueue[T, S]) Shutdown() {
	q.mu.Lock()
	q.closed = true
	var waiting []T
	for {
		j, err := q.waiting.Pop()
		if err != nil {
			break
		}
		waiting = append(waiting, j)
	}
	running := append([]T(nil), q.running...)
	q.mu.Unlock()

	q.metrics.SetQueueStats(0, len(running))
	q.logger.Info("Shutting down admission queue", "discarded", len(waiting), "running", len(running))
	for _, j := range waiting {
		q.handler.Discard(j, "master shutting down")
	}
	for _, j := range running {
		q.handler.Abort(j)
	}
}

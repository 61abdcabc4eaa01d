package core

import (
	"errors"
	"fmt"
	"time"
)

type JobState string

const (
	JobStateQueued   JobState = "queued"
	JobStatePlanning JobState = "planning"
	JobStateRunning  JobState = "running"
	JobStateFinished JobState = "finished"
	JobStateCleanup  JobState = "cleanup"
	JobStateDead     JobState = "dead"
)

// Phase names with special meaning to the planner.
const (
	PhaseMap   = "map"
	PhaseFinal = "final"
)

// PhaseSpec describes one phase of a job.
type PhaseSpec struct {
	Name    string
	Src     string
	MaxRun  int
	Timeout int
	// Width overrides the computed reduce width when set.
	Width *int
}

func (p PhaseSpec) IsFinal() bool {
	return p.Name == PhaseFinal
}

// JobSpec is a parsed job submission.
type JobSpec struct {
	ID        string
	TraceInfo string
	Options   string
	Console   string
	Master    string
	Priority  *int64
	Phases    []PhaseSpec

	SubmittedAt time.Time
}

var ErrInvalidSpec = errors.New("invalid job spec")

func (s *JobSpec) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("%w: missing job id", ErrInvalidSpec)
	}
	if len(s.Phases) == 0 {
		return fmt.Errorf("%w: job %s has no phases", ErrInvalidSpec, s.ID)
	}
	if s.Phases[0].Name != PhaseMap {
		return fmt.Errorf("%w: first phase of job %s must be %q, got %q", ErrInvalidSpec, s.ID, PhaseMap, s.Phases[0].Name)
	}
	for i, p := range s.Phases {
		if p.Name == "" {
			return fmt.Errorf("%w: phase %d of job %s has no name", ErrInvalidSpec, i, s.ID)
		}
		if p.Width != nil && *p.Width <= 0 {
			return fmt.Errorf("%w: phase %d of job %s has width %d", ErrInvalidSpec, i, s.ID, *p.Width)
		}
	}
	return nil
}

// EffectivePriority returns the explicit priority or one derived from the
// submission time. The shift coarsens it to roughly four minutes so jobs
// submitted close together stay FIFO.
func (s *JobSpec) EffectivePriority() int64 {
	if s.Priority != nil {
		return *s.Priority
	}
	at := s.SubmittedAt
	if at.IsZero() {
		at = time.Now()
	}
	return at.Unix() >> 8
}

type WorkerStatus string

const (
	WorkerStatusActive WorkerStatus = "ACTIVE"
	WorkerStatusDown   WorkerStatus = "DOWN"
)

// Worker is a registered worker server.
type Worker struct {
	Name     string
	Address  string
	CPUCores uint32
	Status   WorkerStatus
	Load     int

	RegisteredAt    time.Time
	LastHeartbeatAt time.Time
}

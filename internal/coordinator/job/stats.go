package job

import (
	"fmt"
	"math"
	"time"

	"github.com/nemanja-m/quincy/internal/coordinator/core"
)

// PhaseStats aggregates the completed tasks of one phase.
type PhaseStats struct {
	Name       string        `json:"name"`
	Width      int           `json:"width"`
	TasksDone  int           `json:"tasks_done"`
	Elapsed    time.Duration `json:"elapsed"`
	MinTime    time.Duration `json:"min_time"`
	AvgTime    time.Duration `json:"avg_time"`
	MaxTime    time.Duration `json:"max_time"`
	Efficiency float64       `json:"efficiency"`
	Lumpiness  float64       `json:"lumpiness"`
	XferBytes  int64         `json:"xfer_bytes"`
	Xfers      int           `json:"xfers"`
}

func (p PhaseStats) String() string {
	return fmt.Sprintf("phase %s: %d/%d tasks in %s, time min %s avg %s max %s, effcy %.0f%%, lumpy %.2f, xfer %d (%d MB)",
		p.Name, p.TasksDone, p.Width, p.Elapsed.Round(time.Millisecond),
		p.MinTime.Round(time.Millisecond), p.AvgTime.Round(time.Millisecond), p.MaxTime.Round(time.Millisecond),
		p.Efficiency, p.Lumpiness, p.Xfers, p.XferBytes>>20)
}

// Stats are the job's running totals.
type Stats struct {
	JobID          string        `json:"jobid"`
	State          core.JobState `json:"state"`
	Outcome        string        `json:"outcome,omitempty"`
	Servers        int           `json:"servers"`
	TasksRun       int           `json:"tasks_run"`
	TasksFinished  int           `json:"tasks_finished"`
	XfersRun       int           `json:"xfers_run"`
	XfersFinished  int           `json:"xfers_finished"`
	DeletesRun     int           `json:"deletes_run"`
	DeleteFailures int           `json:"delete_failures"`
	Failures       int           `json:"failures"`
	Replacements   int           `json:"replacements"`
	InputBytes     int64         `json:"input_bytes"`
	BytesMoved     int64         `json:"bytes_moved"`
	TaskRunTime    time.Duration `json:"task_run_time"`
	WallTime       time.Duration `json:"wall_time"`
	Phases         []PhaseStats  `json:"phases"`
}

func (j *Job) Stats() Stats {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.stats()
}

func (j *Job) stats() Stats {
	end := j.endTime
	if end.IsZero() {
		end = time.Now()
	}
	var wall time.Duration
	if !j.startTime.IsZero() {
		wall = end.Sub(j.startTime)
	}

	s := Stats{
		JobID:          j.spec.ID,
		State:          j.state,
		Outcome:        j.outcome(),
		Servers:        len(j.servers),
		TasksRun:       j.counters.tasksRun,
		TasksFinished:  j.counters.tasksFinished,
		XfersRun:       j.counters.xfersRun,
		XfersFinished:  j.counters.xfersFinished,
		DeletesRun:     j.counters.deletesRun,
		DeleteFailures: j.counters.deleteFailures,
		Failures:       j.nFails,
		Replacements:   j.counters.replacements,
		InputBytes:     j.counters.inputBytes,
		BytesMoved:     j.counters.bytesMoved,
		TaskRunTime:    j.counters.taskRunTime,
		WallTime:       wall,
	}
	for _, step := range j.steps {
		elapsed := step.RunTime
		if elapsed == 0 && !step.RunStart.IsZero() {
			elapsed = end.Sub(step.RunStart)
		}
		s.Phases = append(s.Phases, phaseStats(step, elapsed, len(j.servers)))
	}
	return s
}

func phaseStats(step *PhaseStep, elapsed time.Duration, servers int) PhaseStats {
	ps := PhaseStats{
		Name:      step.Name,
		Width:     step.Width,
		TasksDone: step.TasksDone,
		Elapsed:   elapsed,
		XferBytes: step.XferBytes,
		Xfers:     step.XfersDone,
	}
	if len(step.taskTimes) == 0 {
		return ps
	}

	var sum time.Duration
	ps.MinTime = step.taskTimes[0]
	for _, t := range step.taskTimes {
		sum += t
		ps.MinTime = min(ps.MinTime, t)
		ps.MaxTime = max(ps.MaxTime, t)
	}
	mean := float64(sum) / float64(len(step.taskTimes))
	ps.AvgTime = time.Duration(mean)

	var sq float64
	for _, t := range step.taskTimes {
		d := float64(t) - mean
		sq += d * d
	}
	if mean > 0 {
		ps.Lumpiness = math.Sqrt(sq/float64(len(step.taskTimes))) / mean
	}
	if elapsed > 0 && servers > 0 {
		ps.Efficiency = float64(sum) * 100 / (float64(elapsed) * float64(servers))
	}
	return ps
}

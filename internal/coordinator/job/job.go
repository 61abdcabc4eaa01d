package job

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/nemanja-m/quincy/internal/coordinator/core"
	"github.com/nemanja-m/quincy/internal/shared/config"
	"github.com/nemanja-m/quincy/internal/shared/logging"
	"github.com/nemanja-m/quincy/internal/shared/metrics"
	"github.com/nemanja-m/quincy/internal/shared/rpc"
)

const (
	eventBuffer = 1024
	diagBuffer  = 1024
)

const (
	OutcomeFinished = "finished"
	OutcomeAborted  = "aborted"
)

// Deps are the collaborators a job talks to.
type Deps struct {
	Membership core.Membership
	Planner    Planner
	Workers    core.WorkerClient
	Notifier   core.Notifier
	Metrics    *metrics.Collector
	Logger     logging.Logger
}

// Job runs one submitted job from planning to cleanup. All mutable state is
// owned by the goroutine executing Run and guarded by mu; other goroutines
// only read it or post events.
type Job struct {
	spec     core.JobSpec
	cfg      config.EngineConfig
	deps     Deps
	log      logging.Logger
	priority int64
	options  json.RawMessage

	mu        sync.RWMutex
	state     core.JobState
	stepNo    int
	steps     []*PhaseStep
	servers   []*Server
	actions   []*Action
	byID      map[string]ActionRef
	pending   []ActionRef
	running   []ActionRef
	locations map[string][]int

	nThreads    int
	nXfers      int
	nFails      int
	aborted     bool
	abortReason string
	succeeded   bool
	submitTime  time.Time
	startTime   time.Time
	runStart    time.Time
	endTime     time.Time
	counters    counters

	events    chan event
	notes     chan rpc.DiagMsg
	abortCh   chan struct{}
	abortOnce sync.Once
	stopped   chan struct{}
	done      chan struct{}
}

type counters struct {
	tasksRun       int
	tasksFinished  int
	xfersRun       int
	xfersFinished  int
	deletesRun     int
	deleteFailures int
	replacements   int
	inputBytes     int64
	bytesMoved     int64
	taskRunTime    time.Duration
}

type event struct {
	status   *rpc.ActionStatus
	dispatch *dispatchResult
}

type dispatchResult struct {
	ref     ActionRef
	attempt int
	err     error
}

func New(spec core.JobSpec, cfg config.EngineConfig, deps Deps) *Job {
	if deps.Logger == nil {
		deps.Logger = logging.Nop()
	}
	if spec.SubmittedAt.IsZero() {
		spec.SubmittedAt = time.Now()
	}

	return &Job{
		spec:       spec,
		cfg:        cfg,
		deps:       deps,
		log:        deps.Logger.With("job_id", spec.ID),
		priority:   spec.EffectivePriority(),
		options:    rawOptions(spec.Options),
		state:      core.JobStateQueued,
		stepNo:     -1,
		byID:       make(map[string]ActionRef),
		locations:  make(map[string][]int),
		submitTime: spec.SubmittedAt,
		events:     make(chan event, eventBuffer),
		notes:      make(chan rpc.DiagMsg, diagBuffer),
		abortCh:    make(chan struct{}),
		stopped:    make(chan struct{}),
		done:       make(chan struct{}),
	}
}

func rawOptions(s string) json.RawMessage {
	if s == "" {
		return nil
	}
	if json.Valid([]byte(s)) {
		return json.RawMessage(s)
	}
	b, _ := json.Marshal(s)
	return b
}

func (j *Job) ID() string {
	return j.spec.ID
}

func (j *Job) Priority() int64 {
	return j.priority
}

func (j *Job) Spec() core.JobSpec {
	return j.spec
}

// Done is closed once the job has been cleaned up and reported.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Abort asks the run loop to stop the job. It is safe to call repeatedly.
func (j *Job) Abort() {
	j.abortOnce.Do(func() { close(j.abortCh) })
}

// Update delivers a worker status report. It returns false once the job no
// longer accepts updates.
func (j *Job) Update(st *rpc.ActionStatus) bool {
	select {
	case <-j.stopped:
		return false
	default:
	}
	select {
	case j.events <- event{status: st}:
		return true
	case <-j.stopped:
		return false
	}
}

func (j *Job) post(ev event) {
	select {
	case j.events <- ev:
	case <-j.stopped:
	}
}

// Discard finishes a job that was never started, notifying its console.
func (j *Job) Discard(reason string) {
	j.mu.Lock()
	j.state = core.JobStateDead
	j.aborted = true
	j.abortReason = reason
	j.endTime = time.Now()
	j.mu.Unlock()

	j.Abort()
	close(j.stopped)
	go func() {
		defer close(j.done)
		j.send(rpc.DiagMsg{JobID: j.spec.ID, Type: rpc.DiagError, Msg: reason})
		j.send(rpc.DiagMsg{JobID: j.spec.ID, Type: rpc.DiagFinish, Msg: OutcomeAborted})
	}()
}

// Outcome is empty while the job runs, then "finished" or "aborted".
func (j *Job) Outcome() string {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.outcome()
}

func (j *Job) outcome() string {
	switch {
	case j.state != core.JobStateDead:
		return ""
	case j.succeeded && !j.aborted:
		return OutcomeFinished
	default:
		return OutcomeAborted
	}
}

// Status is the externally polled job summary.
type Status struct {
	JobID     string          `json:"jobid"`
	State     core.JobState   `json:"state"`
	Phase     string          `json:"phase"`
	TraceInfo string          `json:"traceinfo,omitempty"`
	Options   json.RawMessage `json:"options,omitempty"`
	StartTime int64           `json:"start_time"`
}

func (j *Job) Status() Status {
	j.mu.RLock()
	defer j.mu.RUnlock()

	var phase string
	switch j.state {
	case core.JobStateQueued:
		phase = "queued"
	case core.JobStatePlanning:
		phase = "planning"
	case core.JobStateCleanup:
		phase = "cleanup"
	case core.JobStateFinished:
		phase = OutcomeFinished
	case core.JobStateDead:
		phase = j.outcome()
	default:
		if j.stepNo >= 0 && j.stepNo < len(j.steps) {
			phase = j.steps[j.stepNo].Name
		} else {
			phase = "planning"
		}
	}

	start := j.startTime
	if start.IsZero() {
		start = j.submitTime
	}

	return Status{
		JobID:     j.spec.ID,
		State:     j.state,
		Phase:     phase,
		TraceInfo: j.spec.TraceInfo,
		Options:   j.options,
		StartTime: start.Unix(),
	}
}

// TaskInfo describes one task action.
type TaskInfo struct {
	ID          string `json:"id"`
	TaskNo      int    `json:"taskno"`
	Server      string `json:"server"`
	State       string `json:"state"`
	Size        int64  `json:"size,omitempty"`
	Tries       int    `json:"tries"`
	Status      string `json:"status,omitempty"`
	Progress    int    `json:"progress"`
	Speculative bool   `json:"speculative,omitempty"`
	Replaces    string `json:"replaces,omitempty"`
}

// PhaseInfo lists the tasks of one phase.
type PhaseInfo struct {
	Name  string     `json:"name"`
	Width int        `json:"width"`
	Tasks []TaskInfo `json:"tasks"`
}

// Snapshot returns the task actions of every phase.
func (j *Job) Snapshot() []PhaseInfo {
	j.mu.RLock()
	defer j.mu.RUnlock()

	out := make([]PhaseInfo, 0, len(j.steps))
	for _, step := range j.steps {
		info := PhaseInfo{Name: step.Name, Width: step.Width}
		refs := append(append([]ActionRef{}, step.Tasks...), step.Redos...)
		for _, ref := range refs {
			a := j.actions[ref]
			state := a.State.String()
			if a.failed {
				state = "failed"
			}
			ti := TaskInfo{
				ID:          a.ID,
				TaskNo:      a.task.taskNo,
				Server:      j.servers[a.Server].Name,
				State:       state,
				Size:        a.task.size,
				Tries:       a.Tries,
				Status:      a.Status,
				Progress:    a.Progress,
				Speculative: a.task.speculative,
			}
			if a.task.replaces != noAction {
				ti.Replaces = j.actions[a.task.replaces].ID
			}
			info.Tasks = append(info.Tasks, ti)
		}
		out = append(out, info)
	}
	return out
}

// diag queues a console message. Must not block: it is called with mu held.
func (j *Job) diag(kind, msg string) {
	switch kind {
	case rpc.DiagError:
		j.log.Warn(msg)
	case rpc.DiagReport:
		j.log.Info(msg)
	default:
		j.log.Debug(msg)
	}
	select {
	case j.notes <- rpc.DiagMsg{JobID: j.spec.ID, Type: kind, Msg: msg}:
	default:
		j.log.Warn("console queue full, dropping message", "type", kind)
	}
}

// deliver forwards queued console messages in order until notes is closed.
func (j *Job) deliver() {
	for msg := range j.notes {
		j.send(msg)
	}
}

func (j *Job) send(msg rpc.DiagMsg) {
	if j.spec.Console == "" || j.deps.Notifier == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), j.cfg.RPCTimeout)
	defer cancel()
	if err := j.deps.Notifier.Diag(ctx, j.spec.Console, &msg); err != nil {
		j.log.Debug("Failed to deliver console message", "console", j.spec.Console, "error", err)
	}
}

package job

import (
	"time"

	"github.com/nemanja-m/quincy/internal/shared/rpc"
)

type Kind int

const (
	KindTask Kind = iota
	KindTransfer
)

func (k Kind) String() string {
	if k == KindTransfer {
		return "transfer"
	}
	return "task"
}

// State of an action. Transitions only move forward, except a retry which
// returns a running action to Pending.
type State int

const (
	StateNotReady State = iota
	StatePending
	StateRunning
	StateFinished
)

func (s State) String() string {
	switch s {
	case StateNotReady:
		return "notready"
	case StatePending:
		return "pending"
	case StateRunning:
		return "running"
	case StateFinished:
		return "finished"
	default:
		return "unknown"
	}
}

// ActionRef indexes the job's action arena.
type ActionRef int

const noAction ActionRef = -1

// Action is a task or a transfer dispatched to a server.
type Action struct {
	ID    string
	Kind  Kind
	State State
	// Server is the index of the server running the action; for transfers
	// it is the destination.
	Server int

	Tries      int
	LastStatus time.Time
	DelayUntil time.Time
	StartedAt  time.Time
	Status     string
	Progress   int

	// attempt counts starts so results of a superseded dispatch are ignored.
	attempt int
	// failed marks an action that finished without completing.
	failed bool

	task *taskPayload
	xfer *transferPayload
}

type taskPayload struct {
	phase  int
	taskNo int
	req    rpc.TaskCreate
	size   int64

	runTime    time.Duration
	replaces   ActionRef
	replacedBy ActionRef
	prereqs    []ActionRef

	speculative   bool
	deletesQueued bool
}

type transferPayload struct {
	src int
	// phase is the phase whose output is being copied.
	phase int
	// forTask is the task that reads this copy, or noAction for a backup.
	forTask ActionRef
	req     rpc.FileXfer

	deletesQueued bool
}

// sibling returns the other half of a speculative pair.
func (t *taskPayload) sibling() ActionRef {
	if t.replacedBy != noAction {
		return t.replacedBy
	}
	return t.replaces
}

// Server is a worker as seen by one job.
type Server struct {
	Name string

	TasksRunning int
	XfersRunning int
	XfersPeering int
	Fails        int
	Redos        int

	toDelete []string
	queued   map[string]struct{}
}

func newServer(name string) *Server {
	return &Server{Name: name, queued: make(map[string]struct{})}
}

func (s *Server) queueDelete(file string) {
	if _, ok := s.queued[file]; ok {
		return
	}
	s.queued[file] = struct{}{}
	s.toDelete = append(s.toDelete, file)
}

// PhaseStep is one phase of the plan.
type PhaseStep struct {
	Name  string
	Width int
	Tasks []ActionRef
	// Redos holds replacement tasks created while the phase ran.
	Redos []ActionRef

	RunStart  time.Time
	RunTime   time.Duration
	XferBytes int64
	XfersDone int
	TasksDone int

	taskTimes []time.Duration
}

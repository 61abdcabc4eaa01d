package job

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nemanja-m/quincy/internal/coordinator/core"
	"github.com/nemanja-m/quincy/internal/shared/rpc"
)

// ReduceWidth is the task count of a non-map phase.
func ReduceWidth(p core.PhaseSpec, servers int, factor float64) int {
	switch {
	case p.IsFinal():
		return 1
	case p.Width != nil:
		return *p.Width
	}
	w := int(float64(servers) * factor)
	if w < 1 {
		w = 1
	}
	return w
}

// plan builds the phase graph. The job is Running once it returns nil.
func (j *Job) plan(ctx context.Context) error {
	j.mu.Lock()
	j.state = core.JobStatePlanning
	j.steps = make([]*PhaseStep, len(j.spec.Phases))
	for i, p := range j.spec.Phases {
		j.steps[i] = &PhaseStep{Name: p.Name}
	}
	j.mu.Unlock()

	names, err := j.planServers()
	if err != nil {
		return err
	}

	planCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-j.abortCh:
			cancel()
		case <-planCtx.Done():
		}
	}()

	mp, err := j.deps.Planner.PlanMap(planCtx, names, j.spec.Options)
	if err != nil {
		return fmt.Errorf("plan map: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	j.servers = make([]*Server, len(names))
	for i, name := range names {
		j.servers[i] = newServer(name)
	}
	if err := j.planMap(mp); err != nil {
		return err
	}
	j.planReduce()
	j.planFiles()

	widths := make([]string, 0, len(j.steps))
	for _, step := range j.steps[1:] {
		widths = append(widths, strconv.Itoa(step.Width))
	}
	reduces := strings.Join(widths, "+")
	if reduces == "" {
		reduces = "0"
	}
	j.diag(rpc.DiagReport, fmt.Sprintf("plan: input size: %d MB, maps: %d, reduces: %s",
		mp.InputSize()>>20, j.steps[0].Width, reduces))

	j.state = core.JobStateRunning
	j.runStart = time.Now()
	return nil
}

// planServers snapshots and shuffles the healthy workers.
func (j *Job) planServers() ([]string, error) {
	names := append([]string(nil), j.deps.Membership.Healthy()...)
	if len(names) == 0 {
		return nil, ErrNoServers
	}
	rand.Shuffle(len(names), func(a, b int) {
		names[a], names[b] = names[b], names[a]
	})
	return names, nil
}

func (j *Job) planMap(mp *MapPlan) error {
	index := make(map[string]int, len(j.servers))
	for i, s := range j.servers {
		index[s.Name] = i
	}

	for n, mt := range mp.Tasks {
		srv, ok := index[mt.Server]
		if !ok {
			return fmt.Errorf("map task %d on %s: %w", n, mt.Server, ErrServerUnavailable)
		}
		ref := j.newTask(0, n, srv)
		t := j.actions[ref].task
		t.size = mt.Size
		t.req.Infiles = append([]string(nil), mt.Files...)
		for _, f := range mt.Files {
			j.addLocation(f, srv)
		}
		j.counters.inputBytes += mt.Size
	}
	j.steps[0].Width = len(j.steps[0].Tasks)
	return nil
}

func (j *Job) planReduce() {
	n := len(j.servers)
	for p := 1; p < len(j.steps); p++ {
		width := ReduceWidth(j.spec.Phases[p], n, j.cfg.ReduceFactor)
		for i := 0; i < width; i++ {
			j.newTask(p, i, i%n)
		}
		j.steps[p].Width = width
	}
}

// planFiles wires task i of phase p to read out_<p-1>_*_<i> and write
// out_<p>_<i>_* for every task of phase p+1.
func (j *Job) planFiles() {
	base := j.cfg.BaseDir
	last := len(j.steps) - 1
	for p, step := range j.steps {
		for i, ref := range step.Tasks {
			t := j.actions[ref].task
			if p > 0 {
				for s := 0; s < j.steps[p-1].Width; s++ {
					t.req.Infiles = append(t.req.Infiles, core.OutputPath(base, j.spec.ID, p-1, s, i))
				}
			}
			if p == last {
				t.req.Outfiles = []string{core.OutputPath(base, j.spec.ID, p, i, 0)}
				continue
			}
			for d := 0; d < j.steps[p+1].Width; d++ {
				t.req.Outfiles = append(t.req.Outfiles, core.OutputPath(base, j.spec.ID, p, i, d))
			}
		}
	}
}

func (j *Job) addAction(a *Action) ActionRef {
	ref := ActionRef(len(j.actions))
	j.actions = append(j.actions, a)
	j.byID[a.ID] = ref
	return ref
}

func (j *Job) newTask(phase, taskNo, server int) ActionRef {
	ps := j.spec.Phases[phase]
	id := uuid.NewString()
	a := &Action{
		ID:     id,
		Kind:   KindTask,
		State:  StateNotReady,
		Server: server,
		task: &taskPayload{
			phase:  phase,
			taskNo: taskNo,
			req: rpc.TaskCreate{
				JobID:    j.spec.ID,
				TaskID:   id,
				Console:  j.spec.Console,
				Master:   j.spec.Master,
				Phase:    ps.Name,
				JobSrc:   ps.Src,
				MaxRun:   ps.MaxRun,
				Timeout:  ps.Timeout,
				Priority: j.priority,
			},
			replaces:   noAction,
			replacedBy: noAction,
		},
	}
	ref := j.addAction(a)
	j.steps[phase].Tasks = append(j.steps[phase].Tasks, ref)
	return ref
}

func (j *Job) newTransfer(src, dst int, file string, phase int, forTask ActionRef) ActionRef {
	id := uuid.NewString()
	a := &Action{
		ID:     id,
		Kind:   KindTransfer,
		State:  StatePending,
		Server: dst,
		xfer: &transferPayload{
			src:     src,
			phase:   phase,
			forTask: forTask,
			req: rpc.FileXfer{
				JobID:     j.spec.ID,
				CopyID:    id,
				Console:   j.spec.Console,
				Master:    j.spec.Master,
				Filename:  file,
				Locations: []string{j.servers[src].Name},
			},
		},
	}
	ref := j.addAction(a)
	j.pending = append(j.pending, ref)
	return ref
}

func (j *Job) addLocation(file string, server int) {
	if j.hasCopy(file, server) {
		return
	}
	j.locations[file] = append(j.locations[file], server)
}

func (j *Job) hasCopy(file string, server int) bool {
	for _, s := range j.locations[file] {
		if s == server {
			return true
		}
	}
	return false
}

// pickSource chooses a server other than dst holding file, preferring live ones.
func (j *Job) pickSource(file string, dst int) (int, bool) {
	fallback := -1
	for _, s := range j.locations[file] {
		if s == dst {
			continue
		}
		if j.deps.Membership.IsUp(j.servers[s].Name) {
			return s, true
		}
		if fallback < 0 {
			fallback = s
		}
	}
	return fallback, fallback >= 0
}

package job

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
)

var (
	errPaired        = errors.New("task already has a live replacement")
	errNoReplacement = errors.New("no server available for replacement")
)

// release undoes the running bookkeeping of a.
func (j *Job) release(ref ActionRef) {
	a := j.actions[ref]
	j.running = removeRef(j.running, ref)
	switch a.Kind {
	case KindTask:
		j.servers[a.Server].TasksRunning--
	case KindTransfer:
		j.servers[a.Server].XfersRunning--
		j.servers[a.xfer.src].XfersPeering--
		j.nXfers--
	}
}

func (j *Job) finished(ref ActionRef, amount int64) {
	a := j.actions[ref]
	j.release(ref)
	a.State = StateFinished
	a.Progress = 100
	elapsed := time.Since(a.StartedAt)

	switch a.Kind {
	case KindTask:
		t := a.task
		runTime := time.Duration(amount) * time.Millisecond
		if amount <= 0 {
			runTime = elapsed
		}
		t.runTime = runTime
		j.counters.taskRunTime += runTime
		j.counters.tasksFinished++

		step := j.steps[t.phase]
		step.TasksDone++
		step.taskTimes = append(step.taskTimes, runTime)

		for _, f := range t.req.Outfiles {
			j.addLocation(f, a.Server)
		}
		if t.phase < len(j.steps)-1 {
			j.createTransfers(ref)
		}
		if sib := t.sibling(); sib != noAction {
			j.cancelLight(sib)
		}
		j.deps.Metrics.RecordActionFinished(a.Kind.String(), runTime.Seconds())

	case KindTransfer:
		x := a.xfer
		j.addLocation(x.req.Filename, a.Server)
		step := j.steps[x.phase]
		step.XferBytes += amount
		step.XfersDone++
		j.counters.xfersFinished++
		j.counters.bytesMoved += amount
		j.deps.Metrics.RecordActionFinished(a.Kind.String(), elapsed.Seconds())
	}
}

// createTransfers copies each output of a finished task to the server of
// the next-phase task consuming it. Output already on the consumer's server
// is copied to its neighbour instead so two copies always exist.
func (j *Job) createTransfers(ref ActionRef) {
	a := j.actions[ref]
	next := j.steps[a.task.phase+1]
	n := len(j.servers)
	for i, file := range a.task.req.Outfiles {
		if i >= len(next.Tasks) {
			break
		}
		dst := j.actions[next.Tasks[i]].Server
		if dst == a.Server {
			dst = (dst + 1) % n
		}
		if dst == a.Server || j.hasCopy(file, dst) {
			continue
		}
		consumer := next.Tasks[i]
		if j.actions[consumer].Server != dst {
			consumer = noAction
		}
		j.newTransfer(a.Server, dst, file, a.task.phase, consumer)
	}
}

func (j *Job) failed(ref ActionRef, timedOut bool) {
	a := j.actions[ref]
	j.release(ref)
	j.nFails++
	j.servers[a.Server].Fails++

	reason := "failed"
	if timedOut {
		reason = "timeout"
	}
	j.deps.Metrics.RecordActionFailed(a.Kind.String(), reason)

	if a.Kind == KindTask {
		if sib := a.task.sibling(); sib != noAction && j.actions[sib].State != StateFinished {
			j.log.Info("Dropping failed task, its pair carries on", "action_id", a.ID)
			a.State = StateFinished
			a.failed = true
			j.discardPrereqs(a)
			return
		}
	}
	j.retryOrAbort(ref, timedOut)
}

// retryOrAbort applies the failure policy to an action that just failed.
func (j *Job) retryOrAbort(ref ActionRef, timedOut bool) {
	a := j.actions[ref]
	server := j.servers[a.Server]

	if j.nFails > len(j.servers)*j.cfg.MaxRetries/2 {
		a.State = StateFinished
		a.failed = true
		j.abortSelf(fmt.Sprintf("too many failures (%d)", j.nFails))
		return
	}

	a.Tries++
	down := !j.deps.Membership.IsUp(server.Name)
	early := j.cfg.ReplaceWhenDown && down && a.Kind == KindTask && j.stepNo > 0

	if a.Tries >= j.cfg.MaxRetries || early {
		a.State = StateFinished
		a.failed = true
		// Map output cannot be rebuilt, and replacing only helps when the
		// server is at fault.
		if j.stepNo == 0 || !(timedOut || down) {
			j.abortSelf(j.exhausted(a))
			return
		}
		if a.Kind == KindTransfer {
			j.giveUpTransfer(a)
			return
		}
		nref, err := j.replace(ref, false)
		if err == nil {
			j.log.Info("Replaced task", "action_id", a.ID, "replacement", j.actions[nref].ID,
				"server", j.servers[j.actions[nref].Server].Name)
			j.deps.Metrics.RecordReplacement("retry")
			return
		}
		j.log.Warn("Cannot replace task", "action_id", a.ID, "error", err)
		j.abortSelf(j.exhausted(a))
		return
	}

	delay := j.cfg.RetryQuickDelay
	if timedOut {
		delay = j.cfg.RetryDelay * time.Duration(a.Tries)
	}
	a.DelayUntil = time.Now().Add(jitter(delay))
	if a.Kind == KindTransfer && !j.deps.Membership.IsUp(j.servers[a.xfer.src].Name) {
		j.restage(a)
	}
	a.State = StatePending
	j.pending = append(j.pending, ref)
}

func (j *Job) exhausted(a *Action) string {
	if a.Kind == KindTransfer {
		return fmt.Sprintf("copy of %s to %s failed %d times", a.xfer.req.Filename, j.servers[a.Server].Name, a.Tries)
	}
	return fmt.Sprintf("task %d of phase %s failed %d times", a.task.taskNo, j.steps[a.task.phase].Name, a.Tries)
}

// giveUpTransfer drops a copy whose server is at fault. The task reading it
// fails in turn and is replaced from a surviving copy.
func (j *Job) giveUpTransfer(a *Action) {
	args := []any{"action_id", a.ID, "file", a.xfer.req.Filename, "server", j.servers[a.Server].Name, "tries", a.Tries}
	if a.xfer.forTask != noAction {
		args = append(args, "consumer", j.actions[a.xfer.forTask].ID)
	}
	j.log.Warn("Giving up on transfer", args...)
}

// jitter spreads a delay over [d/2, 3d/2) with a triangular distribution.
func jitter(d time.Duration) time.Duration {
	half := int64(d / 2)
	if half <= 0 {
		return d
	}
	return time.Duration(half + rand.Int64N(half) + rand.Int64N(half))
}

// restage points a pending transfer at another copy of its file.
func (j *Job) restage(a *Action) {
	src, ok := j.pickSource(a.xfer.req.Filename, a.Server)
	if !ok || src == a.xfer.src {
		return
	}
	a.xfer.src = src
	a.xfer.req.Locations = []string{j.servers[src].Name}
}

// replace recreates a task on the least loaded other server, staging its
// inputs there first.
func (j *Job) replace(ref ActionRef, speculative bool) (ActionRef, error) {
	orig := j.actions[ref]
	t := orig.task
	if sib := t.sibling(); sib != noAction && j.actions[sib].State != StateFinished {
		return noAction, errPaired
	}

	dst, ok := j.pickReplacementServer(orig.Server)
	if !ok {
		return noAction, errNoReplacement
	}

	type stage struct {
		file string
		src  int
	}
	var stages []stage
	for _, f := range t.req.Infiles {
		if j.hasCopy(f, dst) {
			continue
		}
		src, ok := j.pickSource(f, dst)
		if !ok {
			return noAction, fmt.Errorf("no copy of %s to stage on %s", f, j.servers[dst].Name)
		}
		stages = append(stages, stage{file: f, src: src})
	}

	req := t.req
	req.TaskID = uuid.NewString()
	na := &Action{
		ID:     req.TaskID,
		Kind:   KindTask,
		State:  StatePending,
		Server: dst,
		task: &taskPayload{
			phase:       t.phase,
			taskNo:      t.taskNo,
			req:         req,
			size:        t.size,
			replaces:    ref,
			replacedBy:  noAction,
			speculative: speculative,
		},
	}
	nref := j.addAction(na)

	srv := j.servers[dst]
	for _, s := range stages {
		xref := j.newTransfer(s.src, dst, s.file, t.phase-1, nref)
		na.task.prereqs = append(na.task.prereqs, xref)
		srv.queueDelete(s.file)
	}
	if len(na.task.prereqs) > 0 {
		na.State = StateNotReady
	}

	t.replacedBy = nref
	srv.Redos++
	j.counters.replacements++
	step := j.steps[t.phase]
	step.Redos = append(step.Redos, nref)
	j.pending = append(j.pending, nref)
	return nref, nil
}

// pickReplacementServer returns the live server with the lowest load score,
// avoiding exclude unless it is the only server.
func (j *Job) pickReplacementServer(exclude int) (int, bool) {
	best, bestScore := -1, 0
	for i, s := range j.servers {
		if i == exclude && len(j.servers) > 1 {
			continue
		}
		if !j.deps.Membership.IsUp(s.Name) {
			continue
		}
		score := s.TasksRunning*1000 + s.Fails*500 + s.XfersRunning*100 +
			j.deps.Membership.CurrentLoad(s.Name) + s.Redos*1000
		if best < 0 || score < bestScore {
			best, bestScore = i, score
		}
	}
	return best, best >= 0
}

// cancelLight drops an action without waiting for the worker.
func (j *Job) cancelLight(ref ActionRef) {
	a := j.actions[ref]
	switch a.State {
	case StateFinished:
		return
	case StateRunning:
		j.release(ref)
		j.sendAbort(a)
	default:
		j.pending = removeRef(j.pending, ref)
	}
	a.State = StateFinished
	a.failed = true
	if a.Kind == KindTask {
		j.discardPrereqs(a)
	}
	j.log.Debug("Canceled action", "action_id", a.ID)
}

// discardPrereqs drops staging transfers that have not started yet.
func (j *Job) discardPrereqs(a *Action) {
	for _, p := range a.task.prereqs {
		pa := j.actions[p]
		if pa.State == StatePending || pa.State == StateNotReady {
			j.pending = removeRef(j.pending, p)
			pa.State = StateFinished
			pa.failed = true
		}
	}
}

package job

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/nemanja-m/quincy/internal/coordinator/core"
	"github.com/nemanja-m/quincy/internal/shared/rpc"
)

// Run plans and executes the job, then cleans up. It returns when the job
// is fully done; Done is closed at the same time.
func (j *Job) Run(ctx context.Context) {
	defer close(j.done)

	delivered := make(chan struct{})
	go func() {
		defer close(delivered)
		j.deliver()
	}()

	j.mu.Lock()
	j.startTime = time.Now()
	j.mu.Unlock()
	j.log.Info("Starting job", "phases", len(j.spec.Phases), "priority", j.priority)

	if err := j.plan(ctx); err != nil {
		j.mu.Lock()
		j.aborted = true
		j.abortReason = "planning failed"
		j.diag(rpc.DiagError, fmt.Sprintf("planning failed: %v", err))
		j.mu.Unlock()
	} else {
		j.loop(ctx)
	}
	close(j.stopped)

	j.cleanup()

	close(j.notes)
	<-delivered
}

func (j *Job) loop(ctx context.Context) {
	ticker := time.NewTicker(j.cfg.TickInterval)
	defer ticker.Stop()

	report := false
	for {
		if !j.tick(report) {
			return
		}
		report = false

		select {
		case <-ctx.Done():
			j.markAborted("master shutting down")
		case <-j.abortCh:
			j.markAborted("aborted by request")
		case ev := <-j.events:
			j.apply(ev)
		case <-ticker.C:
			report = true
		}
	}
}

func (j *Job) markAborted(reason string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.aborted {
		j.aborted = true
		j.abortReason = reason
		j.diag(rpc.DiagError, reason)
	}
}

// abortSelf stops the job from inside the engine. Caller holds mu.
func (j *Job) abortSelf(reason string) {
	if j.aborted {
		return
	}
	j.aborted = true
	j.abortReason = reason
	j.diag(rpc.DiagError, "aborting job: "+reason)
}

// tick runs one scheduling pass and reports whether the loop should go on.
func (j *Job) tick(report bool) bool {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.aborted {
		return false
	}
	j.tryAdvance()
	if j.state == core.JobStateFinished {
		return false
	}
	now := time.Now()
	j.tryStartMore(now)
	j.checkTimeouts(now)
	j.maybeSpeculate(now)
	if j.aborted {
		return false
	}
	if report {
		j.reportProgress(now)
	}
	return true
}

// apply handles one event and drains whatever else is already queued.
func (j *Job) apply(ev event) {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.handle(ev)
	for {
		select {
		case ev := <-j.events:
			j.handle(ev)
		default:
			return
		}
	}
}

func (j *Job) handle(ev event) {
	switch {
	case ev.status != nil:
		j.onStatus(ev.status)
	case ev.dispatch != nil:
		j.onDispatched(ev.dispatch)
	}
}

// tryAdvance moves to the next phase once nothing is pending or running.
func (j *Job) tryAdvance() {
	if len(j.pending) > 0 || len(j.running) > 0 {
		return
	}
	now := time.Now()
	if j.stepNo >= 0 {
		step := j.steps[j.stepNo]
		step.RunTime = now.Sub(step.RunStart)
		j.diag(rpc.DiagDebug, fmt.Sprintf("phase %s finished: %d tasks in %s", step.Name, step.TasksDone, step.RunTime.Round(time.Millisecond)))
	}
	if j.stepNo+1 >= len(j.steps) {
		j.state = core.JobStateFinished
		j.succeeded = true
		return
	}

	j.stepNo++
	step := j.steps[j.stepNo]
	step.RunStart = now
	for _, ref := range step.Tasks {
		j.actions[ref].State = StatePending
		j.pending = append(j.pending, ref)
	}
	j.log.Info("Starting phase", "phase", step.Name, "tasks", step.Width)
}

func (j *Job) tryStartMore(now time.Time) {
	started := 0
	for _, ref := range slices.Clone(j.pending) {
		if started >= j.cfg.MaxStartsPerTick || j.nThreads >= j.cfg.MaxThreads {
			return
		}
		if j.tryStart(ref, now) {
			started++
		}
	}
}

func (j *Job) prereqsDone(a *Action) bool {
	if a.task == nil {
		return true
	}
	for _, p := range a.task.prereqs {
		if j.actions[p].State != StateFinished {
			return false
		}
	}
	return true
}

// tryStart moves a pending action to running and dispatches it.
func (j *Job) tryStart(ref ActionRef, now time.Time) bool {
	a := j.actions[ref]
	if a.State == StateNotReady {
		if !j.prereqsDone(a) {
			return false
		}
		a.State = StatePending
	}
	if a.State != StatePending {
		return false
	}
	if j.nThreads >= j.cfg.MaxThreads || now.Before(a.DelayUntil) {
		return false
	}

	dst := j.servers[a.Server]
	switch a.Kind {
	case KindTask:
		if dst.TasksRunning >= j.cfg.ServerTaskMax {
			return false
		}
	case KindTransfer:
		src := j.servers[a.xfer.src]
		if dst.XfersRunning >= j.cfg.ServerXferMax || src.XfersPeering >= j.cfg.ServerXferMax || j.nXfers >= j.cfg.JobXferMax {
			return false
		}
	}

	j.pending = removeRef(j.pending, ref)
	j.running = append(j.running, ref)
	a.State = StateRunning
	a.attempt++
	a.LastStatus = now
	a.StartedAt = now
	a.Status = ""
	a.Progress = 0
	j.nThreads++

	var task *rpc.TaskCreate
	var xfer *rpc.FileXfer
	switch a.Kind {
	case KindTask:
		dst.TasksRunning++
		j.counters.tasksRun++
		j.queueTaskDeletes(a)
		req := a.task.req
		task = &req
	case KindTransfer:
		dst.XfersRunning++
		j.servers[a.xfer.src].XfersPeering++
		j.nXfers++
		j.counters.xfersRun++
		if !a.xfer.deletesQueued {
			a.xfer.deletesQueued = true
			dst.queueDelete(a.xfer.req.Filename)
		}
		req := a.xfer.req
		xfer = &req
	}
	j.deps.Metrics.RecordActionStarted(a.Kind.String())
	j.log.Debug("Starting action", "action_id", a.ID, "kind", a.Kind.String(), "server", dst.Name, "attempt", a.attempt)

	go j.dispatch(ref, a.attempt, dst.Name, task, xfer)
	return true
}

// queueTaskDeletes registers a task's intermediate output on its server at first start.
func (j *Job) queueTaskDeletes(a *Action) {
	t := a.task
	if t.deletesQueued || t.phase == len(j.steps)-1 {
		return
	}
	t.deletesQueued = true
	srv := j.servers[a.Server]
	for _, f := range t.req.Outfiles {
		srv.queueDelete(f)
	}
}

// dispatch runs on its own goroutine so a slow worker never stalls the loop.
func (j *Job) dispatch(ref ActionRef, attempt int, server string, task *rpc.TaskCreate, xfer *rpc.FileXfer) {
	ctx, cancel := context.WithTimeout(context.Background(), j.cfg.RPCTimeout)
	defer cancel()

	var err error
	if task != nil {
		err = j.deps.Workers.CreateTask(ctx, server, task)
	} else {
		err = j.deps.Workers.TransferFile(ctx, server, xfer)
	}
	j.post(event{dispatch: &dispatchResult{ref: ref, attempt: attempt, err: err}})
}

func (j *Job) onDispatched(res *dispatchResult) {
	j.nThreads--
	a := j.actions[res.ref]
	if res.err == nil || res.attempt != a.attempt || a.State != StateRunning {
		return
	}
	j.log.Warn("Dispatch failed", "action_id", a.ID, "server", j.servers[a.Server].Name, "error", res.err)
	j.failed(res.ref, false)
}

func (j *Job) onStatus(st *rpc.ActionStatus) {
	ref, ok := j.byID[st.Xid]
	if !ok {
		j.log.Debug("Status for unknown action", "action_id", st.Xid)
		return
	}
	a := j.actions[ref]
	a.LastStatus = time.Now()
	if a.State != StateRunning {
		return
	}
	if st.Progress > 0 {
		a.Progress = st.Progress
	}
	if st.Phase == a.Status {
		return
	}
	a.Status = st.Phase

	switch st.Phase {
	case rpc.StatusFinished:
		j.finished(ref, st.Amount)
	case rpc.StatusFailed:
		j.failed(ref, false)
	}
}

func (j *Job) checkTimeouts(now time.Time) {
	for _, ref := range slices.Clone(j.running) {
		a := j.actions[ref]
		if a.State != StateRunning || now.Sub(a.LastStatus) <= j.cfg.ActionTimeout {
			continue
		}
		j.log.Info("Action timed out", "action_id", a.ID, "server", j.servers[a.Server].Name, "tries", a.Tries)
		j.sendAbort(a)
		j.failed(ref, true)
		if j.aborted {
			return
		}
	}
}

// sendAbort tells the worker to stop a task without waiting for the reply.
func (j *Job) sendAbort(a *Action) {
	if a.Kind != KindTask {
		return
	}
	server := j.servers[a.Server].Name
	req := &rpc.TaskAbort{JobID: j.spec.ID, TaskID: a.ID}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), j.cfg.RPCTimeout)
		defer cancel()
		if err := j.deps.Workers.AbortTask(ctx, server, req); err != nil {
			j.log.Debug("Abort not delivered", "action_id", req.TaskID, "server", server, "error", err)
		}
	}()
}

func (j *Job) reportProgress(now time.Time) {
	var tasks, xfers int
	for _, ref := range j.running {
		if j.actions[ref].Kind == KindTask {
			tasks++
		} else {
			xfers++
		}
	}
	phase := ""
	if j.stepNo >= 0 {
		phase = j.steps[j.stepNo].Name
	}
	j.diag(rpc.DiagDebug, fmt.Sprintf("status: phase %s, task %d, xfer %d, pend %d; effcy %d%%; (ran: %d, %d, %d)",
		phase, tasks, xfers, len(j.pending), j.efficiency(now),
		j.counters.tasksRun, j.counters.xfersRun, j.counters.deletesRun))
}

// efficiency is task time as a percentage of the fleet's wall time.
func (j *Job) efficiency(now time.Time) int {
	wall := now.Sub(j.runStart)
	if wall <= 0 || len(j.servers) == 0 {
		return 0
	}
	return int(j.counters.taskRunTime * 100 / (wall * time.Duration(len(j.servers))))
}

func removeRef(refs []ActionRef, ref ActionRef) []ActionRef {
	if i := slices.Index(refs, ref); i >= 0 {
		return slices.Delete(refs, i, i+1)
	}
	return refs
}

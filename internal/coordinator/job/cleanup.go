package job

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nemanja-m/quincy/internal/coordinator/core"
	"github.com/nemanja-m/quincy/internal/shared/rpc"
)

// cleanup cancels outstanding work, deletes temp files and reports.
func (j *Job) cleanup() {
	j.mu.Lock()
	if j.state == core.JobStateFinished && !j.aborted {
		j.diag(rpc.DiagDebug, "job finished, cleaning up")
	}
	j.state = core.JobStateCleanup
	for _, ref := range j.pending {
		a := j.actions[ref]
		a.State = StateFinished
		a.failed = true
	}
	j.pending = nil
	j.mu.Unlock()

	j.stopTasks()
	j.doDeletes()

	j.mu.Lock()
	j.endTime = time.Now()
	j.state = core.JobStateDead
	outcome := j.outcome()
	stats := j.stats()
	for _, ps := range stats.Phases {
		j.diag(rpc.DiagReport, ps.String())
	}
	j.diag(rpc.DiagReport, fmt.Sprintf("job %s: %d tasks, %d xfers, %d deletes, %d failures in %s",
		outcome, stats.TasksRun, stats.XfersRun, stats.DeletesRun, stats.Failures, stats.WallTime.Round(time.Millisecond)))
	j.diag(rpc.DiagFinish, outcome)
	j.mu.Unlock()

	j.deps.Metrics.RecordJobFinished(outcome, stats.WallTime.Seconds())
	j.log.Info("Job done", "outcome", outcome, "tasks_run", stats.TasksRun, "failures", stats.Failures)
}

// stopTasks aborts running tasks, repeating for workers that did not
// acknowledge. Transfers are simply dropped.
func (j *Job) stopTasks() {
	rounds := max(j.cfg.CancelRounds, 1)
	for round := 0; round < rounds; round++ {
		last := round == rounds-1

		type target struct {
			ref    ActionRef
			server string
			req    rpc.TaskAbort
		}
		var targets []target

		j.mu.Lock()
		for _, ref := range append([]ActionRef(nil), j.running...) {
			a := j.actions[ref]
			if a.Kind != KindTask {
				j.release(ref)
				a.State = StateFinished
				a.failed = true
				continue
			}
			targets = append(targets, target{
				ref:    ref,
				server: j.servers[a.Server].Name,
				req:    rpc.TaskAbort{JobID: j.spec.ID, TaskID: a.ID},
			})
		}
		j.mu.Unlock()

		if len(targets) == 0 {
			return
		}

		errs := make([]error, len(targets))
		var wg sync.WaitGroup
		for i, t := range targets {
			wg.Go(func() {
				ctx, cancel := context.WithTimeout(context.Background(), j.cfg.RPCTimeout)
				defer cancel()
				errs[i] = j.deps.Workers.AbortTask(ctx, t.server, &t.req)
			})
		}
		wg.Wait()

		remaining := 0
		j.mu.Lock()
		for i, t := range targets {
			if errs[i] != nil && !last {
				j.log.Debug("Abort not acknowledged", "action_id", t.req.TaskID, "server", t.server, "error", errs[i])
				remaining++
				continue
			}
			a := j.actions[t.ref]
			j.release(t.ref)
			a.State = StateFinished
			a.failed = true
		}
		j.mu.Unlock()

		if remaining == 0 {
			return
		}
		time.Sleep(j.cfg.CancelPause)
	}
}

// doDeletes flushes every server's delete list in batches, then removes
// the job directory. Servers are handled in parallel; a failing server
// never holds up the others.
func (j *Job) doDeletes() {
	type work struct {
		server string
		files  []string
	}

	j.mu.RLock()
	jobs := make([]work, 0, len(j.servers))
	for _, s := range j.servers {
		jobs = append(jobs, work{server: s.Name, files: append([]string(nil), s.toDelete...)})
	}
	j.mu.RUnlock()

	dir := core.JobDir(j.cfg.BaseDir, j.spec.ID)
	batch := max(j.cfg.DeleteBatch, 1)

	var mu sync.Mutex
	deleted, failures := 0, 0
	var wg sync.WaitGroup
	for _, w := range jobs {
		wg.Go(func() {
			send := func(files []string) error {
				ctx, cancel := context.WithTimeout(context.Background(), j.cfg.RPCTimeout)
				defer cancel()
				err := j.deps.Workers.DeleteFiles(ctx, w.server, &rpc.FileDelete{JobID: j.spec.ID, Filenames: files})
				j.deps.Metrics.RecordDelete(err == nil)

				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					failures++
				} else {
					deleted += len(files)
				}
				return err
			}

			for start := 0; start < len(w.files); start += batch {
				end := min(start+batch, len(w.files))
				if err := send(w.files[start:end]); err != nil {
					j.log.Warn("Delete failed, skipping server", "server", w.server, "error", err)
					return
				}
			}
			if err := send([]string{dir}); err != nil {
				j.log.Warn("Failed to delete job directory", "server", w.server, "error", err)
			}
		})
	}
	wg.Wait()

	j.mu.Lock()
	j.counters.deletesRun += deleted
	j.counters.deleteFailures += failures
	j.mu.Unlock()
}

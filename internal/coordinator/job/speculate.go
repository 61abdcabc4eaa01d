package job

import (
	"slices"
	"time"
)

// maybeSpeculate launches a second copy of every straggler once most of a
// wide reduce phase is done. Whichever copy finishes first cancels the other.
func (j *Job) maybeSpeculate(now time.Time) {
	if j.stepNo <= 0 {
		return
	}
	step := j.steps[j.stepNo]
	if step.Width < j.cfg.SpecMinWidth || len(j.servers) < j.cfg.SpecMinServers {
		return
	}
	if float64(step.TasksDone) < j.cfg.SpecMinDone*float64(step.Width) {
		return
	}
	if now.Sub(step.RunStart) < j.cfg.SpecMinElapsed {
		return
	}

	for _, ref := range slices.Clone(j.running) {
		a := j.actions[ref]
		if a.Kind != KindTask || a.task.phase != j.stepNo || a.task.sibling() != noAction {
			continue
		}
		nref, err := j.replace(ref, true)
		if err != nil {
			j.log.Debug("No speculative copy", "action_id", a.ID, "error", err)
			continue
		}
		j.deps.Metrics.RecordReplacement("speculative")
		j.log.Info("Speculating on straggler", "action_id", a.ID, "replacement", j.actions[nref].ID,
			"server", j.servers[j.actions[nref].Server].Name)
	}
}

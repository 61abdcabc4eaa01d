package rest

import (
	"time"

	"github.com/google/uuid"

	"github.com/nemanja-m/quincy/internal/coordinator/core"
	"github.com/nemanja-m/quincy/internal/coordinator/job"
)

// ToJobSpec converts the request body. A missing job id is generated.
func (req *SubmitJobRequest) ToJobSpec(master string) core.JobSpec {
	id := req.JobID
	if id == "" {
		id = uuid.NewString()
	}

	phases := make([]core.PhaseSpec, 0, len(req.Phases))
	for _, p := range req.Phases {
		phases = append(phases, core.PhaseSpec{
			Name:    p.Name,
			Src:     p.Src,
			MaxRun:  p.MaxRun,
			Timeout: p.Timeout,
			Width:   p.Width,
		})
	}

	return core.JobSpec{
		ID:          id,
		TraceInfo:   req.TraceInfo,
		Options:     req.Options,
		Console:     req.Console,
		Master:      master,
		Priority:    req.Priority,
		Phases:      phases,
		SubmittedAt: time.Now(),
	}
}

func ToGetJobResponse(j *job.Job) GetJobResponse {
	return GetJobResponse{
		Status: j.Status(),
		Stats:  j.Stats(),
	}
}

func ToWorkerInfo(w *core.Worker) WorkerInfo {
	return WorkerInfo{
		Name:            w.Name,
		Address:         w.Address,
		CPUCores:        w.CPUCores,
		Status:          string(w.Status),
		Load:            w.Load,
		RegisteredAt:    w.RegisteredAt,
		LastHeartbeatAt: w.LastHeartbeatAt,
	}
}

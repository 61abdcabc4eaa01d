package rest

import (
	"time"

	"github.com/nemanja-m/quincy/internal/coordinator/job"
)

type SubmitJobRequest struct {
	JobID     string         `json:"job_id"`
	TraceInfo string         `json:"trace_info,omitempty"`
	Options   string         `json:"options,omitempty"`
	Console   string         `json:"console,omitempty"`
	Priority  *int64         `json:"priority,omitempty"`
	Phases    []PhaseRequest `json:"phases"`
}

type PhaseRequest struct {
	Name    string `json:"name"`
	Src     string `json:"src,omitempty"`
	MaxRun  int    `json:"max_run,omitempty"`
	Timeout int    `json:"timeout,omitempty"`
	Width   *int   `json:"width,omitempty"`
}

type SubmitJobResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
	Links  Links  `json:"links"`
}

type Links struct {
	Self  string `json:"self"`
	Tasks string `json:"tasks"`
}

type ListJobsResponse struct {
	Jobs       []job.Status `json:"jobs"`
	Total      int          `json:"total"`
	Limit      int          `json:"limit"`
	Offset     int          `json:"offset"`
	NextOffset *int         `json:"next_offset,omitempty"`
}

type GetJobResponse struct {
	job.Status
	Stats job.Stats `json:"stats"`
}

type GetTasksResponse struct {
	JobID  string          `json:"job_id"`
	Phases []job.PhaseInfo `json:"phases"`
}

type WorkerInfo struct {
	Name            string    `json:"name"`
	Address         string    `json:"address"`
	CPUCores        uint32    `json:"cpu_cores,omitempty"`
	Status          string    `json:"status"`
	Load            int       `json:"load"`
	RegisteredAt    time.Time `json:"registered_at"`
	LastHeartbeatAt time.Time `json:"last_heartbeat_at"`
}

type ListWorkersResponse struct {
	Workers []WorkerInfo `json:"workers"`
	Healthy int          `json:"healthy"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Code    int    `json:"code"`
}

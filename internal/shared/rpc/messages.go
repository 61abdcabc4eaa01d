package rpc

// Action status strings reported by workers.
const (
	StatusPending  = "PENDING"
	StatusRunning  = "RUNNING"
	StatusFinished = "FINISHED"
	StatusFailed   = "FAILED"
)

// Diagnostic message kinds sent to a job's console.
const (
	DiagError  = "error"
	DiagDebug  = "debug"
	DiagReport = "report"
	DiagFinish = "finish"
)

// JobPhase describes one phase of a submitted job.
type JobPhase struct {
	Phase   string `json:"phase" yaml:"phase"`
	Src     string `json:"src,omitempty" yaml:"src,omitempty"`
	MaxRun  int    `json:"maxrun,omitempty" yaml:"maxrun,omitempty"`
	Timeout int    `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Width   *int   `json:"width,omitempty" yaml:"width,omitempty"`
}

// JobCreate is a job submission.
type JobCreate struct {
	JobID     string     `json:"jobid" yaml:"jobid"`
	TraceInfo string     `json:"traceinfo,omitempty" yaml:"traceinfo,omitempty"`
	Options   string     `json:"options,omitempty" yaml:"options,omitempty"`
	Console   string     `json:"console,omitempty" yaml:"console,omitempty"`
	Priority  *int       `json:"priority,omitempty" yaml:"priority,omitempty"`
	Sections  []JobPhase `json:"section" yaml:"section"`
}

// JobAbort asks the master to abort a queued or running job.
type JobAbort struct {
	JobID string `json:"jobid"`
}

// TaskCreate dispatches one task to a worker.
type TaskCreate struct {
	JobID    string   `json:"jobid"`
	TaskID   string   `json:"taskid"`
	Console  string   `json:"console,omitempty"`
	Master   string   `json:"master,omitempty"`
	Phase    string   `json:"phase"`
	JobSrc   string   `json:"jobsrc,omitempty"`
	MaxRun   int      `json:"maxrun,omitempty"`
	Timeout  int      `json:"timeout,omitempty"`
	Priority int64    `json:"priority"`
	Infiles  []string `json:"infile"`
	Outfiles []string `json:"outfile"`
}

// TaskAbort cancels a task on a worker.
type TaskAbort struct {
	JobID  string `json:"jobid"`
	TaskID string `json:"taskid"`
}

// FileXfer asks a worker to pull a file from one of the listed locations.
type FileXfer struct {
	JobID     string   `json:"jobid"`
	CopyID    string   `json:"copyid"`
	Console   string   `json:"console,omitempty"`
	Master    string   `json:"master,omitempty"`
	Filename  string   `json:"filename"`
	Locations []string `json:"location"`
}

// FileDelete removes a batch of files from a worker.
type FileDelete struct {
	JobID     string   `json:"jobid,omitempty"`
	Filenames []string `json:"filename"`
}

// ActionStatus is pushed by workers for running tasks and transfers.
type ActionStatus struct {
	JobID    string `json:"jobid"`
	Xid      string `json:"xid"`
	Phase    string `json:"phase"`
	Progress int    `json:"progress,omitempty"`
	Amount   int64  `json:"amount,omitempty"`
}

// DiagMsg carries a job message to the end-user console.
type DiagMsg struct {
	JobID    string `json:"jobid"`
	ServerID string `json:"server_id,omitempty"`
	Type     string `json:"type"`
	Msg      string `json:"msg"`
}

// RegisterWorker announces a worker to the master.
type RegisterWorker struct {
	Name     string `json:"name"`
	Address  string `json:"address"`
	CPUCores uint32 `json:"cpu_cores,omitempty"`
}

// Heartbeat refreshes a worker's liveness and load.
type Heartbeat struct {
	Name string `json:"name"`
	Load int    `json:"load"`
}

// Reply is the generic acknowledgement.
type Reply struct {
	OK      bool   `json:"ok"`
	Code    int    `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// RegisterReply tells a worker how often to heartbeat.
type RegisterReply struct {
	Reply
	HeartbeatIntervalSeconds int `json:"heartbeat_interval_seconds"`
}

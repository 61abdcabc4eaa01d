package core

import (
	"errors"
	"time"
)

var ErrWorkerNotFound = errors.New("worker not found")

// Membership is the view of the fleet used while planning and running jobs.
// Servers are identified by their dialable address.
type Membership interface {
	Healthy() []string
	IsUp(addr string) bool
	CurrentLoad(addr string) int
}

// WorkerStore keeps the registered workers.
type WorkerStore interface {
	Membership

	Register(worker *Worker) error
	Heartbeat(name string, load int, at time.Time) error
	MarkDown(name string) error
	Stale(threshold time.Time) []*Worker
	Workers() []*Worker
}

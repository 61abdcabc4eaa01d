package core

import (
	"context"
	"time"

	"github.com/nemanja-m/quincy/internal/shared/rpc"
)

// MasterClient is the part of the master API a worker uses to stay in the
// membership view.
type MasterClient interface {
	RegisterWorker(ctx context.Context, req *rpc.RegisterWorker) (time.Duration, error)
	Heartbeat(ctx context.Context, req *rpc.Heartbeat) error
}

// LoadReporter returns the worker's current load, reported with every
// heartbeat.
type LoadReporter interface {
	Load() int
}

// LoadFunc adapts a plain function to LoadReporter.
type LoadFunc func() int

func (f LoadFunc) Load() int { return f() }

type MembershipAgent interface {
	Run(ctx context.Context) error
}

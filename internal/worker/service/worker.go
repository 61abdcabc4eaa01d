package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nemanja-m/quincy/internal/shared/logging"
	"github.com/nemanja-m/quincy/internal/shared/rpc"
	"github.com/nemanja-m/quincy/internal/worker/core"
)

const (
	minBackoff = 100 * time.Millisecond
	maxBackoff = 5 * time.Second
)

// AgentConfig describes the worker being announced.
type AgentConfig struct {
	Name     string
	Address  string
	CPUCores uint32

	// HeartbeatInterval is used when the master does not ask for one.
	HeartbeatInterval time.Duration
}

type membershipAgent struct {
	client core.MasterClient
	load   core.LoadReporter
	cfg    AgentConfig
	logger logging.Logger

	// sleep waits between registration attempts; swapped in tests.
	sleep func(ctx context.Context, d time.Duration) bool
}

// NewMembershipAgent returns an agent that registers the worker with the
// master and keeps it alive with heartbeats carrying the reported load.
func NewMembershipAgent(
	client core.MasterClient,
	load core.LoadReporter,
	cfg AgentConfig,
	logger logging.Logger,
) (core.MembershipAgent, error) {
	if cfg.Name == "" || cfg.Address == "" {
		return nil, errors.New("worker name and address are required")
	}
	if cfg.HeartbeatInterval <= 0 {
		return nil, fmt.Errorf("invalid heartbeat interval %s", cfg.HeartbeatInterval)
	}
	if load == nil {
		load = core.LoadFunc(func() int { return 0 })
	}
	return &membershipAgent{
		client: client,
		load:   load,
		cfg:    cfg,
		logger: logger.With("worker", cfg.Name),
		sleep:  sleepContext,
	}, nil
}

// Run blocks until ctx is done. A heartbeat the master rejects, as it does
// after a restart, sends the agent back to registration.
func (a *membershipAgent) Run(ctx context.Context) error {
	for {
		interval, ok := a.register(ctx)
		if !ok {
			return ctx.Err()
		}
		if err := a.runHeartbeatLoop(ctx, interval); err != nil {
			a.logger.Warn("Master rejected heartbeat, registering again", "error", err)
			continue
		}
		return ctx.Err()
	}
}

func (a *membershipAgent) register(ctx context.Context) (time.Duration, bool) {
	req := &rpc.RegisterWorker{
		Name:     a.cfg.Name,
		Address:  a.cfg.Address,
		CPUCores: a.cfg.CPUCores,
	}
	backoff := minBackoff

	for {
		interval, err := a.client.RegisterWorker(ctx, req)
		if err == nil {
			if interval <= 0 {
				interval = a.cfg.HeartbeatInterval
			}
			a.logger.Info("Registered with master", "heartbeat_interval", interval)
			return interval, true
		}
		if ctx.Err() != nil {
			return 0, false
		}

		a.logger.Error("Failed to register with master", "error", err, "retry_in", backoff)
		if !a.sleep(ctx, backoff) {
			return 0, false
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

// runHeartbeatLoop returns nil when ctx is done and the rejection error
// when the master no longer knows the worker.
func (a *membershipAgent) runHeartbeatLoop(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			load := a.load.Load()
			err := a.client.Heartbeat(ctx, &rpc.Heartbeat{Name: a.cfg.Name, Load: load})
			switch {
			case err == nil:
				a.logger.Debug("Heartbeat sent successfully", "load", load)
			case errors.Is(err, rpc.ErrRejected):
				return err
			case ctx.Err() != nil:
				return nil
			default:
				a.logger.Error("Failed to send heartbeat", "error", err)
			}
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

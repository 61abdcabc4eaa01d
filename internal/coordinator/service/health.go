package service

import (
	"context"
	"time"

	"github.com/nemanja-m/quincy/internal/shared/logging"
	"github.com/nemanja-m/quincy/internal/shared/metrics"
)

// WorkerHealthChecker marks workers down once their heartbeats stop. Jobs
// see the change through the membership store; their actions on that
// worker then time out and get retried or replaced.
type WorkerHealthChecker struct {
	checkInterval time.Duration
	staleTimeout  time.Duration
	workerService *WorkerService
	metrics       *metrics.Collector
	logger        logging.Logger
}

func NewWorkerHealthChecker(
	checkInterval time.Duration,
	staleTimeout time.Duration,
	workerService *WorkerService,
	collector *metrics.Collector,
	logger logging.Logger,
) *WorkerHealthChecker {
	return &WorkerHealthChecker{
		checkInterval: checkInterval,
		staleTimeout:  staleTimeout,
		workerService: workerService,
		metrics:       collector,
		logger:        logger,
	}
}

func (h *WorkerHealthChecker) Start(ctx context.Context) {
	ticker := time.NewTicker(h.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.markStaleWorkers()
		}
	}
}

func (h *WorkerHealthChecker) markStaleWorkers() {
	for _, worker := range h.workerService.StaleWorkers(h.staleTimeout) {
		h.logger.Warn("Marking stale worker down", "worker", worker.Name, "address", worker.Address,
			"last_heartbeat", worker.LastHeartbeatAt)
		if err := h.workerService.MarkDown(worker.Name); err != nil {
			h.logger.Error("Failed to mark worker down", "worker", worker.Name, "error", err)
		}
	}
	h.metrics.SetHealthyWorkers(h.workerService.HealthyCount())
}

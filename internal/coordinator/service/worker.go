package service

import (
	"time"

	"github.com/nemanja-m/quincy/internal/coordinator/core"
	"github.com/nemanja-m/quincy/internal/shared/logging"
)

// WorkerService records worker registrations and heartbeats.
type WorkerService struct {
	workerStore core.WorkerStore
	logger      logging.Logger
}

func NewWorkerService(workerStore core.WorkerStore, logger logging.Logger) *WorkerService {
	return &WorkerService{
		workerStore: workerStore,
		logger:      logger,
	}
}

func (s *WorkerService) RegisterWorker(worker *core.Worker) error {
	s.logger.Info("Registering worker", "worker", worker.Name, "address", worker.Address)
	now := time.Now()
	worker.Status = core.WorkerStatusActive
	worker.RegisteredAt = now
	worker.LastHeartbeatAt = now
	return s.workerStore.Register(worker)
}

func (s *WorkerService) RecordHeartbeat(name string, load int) error {
	return s.workerStore.Heartbeat(name, load, time.Now())
}

func (s *WorkerService) Workers() []*core.Worker {
	return s.workerStore.Workers()
}

func (s *WorkerService) StaleWorkers(timeout time.Duration) []*core.Worker {
	return s.workerStore.Stale(time.Now().Add(-timeout))
}

func (s *WorkerService) MarkDown(name string) error {
	return s.workerStore.MarkDown(name)
}

func (s *WorkerService) HealthyCount() int {
	return len(s.workerStore.Healthy())
}

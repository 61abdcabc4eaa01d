package storage

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nemanja-m/quincy/internal/coordinator/core"
)

// MembershipStore is the in-memory worker registry. Workers are keyed by
// name; the engine looks them up by address.
type MembershipStore struct {
	mu      sync.RWMutex
	workers map[string]*core.Worker
	byAddr  map[string]string // address -> name
}

func NewMembershipStore() *MembershipStore {
	return &MembershipStore{
		workers: make(map[string]*core.Worker),
		byAddr:  make(map[string]string),
	}
}

// Register adds or replaces a worker. A worker re-registering under a new
// address drops the old one.
func (s *MembershipStore) Register(worker *core.Worker) error {
	if worker == nil || worker.Name == "" || worker.Address == "" {
		return fmt.Errorf("worker name and address are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.workers[worker.Name]; ok && prev.Address != worker.Address {
		delete(s.byAddr, prev.Address)
	}
	if owner, ok := s.byAddr[worker.Address]; ok && owner != worker.Name {
		delete(s.workers, owner)
	}
	w := *worker
	s.workers[w.Name] = &w
	s.byAddr[w.Address] = w.Name
	return nil
}

// Heartbeat refreshes a worker and brings it back up if it was marked down.
func (s *MembershipStore) Heartbeat(name string, load int, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[name]
	if !ok {
		return core.ErrWorkerNotFound
	}
	w.Load = load
	w.LastHeartbeatAt = at
	w.Status = core.WorkerStatusActive
	return nil
}

func (s *MembershipStore) MarkDown(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[name]
	if !ok {
		return core.ErrWorkerNotFound
	}
	w.Status = core.WorkerStatusDown
	return nil
}

// Stale returns active workers whose last heartbeat is before threshold.
func (s *MembershipStore) Stale(threshold time.Time) []*core.Worker {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var stale []*core.Worker
	for _, w := range s.workers {
		if w.Status == core.WorkerStatusActive && w.LastHeartbeatAt.Before(threshold) {
			c := *w
			stale = append(stale, &c)
		}
	}
	sortWorkers(stale)
	return stale
}

// Workers returns copies of every registered worker ordered by name.
func (s *MembershipStore) Workers() []*core.Worker {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*core.Worker, 0, len(s.workers))
	for _, w := range s.workers {
		c := *w
		out = append(out, &c)
	}
	sortWorkers(out)
	return out
}

// Healthy returns the addresses of active workers ordered by name.
func (s *MembershipStore) Healthy() []string {
	var out []string
	for _, w := range s.Workers() {
		if w.Status == core.WorkerStatusActive {
			out = append(out, w.Address)
		}
	}
	return out
}

func (s *MembershipStore) IsUp(addr string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w := s.lookupAddr(addr)
	return w != nil && w.Status == core.WorkerStatusActive
}

// CurrentLoad is the last load reported by the worker at addr, 0 if unknown.
func (s *MembershipStore) CurrentLoad(addr string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if w := s.lookupAddr(addr); w != nil {
		return w.Load
	}
	return 0
}

func (s *MembershipStore) lookupAddr(addr string) *core.Worker {
	name, ok := s.byAddr[addr]
	if !ok {
		return nil
	}
	return s.workers[name]
}

func sortWorkers(ws []*core.Worker) {
	sort.Slice(ws, func(i, j int) bool { return ws[i].Name < ws[j].Name })
}

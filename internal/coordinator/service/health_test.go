package service

import (
	"context"
	"slices"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/nemanja-m/quincy/internal/coordinator/core"
	"github.com/nemanja-m/quincy/internal/shared/metrics"
)

func newHealthFixture(t *testing.T) (*mockWorkerStore, *WorkerService) {
	t.Helper()
	store := newMockWorkerStore()
	service := NewWorkerService(store, &testLogger{})
	for _, name := range []string{"w1", "w2", "w3"} {
		if err := service.RegisterWorker(&core.Worker{Name: name, Address: name + ":7000"}); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}
	return store, service
}

func TestWorkerHealthChecker_MarksStaleWorkersDown(t *testing.T) {
	store, service := newHealthFixture(t)
	_ = store.Heartbeat("w1", 0, time.Now().Add(-time.Minute))
	_ = store.Heartbeat("w3", 0, time.Now().Add(-time.Minute))

	collector := metrics.NewCollector()
	logger := &testLogger{}
	checker := NewWorkerHealthChecker(10*time.Millisecond, 15*time.Second, service, collector, logger)

	ctx, cancel := context.WithCancel(context.Background())
	go checker.Start(ctx)
	time.Sleep(50 * time.Millisecond)
	cancel()

	down := store.getMarkedDown()
	slices.Sort(down)
	if !slices.Equal(down, []string{"w1", "w3"}) {
		t.Errorf("expected w1 and w3 marked down once, got %v", down)
	}
	if got := store.Healthy(); !slices.Equal(got, []string{"w2:7000"}) {
		t.Errorf("expected only w2 healthy, got %v", got)
	}
	if !slices.Contains(logger.getMessages(), "Marking stale worker down") {
		t.Error("expected 'Marking stale worker down' log message")
	}
}

func TestWorkerHealthChecker_ReportsHealthyGauge(t *testing.T) {
	store, service := newHealthFixture(t)
	_ = store.Heartbeat("w2", 0, time.Now().Add(-time.Minute))

	collector := metrics.NewCollector()
	checker := NewWorkerHealthChecker(time.Hour, 15*time.Second, service, collector, &testLogger{})
	checker.markStaleWorkers()

	gauge, err := collector.Registry().Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	found := false
	for _, mf := range gauge {
		if mf.GetName() == "quincy_workers_healthy" {
			found = true
			if v := mf.GetMetric()[0].GetGauge().GetValue(); v != 2 {
				t.Errorf("expected 2 healthy workers, got %v", v)
			}
		}
	}
	if !found {
		t.Error("quincy_workers_healthy not exported")
	}
	if n := testutil.CollectAndCount(collector.Registry(), "quincy_workers_healthy"); n != 1 {
		t.Errorf("expected one healthy gauge sample, got %d", n)
	}
}

func TestWorkerHealthChecker_RevivedWorkerIsHealthyAgain(t *testing.T) {
	store, service := newHealthFixture(t)
	_ = store.Heartbeat("w1", 0, time.Now().Add(-time.Minute))

	checker := NewWorkerHealthChecker(time.Hour, 15*time.Second, service, nil, &testLogger{})
	checker.markStaleWorkers()
	if store.IsUp("w1:7000") {
		t.Fatal("w1 should be down")
	}

	if err := service.RecordHeartbeat("w1", 1); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	checker.markStaleWorkers()
	if !store.IsUp("w1:7000") {
		t.Error("w1 should be up after a fresh heartbeat")
	}
}

func TestWorkerHealthChecker_StopsOnContextCancel(t *testing.T) {
	_, service := newHealthFixture(t)
	checker := NewWorkerHealthChecker(5*time.Millisecond, 15*time.Second, service, nil, &testLogger{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		checker.Start(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(100 * time.Millisecond):
		t.Error("health checker did not stop after context cancellation")
	}
}

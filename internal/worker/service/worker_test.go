package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	grpcapi "github.com/nemanja-m/quincy/internal/coordinator/api/grpc"
	coordcore "github.com/nemanja-m/quincy/internal/coordinator/core"
	coordsvc "github.com/nemanja-m/quincy/internal/coordinator/service"
	"github.com/nemanja-m/quincy/internal/coordinator/storage"
	"github.com/nemanja-m/quincy/internal/shared/config"
	"github.com/nemanja-m/quincy/internal/shared/logging"
	"github.com/nemanja-m/quincy/internal/shared/rpc"
	"github.com/nemanja-m/quincy/internal/worker/core"
)

type mockMasterClient struct {
	mu sync.Mutex

	interval     time.Duration
	registerErrs []error
	registered   int

	heartbeatErrs []error
	heartbeats    []rpc.Heartbeat
}

func (m *mockMasterClient) RegisterWorker(ctx context.Context, req *rpc.RegisterWorker) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.registerErrs) > 0 {
		err := m.registerErrs[0]
		m.registerErrs = m.registerErrs[1:]
		return 0, err
	}
	m.registered++
	return m.interval, nil
}

func (m *mockMasterClient) Heartbeat(ctx context.Context, req *rpc.Heartbeat) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.heartbeats = append(m.heartbeats, *req)
	if len(m.heartbeatErrs) > 0 {
		err := m.heartbeatErrs[0]
		m.heartbeatErrs = m.heartbeatErrs[1:]
		return err
	}
	return nil
}

func (m *mockMasterClient) counts() (registered, heartbeats int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.registered, len(m.heartbeats)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func startAgent(t *testing.T, agent core.MembershipAgent) (cancel func() error) {
	t.Helper()
	ctx, stop := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- agent.Run(ctx) }()
	return func() error {
		stop()
		return <-done
	}
}

func newTestAgent(t *testing.T, client core.MasterClient, load core.LoadReporter) *membershipAgent {
	t.Helper()
	agent, err := NewMembershipAgent(client, load, AgentConfig{
		Name:              "w1",
		Address:           ":7000",
		CPUCores:          4,
		HeartbeatInterval: 10 * time.Millisecond,
	}, logging.Nop())
	if err != nil {
		t.Fatalf("NewMembershipAgent failed: %v", err)
	}
	return agent.(*membershipAgent)
}

func TestNewMembershipAgent_Validation(t *testing.T) {
	tests := []struct {
		name string
		cfg  AgentConfig
	}{
		{"missing name", AgentConfig{Address: ":7000", HeartbeatInterval: time.Second}},
		{"missing address", AgentConfig{Name: "w1", HeartbeatInterval: time.Second}},
		{"zero interval", AgentConfig{Name: "w1", Address: ":7000"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewMembershipAgent(&mockMasterClient{}, nil, tt.cfg, logging.Nop()); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestMembershipAgent_SendsHeartbeatsWithLoad(t *testing.T) {
	client := &mockMasterClient{}
	agent := newTestAgent(t, client, core.LoadFunc(func() int { return 3 }))

	stop := startAgent(t, agent)
	waitFor(t, func() bool {
		_, n := client.counts()
		return n >= 2
	})
	if err := stop(); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}

	client.mu.Lock()
	defer client.mu.Unlock()
	for _, hb := range client.heartbeats {
		if hb.Name != "w1" || hb.Load != 3 {
			t.Errorf("unexpected heartbeat: %+v", hb)
		}
	}
}

func TestMembershipAgent_UsesMasterInterval(t *testing.T) {
	client := &mockMasterClient{interval: 10 * time.Millisecond}
	agent := newTestAgent(t, client, nil)
	agent.cfg.HeartbeatInterval = time.Hour

	stop := startAgent(t, agent)
	defer stop()

	waitFor(t, func() bool {
		_, n := client.counts()
		return n > 0
	})
}

func TestMembershipAgent_RegisterRetriesWithBackoff(t *testing.T) {
	client := &mockMasterClient{
		registerErrs: []error{errors.New("unavailable"), errors.New("unavailable"), errors.New("unavailable")},
	}
	agent := newTestAgent(t, client, nil)

	var mu sync.Mutex
	var waits []time.Duration
	agent.sleep = func(ctx context.Context, d time.Duration) bool {
		mu.Lock()
		waits = append(waits, d)
		mu.Unlock()
		return true
	}

	stop := startAgent(t, agent)
	waitFor(t, func() bool {
		registered, _ := client.counts()
		return registered == 1
	})
	stop()

	mu.Lock()
	defer mu.Unlock()
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond}
	if fmt.Sprint(waits) != fmt.Sprint(want) {
		t.Errorf("backoff = %v, want %v", waits, want)
	}
}

func TestMembershipAgent_ReregistersAfterRejection(t *testing.T) {
	client := &mockMasterClient{
		heartbeatErrs: []error{
			errors.New("transient"),
			fmt.Errorf("heartbeat: %w: 404 worker not found", rpc.ErrRejected),
		},
	}
	agent := newTestAgent(t, client, nil)

	stop := startAgent(t, agent)
	defer stop()

	waitFor(t, func() bool {
		registered, heartbeats := client.counts()
		return registered == 2 && heartbeats >= 3
	})
}

func TestMembershipAgent_StopsWhileRegistering(t *testing.T) {
	client := &mockMasterClient{registerErrs: []error{errors.New("down")}}
	agent := newTestAgent(t, client, nil)
	agent.sleep = func(ctx context.Context, d time.Duration) bool {
		<-ctx.Done()
		return false
	}

	stop := startAgent(t, agent)
	if err := stop(); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if registered, _ := client.counts(); registered != 0 {
		t.Errorf("expected no registration, got %d", registered)
	}
}

func TestMembershipAgent_AgainstMaster(t *testing.T) {
	store := storage.NewMembershipStore()
	workers := coordsvc.NewWorkerService(store, logging.Nop())

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := grpcapi.NewServer(config.GRPCConfig{Addr: lis.Addr().String()}, nil, workers, logging.Nop())
	go func() { _ = srv.Serve(lis) }()
	defer srv.Stop()

	pool := rpc.NewConnPool(time.Minute, 5*time.Second)
	defer pool.Close()

	agent, err := NewMembershipAgent(
		rpc.NewMasterClient(pool, lis.Addr().String()),
		core.LoadFunc(func() int { return 5 }),
		AgentConfig{Name: "w1", Address: ":7000", CPUCores: 8, HeartbeatInterval: 10 * time.Millisecond},
		logging.Nop(),
	)
	if err != nil {
		t.Fatalf("NewMembershipAgent failed: %v", err)
	}
	stop := startAgent(t, agent)
	defer stop()

	waitFor(t, func() bool { return store.CurrentLoad("127.0.0.1:7000") == 5 })

	list := workers.Workers()
	if len(list) != 1 {
		t.Fatalf("expected 1 worker, got %d", len(list))
	}
	w := list[0]
	if w.Name != "w1" || w.CPUCores != 8 || w.Status != coordcore.WorkerStatusActive {
		t.Errorf("unexpected worker: %+v", w)
	}
	if !store.IsUp("127.0.0.1:7000") {
		t.Error("expected worker to be up")
	}
}

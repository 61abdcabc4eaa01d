package job

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nemanja-m/quincy/internal/coordinator/core"
	"github.com/nemanja-m/quincy/internal/shared/config"
	"github.com/nemanja-m/quincy/internal/shared/rpc"
)

type fakeMembership struct {
	mu      sync.Mutex
	servers []string
	down    map[string]bool
	load    map[string]int
}

func newFakeMembership(servers ...string) *fakeMembership {
	return &fakeMembership{servers: servers, down: make(map[string]bool), load: make(map[string]int)}
}

func (m *fakeMembership) Healthy() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, s := range m.servers {
		if !m.down[s] {
			out = append(out, s)
		}
	}
	return out
}

func (m *fakeMembership) IsUp(addr string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.down[addr]
}

func (m *fakeMembership) CurrentLoad(addr string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.load[addr]
}

func (m *fakeMembership) setDown(addr string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.down[addr] = true
}

type planFunc func(ctx context.Context, servers []string, options string) (*MapPlan, error)

func (f planFunc) PlanMap(ctx context.Context, servers []string, options string) (*MapPlan, error) {
	return f(ctx, servers, options)
}

// spreadPlan assigns map task i to servers[i % len(servers)].
func spreadPlan(n int) planFunc {
	return func(_ context.Context, servers []string, _ string) (*MapPlan, error) {
		plan := &MapPlan{}
		for i := 0; i < n; i++ {
			plan.Tasks = append(plan.Tasks, MapTask{
				Server: servers[i%len(servers)],
				Size:   1 << 20,
				Files:  []string{fmt.Sprintf("/in/part-%d", i)},
			})
		}
		return plan, nil
	}
}

type behavior int

const (
	finish behavior = iota
	finishTwice
	hold
	fail
	reject
)

type createCall struct {
	server string
	req    rpc.TaskCreate
}

type abortCall struct {
	server string
	taskID string
}

// fakeWorkers answers dispatches by posting statuses back to the job.
type fakeWorkers struct {
	mu        sync.Mutex
	job       *Job
	rule      func(server string, req *rpc.TaskCreate, attempt int) behavior
	xferRule  func(server string, req *rpc.FileXfer, attempt int) behavior
	creates   []createCall
	attempts  map[string]int
	xfers     []rpc.FileXfer
	aborts    []abortCall
	deletes   map[string][]string
	deleteErr map[string]bool
}

func newFakeWorkers() *fakeWorkers {
	return &fakeWorkers{
		attempts:  make(map[string]int),
		deletes:   make(map[string][]string),
		deleteErr: make(map[string]bool),
	}
}

func (w *fakeWorkers) report(xid, status string, amount int64) {
	w.mu.Lock()
	j := w.job
	w.mu.Unlock()
	j.Update(&rpc.ActionStatus{JobID: j.ID(), Xid: xid, Phase: rpc.StatusRunning, Progress: 50})
	j.Update(&rpc.ActionStatus{JobID: j.ID(), Xid: xid, Phase: status, Progress: 100, Amount: amount})
}

func (w *fakeWorkers) CreateTask(_ context.Context, server string, req *rpc.TaskCreate) error {
	w.mu.Lock()
	w.creates = append(w.creates, createCall{server: server, req: *req})
	w.attempts[req.TaskID]++
	attempt := w.attempts[req.TaskID]
	b := finish
	if w.rule != nil {
		b = w.rule(server, req, attempt)
	}
	w.mu.Unlock()

	switch b {
	case finish:
		go w.report(req.TaskID, rpc.StatusFinished, 5)
	case finishTwice:
		go func() {
			w.report(req.TaskID, rpc.StatusFinished, 5)
			w.report(req.TaskID, rpc.StatusFinished, 5)
		}()
	case fail:
		go w.report(req.TaskID, rpc.StatusFailed, 0)
	case reject:
		return errors.New("worker rejected task")
	}
	return nil
}

func (w *fakeWorkers) AbortTask(_ context.Context, server string, req *rpc.TaskAbort) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.aborts = append(w.aborts, abortCall{server: server, taskID: req.TaskID})
	return nil
}

func (w *fakeWorkers) TransferFile(_ context.Context, server string, req *rpc.FileXfer) error {
	w.mu.Lock()
	w.xfers = append(w.xfers, *req)
	w.attempts[req.CopyID]++
	attempt := w.attempts[req.CopyID]
	b := finish
	if w.xferRule != nil {
		b = w.xferRule(server, req, attempt)
	}
	w.mu.Unlock()

	switch b {
	case finish, finishTwice:
		go w.report(req.CopyID, rpc.StatusFinished, 1<<20)
	case fail:
		go w.report(req.CopyID, rpc.StatusFailed, 0)
	case reject:
		return errors.New("worker rejected copy")
	}
	return nil
}

func (w *fakeWorkers) DeleteFiles(_ context.Context, server string, req *rpc.FileDelete) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.deleteErr[server] {
		return errors.New("server unreachable")
	}
	w.deletes[server] = append(w.deletes[server], req.Filenames...)
	return nil
}

func (w *fakeWorkers) createsFor(phase string) []createCall {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []createCall
	for _, c := range w.creates {
		if c.req.Phase == phase {
			out = append(out, c)
		}
	}
	return out
}

func (w *fakeWorkers) xferAttempts(copyID string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.attempts[copyID]
}

func (w *fakeWorkers) abortedIDs() map[string]string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(map[string]string)
	for _, a := range w.aborts {
		out[a.taskID] = a.server
	}
	return out
}

type fakeNotifier struct {
	mu   sync.Mutex
	msgs []rpc.DiagMsg
}

func (n *fakeNotifier) Diag(_ context.Context, _ string, msg *rpc.DiagMsg) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.msgs = append(n.msgs, *msg)
	return nil
}

func (n *fakeNotifier) ofType(kind string) []rpc.DiagMsg {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []rpc.DiagMsg
	for _, m := range n.msgs {
		if m.Type == kind {
			out = append(out, m)
		}
	}
	return out
}

func testConfig() config.EngineConfig {
	cfg := config.DefaultEngineConfig()
	cfg.TickInterval = 5 * time.Millisecond
	cfg.ActionTimeout = 5 * time.Second
	cfg.RetryDelay = 10 * time.Millisecond
	cfg.RetryQuickDelay = 5 * time.Millisecond
	cfg.RPCTimeout = time.Second
	cfg.CancelPause = 5 * time.Millisecond
	cfg.SpecMinWidth = 1000
	return cfg
}

type harness struct {
	job      *Job
	members  *fakeMembership
	workers  *fakeWorkers
	notifier *fakeNotifier
}

func newHarness(t *testing.T, cfg config.EngineConfig, planner Planner, servers []string, phases ...core.PhaseSpec) *harness {
	t.Helper()
	h := &harness{
		members:  newFakeMembership(servers...),
		workers:  newFakeWorkers(),
		notifier: &fakeNotifier{},
	}
	spec := core.JobSpec{
		ID:      "job1",
		Console: "console:7000",
		Master:  "master:9090",
		Options: `{"input":"/in"}`,
		Phases:  phases,
	}
	h.job = New(spec, cfg, Deps{
		Membership: h.members,
		Planner:    planner,
		Workers:    h.workers,
		Notifier:   h.notifier,
	})
	h.workers.job = h.job
	return h
}

func (h *harness) run(t *testing.T) {
	t.Helper()
	go h.job.Run(context.Background())
}

func (h *harness) wait(t *testing.T) {
	t.Helper()
	select {
	case <-h.job.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("job did not finish in time")
	}
}

func phases(names ...string) []core.PhaseSpec {
	out := make([]core.PhaseSpec, len(names))
	for i, n := range names {
		out[i] = core.PhaseSpec{Name: n}
	}
	return out
}

func requireSingleFinish(t *testing.T, n *fakeNotifier, outcome string) {
	t.Helper()
	finishes := n.ofType(rpc.DiagFinish)
	require.Len(t, finishes, 1)
	require.Equal(t, outcome, finishes[0].Msg)
}

package job

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nemanja-m/quincy/internal/coordinator/core"
	"github.com/nemanja-m/quincy/internal/shared/config"
	"github.com/nemanja-m/quincy/internal/shared/rpc"
)

// onePlace puts all n map tasks on the first server.
func onePlace(n int) planFunc {
	return func(_ context.Context, servers []string, _ string) (*MapPlan, error) {
		plan := &MapPlan{}
		for i := range n {
			plan.Tasks = append(plan.Tasks, MapTask{Server: servers[0], Files: []string{fmt.Sprintf("/in/part-%d", i)}})
		}
		return plan, nil
	}
}

// plannedJob returns a planned job whose workers accept and hold every action.
// Dispatch results are never applied, so each start stays in flight.
func plannedJob(t *testing.T, cfg config.EngineConfig, planner Planner) *harness {
	t.Helper()
	h := newHarness(t, cfg, planner, threeServers, phases(core.PhaseMap, core.PhaseFinal)...)
	h.workers.rule = func(string, *rpc.TaskCreate, int) behavior { return hold }
	h.workers.xferRule = func(string, *rpc.FileXfer, int) behavior { return hold }
	require.NoError(t, h.job.plan(context.Background()))
	return h
}

func (j *Job) runningByKind() (tasks, xfers int) {
	for _, ref := range j.running {
		if j.actions[ref].Kind == KindTask {
			tasks++
		} else {
			xfers++
		}
	}
	return tasks, xfers
}

func TestJob_StartLimits(t *testing.T) {
	startMap := func(j *Job) { j.tryAdvance() }
	copies := func(route func(i int) (src, dst int), n int) func(j *Job) {
		return func(j *Job) {
			for i := range n {
				src, dst := route(i)
				j.newTransfer(src, dst, fmt.Sprintf("mrtmp/j_job1/f%d", i), 0, noAction)
			}
		}
	}

	tests := []struct {
		name      string
		mutate    func(*config.EngineConfig)
		planner   Planner
		setup     func(j *Job)
		passes    int
		wantTasks int
		wantXfers int
	}{
		{
			name:      "tasks per server",
			mutate:    func(c *config.EngineConfig) { c.ServerTaskMax = 2 },
			planner:   onePlace(6),
			setup:     startMap,
			passes:    3,
			wantTasks: 2,
		},
		{
			name:      "dispatch threads",
			mutate:    func(c *config.EngineConfig) { c.MaxThreads = 3 },
			planner:   spreadPlan(6),
			setup:     startMap,
			passes:    3,
			wantTasks: 3,
		},
		{
			name: "starts per tick, one pass",
			mutate: func(c *config.EngineConfig) {
				c.MaxStartsPerTick = 2
				c.MaxThreads = 10
			},
			planner:   spreadPlan(6),
			setup:     startMap,
			passes:    1,
			wantTasks: 2,
		},
		{
			name: "starts per tick, two passes",
			mutate: func(c *config.EngineConfig) {
				c.MaxStartsPerTick = 2
				c.MaxThreads = 10
			},
			planner:   spreadPlan(6),
			setup:     startMap,
			passes:    2,
			wantTasks: 4,
		},
		{
			name:    "copies into one destination",
			mutate:  func(c *config.EngineConfig) { c.ServerXferMax = 2 },
			planner: spreadPlan(3),
			setup: copies(func(i int) (int, int) {
				return 1 + i%2, 0
			}, 5),
			passes:    3,
			wantXfers: 2,
		},
		{
			name:    "copies out of one source",
			mutate:  func(c *config.EngineConfig) { c.ServerXferMax = 2 },
			planner: spreadPlan(3),
			setup: copies(func(i int) (int, int) {
				return 0, 1 + i%2
			}, 5),
			passes:    3,
			wantXfers: 2,
		},
		{
			name: "copies per job",
			mutate: func(c *config.EngineConfig) {
				c.JobXferMax = 3
				c.MaxThreads = 10
			},
			planner: spreadPlan(3),
			setup: copies(func(i int) (int, int) {
				return i % 3, (i + 1) % 3
			}, 6),
			passes:    3,
			wantXfers: 3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(&cfg)
			h := plannedJob(t, cfg, tt.planner)
			j := h.job

			j.mu.Lock()
			defer j.mu.Unlock()
			tt.setup(j)
			for range tt.passes {
				j.tryStartMore(time.Now())
			}

			tasks, xfers := j.runningByKind()
			require.Equal(t, tt.wantTasks, tasks)
			require.Equal(t, tt.wantXfers, xfers)
			require.Equal(t, tasks+xfers, j.nThreads)
			require.Equal(t, xfers, j.nXfers)
			for _, s := range j.servers {
				require.LessOrEqual(t, s.TasksRunning, cfg.ServerTaskMax, "server %s", s.Name)
				require.LessOrEqual(t, s.XfersRunning, cfg.ServerXferMax, "server %s", s.Name)
				require.LessOrEqual(t, s.XfersPeering, cfg.ServerXferMax, "server %s", s.Name)
			}
		})
	}
}

func TestJob_RetryRestagesFromSurvivingCopy(t *testing.T) {
	h := plannedJob(t, testConfig(), spreadPlan(3))
	j := h.job
	j.mu.Lock()
	defer j.mu.Unlock()

	file := "mrtmp/j_job1/out_000_000_000"
	j.addLocation(file, 0)
	j.addLocation(file, 1)
	ref := j.newTransfer(0, 2, file, 0, noAction)
	j.tryStartMore(time.Now())
	require.Equal(t, []ActionRef{ref}, j.running)

	h.members.setDown(j.servers[0].Name)
	j.failed(ref, false)

	a := j.actions[ref]
	require.Equal(t, StatePending, a.State)
	require.Equal(t, 1, a.Tries)
	require.Equal(t, 1, a.xfer.src)
	require.Equal(t, []string{j.servers[1].Name}, a.xfer.req.Locations)
	require.Zero(t, j.servers[0].XfersPeering)
	require.Zero(t, j.servers[2].XfersRunning)
	require.Zero(t, j.nXfers)
}

func TestJob_PickSource(t *testing.T) {
	h := plannedJob(t, testConfig(), spreadPlan(3))
	j := h.job
	h.members.setDown(j.servers[0].Name)

	j.addLocation("both", 0)
	j.addLocation("both", 1)
	j.addLocation("only-down", 0)
	j.addLocation("only-dst", 2)

	tests := []struct {
		name   string
		file   string
		want   int
		wantOK bool
	}{
		{name: "prefers a live copy", file: "both", want: 1, wantOK: true},
		{name: "falls back to a down copy", file: "only-down", want: 0, wantOK: true},
		{name: "destination copy does not count", file: "only-dst", want: -1},
		{name: "unknown file", file: "missing", want: -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := j.pickSource(tt.file, 2)
			require.Equal(t, tt.wantOK, ok)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestJob_CreateTransfersNamesConsumer(t *testing.T) {
	h := newHarness(t, testConfig(), spreadPlan(2), []string{"w1:7000", "w2:7000"}, phases(core.PhaseMap, core.PhaseFinal)...)
	require.NoError(t, h.job.plan(context.Background()))
	j := h.job
	final := j.steps[1].Tasks[0]
	require.Equal(t, 0, j.actions[final].Server)

	// Map task 0 shares the final task's server, so its copy is a backup.
	j.createTransfers(j.steps[0].Tasks[0])
	// Map task 1 feeds the final task.
	j.createTransfers(j.steps[0].Tasks[1])

	require.Len(t, j.pending, 2)
	backup, feed := j.actions[j.pending[0]], j.actions[j.pending[1]]
	require.Equal(t, 1, backup.Server)
	require.Equal(t, noAction, backup.xfer.forTask)
	require.Equal(t, 0, feed.Server)
	require.Equal(t, final, feed.xfer.forTask)
}

package scheduler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tastythames/ssh-fleet/internal/inventory"
	"github.com/tastythames/ssh-fleet/internal/logger"
	"github.com/tastythames/ssh-fleet/internal/scheduler"
	"github.com/tastythames/ssh-fleet/internal/sshclient"
	"github.com/tastythames/ssh-fleet/internal/sshclient/sshtest"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

// events returns the logged events with the given message.
func (b *syncBuffer) events(msg string) []map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(b.buf.String()), "\n") {
		var ev map[string]any
		if json.Unmarshal([]byte(line), &ev) == nil && ev["msg"] == msg {
			out = append(out, ev)
		}
	}
	return out
}

func counterIDs() func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("t%d", n)
	}
}

func fleetNode(name string, maxJobs int) inventory.Node {
	return inventory.Node{
		Name:                 name,
		Host:                 name,
		User:                 "runner",
		Password:             "secret",
		RemoteExecutablePath: "/opt/bin/solver",
		Port:                 22,
		MaxJobs:              maxJobs,
		Enabled:              true,
	}
}

type fixture struct {
	net  *sshtest.Network
	logs *syncBuffer
}

func newFixture() *fixture {
	return &fixture{net: sshtest.NewNetwork(), logs: &syncBuffer{}}
}

func (f *fixture) scheduler(t *testing.T, opts scheduler.Options) *scheduler.Scheduler {
	t.Helper()

	opts.Opener = sshclient.NewGateway(sshclient.GatewayOptions{
		Config: sshclient.Config{Timeout: time.Second, Port: 22},
		Dial:   f.net.Dial,
		Probe:  f.net.Probe,
	})
	opts.Logger = logger.New(f.logs, slog.LevelDebug)
	opts.IDFunc = counterIDs()
	if opts.TickInterval == 0 {
		opts.TickInterval = time.Millisecond
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = time.Millisecond
	}

	s, err := scheduler.New(opts)
	require.NoError(t, err)
	return s
}

func commands(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("/opt/bin/solver job%d.inp", i)
	}
	return out
}

func TestScheduler_RespectsNodeCapacity(t *testing.T) {
	f := newFixture()
	h := f.net.Add("n1", sshtest.NewHost(func(_, _ string) sshtest.Reply {
		return sshtest.Reply{Delay: 5 * time.Millisecond}
	}))
	s := f.scheduler(t, scheduler.Options{Nodes: []inventory.Node{fleetNode("n1", 2)}})
	s.Submit(commands(5)...)

	var peak int
	stop := make(chan struct{})
	watched := make(chan struct{})
	go func() {
		defer close(watched)
		for {
			select {
			case <-stop:
				return
			default:
			}
			snap := s.Snapshot()
			if r := snap.Nodes[0].RunningJobs; r > peak {
				peak = r
			}
			running := 0
			for _, task := range snap.Tasks {
				if task.Status == scheduler.StatusRunning {
					running++
				}
			}
			if running > peak {
				peak = running
			}
			time.Sleep(100 * time.Microsecond)
		}
	}()

	rep, err := s.Run(context.Background())
	close(stop)
	<-watched

	require.NoError(t, err)
	assert.Equal(t, 5, rep.Completed)
	assert.Empty(t, rep.Failed)
	assert.True(t, rep.OK())
	assert.LessOrEqual(t, h.Peak(), 2)
	assert.LessOrEqual(t, peak, 2)
	for _, task := range s.Snapshot().Tasks {
		assert.Equal(t, scheduler.StatusCompleted, task.Status)
		assert.Empty(t, task.AssignedNode)
		assert.False(t, task.EndTime.IsZero())
	}
}

func TestScheduler_RetriesThenFails(t *testing.T) {
	f := newFixture()
	h := f.net.Add("n1", sshtest.NewHost(func(_, _ string) sshtest.Reply {
		return sshtest.Reply{Status: 1, Stderr: "solver: bad input\n"}
	}))
	s := f.scheduler(t, scheduler.Options{
		Nodes:       []inventory.Node{fleetNode("n1", 2)},
		RetryBudget: 2,
	})
	ids := s.Submit(commands(2)...)

	rep, err := s.Run(context.Background())

	require.NoError(t, err)
	assert.Zero(t, rep.Completed)
	require.Len(t, rep.Failed, 2)
	assert.Equal(t, "exit status 1: solver: bad input", rep.Failed[0].Error)
	assert.Len(t, h.Commands(), 6)

	for _, id := range ids {
		task, ok := s.Task(id)
		require.True(t, ok)
		assert.Equal(t, scheduler.StatusFailed, task.Status)
		assert.Equal(t, 3, task.RetryCount)

		var failed int
		for _, ev := range f.logs.events("task failed") {
			if ev["task_id"] == id {
				failed++
			}
		}
		assert.Equal(t, 1, failed, id)
	}

	// command failures never count against the node
	snap := s.Snapshot()
	assert.Zero(t, snap.Nodes[0].ConnectionFailures)
	assert.False(t, snap.Nodes[0].Disabled)
	assert.Empty(t, rep.DisabledNodes)
}

func TestScheduler_DisablesNodeAfterConnectionFailures(t *testing.T) {
	f := newFixture()
	f.net.Add("x", sshtest.NewHost(nil))
	f.net.SetDialErr("x", &sshclient.Error{Kind: sshclient.KindUnreachable, Addr: "x:22"})
	y := f.net.Add("y", sshtest.NewHost(func(_, _ string) sshtest.Reply {
		return sshtest.Reply{Delay: 5 * time.Millisecond}
	}))
	s := f.scheduler(t, scheduler.Options{
		Nodes:       []inventory.Node{fleetNode("x", 1), fleetNode("y", 1)},
		RetryBudget: 10,
	})
	s.Submit(commands(20)...)

	rep, err := s.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 20, rep.Completed)
	assert.Equal(t, []string{"x"}, rep.DisabledNodes)
	assert.Equal(t, 4, f.net.Dials("x"))
	assert.Len(t, y.Commands(), 20)

	snap := s.Snapshot()
	assert.True(t, snap.Nodes[0].Disabled)
	assert.Equal(t, 4, snap.Nodes[0].ConnectionFailures)
	assert.Len(t, f.logs.events("node disabled"), 1)
}

func TestScheduler_FailsPendingWhenAllNodesDisabled(t *testing.T) {
	f := newFixture()
	f.net.Add("x", sshtest.NewHost(nil))
	f.net.SetDialErr("x", &sshclient.Error{Kind: sshclient.KindUnreachable, Addr: "x:22"})
	s := f.scheduler(t, scheduler.Options{
		Nodes:       []inventory.Node{fleetNode("x", 1)},
		RetryBudget: 10,
	})
	s.Submit(commands(3)...)

	rep, err := s.Run(context.Background())

	require.NoError(t, err)
	assert.Len(t, rep.Failed, 3)
	assert.Equal(t, 4, f.net.Dials("x"))
	for _, fail := range rep.Failed {
		assert.Contains(t, fail.Error, scheduler.ErrNodeDisabled.Error())
	}
}

func TestScheduler_Timeout(t *testing.T) {
	f := newFixture()
	f.net.Add("n1", sshtest.NewHost(func(_, _ string) sshtest.Reply {
		return sshtest.Reply{Hang: true}
	}))
	s := f.scheduler(t, scheduler.Options{
		Nodes:   []inventory.Node{fleetNode("n1", 1)},
		Timeout: 10 * time.Millisecond,
	})
	s.Submit("/opt/bin/solver forever.inp")

	rep, err := s.Run(context.Background())

	require.NoError(t, err)
	require.Len(t, rep.Failed, 1)
	assert.Contains(t, rep.Failed[0].Error, "timed out")
	assert.Zero(t, s.Snapshot().Nodes[0].ConnectionFailures)
}

func TestScheduler_StopAbandonsInFlight(t *testing.T) {
	f := newFixture()
	h := f.net.Add("n1", sshtest.NewHost(func(_, _ string) sshtest.Reply {
		return sshtest.Reply{Hang: true}
	}))
	s := f.scheduler(t, scheduler.Options{Nodes: []inventory.Node{fleetNode("n1", 2)}})
	s.Submit(commands(4)...)

	go func() {
		for len(h.Commands()) < 2 {
			time.Sleep(time.Millisecond)
		}
		s.Stop()
	}()

	rep, err := s.Run(context.Background())

	assert.ErrorIs(t, err, scheduler.ErrInterrupted)
	assert.True(t, rep.Interrupted)
	assert.Equal(t, 4, rep.Unfinished)
	assert.Len(t, h.Commands(), 2)
	for _, task := range s.Snapshot().Tasks {
		assert.False(t, task.IsTerminal())
	}
	assert.Zero(t, s.Snapshot().Nodes[0].RunningJobs)
}

func TestScheduler_ContextCancel(t *testing.T) {
	f := newFixture()
	f.net.Add("n1", sshtest.NewHost(func(_, _ string) sshtest.Reply {
		return sshtest.Reply{Hang: true}
	}))
	s := f.scheduler(t, scheduler.Options{Nodes: []inventory.Node{fleetNode("n1", 1)}})
	s.Submit(commands(2)...)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := s.Run(ctx)

	assert.ErrorIs(t, err, scheduler.ErrInterrupted)
}

func TestScheduler_SpreadsLoad(t *testing.T) {
	f := newFixture()
	reply := func(_, _ string) sshtest.Reply { return sshtest.Reply{Delay: 20 * time.Millisecond} }
	a := f.net.Add("a", sshtest.NewHost(reply))
	b := f.net.Add("b", sshtest.NewHost(reply))
	s := f.scheduler(t, scheduler.Options{
		Nodes:        []inventory.Node{fleetNode("a", 2), fleetNode("b", 1)},
		TickInterval: time.Hour,
	})
	s.Submit(commands(3)...)

	rep, err := s.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 3, rep.Completed)
	// a(0/2), b(0/1) -> a; a(1/2), b(0/1) -> b; a(1/2), b(1/1) -> a
	assert.Len(t, a.Commands(), 2)
	assert.Len(t, b.Commands(), 1)
}

func TestScheduler_IgnoresDisabledRegistryNodes(t *testing.T) {
	n := fleetNode("n1", 1)
	n.Enabled = false

	_, err := scheduler.New(scheduler.Options{
		Nodes:  []inventory.Node{n},
		Opener: sshclient.NewGateway(sshclient.GatewayOptions{}),
	})

	assert.ErrorIs(t, err, scheduler.ErrNoNodes)
}

func TestScheduler_EmptyRun(t *testing.T) {
	f := newFixture()
	f.net.Add("n1", sshtest.NewHost(nil))
	s := f.scheduler(t, scheduler.Options{Nodes: []inventory.Node{fleetNode("n1", 1)}})

	rep, err := s.Run(context.Background())

	require.NoError(t, err)
	assert.True(t, rep.OK())
}

func TestReport_Write(t *testing.T) {
	rep := scheduler.Report{
		Completed:     3,
		Failed:        []scheduler.Failure{{TaskID: "t4", Command: "solver x", Retries: 3, Error: "exit status 1"}},
		DisabledNodes: []string{"x"},
	}

	var buf bytes.Buffer
	rep.Write(&buf)

	out := buf.String()
	assert.Contains(t, out, "completed: 3  failed: 1")
	assert.Contains(t, out, "exit status 1")
	assert.Contains(t, out, "disabled nodes")
}

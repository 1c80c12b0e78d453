package scheduler

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/tastythames/ssh-fleet/internal/executor"
	"github.com/tastythames/ssh-fleet/internal/sshclient"
)

func TestTask_Duration(t *testing.T) {
	start := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	now := start.Add(time.Minute)

	assert.Zero(t, Task{Status: StatusPending}.Duration(now))
	assert.Equal(t, time.Minute, Task{Status: StatusRunning, StartTime: start}.Duration(now))
	assert.Equal(t, 5*time.Second, Task{Status: StatusCompleted, StartTime: start, EndTime: start.Add(5 * time.Second)}.Duration(now))
	assert.Zero(t, Task{Status: StatusPending, StartTime: start}.Duration(now))
}

func TestTask_IsTerminal(t *testing.T) {
	assert.False(t, Task{Status: StatusPending}.IsTerminal())
	assert.False(t, Task{Status: StatusRunning}.IsTerminal())
	assert.True(t, Task{Status: StatusCompleted}.IsTerminal())
	assert.True(t, Task{Status: StatusFailed}.IsTerminal())
	assert.Equal(t, "FAILED", StatusFailed.String())
}

func TestSelectNode(t *testing.T) {
	s := &Scheduler{}
	add := func(name string, max, running int, disabled bool) {
		s.nodes = append(s.nodes, &nodeEntry{state: NodeState{Name: name, MaxJobs: max, RunningJobs: running, Disabled: disabled}})
	}
	add("full", 1, 1, false)
	add("half", 4, 2, false)
	add("off", 4, 0, true)
	add("quarter", 4, 1, false)
	add("quarter2", 8, 2, false)

	got := s.selectNodeLocked()

	assert.Equal(t, "quarter", got.state.Name)

	s.nodes[3].state.RunningJobs = 4
	s.nodes[4].state.RunningJobs = 8
	s.nodes[1].state.RunningJobs = 4
	assert.Nil(t, s.selectNodeLocked())
}

func TestIsConnectionFailure(t *testing.T) {
	assert.True(t, isConnectionFailure(&sshclient.Error{Kind: sshclient.KindProtocolError}))
	assert.True(t, isConnectionFailure(errors.New("read: connection reset by peer")))
	assert.False(t, isConnectionFailure(&executor.CommandError{ExitCode: 1, Stderr: "connection refused"}))
	assert.False(t, isConnectionFailure(fmt.Errorf("%w after 1s", executor.ErrTimeout)))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 60))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
}

package scheduler

import (
	"context"
	"errors"

	"github.com/tastythames/ssh-fleet/internal/executor"
	"github.com/tastythames/ssh-fleet/internal/inventory"
)

// assignment is a task bound to a node slot.
type assignment struct {
	taskID  string
	command string
	node    inventory.Node
	attempt int
}

// outcome is what a worker reports back to the coordinator.
type outcome struct {
	taskID string
	node   string
	err    error
	// abandoned is set when the run was stopped mid-attempt.
	abandoned bool
}

func (s *Scheduler) worker(ctx context.Context, jobs <-chan assignment, results chan<- outcome) {
	for a := range jobs {
		results <- s.execute(ctx, a)
	}
}

func (s *Scheduler) execute(ctx context.Context, a assignment) outcome {
	out := outcome{taskID: a.taskID, node: a.node.Name}
	s.log.Info("task started", "task_id", a.taskID, "node", a.node.Name, "attempt", a.attempt)

	sess, err := s.opener.OpenSession(ctx, a.node.Target())
	if err != nil {
		out.err = err
		out.abandoned = ctx.Err() != nil
		return out
	}
	defer sess.Close()

	_, err = executor.Run(ctx, sess, a.command, executor.Options{
		Timeout:      s.timeout,
		PollInterval: s.poll,
	})
	if errors.Is(err, executor.ErrStopped) {
		out.abandoned = true
	}
	out.err = err
	return out
}

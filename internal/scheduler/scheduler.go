package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tastythames/ssh-fleet/internal/executor"
	"github.com/tastythames/ssh-fleet/internal/inventory"
	"github.com/tastythames/ssh-fleet/internal/sshclient"
)

var (
	ErrNoNodes = errors.New("no enabled nodes")
	// ErrNodeDisabled is recorded on tasks left without any eligible node.
	ErrNodeDisabled = errors.New("all nodes disabled")
	// ErrInterrupted is returned by Run when it was stopped before every
	// task reached a terminal state.
	ErrInterrupted = errors.New("run interrupted")
)

// Opener opens execution sessions.
type Opener interface {
	OpenSession(ctx context.Context, t sshclient.Target) (sshclient.Session, error)
}

type Options struct {
	// Nodes to run on. Nodes that are not enabled are ignored.
	Nodes  []inventory.Node
	Opener Opener
	Logger *slog.Logger

	// RetryBudget is how many times a failed task is requeued before it is
	// marked failed. Zero makes the first failure final.
	RetryBudget int
	// Timeout bounds each attempt. Zero disables it.
	Timeout time.Duration

	// TickInterval is the pause between dispatch ticks.
	TickInterval time.Duration
	// PollInterval is the pause between completion checks of a command.
	PollInterval time.Duration

	// DisableThreshold is the number of connection failures a node may
	// accumulate; one more disables it for the run.
	DisableThreshold int
	// PoolBuffer is added to the total node capacity to size the worker pool.
	PoolBuffer int

	// IDFunc generates task IDs.
	IDFunc func() string
}

type nodeEntry struct {
	node  inventory.Node
	state NodeState
}

// Scheduler spreads tasks over nodes, retrying failures and disabling nodes
// whose connections keep failing.
type Scheduler struct {
	opener    Opener
	log       *slog.Logger
	retries   int
	timeout   time.Duration
	tick      time.Duration
	poll      time.Duration
	threshold int
	poolSize  int
	newID     func() string

	mu     sync.Mutex
	tasks  []*Task
	byID   map[string]*Task
	nodes  []*nodeEntry
	byName map[string]*nodeEntry
	cancel context.CancelFunc

	stopped atomic.Bool

	// stats (atomic) for observability
	dispatched uint64
	retried    uint64
}

func New(opts Options) (*Scheduler, error) {
	if opts.Opener == nil {
		return nil, errors.New("scheduler: opener is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.RetryBudget < 0 {
		opts.RetryBudget = 0
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = 500 * time.Millisecond
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 200 * time.Millisecond
	}
	if opts.DisableThreshold <= 0 {
		opts.DisableThreshold = 3
	}
	if opts.PoolBuffer <= 0 {
		opts.PoolBuffer = 2
	}
	if opts.IDFunc == nil {
		opts.IDFunc = uuid.NewString
	}

	s := &Scheduler{
		opener:    opts.Opener,
		log:       opts.Logger,
		retries:   opts.RetryBudget,
		timeout:   opts.Timeout,
		tick:      opts.TickInterval,
		poll:      opts.PollInterval,
		threshold: opts.DisableThreshold,
		newID:     opts.IDFunc,
		byID:      make(map[string]*Task),
		byName:    make(map[string]*nodeEntry),
	}

	capacity := 0
	for _, n := range opts.Nodes {
		if !n.Enabled {
			continue
		}
		if _, dup := s.byName[n.Name]; dup {
			return nil, fmt.Errorf("scheduler: duplicate node %q", n.Name)
		}
		n.Normalize()
		e := &nodeEntry{node: n, state: NodeState{Name: n.Name, MaxJobs: n.MaxJobs}}
		s.nodes = append(s.nodes, e)
		s.byName[n.Name] = e
		capacity += n.MaxJobs
	}
	if len(s.nodes) == 0 {
		return nil, ErrNoNodes
	}
	s.poolSize = capacity + opts.PoolBuffer

	return s, nil
}

// Submit adds commands as pending tasks and returns their IDs in order.
func (s *Scheduler) Submit(commands ...string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(commands))
	for _, cmd := range commands {
		t := &Task{ID: s.newID(), Command: cmd, Status: StatusPending}
		s.tasks = append(s.tasks, t)
		s.byID[t.ID] = t
		ids = append(ids, t.ID)
		s.log.Info("task submitted", "task_id", t.ID, "command", truncate(cmd, 120))
	}
	return ids
}

// Stop prevents further dispatch and abandons in-flight commands. Abandoned
// tasks are put back to pending; their remote processes may still run.
func (s *Scheduler) Stop() {
	s.stopped.Store(true)

	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Run drives all submitted tasks to a terminal state. It returns
// ErrInterrupted if ctx is cancelled or Stop is called first.
func (s *Scheduler) Run(ctx context.Context) (Report, error) {
	start := time.Now()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	if s.stopped.Load() {
		cancel()
	}

	jobs := make(chan assignment, s.poolSize)
	results := make(chan outcome, s.poolSize)

	var wg sync.WaitGroup
	for i := 0; i < s.poolSize; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.worker(runCtx, jobs, results)
		}()
	}
	defer func() {
		close(jobs)
		wg.Wait()
	}()

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	done := runCtx.Done()
	s.dispatch(jobs)

	for !s.finished() {
		select {
		case o := <-results:
			s.apply(o)
		case <-ticker.C:
			s.dispatch(jobs)
		case <-done:
			s.stopped.Store(true)
			done = nil
		}
	}

	rep := s.report(time.Since(start))
	if rep.Interrupted {
		return rep, ErrInterrupted
	}
	return rep, nil
}

// finished reports whether the coordinating loop may exit.
func (s *Scheduler) finished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	pending, running := 0, 0
	for _, t := range s.tasks {
		switch t.Status {
		case StatusPending:
			pending++
		case StatusRunning:
			running++
		}
	}

	if s.stopped.Load() {
		return running == 0
	}
	if pending > 0 && running == 0 && s.allDisabledLocked() {
		s.failStrandedLocked()
		return true
	}
	return pending == 0 && running == 0
}

func (s *Scheduler) allDisabledLocked() bool {
	for _, e := range s.nodes {
		if !e.state.Disabled {
			return false
		}
	}
	return true
}

// failStrandedLocked fails pending tasks once no node can take them.
func (s *Scheduler) failStrandedLocked() {
	now := time.Now()
	for _, t := range s.tasks {
		if t.Status != StatusPending {
			continue
		}
		t.Status = StatusFailed
		t.EndTime = now
		if t.LastError == "" {
			t.LastError = ErrNodeDisabled.Error()
		} else {
			t.LastError = fmt.Sprintf("%s (last error: %s)", ErrNodeDisabled, t.LastError)
		}
		s.log.Error("task failed", "task_id", t.ID, "retries", t.RetryCount, "error", t.LastError)
	}
}

// selectNodeLocked picks the eligible node with the lowest load ratio.
// Ties go to the node registered first.
func (s *Scheduler) selectNodeLocked() *nodeEntry {
	var best *nodeEntry
	for _, e := range s.nodes {
		if !e.state.eligible() {
			continue
		}
		if best == nil || e.state.load() < best.state.load() {
			best = e
		}
	}
	return best
}

// dispatch offers pending tasks, in submission order, to free slots. It stops
// at the first task no node can take.
func (s *Scheduler) dispatch(jobs chan<- assignment) {
	if s.stopped.Load() {
		return
	}

	var batch []assignment

	s.mu.Lock()
	now := time.Now()
	for _, t := range s.tasks {
		if t.Status != StatusPending {
			continue
		}
		e := s.selectNodeLocked()
		if e == nil {
			break
		}

		e.state.RunningJobs++
		e.state.LastActive = now
		t.Status = StatusRunning
		t.AssignedNode = e.node.Name
		t.StartTime = now
		t.EndTime = time.Time{}

		batch = append(batch, assignment{taskID: t.ID, command: t.Command, node: e.node, attempt: t.RetryCount + 1})
	}
	s.mu.Unlock()

	// Running tasks never exceed total capacity, which never exceeds the
	// channel buffer, so these sends do not block.
	for _, a := range batch {
		atomic.AddUint64(&s.dispatched, 1)
		jobs <- a
	}
}

// apply records the outcome of one attempt.
func (s *Scheduler) apply(o outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.byID[o.taskID]
	e := s.byName[o.node]
	now := time.Now()

	e.state.RunningJobs--
	e.state.LastActive = now
	t.AssignedNode = ""

	if o.abandoned {
		t.Status = StatusPending
		s.log.Warn("task abandoned", "task_id", t.ID, "node", o.node)
		return
	}

	if o.err == nil {
		t.Status = StatusCompleted
		t.EndTime = now
		s.log.Info("task completed", "task_id", t.ID, "node", o.node, "duration", t.Duration(now).String())
		return
	}

	t.RetryCount++
	t.LastError = o.err.Error()

	if isConnectionFailure(o.err) {
		e.state.ConnectionFailures++
		if !e.state.Disabled && e.state.ConnectionFailures > s.threshold {
			e.state.Disabled = true
			s.log.Error("node disabled", "node", o.node, "connection_failures", e.state.ConnectionFailures)
		}
	}

	if t.RetryCount <= s.retries {
		t.Status = StatusPending
		atomic.AddUint64(&s.retried, 1)
		s.log.Warn("task retried", "task_id", t.ID, "node", o.node, "retry", t.RetryCount, "error", t.LastError)
		return
	}

	t.Status = StatusFailed
	t.EndTime = now
	s.log.Error("task failed", "task_id", t.ID, "node", o.node, "retries", t.RetryCount, "error", t.LastError)
}

// isConnectionFailure separates transport trouble from commands that ran
// and failed. Only the former counts against a node.
func isConnectionFailure(err error) bool {
	var cmdErr *executor.CommandError
	if errors.As(err, &cmdErr) || errors.Is(err, executor.ErrTimeout) {
		return false
	}
	return sshclient.IsConnection(err)
}

// Stats returns how many attempts were dispatched and how many were requeued.
func (s *Scheduler) Stats() (dispatched uint64, retried uint64) {
	return atomic.LoadUint64(&s.dispatched), atomic.LoadUint64(&s.retried)
}

// Snapshot is a consistent copy of the run state.
type Snapshot struct {
	At    time.Time
	Tasks []Task
	Nodes []NodeState
}

func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		At:    time.Now(),
		Tasks: make([]Task, 0, len(s.tasks)),
		Nodes: make([]NodeState, 0, len(s.nodes)),
	}
	for _, t := range s.tasks {
		snap.Tasks = append(snap.Tasks, *t)
	}
	for _, e := range s.nodes {
		snap.Nodes = append(snap.Nodes, e.state)
	}
	return snap
}

// Task returns a copy of the task with the given ID.
func (s *Scheduler) Task(id string) (Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.byID[id]
	if !ok {
		return Task{}, false
	}
	return *t, true
}

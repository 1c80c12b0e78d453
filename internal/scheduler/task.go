package scheduler

import "time"

// Status is the lifecycle state of a task.
type Status int

const (
	StatusPending Status = iota
	StatusRunning
	StatusCompleted
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "PENDING"
	case StatusRunning:
		return "RUNNING"
	case StatusCompleted:
		return "COMPLETED"
	case StatusFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Task is one submitted command.
type Task struct {
	ID      string
	Command string
	Status  Status

	// AssignedNode is empty unless the task is running.
	AssignedNode string
	RetryCount   int

	StartTime time.Time
	EndTime   time.Time
	LastError string
}

// IsTerminal reports whether the task can no longer change state.
func (t Task) IsTerminal() bool {
	return t.Status == StatusCompleted || t.Status == StatusFailed
}

// Duration is the time spent on the latest attempt as of now.
func (t Task) Duration(now time.Time) time.Duration {
	switch {
	case t.StartTime.IsZero():
		return 0
	case !t.EndTime.IsZero():
		return t.EndTime.Sub(t.StartTime)
	case t.Status == StatusRunning:
		return now.Sub(t.StartTime)
	default:
		return 0
	}
}

// NodeState is the runtime bookkeeping for one node during a run. It is
// separate from the persisted node record.
type NodeState struct {
	Name               string
	MaxJobs            int
	RunningJobs        int
	ConnectionFailures int
	// Disabled only ever goes from false to true within a run.
	Disabled   bool
	LastActive time.Time
}

// load is the fraction of the node's slots in use.
func (n NodeState) load() float64 {
	return float64(n.RunningJobs) / float64(n.MaxJobs)
}

func (n NodeState) eligible() bool {
	return !n.Disabled && n.RunningJobs < n.MaxJobs
}

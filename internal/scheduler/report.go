package scheduler

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"
)

// Failure is a task that ended in FAILED.
type Failure struct {
	TaskID  string
	Command string
	Retries int
	Error   string
}

// Report is the accounting of a finished run.
type Report struct {
	Completed int
	Failed    []Failure
	// Unfinished counts tasks left pending or running by an interrupted run.
	Unfinished    int
	DisabledNodes []string
	Interrupted   bool
	Duration      time.Duration
}

// OK reports whether every task completed.
func (r Report) OK() bool {
	return len(r.Failed) == 0 && r.Unfinished == 0
}

func (s *Scheduler) report(d time.Duration) Report {
	s.mu.Lock()
	defer s.mu.Unlock()

	rep := Report{Duration: d}
	for _, t := range s.tasks {
		switch t.Status {
		case StatusCompleted:
			rep.Completed++
		case StatusFailed:
			rep.Failed = append(rep.Failed, Failure{
				TaskID:  t.ID,
				Command: truncate(t.Command, 60),
				Retries: t.RetryCount,
				Error:   t.LastError,
			})
		default:
			rep.Unfinished++
		}
	}
	for _, e := range s.nodes {
		if e.state.Disabled {
			rep.DisabledNodes = append(rep.DisabledNodes, e.node.Name)
		}
	}
	rep.Interrupted = s.stopped.Load() && rep.Unfinished > 0
	return rep
}

// Write prints a human readable summary.
func (r Report) Write(w io.Writer) {
	fmt.Fprintf(w, "completed: %d  failed: %d", r.Completed, len(r.Failed))
	if r.Unfinished > 0 {
		fmt.Fprintf(w, "  unfinished: %d", r.Unfinished)
	}
	fmt.Fprintf(w, "  duration: %s\n", r.Duration.Round(time.Millisecond))
	if r.Interrupted {
		fmt.Fprintln(w, "run was interrupted before all tasks finished")
	}

	if len(r.Failed) > 0 {
		tw := tabwriter.NewWriter(w, 10, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "")
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", "Task", "Command", "Retries", "Error")
		for _, f := range r.Failed {
			fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", f.TaskID, f.Command, f.Retries, f.Error)
		}
		_ = tw.Flush()
	}

	if len(r.DisabledNodes) > 0 {
		fmt.Fprintf(w, "\ndisabled nodes (capacity was reduced): %v\n", r.DisabledNodes)
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

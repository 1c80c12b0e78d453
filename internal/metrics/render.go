package metrics

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/tastythames/ssh-fleet/internal/scheduler"
)

// Source is what the renderer reads run state from.
type Source interface {
	Snapshot() scheduler.Snapshot
	Stats() (dispatched uint64, retried uint64)
}

type Renderer struct {
	Source Source
}

func NewRenderer(s Source) *Renderer {
	return &Renderer{Source: s}
}

func (r *Renderer) Write(w io.Writer) {
	start := time.Now()

	fmt.Fprintf(w, "# HELP %s 1 if the scheduler process is running.\n", MetricFleetUp)
	fmt.Fprintf(w, "# TYPE %s gauge\n", MetricFleetUp)
	fmt.Fprintf(w, "%s 1\n", MetricFleetUp)

	snap := r.Source.Snapshot()
	now := snap.At

	// ---------------------------------------------------
	// Tasks
	// ---------------------------------------------------
	counts := map[scheduler.Status]int{}
	var oldest time.Duration
	for _, t := range snap.Tasks {
		counts[t.Status]++
		if t.Status == scheduler.StatusRunning {
			if d := t.Duration(now); d > oldest {
				oldest = d
			}
		}
	}

	fmt.Fprintf(w, "# HELP %s Number of tasks per status.\n", MetricTasks)
	fmt.Fprintf(w, "# TYPE %s gauge\n", MetricTasks)
	for _, st := range []scheduler.Status{
		scheduler.StatusPending, scheduler.StatusRunning, scheduler.StatusCompleted, scheduler.StatusFailed,
	} {
		fmt.Fprintf(w, "%s%s %d\n", MetricTasks, formatLabels(map[string]string{"status": strings.ToLower(st.String())}), counts[st])
	}

	fmt.Fprintf(w, "# HELP %s Age of the longest running attempt.\n", MetricOldestRunning)
	fmt.Fprintf(w, "# TYPE %s gauge\n", MetricOldestRunning)
	fmt.Fprintf(w, "%s %.3f\n", MetricOldestRunning, oldest.Seconds())

	dispatched, retried := r.Source.Stats()
	fmt.Fprintf(w, "# HELP %s Attempts handed to workers.\n", MetricDispatched)
	fmt.Fprintf(w, "# TYPE %s counter\n", MetricDispatched)
	fmt.Fprintf(w, "%s %d\n", MetricDispatched, dispatched)
	fmt.Fprintf(w, "# HELP %s Failed attempts put back to pending.\n", MetricRetried)
	fmt.Fprintf(w, "# TYPE %s counter\n", MetricRetried)
	fmt.Fprintf(w, "%s %d\n", MetricRetried, retried)

	// ---------------------------------------------------
	// Nodes
	// ---------------------------------------------------
	fmt.Fprintf(w, "# HELP %s Commands currently running on the node.\n", MetricNodeRunning)
	fmt.Fprintf(w, "# TYPE %s gauge\n", MetricNodeRunning)
	fmt.Fprintf(w, "# HELP %s Concurrent command slots of the node.\n", MetricNodeMaxJobs)
	fmt.Fprintf(w, "# TYPE %s gauge\n", MetricNodeMaxJobs)
	fmt.Fprintf(w, "# HELP %s Connection-class failures seen this run.\n", MetricNodeFailures)
	fmt.Fprintf(w, "# TYPE %s gauge\n", MetricNodeFailures)
	fmt.Fprintf(w, "# HELP %s 1 if the node was disabled for this run.\n", MetricNodeDisabled)
	fmt.Fprintf(w, "# TYPE %s gauge\n", MetricNodeDisabled)
	fmt.Fprintf(w, "# HELP %s Seconds since the node last took or returned work.\n", MetricNodeIdle)
	fmt.Fprintf(w, "# TYPE %s gauge\n", MetricNodeIdle)

	nodes := append([]scheduler.NodeState(nil), snap.Nodes...)
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Name < nodes[j].Name })

	for _, n := range nodes {
		labels := formatLabels(map[string]string{"node": n.Name})

		disabled := 0
		if n.Disabled {
			disabled = 1
		}
		fmt.Fprintf(w, "%s%s %d\n", MetricNodeRunning, labels, n.RunningJobs)
		fmt.Fprintf(w, "%s%s %d\n", MetricNodeMaxJobs, labels, n.MaxJobs)
		fmt.Fprintf(w, "%s%s %d\n", MetricNodeFailures, labels, n.ConnectionFailures)
		fmt.Fprintf(w, "%s%s %d\n", MetricNodeDisabled, labels, disabled)
		if !n.LastActive.IsZero() {
			fmt.Fprintf(w, "%s%s %.3f\n", MetricNodeIdle, labels, now.Sub(n.LastActive).Seconds())
		}
	}

	fmt.Fprintf(w, "# HELP %s Time spent rendering /metrics.\n", MetricRenderDurationSeconds)
	fmt.Fprintf(w, "# TYPE %s gauge\n", MetricRenderDurationSeconds)
	fmt.Fprintf(w, "%s %.6f\n", MetricRenderDurationSeconds, time.Since(start).Seconds())
}

var labelEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`)

func formatLabels(m map[string]string) string {
	if len(m) == 0 {
		return ""
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("{")
	for i, k := range keys {
		if i > 0 {
			b.WriteString(",")
		}
		fmt.Fprintf(&b, `%s="%s"`, k, labelEscaper.Replace(m[k]))
	}
	b.WriteString("}")
	return b.String()
}

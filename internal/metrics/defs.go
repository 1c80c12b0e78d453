package metrics

const (
	// process health
	MetricFleetUp = "ssh_fleet_up"

	// tasks
	MetricTasks         = "ssh_fleet_tasks"
	MetricDispatched    = "ssh_fleet_dispatched_total"
	MetricRetried       = "ssh_fleet_retried_total"
	MetricOldestRunning = "ssh_fleet_oldest_running_task_seconds"

	// nodes
	MetricNodeRunning  = "ssh_fleet_node_running_jobs"
	MetricNodeMaxJobs  = "ssh_fleet_node_max_jobs"
	MetricNodeFailures = "ssh_fleet_node_connection_failures"
	MetricNodeDisabled = "ssh_fleet_node_disabled"
	MetricNodeIdle     = "ssh_fleet_node_idle_seconds"

	// render
	MetricRenderDurationSeconds = "ssh_fleet_render_duration_seconds"
)

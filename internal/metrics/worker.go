package metrics

import "time"

// TaskCompleted records a successful periodic task run
func TaskCompleted(task string, duration time.Duration) {
	TasksTotal.WithLabelValues(task, "completed").Inc()
	TaskDuration.WithLabelValues(task).Observe(duration.Seconds())
}

// TaskFailed records a failed periodic task run
func TaskFailed(task string) {
	TasksTotal.WithLabelValues(task, "failed").Inc()
}

// TaskUnscheduled records a task removed after a permanent error
func TaskUnscheduled(task string) {
	TasksTotal.WithLabelValues(task, "unscheduled").Inc()
}

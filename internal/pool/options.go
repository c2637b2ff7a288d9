package pool

import (
	"runtime"
	"time"
)

// Options controls pool sizing and timers.
type Options struct {
	MinWorkers  int
	MaxWorkers  int
	TaskTimeout time.Duration
	IdleTimeout time.Duration

	// OnProgress runs on the pool's control goroutine for every progress
	// message and must not block.
	OnProgress func(taskID string, progress int)
}

// DefaultOptions returns the default sizing: one to NumCPU-1 workers, a five
// minute task timeout and a one minute idle timeout.
func DefaultOptions() Options {
	return Options{
		MinWorkers:  1,
		MaxWorkers:  max(1, runtime.NumCPU()-1),
		TaskTimeout: 5 * time.Minute,
		IdleTimeout: time.Minute,
	}
}

func (o Options) normalize() Options {
	def := DefaultOptions()
	if o.MaxWorkers < 1 {
		o.MaxWorkers = def.MaxWorkers
	}
	if o.MinWorkers < 0 {
		o.MinWorkers = 0
	}
	if o.MinWorkers > o.MaxWorkers {
		o.MinWorkers = o.MaxWorkers
	}
	if o.TaskTimeout <= 0 {
		o.TaskTimeout = def.TaskTimeout
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = def.IdleTimeout
	}
	return o
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	TotalTasks              int64         `json:"totalTasks"`
	Completed               int64         `json:"completedTasks"`
	Failed                  int64         `json:"failedTasks"`
	CurrentWorkers          int           `json:"currentWorkers"`
	BusyWorkers             int           `json:"busyWorkers"`
	QueueLength             int           `json:"queueLength"`
	AverageProcessingTimeMs int64         `json:"averageProcessingTime"`
	Paused                  bool          `json:"paused"`
	Workers                 []WorkerStats `json:"workers"`
}

// WorkerStats describes one live worker.
type WorkerStats struct {
	ID             string    `json:"id"`
	Busy           bool      `json:"busy"`
	CurrentTask    string    `json:"currentTask,omitempty"`
	TasksProcessed int64     `json:"tasksProcessed"`
	CreatedAt      time.Time `json:"createdAt"`
}

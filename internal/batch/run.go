package batch

import (
	"sync"

	"lossly-go/internal/models"
	"lossly-go/internal/task"
)

// run is the in-memory state of one processing batch. Counters are only
// touched by the goroutine processing the batch.
type run struct {
	id       string
	settings task.Settings
	items    []models.BatchItem

	completed  int
	failed     int
	totalSaved int64

	// persist orders job status writes between the processing goroutine and
	// Pause, Resume and Cancel.
	persist sync.Mutex

	mu        sync.Mutex
	paused    bool
	wake      chan struct{}
	cancelled chan struct{}
	stopped   bool
	aborted   bool
	finished  bool
}

func newRun(id string, settings task.Settings) *run {
	return &run{
		id:        id,
		settings:  settings,
		cancelled: make(chan struct{}),
	}
}

// setPaused reports whether the flag changed.
func (r *run) setPaused(paused bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped || r.finished || r.paused == paused {
		return false
	}
	r.paused = paused
	if paused {
		r.wake = make(chan struct{})
	} else {
		close(r.wake)
		r.wake = nil
	}
	return true
}

func (r *run) isPaused() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.paused
}

// stop ends the run and reports whether it was paused. An aborted run ends as
// failed instead of cancelled.
func (r *run) stop(abort bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped || r.finished {
		return false
	}
	r.stopped = true
	r.aborted = abort
	close(r.cancelled)
	wasPaused := r.paused
	if r.paused {
		r.paused = false
		close(r.wake)
		r.wake = nil
	}
	return wasPaused
}

// markFinished closes the run to Pause, Resume and Cancel and reports
// whether it was paused.
func (r *run) markFinished() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished = true
	wasPaused := r.paused
	if r.paused {
		r.paused = false
		close(r.wake)
		r.wake = nil
	}
	return wasPaused
}

func (r *run) isFinished() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finished
}

func (r *run) isCancelled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopped
}

func (r *run) isAborted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.aborted
}

// waitWhilePaused blocks until the run is resumed. It returns false if the run
// was cancelled.
func (r *run) waitWhilePaused() bool {
	for {
		r.mu.Lock()
		if r.stopped {
			r.mu.Unlock()
			return false
		}
		if !r.paused {
			r.mu.Unlock()
			return true
		}
		wake := r.wake
		r.mu.Unlock()
		<-wake
	}
}

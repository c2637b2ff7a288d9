package pool

import (
	"context"
	"sync"
	"sync/atomic"

	"lossly-go/internal/task"
)

// Future resolves once its task finishes.
type Future struct {
	taskID   string
	done     chan struct{}
	once     sync.Once
	progress atomic.Int32

	result *task.Result
	err    error
}

func newFuture(taskID string) *Future {
	return &Future{taskID: taskID, done: make(chan struct{})}
}

// TaskID returns the id of the task this future tracks.
func (f *Future) TaskID() string { return f.taskID }

// Done is closed when the task has a result or an error.
func (f *Future) Done() <-chan struct{} { return f.done }

// Progress returns the last reported progress percentage.
func (f *Future) Progress() int { return int(f.progress.Load()) }

// Wait blocks until the task finishes or ctx is done.
func (f *Future) Wait(ctx context.Context) (*task.Result, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *Future) setProgress(p int) {
	if int32(p) > f.progress.Load() {
		f.progress.Store(int32(p))
	}
}

func (f *Future) resolve(res *task.Result, err error) {
	f.once.Do(func() {
		f.result = res
		f.err = err
		if err == nil {
			f.progress.Store(100)
		}
		close(f.done)
	})
}

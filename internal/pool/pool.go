package pool

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"lossly-go/internal/task"
	"lossly-go/internal/worker"
)

type job struct {
	task      task.Task
	future    *Future
	startedAt time.Time
}

type handle struct {
	id        string
	w         worker.Worker
	createdAt time.Time
	current   *job
	processed int64

	taskTimer *time.Timer
	idleTimer *time.Timer
	idleGen   uint64
}

func (h *handle) stopTaskTimer() {
	if h.taskTimer != nil {
		h.taskTimer.Stop()
		h.taskTimer = nil
	}
}

func (h *handle) stopIdleTimer() {
	h.idleGen++
	if h.idleTimer != nil {
		h.idleTimer.Stop()
		h.idleTimer = nil
	}
}

// Pool is an elastic set of workers fed from a FIFO queue. All pool state is
// owned by a single control goroutine; every mutation is posted to it as a
// closure.
type Pool struct {
	opts    Options
	spawner worker.Spawner
	log     *logrus.Entry

	ops      chan func()
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	// owned by the control goroutine
	workers   []*handle
	queue     []*job
	paused    bool
	closed    bool
	seq       int
	total     int64
	completed int64
	failed    int64
	busyTime  time.Duration

	final Stats
}

// New starts a pool with opts.MinWorkers workers.
func New(opts Options, spawner worker.Spawner, log *logrus.Logger) (*Pool, error) {
	if log == nil {
		log = logrus.New()
	}
	p := &Pool{
		opts:    opts.normalize(),
		spawner: spawner,
		log:     log.WithField("component", "pool"),
		ops:     make(chan func()),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}

	for i := 0; i < p.opts.MinWorkers; i++ {
		if _, err := p.spawn(); err != nil {
			for _, h := range p.workers {
				h.w.Terminate()
			}
			return nil, fmt.Errorf("start worker pool: %w", err)
		}
	}

	p.log.WithFields(logrus.Fields{
		"min_workers": p.opts.MinWorkers,
		"max_workers": p.opts.MaxWorkers,
	}).Info("Worker pool started")

	go p.loop()
	return p, nil
}

func (p *Pool) loop() {
	defer close(p.done)
	for {
		select {
		case fn := <-p.ops:
			fn()
		case <-p.stop:
			p.shutdown()
			return
		}
	}
}

// do runs fn on the control goroutine. It reports false once the pool has
// shut down.
func (p *Pool) do(fn func()) bool {
	select {
	case p.ops <- fn:
		return true
	case <-p.done:
		return false
	}
}

// Submit queues t and returns a future for its result. It never waits for a
// worker to become free.
func (p *Pool) Submit(t task.Task) *Future {
	j := &job{task: t, future: newFuture(t.ID)}
	if !p.do(func() { p.enqueue(j) }) {
		j.future.resolve(nil, task.ErrPoolShutdown)
	}
	return j.future
}

// Pause stops dispatching queued tasks. Running tasks finish normally.
func (p *Pool) Pause() {
	p.do(func() {
		p.paused = true
		p.log.Info("Worker pool paused")
	})
}

// Resume restarts dispatching.
func (p *Pool) Resume() {
	p.do(func() {
		p.paused = false
		p.log.Info("Worker pool resumed")
		p.dispatch()
	})
}

// Stats returns a snapshot of the pool's counters and workers.
func (p *Pool) Stats() Stats {
	ch := make(chan Stats, 1)
	if !p.do(func() { ch <- p.snapshot() }) {
		return p.final
	}
	return <-ch
}

// Shutdown rejects queued and running tasks with task.ErrPoolShutdown and
// terminates every worker. Calling it again is a no-op.
func (p *Pool) Shutdown() {
	p.stopOnce.Do(func() { close(p.stop) })
	<-p.done
}

func (p *Pool) enqueue(j *job) {
	if p.closed {
		j.future.resolve(nil, task.ErrPoolShutdown)
		return
	}
	p.total++
	p.queue = append(p.queue, j)
	p.dispatch()
}

// dispatch assigns queued tasks to free workers, growing the pool up to
// MaxWorkers.
func (p *Pool) dispatch() {
	for !p.paused && !p.closed && len(p.queue) > 0 {
		h := p.freeWorker()
		if h == nil {
			if len(p.workers) >= p.opts.MaxWorkers {
				return
			}
			var err error
			if h, err = p.spawn(); err != nil {
				p.log.WithError(err).Error("Failed to create worker")
				if len(p.workers) == 0 {
					j := p.pop()
					p.failed++
					j.future.resolve(nil, fmt.Errorf("%w: %v", task.ErrWorkerFault, err))
					continue
				}
				return
			}
		}
		p.assign(h, p.pop())
	}
}

func (p *Pool) pop() *job {
	j := p.queue[0]
	p.queue[0] = nil
	p.queue = p.queue[1:]
	return j
}

func (p *Pool) freeWorker() *handle {
	for _, h := range p.workers {
		if h.current == nil {
			return h
		}
	}
	return nil
}

func (p *Pool) spawn() (*handle, error) {
	p.seq++
	id := fmt.Sprintf("worker-%d", p.seq)
	w, err := p.spawner.Spawn(id)
	if err != nil {
		return nil, err
	}
	h := &handle{id: id, w: w, createdAt: time.Now()}
	p.workers = append(p.workers, h)
	go p.pump(h)

	p.log.WithFields(logrus.Fields{
		"worker_id":     id,
		"total_workers": len(p.workers),
	}).Debug("Created worker")
	return h, nil
}

// pump forwards a worker's messages to the control goroutine until the worker
// exits.
func (p *Pool) pump(h *handle) {
	for m := range h.w.Messages() {
		m := m
		p.do(func() { p.onMessage(h, m) })
	}
	p.do(func() { p.onExit(h) })
}

func (p *Pool) assign(h *handle, j *job) {
	h.stopIdleTimer()
	h.current = j
	j.startedAt = time.Now()

	if err := h.w.Post(worker.NewRequest(j.task)); err != nil {
		p.finish(h, j, nil, fmt.Errorf("%w: %v", task.ErrWorkerFault, err))
		p.retire(h)
		return
	}
	h.taskTimer = time.AfterFunc(p.opts.TaskTimeout, func() {
		p.do(func() { p.onTimeout(h, j) })
	})
}

func (p *Pool) onMessage(h *handle, m worker.Message) {
	j := h.current
	if j == nil || m.TaskID != j.task.ID {
		return
	}
	switch m.Type {
	case worker.TypeProgress:
		j.future.setProgress(m.Progress)
		if p.opts.OnProgress != nil {
			p.opts.OnProgress(j.task.ID, m.Progress)
		}
	case worker.TypeComplete:
		res := m.Result
		if res == nil {
			res = &task.Result{}
		}
		res.TaskID = j.task.ID
		res.WorkerID = h.id
		p.finish(h, j, res, nil)
		p.idle(h)
		p.dispatch()
	case worker.TypeError:
		p.finish(h, j, nil, taskError(m.Error))
		p.idle(h)
		p.dispatch()
	}
}

// onTimeout fails a task that ran past TaskTimeout. Its worker may be stuck,
// so it is replaced instead of reused.
func (p *Pool) onTimeout(h *handle, j *job) {
	if h.current != j {
		return
	}
	p.log.WithFields(logrus.Fields{
		"worker_id": h.id,
		"task_id":   j.task.ID,
	}).Warn("Task timed out")
	p.finish(h, j, nil, fmt.Errorf("%w: task %s exceeded %s", task.ErrTaskTimeout, j.task.ID, p.opts.TaskTimeout))
	p.retire(h)
}

func (p *Pool) onExit(h *handle) {
	if !p.remove(h) {
		return
	}
	h.w.Terminate()
	err := h.w.Err()
	if err == nil {
		err = fmt.Errorf("%w: worker %s exited", task.ErrWorkerFault, h.id)
	}
	p.log.WithError(err).WithField("worker_id", h.id).Error("Worker exited")
	if j := h.current; j != nil {
		p.finish(h, j, nil, err)
	}
	p.replenish()
	p.dispatch()
}

func (p *Pool) finish(h *handle, j *job, res *task.Result, err error) {
	h.stopTaskTimer()
	h.current = nil
	h.processed++
	if err != nil {
		p.failed++
	} else {
		p.completed++
		p.busyTime += time.Since(j.startedAt)
	}
	j.future.resolve(res, err)
}

// idle arms the idle timer of a worker that just became free.
func (p *Pool) idle(h *handle) {
	h.stopIdleTimer()
	if len(p.workers) <= p.opts.MinWorkers {
		return
	}
	gen := h.idleGen
	h.idleTimer = time.AfterFunc(p.opts.IdleTimeout, func() {
		p.do(func() { p.onIdle(h, gen) })
	})
}

func (p *Pool) onIdle(h *handle, gen uint64) {
	if h.idleGen != gen || h.current != nil || len(p.workers) <= p.opts.MinWorkers {
		return
	}
	if p.remove(h) {
		h.w.Terminate()
		p.log.WithFields(logrus.Fields{
			"worker_id":     h.id,
			"total_workers": len(p.workers),
		}).Debug("Evicted idle worker")
	}
}

// retire terminates h, replaces it if the pool fell below MinWorkers and
// resumes dispatching.
func (p *Pool) retire(h *handle) {
	if p.remove(h) {
		h.w.Terminate()
	}
	p.replenish()
	p.dispatch()
}

func (p *Pool) remove(h *handle) bool {
	for i, w := range p.workers {
		if w == h {
			h.stopTaskTimer()
			h.stopIdleTimer()
			p.workers = append(p.workers[:i], p.workers[i+1:]...)
			return true
		}
	}
	return false
}

func (p *Pool) replenish() {
	for !p.closed && len(p.workers) < p.opts.MinWorkers {
		if _, err := p.spawn(); err != nil {
			p.log.WithError(err).Error("Failed to replace worker")
			return
		}
	}
}

func (p *Pool) shutdown() {
	p.closed = true
	for _, j := range p.queue {
		p.failed++
		j.future.resolve(nil, task.ErrPoolShutdown)
	}
	p.queue = nil

	for _, h := range p.workers {
		if j := h.current; j != nil {
			p.finish(h, j, nil, task.ErrPoolShutdown)
		}
		h.stopTaskTimer()
		h.stopIdleTimer()
		h.w.Terminate()
	}
	p.workers = nil
	p.final = p.snapshot()
	p.log.Info("Worker pool shut down")
}

func (p *Pool) snapshot() Stats {
	s := Stats{
		TotalTasks:     p.total,
		Completed:      p.completed,
		Failed:         p.failed,
		CurrentWorkers: len(p.workers),
		QueueLength:    len(p.queue),
		Paused:         p.paused,
		Workers:        make([]WorkerStats, 0, len(p.workers)),
	}
	if p.completed > 0 {
		s.AverageProcessingTimeMs = (p.busyTime / time.Duration(p.completed)).Milliseconds()
	}
	for _, h := range p.workers {
		ws := WorkerStats{ID: h.id, TasksProcessed: h.processed, CreatedAt: h.createdAt}
		if h.current != nil {
			ws.Busy = true
			ws.CurrentTask = h.current.task.ID
			s.BusyWorkers++
		}
		s.Workers = append(s.Workers, ws)
	}
	return s
}

// taskError converts a worker error message into a task error.
func taskError(info *worker.ErrorInfo) error {
	if info == nil {
		return &task.FailedError{Message: "task failed"}
	}
	if info.Code == worker.CodeInvalidInput {
		msg := info.Message
		if info.Cause != "" && !strings.Contains(msg, info.Cause) {
			msg += ": " + info.Cause
		}
		return fmt.Errorf("%w: %s", task.ErrInvalidInput, msg)
	}
	return &task.FailedError{Message: info.Message, Cause: info.Cause}
}

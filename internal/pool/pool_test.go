package pool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"lossly-go/internal/task"
	"lossly-go/internal/worker"
)

type runFunc func(stop <-chan struct{}, req worker.Request, emit func(worker.Message)) error

type fakeWorker struct {
	id   string
	run  runFunc
	reqs chan worker.Request
	msgs chan worker.Message
	stop chan struct{}
	once sync.Once

	mu  sync.Mutex
	err error

	onTerminate func()
}

func (w *fakeWorker) ID() string                      { return w.id }
func (w *fakeWorker) Messages() <-chan worker.Message { return w.msgs }

func (w *fakeWorker) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

func (w *fakeWorker) Post(req worker.Request) error {
	select {
	case <-w.stop:
		return worker.ErrStopped
	default:
	}
	select {
	case w.reqs <- req:
		return nil
	case <-w.stop:
		return worker.ErrStopped
	}
}

func (w *fakeWorker) Terminate() {
	w.once.Do(func() {
		close(w.stop)
		if w.onTerminate != nil {
			w.onTerminate()
		}
	})
}

func (w *fakeWorker) loop() {
	defer close(w.msgs)
	emit := func(m worker.Message) {
		select {
		case w.msgs <- m:
		case <-w.stop:
		}
	}
	for {
		select {
		case <-w.stop:
			return
		case req := <-w.reqs:
			if err := w.run(w.stop, req, emit); err != nil {
				w.mu.Lock()
				w.err = err
				w.mu.Unlock()
				return
			}
		}
	}
}

type fakeSpawner struct {
	run runFunc

	spawned    atomic.Int32
	terminated atomic.Int32
	live       atomic.Int32
	maxLive    atomic.Int32
}

func (s *fakeSpawner) Spawn(id string) (worker.Worker, error) {
	s.spawned.Add(1)
	n := s.live.Add(1)
	for {
		cur := s.maxLive.Load()
		if n <= cur || s.maxLive.CompareAndSwap(cur, n) {
			break
		}
	}
	w := &fakeWorker{
		id:   id,
		run:  s.run,
		reqs: make(chan worker.Request, 1),
		msgs: make(chan worker.Message, 16),
		stop: make(chan struct{}),
	}
	w.onTerminate = func() {
		s.terminated.Add(1)
		s.live.Add(-1)
	}
	go w.loop()
	return w, nil
}

// behaviour is picked from the input path so one spawner can serve mixed tasks.
func scripted(sleep time.Duration) runFunc {
	return func(stop <-chan struct{}, req worker.Request, emit func(worker.Message)) error {
		start := time.Now()
		switch req.Data.InputPath {
		case "block":
			<-stop
			return nil
		case "crash":
			return fmt.Errorf("%w: simulated crash", task.ErrWorkerFault)
		case "invalid":
			emit(worker.Message{Type: worker.TypeError, TaskID: req.TaskID,
				Error: &worker.ErrorInfo{Code: worker.CodeInvalidInput, Message: "input file not found"}})
			return nil
		case "fail":
			emit(worker.Message{Type: worker.TypeError, TaskID: req.TaskID,
				Error: &worker.ErrorInfo{Code: worker.CodeFailed, Message: "compression failed", Cause: "bad header"}})
			return nil
		}
		emit(worker.Message{Type: worker.TypeProgress, TaskID: req.TaskID, Progress: 50})
		select {
		case <-time.After(sleep):
		case <-stop:
			return nil
		}
		emit(worker.Message{Type: worker.TypeComplete, TaskID: req.TaskID, Result: &task.Result{
			OriginalPath: req.Data.InputPath,
			OriginalSize: 100,
			OutputSize:   60,
			SavedBytes:   40,
			StartedAt:    start,
			FinishedAt:   time.Now(),
		}})
		return nil
	}
}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func newTestPool(t *testing.T, opts Options, s *fakeSpawner) *Pool {
	t.Helper()
	p, err := New(opts, s, quietLogger())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(p.Shutdown)
	return p
}

func wait(t *testing.T, f *Future) (*task.Result, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := f.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Task %s never finished", f.TaskID())
	}
	return res, err
}

func eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestPool_NoDoubleDispatch(t *testing.T) {
	s := &fakeSpawner{run: scripted(3 * time.Millisecond)}
	p := newTestPool(t, Options{MinWorkers: 1, MaxWorkers: 4}, s)

	var futures []*Future
	for i := 0; i < 40; i++ {
		futures = append(futures, p.Submit(task.New(fmt.Sprintf("img-%d.jpg", i), task.DefaultSettings())))
	}

	byWorker := make(map[string][]*task.Result)
	for _, f := range futures {
		res, err := wait(t, f)
		if err != nil {
			t.Fatalf("Task failed: %v", err)
		}
		if res.WorkerID == "" || res.TaskID != f.TaskID() {
			t.Fatalf("Result not stamped with worker and task ids: %+v", res)
		}
		byWorker[res.WorkerID] = append(byWorker[res.WorkerID], res)
	}

	if len(byWorker) > 4 {
		t.Errorf("Expected at most 4 workers, got %d", len(byWorker))
	}
	for id, results := range byWorker {
		sort.Slice(results, func(i, j int) bool { return results[i].StartedAt.Before(results[j].StartedAt) })
		for i := 1; i < len(results); i++ {
			if results[i].StartedAt.Before(results[i-1].FinishedAt) {
				t.Errorf("Worker %s ran two tasks at once: %s started before %s finished",
					id, results[i].TaskID, results[i-1].TaskID)
			}
		}
	}
}

func TestPool_NeverExceedsMaxWorkers(t *testing.T) {
	s := &fakeSpawner{run: scripted(10 * time.Millisecond)}
	p := newTestPool(t, Options{MinWorkers: 1, MaxWorkers: 2}, s)

	var futures []*Future
	for i := 0; i < 10; i++ {
		futures = append(futures, p.Submit(task.New("img.jpg", task.DefaultSettings())))
	}

	stats := p.Stats()
	if stats.CurrentWorkers > 2 {
		t.Errorf("Expected at most 2 workers, got %d", stats.CurrentWorkers)
	}
	if stats.QueueLength+stats.BusyWorkers > 10 {
		t.Errorf("Unexpected queue accounting: %+v", stats)
	}

	for _, f := range futures {
		if _, err := wait(t, f); err != nil {
			t.Fatalf("Task failed: %v", err)
		}
	}
	if got := s.maxLive.Load(); got > 2 {
		t.Errorf("Expected at most 2 live workers, saw %d", got)
	}
	if got := p.Stats().Completed; got != 10 {
		t.Errorf("Expected 10 completed tasks, got %d", got)
	}
}

func TestPool_TaskTimeout(t *testing.T) {
	s := &fakeSpawner{run: scripted(time.Millisecond)}
	p := newTestPool(t, Options{MinWorkers: 1, MaxWorkers: 1, TaskTimeout: 50 * time.Millisecond}, s)

	start := time.Now()
	_, err := wait(t, p.Submit(task.New("block", task.DefaultSettings())))
	if !errors.Is(err, task.ErrTaskTimeout) {
		t.Fatalf("Expected ErrTaskTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Timeout fired too late: %s", elapsed)
	}

	eventually(t, time.Second, func() bool { return p.Stats().CurrentWorkers >= 1 },
		"Pool did not restore its minimum worker count")

	res, err := wait(t, p.Submit(task.New("after.jpg", task.DefaultSettings())))
	if err != nil {
		t.Fatalf("Task after timeout failed: %v", err)
	}
	if res.WorkerID == "worker-1" {
		t.Error("Timed out worker was reused")
	}
	if s.spawned.Load() != 2 {
		t.Errorf("Expected one replacement worker, spawned %d total", s.spawned.Load())
	}
}

func TestPool_WorkerFault(t *testing.T) {
	s := &fakeSpawner{run: scripted(time.Millisecond)}
	p := newTestPool(t, Options{MinWorkers: 1, MaxWorkers: 1}, s)

	_, err := wait(t, p.Submit(task.New("crash", task.DefaultSettings())))
	if !errors.Is(err, task.ErrWorkerFault) {
		t.Fatalf("Expected ErrWorkerFault, got %v", err)
	}

	if _, err := wait(t, p.Submit(task.New("ok.jpg", task.DefaultSettings()))); err != nil {
		t.Fatalf("Task after fault failed: %v", err)
	}
	eventually(t, time.Second, func() bool { return p.Stats().CurrentWorkers == 1 },
		"Faulted worker was not replaced")
	if s.spawned.Load() != 2 {
		t.Errorf("Expected 2 spawned workers, got %d", s.spawned.Load())
	}
}

func TestPool_TaskErrorsKeepWorker(t *testing.T) {
	s := &fakeSpawner{run: scripted(time.Millisecond)}
	p := newTestPool(t, Options{MinWorkers: 1, MaxWorkers: 1}, s)

	_, err := wait(t, p.Submit(task.New("invalid", task.DefaultSettings())))
	if !errors.Is(err, task.ErrInvalidInput) {
		t.Errorf("Expected ErrInvalidInput, got %v", err)
	}

	_, err = wait(t, p.Submit(task.New("fail", task.DefaultSettings())))
	var failed *task.FailedError
	if !errors.As(err, &failed) {
		t.Fatalf("Expected FailedError, got %v", err)
	}
	if failed.Error() != "compression failed: bad header" {
		t.Errorf("Unexpected failure message %q", failed.Error())
	}

	stats := p.Stats()
	if stats.Failed != 2 || stats.Completed != 0 {
		t.Errorf("Expected 2 failed tasks, got %+v", stats)
	}
	if s.spawned.Load() != 1 {
		t.Errorf("Task errors should not replace the worker, spawned %d", s.spawned.Load())
	}
	if stats.Workers[0].TasksProcessed != 2 {
		t.Errorf("Expected worker to count 2 tasks, got %d", stats.Workers[0].TasksProcessed)
	}
}

func TestPool_FIFOOrder(t *testing.T) {
	var mu sync.Mutex
	var order []string
	base := scripted(time.Millisecond)
	s := &fakeSpawner{run: func(stop <-chan struct{}, req worker.Request, emit func(worker.Message)) error {
		mu.Lock()
		order = append(order, req.Data.InputPath)
		mu.Unlock()
		return base(stop, req, emit)
	}}
	p := newTestPool(t, Options{MinWorkers: 1, MaxWorkers: 1}, s)

	p.Pause()
	names := []string{"A", "B", "C", "D", "E"}
	var futures []*Future
	for _, n := range names {
		futures = append(futures, p.Submit(task.New(n, task.DefaultSettings())))
	}
	if q := p.Stats().QueueLength; q != 5 {
		t.Fatalf("Expected 5 queued tasks while paused, got %d", q)
	}
	p.Resume()

	for _, f := range futures {
		if _, err := wait(t, f); err != nil {
			t.Fatalf("Task failed: %v", err)
		}
	}
	mu.Lock()
	defer mu.Unlock()
	for i, n := range names {
		if order[i] != n {
			t.Fatalf("Expected dispatch order %v, got %v", names, order)
		}
	}
}

func TestPool_PauseLetsRunningTaskFinish(t *testing.T) {
	s := &fakeSpawner{run: scripted(30 * time.Millisecond)}
	p := newTestPool(t, Options{MinWorkers: 1, MaxWorkers: 1}, s)

	running := p.Submit(task.New("first.jpg", task.DefaultSettings()))
	eventually(t, time.Second, func() bool { return p.Stats().BusyWorkers == 1 }, "First task never started")
	p.Pause()
	queued := p.Submit(task.New("second.jpg", task.DefaultSettings()))

	if _, err := wait(t, running); err != nil {
		t.Fatalf("Running task failed: %v", err)
	}
	select {
	case <-queued.Done():
		t.Fatal("Queued task dispatched while paused")
	case <-time.After(60 * time.Millisecond):
	}

	p.Resume()
	if _, err := wait(t, queued); err != nil {
		t.Fatalf("Queued task failed after resume: %v", err)
	}
}

func TestPool_IdleEviction(t *testing.T) {
	s := &fakeSpawner{run: scripted(20 * time.Millisecond)}
	p := newTestPool(t, Options{MinWorkers: 1, MaxWorkers: 3, IdleTimeout: 30 * time.Millisecond}, s)

	var futures []*Future
	for i := 0; i < 3; i++ {
		futures = append(futures, p.Submit(task.New("img.jpg", task.DefaultSettings())))
	}
	for _, f := range futures {
		if _, err := wait(t, f); err != nil {
			t.Fatalf("Task failed: %v", err)
		}
	}
	if s.spawned.Load() != 3 {
		t.Fatalf("Expected pool to grow to 3 workers, spawned %d", s.spawned.Load())
	}

	eventually(t, 2*time.Second, func() bool { return p.Stats().CurrentWorkers == 1 },
		"Idle workers above the minimum were not evicted")
	time.Sleep(100 * time.Millisecond)
	if n := p.Stats().CurrentWorkers; n != 1 {
		t.Errorf("Pool dropped below minimum: %d workers", n)
	}
}

func TestPool_ShutdownRejectsAndIsIdempotent(t *testing.T) {
	s := &fakeSpawner{run: scripted(time.Millisecond)}
	p, err := New(Options{MinWorkers: 1, MaxWorkers: 1}, s, quietLogger())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	inFlight := p.Submit(task.New("block", task.DefaultSettings()))
	queued := p.Submit(task.New("queued.jpg", task.DefaultSettings()))
	eventually(t, time.Second, func() bool { return p.Stats().BusyWorkers == 1 }, "Task never started")

	p.Shutdown()
	p.Shutdown()

	for _, f := range []*Future{inFlight, queued} {
		if _, err := wait(t, f); !errors.Is(err, task.ErrPoolShutdown) {
			t.Errorf("Expected ErrPoolShutdown, got %v", err)
		}
	}
	if _, err := wait(t, p.Submit(task.New("late.jpg", task.DefaultSettings()))); !errors.Is(err, task.ErrPoolShutdown) {
		t.Errorf("Expected ErrPoolShutdown after shutdown, got %v", err)
	}
	if got := s.terminated.Load(); got != s.spawned.Load() {
		t.Errorf("Expected every worker terminated once, spawned %d terminated %d", s.spawned.Load(), got)
	}
	if stats := p.Stats(); stats.CurrentWorkers != 0 || stats.QueueLength != 0 {
		t.Errorf("Expected empty pool after shutdown, got %+v", stats)
	}
}

func TestPool_ProgressAndStats(t *testing.T) {
	var mu sync.Mutex
	seen := make(map[string]int)
	s := &fakeSpawner{run: scripted(5 * time.Millisecond)}
	p := newTestPool(t, Options{
		MinWorkers: 1,
		MaxWorkers: 1,
		OnProgress: func(id string, pct int) {
			mu.Lock()
			seen[id] = pct
			mu.Unlock()
		},
	}, s)

	f := p.Submit(task.New("img.jpg", task.DefaultSettings()))
	if _, err := wait(t, f); err != nil {
		t.Fatalf("Task failed: %v", err)
	}
	if f.Progress() != 100 {
		t.Errorf("Expected progress 100 after completion, got %d", f.Progress())
	}
	mu.Lock()
	if seen[f.TaskID()] != 50 {
		t.Errorf("Expected progress hook to see 50, got %d", seen[f.TaskID()])
	}
	mu.Unlock()

	stats := p.Stats()
	if stats.TotalTasks != 1 || stats.Completed != 1 || stats.Failed != 0 {
		t.Errorf("Unexpected counters %+v", stats)
	}
	if stats.AverageProcessingTimeMs < 0 {
		t.Errorf("Negative average processing time %d", stats.AverageProcessingTimeMs)
	}
}

func TestOptionsNormalize(t *testing.T) {
	o := Options{MinWorkers: 5, MaxWorkers: 2}.normalize()
	if o.MinWorkers != 2 || o.MaxWorkers != 2 {
		t.Errorf("Expected min clamped to max, got %d/%d", o.MinWorkers, o.MaxWorkers)
	}
	if o.TaskTimeout != 5*time.Minute || o.IdleTimeout != time.Minute {
		t.Errorf("Expected default timers, got %s/%s", o.TaskTimeout, o.IdleTimeout)
	}
	if d := (Options{}).normalize(); d.MaxWorkers < 1 {
		t.Errorf("Expected at least one worker, got %d", d.MaxWorkers)
	}
}

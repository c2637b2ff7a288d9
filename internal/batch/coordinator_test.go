package batch

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"lossly-go/internal/compressor"
	"lossly-go/internal/models"
	"lossly-go/internal/pool"
	"lossly-go/internal/progress"
	"lossly-go/internal/storage"
	"lossly-go/internal/task"
	"lossly-go/internal/worker"
)

// gatedTransformer reports each started input on started and, when release is
// set, waits for a token before finishing.
type gatedTransformer struct {
	started chan string
	release chan struct{}
}

func (g *gatedTransformer) Transform(ctx context.Context, inputPath string, settings task.Settings, progressFn compressor.ProgressFunc) (*compressor.Output, error) {
	if g.started != nil {
		g.started <- filepath.Base(inputPath)
	}
	if g.release != nil {
		select {
		case <-g.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	progressFn(50)
	return &compressor.Output{
		Path:   inputPath + ".out.jpg",
		Name:   filepath.Base(inputPath) + ".out.jpg",
		Size:   40,
		Format: "jpeg",
	}, nil
}

type harness struct {
	coord *Coordinator
	db    *storage.Database
	hub   *progress.Hub
	pool  *pool.Pool
	dir   string
}

func newHarness(t *testing.T, tr compressor.Transformer, opts Options) *harness {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)

	dir := t.TempDir()
	db, err := storage.Open(filepath.Join(dir, "lossly.db"), log)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	p, err := pool.New(pool.Options{MinWorkers: 1, MaxWorkers: 2}, &worker.LocalSpawner{Handler: worker.NewHandler(tr)}, log)
	if err != nil {
		t.Fatalf("Failed to start pool: %v", err)
	}
	hub := progress.NewHub(log)
	coord, err := New(db, p, hub, opts, log)
	if err != nil {
		t.Fatalf("Failed to create coordinator: %v", err)
	}
	t.Cleanup(func() {
		p.Shutdown()
		coord.Close()
		_ = db.Close()
	})
	return &harness{coord: coord, db: db, hub: hub, pool: p, dir: dir}
}

func (h *harness) items(t *testing.T, names ...string) []Item {
	t.Helper()
	var items []Item
	for _, n := range names {
		path := filepath.Join(h.dir, n+".jpg")
		if err := os.WriteFile(path, make([]byte, 100), 0644); err != nil {
			t.Fatalf("Failed to write %s: %v", path, err)
		}
		items = append(items, Item{ID: n, Path: path})
	}
	return items
}

func collect(t *testing.T, sub *progress.Subscription) []progress.Event {
	t.Helper()
	var events []progress.Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case e, ok := <-sub.Events():
			if !ok {
				return events
			}
			events = append(events, e)
		case <-timeout:
			t.Fatalf("Batch never finished, events so far: %+v", events)
		}
	}
}

func expectStarted(t *testing.T, started <-chan string, want string) {
	t.Helper()
	select {
	case got := <-started:
		if got != want+".jpg" {
			t.Fatalf("Expected %s to start, got %s", want, got)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Item %s never started", want)
	}
}

func expectNothingStarted(t *testing.T, started <-chan string) {
	t.Helper()
	select {
	case got := <-started:
		t.Fatalf("Unexpected dispatch of %s", got)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestStartBatch_ProgressFollowsSubmissionOrder(t *testing.T) {
	tr := &gatedTransformer{started: make(chan string, 10), release: make(chan struct{})}
	h := newHarness(t, tr, Options{})
	ctx := context.Background()

	batchID, err := h.coord.StartBatch(ctx, h.items(t, "A", "B", "C", "D", "E"), task.DefaultSettings())
	if err != nil {
		t.Fatalf("StartBatch failed: %v", err)
	}
	sub, err := h.hub.Subscribe(batchID)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	close(tr.release)

	events := collect(t, sub)
	var order []string
	for _, e := range events {
		if e.Type == progress.EventProgress {
			order = append(order, e.CurrentItem)
		}
	}
	want := []string{"A", "B", "C", "D", "E"}
	if len(order) != len(want) {
		t.Fatalf("Expected %d progress events, got %v", len(want), order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("Expected progress order %v, got %v", want, order)
		}
	}

	last := events[len(events)-1]
	if last.Type != progress.EventComplete || last.Completed != 5 || last.TotalSaved != 300 {
		t.Errorf("Unexpected terminal event %+v", last)
	}

	status, err := h.coord.Status(ctx, batchID)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if status.Status != models.JobCompleted || status.CompletedItems != 5 || status.IsActive {
		t.Errorf("Unexpected final job %+v", status.BatchJob)
	}
	if status.CompletedAt == nil {
		t.Error("Expected completion timestamp")
	}

	history, err := h.db.ListHistory(ctx, storage.HistoryFilter{Type: models.TypeBatchItem})
	if err != nil {
		t.Fatalf("ListHistory failed: %v", err)
	}
	if len(history) != 5 {
		t.Errorf("Expected 5 history entries, got %d", len(history))
	}
}

func TestStartBatch_PartialFailure(t *testing.T) {
	h := newHarness(t, &gatedTransformer{}, Options{})
	ctx := context.Background()

	items := h.items(t, "A", "B", "C", "D", "E")
	items[2].Path = filepath.Join(h.dir, "missing.jpg")

	batchID, err := h.coord.StartBatch(ctx, items, task.DefaultSettings())
	if err != nil {
		t.Fatalf("StartBatch should accept unreadable paths, got %v", err)
	}

	eventually(t, func() bool {
		s, err := h.coord.Status(ctx, batchID)
		return err == nil && s.Terminal()
	})

	status, _ := h.coord.Status(ctx, batchID)
	if status.Status != models.JobCompleted {
		t.Errorf("Expected completed job, got %s", status.Status)
	}
	if status.CompletedItems != 4 || status.FailedItems != 1 {
		t.Errorf("Expected 4 completed / 1 failed, got %d / %d", status.CompletedItems, status.FailedItems)
	}
	bad := status.Items[2]
	if bad.Status != models.ItemFailed || bad.ErrorMessage == "" {
		t.Errorf("Expected failed item with error message, got %+v", bad)
	}
	if bad.OriginalSize != 0 {
		t.Errorf("Expected unreadable item recorded with size 0, got %d", bad.OriginalSize)
	}
}

func TestPauseResume(t *testing.T) {
	tr := &gatedTransformer{started: make(chan string, 10), release: make(chan struct{})}
	h := newHarness(t, tr, Options{})
	ctx := context.Background()

	batchID, err := h.coord.StartBatch(ctx, h.items(t, "A", "B", "C"), task.DefaultSettings())
	if err != nil {
		t.Fatalf("StartBatch failed: %v", err)
	}

	expectStarted(t, tr.started, "A")
	if err := h.coord.Pause(ctx, batchID); err != nil {
		t.Fatalf("Pause failed: %v", err)
	}
	tr.release <- struct{}{}

	expectNothingStarted(t, tr.started)
	eventually(t, func() bool {
		s, err := h.coord.Status(ctx, batchID)
		return err == nil && s.CompletedItems == 1
	})
	status, _ := h.coord.Status(ctx, batchID)
	if status.Status != models.JobPaused {
		t.Errorf("Expected paused job, got %s", status.Status)
	}
	if status.Items[0].Status != models.ItemCompleted || status.Items[1].Status != models.ItemPending {
		t.Errorf("Expected A completed and B pending while paused, got %s / %s",
			status.Items[0].Status, status.Items[1].Status)
	}

	if err := h.coord.Resume(ctx, batchID); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	expectStarted(t, tr.started, "B")
	tr.release <- struct{}{}
	expectStarted(t, tr.started, "C")
	tr.release <- struct{}{}

	eventually(t, func() bool {
		s, err := h.coord.Status(ctx, batchID)
		return err == nil && s.Status == models.JobCompleted
	})
}

// holdTerminal delays the terminal event until release is closed.
type holdTerminal struct {
	*progress.Hub
	reached chan struct{}
	release chan struct{}
}

func (h *holdTerminal) Publish(batchID string, e progress.Event) error {
	if e.Terminal() {
		close(h.reached)
		<-h.release
	}
	return h.Hub.Publish(batchID, e)
}

func TestFinishedBatchRejectsControl(t *testing.T) {
	h := newHarness(t, &gatedTransformer{}, Options{GlobalPause: true})
	ctx := context.Background()
	log := logrus.New()
	log.SetOutput(io.Discard)

	pub := &holdTerminal{Hub: h.hub, reached: make(chan struct{}), release: make(chan struct{})}
	coord, err := New(h.db, h.pool, pub, Options{GlobalPause: true}, log)
	if err != nil {
		t.Fatalf("Failed to create coordinator: %v", err)
	}
	t.Cleanup(coord.Close)
	defer close(pub.release)

	batchID, err := coord.StartBatch(ctx, h.items(t, "A"), task.DefaultSettings())
	if err != nil {
		t.Fatalf("StartBatch failed: %v", err)
	}
	select {
	case <-pub.reached:
	case <-time.After(5 * time.Second):
		t.Fatal("Batch never reached its terminal event")
	}

	// the run is still tracked until the terminal event is out
	if !coord.IsActive(batchID) {
		t.Fatal("Expected batch to be tracked while publishing")
	}
	if err := coord.Pause(ctx, batchID); !errors.Is(err, ErrBatchNotActive) {
		t.Errorf("Expected ErrBatchNotActive from Pause, got %v", err)
	}
	if err := coord.Resume(ctx, batchID); !errors.Is(err, ErrBatchNotActive) {
		t.Errorf("Expected ErrBatchNotActive from Resume, got %v", err)
	}
	if err := coord.Cancel(ctx, batchID); !errors.Is(err, ErrBatchNotActive) {
		t.Errorf("Expected ErrBatchNotActive from Cancel, got %v", err)
	}

	job, err := h.db.GetJob(ctx, batchID)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if job.Status != models.JobCompleted || job.CompletedAt == nil {
		t.Errorf("Expected completed job, got %s", job.Status)
	}
	if h.pool.Stats().Paused {
		t.Error("Pool must not be left paused")
	}
}

func TestCancelAfterFirstItem(t *testing.T) {
	tr := &gatedTransformer{started: make(chan string, 10), release: make(chan struct{})}
	h := newHarness(t, tr, Options{})
	ctx := context.Background()

	batchID, err := h.coord.StartBatch(ctx, h.items(t, "A", "B", "C"), task.DefaultSettings())
	if err != nil {
		t.Fatalf("StartBatch failed: %v", err)
	}
	sub, err := h.hub.Subscribe(batchID)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	expectStarted(t, tr.started, "A")
	tr.release <- struct{}{}
	expectStarted(t, tr.started, "B")

	if err := h.coord.Cancel(ctx, batchID); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	events := collect(t, sub)
	last := events[len(events)-1]
	if last.Type != progress.EventComplete || last.Status != models.JobCancelled {
		t.Errorf("Expected terminal cancelled event, got %+v", last)
	}

	// let the in-flight task finish; its result must be discarded
	tr.release <- struct{}{}
	expectNothingStarted(t, tr.started)

	status, err := h.coord.Status(ctx, batchID)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if status.Status != models.JobCancelled || status.IsActive {
		t.Errorf("Expected inactive cancelled job, got %s active=%v", status.Status, status.IsActive)
	}
	want := []string{models.ItemCompleted, models.ItemPending, models.ItemPending}
	for i, item := range status.Items {
		if item.Status != want[i] {
			t.Errorf("Item %d: expected %s, got %s", i, want[i], item.Status)
		}
	}

	if err := h.coord.Cancel(ctx, batchID); !errors.Is(err, ErrBatchNotActive) {
		t.Errorf("Expected ErrBatchNotActive on second cancel, got %v", err)
	}
	if err := h.coord.Pause(ctx, batchID); !errors.Is(err, ErrBatchNotActive) {
		t.Errorf("Expected ErrBatchNotActive on pause, got %v", err)
	}
}

func TestPoolShutdownFailsBatch(t *testing.T) {
	tr := &gatedTransformer{started: make(chan string, 10), release: make(chan struct{})}
	h := newHarness(t, tr, Options{})
	ctx := context.Background()

	batchID, err := h.coord.StartBatch(ctx, h.items(t, "A", "B"), task.DefaultSettings())
	if err != nil {
		t.Fatalf("StartBatch failed: %v", err)
	}
	sub, _ := h.hub.Subscribe(batchID)
	expectStarted(t, tr.started, "A")

	h.pool.Shutdown()

	events := collect(t, sub)
	last := events[len(events)-1]
	if last.Type != progress.EventError || last.Error == "" {
		t.Errorf("Expected terminal error event, got %+v", last)
	}
	status, _ := h.coord.Status(ctx, batchID)
	if status.Status != models.JobFailed {
		t.Errorf("Expected failed job, got %s", status.Status)
	}
}

func TestStartBatch_Validation(t *testing.T) {
	h := newHarness(t, &gatedTransformer{}, Options{})
	ctx := context.Background()

	if _, err := h.coord.StartBatch(ctx, nil, task.DefaultSettings()); !errors.Is(err, task.ErrInvalidInput) {
		t.Errorf("Expected ErrInvalidInput for empty batch, got %v", err)
	}
	bad := task.Settings{Format: "jpeg", Quality: 101}
	if _, err := h.coord.StartBatch(ctx, h.items(t, "A"), bad); !errors.Is(err, task.ErrInvalidInput) {
		t.Errorf("Expected ErrInvalidInput for bad settings, got %v", err)
	}
	if err := h.coord.Pause(ctx, "unknown"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected ErrNotFound for unknown batch, got %v", err)
	}
}

func TestGlobalPauseCouplesPool(t *testing.T) {
	tr := &gatedTransformer{started: make(chan string, 10), release: make(chan struct{})}
	h := newHarness(t, tr, Options{GlobalPause: true})
	ctx := context.Background()

	batchID, err := h.coord.StartBatch(ctx, h.items(t, "A", "B"), task.DefaultSettings())
	if err != nil {
		t.Fatalf("StartBatch failed: %v", err)
	}
	expectStarted(t, tr.started, "A")
	if err := h.coord.Pause(ctx, batchID); err != nil {
		t.Fatalf("Pause failed: %v", err)
	}
	if !h.pool.Stats().Paused {
		t.Error("Expected pool paused with GlobalPause")
	}
	if err := h.coord.Resume(ctx, batchID); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if h.pool.Stats().Paused {
		t.Error("Expected pool resumed")
	}
	close(tr.release)
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("Condition not met in time")
}

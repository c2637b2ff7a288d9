package batch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/sirupsen/logrus"

	"lossly-go/internal/models"
	"lossly-go/internal/pool"
	"lossly-go/internal/progress"
	"lossly-go/internal/storage"
	"lossly-go/internal/task"
)

// ErrBatchNotActive is returned when pausing, resuming or cancelling a job
// that already finished.
var ErrBatchNotActive = errors.New("batch job not active")

// Store is the persistence the coordinator writes through.
type Store interface {
	CreateJob(ctx context.Context, job *models.BatchJob) error
	UpdateJob(ctx context.Context, id string, u storage.JobUpdate) error
	GetJob(ctx context.Context, id string) (*models.BatchJob, error)
	AddItem(ctx context.Context, item *models.BatchItem) error
	UpdateItem(ctx context.Context, id string, u storage.ItemUpdate) error
	ListItems(ctx context.Context, jobID string) ([]models.BatchItem, error)
	AppendHistory(ctx context.Context, entry *models.HistoryEntry) error
}

// Dispatcher runs tasks. *pool.Pool implements it.
type Dispatcher interface {
	Submit(t task.Task) *pool.Future
	Pause()
	Resume()
}

// Publisher carries progress events to subscribers. *progress.Hub implements it.
type Publisher interface {
	Open(batchID string)
	Publish(batchID string, e progress.Event) error
}

// Item is one file submitted as part of a batch. ID is the caller's
// correlation id and is echoed in progress events.
type Item struct {
	ID   string `json:"id"`
	Path string `json:"path"`
}

// Status is a job with its items.
type Status struct {
	models.BatchJob
	Items    []models.BatchItem `json:"items"`
	IsActive bool               `json:"isActive"`
}

// Options configures the coordinator.
type Options struct {
	// MaxConcurrentBatches bounds how many batches feed the pool at once.
	MaxConcurrentBatches int
	// GlobalPause also pauses the whole pool while any batch is paused.
	GlobalPause bool
}

// Coordinator runs batch jobs, feeding each job's items to the pool one at a time.
type Coordinator struct {
	store   Store
	pool    Dispatcher
	hub     Publisher
	runners *ants.Pool
	opts    Options
	log     *logrus.Entry

	mu     sync.Mutex
	active map[string]*run
	wg     sync.WaitGroup
}

// New returns a coordinator.
func New(store Store, dispatcher Dispatcher, hub Publisher, opts Options, log *logrus.Logger) (*Coordinator, error) {
	if log == nil {
		log = logrus.New()
	}
	if opts.MaxConcurrentBatches < 1 {
		opts.MaxConcurrentBatches = 4
	}
	runners, err := ants.NewPool(opts.MaxConcurrentBatches)
	if err != nil {
		return nil, fmt.Errorf("failed to create batch runner pool: %w", err)
	}
	return &Coordinator{
		store:   store,
		pool:    dispatcher,
		hub:     hub,
		runners: runners,
		opts:    opts,
		log:     log.WithField("component", "batch"),
		active:  make(map[string]*run),
	}, nil
}

// StartBatch records a job and its items, then processes them in the
// background. It returns once the job is durably stored.
func (c *Coordinator) StartBatch(ctx context.Context, items []Item, settings task.Settings) (string, error) {
	if len(items) == 0 {
		return "", task.Invalid("no items provided for batch processing")
	}
	if err := settings.Validate(); err != nil {
		return "", err
	}

	job := &models.BatchJob{
		Status:     models.JobProcessing,
		TotalItems: len(items),
		Settings:   models.ToJSONText(settings),
	}
	if err := c.store.CreateJob(ctx, job); err != nil {
		return "", err
	}

	r := newRun(job.ID, settings)
	for i, it := range items {
		item := models.BatchItem{
			BatchID:      job.ID,
			Position:     i,
			ClientID:     it.ID,
			OriginalName: filepath.Base(it.Path),
			OriginalPath: it.Path,
		}
		// unreadable paths are recorded and fail when processed
		if info, err := os.Stat(it.Path); err == nil {
			item.OriginalSize = info.Size()
		}
		if err := c.store.AddItem(ctx, &item); err != nil {
			c.markFailed(job.ID)
			return "", err
		}
		if item.ClientID == "" {
			item.ClientID = item.ID
		}
		r.items = append(r.items, item)
	}

	c.hub.Open(job.ID)
	c.mu.Lock()
	c.active[job.ID] = r
	c.mu.Unlock()

	c.wg.Add(1)
	// excess batches wait here for a free runner
	go func() {
		if err := c.runners.Submit(func() {
			defer c.wg.Done()
			c.process(r)
		}); err != nil {
			c.log.WithError(err).WithField("batch_id", job.ID).Error("Failed to schedule batch")
			c.finish(r, err)
			c.wg.Done()
		}
	}()

	c.log.WithFields(logrus.Fields{
		"batch_id":    job.ID,
		"total_items": len(items),
	}).Info("Batch started")
	return job.ID, nil
}

// Pause stops the batch from advancing past its current item.
func (c *Coordinator) Pause(ctx context.Context, batchID string) error {
	r, err := c.lookup(ctx, batchID)
	if err != nil {
		return err
	}
	r.persist.Lock()
	defer r.persist.Unlock()
	if r.isFinished() {
		return ErrBatchNotActive
	}
	if !r.setPaused(true) {
		return nil
	}
	if c.opts.GlobalPause {
		c.pool.Pause()
	}
	c.log.WithField("batch_id", batchID).Info("Batch paused")
	return c.store.UpdateJob(ctx, batchID, storage.JobUpdate{Status: ptr(models.JobPaused)})
}

// Resume continues a paused batch from its next pending item.
func (c *Coordinator) Resume(ctx context.Context, batchID string) error {
	r, err := c.lookup(ctx, batchID)
	if err != nil {
		return err
	}
	r.persist.Lock()
	defer r.persist.Unlock()
	if r.isFinished() {
		return ErrBatchNotActive
	}
	if !r.setPaused(false) {
		return nil
	}
	if c.opts.GlobalPause {
		c.pool.Resume()
	}
	c.log.WithField("batch_id", batchID).Info("Batch resumed")
	return c.store.UpdateJob(ctx, batchID, storage.JobUpdate{Status: ptr(models.JobProcessing)})
}

// Cancel stops feeding the batch and marks it cancelled. A task already in
// flight is left to finish; its result is discarded.
func (c *Coordinator) Cancel(ctx context.Context, batchID string) error {
	c.mu.Lock()
	r := c.active[batchID]
	c.mu.Unlock()

	if r == nil {
		job, err := c.store.GetJob(ctx, batchID)
		if err != nil {
			return err
		}
		if job.Terminal() {
			return ErrBatchNotActive
		}
		// left over from an earlier process
		now := time.Now()
		return c.store.UpdateJob(ctx, batchID, storage.JobUpdate{
			Status:      ptr(models.JobCancelled),
			CompletedAt: &now,
		})
	}

	r.persist.Lock()
	defer r.persist.Unlock()
	if r.isFinished() {
		return ErrBatchNotActive
	}
	wasPaused := r.stop(false)
	if wasPaused && c.opts.GlobalPause {
		c.pool.Resume()
	}
	now := time.Now()
	c.log.WithField("batch_id", batchID).Info("Batch cancelled")
	return c.store.UpdateJob(ctx, batchID, storage.JobUpdate{
		Status:      ptr(models.JobCancelled),
		CompletedAt: &now,
	})
}

// Status returns the job, its items and whether it is still running.
func (c *Coordinator) Status(ctx context.Context, batchID string) (*Status, error) {
	job, err := c.store.GetJob(ctx, batchID)
	if err != nil {
		return nil, err
	}
	items, err := c.store.ListItems(ctx, batchID)
	if err != nil {
		return nil, err
	}
	return &Status{BatchJob: *job, Items: items, IsActive: c.IsActive(batchID)}, nil
}

// IsActive reports whether the batch is still tracked in memory.
func (c *Coordinator) IsActive(batchID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.active[batchID]
	return ok
}

// Close aborts running batches, waits for their goroutines and releases the
// runner pool. Aborted batches end as failed.
func (c *Coordinator) Close() {
	c.mu.Lock()
	for _, r := range c.active {
		r.stop(true)
	}
	c.mu.Unlock()
	c.wg.Wait()
	c.runners.Release()
}

func (c *Coordinator) lookup(ctx context.Context, batchID string) (*run, error) {
	c.mu.Lock()
	r := c.active[batchID]
	c.mu.Unlock()
	if r != nil {
		return r, nil
	}
	if _, err := c.store.GetJob(ctx, batchID); err != nil {
		return nil, err
	}
	return nil, ErrBatchNotActive
}

func (c *Coordinator) process(r *run) {
	ctx := context.Background()
	log := c.log.WithField("batch_id", r.id)

	var runErr error
	for i := range r.items {
		if !r.waitWhilePaused() {
			break
		}
		item := &r.items[i]

		err := c.store.UpdateItem(ctx, item.ID, storage.ItemUpdate{Status: ptr(models.ItemProcessing)})
		if err != nil {
			runErr = err
			break
		}

		fut := c.pool.Submit(task.New(item.OriginalPath, r.settings))
		select {
		case <-fut.Done():
		case <-r.cancelled:
		}
		if r.isCancelled() {
			c.resetItem(ctx, item)
			break
		}

		res, taskErr := fut.Wait(ctx)
		if errors.Is(taskErr, task.ErrPoolShutdown) {
			c.resetItem(ctx, item)
			runErr = taskErr
			break
		}
		if err := c.record(ctx, r, item, res, taskErr); err != nil {
			runErr = err
			break
		}
	}

	if runErr != nil {
		log.WithError(runErr).Error("Batch processing failed")
	}
	c.finish(r, runErr)
}

// record persists one item outcome and publishes the new counters.
func (c *Coordinator) record(ctx context.Context, r *run, item *models.BatchItem, res *task.Result, taskErr error) error {
	entry := &models.HistoryEntry{
		OriginalName: item.OriginalName,
		OriginalPath: item.OriginalPath,
		OriginalSize: item.OriginalSize,
		Type:         models.TypeBatchItem,
		BatchID:      r.id,
		Settings:     models.ToJSONText(r.settings),
	}

	var update storage.ItemUpdate
	if taskErr != nil {
		r.failed++
		update = storage.ItemUpdate{
			Status:       ptr(models.ItemFailed),
			Progress:     ptr(0),
			ErrorMessage: ptr(taskErr.Error()),
		}
		entry.Status = models.ItemFailed
		entry.ErrorMessage = taskErr.Error()
		entry.OriginalFormat = task.NormalizeFormat(filepath.Ext(item.OriginalPath))
	} else {
		r.completed++
		r.totalSaved += res.SavedBytes
		update = storage.ItemUpdate{
			Status:     ptr(models.ItemCompleted),
			Progress:   ptr(100),
			OutputPath: ptr(res.OutputPath),
			OutputSize: ptr(res.OutputSize),
			SavedBytes: ptr(res.SavedBytes),
		}
		fillHistory(entry, res)
		entry.Status = models.ItemCompleted
	}

	if err := c.store.UpdateItem(ctx, item.ID, update); err != nil {
		return err
	}
	if err := c.store.AppendHistory(ctx, entry); err != nil {
		return err
	}

	r.persist.Lock()
	status := models.JobProcessing
	if r.isPaused() {
		status = models.JobPaused
	}
	if r.isCancelled() {
		status = models.JobCancelled
	}
	err := c.store.UpdateJob(ctx, r.id, storage.JobUpdate{
		Status:         &status,
		CompletedItems: ptr(r.completed),
		FailedItems:    ptr(r.failed),
		TotalSaved:     ptr(r.totalSaved),
	})
	r.persist.Unlock()
	if err != nil {
		return err
	}

	c.publish(r.id, progress.Event{
		Type:        progress.EventProgress,
		Completed:   r.completed,
		Failed:      r.failed,
		Total:       len(r.items),
		TotalSaved:  r.totalSaved,
		CurrentItem: item.ClientID,
	})
	return nil
}

func fillHistory(e *models.HistoryEntry, res *task.Result) {
	if res.OriginalPath != "" {
		e.OriginalPath = res.OriginalPath
		e.OriginalName = filepath.Base(res.OriginalPath)
	}
	if res.OriginalSize > 0 {
		e.OriginalSize = res.OriginalSize
	}
	e.OriginalFormat = res.OriginalFormat
	e.OutputName = res.OutputName
	e.OutputPath = res.OutputPath
	e.OutputSize = res.OutputSize
	e.OutputFormat = res.OutputFormat
	e.CompressedSize = res.CompressedSize
	e.SavedBytes = res.SavedBytes
	e.ReductionPercentage = res.ReductionPercentage
	e.ProcessingTime = res.ProcessingTime
}

func (c *Coordinator) resetItem(ctx context.Context, item *models.BatchItem) {
	err := c.store.UpdateItem(ctx, item.ID, storage.ItemUpdate{
		Status:   ptr(models.ItemPending),
		Progress: ptr(0),
	})
	if err != nil {
		c.log.WithError(err).WithField("item_id", item.ID).Warn("Failed to reset batch item")
	}
}

// finish persists the terminal job state, publishes the terminal event and
// stops tracking the batch.
func (c *Coordinator) finish(r *run, runErr error) {
	ctx := context.Background()
	defer func() {
		c.mu.Lock()
		delete(c.active, r.id)
		c.mu.Unlock()
	}()

	// the terminal write must not interleave with Pause, Resume or Cancel
	r.persist.Lock()
	if r.markFinished() && c.opts.GlobalPause {
		c.pool.Resume()
	}

	now := time.Now()
	update := storage.JobUpdate{
		CompletedItems: ptr(r.completed),
		FailedItems:    ptr(r.failed),
		TotalSaved:     ptr(r.totalSaved),
	}
	event := progress.Event{
		Type:       progress.EventComplete,
		Completed:  r.completed,
		Failed:     r.failed,
		Total:      len(r.items),
		TotalSaved: r.totalSaved,
	}

	if r.isAborted() && runErr == nil {
		runErr = task.ErrPoolShutdown
	}

	switch {
	case runErr != nil:
		update.Status = ptr(models.JobFailed)
		update.CompletedAt = &now
		event.Type = progress.EventError
		event.Status = models.JobFailed
		event.Error = runErr.Error()
	case r.isCancelled():
		update.Status = ptr(models.JobCancelled)
		update.CompletedAt = &now
		event.Status = models.JobCancelled
	default:
		update.Status = ptr(models.JobCompleted)
		update.CompletedAt = &now
		event.Status = models.JobCompleted
	}

	if err := c.store.UpdateJob(ctx, r.id, update); err != nil {
		c.log.WithError(err).WithField("batch_id", r.id).Error("Failed to persist final batch state")
		if event.Type != progress.EventError {
			event.Type = progress.EventError
			event.Status = models.JobFailed
			event.Error = err.Error()
		}
	}
	r.persist.Unlock()
	c.publish(r.id, event)

	c.log.WithFields(logrus.Fields{
		"batch_id":    r.id,
		"status":      event.Status,
		"completed":   r.completed,
		"failed":      r.failed,
		"total_saved": r.totalSaved,
	}).Info("Batch finished")
}

func (c *Coordinator) markFailed(batchID string) {
	now := time.Now()
	err := c.store.UpdateJob(context.Background(), batchID, storage.JobUpdate{
		Status:      ptr(models.JobFailed),
		CompletedAt: &now,
	})
	if err != nil {
		c.log.WithError(err).WithField("batch_id", batchID).Warn("Failed to mark batch failed")
	}
}

func (c *Coordinator) publish(batchID string, e progress.Event) {
	if err := c.hub.Publish(batchID, e); err != nil {
		c.log.WithError(err).WithField("batch_id", batchID).Debug("Progress event dropped")
	}
}

func ptr[T any](v T) *T { return &v }

package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"lossly-go/internal/batch"
	"lossly-go/internal/cache"
	"lossly-go/internal/logger"
	"lossly-go/internal/models"
	"lossly-go/internal/pool"
	"lossly-go/internal/progress"
	"lossly-go/internal/storage"
	"lossly-go/internal/task"
)

// conversionQuality is used for format conversions, which carry no quality of their own.
const conversionQuality = 90

// supportedConversions lists the target formats reachable from each input format.
var supportedConversions = map[string][]string{
	"jpeg": {"png", "webp", "tiff"},
	"png":  {"jpeg", "webp", "tiff"},
	"webp": {"jpeg", "png", "tiff"},
	"gif":  {"jpeg", "png", "webp"},
	"bmp":  {"jpeg", "png", "webp", "tiff"},
	"tiff": {"jpeg", "png", "webp"},
}

// Deps are the collaborators a Service is built from.
type Deps struct {
	Store   *storage.Database
	Pool    *pool.Pool
	Batches *batch.Coordinator
	Hub     *progress.Hub
	Cache   cache.StatusCache
	Log     *logrus.Logger
}

// Service is the task submission API consumed by the HTTP layer and the CLI.
type Service struct {
	store   *storage.Database
	pool    *pool.Pool
	batches *batch.Coordinator
	hub     *progress.Hub
	cache   cache.StatusCache
	log     *logrus.Logger
}

// New returns a Service. A nil cache disables status caching.
func New(d Deps) *Service {
	if d.Cache == nil {
		d.Cache = cache.Noop{}
	}
	if d.Log == nil {
		d.Log = logrus.New()
	}
	return &Service{
		store:   d.Store,
		pool:    d.Pool,
		batches: d.Batches,
		hub:     d.Hub,
		cache:   d.Cache,
		log:     d.Log,
	}
}

// SubmitCompression compresses one file through the pool and records it in
// history. Invalid input is rejected before anything is dispatched.
func (s *Service) SubmitCompression(ctx context.Context, path string, settings task.Settings) (*task.Result, error) {
	return s.run(ctx, path, settings, models.TypeSingle)
}

// SubmitConversion re-encodes one file into targetFormat.
func (s *Service) SubmitConversion(ctx context.Context, path, targetFormat string) (*task.Result, error) {
	from := task.NormalizeFormat(filepath.Ext(path))
	to := task.NormalizeFormat(targetFormat)
	if !canConvert(from, to) {
		return nil, task.Invalid("cannot convert from %s to %s", from, targetFormat)
	}
	return s.run(ctx, path, task.Settings{Format: to, Quality: conversionQuality}, models.TypeConversion)
}

// SupportedConversions returns the conversion matrix.
func (s *Service) SupportedConversions() map[string][]string {
	return supportedConversions
}

func canConvert(from, to string) bool {
	for _, f := range supportedConversions[from] {
		if f == to {
			return true
		}
	}
	return false
}

func (s *Service) run(ctx context.Context, path string, settings task.Settings, kind string) (*task.Result, error) {
	if err := validateInput(path); err != nil {
		return nil, err
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}

	t := task.New(path, settings)
	log := logger.WithTask(s.log, t.ID, path).WithField("type", kind)

	res, err := s.pool.Submit(t).Wait(ctx)
	if err != nil {
		log.WithError(err).Warn("Compression failed")
		if !errors.Is(err, task.ErrInvalidInput) && ctx.Err() == nil {
			s.recordFailure(ctx, path, settings, kind, err, log)
		}
		return nil, err
	}

	entry := &models.HistoryEntry{Type: kind, Status: models.ItemCompleted, Settings: models.ToJSONText(settings)}
	fillHistory(entry, res)
	if err := s.store.AppendHistory(ctx, entry); err != nil {
		// the output exists, so the result is still returned
		log.WithError(err).Warn("Failed to record history")
	}

	log.WithFields(logrus.Fields{
		"saved_bytes": res.SavedBytes,
		"reduction":   res.ReductionPercentage,
		"worker_id":   res.WorkerID,
	}).Info("Compression finished")
	return res, nil
}

func (s *Service) recordFailure(ctx context.Context, path string, settings task.Settings, kind string, cause error, log *logrus.Entry) {
	entry := &models.HistoryEntry{
		Type:           kind,
		Status:         models.ItemFailed,
		ErrorMessage:   cause.Error(),
		OriginalName:   filepath.Base(path),
		OriginalPath:   path,
		OriginalFormat: task.NormalizeFormat(filepath.Ext(path)),
		Settings:       models.ToJSONText(settings),
	}
	if info, err := os.Stat(path); err == nil {
		entry.OriginalSize = info.Size()
	}
	if err := s.store.AppendHistory(ctx, entry); err != nil {
		log.WithError(err).Warn("Failed to record history")
	}
}

func validateInput(path string) error {
	if path == "" {
		return task.Invalid("missing required parameters")
	}
	info, err := os.Stat(path)
	if err != nil {
		return task.Invalid("image file not found: %s", path)
	}
	if info.IsDir() {
		return task.Invalid("input is a directory: %s", path)
	}
	return nil
}

func fillHistory(e *models.HistoryEntry, res *task.Result) {
	e.OriginalName = filepath.Base(res.OriginalPath)
	e.OriginalPath = res.OriginalPath
	e.OriginalSize = res.OriginalSize
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

// SubmitBatch starts a batch job and returns its id.
func (s *Service) SubmitBatch(ctx context.Context, items []batch.Item, settings task.Settings) (string, error) {
	id, err := s.batches.StartBatch(ctx, items, settings)
	if err != nil {
		return "", err
	}
	logger.WithBatch(s.log, id).WithField("items", len(items)).Debug("Batch submitted")
	return id, nil
}

// PauseBatch pauses a running batch.
func (s *Service) PauseBatch(ctx context.Context, batchID string) error {
	return s.batches.Pause(ctx, batchID)
}

// ResumeBatch resumes a paused batch.
func (s *Service) ResumeBatch(ctx context.Context, batchID string) error {
	return s.batches.Resume(ctx, batchID)
}

// CancelBatch cancels a running or paused batch.
func (s *Service) CancelBatch(ctx context.Context, batchID string) error {
	if err := s.batches.Cancel(ctx, batchID); err != nil {
		return err
	}
	if err := s.cache.Delete(ctx, batchID); err != nil {
		logger.WithBatch(s.log, batchID).WithError(err).Debug("Failed to evict cached status")
	}
	return nil
}

// GetBatchStatus returns the job with its items. Finished jobs are served
// from the status cache when one is configured.
func (s *Service) GetBatchStatus(ctx context.Context, batchID string) (*batch.Status, error) {
	log := logger.WithBatch(s.log, batchID)

	var cached batch.Status
	found, err := s.cache.Get(ctx, batchID, &cached)
	if err != nil {
		log.WithError(err).Debug("Status cache lookup failed")
	}
	if found {
		return &cached, nil
	}

	status, err := s.batches.Status(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if status.Terminal() && !status.IsActive {
		if err := s.cache.Set(ctx, batchID, status); err != nil {
			log.WithError(err).Debug("Failed to cache status")
		}
	}
	return status, nil
}

// Subscribe attaches to a batch's progress channel.
func (s *Service) Subscribe(batchID string) (*progress.Subscription, error) {
	return s.hub.Subscribe(batchID)
}

// PoolStats returns a snapshot of the worker pool.
func (s *Service) PoolStats() pool.Stats {
	return s.pool.Stats()
}

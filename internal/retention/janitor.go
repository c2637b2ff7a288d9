package retention

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
)

// HistoryCleaner deletes history entries older than a cutoff.
type HistoryCleaner interface {
	CleanOldHistory(ctx context.Context, cutoff time.Time) (int64, error)
}

// Options configures the janitor. A zero HistoryRetention keeps history forever;
// an empty OutputDir skips output cleanup.
type Options struct {
	Interval         time.Duration
	HistoryRetention time.Duration
	OutputDir        string
	OutputMaxAge     time.Duration
}

// Report is the outcome of one sweep.
type Report struct {
	HistoryDeleted int64
	FilesRemoved   int
}

// Janitor periodically trims old history and stale worker outputs.
type Janitor struct {
	history HistoryCleaner
	opts    Options
	log     *logrus.Entry
	now     func() time.Time
}

// NewJanitor returns a janitor. Interval defaults to one hour and OutputMaxAge
// to one hour.
func NewJanitor(history HistoryCleaner, opts Options, log *logrus.Logger) *Janitor {
	if log == nil {
		log = logrus.New()
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Hour
	}
	if opts.OutputMaxAge <= 0 {
		opts.OutputMaxAge = time.Hour
	}
	return &Janitor{
		history: history,
		opts:    opts,
		log:     log.WithField("component", "janitor"),
		now:     time.Now,
	}
}

// Run sweeps once immediately and then on every tick until ctx is done.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.opts.Interval)
	defer ticker.Stop()

	for {
		if _, err := j.Sweep(ctx); err != nil && !errors.Is(err, context.Canceled) {
			j.log.WithError(err).Warn("Janitor sweep failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Sweep runs one cleanup pass.
func (j *Janitor) Sweep(ctx context.Context) (Report, error) {
	var rep Report
	now := j.now()

	if j.history != nil && j.opts.HistoryRetention > 0 {
		n, err := j.history.CleanOldHistory(ctx, now.Add(-j.opts.HistoryRetention))
		if err != nil {
			return rep, err
		}
		rep.HistoryDeleted = n
	}

	if j.opts.OutputDir != "" {
		rep.FilesRemoved = j.removeStaleOutputs(now.Add(-j.opts.OutputMaxAge))
	}

	if rep.HistoryDeleted > 0 || rep.FilesRemoved > 0 {
		j.log.WithFields(logrus.Fields{
			"history_deleted": rep.HistoryDeleted,
			"files_removed":   rep.FilesRemoved,
		}).Info("Janitor sweep finished")
	}
	return rep, nil
}

// removeStaleOutputs deletes regular files in the output directory modified
// before cutoff. Per-file errors are ignored.
func (j *Janitor) removeStaleOutputs(cutoff time.Time) int {
	entries, err := os.ReadDir(j.opts.OutputDir)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			j.log.WithError(err).Debug("Output directory not readable")
		}
		return 0
	}

	removed := 0
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		info, err := e.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(j.opts.OutputDir, e.Name())); err == nil {
			removed++
		}
	}
	return removed
}

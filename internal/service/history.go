package service

import (
	"context"
	"encoding/csv"
	"io"
	"strconv"
	"time"

	"lossly-go/internal/logger"
	"lossly-go/internal/models"
	"lossly-go/internal/statistics"
	"lossly-go/internal/storage"
	"lossly-go/internal/task"
)

// Export formats.
const (
	ExportJSON = "json"
	ExportCSV  = "csv"
)

// ListHistory returns history entries newest first.
func (s *Service) ListHistory(ctx context.Context, f storage.HistoryFilter) ([]models.HistoryEntry, error) {
	return s.store.ListHistory(ctx, f)
}

// GetHistory returns one history entry.
func (s *Service) GetHistory(ctx context.Context, id string) (*models.HistoryEntry, error) {
	return s.store.GetHistory(ctx, id)
}

// DeleteHistory removes one history entry.
func (s *Service) DeleteHistory(ctx context.Context, id string) error {
	return s.store.DeleteHistory(ctx, id)
}

// ClearHistory removes all history and returns how many entries were deleted.
func (s *Service) ClearHistory(ctx context.Context) (int64, error) {
	n, err := s.store.ClearHistory(ctx)
	if err != nil {
		return 0, err
	}
	logger.WithOperation(s.log, "clear_history").WithField("deleted", n).Info("History cleared")
	return n, nil
}

// CleanHistory removes entries older than daysToKeep days.
func (s *Service) CleanHistory(ctx context.Context, daysToKeep int) (int64, error) {
	if daysToKeep < 1 {
		return 0, task.Invalid("daysToKeep must be at least 1, got %d", daysToKeep)
	}
	cutoff := time.Now().Add(-time.Duration(daysToKeep) * 24 * time.Hour)
	return s.store.CleanOldHistory(ctx, cutoff)
}

// HistoryStats aggregates history between from and to. Zero times are open bounds.
func (s *Service) HistoryStats(ctx context.Context, from, to time.Time) (*statistics.Statistics, error) {
	entries, err := s.store.ListHistory(ctx, storage.HistoryFilter{From: from, To: to})
	if err != nil {
		return nil, err
	}
	return statistics.Aggregate(entries), nil
}

// ExportHistory returns the entries to export in format between from and to.
func (s *Service) ExportHistory(ctx context.Context, format string, from, to time.Time) ([]models.HistoryEntry, error) {
	if format != ExportJSON && format != ExportCSV {
		return nil, task.Invalid("unsupported export format: %s", format)
	}
	return s.store.ListHistory(ctx, storage.HistoryFilter{From: from, To: to})
}

var csvHeader = []string{
	"ID", "Original Name", "Original Size", "Compressed Size",
	"Reduction %", "Type", "Status", "Timestamp",
}

// WriteHistoryCSV writes entries as CSV with a header row.
func WriteHistoryCSV(w io.Writer, entries []models.HistoryEntry) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, e := range entries {
		compressed := e.CompressedSize
		if compressed == 0 {
			compressed = e.OutputSize
		}
		status := e.Status
		if status == "" {
			status = models.ItemCompleted
		}
		row := []string{
			e.ID,
			e.OriginalName,
			strconv.FormatInt(e.OriginalSize, 10),
			strconv.FormatInt(compressed, 10),
			strconv.FormatFloat(e.ReductionPercentage, 'f', -1, 64),
			e.Type,
			status,
			e.Timestamp.UTC().Format(time.RFC3339),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

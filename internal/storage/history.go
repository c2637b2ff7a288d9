package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"lossly-go/internal/models"
	"lossly-go/internal/task"
)

// HistoryFilter narrows a history listing. Zero values mean no constraint.
type HistoryFilter struct {
	Limit  int
	Offset int
	Type   string
	From   time.Time
	To     time.Time
}

// AppendHistory inserts a history entry. Malformed numerics are coerced to 0
// and missing names to "unknown" before the write.
func (d *Database) AppendHistory(ctx context.Context, entry *models.HistoryEntry) error {
	sanitizeHistory(entry)
	if err := d.db.WithContext(ctx).Create(entry).Error; err != nil {
		return task.Storage("append history", err)
	}
	return nil
}

func sanitizeHistory(e *models.HistoryEntry) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	e.Timestamp = e.Timestamp.UTC()
	if e.Type == "" {
		e.Type = models.TypeSingle
	}
	if e.Settings == "" {
		e.Settings = "{}"
	}
	e.OriginalName = orUnknown(e.OriginalName)
	e.OriginalFormat = orUnknown(e.OriginalFormat)
	e.OutputFormat = orUnknown(e.OutputFormat)

	e.OriginalSize = max(e.OriginalSize, 0)
	e.OutputSize = max(e.OutputSize, 0)
	e.CompressedSize = max(e.CompressedSize, 0)
	if e.CompressedSize == 0 {
		e.CompressedSize = e.OutputSize
	}
	e.SavedBytes = max(e.SavedBytes, 0)
	e.ProcessingTime = max(e.ProcessingTime, 0)
	e.ReductionPercentage = max(task.FiniteOrZero(e.ReductionPercentage), 0)
}

func orUnknown(s string) string {
	if strings.TrimSpace(s) == "" {
		return "unknown"
	}
	return s
}

// ListHistory returns entries newest first.
func (d *Database) ListHistory(ctx context.Context, f HistoryFilter) ([]models.HistoryEntry, error) {
	q := d.db.WithContext(ctx).Order("timestamp DESC")
	if f.Type != "" {
		q = q.Where("type = ?", f.Type)
	}
	if !f.From.IsZero() {
		q = q.Where("timestamp >= ?", f.From.UTC())
	}
	if !f.To.IsZero() {
		q = q.Where("timestamp <= ?", f.To.UTC())
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	if f.Offset > 0 {
		q = q.Offset(f.Offset)
	}

	var entries []models.HistoryEntry
	if err := q.Find(&entries).Error; err != nil {
		return nil, task.Storage("list history", err)
	}
	return entries, nil
}

// GetHistory loads one entry.
func (d *Database) GetHistory(ctx context.Context, id string) (*models.HistoryEntry, error) {
	var entry models.HistoryEntry
	if err := d.db.WithContext(ctx).First(&entry, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: history entry %s", ErrNotFound, id)
		}
		return nil, task.Storage("get history", err)
	}
	return &entry, nil
}

// DeleteHistory removes one entry.
func (d *Database) DeleteHistory(ctx context.Context, id string) error {
	res := d.db.WithContext(ctx).Delete(&models.HistoryEntry{}, "id = ?", id)
	if res.Error != nil {
		return task.Storage("delete history", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: history entry %s", ErrNotFound, id)
	}
	return nil
}

// ClearHistory removes every entry and returns how many were deleted.
func (d *Database) ClearHistory(ctx context.Context) (int64, error) {
	res := d.db.WithContext(ctx).Where("1 = 1").Delete(&models.HistoryEntry{})
	if res.Error != nil {
		return 0, task.Storage("clear history", res.Error)
	}
	return res.RowsAffected, nil
}

// CleanOldHistory removes entries older than cutoff.
func (d *Database) CleanOldHistory(ctx context.Context, cutoff time.Time) (int64, error) {
	res := d.db.WithContext(ctx).Where("timestamp < ?", cutoff.UTC()).Delete(&models.HistoryEntry{})
	if res.Error != nil {
		return 0, task.Storage("clean history", res.Error)
	}
	if res.RowsAffected > 0 {
		d.log.WithField("deleted", res.RowsAffected).Info("Cleaned old history")
	}
	return res.RowsAffected, nil
}

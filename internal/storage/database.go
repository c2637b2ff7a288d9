package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"lossly-go/internal/models"
	"lossly-go/internal/task"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// Database is the gorm/sqlite repository for jobs, items, history and settings.
type Database struct {
	db  *gorm.DB
	log *logrus.Entry
}

// Open opens (creating if needed) the sqlite database at path and migrates the schema.
func Open(path string, log *logrus.Logger) (*Database, error) {
	if log == nil {
		log = logrus.New()
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path+"?_busy_timeout=5000"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, task.Storage("open database", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, task.Storage("open database", err)
	}
	// the coordinator is the only writer per batch; one connection keeps sqlite writes serialized
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	if err := db.AutoMigrate(models.All()...); err != nil {
		return nil, task.Storage("migrate schema", err)
	}

	log.WithField("path", path).Info("Database opened")
	return &Database{db: db, log: log.WithField("component", "storage")}, nil
}

// Close closes the underlying connection.
func (d *Database) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// JobUpdate is a partial update of a batch job. Nil fields are left unchanged.
type JobUpdate struct {
	Status         *string
	CompletedItems *int
	FailedItems    *int
	TotalSaved     *int64
	CompletedAt    *time.Time
}

func (u JobUpdate) columns() map[string]interface{} {
	cols := make(map[string]interface{})
	if u.Status != nil {
		cols["status"] = *u.Status
	}
	if u.CompletedItems != nil {
		cols["completed_items"] = *u.CompletedItems
	}
	if u.FailedItems != nil {
		cols["failed_items"] = *u.FailedItems
	}
	if u.TotalSaved != nil {
		cols["total_saved"] = *u.TotalSaved
	}
	if u.CompletedAt != nil {
		cols["completed_at"] = *u.CompletedAt
	}
	return cols
}

// ItemUpdate is a partial update of a batch item. Nil fields are left unchanged.
type ItemUpdate struct {
	Status       *string
	Progress     *int
	OutputPath   *string
	OutputSize   *int64
	SavedBytes   *int64
	ErrorMessage *string
}

func (u ItemUpdate) columns() map[string]interface{} {
	cols := make(map[string]interface{})
	if u.Status != nil {
		cols["status"] = *u.Status
	}
	if u.Progress != nil {
		cols["progress"] = *u.Progress
	}
	if u.OutputPath != nil {
		cols["output_path"] = *u.OutputPath
	}
	if u.OutputSize != nil {
		cols["output_size"] = *u.OutputSize
	}
	if u.SavedBytes != nil {
		cols["saved_bytes"] = *u.SavedBytes
	}
	if u.ErrorMessage != nil {
		cols["error_message"] = *u.ErrorMessage
	}
	return cols
}

// CreateJob inserts a batch job, assigning an id when empty.
func (d *Database) CreateJob(ctx context.Context, job *models.BatchJob) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.Status == "" {
		job.Status = models.JobPending
	}
	if err := d.db.WithContext(ctx).Create(job).Error; err != nil {
		return task.Storage("create batch job", err)
	}
	return nil
}

// UpdateJob applies u to the job with the given id.
func (d *Database) UpdateJob(ctx context.Context, id string, u JobUpdate) error {
	cols := u.columns()
	if len(cols) == 0 {
		return nil
	}
	res := d.db.WithContext(ctx).Model(&models.BatchJob{}).Where("id = ?", id).Updates(cols)
	if res.Error != nil {
		return task.Storage("update batch job", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: batch job %s", ErrNotFound, id)
	}
	return nil
}

// GetJob loads a batch job.
func (d *Database) GetJob(ctx context.Context, id string) (*models.BatchJob, error) {
	var job models.BatchJob
	if err := d.db.WithContext(ctx).First(&job, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: batch job %s", ErrNotFound, id)
		}
		return nil, task.Storage("get batch job", err)
	}
	return &job, nil
}

// ListJobs returns the most recent jobs, optionally filtered by status.
func (d *Database) ListJobs(ctx context.Context, limit int, statuses ...string) ([]models.BatchJob, error) {
	q := d.db.WithContext(ctx).Order("created_at DESC")
	if len(statuses) > 0 {
		q = q.Where("status IN ?", statuses)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var jobs []models.BatchJob
	if err := q.Find(&jobs).Error; err != nil {
		return nil, task.Storage("list batch jobs", err)
	}
	return jobs, nil
}

// AddItem inserts a batch item, assigning an id when empty.
func (d *Database) AddItem(ctx context.Context, item *models.BatchItem) error {
	if item.ID == "" {
		item.ID = uuid.New().String()
	}
	if item.Status == "" {
		item.Status = models.ItemPending
	}
	if err := d.db.WithContext(ctx).Create(item).Error; err != nil {
		return task.Storage("add batch item", err)
	}
	return nil
}

// UpdateItem applies u to the item with the given id.
func (d *Database) UpdateItem(ctx context.Context, id string, u ItemUpdate) error {
	cols := u.columns()
	if len(cols) == 0 {
		return nil
	}
	res := d.db.WithContext(ctx).Model(&models.BatchItem{}).Where("id = ?", id).Updates(cols)
	if res.Error != nil {
		return task.Storage("update batch item", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: batch item %s", ErrNotFound, id)
	}
	return nil
}

// ListItems returns a job's items in submission order.
func (d *Database) ListItems(ctx context.Context, jobID string) ([]models.BatchItem, error) {
	var items []models.BatchItem
	err := d.db.WithContext(ctx).Where("batch_id = ?", jobID).Order("position ASC").Find(&items).Error
	if err != nil {
		return nil, task.Storage("list batch items", err)
	}
	return items, nil
}

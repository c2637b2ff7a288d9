package models

import (
	"encoding/json"
	"time"
)

// Batch job statuses.
const (
	JobPending    = "pending"
	JobProcessing = "processing"
	JobPaused     = "paused"
	JobCompleted  = "completed"
	JobFailed     = "failed"
	JobCancelled  = "cancelled"
)

// Batch item statuses.
const (
	ItemPending    = "pending"
	ItemProcessing = "processing"
	ItemCompleted  = "completed"
	ItemFailed     = "failed"
)

// History entry types.
const (
	TypeSingle     = "single-compress"
	TypeBatchItem  = "batch-item"
	TypeConversion = "conversion"
)

// JSONText is a JSON document stored as text. It marshals as raw JSON.
type JSONText string

func (j JSONText) MarshalJSON() ([]byte, error) {
	if j == "" || !json.Valid([]byte(j)) {
		return []byte("null"), nil
	}
	return []byte(j), nil
}

func (j *JSONText) UnmarshalJSON(data []byte) error {
	*j = JSONText(data)
	return nil
}

// ToJSONText marshals v, returning an empty document on failure.
func ToJSONText(v interface{}) JSONText {
	data, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return JSONText(data)
}

// BatchJob is a persisted batch of items.
type BatchJob struct {
	ID             string     `gorm:"primaryKey" json:"id"`
	Status         string     `gorm:"index;default:pending" json:"status"`
	TotalItems     int        `json:"totalItems"`
	CompletedItems int        `json:"completedItems"`
	FailedItems    int        `json:"failedItems"`
	TotalSaved     int64      `json:"totalSaved"`
	Settings       JSONText   `gorm:"type:text" json:"settings"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
	CompletedAt    *time.Time `json:"completedAt,omitempty"`
}

// Terminal reports whether the job reached completed, failed or cancelled.
func (j *BatchJob) Terminal() bool {
	switch j.Status {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	}
	return false
}

// BatchItem is one file of a batch job.
type BatchItem struct {
	ID           string    `gorm:"primaryKey" json:"id"`
	BatchID      string    `gorm:"index;not null" json:"batchId"`
	Position     int       `json:"position"`
	ClientID     string    `json:"clientId,omitempty"`
	OriginalName string    `json:"originalName"`
	OriginalPath string    `json:"originalPath"`
	OriginalSize int64     `json:"originalSize"`
	Status       string    `gorm:"index;default:pending" json:"status"`
	Progress     int       `json:"progress"`
	OutputPath   string    `json:"outputPath,omitempty"`
	OutputSize   int64     `json:"outputSize"`
	SavedBytes   int64     `json:"savedBytes"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// HistoryEntry is an append-only record of a finished operation.
type HistoryEntry struct {
	ID                  string    `gorm:"primaryKey" json:"id"`
	OriginalName        string    `json:"originalName"`
	OriginalPath        string    `json:"originalPath"`
	OriginalSize        int64     `json:"originalSize"`
	OriginalFormat      string    `json:"originalFormat"`
	OutputName          string    `json:"outputName"`
	OutputPath          string    `json:"outputPath"`
	OutputSize          int64     `json:"outputSize"`
	OutputFormat        string    `json:"outputFormat"`
	CompressedSize      int64     `json:"compressedSize"`
	SavedBytes          int64     `json:"savedBytes"`
	ReductionPercentage float64   `json:"reductionPercentage"`
	ProcessingTime      int64     `json:"processingTime"`
	Type                string    `gorm:"index" json:"type"`
	Status              string    `json:"status"`
	ErrorMessage        string    `json:"errorMessage,omitempty"`
	BatchID             string    `gorm:"index" json:"batchId,omitempty"`
	Settings            JSONText  `gorm:"type:text" json:"settings"`
	Timestamp           time.Time `gorm:"index" json:"timestamp"`
	CreatedAt           time.Time `json:"createdAt"`
}

// Setting is a key/value pair holding a JSON value.
type Setting struct {
	Key       string    `gorm:"primaryKey" json:"key"`
	Value     JSONText  `gorm:"type:text;not null" json:"value"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Preset is a named, reusable settings snapshot.
type Preset struct {
	ID        string    `gorm:"primaryKey" json:"id"`
	Name      string    `gorm:"not null" json:"name"`
	Settings  JSONText  `gorm:"type:text;not null" json:"settings"`
	CreatedAt time.Time `json:"createdAt"`
}

// All lists every model for migration.
func All() []interface{} {
	return []interface{}{&BatchJob{}, &BatchItem{}, &HistoryEntry{}, &Setting{}, &Preset{}}
}

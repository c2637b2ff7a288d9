package statistics

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"lossly-go/internal/models"
)

// Statistics aggregates compression history.
type Statistics struct {
	TotalImages         int64   `json:"totalImages"`
	FailedImages        int64   `json:"failedImages"`
	TotalOriginalSize   int64   `json:"totalOriginalSize"`
	TotalCompressedSize int64   `json:"totalCompressedSize"`
	TotalSaved          int64   `json:"totalSaved"`
	AverageReduction    int     `json:"averageReduction"`
	AverageProcessingMs float64 `json:"averageProcessingTime"`

	FormatBreakdown map[string]int64       `json:"formatBreakdown"`
	TypeBreakdown   map[string]int64       `json:"typeBreakdown"`
	DailyBreakdown  map[string]*DailyStats `json:"dailyBreakdown"`

	StartDate time.Time `json:"startDate,omitempty"`
	EndDate   time.Time `json:"endDate,omitempty"`

	reductionSum  float64
	processingSum int64

	mutex sync.RWMutex
}

// DailyStats holds the per-day counters.
type DailyStats struct {
	Count int64 `json:"count"`
	Saved int64 `json:"saved"`
}

// NewStatistics returns an empty Statistics with every history type present.
func NewStatistics() *Statistics {
	return &Statistics{
		FormatBreakdown: make(map[string]int64),
		TypeBreakdown: map[string]int64{
			models.TypeSingle:     0,
			models.TypeBatchItem:  0,
			models.TypeConversion: 0,
		},
		DailyBreakdown: make(map[string]*DailyStats),
	}
}

// Aggregate builds statistics over entries.
func Aggregate(entries []models.HistoryEntry) *Statistics {
	s := NewStatistics()
	for i := range entries {
		s.Add(&entries[i])
	}
	s.Finalize()
	return s
}

// Add folds one history entry into the totals. Failed entries are only counted.
func (s *Statistics) Add(e *models.HistoryEntry) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if e.Status == models.ItemFailed {
		s.FailedImages++
		return
	}

	s.TotalImages++
	s.TotalOriginalSize += e.OriginalSize
	compressed := e.CompressedSize
	if compressed == 0 {
		compressed = e.OutputSize
	}
	s.TotalCompressedSize += compressed
	s.TotalSaved += e.SavedBytes
	s.reductionSum += e.ReductionPercentage
	s.processingSum += e.ProcessingTime

	format := e.OutputFormat
	if format == "" || format == "unknown" {
		format = e.OriginalFormat
	}
	s.FormatBreakdown[format]++

	if e.Type != "" {
		s.TypeBreakdown[e.Type]++
	}

	ts := e.Timestamp.UTC()
	day := ts.Format("2006-01-02")
	d, ok := s.DailyBreakdown[day]
	if !ok {
		d = &DailyStats{}
		s.DailyBreakdown[day] = d
	}
	d.Count++
	d.Saved += e.SavedBytes

	if s.StartDate.IsZero() || ts.Before(s.StartDate) {
		s.StartDate = ts
	}
	if ts.After(s.EndDate) {
		s.EndDate = ts
	}
}

// Finalize computes the averages.
func (s *Statistics) Finalize() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.TotalImages > 0 {
		s.AverageReduction = int(math.Floor(s.reductionSum/float64(s.TotalImages) + 0.5))
		s.AverageProcessingMs = float64(s.processingSum) / float64(s.TotalImages)
	}
}

// GetSummary returns a formatted summary of all statistics.
func (s *Statistics) GetSummary() string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	period := "n/a"
	if !s.StartDate.IsZero() {
		period = fmt.Sprintf("%s - %s", s.StartDate.Format("2006-01-02"), s.EndDate.Format("2006-01-02"))
	}

	return fmt.Sprintf(`Lossly Compression Summary:

Images:
		Compressed: %d
		Failed: %d
		Period: %s

Sizes:
		Original: %s
		Compressed: %s
		Saved: %s
		Average Reduction: %d%%

Performance:
		Average Processing Time: %.0f ms

Types:
		Single: %d
		Batch: %d
		Conversion: %d`,
		s.TotalImages,
		s.FailedImages,
		period,
		formatBytes(s.TotalOriginalSize),
		formatBytes(s.TotalCompressedSize),
		formatBytes(s.TotalSaved),
		s.AverageReduction,
		s.AverageProcessingMs,
		s.TypeBreakdown[models.TypeSingle],
		s.TypeBreakdown[models.TypeBatchItem],
		s.TypeBreakdown[models.TypeConversion])
}

// GetFormatBreakdown returns a formatted breakdown of output formats.
func (s *Statistics) GetFormatBreakdown() string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	if len(s.FormatBreakdown) == 0 {
		return "No format statistics available"
	}

	formats := make([]string, 0, len(s.FormatBreakdown))
	for f := range s.FormatBreakdown {
		formats = append(formats, f)
	}
	sort.Strings(formats)

	var b strings.Builder
	b.WriteString("Format Breakdown:\n")
	for _, f := range formats {
		fmt.Fprintf(&b, "  %s: %d\n", f, s.FormatBreakdown[f])
	}
	return b.String()
}

// formatBytes returns a human-readable string for a byte count.
func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

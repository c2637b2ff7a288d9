package task

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Task is a single compression request. It is immutable once submitted.
type Task struct {
	ID        string   `json:"id"`
	InputPath string   `json:"inputPath"`
	Settings  Settings `json:"settings"`
}

// New returns a Task with a fresh id.
func New(inputPath string, settings Settings) Task {
	return Task{
		ID:        uuid.New().String(),
		InputPath: inputPath,
		Settings:  settings,
	}
}

// FormatSame keeps the input file's format.
const FormatSame = "same"

// Settings describes the requested output.
type Settings struct {
	Format   string    `json:"format"`
	Quality  int       `json:"quality"`
	Resize   *Resize   `json:"resize,omitempty"`
	Advanced *Advanced `json:"advanced,omitempty"`
}

// Resize bounds the output dimensions. Zero means unbounded.
type Resize struct {
	MaxWidth            int  `json:"maxWidth,omitempty"`
	MaxHeight           int  `json:"maxHeight,omitempty"`
	MaintainAspectRatio bool `json:"maintainAspectRatio"`
}

// Advanced holds encoder flags.
type Advanced struct {
	Progressive       *bool `json:"progressive,omitempty"`
	StripMetadata     bool  `json:"stripMetadata"`
	OptimizationLevel int   `json:"optimizationLevel,omitempty"`
}

// DefaultSettings mirrors the renderer's defaults.
func DefaultSettings() Settings {
	return Settings{Format: FormatSame, Quality: 85}
}

// outputFormats are the encodable targets. gif is written as webp.
var outputFormats = map[string]bool{
	"": true, FormatSame: true, "jpeg": true, "png": true, "webp": true, "gif": true, "tiff": true,
}

// Validate checks the output format and the settings ranges.
func (s Settings) Validate() error {
	if !outputFormats[NormalizeFormat(s.Format)] {
		return Invalid("unsupported output format: %s", s.Format)
	}
	if s.Quality < 0 || s.Quality > 100 {
		return Invalid("quality must be between 0 and 100, got %d", s.Quality)
	}
	if s.Resize != nil && (s.Resize.MaxWidth < 0 || s.Resize.MaxHeight < 0) {
		return Invalid("resize bounds must not be negative")
	}
	if s.Advanced != nil && (s.Advanced.OptimizationLevel < 0 || s.Advanced.OptimizationLevel > 9) {
		return Invalid("optimization level must be between 0 and 9, got %d", s.Advanced.OptimizationLevel)
	}
	return nil
}

// StripMetadata reports whether metadata should be dropped from the output.
func (s Settings) StripMetadata() bool {
	return s.Advanced != nil && s.Advanced.StripMetadata
}

// NormalizeFormat lowercases a format name and folds aliases ("jpg" -> "jpeg", "tif" -> "tiff").
func NormalizeFormat(format string) string {
	f := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(format)), ".")
	switch f {
	case "jpg":
		return "jpeg"
	case "tif":
		return "tiff"
	}
	return f
}

// Result is the payload produced for a finished task.
type Result struct {
	TaskID              string    `json:"taskId,omitempty"`
	WorkerID            string    `json:"workerId,omitempty"`
	OriginalPath        string    `json:"originalPath"`
	OriginalSize        int64     `json:"originalSize"`
	OriginalFormat      string    `json:"originalFormat"`
	OutputPath          string    `json:"outputPath"`
	OutputName          string    `json:"outputName"`
	OutputSize          int64     `json:"outputSize"`
	OutputFormat        string    `json:"outputFormat"`
	CompressedSize      int64     `json:"compressedSize"`
	SavedBytes          int64     `json:"savedBytes"`
	ReductionPercentage float64   `json:"reductionPercentage"`
	ProcessingTime      int64     `json:"processingTime"`
	StartedAt           time.Time `json:"startedAt"`
	FinishedAt          time.Time `json:"finishedAt"`
}

// Normalize replaces non-finite or negative numerics with 0.
func (r *Result) Normalize() {
	r.OriginalSize = nonNegative(r.OriginalSize)
	r.OutputSize = nonNegative(r.OutputSize)
	r.CompressedSize = nonNegative(r.CompressedSize)
	r.SavedBytes = nonNegative(r.SavedBytes)
	r.ProcessingTime = nonNegative(r.ProcessingTime)
	r.ReductionPercentage = FiniteOrZero(r.ReductionPercentage)
	if r.ReductionPercentage < 0 {
		r.ReductionPercentage = 0
	}
}

// Savings returns the bytes saved and the rounded reduction percentage,
// both clamped at zero when the output is not smaller than the original.
func Savings(originalSize, outputSize int64) (int64, int) {
	if originalSize <= 0 || outputSize >= originalSize {
		return 0, 0
	}
	saved := originalSize - outputSize
	pct := math.Floor(float64(saved)/float64(originalSize)*100 + 0.5)
	return saved, int(pct)
}

// FiniteOrZero maps NaN and ±Inf to 0.
func FiniteOrZero(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

func nonNegative(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}

// String implements fmt.Stringer.
func (t Task) String() string {
	return fmt.Sprintf("task %s (%s)", t.ID, t.InputPath)
}

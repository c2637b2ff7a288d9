package compressor

import (
	"context"

	"lossly-go/internal/task"
)

// Output describes the file written for a single transform.
type Output struct {
	Path   string
	Name   string
	Size   int64
	Format string
}

// ProgressFunc receives stage percentages while a transform runs.
type ProgressFunc func(pct int)

// Transformer defines the interface for image compression.
type Transformer interface {
	// Transform encodes inputPath according to settings into a freshly named file.
	// The input file is never modified.
	Transform(ctx context.Context, inputPath string, settings task.Settings, progress ProgressFunc) (*Output, error)
}

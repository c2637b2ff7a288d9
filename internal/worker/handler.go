package worker

import (
	"context"
	"fmt"
	"os"
	"time"

	"lossly-go/internal/compressor"
	"lossly-go/internal/task"
)

// Handler runs a single compress request against a Transformer.
type Handler struct {
	transformer compressor.Transformer
}

// NewHandler returns a Handler backed by t.
func NewHandler(t compressor.Transformer) *Handler {
	return &Handler{transformer: t}
}

// Handle validates the request, runs the transform and emits progress followed by
// exactly one terminal message.
func (h *Handler) Handle(ctx context.Context, req Request, emit func(Message)) {
	start := time.Now()
	last := 0
	progress := func(p int) {
		p = min(max(p, last), 100)
		last = p
		emit(Message{Type: TypeProgress, TaskID: req.TaskID, Progress: p})
	}
	fail := func(code, msg string, cause error) {
		info := &ErrorInfo{Code: code, Message: msg}
		if cause != nil {
			info.Cause = cause.Error()
		}
		emit(Message{Type: TypeError, TaskID: req.TaskID, Error: info})
	}

	if req.Type != TypeCompress {
		fail(CodeFailed, fmt.Sprintf("unknown message type: %s", req.Type), nil)
		return
	}

	path := req.Data.InputPath
	settings := req.Data.Settings
	if path == "" {
		fail(CodeInvalidInput, "missing required parameters", nil)
		return
	}
	info, err := os.Stat(path)
	if err != nil {
		fail(CodeInvalidInput, "input file not found", err)
		return
	}
	if info.IsDir() {
		fail(CodeInvalidInput, "input is a directory", nil)
		return
	}
	f, err := os.Open(path)
	if err != nil {
		fail(CodeInvalidInput, "input file not readable", err)
		return
	}
	_ = f.Close()
	if err := settings.Validate(); err != nil {
		fail(CodeInvalidInput, "invalid settings", err)
		return
	}

	originalSize := info.Size()
	originalFormat := compressor.FormatFromPath(path)
	progress(10)

	out, err := h.transformer.Transform(ctx, path, settings, progress)
	if err != nil {
		fail(CodeFailed, "compression failed", err)
		return
	}

	saved, pct := task.Savings(originalSize, out.Size)
	finished := time.Now()
	res := &task.Result{
		TaskID:              req.TaskID,
		OriginalPath:        path,
		OriginalSize:        originalSize,
		OriginalFormat:      originalFormat,
		OutputPath:          out.Path,
		OutputName:          out.Name,
		OutputSize:          out.Size,
		OutputFormat:        out.Format,
		CompressedSize:      out.Size,
		SavedBytes:          saved,
		ReductionPercentage: float64(pct),
		ProcessingTime:      finished.Sub(start).Milliseconds(),
		StartedAt:           start,
		FinishedAt:          finished,
	}
	res.Normalize()

	progress(100)
	emit(Message{Type: TypeComplete, TaskID: req.TaskID, Result: res})
}

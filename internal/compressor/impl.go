package compressor

import (
	"context"
	"fmt"
	"image"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	_ "golang.org/x/image/webp"

	"lossly-go/internal/task"
)

// DefaultCompressor is the default implementation of the Transformer interface.
type DefaultCompressor struct {
	outputDir string
	log       *logrus.Logger
}

// NewDefaultCompressor creates a DefaultCompressor writing into outputDir.
func NewDefaultCompressor(outputDir string, log *logrus.Logger) *DefaultCompressor {
	return &DefaultCompressor{outputDir: outputDir, log: log}
}

// OutputDir returns the directory outputs are written to.
func (c *DefaultCompressor) OutputDir() string {
	return c.outputDir
}

// Transform decodes, orients, resizes and re-encodes a single image.
func (c *DefaultCompressor) Transform(ctx context.Context, inputPath string, settings task.Settings, progress ProgressFunc) (*Output, error) {
	if progress == nil {
		progress = func(int) {}
	}

	originalFormat := FormatFromPath(inputPath)
	format := ResolveFormat(settings.Format, originalFormat)

	orientation := readOrientation(inputPath)
	src, err := imaging.Open(inputPath)
	if err != nil {
		return nil, fmt.Errorf("open image: %w", err)
	}
	var img image.Image = applyOrientation(src, orientation)

	if settings.Resize != nil {
		b := img.Bounds()
		if w, h, ok := targetSize(b.Dx(), b.Dy(), *settings.Resize); ok {
			img = imaging.Resize(img, w, h, imaging.Lanczos)
		}
	}
	progress(30)

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(c.outputDir, 0755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	name := outputName(inputPath, format)
	outPath := filepath.Join(c.outputDir, name)
	tmpPath := outPath + ".tmp"

	if err := encodeFile(tmpPath, img, format, settings); err != nil {
		_ = os.Remove(tmpPath)
		return nil, err
	}
	progress(60)

	if !settings.StripMetadata() && format == "jpeg" && originalFormat == "jpeg" {
		if err := copyMetadata(inputPath, tmpPath); err != nil {
			c.log.WithFields(logrus.Fields{
				"file":      inputPath,
				"operation": "copy_metadata",
			}).Debugf("metadata not copied: %v", err)
		}
	}
	progress(80)

	if err := os.Rename(tmpPath, outPath); err != nil {
		_ = os.Remove(tmpPath)
		return nil, fmt.Errorf("rename output: %w", err)
	}
	info, err := os.Stat(outPath)
	if err != nil {
		return nil, fmt.Errorf("stat output: %w", err)
	}

	return &Output{
		Path:   outPath,
		Name:   name,
		Size:   info.Size(),
		Format: format,
	}, nil
}

// FormatFromPath returns the normalized format implied by the file extension.
func FormatFromPath(path string) string {
	return task.NormalizeFormat(filepath.Ext(path))
}

// ResolveFormat picks the effective output format. GIF output is produced as WebP,
// and formats without an encoder fall back to JPEG.
func ResolveFormat(requested, original string) string {
	f := task.NormalizeFormat(requested)
	if f == "" || f == task.FormatSame {
		f = original
	}
	switch f {
	case "jpeg", "png", "webp", "tiff":
		return f
	case "gif":
		return "webp"
	default:
		return "jpeg"
	}
}

// targetSize computes resize dimensions. With an aspect ratio kept the image is fit
// inside the bounds; it is never enlarged.
func targetSize(srcW, srcH int, r task.Resize) (int, int, bool) {
	if r.MaxWidth <= 0 && r.MaxHeight <= 0 {
		return srcW, srcH, false
	}

	if r.MaintainAspectRatio {
		scale := 1.0
		if r.MaxWidth > 0 && srcW > r.MaxWidth {
			scale = min(scale, float64(r.MaxWidth)/float64(srcW))
		}
		if r.MaxHeight > 0 && srcH > r.MaxHeight {
			scale = min(scale, float64(r.MaxHeight)/float64(srcH))
		}
		if scale >= 1 {
			return srcW, srcH, false
		}
		w := max(1, int(math.Round(float64(srcW)*scale)))
		h := max(1, int(math.Round(float64(srcH)*scale)))
		return w, h, true
	}

	w, h := srcW, srcH
	if r.MaxWidth > 0 && r.MaxWidth < srcW {
		w = r.MaxWidth
	}
	if r.MaxHeight > 0 && r.MaxHeight < srcH {
		h = r.MaxHeight
	}
	return w, h, w != srcW || h != srcH
}

func encodeFile(path string, img image.Image, format string, s task.Settings) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create output: %w", err)
	}

	switch format {
	case "jpeg":
		// image/jpeg writes baseline only, so Advanced.Progressive has no effect.
		err = imaging.Encode(f, img, imaging.JPEG, imaging.JPEGQuality(max(1, s.Quality)))
	case "png":
		err = imaging.Encode(f, img, imaging.PNG, imaging.PNGCompressionLevel(pngLevel(s)))
	case "tiff":
		err = imaging.Encode(f, img, imaging.TIFF)
	case "webp":
		err = webp.Encode(f, img, &webp.Options{
			Lossless: s.Quality == 100,
			Quality:  float32(s.Quality),
		})
	default:
		err = fmt.Errorf("unsupported output format: %s", format)
	}
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("encode %s: %w", format, err)
	}

	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("sync output: %w", err)
	}
	return f.Close()
}

// pngLevel maps the 0-9 optimization level onto the encoder's presets. 0 means the default of 6.
func pngLevel(s task.Settings) png.CompressionLevel {
	level := 6
	if s.Advanced != nil && s.Advanced.OptimizationLevel > 0 {
		level = s.Advanced.OptimizationLevel
	}
	switch {
	case level >= 7:
		return png.BestCompression
	case level <= 2:
		return png.BestSpeed
	default:
		return png.DefaultCompression
	}
}

func outputName(inputPath, format string) string {
	base := strings.TrimSuffix(filepath.Base(inputPath), filepath.Ext(inputPath))
	ext := format
	if format == "jpeg" {
		ext = "jpg"
	}
	return fmt.Sprintf("%s_compressed_%s.%s", base, uuid.New().String(), ext)
}

package compressor

import (
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/sirupsen/logrus"

	"lossly-go/internal/task"
)

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func createTestImage(t *testing.T, width, height int, path string) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.RGBA{uint8((x * 255) / width), uint8((y * 255) / height), 128, 255})
		}
	}

	file, err := os.Create(path)
	if err != nil {
		t.Fatalf("Failed to create test image: %v", err)
	}
	defer file.Close()

	if err := jpeg.Encode(file, img, &jpeg.Options{Quality: 100}); err != nil {
		t.Fatalf("Failed to encode test image: %v", err)
	}
}

func TestTransform_JPEGSameFormat(t *testing.T) {
	tmpDir := t.TempDir()
	input := filepath.Join(tmpDir, "photo.jpg")
	createTestImage(t, 400, 300, input)

	c := NewDefaultCompressor(filepath.Join(tmpDir, "out"), quietLogger())

	var stages []int
	out, err := c.Transform(context.Background(), input, task.Settings{Format: "same", Quality: 40}, func(p int) {
		stages = append(stages, p)
	})
	if err != nil {
		t.Fatalf("Transform failed: %v", err)
	}

	if out.Format != "jpeg" {
		t.Errorf("Expected jpeg output, got %s", out.Format)
	}
	if !strings.HasPrefix(out.Name, "photo_compressed_") || !strings.HasSuffix(out.Name, ".jpg") {
		t.Errorf("Unexpected output name %s", out.Name)
	}
	if out.Path == input {
		t.Fatal("Output must never overwrite the input")
	}

	info, err := os.Stat(out.Path)
	if err != nil {
		t.Fatalf("Output file missing: %v", err)
	}
	if info.Size() != out.Size {
		t.Errorf("Expected reported size %d to match file size %d", out.Size, info.Size())
	}

	orig, _ := os.Stat(input)
	if out.Size >= orig.Size() {
		t.Errorf("Expected quality 40 output (%d) to be smaller than quality 100 input (%d)", out.Size, orig.Size())
	}

	for i := 1; i < len(stages); i++ {
		if stages[i] < stages[i-1] {
			t.Errorf("Progress went backwards: %v", stages)
		}
	}
}

func TestTransform_UniqueOutputNames(t *testing.T) {
	tmpDir := t.TempDir()
	input := filepath.Join(tmpDir, "a.jpg")
	createTestImage(t, 32, 32, input)
	c := NewDefaultCompressor(tmpDir, quietLogger())

	first, err := c.Transform(context.Background(), input, task.DefaultSettings(), nil)
	if err != nil {
		t.Fatalf("Transform failed: %v", err)
	}
	second, err := c.Transform(context.Background(), input, task.DefaultSettings(), nil)
	if err != nil {
		t.Fatalf("Transform failed: %v", err)
	}
	if first.Path == second.Path {
		t.Errorf("Expected distinct output paths, got %s twice", first.Path)
	}
}

func TestTransform_ResizeFitInside(t *testing.T) {
	tmpDir := t.TempDir()
	input := filepath.Join(tmpDir, "wide.jpg")
	createTestImage(t, 800, 400, input)
	c := NewDefaultCompressor(tmpDir, quietLogger())

	settings := task.Settings{
		Format:  "png",
		Quality: 80,
		Resize:  &task.Resize{MaxWidth: 200, MaxHeight: 200, MaintainAspectRatio: true},
	}
	out, err := c.Transform(context.Background(), input, settings, nil)
	if err != nil {
		t.Fatalf("Transform failed: %v", err)
	}
	if out.Format != "png" {
		t.Errorf("Expected png output, got %s", out.Format)
	}

	f, err := os.Open(out.Path)
	if err != nil {
		t.Fatalf("Failed to open output: %v", err)
	}
	defer f.Close()
	img, err := png.Decode(f)
	if err != nil {
		t.Fatalf("Failed to decode output: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 200 || b.Dy() != 100 {
		t.Errorf("Expected 200x100, got %dx%d", b.Dx(), b.Dy())
	}
}

func TestTransform_GIFBecomesWebP(t *testing.T) {
	tmpDir := t.TempDir()
	input := filepath.Join(tmpDir, "anim.jpg")
	createTestImage(t, 64, 64, input)
	c := NewDefaultCompressor(tmpDir, quietLogger())

	out, err := c.Transform(context.Background(), input, task.Settings{Format: "gif", Quality: 70}, nil)
	if err != nil {
		t.Fatalf("Transform failed: %v", err)
	}
	if out.Format != "webp" || !strings.HasSuffix(out.Name, ".webp") {
		t.Errorf("Expected webp substitution, got format %s name %s", out.Format, out.Name)
	}
}

func TestTransform_MissingInput(t *testing.T) {
	c := NewDefaultCompressor(t.TempDir(), quietLogger())
	if _, err := c.Transform(context.Background(), "/nonexistent/file.jpg", task.DefaultSettings(), nil); err == nil {
		t.Fatal("Expected error for missing input")
	}
}

func TestResolveFormat(t *testing.T) {
	tests := []struct {
		requested string
		original  string
		expected  string
	}{
		{"same", "jpeg", "jpeg"},
		{"", "png", "png"},
		{"jpg", "png", "jpeg"},
		{"gif", "png", "webp"},
		{"same", "gif", "webp"},
		{"avif", "jpeg", "jpeg"},
		{"bogus", "png", "jpeg"},
		{"TIFF", "jpeg", "tiff"},
	}
	for _, tt := range tests {
		if got := ResolveFormat(tt.requested, tt.original); got != tt.expected {
			t.Errorf("ResolveFormat(%q, %q) = %q, expected %q", tt.requested, tt.original, got, tt.expected)
		}
	}
}

func TestTargetSize(t *testing.T) {
	tests := []struct {
		name         string
		w, h         int
		resize       task.Resize
		expW, expH   int
		expectResize bool
	}{
		{"no bounds", 100, 50, task.Resize{}, 100, 50, false},
		{"fit width", 1000, 500, task.Resize{MaxWidth: 500, MaintainAspectRatio: true}, 500, 250, true},
		{"fit height", 1000, 500, task.Resize{MaxHeight: 100, MaintainAspectRatio: true}, 200, 100, true},
		{"never enlarge", 100, 50, task.Resize{MaxWidth: 500, MaxHeight: 500, MaintainAspectRatio: true}, 100, 50, false},
		{"fill", 1000, 500, task.Resize{MaxWidth: 300, MaxHeight: 300}, 300, 300, true},
		{"fill no enlarge", 100, 500, task.Resize{MaxWidth: 300, MaxHeight: 300}, 100, 300, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, h, ok := targetSize(tt.w, tt.h, tt.resize)
			if w != tt.expW || h != tt.expH || ok != tt.expectResize {
				t.Errorf("targetSize = (%d, %d, %v), expected (%d, %d, %v)", w, h, ok, tt.expW, tt.expH, tt.expectResize)
			}
		})
	}
}

func TestApplyOrientation(t *testing.T) {
	img := imaging.New(40, 20, color.White)

	if b := applyOrientation(img, 1).Bounds(); b.Dx() != 40 || b.Dy() != 20 {
		t.Errorf("Orientation 1 should keep dimensions, got %v", b)
	}
	for _, o := range []int{5, 6, 7, 8} {
		if b := applyOrientation(img, o).Bounds(); b.Dx() != 20 || b.Dy() != 40 {
			t.Errorf("Orientation %d should swap dimensions, got %v", o, b)
		}
	}
}

func TestReadOrientation_NoExif(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plain.jpg")
	createTestImage(t, 10, 10, path)
	if o := readOrientation(path); o != 1 {
		t.Errorf("Expected default orientation 1, got %d", o)
	}
}

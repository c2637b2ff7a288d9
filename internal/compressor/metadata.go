package compressor

import (
	"fmt"
	"image"
	"os"
	"os/exec"
	"sync"

	"github.com/barasher/go-exiftool"
	"github.com/disintegration/imaging"
	"github.com/rwcarlsen/goexif/exif"
)

// readOrientation returns the EXIF orientation (1-8), or 1 when absent.
func readOrientation(path string) int {
	f, err := os.Open(path)
	if err != nil {
		return 1
	}
	defer f.Close()

	x, err := exif.Decode(f)
	if err != nil {
		return 1
	}
	tag, err := x.Get(exif.Orientation)
	if err != nil {
		return 1
	}
	v, err := tag.Int(0)
	if err != nil || v < 1 || v > 8 {
		return 1
	}
	return v
}

// applyOrientation bakes an EXIF orientation into the pixels.
func applyOrientation(img image.Image, orientation int) image.Image {
	switch orientation {
	case 2:
		return imaging.FlipH(img)
	case 3:
		return imaging.Rotate180(img)
	case 4:
		return imaging.FlipV(img)
	case 5:
		return imaging.Transpose(img)
	case 6:
		return imaging.Rotate270(img)
	case 7:
		return imaging.Transverse(img)
	case 8:
		return imaging.Rotate90(img)
	default:
		return img
	}
}

var (
	exiftoolOnce  sync.Once
	exiftoolFound bool
)

// exiftoolAvailable reports whether an exiftool binary can be started.
func exiftoolAvailable() bool {
	exiftoolOnce.Do(func() {
		et, err := exiftool.NewExiftool()
		if err != nil {
			return
		}
		_ = et.Close()
		exiftoolFound = true
	})
	return exiftoolFound
}

// copyMetadata copies tags from src to dst. Orientation is reset because the
// pixels were already rotated.
func copyMetadata(src, dst string) error {
	if !exiftoolAvailable() {
		return fmt.Errorf("exiftool not available")
	}
	cmdCopy := exec.Command("exiftool", "-TagsFromFile", src, "-overwrite_original", dst)
	if err := cmdCopy.Run(); err != nil {
		return fmt.Errorf("exiftool copy failed: %v", err)
	}
	cmdOrient := exec.Command("exiftool", "-overwrite_original", "-n", "-Orientation=1", dst)
	if err := cmdOrient.Run(); err != nil {
		return fmt.Errorf("exiftool reset orientation failed: %v", err)
	}
	return nil
}

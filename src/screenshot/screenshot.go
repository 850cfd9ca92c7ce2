package screenshot

import (
	"errors"
	"fmt"
	"image"
	"strconv"
	"strings"

	"github.com/kbinani/screenshot"

	"translatable/src/clipboard"
)

var ErrNoDisplay = errors.New("no active displays found")

// Region is a rectangle in virtual-screen coordinates.
type Region struct {
	X      int
	Y      int
	Width  int
	Height int
}

func (r Region) Rect() image.Rectangle {
	return image.Rect(r.X, r.Y, r.X+r.Width, r.Y+r.Height)
}

// ParseRegion parses "x,y,width,height".
func ParseRegion(s string) (Region, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return Region{}, fmt.Errorf("region %q: want x,y,width,height", s)
	}
	var v [4]int
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return Region{}, fmt.Errorf("region %q: %w", s, err)
		}
		v[i] = n
	}
	r := Region{X: v[0], Y: v[1], Width: v[2], Height: v[3]}
	if r.Width <= 0 || r.Height <= 0 {
		return Region{}, fmt.Errorf("invalid region dimensions: width=%d, height=%d", r.Width, r.Height)
	}
	return r, nil
}

// VirtualBounds is the union of all active display bounds.
func VirtualBounds() (image.Rectangle, error) {
	n := screenshot.NumActiveDisplays()
	if n == 0 {
		return image.Rectangle{}, ErrNoDisplay
	}
	union := screenshot.GetDisplayBounds(0)
	for i := 1; i < n; i++ {
		union = union.Union(screenshot.GetDisplayBounds(i))
	}
	return union, nil
}

// Capture grabs region, or the whole virtual screen when region is zero, as a
// PNG blob ready for the pipeline.
func Capture(region Region) (clipboard.Blob, error) {
	rect := region.Rect()
	if region == (Region{}) {
		var err error
		if rect, err = VirtualBounds(); err != nil {
			return clipboard.Blob{}, err
		}
	} else if region.Width <= 0 || region.Height <= 0 {
		return clipboard.Blob{}, fmt.Errorf("invalid region dimensions: width=%d, height=%d", region.Width, region.Height)
	}

	img, err := screenshot.CaptureRect(rect)
	if err != nil {
		return clipboard.Blob{}, fmt.Errorf("failed to capture region: %w", err)
	}
	return clipboard.Encode(img, clipboard.FormatPNG)
}

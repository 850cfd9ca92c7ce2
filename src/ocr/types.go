package ocr

import (
	"context"
	"fmt"
	"image"
	"iter"

	"translatable/src/clipboard"
)

// Rect is a box in the unit square with its origin at the bottom-left corner
// of the image, the recognizer's native convention.
type Rect struct {
	X      float64
	Y      float64
	Width  float64
	Height float64
}

// FromPixels normalizes a top-left-origin pixel rectangle inside bounds.
func FromPixels(r image.Rectangle, bounds image.Rectangle) Rect {
	w, h := float64(bounds.Dx()), float64(bounds.Dy())
	if w <= 0 || h <= 0 {
		return Rect{}
	}
	r = r.Intersect(bounds).Sub(bounds.Min)
	return Rect{
		X:      float64(r.Min.X) / w,
		Y:      (h - float64(r.Max.Y)) / h,
		Width:  float64(r.Dx()) / w,
		Height: float64(r.Dy()) / h,
	}
}

// Region is one recognized run of text.
type Region struct {
	Text       string
	Box        Rect
	Confidence float64
}

// Recognizer extracts text regions from an image.
//
// The returned sequence is lazy and single-pass: ranging over it a second time
// yields nothing. A nil error with an empty sequence means the image has no
// text; an image the engine cannot process is a *RecognitionError.
type Recognizer interface {
	Recognize(ctx context.Context, blob clipboard.Blob) (iter.Seq[Region], error)
}

// RecognitionError reports that the engine could not process an image.
type RecognitionError struct {
	Engine string
	Err    error
}

func (e *RecognitionError) Error() string {
	return fmt.Sprintf("%s recognition failed: %v", e.Engine, e.Err)
}

func (e *RecognitionError) Unwrap() error { return e.Err }

// OnePass wraps next so the sequence can be consumed only once.
func OnePass[T any](seq iter.Seq[T]) iter.Seq[T] {
	used := false
	return func(yield func(T) bool) {
		if used {
			return
		}
		used = true
		seq(yield)
	}
}

// Collect drains seq in order.
func Collect(seq iter.Seq[Region]) []Region {
	var out []Region
	for r := range seq {
		out = append(out, r)
	}
	return out
}

// Static is a Recognizer returning fixed regions, for tests and offline runs.
type Static struct {
	Regions []Region
	Err     error
}

func (s Static) Recognize(ctx context.Context, blob clipboard.Blob) (iter.Seq[Region], error) {
	if s.Err != nil {
		return nil, &RecognitionError{Engine: "static", Err: s.Err}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	regions := append([]Region(nil), s.Regions...)
	return OnePass(func(yield func(Region) bool) {
		for _, r := range regions {
			if !yield(r) {
				return
			}
		}
	}), nil
}

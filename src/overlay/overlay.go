// Package overlay draws translated text over the regions it was recognized in.
package overlay

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"log/slog"
	"math"
	"os"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"

	"translatable/src/clipboard"
	"translatable/src/ocr"
	"translatable/src/translate"
)

const (
	DefaultFontSize = 14
	strokeWidth     = 2
	textPadding     = 2
)

var (
	strokeColor = color.RGBA{R: 0xe0, G: 0x20, B: 0x20, A: 0xff}
	fillColor   = color.NRGBA{R: 0xff, G: 0xff, B: 0xff, A: 0xc0}
	textColor   = color.Black
)

// CompositionError reports a failure to decode, draw or re-encode an image.
type CompositionError struct {
	Op  string
	Err error
}

func (e *CompositionError) Error() string {
	return fmt.Sprintf("overlay %s: %v", e.Op, e.Err)
}

func (e *CompositionError) Unwrap() error { return e.Err }

// Compositor renders regions with a single fixed face.
type Compositor struct {
	face font.Face
}

// New returns a Compositor using the TTF/OTF font at fontPath, or the built-in
// bitmap face when fontPath is empty.
func New(fontPath string) (*Compositor, error) {
	if fontPath == "" {
		return &Compositor{face: basicfont.Face7x13}, nil
	}
	data, err := os.ReadFile(fontPath)
	if err != nil {
		return nil, fmt.Errorf("read overlay font: %w", err)
	}
	f, err := opentype.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse overlay font %s: %w", fontPath, err)
	}
	face, err := opentype.NewFace(f, &opentype.FaceOptions{Size: DefaultFontSize, DPI: 72, Hinting: font.HintingFull})
	if err != nil {
		return nil, fmt.Errorf("create overlay face: %w", err)
	}
	return &Compositor{face: face}, nil
}

// ToPixelRect converts a bottom-left-origin unit rect into a top-left-origin
// pixel rectangle of an image of the given size.
func ToPixelRect(r ocr.Rect, width, height int) image.Rectangle {
	w, h := float64(width), float64(height)
	x0 := int(math.Round(r.X * w))
	y0 := int(math.Round((1 - r.Y - r.Height) * h))
	return image.Rect(x0, y0, x0+int(math.Round(r.Width*w)), y0+int(math.Round(r.Height*h)))
}

// Composite draws regions in order onto a copy of blob and re-encodes it in
// blob's format. With no regions the input is returned as is.
func (c *Compositor) Composite(blob clipboard.Blob, regions []translate.Region) (clipboard.Blob, error) {
	if len(regions) == 0 {
		return blob, nil
	}

	src, err := blob.Decode()
	if err != nil {
		return clipboard.Blob{}, &CompositionError{Op: "decode", Err: err}
	}
	b := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)

	for i, r := range regions {
		rect := ToPixelRect(r.Box, b.Dx(), b.Dy()).Intersect(dst.Bounds())
		if rect.Empty() {
			slog.Debug("region outside image", "stage", "composite", "region", i, "box", r.Box)
			continue
		}
		draw.Draw(dst, rect, image.NewUniform(fillColor), image.Point{}, draw.Over)
		strokeRect(dst, rect, strokeColor, strokeWidth)
		c.drawText(dst, rect, r.Translated)
	}

	out, err := clipboard.Encode(dst, blob.Format())
	if err != nil {
		return clipboard.Blob{}, &CompositionError{Op: "encode", Err: err}
	}
	return out, nil
}

func strokeRect(dst draw.Image, r image.Rectangle, c color.Color, width int) {
	u := image.NewUniform(c)
	w := min(width, r.Dx(), r.Dy())
	for _, edge := range []image.Rectangle{
		image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+w),
		image.Rect(r.Min.X, r.Max.Y-w, r.Max.X, r.Max.Y),
		image.Rect(r.Min.X, r.Min.Y, r.Min.X+w, r.Max.Y),
		image.Rect(r.Max.X-w, r.Min.Y, r.Max.X, r.Max.Y),
	} {
		draw.Draw(dst, edge, u, image.Point{}, draw.Src)
	}
}

// drawText renders text from the top-left of r, clipped to r.
func (c *Compositor) drawText(dst *image.RGBA, r image.Rectangle, text string) {
	if text == "" {
		return
	}
	clip, ok := dst.SubImage(r).(*image.RGBA)
	if !ok {
		return
	}
	ascent := c.face.Metrics().Ascent
	d := &font.Drawer{
		Dst:  clip,
		Src:  image.NewUniform(textColor),
		Face: c.face,
		Dot:  fixed.Point26_6{X: fixed.I(r.Min.X + strokeWidth + textPadding), Y: fixed.I(r.Min.Y+strokeWidth) + ascent},
	}
	d.DrawString(text)
}

package ocr

import (
	"context"
	"errors"
	"fmt"
	"image"
	"iter"
	"log/slog"
	"strings"

	"github.com/otiai10/gosseract/v2"

	"translatable/src/clipboard"
)

const engineName = "tesseract"

// Tesseract recognizes text lines with the gosseract client.
type Tesseract struct {
	languages     []string
	clientFactory func() *gosseract.Client
}

func NewTesseract(languages ...string) *Tesseract {
	return &Tesseract{languages: languages, clientFactory: gosseract.NewClient}
}

func (e *Tesseract) Name() string { return engineName }

type lineBox struct {
	text       string
	box        image.Rectangle
	confidence float64
}

// Recognize runs the engine in full-page mode with dictionary correction and
// returns one region per text line. The engine call itself is not
// cancellable; on ctx expiry the result is abandoned.
func (e *Tesseract) Recognize(ctx context.Context, blob clipboard.Blob) (iter.Seq[Region], error) {
	cfg, err := blob.Config()
	if err != nil {
		return nil, &RecognitionError{Engine: engineName, Err: fmt.Errorf("decode header: %w", err)}
	}
	bounds := image.Rect(0, 0, cfg.Width, cfg.Height)
	data := blob.Bytes()

	resCh := make(chan struct {
		lines []lineBox
		err   error
	}, 1)
	go func() {
		lines, err := e.lines(data)
		resCh <- struct {
			lines []lineBox
			err   error
		}{lines, err}
	}()

	var lines []lineBox
	select {
	case r := <-resCh:
		if r.err != nil {
			return nil, &RecognitionError{Engine: engineName, Err: r.err}
		}
		lines = r.lines
	case <-ctx.Done():
		// Allow the engine to finish in background; its result is dropped.
		return nil, ctx.Err()
	}

	slog.Debug("ocr finished", "engine", engineName, "lines", len(lines))
	return OnePass(func(yield func(Region) bool) {
		for _, l := range lines {
			if !yield(Region{Text: l.text, Box: FromPixels(l.box, bounds), Confidence: l.confidence}) {
				return
			}
		}
	}), nil
}

func (e *Tesseract) lines(data []byte) ([]lineBox, error) {
	c := e.clientFactory()
	defer c.Close()

	if err := c.SetImageFromBytes(data); err != nil {
		return nil, fmt.Errorf("set image: %w", err)
	}
	if len(e.languages) > 0 {
		if err := c.SetLanguage(e.languages...); err != nil {
			return nil, fmt.Errorf("set languages: %w", err)
		}
	}
	if err := c.SetPageSegMode(gosseract.PSM_AUTO); err != nil {
		return nil, fmt.Errorf("set page segmentation: %w", err)
	}
	if err := c.SetVariable(gosseract.SettableVariable("tessedit_enable_dict_correction"), "1"); err != nil {
		return nil, fmt.Errorf("set dictionary correction: %w", err)
	}

	boxes, err := c.GetBoundingBoxes(gosseract.RIL_TEXTLINE)
	if err != nil {
		return nil, fmt.Errorf("recognize lines: %w", err)
	}

	lines := make([]lineBox, 0, len(boxes))
	for _, b := range boxes {
		text := strings.TrimSpace(b.Word)
		if text == "" || b.Box.Empty() {
			continue
		}
		lines = append(lines, lineBox{text: text, box: b.Box, confidence: clampConfidence(b.Confidence / 100.0)})
	}
	return lines, nil
}

func clampConfidence(c float64) float64 {
	switch {
	case c < 0:
		return 0
	case c > 1:
		return 1
	}
	return c
}

// IsRecognitionError reports whether err came from the engine rather than
// from cancellation.
func IsRecognitionError(err error) bool {
	var re *RecognitionError
	return errors.As(err, &re)
}

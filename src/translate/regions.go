package translate

import (
	"context"
	"log/slog"

	"translatable/src/ocr"
	"translatable/src/worker"
)

// Region is a recognized region with its translation. Err is set when the
// call failed and Translated holds FailedText.
type Region struct {
	ocr.Region
	Translated string
	Err        error
}

// Regions translates every region through pool and keeps recognizer order.
// A failed region gets FailedText. When ctx ends early the full-length result
// is still returned alongside ctx.Err(): regions that finished keep their
// translation and the rest carry FailedText, so the caller decides whether
// partial output is usable.
func Regions(ctx context.Context, t Translator, pool *worker.Pool, regions []ocr.Region, targetLang string) ([]Region, error) {
	started := make([]bool, len(regions))
	out := worker.Map(ctx, pool, regions, func(ctx context.Context, i int, r ocr.Region) Region {
		started[i] = true
		text, err := t.Translate(ctx, r.Text, targetLang)
		if err != nil {
			if ctx.Err() == nil {
				slog.Warn("region translation failed", "stage", "translate", "region", i, "err", err)
			}
			return Region{Region: r, Translated: FailedText, Err: err}
		}
		return Region{Region: r, Translated: text}
	})
	err := ctx.Err()
	if err != nil {
		for i := range out {
			if !started[i] {
				out[i] = Region{Region: regions[i], Translated: FailedText, Err: err}
			}
		}
	}
	return out, err
}

// Failed counts regions whose translation failed.
func Failed(regions []Region) int {
	n := 0
	for _, r := range regions {
		if r.Err != nil {
			n++
		}
	}
	return n
}

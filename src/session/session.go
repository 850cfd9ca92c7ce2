package session

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"translatable/src/clipboard"
	"translatable/src/history"
	"translatable/src/ocr"
	"translatable/src/translate"
	"translatable/src/worker"
)

// Status is the lifecycle state of one run.
type Status string

const (
	Pending     Status = "pending"
	Recognizing Status = "recognizing"
	Translating Status = "translating"
	Compositing Status = "compositing"
	Done        Status = "done"
	Cancelled   Status = "cancelled"
	Failed      Status = "failed"
)

// Terminal reports whether no further transitions can happen.
func (s Status) Terminal() bool {
	return s == Done || s == Cancelled || s == Failed
}

const DefaultDeadline = 60 * time.Second

var ErrRecognizerRequired = errors.New("recognizer is required")

type Saver interface {
	Save(blob clipboard.Blob) (history.Record, error)
}

type Compositor interface {
	Composite(blob clipboard.Blob, regions []translate.Region) (clipboard.Blob, error)
}

type Options struct {
	Deadline   time.Duration
	History    Saver
	Recognizer ocr.Recognizer
	Translator translate.Translator
	Pool       *worker.Pool
	Compositor Compositor
	TargetLang string
	// OnStage is called before each stage starts, from the executing goroutine.
	OnStage func(Status)
}

// Result is the outcome of one run. Image is always the best image available:
// the composite on success, the original blob when a stage failed.
type Result struct {
	Status  Status
	Record  *history.Record
	Regions []translate.Region
	Image   clipboard.Blob
	Err     error
}

// Execute runs save, recognize, translate and composite for blob. The returned
// error is nil only for Done. Cancellation of ctx yields Cancelled. A run
// deadline reached while translating keeps the finished regions, gives the
// rest FailedText and still composites; any other unrecoverable stage error,
// including the deadline in an earlier stage, yields Failed.
func Execute(ctx context.Context, blob clipboard.Blob, opts Options) (Result, error) {
	if opts.Recognizer == nil {
		return Result{Status: Failed, Image: blob, Err: ErrRecognizerRequired}, ErrRecognizerRequired
	}
	deadline := opts.Deadline
	if deadline <= 0 {
		deadline = DefaultDeadline
	}
	pool := opts.Pool
	if pool == nil {
		pool = worker.New(0)
	}
	stage := func(s Status) {
		if opts.OnStage != nil {
			opts.OnStage(s)
		}
	}

	runCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	res := Result{Status: Pending, Image: blob}
	end := func(status Status, err error) (Result, error) {
		if err != nil && ctx.Err() != nil {
			status, err = Cancelled, ctx.Err()
		}
		res.Status, res.Err = status, err
		if status == Failed {
			res.Image = blob
		}
		return res, err
	}

	if opts.History != nil {
		rec, err := opts.History.Save(blob)
		if err != nil {
			slog.Warn("history save failed, continuing in memory", "stage", "save", "err", err)
		} else {
			res.Record = &rec
		}
	}
	if err := runCtx.Err(); err != nil {
		return end(Failed, err)
	}

	stage(Recognizing)
	seq, err := opts.Recognizer.Recognize(runCtx, blob)
	if err != nil {
		switch {
		case ocr.IsRecognitionError(err):
			slog.Error("recognition failed, publishing original", "stage", "recognize", "err", err)
		case ctx.Err() == nil:
			slog.Warn("recognition did not finish, publishing original", "stage", "recognize", "err", err)
		}
		return end(Failed, err)
	}
	regions := ocr.Collect(seq)

	stage(Translating)
	if len(regions) > 0 {
		if opts.Translator == nil {
			return end(Failed, errors.New("translator is required"))
		}
		res.Regions, err = translate.Regions(runCtx, opts.Translator, pool, regions, opts.TargetLang)
		if err != nil {
			if ctx.Err() != nil {
				return end(Cancelled, ctx.Err())
			}
			slog.Warn("run deadline reached during translation, keeping finished regions", "stage", "translate", "err", err)
		}
		if n := translate.Failed(res.Regions); n > 0 {
			slog.Warn("some regions kept the fallback text", "stage", "translate", "failed", n, "total", len(res.Regions))
		}
	}

	stage(Compositing)
	out := blob
	if len(res.Regions) > 0 && opts.Compositor != nil {
		out, err = opts.Compositor.Composite(blob, res.Regions)
		if err != nil {
			slog.Error("composition failed, publishing original", "stage", "composite", "err", err)
			return end(Failed, err)
		}
	}
	if ctx.Err() != nil {
		return end(Cancelled, ctx.Err())
	}

	res.Image = out
	return end(Done, nil)
}

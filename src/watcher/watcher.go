// Package watcher polls a clipboard source and emits one event per distinct image.
package watcher

import (
	"context"
	"crypto/sha256"
	"log/slog"
	"sync"
	"time"

	"github.com/corona10/goimagehash"

	"translatable/src/clipboard"
)

// Event announces newly observed clipboard content.
type Event struct {
	Blob       clipboard.Blob
	ObservedAt time.Time
}

// Ticker is the subset of time.Ticker the poll loop needs.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// TickerFunc creates the ticker driving the poll loop.
type TickerFunc func(d time.Duration) Ticker

type realTicker struct{ t *time.Ticker }

func (r realTicker) C() <-chan time.Time { return r.t.C }
func (r realTicker) Stop()               { r.t.Stop() }

// NewRealTicker is the production TickerFunc.
func NewRealTicker(d time.Duration) Ticker { return realTicker{t: time.NewTicker(d)} }

type Options struct {
	Interval    time.Duration
	Preference  []clipboard.Format
	NewTicker   TickerFunc
	EventBuffer int

	// SimilarityGate suppresses content within SimilarityDistance (perceptual
	// hash Hamming distance) of the last emitted image.
	SimilarityGate     bool
	SimilarityDistance int
}

// Watcher owns the poll loop and the fingerprint of the last emitted image.
type Watcher struct {
	src        clipboard.Source
	interval   time.Duration
	prefs      []clipboard.Format
	newTicker  TickerFunc
	gate       bool
	similarity int
	events     chan Event

	// detection state, owned by whoever drives Poll: the loop while running
	last        [sha256.Size]byte
	hasLast     bool
	hasImage    bool
	lastPHash   *goimagehash.ImageHash
	suppressed  [sha256.Size]byte
	rejected    [sha256.Size]byte
	hasRejected bool

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
	imageMu sync.RWMutex
}

func New(src clipboard.Source, opts Options) *Watcher {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if len(opts.Preference) == 0 {
		opts.Preference = clipboard.DefaultPreference
	}
	if opts.NewTicker == nil {
		opts.NewTicker = NewRealTicker
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = DefaultEventBuffer
	}
	return &Watcher{
		src:        src,
		interval:   opts.Interval,
		prefs:      opts.Preference,
		newTicker:  opts.NewTicker,
		gate:       opts.SimilarityGate,
		similarity: opts.SimilarityDistance,
		events:     make(chan Event, opts.EventBuffer),
	}
}

// Events delivers NewImage events in emission order.
func (w *Watcher) Events() <-chan Event { return w.events }

// Start launches the poll loop. Calling Start on a running watcher is a no-op.
func (w *Watcher) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return
	}
	w.running = true
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	go w.loop(ctx, w.stopCh, w.doneCh)
	slog.Info("clipboard watcher started", "interval", w.interval)
}

// Stop halts the poll loop and waits for it to exit. Stopping a stopped
// watcher is a no-op.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	stopCh, doneCh := w.stopCh, w.doneCh
	w.mu.Unlock()

	close(stopCh)
	<-doneCh
	slog.Info("clipboard watcher stopped")
}

// Running reports whether the poll loop is active.
func (w *Watcher) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// HasImage reports whether the last poll found an image on the clipboard.
func (w *Watcher) HasImage() bool {
	w.imageMu.RLock()
	defer w.imageMu.RUnlock()
	return w.hasImage
}

func (w *Watcher) loop(ctx context.Context, stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)
	ticker := w.newTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.markStopped(stopCh)
			return
		case <-stopCh:
			return
		case <-ticker.C():
			// Detection finishes before the next tick is read, so ticks never overlap.
			evt, changed := w.Poll()
			if !changed {
				continue
			}
			select {
			case w.events <- evt:
			case <-stopCh:
				return
			case <-ctx.Done():
				w.markStopped(stopCh)
				return
			}
		}
	}
}

// markStopped lets a later Start run again after the context ended the loop.
func (w *Watcher) markStopped(stopCh <-chan struct{}) {
	w.mu.Lock()
	if w.running && w.stopCh == stopCh {
		w.running = false
	}
	w.mu.Unlock()
}

// Poll runs one detection step and reports whether it produced a NewImage event.
// It is not safe for concurrent use and must not be called while the loop
// started by Start is running.
func (w *Watcher) Poll() (Event, bool) {
	blob, ok := clipboard.ReadPreferredWith(w.src, w.decodes, w.prefs...)
	w.setHasImage(ok)
	if !ok {
		return Event{}, false
	}

	sum := blob.Fingerprint()
	if w.hasLast && sum == w.last {
		return Event{}, false
	}
	if w.gate && w.similar(blob, sum) {
		return Event{}, false
	}

	w.last = sum
	w.hasLast = true
	slog.Debug("new clipboard image", "format", blob.Format(), "bytes", blob.Len())
	return Event{Blob: blob, ObservedAt: time.Now()}, true
}

// decodes fully decodes content it has not judged before. Verdicts for the last
// emitted, last suppressed and last rejected bytes are reused.
func (w *Watcher) decodes(blob clipboard.Blob) bool {
	sum := blob.Fingerprint()
	switch {
	case w.hasLast && sum == w.last, sum == w.suppressed:
		return true
	case w.hasRejected && sum == w.rejected:
		return false
	}
	if err := blob.Validate(); err != nil {
		w.rejected, w.hasRejected = sum, true
		slog.Debug("ignoring malformed clipboard image", "format", blob.Format(), "bytes", blob.Len(), "err", err)
		return false
	}
	return true
}

// similar applies the perceptual-hash gate. Content it suppresses is remembered
// so the same bytes are not decoded again on every tick.
func (w *Watcher) similar(blob clipboard.Blob, sum [sha256.Size]byte) bool {
	if sum == w.suppressed {
		return true
	}
	img, err := blob.Decode()
	if err != nil {
		return false
	}
	hash, err := goimagehash.PerceptionHash(img)
	if err != nil {
		return false
	}
	prev := w.lastPHash
	w.lastPHash = hash
	if prev == nil {
		return false
	}
	dist, err := prev.Distance(hash)
	if err != nil || dist > w.similarity {
		return false
	}
	w.lastPHash = prev
	w.suppressed = sum
	slog.Debug("suppressing near-duplicate clipboard image", "distance", dist)
	return true
}

func (w *Watcher) setHasImage(v bool) {
	w.imageMu.Lock()
	w.hasImage = v
	w.imageMu.Unlock()
}

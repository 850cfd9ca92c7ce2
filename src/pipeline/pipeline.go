// Package pipeline turns clipboard change events into published, translated
// overlays. A single goroutine owns run state; at most one run is active and a
// newer image always supersedes it.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"translatable/src/clipboard"
	"translatable/src/history"
	"translatable/src/session"
	"translatable/src/translate"
	"translatable/src/watcher"
)

// Snapshot is a published result. It is replaced wholesale, never updated.
type Snapshot struct {
	RunID       string
	Status      session.Status
	Image       clipboard.Blob
	Record      *history.Record
	Regions     []translate.Region
	Err         string
	PublishedAt time.Time
}

// RunEvent reports a run's state transition.
type RunEvent struct {
	RunID  string
	Status session.Status
	At     time.Time
	Err    string
}

// CacheClearer drops derived data when history is wiped.
type CacheClearer interface {
	Clear(ctx context.Context) error
}

type Options struct {
	// Session carries the stage collaborators; History, if set there, is
	// overridden by the store below.
	Session session.Options
	History *history.Store
	Cache   CacheClearer
}

type run struct {
	id     string
	status session.Status
	cancel context.CancelFunc
}

type stageUpdate struct {
	runID  string
	status session.Status
}

type runResult struct {
	runID string
	res   session.Result
}

type Orchestrator struct {
	opts    session.Options
	history *history.Store
	cache   CacheClearer
	now     func() time.Time

	// loop-owned
	active   *run
	updates  chan stageUpdate
	results  chan runResult
	inflight sync.WaitGroup

	published atomic.Pointer[Snapshot]

	subMu  sync.Mutex
	subs   map[int]chan RunEvent
	nextID int
}

func New(opts Options) *Orchestrator {
	so := opts.Session
	if opts.History != nil {
		so.History = opts.History
	}
	return &Orchestrator{
		opts:    so,
		history: opts.History,
		cache:   opts.Cache,
		now:     time.Now,
		updates: make(chan stageUpdate, 16),
		results: make(chan runResult, 4),
		subs:    make(map[int]chan RunEvent),
	}
}

// Run consumes events in emission order until ctx is done or events is closed
// and the last run has finished.
func (o *Orchestrator) Run(ctx context.Context, events <-chan watcher.Event) error {
	defer o.inflight.Wait()
	draining := false

	for {
		if draining && (o.active == nil || o.active.status.Terminal()) {
			return nil
		}
		select {
		case <-ctx.Done():
			o.cancelActive()
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				events = nil
				draining = true
				continue
			}
			o.handleImage(ctx, ev.Blob)
		case u := <-o.updates:
			o.handleUpdate(u)
		case r := <-o.results:
			o.handleResult(r)
		}
	}
}

func newRunID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func (o *Orchestrator) cancelActive() {
	if o.active == nil || o.active.status.Terminal() {
		return
	}
	o.active.cancel()
	o.active.status = session.Cancelled
	o.emit(RunEvent{RunID: o.active.id, Status: session.Cancelled, At: o.now()})
	slog.Info("run superseded", "run", o.active.id)
}

func (o *Orchestrator) handleImage(ctx context.Context, blob clipboard.Blob) {
	o.cancelActive()

	runCtx, cancel := context.WithCancel(ctx)
	r := &run{id: newRunID(), status: session.Pending, cancel: cancel}
	o.active = r
	o.emit(RunEvent{RunID: r.id, Status: session.Pending, At: o.now()})
	slog.Info("run started", "run", r.id, "format", blob.Format(), "bytes", blob.Len())

	opts := o.opts
	opts.OnStage = func(s session.Status) {
		select {
		case o.updates <- stageUpdate{runID: r.id, status: s}:
		case <-runCtx.Done():
		}
	}

	o.inflight.Add(1)
	go func() {
		defer o.inflight.Done()
		defer cancel()
		res, _ := session.Execute(runCtx, blob, opts)
		select {
		case o.results <- runResult{runID: r.id, res: res}:
		case <-ctx.Done():
		}
	}()
}

func (o *Orchestrator) handleUpdate(u stageUpdate) {
	if o.active == nil || o.active.id != u.runID || o.active.status.Terminal() {
		return
	}
	o.active.status = u.status
	o.emit(RunEvent{RunID: u.runID, Status: u.status, At: o.now()})
}

func (o *Orchestrator) handleResult(r runResult) {
	if o.active == nil || o.active.id != r.runID || o.active.status.Terminal() {
		slog.Debug("discarding stale result", "run", r.runID, "status", r.res.Status)
		return
	}
	o.active.status = r.res.Status

	ev := RunEvent{RunID: r.runID, Status: r.res.Status, At: o.now()}
	if r.res.Err != nil {
		ev.Err = r.res.Err.Error()
	}

	switch r.res.Status {
	case session.Done, session.Failed:
		o.publish(&Snapshot{
			RunID:       r.runID,
			Status:      r.res.Status,
			Image:       r.res.Image,
			Record:      r.res.Record,
			Regions:     r.res.Regions,
			Err:         ev.Err,
			PublishedAt: o.now(),
		})
		if r.res.Status == session.Failed {
			slog.Warn("run failed, original image published", "run", r.runID, "err", r.res.Err)
		} else {
			slog.Info("run done", "run", r.runID, "regions", len(r.res.Regions))
		}
	}
	o.emit(ev)
}

func (o *Orchestrator) publish(s *Snapshot) {
	o.published.Store(s)
}

// Current returns the published snapshot. ok is false before the first publish.
func (o *Orchestrator) Current() (Snapshot, bool) {
	s := o.published.Load()
	if s == nil {
		return Snapshot{}, false
	}
	return *s, true
}

// LoadMostRecent publishes the newest stored capture when nothing has been
// published yet. It reports whether a capture was loaded.
func (o *Orchestrator) LoadMostRecent() (bool, error) {
	if o.history == nil {
		return false, nil
	}
	rec, ok, err := o.history.MostRecent()
	if err != nil || !ok {
		return false, err
	}
	snap := &Snapshot{Status: session.Done, Image: rec.Blob, Record: &rec, PublishedAt: o.now()}
	if !o.published.CompareAndSwap(nil, snap) {
		return false, nil
	}
	slog.Info("restored most recent capture", "path", rec.StoragePath)
	return true, nil
}

// ClearScreenshotHistory wipes stored captures and cached translations. The
// host calls it when the session leaves the foreground.
func (o *Orchestrator) ClearScreenshotHistory(ctx context.Context) error {
	var errs []error
	if o.history != nil {
		if err := o.history.Clear(); err != nil {
			errs = append(errs, err)
		}
	}
	if o.cache != nil {
		if err := o.cache.Clear(ctx); err != nil {
			errs = append(errs, fmt.Errorf("clear translation cache: %w", err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		slog.Error("clear screenshot history failed", "stage", "clear", "err", err)
		return err
	}
	return nil
}

var ErrNothingPublished = errors.New("no result has been published")

// Export writes the published image to path. When path is a directory a
// timestamped file name is chosen. It returns the written path.
func (o *Orchestrator) Export(path string) (string, error) {
	s, ok := o.Current()
	if !ok || s.Image.IsEmpty() {
		return "", ErrNothingPublished
	}
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		path = filepath.Join(path, fmt.Sprintf("translatable_%d.%s", o.now().Unix(), s.Image.Format().Ext()))
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return "", fmt.Errorf("export: %w", err)
	}
	if err := os.WriteFile(path, s.Image.Bytes(), 0o600); err != nil {
		return "", fmt.Errorf("export: %w", err)
	}
	slog.Info("exported result", "path", path, "run", s.RunID)
	return path, nil
}

// Subscribe returns a channel of run events and a function to stop receiving.
// Slow subscribers miss events rather than stall the pipeline.
func (o *Orchestrator) Subscribe() (<-chan RunEvent, func()) {
	o.subMu.Lock()
	defer o.subMu.Unlock()
	id := o.nextID
	o.nextID++
	ch := make(chan RunEvent, 32)
	o.subs[id] = ch
	return ch, func() {
		o.subMu.Lock()
		defer o.subMu.Unlock()
		if c, ok := o.subs[id]; ok {
			delete(o.subs, id)
			close(c)
		}
	}
}

func (o *Orchestrator) emit(ev RunEvent) {
	o.subMu.Lock()
	defer o.subMu.Unlock()
	for id, ch := range o.subs {
		select {
		case ch <- ev:
		default:
			slog.Debug("subscriber lagging, event dropped", "subscriber", id, "run", ev.RunID)
		}
	}
}

package watcher

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"sync"
	"testing"
	"time"

	"translatable/src/clipboard"
)

type fakeTicker struct {
	ch      chan time.Time
	mu      sync.Mutex
	stopped bool
}

func (f *fakeTicker) C() <-chan time.Time { return f.ch }
func (f *fakeTicker) Stop() {
	f.mu.Lock()
	f.stopped = true
	f.mu.Unlock()
}

// fakeScheduler hands out tickers that only fire when the test says so.
type fakeScheduler struct {
	mu      sync.Mutex
	tickers []*fakeTicker
	created chan *fakeTicker
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{created: make(chan *fakeTicker, 4)}
}

func (s *fakeScheduler) NewTicker(time.Duration) Ticker {
	t := &fakeTicker{ch: make(chan time.Time)}
	s.mu.Lock()
	s.tickers = append(s.tickers, t)
	s.mu.Unlock()
	s.created <- t
	return t
}

type mutableSource struct {
	mu   sync.Mutex
	data map[clipboard.Format][]byte
}

func (m *mutableSource) set(f clipboard.Format, d []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		m.data = map[clipboard.Format][]byte{}
	}
	if d == nil {
		delete(m.data, f)
		return
	}
	m.data[f] = d
}

func (m *mutableSource) Read(f clipboard.Format) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.data[f]
	return d, ok
}

func solidPNG(t *testing.T, c color.RGBA) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 16, 16))
	for y := 0; y < 16; y++ {
		for x := 0; x < 16; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestPollUnchangedEmitsOnce(t *testing.T) {
	src := &mutableSource{}
	b1 := solidPNG(t, color.RGBA{R: 255, A: 255})
	src.set(clipboard.FormatPNG, b1)
	w := New(src, Options{})

	evt, ok := w.Poll()
	if !ok {
		t.Fatal("first poll should emit")
	}
	if !bytes.Equal(evt.Blob.Bytes(), b1) {
		t.Fatal("event blob differs from clipboard bytes")
	}
	if _, ok := w.Poll(); ok {
		t.Fatal("second poll with unchanged content must not emit")
	}
	if !w.HasImage() {
		t.Fatal("HasImage should be true")
	}
}

func TestPollAbsentClearsFlagKeepsFingerprint(t *testing.T) {
	src := &mutableSource{}
	b1 := solidPNG(t, color.RGBA{G: 255, A: 255})
	src.set(clipboard.FormatPNG, b1)
	w := New(src, Options{})

	if _, ok := w.Poll(); !ok {
		t.Fatal("expected emit")
	}
	src.set(clipboard.FormatPNG, nil)
	if _, ok := w.Poll(); ok {
		t.Fatal("absent clipboard must not emit")
	}
	if w.HasImage() {
		t.Fatal("HasImage should be cleared")
	}
	src.set(clipboard.FormatPNG, b1)
	if _, ok := w.Poll(); ok {
		t.Fatal("same content after a gap must not emit again")
	}
}

func TestPollDistinctContentEmits(t *testing.T) {
	src := &mutableSource{}
	w := New(src, Options{})
	colors := []color.RGBA{{R: 255, A: 255}, {G: 255, A: 255}, {B: 255, A: 255}}
	for i, c := range colors {
		src.set(clipboard.FormatPNG, solidPNG(t, c))
		if _, ok := w.Poll(); !ok {
			t.Fatalf("content %d should emit", i)
		}
	}
}

func TestPollMalformedIsAbsent(t *testing.T) {
	src := &mutableSource{}
	src.set(clipboard.FormatPNG, []byte("garbage"))
	w := New(src, Options{})
	if _, ok := w.Poll(); ok {
		t.Fatal("malformed content must not emit")
	}
	if w.HasImage() {
		t.Fatal("malformed content must not count as an image")
	}
}

func gradientPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 48, 48))
	for y := 0; y < 48; y++ {
		for x := 0; x < 48; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 5), G: uint8(y * 5), B: uint8(x * y), A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestPollTruncatedPixelDataIsAbsent(t *testing.T) {
	full := gradientPNG(t)
	truncated := full[:len(full)/2]
	if _, err := clipboard.NewBlob(truncated, clipboard.FormatPNG).Config(); err != nil {
		t.Fatalf("header should parse: %v", err)
	}

	src := &mutableSource{}
	src.set(clipboard.FormatPNG, truncated)
	w := New(src, Options{})
	for i := 0; i < 3; i++ {
		if _, ok := w.Poll(); ok {
			t.Fatalf("poll %d: truncated content must not emit", i)
		}
		if w.HasImage() {
			t.Fatalf("poll %d: truncated content must not count as an image", i)
		}
	}

	src.set(clipboard.FormatPNG, full)
	evt, ok := w.Poll()
	if !ok || !bytes.Equal(evt.Blob.Bytes(), full) {
		t.Fatal("complete image should emit after the truncated one")
	}

	src.set(clipboard.FormatPNG, truncated)
	if _, ok := w.Poll(); ok {
		t.Fatal("previously rejected content must not emit")
	}
	if w.HasImage() {
		t.Fatal("previously rejected content must not count as an image")
	}
}

func TestSimilarityGateSuppressesNearDuplicates(t *testing.T) {
	src := &mutableSource{}
	w := New(src, Options{SimilarityGate: true, SimilarityDistance: 0})

	src.set(clipboard.FormatPNG, solidPNG(t, color.RGBA{R: 100, G: 100, B: 100, A: 255}))
	if _, ok := w.Poll(); !ok {
		t.Fatal("first image should emit")
	}
	// Re-encoded identical pixels: different bytes, same perceptual hash.
	img := image.NewNRGBA(image.Rect(0, 0, 16, 16))
	for i := range img.Pix {
		img.Pix[i] = 100
		if i%4 == 3 {
			img.Pix[i] = 255
		}
	}
	var buf bytes.Buffer
	if err := (&png.Encoder{CompressionLevel: png.BestCompression}).Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	src.set(clipboard.FormatPNG, buf.Bytes())
	if _, ok := w.Poll(); ok {
		t.Fatal("perceptually identical image should be suppressed")
	}
}

func TestStartStopIdempotent(t *testing.T) {
	sched := newFakeScheduler()
	src := &mutableSource{}
	w := New(src, Options{NewTicker: sched.NewTicker})
	ctx := context.Background()

	w.Start(ctx)
	w.Start(ctx)
	if !w.Running() {
		t.Fatal("expected running")
	}
	<-sched.created
	select {
	case <-sched.created:
		t.Fatal("second Start must not create another loop")
	case <-time.After(20 * time.Millisecond):
	}

	w.Stop()
	w.Stop()
	if w.Running() {
		t.Fatal("expected stopped")
	}
	if !sched.tickers[0].stopped {
		t.Fatal("ticker should be stopped with the loop")
	}
}

func TestLoopEmitsOnTick(t *testing.T) {
	sched := newFakeScheduler()
	src := &mutableSource{}
	w := New(src, Options{NewTicker: sched.NewTicker})
	w.Start(context.Background())
	defer w.Stop()
	tk := <-sched.created

	b1 := solidPNG(t, color.RGBA{R: 10, A: 255})
	src.set(clipboard.FormatPNG, b1)
	tk.ch <- time.Now()
	tk.ch <- time.Now()

	select {
	case evt := <-w.Events():
		if !bytes.Equal(evt.Blob.Bytes(), b1) {
			t.Fatal("unexpected event payload")
		}
	case <-time.After(time.Second):
		t.Fatal("no event after tick")
	}

	b2 := solidPNG(t, color.RGBA{B: 10, A: 255})
	src.set(clipboard.FormatPNG, b2)
	tk.ch <- time.Now()
	select {
	case evt := <-w.Events():
		if !bytes.Equal(evt.Blob.Bytes(), b2) {
			t.Fatal("expected second content, got stale event")
		}
	case <-time.After(time.Second):
		t.Fatal("no event for new content")
	}
}

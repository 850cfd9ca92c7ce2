package server

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"translatable/src/clipboard"
	"translatable/src/history"
	"translatable/src/notes"
	"translatable/src/pipeline"
	"translatable/src/session"
)

func pngBlob(t *testing.T) clipboard.Blob {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 8, 8))); err != nil {
		t.Fatal(err)
	}
	return clipboard.NewBlob(buf.Bytes(), clipboard.FormatPNG)
}

type fixture struct {
	srv       *httptest.Server
	store     *history.Store
	exportDir string
	blob      clipboard.Blob
}

func newFixture(t *testing.T, publish bool) fixture {
	t.Helper()
	store := history.New(filepath.Join(t.TempDir(), "history"))
	blob := pngBlob(t)
	o := pipeline.New(pipeline.Options{History: store})
	if publish {
		if _, err := store.Save(blob); err != nil {
			t.Fatal(err)
		}
		if ok, err := o.LoadMostRecent(); !ok || err != nil {
			t.Fatalf("LoadMostRecent = %v, %v", ok, err)
		}
	}
	exportDir := filepath.Join(t.TempDir(), "exports")
	srv := httptest.NewServer(New(o, notes.New(filepath.Join(t.TempDir(), "Data")), exportDir).Handler())
	t.Cleanup(srv.Close)
	return fixture{srv: srv, store: store, exportDir: exportDir, blob: blob}
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, false)
	resp, err := http.Get(f.srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestResultBeforePublishIsNotFound(t *testing.T) {
	f := newFixture(t, false)
	for _, path := range []string{"/v1/result", "/v1/result/image"} {
		resp, err := http.Get(f.srv.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("%s status = %d", path, resp.StatusCode)
		}
	}
}

func TestResultAndImage(t *testing.T) {
	f := newFixture(t, true)

	resp, err := http.Get(f.srv.URL + "/v1/result")
	if err != nil {
		t.Fatal(err)
	}
	var got snapshotJSON
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if got.Status != string(session.Done) || got.Format != "png" || got.StoragePath == "" {
		t.Fatalf("snapshot = %+v", got)
	}

	resp, err = http.Get(f.srv.URL + "/v1/result/image")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.Header.Get("Content-Type") != "image/png" || !bytes.Equal(body, f.blob.Bytes()) {
		t.Fatalf("image response content-type=%s bytes=%d", resp.Header.Get("Content-Type"), len(body))
	}
}

func TestExportConfinedToExportDir(t *testing.T) {
	f := newFixture(t, true)

	resp, err := http.Post(f.srv.URL+"/v1/result/export", "application/json", strings.NewReader(`{"name":"../escape.png"}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("traversal status = %d", resp.StatusCode)
	}

	resp, err = http.Post(f.srv.URL+"/v1/result/export", "application/json", strings.NewReader(`{"name":"keep.png"}`))
	if err != nil {
		t.Fatal(err)
	}
	var out map[string]string
	_ = json.NewDecoder(resp.Body).Decode(&out)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || out["path"] != filepath.Join(f.exportDir, "keep.png") {
		t.Fatalf("export = %d %v", resp.StatusCode, out)
	}
	if data, err := os.ReadFile(out["path"]); err != nil || !bytes.Equal(data, f.blob.Bytes()) {
		t.Fatalf("exported file: %v", err)
	}

	resp, err = http.Post(f.srv.URL+"/v1/result/export", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	out = nil
	_ = json.NewDecoder(resp.Body).Decode(&out)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || filepath.Dir(out["path"]) != f.exportDir {
		t.Fatalf("unnamed export = %d %v", resp.StatusCode, out)
	}
}

func TestClearHistory(t *testing.T) {
	f := newFixture(t, true)
	resp, err := http.Post(f.srv.URL+"/v1/history/clear", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if _, ok, _ := f.store.MostRecent(); ok {
		t.Fatal("history survived clear")
	}
}

func TestNotes(t *testing.T) {
	f := newFixture(t, false)

	resp, err := http.Post(f.srv.URL+"/v1/notes", "application/json", strings.NewReader(`{"text":"remember this"}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("save status = %d", resp.StatusCode)
	}

	resp, err = http.Post(f.srv.URL+"/v1/notes", "application/json", strings.NewReader(`{"text":""}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty note status = %d", resp.StatusCode)
	}

	resp, err = http.Get(f.srv.URL + "/v1/notes")
	if err != nil {
		t.Fatal(err)
	}
	var entries []notes.Entry
	_ = json.NewDecoder(resp.Body).Decode(&entries)
	resp.Body.Close()
	if len(entries) != 1 || entries[0].Text != "remember this" {
		t.Fatalf("entries = %+v", entries)
	}
}

type eventPipeline struct {
	ch chan pipeline.RunEvent
}

func (p *eventPipeline) Current() (pipeline.Snapshot, bool) { return pipeline.Snapshot{}, false }
func (p *eventPipeline) ClearScreenshotHistory(context.Context) error {
	return nil
}
func (p *eventPipeline) Export(string) (string, error) { return "", pipeline.ErrNothingPublished }
func (p *eventPipeline) Subscribe() (<-chan pipeline.RunEvent, func()) {
	return p.ch, func() {}
}

func TestEventsStream(t *testing.T) {
	p := &eventPipeline{ch: make(chan pipeline.RunEvent, 2)}
	srv := httptest.NewServer(New(p, notes.New(t.TempDir()), t.TempDir()).Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/v1/events", nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	p.ch <- pipeline.RunEvent{RunID: "r1", Status: session.Translating, At: time.Now()}
	var msg eventMessage
	if err := wsjson.Read(ctx, conn, &msg); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if msg.Type != "run" || msg.RunID != "r1" || msg.Status != "translating" {
		t.Fatalf("message = %+v", msg)
	}
}

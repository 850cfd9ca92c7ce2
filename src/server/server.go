// Package server exposes the published result, the lifecycle clear hook and
// notes on a local HTTP listener, with run status pushed over a websocket.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"translatable/src/notes"
	"translatable/src/pipeline"
)

const maxBodyBytes = 1 << 20

// Pipeline is the part of the orchestrator the server reads from.
type Pipeline interface {
	Current() (pipeline.Snapshot, bool)
	ClearScreenshotHistory(ctx context.Context) error
	Export(path string) (string, error)
	Subscribe() (<-chan pipeline.RunEvent, func())
}

type Server struct {
	pipeline  Pipeline
	notes     *notes.Store
	exportDir string
}

func New(p Pipeline, n *notes.Store, exportDir string) *Server {
	return &Server{pipeline: p, notes: n, exportDir: exportDir}
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Route("/v1", func(r chi.Router) {
		r.Get("/result", s.handleResult)
		r.Get("/result/image", s.handleResultImage)
		r.Post("/result/export", s.handleExport)
		r.Post("/history/clear", s.handleClear)
		r.Get("/notes", s.handleListNotes)
		r.Post("/notes", s.handleSaveNote)
		r.Get("/events", s.handleEvents)
	})
	return r
}

// ListenAndServe serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	slog.Info("http surface listening", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown", "err", err)
		return err
	}
	return nil
}

type boxJSON struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

type regionJSON struct {
	Text       string  `json:"text"`
	Translated string  `json:"translated"`
	Box        boxJSON `json:"box"`
	Confidence float64 `json:"confidence"`
	Failed     bool    `json:"failed,omitempty"`
}

type snapshotJSON struct {
	RunID       string       `json:"runId,omitempty"`
	Status      string       `json:"status"`
	Format      string       `json:"format"`
	Bytes       int          `json:"bytes"`
	StoragePath string       `json:"storagePath,omitempty"`
	PublishedAt time.Time    `json:"publishedAt"`
	Error       string       `json:"error,omitempty"`
	Regions     []regionJSON `json:"regions"`
}

func toJSON(snap pipeline.Snapshot) snapshotJSON {
	out := snapshotJSON{
		RunID:       snap.RunID,
		Status:      string(snap.Status),
		Format:      string(snap.Image.Format()),
		Bytes:       snap.Image.Len(),
		PublishedAt: snap.PublishedAt,
		Error:       snap.Err,
		Regions:     make([]regionJSON, 0, len(snap.Regions)),
	}
	if snap.Record != nil {
		out.StoragePath = snap.Record.StoragePath
	}
	for _, r := range snap.Regions {
		out.Regions = append(out.Regions, regionJSON{
			Text:       r.Text,
			Translated: r.Translated,
			Box:        boxJSON{X: r.Box.X, Y: r.Box.Y, Width: r.Box.Width, Height: r.Box.Height},
			Confidence: r.Confidence,
			Failed:     r.Err != nil,
		})
	}
	return out
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.pipeline.Current()
	if !ok {
		writeError(w, http.StatusNotFound, pipeline.ErrNothingPublished)
		return
	}
	writeJSON(w, http.StatusOK, toJSON(snap))
}

func (s *Server) handleResultImage(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.pipeline.Current()
	if !ok || snap.Image.IsEmpty() {
		writeError(w, http.StatusNotFound, pipeline.ErrNothingPublished)
		return
	}
	w.Header().Set("Content-Type", "image/"+string(snap.Image.Format()))
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(snap.Image.Bytes())
}

type exportRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	var req exportRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("decode body: %w", err))
			return
		}
	}
	if err := os.MkdirAll(s.exportDir, 0o700); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	target := s.exportDir
	if name := strings.TrimSpace(req.Name); name != "" {
		if name != filepath.Base(name) || name == "." || name == ".." {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid export name %q", name))
			return
		}
		target = filepath.Join(s.exportDir, name)
	}

	path, err := s.pipeline.Export(target)
	switch {
	case errors.Is(err, pipeline.ErrNothingPublished):
		writeError(w, http.StatusNotFound, err)
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
	default:
		writeJSON(w, http.StatusOK, map[string]string{"path": path})
	}
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	if err := s.pipeline.ClearScreenshotHistory(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListNotes(w http.ResponseWriter, r *http.Request) {
	entries, err := s.notes.Load()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

type noteRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleSaveNote(w http.ResponseWriter, r *http.Request) {
	var req noteRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode body: %w", err))
		return
	}
	entry, err := s.notes.Save(req.Text)
	switch {
	case errors.Is(err, notes.ErrEmpty):
		writeError(w, http.StatusBadRequest, err)
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
	default:
		writeJSON(w, http.StatusCreated, entry)
	}
}

type eventMessage struct {
	Type   string `json:"type"`
	RunID  string `json:"runId,omitempty"`
	Status string `json:"status"`
	At     string `json:"at,omitempty"`
	Error  string `json:"error,omitempty"`
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"127.0.0.1:*", "localhost:*"},
	})
	if err != nil {
		slog.Error("websocket accept error", "error", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	events, unsubscribe := s.pipeline.Subscribe()
	defer unsubscribe()

	// Clients only listen; CloseRead handles control frames and ends ctx on disconnect.
	ctx := conn.CloseRead(r.Context())
	slog.Debug("websocket connected", "remote", r.RemoteAddr)

	if snap, ok := s.pipeline.Current(); ok {
		if err := wsjson.Write(ctx, conn, eventMessage{Type: "snapshot", RunID: snap.RunID, Status: string(snap.Status)}); err != nil {
			return
		}
	}
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			msg := eventMessage{Type: "run", RunID: ev.RunID, Status: string(ev.Status), At: ev.At.Format(time.RFC3339Nano), Error: ev.Err}
			if err := wsjson.Write(ctx, conn, msg); err != nil {
				slog.Debug("websocket write error", "error", err)
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("write response", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

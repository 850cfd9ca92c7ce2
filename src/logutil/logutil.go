package logutil

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

const (
	logFileName  = "translatable_debug.log"
	maxSizeBytes = 10 * 1024 * 1024 // 10 MB
	maxArchives  = 3
)

// Setup installs the default slog logger. With file logging enabled records go
// to a size-rotated file (10MB, max 3 archives); otherwise they are discarded
// so stdout stays clean for CLI output.
func Setup(enableFileLogging bool) {
	slog.SetDefault(slog.New(slog.NewTextHandler(Writer(enableFileLogging), &slog.HandlerOptions{
		AddSource: true,
		Level:     slog.LevelDebug,
	})))
}

// Writer returns the sink Setup would use.
func Writer(enableFileLogging bool) io.Writer {
	if !enableFileLogging {
		return io.Discard
	}
	rotateIfNeeded(logFileName)
	f, err := os.OpenFile(logFileName, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open log file: %v\n", err)
		return io.Discard
	}
	return &rotatingWriter{f: f, name: logFileName}
}

type rotatingWriter struct {
	mu   sync.Mutex
	f    *os.File
	name string
}

func (w *rotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	// naive rotation check per write
	if st, err := w.f.Stat(); err == nil && st.Size()+int64(len(p)) > maxSizeBytes {
		_ = w.f.Close()
		rotate(w.name)
		nf, err := os.OpenFile(w.name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			return 0, err
		}
		w.f = nf
	}
	return w.f.Write(p)
}

func rotateIfNeeded(name string) {
	if st, err := os.Stat(name); err == nil && st.Size() > maxSizeBytes {
		rotate(name)
	}
}

// rotate shifts name -> .1 -> .2 -> .3, discarding the oldest.
func rotate(name string) {
	_ = os.Remove(archiveName(name, maxArchives))
	for i := maxArchives - 1; i >= 1; i-- {
		_ = os.Rename(archiveName(name, i), archiveName(name, i+1))
	}
	_ = os.Rename(name, archiveName(name, 1))
}

func archiveName(name string, n int) string {
	return filepath.Join(filepath.Dir(name), fmt.Sprintf("%s.%d", filepath.Base(name), n))
}

// RedactKey masks a credential, leaving first/last 4 chars: xxxx...yyyy
func RedactKey(k string) string {
	if len(k) <= 8 {
		return "********"
	}
	return fmt.Sprintf("%s...%s", k[:4], k[len(k)-4:])
}

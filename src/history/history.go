// Package history persists captured clipboard images for the current session.
package history

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"translatable/src/clipboard"
)

const filePrefix = "screenshot_"

// StorageError reports a failed directory or file operation.
type StorageError struct {
	Op   string
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("history %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Record is one persisted capture.
type Record struct {
	ID          string
	CreatedAt   time.Time
	Blob        clipboard.Blob
	StoragePath string
}

// Store is an append-only directory of captures keyed by timestamp.
type Store struct {
	dir string
	seq atomic.Uint64
	now func() time.Time

	// mu serializes Clear against Save so a wipe never races a half-written file.
	mu sync.RWMutex
}

func New(dir string) *Store {
	return &Store{dir: dir, now: time.Now}
}

func (s *Store) Dir() string { return s.dir }

// Save writes blob under a unique name, creating the directory on first use.
func (s *Store) Save(blob clipboard.Blob) (Record, error) {
	if !blob.Format().Known() {
		return Record{}, &StorageError{Op: "save", Path: s.dir, Err: clipboard.ErrUnsupportedFormat}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return Record{}, &StorageError{Op: "mkdir", Path: s.dir, Err: err}
	}

	created := s.now()
	id := fmt.Sprintf("%d-%06d", created.UnixNano(), s.seq.Add(1))
	path := filepath.Join(s.dir, filePrefix+id+"."+blob.Format().Ext())

	// O_EXCL: a name collision is an error, never an overwrite.
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return Record{}, &StorageError{Op: "create", Path: path, Err: err}
	}
	if _, err := f.Write(blob.Bytes()); err != nil {
		f.Close()
		_ = os.Remove(path)
		return Record{}, &StorageError{Op: "write", Path: path, Err: err}
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return Record{}, &StorageError{Op: "close", Path: path, Err: err}
	}

	slog.Debug("saved screenshot", "path", path, "bytes", blob.Len())
	return Record{ID: id, CreatedAt: created, Blob: blob, StoragePath: path}, nil
}

type entry struct {
	name    string
	format  clipboard.Format
	modTime time.Time
}

// list returns stored captures newest first. A missing directory is empty.
func (s *Store) list() ([]entry, error) {
	dirEntries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, &StorageError{Op: "list", Path: s.dir, Err: err}
	}

	entries := make([]entry, 0, len(dirEntries))
	for _, de := range dirEntries {
		if de.IsDir() || strings.HasPrefix(de.Name(), ".") {
			continue
		}
		format, ok := clipboard.FormatFromExt(filepath.Ext(de.Name()))
		if !ok || !strings.HasPrefix(de.Name(), filePrefix) {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		entries = append(entries, entry{name: de.Name(), format: format, modTime: info.ModTime()})
	}

	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].modTime.Equal(entries[j].modTime) {
			return entries[i].modTime.After(entries[j].modTime)
		}
		return entries[i].name > entries[j].name
	})
	return entries, nil
}

// List returns metadata for every stored capture, newest first. Blobs are not loaded.
func (s *Store) List() ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := s.list()
	if err != nil {
		return nil, err
	}
	records := make([]Record, 0, len(entries))
	for _, e := range entries {
		records = append(records, Record{
			ID:          idFromName(e.name),
			CreatedAt:   e.modTime,
			StoragePath: filepath.Join(s.dir, e.name),
		})
	}
	return records, nil
}

// MostRecent loads the newest capture. ok is false when the store is empty.
func (s *Store) MostRecent() (rec Record, ok bool, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := s.list()
	if err != nil {
		return Record{}, false, err
	}
	if len(entries) == 0 {
		return Record{}, false, nil
	}

	e := entries[0]
	path := filepath.Join(s.dir, e.name)
	data, err := os.ReadFile(path)
	if err != nil {
		return Record{}, false, &StorageError{Op: "read", Path: path, Err: err}
	}
	return Record{
		ID:          idFromName(e.name),
		CreatedAt:   e.modTime,
		Blob:        clipboard.NewBlob(data, e.format),
		StoragePath: path,
	}, true, nil
}

// Clear removes every stored capture. Captured screenshots must not outlive
// the active session, so the hosting app calls this when it leaves the foreground.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dirEntries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return &StorageError{Op: "clear", Path: s.dir, Err: err}
	}

	var errs []error
	removed := 0
	for _, de := range dirEntries {
		if de.IsDir() {
			continue
		}
		path := filepath.Join(s.dir, de.Name())
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, &StorageError{Op: "remove", Path: path, Err: err})
			continue
		}
		removed++
	}
	slog.Info("cleared screenshot history", "dir", s.dir, "removed", removed)
	return errors.Join(errs...)
}

func idFromName(name string) string {
	return strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), filepath.Ext(name))
}

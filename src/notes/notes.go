// Package notes keeps free-form text entries in a single JSON document.
package notes

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	FileName  = "text_data.json"
	keyPrefix = "text_"
)

var ErrEmpty = errors.New("note text is empty")

// Entry is one saved note.
type Entry struct {
	Key     string    `json:"key"`
	Text    string    `json:"text"`
	SavedAt time.Time `json:"savedAt"`
}

// Store appends notes to <dir>/text_data.json, keyed text_<unix seconds>.
type Store struct {
	dir string
	now func() time.Time
	mu  sync.Mutex
}

func New(dir string) *Store {
	return &Store{dir: dir, now: time.Now}
}

func (s *Store) Path() string { return filepath.Join(s.dir, FileName) }

// Save adds text under a new key and rewrites the document.
func (s *Store) Save(text string) (Entry, error) {
	if strings.TrimSpace(text) == "" {
		return Entry{}, ErrEmpty
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read()
	if err != nil {
		return Entry{}, err
	}

	now := s.now()
	key := keyPrefix + strconv.FormatFloat(float64(now.UnixNano())/1e9, 'f', -1, 64)
	for i := 1; ; i++ {
		if _, taken := doc[key]; !taken {
			break
		}
		key = fmt.Sprintf("%s%s-%d", keyPrefix, strconv.FormatFloat(float64(now.UnixNano())/1e9, 'f', -1, 64), i)
	}
	doc[key] = text

	if err := s.write(doc); err != nil {
		return Entry{}, err
	}
	slog.Debug("saved note", "key", key, "path", s.Path())
	return Entry{Key: key, Text: text, SavedAt: now}, nil
}

// Load returns all notes, oldest first.
func (s *Store) Load() ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read()
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(doc))
	for k, v := range doc {
		entries = append(entries, Entry{Key: k, Text: v, SavedAt: timeFromKey(k)})
	}
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].SavedAt.Equal(entries[j].SavedAt) {
			return entries[i].SavedAt.Before(entries[j].SavedAt)
		}
		return entries[i].Key < entries[j].Key
	})
	return entries, nil
}

func (s *Store) read() (map[string]string, error) {
	data, err := os.ReadFile(s.Path())
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read notes: %w", err)
	}
	doc := map[string]string{}
	if len(strings.TrimSpace(string(data))) == 0 {
		return doc, nil
	}
	// A corrupt document is reported rather than overwritten.
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", s.Path(), err)
	}
	return doc, nil
}

func (s *Store) write(doc map[string]string) error {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("create notes dir: %w", err)
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode notes: %w", err)
	}
	tmp, err := os.CreateTemp(s.dir, ".text_data-*.json")
	if err != nil {
		return fmt.Errorf("write notes: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write notes: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write notes: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.Path()); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write notes: %w", err)
	}
	return nil
}

func timeFromKey(key string) time.Time {
	raw := strings.TrimPrefix(key, keyPrefix)
	if i := strings.IndexByte(raw, '-'); i >= 0 {
		raw = raw[:i]
	}
	secs, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(0, int64(secs*1e9))
}

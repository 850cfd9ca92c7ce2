package translate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const cacheSchema = `
CREATE TABLE IF NOT EXISTS translations (
	target TEXT NOT NULL,
	source TEXT NOT NULL,
	result TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	PRIMARY KEY (target, source)
);
`

// Cache memoizes successful translations in SQLite. Failures are never stored.
type Cache struct {
	db   *sql.DB
	next Translator
}

// OpenCache opens (or creates) the cache at path in front of next.
// Use ":memory:" for a process-local cache.
func OpenCache(path string, next Translator) (*Cache, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("create cache dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open translation cache: %w", err)
	}
	// One connection keeps ":memory:" a single database.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(cacheSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init translation cache: %w", err)
	}
	return &Cache{db: db, next: next}, nil
}

func (c *Cache) Translate(ctx context.Context, text, targetLang string) (string, error) {
	if targetLang == "" {
		targetLang = DefaultTargetLang
	}

	var hit string
	err := c.db.QueryRowContext(ctx,
		`SELECT result FROM translations WHERE target = ? AND source = ?`, targetLang, text).Scan(&hit)
	switch {
	case err == nil:
		return hit, nil
	case !errors.Is(err, sql.ErrNoRows):
		slog.Warn("translation cache lookup failed", "stage", "translate", "err", err)
	}

	out, err := c.next.Translate(ctx, text, targetLang)
	if err != nil {
		return "", err
	}
	if _, err := c.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO translations (target, source, result, created_at) VALUES (?, ?, ?, ?)`,
		targetLang, text, out, time.Now().Unix()); err != nil {
		slog.Warn("translation cache store failed", "stage", "translate", "err", err)
	}
	return out, nil
}

// Len reports the number of cached entries.
func (c *Cache) Len(ctx context.Context) (int, error) {
	var n int
	err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM translations`).Scan(&n)
	return n, err
}

// Clear drops every cached entry. Cached source text is derived from
// screenshots and follows the same lifetime.
func (c *Cache) Clear(ctx context.Context) error {
	_, err := c.db.ExecContext(ctx, `DELETE FROM translations`)
	return err
}

func (c *Cache) Close() error { return c.db.Close() }

package translate

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"translatable/src/ocr"
	"translatable/src/worker"
)

func noSleep(context.Context, time.Duration) error { return nil }

func newTestClient(t *testing.T, url string, retries int) *Client {
	t.Helper()
	c, err := NewClient(Config{Endpoint: url, AuthKey: "test-key", Timeout: 2 * time.Second, Retries: retries})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	c.sleep = noSleep
	return c
}

func TestTranslateSendsFormAndParsesFirstTranslation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/x-www-form-urlencoded" {
			t.Errorf("content type = %s", ct)
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("ParseForm: %v", err)
		}
		if r.PostForm.Get("auth_key") != "test-key" || r.PostForm.Get("target_lang") != "EN" {
			t.Errorf("unexpected form %v", r.PostForm)
		}
		fmt.Fprintf(w, `{"translations":[{"text":"hello %s"},{"text":"ignored"}]}`, r.PostForm.Get("text"))
	}))
	defer srv.Close()

	got, err := newTestClient(t, srv.URL, 0).Translate(context.Background(), "hola & adiós", "")
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if got != "hello hola & adiós" {
		t.Fatalf("got %q", got)
	}
}

func TestTranslateErrors(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		wantStatus int
	}{
		{"server error", 500, "boom", 500},
		{"forbidden", 403, "bad key", 403},
		{"malformed body", 200, "not json", 200},
		{"empty list", 200, `{"translations":[]}`, 200},
		{"wrong shape", 200, `{"text":"x"}`, 200},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			}))
			defer srv.Close()

			_, err := newTestClient(t, srv.URL, 0).Translate(context.Background(), "x", "DE")
			var te *TranslationError
			if !errors.As(err, &te) {
				t.Fatalf("expected TranslationError, got %v", err)
			}
			if te.Status != tt.wantStatus {
				t.Fatalf("status = %d, want %d", te.Status, tt.wantStatus)
			}
		})
	}
}

func TestTranslateRetriesServerErrorsOnly(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, `{"translations":[{"text":"ok"}]}`)
	}))
	defer srv.Close()

	got, err := newTestClient(t, srv.URL, 2).Translate(context.Background(), "x", "EN")
	if err != nil || got != "ok" {
		t.Fatalf("got %q, %v", got, err)
	}
	if calls.Load() != 3 {
		t.Fatalf("calls = %d, want 3", calls.Load())
	}

	calls.Store(0)
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer bad.Close()
	if _, err := newTestClient(t, bad.URL, 2).Translate(context.Background(), "x", "EN"); err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 1 {
		t.Fatalf("client errors must not be retried, calls = %d", calls.Load())
	}
}

func TestTranslateTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c, err := NewClient(Config{Endpoint: srv.URL, AuthKey: "k", Timeout: 50 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	start := time.Now()
	_, err = c.Translate(context.Background(), "x", "EN")
	var te *TranslationError
	if !errors.As(err, &te) {
		t.Fatalf("expected TranslationError, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("timeout not enforced, took %v", time.Since(start))
	}
}

func TestNewClientRequiresKey(t *testing.T) {
	if _, err := NewClient(Config{Endpoint: "https://example.invalid/v2/translate"}); !errors.Is(err, ErrMissingKey) {
		t.Fatalf("expected ErrMissingKey, got %v", err)
	}
}

func TestRegionsSubstitutesFailureAndKeepsOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		text := r.PostForm.Get("text")
		if text == "two" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		if text == "one" {
			time.Sleep(20 * time.Millisecond)
		}
		fmt.Fprintf(w, `{"translations":[{"text":"T(%s)"}]}`, text)
	}))
	defer srv.Close()

	regions := []ocr.Region{{Text: "one"}, {Text: "two"}, {Text: "three"}}
	got, err := Regions(context.Background(), newTestClient(t, srv.URL, 0), worker.New(3), regions, "EN")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"T(one)", FailedText, "T(three)"}
	for i, w := range want {
		if got[i].Translated != w || got[i].Text != regions[i].Text {
			t.Fatalf("region %d = %+v, want %q", i, got[i], w)
		}
	}
	if Failed(got) != 1 {
		t.Fatalf("Failed = %d", Failed(got))
	}
}

func TestRegionsKeepsFinishedWorkWhenContextEnds(t *testing.T) {
	slow := Func(func(ctx context.Context, text, _ string) (string, error) {
		if text == "slow" {
			<-ctx.Done()
			return "", ctx.Err()
		}
		return "T:" + text, nil
	})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	regions := []ocr.Region{{Text: "fast"}, {Text: "slow"}, {Text: "never"}}
	got, err := Regions(ctx, slow, worker.New(1), regions, "EN")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if len(got) != len(regions) {
		t.Fatalf("len = %d", len(got))
	}
	want := []string{"T:fast", FailedText, FailedText}
	for i, w := range want {
		if got[i].Translated != w || got[i].Text != regions[i].Text {
			t.Fatalf("region %d = %+v, want %q", i, got[i], w)
		}
	}
	if Failed(got) != 2 {
		t.Fatalf("Failed = %d", Failed(got))
	}
}

func TestCacheServesRepeatsAndSkipsFailures(t *testing.T) {
	var calls atomic.Int32
	fail := false
	next := Func(func(ctx context.Context, text, target string) (string, error) {
		calls.Add(1)
		if fail {
			return "", &TranslationError{Status: 500, Cause: errors.New("boom")}
		}
		return target + ":" + text, nil
	})

	c, err := OpenCache(filepath.Join(t.TempDir(), "cache", "translations.db"), next)
	if err != nil {
		t.Fatalf("OpenCache: %v", err)
	}
	defer c.Close()
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		got, err := c.Translate(ctx, "hola", "EN")
		if err != nil || got != "EN:hola" {
			t.Fatalf("got %q, %v", got, err)
		}
	}
	if calls.Load() != 1 {
		t.Fatalf("upstream calls = %d, want 1", calls.Load())
	}

	fail = true
	if _, err := c.Translate(ctx, "nuevo", "EN"); err == nil {
		t.Fatal("expected upstream error")
	}
	if n, _ := c.Len(ctx); n != 1 {
		t.Fatalf("cache entries = %d, failures must not be stored", n)
	}

	if err := c.Clear(ctx); err != nil {
		t.Fatal(err)
	}
	if n, _ := c.Len(ctx); n != 0 {
		t.Fatalf("cache entries after Clear = %d", n)
	}
}

// Package translate talks to the form-encoded translation service.
package translate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// FailedText replaces the translation of a region whose request failed.
const FailedText = "Translation failed"

const (
	DefaultTargetLang = "EN"
	DefaultTimeout    = 10 * time.Second
	initialBackoff    = 250 * time.Millisecond
	maxErrorBody      = 512
)

// Translator translates a single piece of text.
type Translator interface {
	Translate(ctx context.Context, text, targetLang string) (string, error)
}

// TranslationError reports a failed call. Status is the HTTP status when the
// service answered, 0 otherwise.
type TranslationError struct {
	Status int
	Cause  error
}

func (e *TranslationError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("translation failed (status %d): %v", e.Status, e.Cause)
	}
	return fmt.Sprintf("translation failed: %v", e.Cause)
}

func (e *TranslationError) Unwrap() error { return e.Cause }

// retryable reports transport failures, throttling and server errors.
func (e *TranslationError) retryable() bool {
	if errors.Is(e.Cause, context.Canceled) {
		return false
	}
	return e.Status == 0 || e.Status == http.StatusTooManyRequests || e.Status >= 500
}

var (
	ErrMissingKey    = errors.New("translation auth key is required")
	ErrEmptyResponse = errors.New("response has no translations")
)

type Config struct {
	Endpoint string
	AuthKey  string
	Timeout  time.Duration
	Retries  int
}

// Client calls the translation endpoint.
type Client struct {
	endpoint   string
	authKey    string
	timeout    time.Duration
	retries    int
	httpClient *http.Client
	sleep      func(context.Context, time.Duration) error
}

func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.AuthKey) == "" {
		return nil, ErrMissingKey
	}
	if _, err := url.ParseRequestURI(cfg.Endpoint); err != nil {
		return nil, fmt.Errorf("invalid translation endpoint %q: %w", cfg.Endpoint, err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	retries := cfg.Retries
	if retries < 0 {
		retries = 0
	}
	return &Client{
		endpoint:   cfg.Endpoint,
		authKey:    cfg.AuthKey,
		timeout:    timeout,
		retries:    retries,
		httpClient: &http.Client{},
		sleep:      sleepCtx,
	}, nil
}

type response struct {
	Translations []struct {
		Text string `json:"text"`
	} `json:"translations"`
}

// Translate sends text and returns translations[0].text. The whole call,
// retries included, is bounded by the client timeout.
func (c *Client) Translate(ctx context.Context, text, targetLang string) (string, error) {
	if targetLang == "" {
		targetLang = DefaultTargetLang
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var lastErr *TranslationError
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			delay := initialBackoff * time.Duration(1<<(attempt-1))
			if err := c.sleep(ctx, delay); err != nil {
				return "", &TranslationError{Cause: err}
			}
			slog.Debug("retrying translation", "attempt", attempt, "status", lastErr.Status, "err", lastErr.Cause)
		}

		out, err := c.do(ctx, text, targetLang)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if !err.retryable() || ctx.Err() != nil {
			break
		}
	}
	return "", lastErr
}

func (c *Client) do(ctx context.Context, text, targetLang string) (string, *TranslationError) {
	form := url.Values{}
	form.Set("auth_key", c.authKey)
	form.Set("text", text)
	form.Set("target_lang", targetLang)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", &TranslationError{Cause: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &TranslationError{Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return "", &TranslationError{
			Status: resp.StatusCode,
			Cause:  fmt.Errorf("service returned %s: %s", resp.Status, strings.TrimSpace(string(body))),
		}
	}

	var decoded response
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", &TranslationError{Status: resp.StatusCode, Cause: fmt.Errorf("decode response: %w", err)}
	}
	if len(decoded.Translations) == 0 {
		return "", &TranslationError{Status: resp.StatusCode, Cause: ErrEmptyResponse}
	}
	return decoded.Translations[0].Text, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Func adapts a function to Translator.
type Func func(ctx context.Context, text, targetLang string) (string, error)

func (f Func) Translate(ctx context.Context, text, targetLang string) (string, error) {
	return f(ctx, text, targetLang)
}

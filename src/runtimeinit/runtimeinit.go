package runtimeinit

import (
	"errors"
	"fmt"
	"log/slog"

	"translatable/src/clipboard"
	"translatable/src/config"
	"translatable/src/history"
	"translatable/src/logutil"
	"translatable/src/notes"
	"translatable/src/ocr"
	"translatable/src/overlay"
	"translatable/src/session"
	"translatable/src/translate"
	"translatable/src/worker"
)

type Options struct {
	LoadOptions  config.LoadOptions
	SetupLogging func(bool)
	// InitClipboard is set by the resident; the one-shot CLI never touches it.
	InitClipboard bool
}

// Runtime holds the collaborators every entry point shares.
type Runtime struct {
	Config     *config.Config
	History    *history.Store
	Notes      *notes.Store
	Recognizer ocr.Recognizer
	Translator translate.Translator
	Cache      *translate.Cache
	Compositor *overlay.Compositor
	Pool       *worker.Pool
}

// SessionOptions returns stage options for one run. History is left unset.
func (r *Runtime) SessionOptions() session.Options {
	opts := session.Options{
		Recognizer: r.Recognizer,
		Translator: r.Translator,
		Pool:       r.Pool,
		TargetLang: r.Config.TargetLang,
		Deadline:   r.Config.RunDeadline,
	}
	if r.Compositor != nil {
		opts.Compositor = r.Compositor
	}
	return opts
}

func (r *Runtime) Close() error {
	if r.Cache != nil {
		return r.Cache.Close()
	}
	return nil
}

func Bootstrap(opts Options) (*Runtime, error) {
	cfg, err := config.LoadWithOptions(opts.LoadOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if opts.SetupLogging != nil {
		opts.SetupLogging(cfg.EnableFileLogging)
	}

	if cfg.AuthKey == "" {
		return nil, fmt.Errorf("%s is required. Checked key file %s and %s env var", config.AuthKeyEnvVar, cfg.AuthKeyPath, config.AuthKeyEnvVar)
	}

	client, err := translate.NewClient(translate.Config{
		Endpoint: cfg.Endpoint,
		AuthKey:  cfg.AuthKey,
		Timeout:  cfg.TranslateTimeout,
		Retries:  cfg.TranslateRetries,
	})
	if err != nil {
		return nil, err
	}

	compositor, err := overlay.New(cfg.OverlayFont)
	if err != nil {
		return nil, err
	}

	rt := &Runtime{
		Config:     cfg,
		History:    history.New(cfg.HistoryDir),
		Notes:      notes.New(cfg.NotesDir),
		Recognizer: ocr.NewTesseract(cfg.OCRLanguages...),
		Translator: client,
		Compositor: compositor,
		Pool:       worker.New(cfg.TranslateParallel),
	}

	if cfg.TranslationCache != "" {
		cache, err := translate.OpenCache(cfg.TranslationCache, client)
		if err != nil {
			return nil, err
		}
		rt.Cache = cache
		rt.Translator = cache
	}

	if opts.InitClipboard {
		if err := clipboard.Init(); err != nil {
			return nil, errors.Join(fmt.Errorf("failed to initialize clipboard: %w", err), rt.Close())
		}
	}

	slog.Info("runtime initialized",
		"endpoint", cfg.Endpoint,
		"key", logutil.RedactKey(cfg.AuthKey),
		"target", cfg.TargetLang,
		"ocr_languages", cfg.OCRLanguages,
		"history", cfg.HistoryDir,
		"cache", cfg.TranslationCache != "",
	)
	return rt, nil
}

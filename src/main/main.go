package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"translatable/src/clipboard"
	"translatable/src/config"
	"translatable/src/logutil"
	"translatable/src/pipeline"
	"translatable/src/runtimeinit"
	"translatable/src/server"
	"translatable/src/watcher"
)

type mainOptions struct {
	authKeyPath string
	historyDir  string
	target      string
	listen      string
	noServer    bool
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	opts := &mainOptions{}
	cmd := newRootCmd(opts)
	cmd.SetArgs(normalizeLegacyArgs(os.Args)[1:])
	return cmd.Execute()
}

func newRootCmd(opts *mainOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "translatable",
		Short:         "Watch the clipboard and translate copied screenshots",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runResident(ctx, *opts)
		},
	}

	cmd.Flags().StringVar(&opts.authKeyPath, "auth-key-path", "", "Path to translation auth key file (highest precedence)")
	cmd.Flags().StringVar(&opts.historyDir, "history-dir", "", "Directory for captured screenshots")
	cmd.Flags().StringVar(&opts.target, "target", "", "Target language code (default from TARGET_LANG)")
	cmd.Flags().StringVar(&opts.listen, "listen", "", "HTTP listen address (default from LISTEN_ADDR)")
	cmd.Flags().BoolVar(&opts.noServer, "no-server", false, "Do not start the local HTTP surface")

	return cmd
}

func normalizeLegacyArgs(args []string) []string {
	if len(args) == 0 {
		return args
	}

	normalized := make([]string, len(args))
	copy(normalized, args)

	for i := 1; i < len(normalized); i++ {
		arg := normalized[i]
		for _, name := range []string{"auth-key-path", "history-dir", "target", "listen", "no-server"} {
			switch {
			case arg == "-"+name:
				normalized[i] = "--" + name
			case strings.HasPrefix(arg, "-"+name+"="):
				normalized[i] = "-" + arg
			}
		}
	}

	return normalized
}

func runResident(ctx context.Context, opts mainOptions) error {
	rt, err := runtimeinit.Bootstrap(runtimeinit.Options{
		LoadOptions: config.LoadOptions{
			AuthKeyPathOverride: opts.authKeyPath,
			TargetLangOverride:  opts.target,
			HistoryDirOverride:  opts.historyDir,
		},
		SetupLogging:  logutil.Setup,
		InitClipboard: true,
	})
	if err != nil {
		return err
	}
	defer rt.Close()
	cfg := rt.Config

	orch := newOrchestrator(rt)
	if ok, err := orch.LoadMostRecent(); err != nil {
		slog.Warn("could not restore most recent capture", "stage", "load", "err", err)
	} else if ok {
		slog.Info("most recent capture restored")
	}

	w := watcher.New(clipboard.System{}, watcher.Options{
		Interval:           cfg.PollInterval,
		SimilarityGate:     cfg.SimilarityDistance >= 0,
		SimilarityDistance: cfg.SimilarityDistance,
	})

	listen := cfg.ListenAddr
	if opts.listen != "" {
		listen = opts.listen
	}

	slog.Info("translatable started",
		"poll_interval", cfg.PollInterval,
		"target", cfg.TargetLang,
		"listen", listen,
		"server", !opts.noServer,
	)

	g, gctx := errgroup.WithContext(ctx)
	w.Start(gctx)
	g.Go(func() error {
		defer w.Stop()
		return orch.Run(gctx, w.Events())
	})
	if !opts.noServer {
		srv := server.New(orch, rt.Notes, cfg.ExportDir)
		g.Go(func() error { return srv.ListenAndServe(gctx, listen) })
	}

	runErr := g.Wait()

	// Leaving the session: captures must not outlive it.
	clearCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := orch.ClearScreenshotHistory(clearCtx); err != nil {
		slog.Error("failed to clear screenshot history on exit", "err", err)
	}

	if errors.Is(runErr, context.Canceled) {
		slog.Info("translatable stopped")
		return nil
	}
	return runErr
}

func newOrchestrator(rt *runtimeinit.Runtime) *pipeline.Orchestrator {
	opts := pipeline.Options{Session: rt.SessionOptions(), History: rt.History}
	if rt.Cache != nil {
		opts.Cache = rt.Cache
	}
	return pipeline.New(opts)
}

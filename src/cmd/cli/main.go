package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"translatable/src/clipboard"
	"translatable/src/config"
	"translatable/src/logutil"
	"translatable/src/runtimeinit"
	"translatable/src/screenshot"
	"translatable/src/session"
)

const (
	maxFileSizeMB = 50
	maxFileSize   = maxFileSizeMB * 1024 * 1024
)

type cliOptions struct {
	filePath    string
	screen      bool
	region      string
	outPath     string
	jsonOutput  bool
	verbose     bool
	target      string
	authKeyPath string
	copyText    bool
}

type deps struct {
	bootstrap func(runtimeinit.Options) (*runtimeinit.Runtime, error)
	capture   func(screenshot.Region) (clipboard.Blob, error)
	copyText  func(string) error
	stdin     io.Reader
	stdout    io.Writer
	stderr    io.Writer
}

func defaultDeps() deps {
	return deps{
		bootstrap: runtimeinit.Bootstrap,
		capture:   screenshot.Capture,
		copyText:  clipboard.WriteText,
		stdin:     os.Stdin,
		stdout:    os.Stdout,
		stderr:    os.Stderr,
	}
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	return runWithArgs(normalizeLegacyArgs(os.Args), defaultDeps())
}

func runWithArgs(args []string, d deps) error {
	if len(args) == 0 {
		args = []string{"translatable-cli"}
	}

	opts := &cliOptions{}
	cmd := newRootCmd(opts, d)
	cmd.SetArgs(args[1:])
	cmd.SetOut(d.stdout)
	cmd.SetErr(d.stderr)
	return cmd.Execute()
}

func newRootCmd(opts *cliOptions, d deps) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "translatable-cli",
		Short:         "Recognize, translate and annotate one image",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if (opts.filePath == "") == !opts.screen {
				return fmt.Errorf("exactly one of --file or --screen is required")
			}
			return runWithOptions(cmd.Context(), *opts, d)
		},
	}

	cmd.Flags().StringVar(&opts.filePath, "file", "", "Path to PNG or TIFF file (use '-' for stdin)")
	cmd.Flags().BoolVar(&opts.screen, "screen", false, "Capture the screen instead of reading a file")
	cmd.Flags().StringVar(&opts.region, "region", "", "Screen region x,y,width,height (with --screen)")
	cmd.Flags().StringVarP(&opts.outPath, "out", "o", "", "Write the annotated image to this path")
	cmd.Flags().BoolVar(&opts.jsonOutput, "json", false, "Output results as JSON")
	cmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "Verbose output to stderr")
	cmd.Flags().StringVar(&opts.target, "target", "", "Target language code (default from TARGET_LANG)")
	cmd.Flags().StringVar(&opts.authKeyPath, "auth-key-path", "", "Path to translation auth key file (highest precedence)")
	cmd.Flags().BoolVar(&opts.copyText, "copy", false, "Copy the translated text to the clipboard")
	cmd.MarkFlagsMutuallyExclusive("file", "screen")

	return cmd
}

func runWithOptions(ctx context.Context, opts cliOptions, d deps) error {
	if ctx == nil {
		ctx = context.Background()
	}
	// Logging goes to stderr only when asked; stdout carries the result.
	level := slog.LevelWarn
	if opts.verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(d.stderr, &slog.HandlerOptions{Level: level})))

	rt, err := d.bootstrap(runtimeinit.Options{
		LoadOptions: config.LoadOptions{
			AuthKeyPathOverride: opts.authKeyPath,
			TargetLangOverride:  opts.target,
		},
	})
	if err != nil {
		return err
	}
	defer rt.Close()

	slog.Debug("config loaded", "key_path", rt.Config.AuthKeyPath, "key", logutil.RedactKey(rt.Config.AuthKey), "target", rt.Config.TargetLang)

	blob, source, err := loadInput(opts, d)
	if err != nil {
		return err
	}
	slog.Debug("input loaded", "source", source, "format", blob.Format(), "bytes", blob.Len())

	start := time.Now()
	res, err := session.Execute(ctx, blob, rt.SessionOptions())
	elapsed := time.Since(start)
	if err != nil {
		return fmt.Errorf("pipeline %s: %w", res.Status, err)
	}
	slog.Debug("pipeline done", "regions", len(res.Regions), "elapsed", elapsed)

	if opts.outPath != "" {
		if err := os.WriteFile(opts.outPath, res.Image.Bytes(), 0o600); err != nil {
			return fmt.Errorf("failed to write %s: %w", opts.outPath, err)
		}
	}
	if opts.copyText {
		if text := translatedText(res); text != "" {
			if err := d.copyText(text); err != nil {
				return fmt.Errorf("failed to copy to clipboard: %w", err)
			}
			slog.Debug("translated text copied to clipboard", "chars", len(text))
		}
	}
	return outputResult(d.stdout, res, source, opts.outPath, elapsed, opts.jsonOutput)
}

func loadInput(opts cliOptions, d deps) (clipboard.Blob, string, error) {
	if opts.screen {
		var region screenshot.Region
		if opts.region != "" {
			var err error
			if region, err = screenshot.ParseRegion(opts.region); err != nil {
				return clipboard.Blob{}, "", err
			}
		}
		blob, err := d.capture(region)
		if err != nil {
			return clipboard.Blob{}, "", fmt.Errorf("screen capture failed: %w", err)
		}
		return blob, "screen", nil
	}

	var data []byte
	var err error
	if opts.filePath == "-" {
		data, err = io.ReadAll(io.LimitReader(d.stdin, maxFileSize+1))
		if err != nil {
			return clipboard.Blob{}, "", fmt.Errorf("failed to read from stdin: %w", err)
		}
	} else {
		data, err = os.ReadFile(opts.filePath)
		if err != nil {
			return clipboard.Blob{}, "", fmt.Errorf("failed to read file %s: %w", opts.filePath, err)
		}
	}
	blob, err := validateImage(data)
	if err != nil {
		return clipboard.Blob{}, "", err
	}
	return blob, opts.filePath, nil
}

var (
	pngMagic    = []byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a, 0x1a, 0x0a}
	tiffMagicLE = []byte{'I', 'I', 0x2a, 0x00}
	tiffMagicBE = []byte{'M', 'M', 0x00, 0x2a}
)

// validateImage checks size and magic number and tags the bytes with their format.
func validateImage(data []byte) (clipboard.Blob, error) {
	if len(data) == 0 {
		return clipboard.Blob{}, fmt.Errorf("input file is empty")
	}
	if len(data) > maxFileSize {
		return clipboard.Blob{}, fmt.Errorf("input file exceeds maximum size of %d MB", maxFileSizeMB)
	}
	switch {
	case bytes.HasPrefix(data, pngMagic):
		return clipboard.NewBlob(data, clipboard.FormatPNG), nil
	case bytes.HasPrefix(data, tiffMagicLE), bytes.HasPrefix(data, tiffMagicBE):
		return clipboard.NewBlob(data, clipboard.FormatTIFF), nil
	}
	return clipboard.Blob{}, fmt.Errorf("input is not a PNG or TIFF file (invalid magic number)")
}

type RegionResult struct {
	Text       string  `json:"text"`
	Translated string  `json:"translated"`
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Width      float64 `json:"width"`
	Height     float64 `json:"height"`
	Confidence float64 `json:"confidence"`
	Failed     bool    `json:"failed,omitempty"`
}

type Result struct {
	Source    string         `json:"source"`
	Status    string         `json:"status"`
	Output    string         `json:"output,omitempty"`
	Timestamp string         `json:"timestamp"`
	Duration  float64        `json:"duration_seconds"`
	Regions   []RegionResult `json:"regions"`
}

// translatedText joins region translations one per line, in recognizer order.
func translatedText(res session.Result) string {
	lines := make([]string, 0, len(res.Regions))
	for _, r := range res.Regions {
		lines = append(lines, r.Translated)
	}
	return strings.Join(lines, "\n")
}

func outputResult(w io.Writer, res session.Result, source, outPath string, elapsed time.Duration, jsonOutput bool) error {
	if !jsonOutput {
		if text := translatedText(res); text != "" {
			_, err := fmt.Fprintln(w, text)
			return err
		}
		return nil
	}

	out := Result{
		Source:    source,
		Status:    string(res.Status),
		Output:    outPath,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Duration:  elapsed.Seconds(),
		Regions:   make([]RegionResult, 0, len(res.Regions)),
	}
	for _, r := range res.Regions {
		out.Regions = append(out.Regions, RegionResult{
			Text:       r.Text,
			Translated: r.Translated,
			X:          r.Box.X,
			Y:          r.Box.Y,
			Width:      r.Box.Width,
			Height:     r.Box.Height,
			Confidence: r.Confidence,
			Failed:     r.Err != nil,
		})
	}

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(out); err != nil {
		return fmt.Errorf("failed to encode JSON output: %w", err)
	}
	return nil
}

func normalizeLegacyArgs(args []string) []string {
	if len(args) == 0 {
		return args
	}

	normalized := make([]string, len(args))
	copy(normalized, args)

	for i := 1; i < len(normalized); i++ {
		arg := normalized[i]
		for _, name := range []string{"file", "json", "screen", "out", "target"} {
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

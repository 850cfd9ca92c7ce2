// Command stress-supersede floods the clipboard with distinct images while a
// resident instance is running and checks that only the newest run publishes.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/spf13/cobra"

	"translatable/src/clipboard"
)

type stressOptions struct {
	n        int
	gap      time.Duration
	addr     string
	deadline time.Duration
}

type eventMessage struct {
	Type   string `json:"type"`
	RunID  string `json:"runId,omitempty"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type report struct {
	Started   int
	Cancelled int
	Done      int
	Failed    int
	LastRun   string
	LastState string
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	opts := &stressOptions{}
	cmd := newRootCmd(opts)
	return cmd.Execute()
}

func newRootCmd(opts *stressOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "stress-supersede",
		Short:         "Copy images in quick succession and verify only the last run publishes",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithOptions(cmd.Context(), *opts)
		},
	}

	cmd.Flags().IntVar(&opts.n, "n", 10, "number of images to copy")
	cmd.Flags().DurationVar(&opts.gap, "gap", 250*time.Millisecond, "delay between copies")
	cmd.Flags().StringVar(&opts.addr, "addr", "127.0.0.1:49600", "address of the resident HTTP surface")
	cmd.Flags().DurationVar(&opts.deadline, "deadline", 60*time.Second, "overall timeout")

	return cmd
}

func runWithOptions(ctx context.Context, opts stressOptions) error {
	if opts.n <= 0 {
		return errors.New("--n must be positive")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, opts.deadline)
	defer cancel()

	if err := clipboard.Init(); err != nil {
		return err
	}
	conn, _, err := websocket.Dial(ctx, "ws://"+opts.addr+"/v1/events", nil)
	if err != nil {
		return fmt.Errorf("connect events: %w", err)
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	msgs := make(chan eventMessage, 256)
	go func() {
		defer close(msgs)
		for {
			var m eventMessage
			if err := wsjson.Read(ctx, conn, &m); err != nil {
				return
			}
			msgs <- m
		}
	}()

	start := time.Now()
	for i := 0; i < opts.n; i++ {
		blob, err := clipboard.Encode(frame(i), clipboard.FormatPNG)
		if err != nil {
			return err
		}
		if err := clipboard.WriteImage(blob); err != nil {
			return err
		}
		time.Sleep(opts.gap)
	}

	var events []eventMessage
	for {
		r := summarize(events)
		if r.Started > 0 && isTerminal(r.LastState) {
			break
		}
		select {
		case m, ok := <-msgs:
			if !ok {
				return fmt.Errorf("event stream closed after %d events", len(events))
			}
			events = append(events, m)
			continue
		case <-ctx.Done():
			return fmt.Errorf("waiting for last run: %w", ctx.Err())
		}
	}

	r := summarize(events)
	published, err := fetchRunID(ctx, "http://"+opts.addr)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "copied=%d started=%d cancelled=%d done=%d failed=%d elapsed=%s\n",
		opts.n, r.Started, r.Cancelled, r.Done, r.Failed, time.Since(start))
	return r.verify(published)
}

func isTerminal(status string) bool {
	return status == "done" || status == "failed" || status == "cancelled"
}

// frame returns a small image whose pixels differ for every i.
func frame(i int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 64, 32))
	c := color.RGBA{R: uint8(i * 37), G: uint8(i * 91), B: uint8(i), A: 255}
	for y := 0; y < 32; y++ {
		for x := 0; x < 64; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	img.SetRGBA(i%64, (i/64)%32, color.RGBA{A: 255})
	return img
}

func summarize(events []eventMessage) report {
	var r report
	state := map[string]string{}
	for _, ev := range events {
		if ev.Type != "run" {
			continue
		}
		switch ev.Status {
		case "pending":
			r.Started++
			r.LastRun = ev.RunID
		case "cancelled":
			r.Cancelled++
		case "done":
			r.Done++
		case "failed":
			r.Failed++
		}
		state[ev.RunID] = ev.Status
	}
	r.LastState = state[r.LastRun]
	return r
}

func (r report) verify(published string) error {
	if r.LastState == "cancelled" {
		return fmt.Errorf("last run %s was cancelled", r.LastRun)
	}
	if published != r.LastRun {
		return fmt.Errorf("published run %q, want last run %q", published, r.LastRun)
	}
	return nil
}

func fetchRunID(ctx context.Context, base string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/v1/result", nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch result: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("fetch result: status %d: %s", resp.StatusCode, body)
	}
	var out struct {
		RunID string `json:"runId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode result: %w", err)
	}
	return out.RunID, nil
}

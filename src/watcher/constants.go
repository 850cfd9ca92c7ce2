package watcher

import "time"

const (
	// DefaultInterval is the clipboard polling period.
	DefaultInterval = 100 * time.Millisecond

	// DefaultEventBuffer bounds events queued for a slow consumer.
	DefaultEventBuffer = 4
)

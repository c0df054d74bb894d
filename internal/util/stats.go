package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Global stats singleton
// ──────────────────────────────────────────────────────────────────────────────

// Stats is the process-wide signaling frame counter.
var Stats = &stats{}

type stats struct {
	FramesSent atomic.Int64 // STOMP SEND frames written to the broker
	FramesRecv atomic.Int64 // MESSAGE frames received on the reply queue
	Queued     atomic.Int64 // payloads buffered while not yet registered
	Dropped    atomic.Int64 // payloads dropped in CLOSED or ERROR state
}

func (s *stats) AddSent()    { s.FramesSent.Add(1) }
func (s *stats) AddRecv()    { s.FramesRecv.Add(1) }
func (s *stats) AddQueued()  { s.Queued.Add(1) }
func (s *stats) AddDropped() { s.Dropped.Add(1) }

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs frame statistics every
// interval, but only when something changed. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		var prev snapshot
		for {
			select {
			case <-ticker.C:
				cur := takeSnapshot()
				if cur != prev {
					pterm.DefaultLogger.Info(formatStats(cur.sub(prev)))
				}
				prev = cur

			case <-ctx.Done():
				return
			}
		}
	}()
}

type snapshot struct {
	sent, recv, queued, dropped int64
}

func takeSnapshot() snapshot {
	return snapshot{
		sent:    Stats.FramesSent.Load(),
		recv:    Stats.FramesRecv.Load(),
		queued:  Stats.Queued.Load(),
		dropped: Stats.Dropped.Load(),
	}
}

func (s snapshot) sub(o snapshot) snapshot {
	return snapshot{
		sent:    s.sent - o.sent,
		recv:    s.recv - o.recv,
		queued:  s.queued - o.queued,
		dropped: s.dropped - o.dropped,
	}
}

// formatStats returns the per-interval deltas formatted for the logger.
func formatStats(d snapshot) string {
	return fmt.Sprintf("Frames: %3d↑ %3d↓ | Queued: %2d | Dropped: %2d",
		d.sent,
		d.recv,
		d.queued,
		d.dropped,
	)
}

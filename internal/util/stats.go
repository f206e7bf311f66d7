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

// Stats is the process-wide traffic counter.
var Stats = &stats{}

type stats struct {
	PeersJoined atomic.Int64 // cumulative peer connections since process start
	PeersLeft   atomic.Int64 // cumulative peer disconnections since process start
	BytesSent   atomic.Int64 // cumulative bytes written by the relay
	BytesRecv   atomic.Int64 // cumulative bytes read by the relay
	Forwarded   atomic.Int64 // packets relayed on behalf of another peer
	Dropped     atomic.Int64 // packets discarded: malformed, spoofed or queue full
}

func (s *stats) AddPeer()      { s.PeersJoined.Add(1) }
func (s *stats) RemovePeer()   { s.PeersLeft.Add(1) }
func (s *stats) AddSent(n int) { s.BytesSent.Add(int64(n)) }
func (s *stats) AddRecv(n int) { s.BytesRecv.Add(int64(n)) }
func (s *stats) AddForwarded() { s.Forwarded.Add(1) }
func (s *stats) AddDropped()   { s.Dropped.Add(1) }

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs traffic statistics
// every 10 seconds. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()

		var prevSent, prevRecv, prevJoined, prevLeft, prevFwd, prevDrop int64
		for {
			select {
			case <-ticker.C:
				joined := Stats.PeersJoined.Load()
				left := Stats.PeersLeft.Load()
				sent := Stats.BytesSent.Load()
				recv := Stats.BytesRecv.Load()
				fwd := Stats.Forwarded.Load()
				drop := Stats.Dropped.Load()

				outS := float64(sent-prevSent) / 10.0
				inS := float64(recv-prevRecv) / 10.0
				inC := joined - prevJoined
				outC := left - prevLeft

				if inC > 0 || outC > 0 || inS > 10 || outS > 10 || drop > prevDrop {
					pterm.DefaultLogger.Info(formatStats(inS, outS, inC, outC, fwd-prevFwd, drop-prevDrop))
				}

				prevSent = sent
				prevRecv = recv
				prevJoined = joined
				prevLeft = left
				prevFwd = fwd
				prevDrop = drop

			case <-ctx.Done():
				return
			}
		}
	}()
}

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// formatBytes formats a byte count into a human-readable string with fixed width (exactly 8 chars)
// for example: "99.0   B", " 1.5 KiB", " 0.1 MiB", "98.9 GiB", etc.
func formatBytes(b float64) string {
	unitIdx := 0

	// to prevent "100.0 KiB", which is 9 chars
	for b > 99 && unitIdx < 5 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

// formatStats returns a formatted string of the current stats for display in the logger.
func formatStats(inS, outS float64, inC, outC, fwd, drop int64) string {
	return fmt.Sprintf("In: %s/s | Out: %s/s | Peers: %2d↑ %2d↓ | Relayed: %d | Dropped: %d",
		formatBytes(inS),
		formatBytes(outS),
		inC,
		outC,
		fwd,
		drop,
	)
}

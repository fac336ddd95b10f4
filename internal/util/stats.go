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

// Stats is the process-wide traffic/session counter.
var Stats = &stats{}

type stats struct {
	TotalSessions  atomic.Int64 // cumulative count of established sessions
	ClosedSessions atomic.Int64 // cumulative count of closed sessions
	BytesSent      atomic.Int64 // cumulative datagram bytes written to the socket
	BytesRecv      atomic.Int64 // cumulative datagram bytes read from the socket
	Retransmits    atomic.Int64 // cumulative DATA retransmissions
	Dropped        atomic.Int64 // cumulative datagrams dropped on receive
}

func (s *stats) AddSession()    { s.TotalSessions.Add(1) }
func (s *stats) RemoveSession() { s.ClosedSessions.Add(1) }
func (s *stats) AddSent(n int)  { s.BytesSent.Add(int64(n)) }
func (s *stats) AddRecv(n int)  { s.BytesRecv.Add(int64(n)) }
func (s *stats) AddRetransmit() { s.Retransmits.Add(1) }
func (s *stats) AddDropped()    { s.Dropped.Add(1) }

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs transport statistics
// every interval. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		secs := interval.Seconds()
		var prev snapshot
		for {
			select {
			case <-ticker.C:
				cur := takeSnapshot()

				outS := float64(cur.sent-prev.sent) / secs
				inS := float64(cur.recv-prev.recv) / secs
				opened := cur.total - prev.total
				closed := cur.closed - prev.closed
				rtx := cur.rtx - prev.rtx

				if opened > 0 || closed > 0 || inS > 10 || outS > 10 || rtx > 0 {
					pterm.DefaultLogger.Info(formatStats(inS, outS, opened, closed, rtx))
				}
				prev = cur

			case <-ctx.Done():
				return
			}
		}
	}()
}

type snapshot struct {
	total, closed, sent, recv, rtx int64
}

func takeSnapshot() snapshot {
	return snapshot{
		total:  Stats.TotalSessions.Load(),
		closed: Stats.ClosedSessions.Load(),
		sent:   Stats.BytesSent.Load(),
		recv:   Stats.BytesRecv.Load(),
		rtx:    Stats.Retransmits.Load(),
	}
}

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// formatBytes formats a byte count into a fixed-width (8 chars) string,
// e.g. "99.0   B", " 1.5 KiB".
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
func formatStats(inS, outS float64, opened, closed, rtx int64) string {
	return fmt.Sprintf("In: %s/s | Out: %s/s | Sessions: %2d↑ %2d↓ | Rtx: %d",
		formatBytes(inS),
		formatBytes(outS),
		opened,
		closed,
		rtx,
	)
}

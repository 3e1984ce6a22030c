package progress

import (
	"log/slog"
	"time"
)

// Tracker wraps a Reporter and logs throughput at fixed byte intervals,
// so long transfers leave a trace without flooding the log.
type Tracker struct {
	rep       Reporter
	operation string

	total        int64
	processed    int64
	start        time.Time
	lastLogTime  time.Time
	lastLogBytes int64
	logInterval  int64
}

// NewTracker creates a tracker for one operation (e.g. "download",
// "flash"). logIntervalBytes of 0 disables interval logging.
func NewTracker(rep Reporter, operation string, total, logIntervalBytes int64) *Tracker {
	now := time.Now()
	rep.SetTotal(total)
	return &Tracker{
		rep:         rep,
		operation:   operation,
		total:       total,
		start:       now,
		lastLogTime: now,
		logInterval: logIntervalBytes,
	}
}

// Add forwards the delta to the reporter and logs when a log interval
// boundary is crossed.
func (t *Tracker) Add(n int64) {
	t.rep.Add(n)
	t.processed += n

	if t.logInterval <= 0 {
		return
	}
	if t.processed/t.logInterval == t.lastLogBytes/t.logInterval {
		return
	}

	now := time.Now()
	elapsed := now.Sub(t.lastLogTime).Seconds()
	var speed float64
	if elapsed > 0 {
		speed = float64(t.processed-t.lastLogBytes) / (1024 * 1024) / elapsed
	}
	t.lastLogTime = now
	t.lastLogBytes = t.processed

	slog.Debug("transfer_progress",
		"operation", t.operation,
		"processed_mb", t.processed/1024/1024,
		"total_mb", t.total/1024/1024,
		"speed_mbps", speed)
}

// Finish logs the final throughput summary.
func (t *Tracker) Finish() {
	elapsed := time.Since(t.start).Seconds()
	var avg float64
	if elapsed > 0 {
		avg = float64(t.processed) / (1024 * 1024) / elapsed
	}
	slog.Info("transfer_complete",
		"operation", t.operation,
		"total_mb", t.processed/1024/1024,
		"elapsed_s", int64(elapsed),
		"avg_speed_mbps", avg)
}

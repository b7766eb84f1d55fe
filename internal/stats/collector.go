// Package stats aggregates the events of a session into counters and a
// throughput history for presenters.
package stats

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bamsammich/diskbeam/internal/event"
)

const ringSize = 60

// Outcome is how a session ended.
type Outcome int32

const (
	Running Outcome = iota
	Finished
	Cancelled
)

func (o Outcome) String() string {
	switch o {
	case Finished:
		return "finished"
	case Cancelled:
		return "cancelled"
	default:
		return "running"
	}
}

// Collector is an event.Observer that keeps lock-free counters of one
// session.
type Collector struct {
	bytesTotal   atomic.Uint64
	bytesMoved   atomic.Uint64
	opsPlanned   atomic.Int64
	opsCompleted atomic.Int64
	connections  atomic.Int64
	warnings     atomic.Int64
	outcome      atomic.Int32
	startTime    time.Time

	// Ring buffer, written only by the presenter's Tick.
	mu         sync.Mutex
	throughput [ringSize]int64 // bytes delta per second
	ringIdx    int
	ringCount  int
	lastBytes  uint64
}

var _ event.Observer = (*Collector)(nil)

// NewCollector creates a Collector with startTime set to now.
func NewCollector() *Collector {
	return &Collector{startTime: time.Now()}
}

// Notify folds ev into the counters.
func (c *Collector) Notify(ev event.Event) {
	switch ev := ev.(type) {
	case event.TransferEvent:
		switch ev.Kind {
		case event.TotalSize:
			c.bytesTotal.Store(ev.Bytes)
		case event.TransferredBytes:
			c.bytesMoved.Store(ev.Bytes)
		}
	case event.OperationEvent:
		switch ev.Change {
		case event.Added:
			c.opsPlanned.Add(1)
		case event.Completed:
			c.opsCompleted.Add(1)
		}
	case event.GeneralEvent:
		switch ev.Kind {
		case event.NewConnection:
			c.connections.Add(1)
		case event.FinishExecution:
			c.outcome.Store(int32(Finished))
		case event.CancelExecution:
			c.outcome.Store(int32(Cancelled))
		}
	case event.Notification:
		c.warnings.Add(1)
	}
}

// Snapshot is a point-in-time read of all counters.
type Snapshot struct {
	BytesTotal   uint64
	BytesMoved   uint64
	OpsPlanned   int64
	OpsCompleted int64
	Connections  int64
	Warnings     int64
	Outcome      Outcome
	Elapsed      time.Duration
}

// Snapshot returns a point-in-time read of all counters.
func (c *Collector) Snapshot() Snapshot {
	return Snapshot{
		BytesTotal:   c.bytesTotal.Load(),
		BytesMoved:   c.bytesMoved.Load(),
		OpsPlanned:   c.opsPlanned.Load(),
		OpsCompleted: c.opsCompleted.Load(),
		Connections:  c.connections.Load(),
		Warnings:     c.warnings.Load(),
		Outcome:      Outcome(c.outcome.Load()),
		Elapsed:      c.Elapsed(),
	}
}

// Fraction is the share of the total moved so far, in [0, 1]. It is zero
// while the total is unknown.
func (s Snapshot) Fraction() float64 {
	if s.BytesTotal == 0 {
		return 0
	}
	return min(float64(s.BytesMoved)/float64(s.BytesTotal), 1)
}

// Tick snapshots the byte delta into the ring buffer. Called 1/sec by the presenter.
func (c *Collector) Tick() {
	current := c.bytesMoved.Load()

	c.mu.Lock()
	defer c.mu.Unlock()

	// A new transfer restarts the count.
	delta := int64(current) - int64(c.lastBytes) //nolint:gosec // G115: byte counts fit int64
	if delta < 0 {
		delta = int64(current) //nolint:gosec // G115: byte counts fit int64
	}
	c.lastBytes = current

	c.throughput[c.ringIdx] = delta
	c.ringIdx = (c.ringIdx + 1) % ringSize
	if c.ringCount < ringSize {
		c.ringCount++
	}
}

// RollingSpeed returns average bytes/sec over the last n seconds of samples.
func (c *Collector) RollingSpeed(seconds int) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	count := min(seconds, c.ringCount)
	if count <= 0 {
		return 0
	}
	var sum int64
	for i := range count {
		idx := (c.ringIdx - 1 - i + ringSize) % ringSize
		sum += c.throughput[idx]
	}
	return float64(sum) / float64(count)
}

// SparklineData returns the last n bytes/sec samples, oldest first.
func (c *Collector) SparklineData(n int) []float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	count := min(n, c.ringCount)
	if count <= 0 {
		return nil
	}
	data := make([]float64, count)
	for i := range count {
		idx := (c.ringIdx - count + i + ringSize) % ringSize
		data[i] = float64(c.throughput[idx])
	}
	return data
}

// ETA estimates remaining time based on rolling speed and remaining bytes.
func (c *Collector) ETA() time.Duration {
	speed := c.RollingSpeed(10)
	if speed <= 0 {
		return 0
	}
	total, moved := c.bytesTotal.Load(), c.bytesMoved.Load()
	if moved >= total {
		return 0
	}
	return time.Duration(float64(total-moved)/speed) * time.Second
}

// Elapsed returns time since collector creation.
func (c *Collector) Elapsed() time.Duration {
	return time.Since(c.startTime)
}

func (s Snapshot) String() string {
	return fmt.Sprintf(
		"bytes=%d/%d ops=%d/%d connections=%d warnings=%d %s",
		s.BytesMoved, s.BytesTotal, s.OpsCompleted, s.OpsPlanned,
		s.Connections, s.Warnings, s.Outcome,
	)
}

// FormatBytes returns a human-readable byte count.
func FormatBytes(b uint64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := uint64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(b)/float64(div), "KMGTPE"[exp])
}

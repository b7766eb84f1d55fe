package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/bamsammich/diskbeam/internal/event"
	"github.com/bamsammich/diskbeam/internal/stats"
)

// FormatRate formats a bytes-per-second rate as a human-readable string.
func FormatRate(bytesPerSec float64) string {
	if bytesPerSec <= 0 {
		return "0 B/s"
	}
	units := []string{"B/s", "KB/s", "MB/s", "GB/s", "TB/s"}
	val := bytesPerSec
	for _, u := range units {
		if val < 1024 {
			switch {
			case val < 10:
				return fmt.Sprintf("%.2f %s", val, u)
			case val < 100:
				return fmt.Sprintf("%.1f %s", val, u)
			default:
				return fmt.Sprintf("%.0f %s", val, u)
			}
		}
		val /= 1024
	}
	return fmt.Sprintf("%.1f PB/s", val)
}

// FormatETA formats a remaining duration; unknown is "--".
func FormatETA(d time.Duration) string {
	if d <= 0 {
		return "--"
	}
	return FormatDuration(d)
}

// FormatDuration formats elapsed time concisely.
func FormatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60

	if h > 0 {
		return fmt.Sprintf("%dh %02dm %02ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm %02ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}

// FormatCount formats an integer with comma separators.
func FormatCount(n int64) string {
	if n < 0 {
		return "-" + FormatCount(-n)
	}
	s := fmt.Sprintf("%d", n)
	if len(s) <= 3 {
		return s
	}
	var b strings.Builder
	remainder := len(s) % 3
	if remainder > 0 {
		b.WriteString(s[:remainder])
	}
	for i := remainder; i < len(s); i += 3 {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(s[i : i+3])
	}
	return b.String()
}

// FormatBytes wraps stats.FormatBytes for UI use.
func FormatBytes(b uint64) string {
	return stats.FormatBytes(b)
}

// ProgressBar renders a progress bar of the given width using ▪/□ characters.
func ProgressBar(pct float64, width int) string {
	if width <= 0 {
		return ""
	}
	pct = max(0, min(pct, 1))
	filled := min(int(pct*float64(width)), width)
	return strings.Repeat("▪", filled) + strings.Repeat("□", width-filled)
}

var sparkBlocks = []rune("▁▂▃▄▅▆▇█")

// Sparkline renders the last width samples as block characters, scaled to
// the largest of them and padded on the left.
func Sparkline(data []float64, width int) string {
	if width <= 0 {
		return ""
	}
	samples := make([]float64, width)
	if len(data) >= width {
		copy(samples, data[len(data)-width:])
	} else {
		copy(samples[width-len(data):], data)
	}

	peak := 0.0
	for _, v := range samples {
		peak = max(peak, v)
	}
	out := make([]rune, width)
	for i, v := range samples {
		if peak <= 0 || v <= 0 {
			out[i] = sparkBlocks[0]
			continue
		}
		out[i] = sparkBlocks[min(int(v/peak*float64(len(sparkBlocks)-1)), len(sparkBlocks)-1)]
	}
	return string(out)
}

var opVerbs = map[event.OpKind]string{
	event.ReadPartitionTable:  "read partition table",
	event.MakeDiskLabel:       "write disk label",
	event.CreatePartition:     "create partition",
	event.FormatPartition:     "format",
	event.WritePartitionFlags: "set flags",
	event.WriteFsLabel:        "set label",
	event.WriteFsUUID:         "set uuid",
	event.ReadData:            "read data",
	event.WriteData:           "write data",
	event.GrubInstall:         "install grub",
	event.TransferData:        "transfer",
	event.WaitServer:          "wait for server",
	event.WaitClients:         "wait for receivers",
}

// FormatOp describes an operation for a progress line.
func FormatOp(kind event.OpKind, target string) string {
	verb, ok := opVerbs[kind]
	if !ok {
		verb = kind.String()
	}
	if target == "" {
		return verb
	}
	return verb + "  " + target
}

// CompletionSummary builds the final summary line from a snapshot.
// Format: done ✓  size 2.1 GiB  avg 641 MB/s  time 3m 17s  ops 14/14  warnings 0
func CompletionSummary(snap stats.Snapshot) string {
	avg := 0.0
	if secs := snap.Elapsed.Seconds(); secs > 0 {
		avg = float64(snap.BytesMoved) / secs
	}
	word, icon := "done", "✓"
	if snap.Outcome == stats.Cancelled {
		word, icon = "failed", "✗"
	}
	return fmt.Sprintf("%s %s  size %s  avg %s  time %s  ops %d/%d  warnings %d",
		word, icon,
		FormatBytes(snap.BytesMoved),
		FormatRate(avg),
		FormatDuration(snap.Elapsed),
		snap.OpsCompleted, snap.OpsPlanned,
		snap.Warnings,
	)
}

package stats

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bamsammich/diskbeam/internal/event"
)

func moved(c *Collector, n uint64) {
	c.Notify(event.TransferEvent{Kind: event.TransferredBytes, Bytes: n})
}

func TestCollectorFromBus(t *testing.T) {
	bus := event.NewBus()
	c := NewCollector()
	bus.Subscribe(c)

	ops := event.NewOperations(bus)
	ops.Add(event.ReadPartitionTable, "/dev/sda")
	ops.Add(event.TransferData, "10.0.0.2:7121")
	ops.Complete(event.ReadPartitionTable, "/dev/sda")
	bus.Publish(event.TransferEvent{Kind: event.TotalSize, Bytes: 4096})
	bus.Publish(event.TransferEvent{Kind: event.TransferredBytes, Bytes: 1024})
	bus.Publish(event.GeneralEvent{Kind: event.NewConnection, Target: "10.0.0.2:7121"})
	bus.Publish(event.Notification{Message: "cannot set label"})

	s := c.Snapshot()
	assert.Equal(t, uint64(4096), s.BytesTotal)
	assert.Equal(t, uint64(1024), s.BytesMoved)
	assert.Equal(t, int64(2), s.OpsPlanned)
	assert.Equal(t, int64(1), s.OpsCompleted)
	assert.Equal(t, int64(1), s.Connections)
	assert.Equal(t, int64(1), s.Warnings)
	assert.Equal(t, Running, s.Outcome)
	assert.InDelta(t, 0.25, s.Fraction(), 0.001)

	bus.Publish(event.GeneralEvent{Kind: event.FinishExecution})
	assert.Equal(t, Finished, c.Snapshot().Outcome)
}

func TestCollectorConcurrent(t *testing.T) {
	c := NewCollector()
	const goroutines = 50

	var wg sync.WaitGroup
	for range goroutines {
		wg.Go(func() {
			for range 100 {
				c.Notify(event.OperationEvent{Change: event.Added})
				c.Notify(event.Notification{})
			}
		})
	}
	wg.Wait()

	s := c.Snapshot()
	assert.Equal(t, int64(goroutines*100), s.OpsPlanned)
	assert.Equal(t, int64(goroutines*100), s.Warnings)
}

func TestSnapshotString(t *testing.T) {
	s := Snapshot{BytesTotal: 4096, BytesMoved: 1024, OpsPlanned: 5, OpsCompleted: 2, Connections: 3, Outcome: Cancelled}
	assert.Equal(t, "bytes=1024/4096 ops=2/5 connections=3 warnings=0 cancelled", s.String())
}

func TestFractionUnknownTotal(t *testing.T) {
	assert.Zero(t, Snapshot{BytesMoved: 10}.Fraction())
	assert.Equal(t, 1.0, Snapshot{BytesMoved: 20, BytesTotal: 10}.Fraction(), "live sizes are hints")
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		input    uint64
		expected string
	}{
		{0, "0 B"},
		{512, "512 B"},
		{1024, "1.0 KiB"},
		{1536, "1.5 KiB"},
		{1048576, "1.0 MiB"},
		{1073741824, "1.0 GiB"},
	}
	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			require.Equal(t, tt.expected, FormatBytes(tt.input))
		})
	}
}

func TestNewCollector(t *testing.T) {
	c := NewCollector()
	assert.False(t, c.startTime.IsZero())
	assert.InDelta(t, 0, c.Elapsed().Seconds(), 1)
}

func TestTickAndRollingSpeed(t *testing.T) {
	c := NewCollector()

	// Five seconds of 1000 bytes/sec.
	for i := range 5 {
		moved(c, uint64(i+1)*1000)
		c.Tick()
	}
	assert.InDelta(t, 1000.0, c.RollingSpeed(5), 0.01)
}

func TestRollingSpeedPartialWindow(t *testing.T) {
	c := NewCollector()
	moved(c, 500)
	c.Tick()
	moved(c, 1000)
	c.Tick()

	assert.InDelta(t, 500.0, c.RollingSpeed(10), 0.01)
}

func TestRollingSpeedNoSamples(t *testing.T) {
	c := NewCollector()
	assert.Equal(t, 0.0, c.RollingSpeed(5))
}

func TestTickAfterCounterRestart(t *testing.T) {
	c := NewCollector()
	moved(c, 5000)
	c.Tick()
	moved(c, 300)
	c.Tick()

	data := c.SparklineData(2)
	require.Len(t, data, 2)
	assert.InDelta(t, 300, data[1], 0.01)
}

func TestSparklineData(t *testing.T) {
	c := NewCollector()

	var total uint64
	for i := range 5 {
		total += uint64(i+1) * 100
		moved(c, total)
		c.Tick()
	}

	data := c.SparklineData(5)
	require.Len(t, data, 5)
	for i, want := range []float64{100, 200, 300, 400, 500} {
		assert.InDelta(t, want, data[i], 0.01)
	}
}

func TestSparklineDataNoSamples(t *testing.T) {
	c := NewCollector()
	assert.Nil(t, c.SparklineData(5))
}

func TestRingWraparound(t *testing.T) {
	c := NewCollector()
	for i := range ringSize + 10 {
		moved(c, uint64(i+1)*10)
		c.Tick()
	}
	require.Len(t, c.SparklineData(ringSize), ringSize)
}

func TestETA(t *testing.T) {
	c := NewCollector()
	c.Notify(event.TransferEvent{Kind: event.TotalSize, Bytes: 10000})
	for i := range 5 {
		moved(c, uint64(i+1)*1000)
		c.Tick()
	}
	assert.InDelta(t, 5.0, c.ETA().Seconds(), 1.0)
}

func TestETANoSpeed(t *testing.T) {
	c := NewCollector()
	c.Notify(event.TransferEvent{Kind: event.TotalSize, Bytes: 10000})
	assert.Equal(t, time.Duration(0), c.ETA())
}

func TestETAComplete(t *testing.T) {
	c := NewCollector()
	c.Notify(event.TransferEvent{Kind: event.TotalSize, Bytes: 1000})
	moved(c, 1000)
	c.Tick()
	assert.Equal(t, time.Duration(0), c.ETA())
}

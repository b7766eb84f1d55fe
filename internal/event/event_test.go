package event

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindStrings(t *testing.T) {
	t.Parallel()

	tests := []struct {
		want string
		got  string
	}{
		{want: "TotalSize", got: TotalSize.String()},
		{want: "TransferredBytes", got: TransferredBytes.String()},
		{want: "Added", got: Added.String()},
		{want: "Completed", got: Completed.String()},
		{want: "CancelExecution", got: CancelExecution.String()},
		{want: "FinishExecution", got: FinishExecution.String()},
		{want: "NewConnection", got: NewConnection.String()},
		{want: "ReadPartitionTable", got: ReadPartitionTable.String()},
		{want: "WaitClients", got: WaitClients.String()},
		{want: "Unknown", got: OpKind(999).String()},
		{want: "Unknown", got: TransferKind(0).String()},
		{want: "Unknown", got: GeneralKind(42).String()},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.got)
		})
	}
}

func TestBusSubscribeIsIdempotent(t *testing.T) {
	t.Parallel()

	bus := NewBus()
	rec := &Recorder{}
	bus.Subscribe(rec)
	bus.Subscribe(rec)
	assert.Equal(t, 1, bus.Len())

	bus.Publish(Notification{Message: "hello"})
	require.Len(t, rec.Events(), 1)
	assert.Equal(t, Notification{Message: "hello"}, rec.Events()[0])

	bus.Unsubscribe(rec)
	bus.Unsubscribe(rec)
	assert.Equal(t, 0, bus.Len())

	bus.Publish(Notification{Message: "dropped"})
	assert.Len(t, rec.Events(), 1)
}

func TestBusFanOut(t *testing.T) {
	t.Parallel()

	bus := NewBus()
	a, b := &Recorder{}, &Recorder{}
	bus.Subscribe(a)
	bus.Subscribe(b)

	bus.Publish(TransferEvent{Kind: TotalSize, Bytes: 10})
	bus.Publish(GeneralEvent{Kind: FinishExecution})

	for _, r := range []*Recorder{a, b} {
		require.Len(t, r.Events(), 2)
		assert.Equal(t, []TransferEvent{{Kind: TotalSize, Bytes: 10}}, r.Transfers(TotalSize))
		assert.Equal(t, []GeneralEvent{{Kind: FinishExecution}}, r.Generals())
	}
}

func TestNilBusPublish(t *testing.T) {
	t.Parallel()

	var bus *Bus
	assert.NotPanics(t, func() { bus.Publish(Notification{Message: "x"}) })
}

func TestDefaultBusIsShared(t *testing.T) {
	t.Parallel()
	assert.Same(t, Default(), Default())
}

// reentrantObserver marks an operation complete from inside Notify, which
// needs the Operations lock while the bus is delivering.
type reentrantObserver struct {
	ops *Operations
}

func (r *reentrantObserver) Notify(ev Event) {
	if oe, ok := ev.(OperationEvent); ok && oe.Change == Added {
		r.ops.Complete(oe.Kind, oe.Target)
	}
}

func TestOperationsObserverMayMutate(t *testing.T) {
	t.Parallel()

	bus := NewBus()
	ops := NewOperations(bus)
	bus.Subscribe(&reentrantObserver{ops: ops})

	ops.Add(WriteData, "/dev/sda1")

	list := ops.List()
	require.Len(t, list, 1)
	assert.True(t, list[0].Completed)
}

func TestOperationsLifecycle(t *testing.T) {
	t.Parallel()

	bus := NewBus()
	rec := &Recorder{}
	bus.Subscribe(rec)
	ops := NewOperations(bus)

	ops.Add(CreatePartition, "/dev/sda1")
	ops.Add(CreatePartition, "/dev/sda2")
	ops.Add(FormatPartition, "/dev/sda1")

	assert.True(t, ops.Complete(CreatePartition, "/dev/sda2"))
	assert.False(t, ops.Complete(CreatePartition, "/dev/sda2"), "already completed")
	assert.False(t, ops.Complete(WriteData, "/dev/sda1"), "never added")

	list := ops.List()
	require.Len(t, list, 3)
	assert.False(t, list[0].Completed)
	assert.True(t, list[1].Completed)
	assert.False(t, list[2].Completed)

	events := rec.Events()
	require.Len(t, events, 4)
	assert.Equal(t, OperationEvent{Change: Completed, Kind: CreatePartition, Target: "/dev/sda2"}, events[3])

	ops.Reset()
	assert.Empty(t, ops.List())
}

func TestOperationsConcurrent(t *testing.T) {
	t.Parallel()

	ops := NewOperations(NewBus())
	const n = 50

	var wg sync.WaitGroup
	for range n {
		wg.Go(func() {
			ops.Add(TransferData, "peer")
		})
	}
	wg.Wait()

	for range n {
		wg.Go(func() {
			ops.Complete(TransferData, "peer")
		})
	}
	wg.Wait()

	for _, op := range ops.List() {
		assert.True(t, op.Completed)
	}
	assert.Len(t, ops.List(), n)
}

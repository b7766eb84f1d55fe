package event

import "sync"

// OpKind identifies a unit of planned work.
type OpKind int

const (
	ReadPartitionTable OpKind = iota + 1
	MakeDiskLabel
	CreatePartition
	FormatPartition
	WritePartitionFlags
	WriteFsLabel
	WriteFsUUID
	ReadData
	WriteData
	GrubInstall
	TransferData
	WaitServer
	WaitClients
)

var opKindNames = [...]string{
	ReadPartitionTable:  "ReadPartitionTable",
	MakeDiskLabel:       "MakeDiskLabel",
	CreatePartition:     "CreatePartition",
	FormatPartition:     "FormatPartition",
	WritePartitionFlags: "WritePartitionFlags",
	WriteFsLabel:        "WriteFsLabel",
	WriteFsUUID:         "WriteFsUUID",
	ReadData:            "ReadData",
	WriteData:           "WriteData",
	GrubInstall:         "GrubInstall",
	TransferData:        "TransferData",
	WaitServer:          "WaitServer",
	WaitClients:         "WaitClients",
}

func (k OpKind) String() string {
	if k > 0 && int(k) < len(opKindNames) {
		return opKindNames[k]
	}
	return "Unknown"
}

// Operation is a planned unit of work, identified by (Kind, Target).
type Operation struct {
	Target    string
	Kind      OpKind
	Completed bool
}

// Operations is the plan of one clone session. Entries are added before work
// starts and marked completed by whoever finishes the work. Every change is
// published on the bus after the internal lock is released.
type Operations struct {
	bus  *Bus
	list []Operation
	mu   sync.Mutex
}

// NewOperations returns an empty plan that reports to bus (which may be nil).
func NewOperations(bus *Bus) *Operations {
	return &Operations{bus: bus}
}

// Add appends an operation and publishes OperationEvent{Added}.
func (o *Operations) Add(kind OpKind, target string) {
	o.mu.Lock()
	o.list = append(o.list, Operation{Kind: kind, Target: target})
	o.mu.Unlock()

	o.bus.Publish(OperationEvent{Change: Added, Kind: kind, Target: target})
}

// Complete marks the first pending operation matching (kind, target) as done
// and publishes OperationEvent{Completed}. It reports whether an entry was
// found.
func (o *Operations) Complete(kind OpKind, target string) bool {
	o.mu.Lock()
	found := false
	for i := range o.list {
		op := &o.list[i]
		if op.Kind == kind && op.Target == target && !op.Completed {
			op.Completed = true
			found = true
			break
		}
	}
	o.mu.Unlock()

	if found {
		o.bus.Publish(OperationEvent{Change: Completed, Kind: kind, Target: target})
	}
	return found
}

// List returns a copy of the plan in insertion order.
func (o *Operations) List() []Operation {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Operation, len(o.list))
	copy(out, o.list)
	return out
}

// Reset discards the plan at the end of a session.
func (o *Operations) Reset() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.list = nil
}

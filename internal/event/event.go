package event

// Event is one of TransferEvent, OperationEvent, GeneralEvent or
// Notification. Observers switch on the concrete type.
type Event interface {
	isEvent()
}

// TransferKind identifies what a TransferEvent reports.
type TransferKind int

const (
	TotalSize TransferKind = iota + 1
	TransferredBytes
)

var transferKindNames = [...]string{
	TotalSize:        "TotalSize",
	TransferredBytes: "TransferredBytes",
}

func (k TransferKind) String() string {
	if k > 0 && int(k) < len(transferKindNames) {
		return transferKindNames[k]
	}
	return "Unknown"
}

// OperationChange identifies what happened to an Operation.
type OperationChange int

const (
	Added OperationChange = iota + 1
	Completed
)

func (c OperationChange) String() string {
	switch c {
	case Added:
		return "Added"
	case Completed:
		return "Completed"
	default:
		return "Unknown"
	}
}

// GeneralKind identifies session-level events.
type GeneralKind int

const (
	CancelExecution GeneralKind = iota + 1
	FinishExecution
	NewConnection
)

var generalKindNames = [...]string{
	CancelExecution: "CancelExecution",
	FinishExecution: "FinishExecution",
	NewConnection:   "NewConnection",
}

func (k GeneralKind) String() string {
	if k > 0 && int(k) < len(generalKindNames) {
		return generalKindNames[k]
	}
	return "Unknown"
}

// TransferEvent reports either the total size of a transfer (once) or the
// running count of bytes moved so far.
type TransferEvent struct {
	Kind  TransferKind
	Bytes uint64
}

// OperationEvent reports that an operation was planned or finished.
type OperationEvent struct {
	Change OperationChange
	Kind   OpKind
	Target string
}

// GeneralEvent reports session lifecycle changes. Target is the peer address
// for NewConnection and empty otherwise.
type GeneralEvent struct {
	Kind   GeneralKind
	Target string
}

// Notification carries a human-readable message about a recoverable problem.
type Notification struct {
	Message string
}

func (TransferEvent) isEvent()  {}
func (OperationEvent) isEvent() {}
func (GeneralEvent) isEvent()   {}
func (Notification) isEvent()   {}

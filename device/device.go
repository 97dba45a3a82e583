package device

// MemHandle is an opaque reference to device memory. The zero value
// means "no memory".
type MemHandle uint64

// MemNone is the null memory handle.
const MemNone MemHandle = 0

// MemAlign is the allocation granularity. GetMem sizes must be
// multiples of it.
const MemAlign uint64 = 8

// AlignSize rounds size up to the allocation granularity.
func AlignSize(size uint64) uint64 {
	return (size + MemAlign - 1) &^ (MemAlign - 1)
}

// OpTag identifies one operation slot on the device. Each stage of a
// pipeline is issued under its own tag and polled by it.
type OpTag uint32

// TransferDescriptor tells the device where a stage reads and writes.
//
// The offsets are the rendezvous convention between adjacent stages on
// the shared routing fabric. They are part of the cross-device wire
// contract and must be produced exactly as the executor computes them.
type TransferDescriptor struct {
	ReadHandle  MemHandle
	WriteHandle MemHandle
	ReadOffset  uint32
	WriteOffset uint32
	Length      uint64

	// RouteID is the 14-bit routing-fabric form of the transfer's
	// VLAN tag, zero for stages that never leave the device.
	RouteID uint16
}

// Device is the hardware execution collaborator. Implementations must
// be safe for concurrent use; the core serializes stage issue order but
// polls completions and manages memory from multiple goroutines.
type Device interface {
	// Invoke issues a transfer under the given operation tag. It
	// blocks until the operation is issued, not until it completes.
	Invoke(op OpTag, desc TransferDescriptor) error

	// ClearCompleted resets all completion state on the device.
	ClearCompleted() error

	// CheckCompleted reports whether the operation issued under op has
	// finished.
	CheckCompleted(op OpTag) (bool, error)

	// GetMem allocates device memory. Size must be a multiple of
	// MemAlign.
	GetMem(alignedSize uint64) (MemHandle, error)

	// FreeMem releases memory obtained from GetMem.
	FreeMem(handle MemHandle) error

	// IOSwitch programs the routing fabric with a 14-bit route id.
	IOSwitch(routeID uint16) error
}

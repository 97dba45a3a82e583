package device

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/weftworks/weft/errors"
)

// Issue records one Invoke call in order.
type Issue struct {
	Op   OpTag
	Desc TransferDescriptor
}

// Simulated is an in-memory Device. Operations complete after a
// configurable number of completion polls so executor timeout paths can
// be exercised deterministically.
type Simulated struct {
	mu         sync.Mutex
	capacity   uint64
	latency    int
	nextHandle MemHandle
	mem        map[MemHandle]uint64
	pending    map[OpTag]int
	done       map[OpTag]bool
	issued     []Issue
	lastRoute  uint16
	routeSet   bool

	invokeErr map[OpTag]error
	allocErr  error

	logger *slog.Logger
}

var _ Device = (*Simulated)(nil)

// SimOption configures a Simulated device.
type SimOption func(*Simulated)

// WithCapacity caps total allocated bytes. Zero means unlimited.
func WithCapacity(bytes uint64) SimOption {
	return func(s *Simulated) { s.capacity = bytes }
}

// WithLatency sets how many CheckCompleted polls an operation needs
// before it reports done. Zero completes on the first poll.
func WithLatency(polls int) SimOption {
	return func(s *Simulated) {
		if polls >= 0 {
			s.latency = polls
		}
	}
}

// WithLogger sets the device logger. Defaults to slog.Default.
func WithLogger(logger *slog.Logger) SimOption {
	return func(s *Simulated) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewSimulated creates a simulated device.
func NewSimulated(opts ...SimOption) *Simulated {
	s := &Simulated{
		nextHandle: 1,
		mem:        make(map[MemHandle]uint64),
		pending:    make(map[OpTag]int),
		done:       make(map[OpTag]bool),
		invokeErr:  make(map[OpTag]error),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Invoke issues a transfer. The operation reports complete after the
// configured poll latency.
func (s *Simulated) Invoke(op OpTag, desc TransferDescriptor) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.invokeErr[op]; err != nil {
		return errors.WrapTransient(err, "device", "Invoke", "transfer issue")
	}
	s.issued = append(s.issued, Issue{Op: op, Desc: desc})
	s.pending[op] = s.latency
	delete(s.done, op)

	s.logger.Debug("transfer issued",
		"component", "device",
		"op", uint32(op),
		"read_offset", desc.ReadOffset,
		"write_offset", desc.WriteOffset,
		"length", desc.Length)
	return nil
}

// ClearCompleted resets all completion state.
func (s *Simulated) ClearCompleted() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = make(map[OpTag]int)
	s.done = make(map[OpTag]bool)
	return nil
}

// CheckCompleted polls one operation slot. Unknown tags report not
// complete; every poll on a pending operation burns one unit of its
// latency.
func (s *Simulated) CheckCompleted(op OpTag) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done[op] {
		return true, nil
	}
	remaining, ok := s.pending[op]
	if !ok {
		return false, nil
	}
	if remaining <= 0 {
		delete(s.pending, op)
		s.done[op] = true
		return true, nil
	}
	s.pending[op] = remaining - 1
	return false, nil
}

// GetMem allocates simulated device memory.
func (s *Simulated) GetMem(alignedSize uint64) (MemHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.allocErr != nil {
		return MemNone, errors.WrapTransient(s.allocErr, "device", "GetMem", "memory allocation")
	}
	if alignedSize == 0 || alignedSize%MemAlign != 0 {
		return MemNone, errors.WrapInvalid(
			fmt.Errorf("size %d not a positive multiple of %d: %w",
				alignedSize, MemAlign, errors.ErrInvalidArgument),
			"device", "GetMem", "size validation")
	}
	if s.capacity > 0 && s.allocatedLocked()+alignedSize > s.capacity {
		return MemNone, errors.WrapTransient(
			fmt.Errorf("capacity %d exceeded: %w", s.capacity, errors.ErrResourceLimit),
			"device", "GetMem", "memory allocation")
	}

	handle := s.nextHandle
	s.nextHandle++
	s.mem[handle] = alignedSize
	return handle, nil
}

// FreeMem releases memory. Double frees and unknown handles fail.
func (s *Simulated) FreeMem(handle MemHandle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if handle == MemNone {
		return errors.WrapInvalid(
			fmt.Errorf("null handle: %w", errors.ErrInvalidArgument),
			"device", "FreeMem", "handle validation")
	}
	if _, ok := s.mem[handle]; !ok {
		return errors.WrapInvalid(
			fmt.Errorf("handle %d: %w", handle, errors.ErrNotFound),
			"device", "FreeMem", "handle lookup")
	}
	delete(s.mem, handle)
	return nil
}

// IOSwitch programs the simulated routing fabric.
func (s *Simulated) IOSwitch(routeID uint16) error {
	if routeID >= 1<<14 {
		return errors.WrapInvalid(
			fmt.Errorf("route id 0x%04x exceeds 14 bits: %w", routeID, errors.ErrInvalidArgument),
			"device", "IOSwitch", "route validation")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastRoute = routeID
	s.routeSet = true

	s.logger.Debug("fabric switched", "component", "device", "route_id", routeID)
	return nil
}

// SetInvokeErr injects a failure for one operation tag. A nil error
// clears the injection.
func (s *Simulated) SetInvokeErr(op OpTag, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.invokeErr, op)
		return
	}
	s.invokeErr[op] = err
}

// SetAllocErr makes every GetMem call fail with err until cleared.
func (s *Simulated) SetAllocErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.allocErr = err
}

// AllocatedBytes returns the total outstanding allocation.
func (s *Simulated) AllocatedBytes() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.allocatedLocked()
}

func (s *Simulated) allocatedLocked() uint64 {
	var total uint64
	for _, size := range s.mem {
		total += size
	}
	return total
}

// Issued returns the Invoke history in issue order.
func (s *Simulated) Issued() []Issue {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Issue, len(s.issued))
	copy(out, s.issued)
	return out
}

// LastRoute returns the most recent IOSwitch value and whether any
// switch happened.
func (s *Simulated) LastRoute() (uint16, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRoute, s.routeSet
}

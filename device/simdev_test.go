package device

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/weftworks/weft/errors"
)

func TestAlignSize(t *testing.T) {
	tests := []struct {
		in   uint64
		want uint64
	}{
		{0, 0},
		{1, 8},
		{7, 8},
		{8, 8},
		{9, 16},
		{4096, 4096},
		{4097, 4104},
	}
	for _, tt := range tests {
		if got := AlignSize(tt.in); got != tt.want {
			t.Errorf("AlignSize(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestSimulatedMemory(t *testing.T) {
	dev := NewSimulated(WithCapacity(64))

	h1, err := dev.GetMem(32)
	if err != nil {
		t.Fatalf("GetMem failed: %v", err)
	}
	if h1 == MemNone {
		t.Fatal("GetMem returned the null handle")
	}
	h2, err := dev.GetMem(32)
	if err != nil {
		t.Fatalf("second GetMem failed: %v", err)
	}
	if h1 == h2 {
		t.Error("handles not unique")
	}
	if got := dev.AllocatedBytes(); got != 64 {
		t.Errorf("AllocatedBytes() = %d, want 64", got)
	}

	// Capacity is enforced.
	if _, err := dev.GetMem(8); !stderrors.Is(err, errors.ErrResourceLimit) {
		t.Errorf("over-capacity GetMem: error = %v, want %v", err, errors.ErrResourceLimit)
	}

	// Freeing returns budget.
	if err := dev.FreeMem(h1); err != nil {
		t.Fatalf("FreeMem failed: %v", err)
	}
	if _, err := dev.GetMem(8); err != nil {
		t.Errorf("GetMem after free failed: %v", err)
	}

	// Double free and null handle fail.
	if err := dev.FreeMem(h1); !stderrors.Is(err, errors.ErrNotFound) {
		t.Errorf("double free: error = %v, want %v", err, errors.ErrNotFound)
	}
	if err := dev.FreeMem(MemNone); !stderrors.Is(err, errors.ErrInvalidArgument) {
		t.Errorf("null free: error = %v, want %v", err, errors.ErrInvalidArgument)
	}
}

func TestSimulatedMemoryValidation(t *testing.T) {
	dev := NewSimulated()

	if _, err := dev.GetMem(0); !stderrors.Is(err, errors.ErrInvalidArgument) {
		t.Errorf("zero size: error = %v, want %v", err, errors.ErrInvalidArgument)
	}
	if _, err := dev.GetMem(13); !stderrors.Is(err, errors.ErrInvalidArgument) {
		t.Errorf("unaligned size: error = %v, want %v", err, errors.ErrInvalidArgument)
	}
}

func TestSimulatedCompletion(t *testing.T) {
	dev := NewSimulated(WithLatency(2))

	op := OpTag(7)
	if err := dev.Invoke(op, TransferDescriptor{Length: 64}); err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}

	// Two polls burn the latency, the third observes completion.
	for i := 0; i < 2; i++ {
		done, err := dev.CheckCompleted(op)
		if err != nil {
			t.Fatalf("CheckCompleted failed: %v", err)
		}
		if done {
			t.Fatalf("completed early at poll %d", i)
		}
	}
	done, err := dev.CheckCompleted(op)
	if err != nil {
		t.Fatalf("CheckCompleted failed: %v", err)
	}
	if !done {
		t.Fatal("not complete after latency expired")
	}

	// Completion is sticky until cleared.
	if done, _ := dev.CheckCompleted(op); !done {
		t.Error("completion flag not sticky")
	}
	if err := dev.ClearCompleted(); err != nil {
		t.Fatalf("ClearCompleted failed: %v", err)
	}
	if done, _ := dev.CheckCompleted(op); done {
		t.Error("completion flag survived ClearCompleted")
	}
}

func TestSimulatedCompletionUnknownOp(t *testing.T) {
	dev := NewSimulated()
	done, err := dev.CheckCompleted(OpTag(99))
	if err != nil {
		t.Fatalf("CheckCompleted failed: %v", err)
	}
	if done {
		t.Error("unknown op reported complete")
	}
}

func TestSimulatedInvokeInjection(t *testing.T) {
	dev := NewSimulated()

	boom := fmt.Errorf("bus fault")
	dev.SetInvokeErr(OpTag(1), boom)

	if err := dev.Invoke(OpTag(1), TransferDescriptor{}); !stderrors.Is(err, boom) {
		t.Errorf("Invoke error = %v, want %v", err, boom)
	}
	// Other ops are unaffected.
	if err := dev.Invoke(OpTag(2), TransferDescriptor{}); err != nil {
		t.Errorf("Invoke of clean op failed: %v", err)
	}

	dev.SetInvokeErr(OpTag(1), nil)
	if err := dev.Invoke(OpTag(1), TransferDescriptor{}); err != nil {
		t.Errorf("Invoke after clearing injection failed: %v", err)
	}
}

func TestSimulatedIssueOrder(t *testing.T) {
	dev := NewSimulated()

	descs := []TransferDescriptor{
		{ReadOffset: 0, WriteOffset: 6, Length: 10},
		{ReadOffset: 6, WriteOffset: 6, Length: 20},
		{ReadOffset: 6, WriteOffset: 0, Length: 30},
	}
	for i, d := range descs {
		if err := dev.Invoke(OpTag(i), d); err != nil {
			t.Fatalf("Invoke %d failed: %v", i, err)
		}
	}

	issued := dev.Issued()
	if len(issued) != len(descs) {
		t.Fatalf("Issued() returned %d entries, want %d", len(issued), len(descs))
	}
	for i, rec := range issued {
		if rec.Op != OpTag(i) {
			t.Errorf("issue %d op = %d, want %d", i, rec.Op, i)
		}
		if rec.Desc != descs[i] {
			t.Errorf("issue %d descriptor = %+v, want %+v", i, rec.Desc, descs[i])
		}
	}
}

func TestSimulatedIOSwitch(t *testing.T) {
	dev := NewSimulated()

	if _, ok := dev.LastRoute(); ok {
		t.Error("fresh device reports a programmed route")
	}
	if err := dev.IOSwitch(0x1234); err != nil {
		t.Fatalf("IOSwitch failed: %v", err)
	}
	route, ok := dev.LastRoute()
	if !ok || route != 0x1234 {
		t.Errorf("LastRoute() = (0x%04x, %v), want (0x1234, true)", route, ok)
	}

	// 14-bit limit.
	if err := dev.IOSwitch(1 << 14); !stderrors.Is(err, errors.ErrInvalidArgument) {
		t.Errorf("oversized route id: error = %v, want %v", err, errors.ErrInvalidArgument)
	}
}

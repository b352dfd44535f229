// Package hv declares the hypervisor-agnostic interfaces the rest of the
// VMM is built against. The only implementation is internal/kvm, but
// keeping the boundary here lets devices and the wiring layer be tested
// against a fake without pulling in actual ioctls.
package hv

import (
	"context"
	"errors"
	"fmt"
	"io"
)

var (
	ErrVMHalted   = errors.New("virtual machine halted")
	ErrOutOfRange = errors.New("guest physical address out of range")
)

// RegisterID identifies a single ARM64 architectural or KVM pseudo
// register. The concrete encoding (core vs. system register, width) is
// owned by internal/kvm; callers outside that package treat it opaquely.
type RegisterID uint64

// VirtualCPU is a single hypervisor-scheduled execution context.
type VirtualCPU interface {
	ID() int
	VirtualMachine() VirtualMachine

	SetReg(id RegisterID, value uint64) error
	GetReg(id RegisterID) (uint64, error)

	// RegList returns every register id the hypervisor currently exposes
	// for save/restore, in an implementation-defined but stable order.
	RegList() ([]RegisterID, error)

	// SaveRegs serializes the values named by ids into buf, one 16-byte
	// record per register (little-endian id, then little-endian 64-bit
	// value), returning the number of bytes written. Registers wider
	// than 64 bits are not captured in full.
	SaveRegs(ids []RegisterID, buf []byte) (int, error)
	// RestoreRegs is the inverse of SaveRegs.
	RestoreRegs(ids []RegisterID, buf []byte) (int, error)

	// Pause requests that a running vCPU return from its hypervisor run
	// call at the next opportunity. Safe to call from any goroutine.
	Pause() error

	// MPState and SetMPState expose the vCPU's multiprocessor state
	// (running vs. stopped) for the snapshot format.
	MPState() (uint32, error)
	SetMPState(state uint32) error

	// RunThreaded is the vCPU's thread entry point: it installs the kick
	// signal handler, waits on barrier, then loops Run until it returns
	// false, then waits on barrier again.
	RunThreaded(ctx context.Context, barrier *Barrier, bus MMIOBus)
}

// MMIOBus is the subset of the MMIO dispatch bus a vCPU's run loop needs.
type MMIOBus interface {
	Read(gpa uint64, data []byte) error
	Write(gpa uint64, data []byte) error
}

// ExitContext is passed to device MMIO handlers; currently carries
// nothing but exists so device signatures do not need to change if a
// future cross-cutting concern (tracing, etc.) is added.
type ExitContext interface{}

type MMIORegion struct {
	Address uint64
	Size    uint64
}

// Device is implemented by every object wired into the machine: interrupt
// controller, VirtIO transports, serial UART, RTC, pmem.
type Device interface {
	Init(vm VirtualMachine) error
}

// MemoryMappedIODevice is a Device that additionally claims one or more
// MMIO regions on the bus.
type MemoryMappedIODevice interface {
	Device

	MMIORegions() []MMIORegion
	ReadMMIO(ctx ExitContext, addr uint64, data []byte) error
	WriteMMIO(ctx ExitContext, addr uint64, data []byte) error
}

// MemoryRegion is a host mapping backing a slice of guest physical
// address space.
type MemoryRegion interface {
	io.ReaderAt
	io.WriterAt
	Size() uint64
}

// GICState is the interrupt-controller register dump produced and
// consumed by save/restore. The KVM implementation fills only
// DistributorRegs; CPURegs stays empty, so CPU-interface registers are
// not saved or restored.
type GICState struct {
	DistributorRegs [][2]uint32 // (offset, value) pairs, in restore order
	CPURegs         [][2]uint32
}

// VCPUState is one vCPU's worth of snapshot material.
type VCPUState struct {
	ID      int
	RegIDs  []RegisterID
	RegBuf  []byte
	MPState uint32
}

// VirtualMachine is the per-guest hypervisor handle.
type VirtualMachine interface {
	io.ReaderAt
	io.WriterAt
	io.Closer

	MemoryBase() uint64
	MemorySize() uint64

	AllocateMemory(physAddr, size uint64) (MemoryRegion, error)

	AddDevice(dev Device) error
	AddDeviceFromTemplate(template DeviceTemplate) (Device, error)

	VCPU(id int) (VirtualCPU, error)
	NumVCPUs() int

	SetIRQLevel(gsi uint32, level bool) error
	// IRQEventFD returns (or lazily creates) an eventfd bound to the
	// given GSI via the kernel irqfd facility: writing 1 to it injects a
	// level interrupt without a VMM round-trip.
	IRQEventFD(gsi uint32) (int, error)
	// NotifyEventFD returns (or lazily creates) an eventfd bound, via the
	// kernel ioeventfd facility, to writes of the given datamatch value at
	// the given guest-physical address.
	NotifyEventFD(addr uint64, datamatch uint32) (int, error)

	GICState() (GICState, error)
	RestoreGICState(GICState) error
}

type DeviceTemplate interface {
	Create(vm VirtualMachine) (Device, error)
}

// Hypervisor is the process-wide handle, opened once from /dev/kvm.
type Hypervisor interface {
	io.Closer
	NewVirtualMachine(cfg VMConfig) (VirtualMachine, error)
}

type VMConfig struct {
	NumCPUs    int
	MemorySize uint64
	MemoryBase uint64
}

// Barrier is a simple reusable two-phase gate: N vCPU threads Wait() at
// it, a controller calls Release() once all are waiting to let them all
// proceed. Used for the pause/resume protocol in §4.12.
type Barrier struct {
	ch chan struct{}
}

func NewBarrier() *Barrier {
	return &Barrier{ch: make(chan struct{})}
}

func (b *Barrier) Wait() {
	<-b.ch
}

// Release lets every goroutine currently blocked in Wait proceed, and
// rearms the gate for the next pause/resume cycle.
func (b *Barrier) Release() {
	close(b.ch)
	b.ch = make(chan struct{})
}

func boundsCheck(base, size, gpa uint64, n int) error {
	if n < 0 {
		return fmt.Errorf("hv: negative length")
	}
	end := gpa + uint64(n)
	if n != 0 {
		end--
	}
	if gpa < base || end >= base+size || end < gpa {
		return fmt.Errorf("%w: gpa=0x%x len=%d region=[0x%x,0x%x)", ErrOutOfRange, gpa, n, base, base+size)
	}
	return nil
}

// CheckRange validates that [gpa, gpa+n) lies within [base, base+size),
// matching the bounds-check contract of §4.1. It is exported so memory
// and device packages share one implementation of a fatal-on-violation
// check.
func CheckRange(base, size, gpa uint64, n int) error {
	return boundsCheck(base, size, gpa, n)
}

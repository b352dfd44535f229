//go:build linux && arm64

package kvm

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/ShadowCurse/radiance/internal/hv"
)

// virtualCPU is one KVM vCPU fd plus the mmap'd kvm_run shared page.
// Every ioctl against fd must run on the OS thread that created it, so
// RunThreaded locks its goroutine to an OS thread for its entire
// lifetime and Pause/kick communicate with it purely via the signal +
// immediate_exit protocol, never by calling into the fd from another
// goroutine.
type virtualCPU struct {
	id  int
	vm  *virtualMachine
	fd  int
	tid int32 // set once RunThreaded's OS thread is locked in

	runMem []byte
	run    *kvmRunData

	paused atomic.Bool
}

func (vm *virtualMachine) createVCPU(id, mmapSize int) (*virtualCPU, error) {
	r, err := ioctl(vm.vmFd, kvmCreateVCPU, uintptr(id))
	if err != nil {
		return nil, fmt.Errorf("kvm: KVM_CREATE_VCPU %d: %w", id, err)
	}
	fd := int(r)

	mem, err := unix.Mmap(fd, 0, mmapSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("kvm: mmap vcpu run struct: %w", err)
	}

	v := &virtualCPU{
		id:     id,
		vm:     vm,
		fd:     fd,
		runMem: mem,
		run:    (*kvmRunData)(unsafe.Pointer(&mem[0])),
	}

	init := kvmVCPUInit{Target: kvmArmTargetGeneric}
	if _, err := ioctlPtr(vm.vmFd, kvmArmPreferredTarget, unsafe.Pointer(&init)); err != nil {
		unix.Munmap(mem)
		unix.Close(fd)
		return nil, fmt.Errorf("kvm: KVM_ARM_PREFERRED_TARGET: %w", err)
	}
	init.Features[0] |= 1 << kvmArmVCPUPSCI02
	if _, err := ioctlPtr(fd, kvmArmVCPUInit, unsafe.Pointer(&init)); err != nil {
		unix.Munmap(mem)
		unix.Close(fd)
		return nil, fmt.Errorf("kvm: KVM_ARM_VCPU_INIT %d: %w", id, err)
	}

	return v, nil
}

func (v *virtualCPU) ID() int                        { return v.id }
func (v *virtualCPU) VirtualMachine() hv.VirtualMachine { return v.vm }

// setImmediateExit sets kvm_run.immediate_exit, a field kvmRunData does
// not model by name since it is byte 1 of kvm_run, inside the padding
// that follows request_interrupt_window.
func (v *virtualCPU) setImmediateExit(b byte) {
	*(*byte)(unsafe.Pointer(&v.runMem[immediateExitOffset])) = b
}

// Pause asks a running vCPU to return from KVM_RUN as soon as possible,
// by setting immediate_exit and sending the no-op kick signal to its
// pinned OS thread. It is the only cross-goroutine interaction this
// type allows with a vCPU actively inside KVM_RUN.
func (v *virtualCPU) Pause() error {
	v.paused.Store(true)
	v.setImmediateExit(1)
	tid := atomic.LoadInt32(&v.tid)
	if tid == 0 {
		return nil
	}
	return unix.Tgkill(unix.Getpid(), int(tid), kickSignal)
}

func (v *virtualCPU) resume() {
	v.paused.Store(false)
}

// RunThreaded locks the calling goroutine to its OS thread (required
// since the vCPU fd is only valid from the thread that owns it),
// installs the no-op kick signal handler once per process, then
// alternates between waiting at barrier and running KVM_RUN until ctx
// is cancelled.
func (v *virtualCPU) RunThreaded(ctx context.Context, barrier *hv.Barrier, bus hv.MMIOBus) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	installKickHandlerOnce()
	atomic.StoreInt32(&v.tid, int32(unix.Gettid()))

	for {
		barrier.Wait()
		if ctx.Err() != nil {
			return
		}
		v.resume()
		v.setImmediateExit(0)
		if err := v.runOnce(ctx, bus); err != nil {
			slog.Error("kvm: vcpu run", "vcpu", v.id, "err", err)
			return
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// runOnce executes KVM_RUN until the vCPU halts, is paused, or the
// context is cancelled, dispatching MMIO exits to bus as they occur.
func (v *virtualCPU) runOnce(ctx context.Context, bus hv.MMIOBus) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		if v.paused.Load() {
			return nil
		}
		_, err := ioctlNoArg(v.fd, kvmRun)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("vcpu %d: KVM_RUN: %w", v.id, err)
		}
		switch v.run.exitReason {
		case kvmExitMMIO:
			mmio := (*kvmRunMMIO)(unsafe.Pointer(&v.runMem[mmioExitOffset]))
			data := mmio.Data[:mmio.Len]
			var derr error
			if mmio.IsWrite != 0 {
				derr = bus.Write(mmio.PhysAddr, data)
			} else {
				derr = bus.Read(mmio.PhysAddr, data)
			}
			if derr != nil {
				slog.Error("kvm: mmio dispatch", "vcpu", v.id, "addr", mmio.PhysAddr, "write", mmio.IsWrite != 0, "err", derr)
			}
		case kvmExitIntr:
			// interrupted by our own kick signal; loop around and let
			// the paused/ctx checks above decide whether to keep going.
		case kvmExitSystemEvent:
			return fmt.Errorf("%w: guest issued PSCI system event", hv.ErrVMHalted)
		case kvmExitShutdown:
			return fmt.Errorf("%w: guest shutdown", hv.ErrVMHalted)
		case kvmExitFailEntry, kvmExitInternalError:
			return fmt.Errorf("vcpu %d: fatal exit reason %d", v.id, v.run.exitReason)
		default:
			return fmt.Errorf("vcpu %d: unhandled exit reason %d", v.id, v.run.exitReason)
		}
	}
}

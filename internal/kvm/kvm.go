//go:build linux && arm64

// Package kvm is the sole internal/hv.Hypervisor implementation: a thin
// wrapper over Linux's /dev/kvm ioctl interface for the aarch64/KVM
// combination this VMM targets exclusively. It is adapted from the
// hv/kvm package of the reference hypervisor this module was modeled
// on, trimmed of everything x86_64-specific (split-memory PCI holes,
// MSR/CPUID/LAPIC/PIT emulation, the chipset dispatch layer) and of the
// profiling instrumentation that package threads through every ioctl.
package kvm

import (
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/ShadowCurse/radiance/internal/hv"
)

const kvmAPIVersion = 12

// hypervisor is the process-wide /dev/kvm handle.
type hypervisor struct {
	fd int
}

// Open opens /dev/kvm and validates the kernel's reported API version.
func Open() (hv.Hypervisor, error) {
	fd, err := unix.Open("/dev/kvm", unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("kvm: open /dev/kvm: %w", err)
	}
	v, err := ioctlNoArg(fd, kvmGetApiVersion)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("kvm: KVM_GET_API_VERSION: %w", err)
	}
	if v != kvmAPIVersion {
		unix.Close(fd)
		return nil, fmt.Errorf("kvm: unsupported API version %d, want %d", v, kvmAPIVersion)
	}
	return &hypervisor{fd: fd}, nil
}

func (h *hypervisor) Close() error {
	return unix.Close(h.fd)
}

func (h *hypervisor) checkExtension(cap uint) (int, error) {
	r, err := ioctl(h.fd, kvmCheckExtension, uintptr(cap))
	return int(r), err
}

// virtualMachine is the per-guest handle: one vmFd, one contiguous RAM
// mapping and N vCPUs.
type virtualMachine struct {
	vmFd int

	memMu      sync.RWMutex
	memory     []byte
	memoryBase uint64
	lastSlot   uint32

	vcpus []*virtualCPU

	vgicFd int

	notifyMu sync.Mutex
	notifyFDs map[uint64]int // key: addr<<32|datamatch
	irqFDs    map[uint32]int

	devices []hv.Device
}

func (h *hypervisor) NewVirtualMachine(cfg hv.VMConfig) (hv.VirtualMachine, error) {
	r, err := ioctlNoArg(h.fd, kvmCreateVM)
	if err != nil {
		return nil, fmt.Errorf("kvm: KVM_CREATE_VM: %w", err)
	}
	vm := &virtualMachine{
		vmFd:      int(r),
		notifyFDs: map[uint64]int{},
		irqFDs:    map[uint32]int{},
	}

	mem, err := unix.Mmap(-1, 0, int(cfg.MemorySize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		unix.Close(vm.vmFd)
		return nil, fmt.Errorf("kvm: mmap guest memory: %w", err)
	}
	vm.memory = mem
	vm.memoryBase = cfg.MemoryBase

	if err := vm.setUserMemoryRegion(0, cfg.MemoryBase, uint64(len(mem)), uintptr(unsafe.Pointer(&mem[0]))); err != nil {
		unix.Munmap(mem)
		unix.Close(vm.vmFd)
		return nil, err
	}
	vm.lastSlot = 1

	if err := vm.initVGIC(); err != nil {
		vm.Close()
		return nil, err
	}

	mmapSize, err := ioctlNoArg(h.fd, kvmGetVcpuMmapSize)
	if err != nil {
		vm.Close()
		return nil, fmt.Errorf("kvm: KVM_GET_VCPU_MMAP_SIZE: %w", err)
	}

	for i := 0; i < cfg.NumCPUs; i++ {
		vcpu, err := vm.createVCPU(i, int(mmapSize))
		if err != nil {
			vm.Close()
			return nil, err
		}
		vm.vcpus = append(vm.vcpus, vcpu)
	}

	if err := vm.finalizeVGIC(); err != nil {
		vm.Close()
		return nil, err
	}

	return vm, nil
}

func (vm *virtualMachine) setUserMemoryRegion(slot uint32, gpa, size uint64, userAddr uintptr) error {
	region := kvmUserspaceMemoryRegion{
		Slot:          slot,
		GuestPhysAddr: gpa,
		MemorySize:    size,
		UserspaceAddr: uint64(userAddr),
	}
	if _, err := ioctlPtr(vm.vmFd, kvmSetUserMemRegion, unsafe.Pointer(&region)); err != nil {
		return fmt.Errorf("kvm: KVM_SET_USER_MEMORY_REGION slot %d: %w", slot, err)
	}
	return nil
}

// memRegion implements hv.MemoryRegion over a slice of the guest RAM
// mapping obtained via AllocateMemory.
type memRegion struct {
	mem []byte
}

func (r *memRegion) Size() uint64 { return uint64(len(r.mem)) }

func (r *memRegion) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(r.mem)) {
		return 0, fmt.Errorf("kvm: ReadAt offset out of bounds")
	}
	return copy(p, r.mem[off:]), nil
}

func (r *memRegion) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(r.mem)) {
		return 0, fmt.Errorf("kvm: WriteAt offset out of bounds")
	}
	return copy(r.mem[off:], p), nil
}

// AllocateMemory maps additional anonymous RAM at the given guest
// physical address, outside the single primary RAM region set up at VM
// creation. Devices needing private DMA-able memory (none in this
// machine today) would use this; the primary RAM region returned to
// callers of ReadAt/WriteAt below covers the common case.
func (vm *virtualMachine) AllocateMemory(physAddr, size uint64) (hv.MemoryRegion, error) {
	mem, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("kvm: mmap: %w", err)
	}
	vm.memMu.Lock()
	slot := vm.lastSlot
	vm.lastSlot++
	vm.memMu.Unlock()
	if err := vm.setUserMemoryRegion(slot, physAddr, size, uintptr(unsafe.Pointer(&mem[0]))); err != nil {
		unix.Munmap(mem)
		return nil, err
	}
	return &memRegion{mem: mem}, nil
}

func (vm *virtualMachine) MemoryBase() uint64 { return vm.memoryBase }
func (vm *virtualMachine) MemorySize() uint64 {
	vm.memMu.RLock()
	defer vm.memMu.RUnlock()
	return uint64(len(vm.memory))
}

func (vm *virtualMachine) ReadAt(p []byte, off int64) (int, error) {
	vm.memMu.RLock()
	defer vm.memMu.RUnlock()
	if off < 0 || off >= int64(len(vm.memory)) {
		return 0, fmt.Errorf("kvm: ReadAt: %w", hv.ErrOutOfRange)
	}
	return copy(p, vm.memory[off:]), nil
}

func (vm *virtualMachine) WriteAt(p []byte, off int64) (int, error) {
	vm.memMu.RLock()
	defer vm.memMu.RUnlock()
	if off < 0 || off >= int64(len(vm.memory)) {
		return 0, fmt.Errorf("kvm: WriteAt: %w", hv.ErrOutOfRange)
	}
	return copy(vm.memory[off:], p), nil
}

func (vm *virtualMachine) AddDevice(dev hv.Device) error {
	if err := dev.Init(vm); err != nil {
		return err
	}
	vm.devices = append(vm.devices, dev)
	return nil
}

func (vm *virtualMachine) AddDeviceFromTemplate(template hv.DeviceTemplate) (hv.Device, error) {
	dev, err := template.Create(vm)
	if err != nil {
		return nil, err
	}
	if err := vm.AddDevice(dev); err != nil {
		return nil, err
	}
	return dev, nil
}

func (vm *virtualMachine) VCPU(id int) (hv.VirtualCPU, error) {
	if id < 0 || id >= len(vm.vcpus) {
		return nil, fmt.Errorf("kvm: no such vcpu %d", id)
	}
	return vm.vcpus[id], nil
}

func (vm *virtualMachine) NumVCPUs() int { return len(vm.vcpus) }

func (vm *virtualMachine) SetIRQLevel(gsi uint32, level bool) error {
	l := kvmIRQLevel{IRQ: gsi, Level: 0}
	if level {
		l.Level = 1
	}
	if _, err := ioctlPtr(vm.vmFd, kvmIRQLine, unsafe.Pointer(&l)); err != nil {
		return fmt.Errorf("kvm: KVM_IRQ_LINE gsi=%d: %w", gsi, err)
	}
	return nil
}

func (vm *virtualMachine) IRQEventFD(gsi uint32) (int, error) {
	vm.notifyMu.Lock()
	defer vm.notifyMu.Unlock()
	if fd, ok := vm.irqFDs[gsi]; ok {
		return fd, nil
	}
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return 0, fmt.Errorf("kvm: eventfd: %w", err)
	}
	args := kvmIRQFDArgs{Fd: uint32(fd), GSI: gsi}
	if _, err := ioctlPtr(vm.vmFd, kvmIRQFD, unsafe.Pointer(&args)); err != nil {
		unix.Close(fd)
		return 0, fmt.Errorf("kvm: KVM_IRQFD gsi=%d: %w", gsi, err)
	}
	vm.irqFDs[gsi] = fd
	return fd, nil
}

func (vm *virtualMachine) NotifyEventFD(addr uint64, datamatch uint32) (int, error) {
	vm.notifyMu.Lock()
	defer vm.notifyMu.Unlock()
	key := addr<<32 | uint64(datamatch)
	if fd, ok := vm.notifyFDs[key]; ok {
		return fd, nil
	}
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return 0, fmt.Errorf("kvm: eventfd: %w", err)
	}
	args := kvmIOEventFDArgs{
		Addr:      addr,
		Len:       4,
		Fd:        int32(fd),
		DataMatch: uint64(datamatch),
		Flags:     kvmIOEventFDFlagDataMatch,
	}
	if _, err := ioctlPtr(vm.vmFd, kvmIOEventFD, unsafe.Pointer(&args)); err != nil {
		unix.Close(fd)
		return 0, fmt.Errorf("kvm: KVM_IOEVENTFD addr=0x%x: %w", addr, err)
	}
	vm.notifyFDs[key] = fd
	return fd, nil
}

// Close tears down vCPU fds, the VGIC device, guest memory and the vmFd.
// Mirrors the reference implementation's synchronous-on-arm64 cleanup
// path: this machine only ever runs on linux/arm64, so there is no
// cross-platform async variant to keep around.
func (vm *virtualMachine) Close() error {
	for _, v := range vm.vcpus {
		if v.runMem != nil {
			unix.Munmap(v.runMem)
		}
		if v.fd != 0 {
			if err := unix.Close(v.fd); err != nil {
				slog.Error("kvm: close vcpu fd", "vcpu", v.id, "err", err)
			}
		}
	}
	if vm.vgicFd != 0 {
		unix.Close(vm.vgicFd)
	}
	for _, fd := range vm.irqFDs {
		unix.Close(fd)
	}
	for _, fd := range vm.notifyFDs {
		unix.Close(fd)
	}
	if vm.memory != nil {
		if err := unix.Munmap(vm.memory); err != nil {
			slog.Error("kvm: munmap guest memory", "err", err)
		}
	}
	if vm.vmFd != 0 {
		if err := unix.Close(vm.vmFd); err != nil {
			return fmt.Errorf("kvm: close vm fd: %w", err)
		}
	}
	runtime.KeepAlive(vm)
	return nil
}

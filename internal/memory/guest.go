// Package memory manages the guest's physical address space: the RAM
// mapping itself, kernel/initramfs/FDT placement within it, and a
// bump allocator for the fixed set of host-side buffers the VMM needs
// for the lifetime of a guest. Grounded on the reference hypervisor's
// AllocateMemory/address-space plumbing in internal/hv, simplified to
// the single contiguous ARM64 RAM region this machine always uses.
package memory

import (
	"fmt"

	"github.com/ShadowCurse/radiance/internal/hv"
)

// Guest owns the single contiguous RAM region backing a virtual
// machine and the layout decisions (kernel load address, FDT address,
// initramfs address) within it.
type Guest struct {
	vm   hv.VirtualMachine
	base uint64
	size uint64
}

func NewGuest(vm hv.VirtualMachine) *Guest {
	return &Guest{vm: vm, base: vm.MemoryBase(), size: vm.MemorySize()}
}

func (g *Guest) Base() uint64 { return g.base }
func (g *Guest) Size() uint64 { return g.size }
func (g *Guest) End() uint64  { return g.base + g.size }

// Write copies data into guest RAM at physical address gpa, failing
// closed if any part of the range falls outside [base, base+size).
func (g *Guest) Write(gpa uint64, data []byte) error {
	if err := hv.CheckRange(g.base, g.size, gpa, len(data)); err != nil {
		return err
	}
	n, err := g.vm.WriteAt(data, int64(gpa-g.base))
	if err != nil {
		return fmt.Errorf("memory: write at 0x%x: %w", gpa, err)
	}
	if n != len(data) {
		return fmt.Errorf("memory: short write at 0x%x: wrote %d of %d bytes", gpa, n, len(data))
	}
	return nil
}

func (g *Guest) Read(gpa uint64, data []byte) error {
	if err := hv.CheckRange(g.base, g.size, gpa, len(data)); err != nil {
		return err
	}
	n, err := g.vm.ReadAt(data, int64(gpa-g.base))
	if err != nil {
		return fmt.Errorf("memory: read at 0x%x: %w", gpa, err)
	}
	if n != len(data) {
		return fmt.Errorf("memory: short read at 0x%x: read %d of %d bytes", gpa, n, len(data))
	}
	return nil
}

// LoadKernel writes image at the standard 2MiB-aligned base address,
// where base must already be 2MiB aligned (the caller — internal/machine
// — is responsible for picking DRAM_START, which satisfies this by
// construction). It returns only an error; the entry point comes from
// bootimage.Header.EntryPoint.
func (g *Guest) LoadKernel(base uint64, image []byte) error {
	if base < g.base || base+uint64(len(image)) > g.End() {
		return fmt.Errorf("memory: kernel image [0x%x,0x%x) does not fit in guest RAM [0x%x,0x%x)", base, base+uint64(len(image)), g.base, g.End())
	}
	return g.Write(base, image)
}

// LoadInitramfs places the initramfs at the given address and returns
// its extent, so the caller can fill in the FDT's chosen/linux,initrd-*
// properties.
func (g *Guest) LoadInitramfs(addr uint64, data []byte) (start, end uint64, err error) {
	if err := g.Write(addr, data); err != nil {
		return 0, 0, err
	}
	return addr, addr + uint64(len(data)), nil
}

// PlaceFDT writes the flattened device tree blob at addr; internal/machine
// passes the start of the last 2MiB of guest RAM.
func (g *Guest) PlaceFDT(addr uint64, blob []byte) error {
	return g.Write(addr, blob)
}

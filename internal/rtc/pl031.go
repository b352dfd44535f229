// Package rtc implements the ARM PrimeCell PL031 real-time clock,
// adapted from the reference hypervisor's pl031.go. The teacher's
// version dispatched through its generic chipset.ChangeDeviceState/
// MmioIntercept abstraction, built for a device set spanning both
// port-IO (x86) and MMIO devices; this machine is MMIO-only, so the
// PL031 plugs directly into the bus as an hv.MemoryMappedIODevice with
// the same register semantics and PrimeCell identification block,
// since guest kernels probe those bytes to confirm the device's
// identity.
package rtc

import (
	"fmt"
	"sync"
	"time"

	"github.com/ShadowCurse/radiance/internal/hv"
)

const (
	DefaultSize = 0x1000

	regDR   = 0x00
	regMR   = 0x04
	regLR   = 0x08
	regCR   = 0x0c
	regIMSC = 0x10
	regRIS  = 0x14
	regMIS  = 0x18
	regICR  = 0x1c

	crEnable = 1 << 0
)

// PrimeCell identification registers occupy the last 32 bytes of the
// 4KiB region; their fixed values are what lets a guest driver confirm
// this is a PL031 rather than some other PrimeCell peripheral.
var primeCellID = [8]byte{0x31, 0x10, 0x14, 0x00, 0x0d, 0xf0, 0x05, 0xb1}

type PL031 struct {
	mu sync.Mutex

	vm   hv.VirtualMachine
	base uint64
	gsi  uint32

	loadTime time.Time
	lr, mr, cr, imsc, ris uint32
}

func New(base uint64, gsi uint32) *PL031 {
	now := time.Now()
	return &PL031{base: base, gsi: gsi, loadTime: now, lr: uint32(now.Unix())}
}

func (p *PL031) Init(vm hv.VirtualMachine) error {
	p.vm = vm
	return nil
}

func (p *PL031) MMIORegions() []hv.MMIORegion {
	return []hv.MMIORegion{{Address: p.base, Size: DefaultSize}}
}

func (p *PL031) currentTime() uint32 {
	if p.cr&crEnable == 0 {
		return p.lr
	}
	elapsed := time.Since(p.loadTime).Seconds()
	return p.lr + uint32(elapsed)
}

func (p *PL031) ReadMMIO(ctx hv.ExitContext, addr uint64, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	off := addr - p.base
	if off >= 0xfe0 {
		return readIDByte(data, primeCellID[:], off-0xfe0)
	}
	v := p.readRegister(off &^ 0x3)
	shift := (off & 0x3) * 8
	for i := range data {
		data[i] = byte(v >> (shift + uint64(i)*8))
	}
	return nil
}

func readIDByte(data []byte, id []byte, idx uint64) error {
	// Each identification byte is the low byte of its own 32-bit
	// register, so the eight registers fill the 32-byte block.
	for i := range data {
		o := idx + uint64(i)
		if o%4 == 0 && o/4 < uint64(len(id)) {
			data[i] = id[o/4]
		} else {
			data[i] = 0
		}
	}
	return nil
}

func (p *PL031) readRegister(off uint64) uint32 {
	switch off {
	case regDR:
		return p.currentTime()
	case regMR:
		return p.mr
	case regLR:
		return p.lr
	case regCR:
		return p.cr
	case regIMSC:
		return p.imsc
	case regRIS:
		return p.ris
	case regMIS:
		return p.ris & p.imsc
	default:
		return 0
	}
}

func (p *PL031) WriteMMIO(ctx hv.ExitContext, addr uint64, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	off := addr - p.base
	if off >= 0xfe0 {
		return nil // identification block is read-only
	}
	if off&0x3 != 0 || len(data) != 4 {
		return fmt.Errorf("rtc: unsupported pl031 write at offset 0x%x width %d", off, len(data))
	}
	v := uint32(data[0]) | uint32(data[1])<<8 | uint32(data[2])<<16 | uint32(data[3])<<24
	p.writeRegister(off, v)
	return nil
}

func (p *PL031) writeRegister(off uint64, v uint32) {
	switch off {
	case regMR:
		p.mr = v
	case regLR:
		p.lr = v
		p.loadTime = time.Now()
	case regCR:
		p.cr = v
		p.loadTime = time.Now()
	case regIMSC:
		p.imsc = v
		p.updateInterrupt()
	case regICR:
		p.ris &^= v
		p.updateInterrupt()
	}
}

func (p *PL031) updateInterrupt() {
	if p.vm != nil {
		p.vm.SetIRQLevel(p.gsi, p.ris&p.imsc&1 != 0)
	}
}

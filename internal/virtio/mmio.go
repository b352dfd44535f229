package virtio

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/ShadowCurse/radiance/internal/hv"
)

// virtio-mmio register offsets, per the VirtIO 1.x MMIO transport
// specification. Matches the reference hypervisor's constant block,
// trimmed of the shared-memory-region registers (0x0ac-0x0bc) this
// machine's device set never uses.
const (
	regMagicValue       = 0x000
	regVersion          = 0x004
	regDeviceID         = 0x008
	regVendorID         = 0x00c
	regDeviceFeatures   = 0x010
	regDeviceFeaturesSel = 0x014
	regDriverFeatures   = 0x020
	regDriverFeaturesSel = 0x024
	regQueueSel         = 0x030
	regQueueNumMax      = 0x034
	regQueueNum         = 0x038
	regQueueReady       = 0x044
	regQueueNotify      = 0x050
	regInterruptStatus  = 0x060
	regInterruptACK     = 0x064
	regStatus           = 0x070
	regQueueDescLow     = 0x080
	regQueueDescHigh    = 0x084
	regQueueAvailLow    = 0x090
	regQueueAvailHigh   = 0x094
	regQueueUsedLow     = 0x0a0
	regQueueUsedHigh    = 0x0a4
	regConfigGeneration = 0x0fc
	regConfigStart      = 0x100
)

const mmioMagic = 0x74726976 // "virt"
const mmioVersion = 2

// Status bits (VIRTIO_CONFIG_S_*).
const (
	StatusAcknowledge = 1 << 0
	StatusDriver      = 1 << 1
	StatusDriverOK    = 1 << 2
	StatusFeaturesOK  = 1 << 3
	StatusNeedsReset  = 1 << 6
	StatusFailed      = 1 << 7
)

const interruptStatusUsedBuffer = 1 << 0
const interruptStatusConfigChange = 1 << 1

// DeviceBackend is implemented by each concrete virtio device (block,
// net, pmem) and plugged into a Transport, which owns the register
// file and dispatches guest accesses into backend calls.
type DeviceBackend interface {
	DeviceID() uint32
	// Features returns the low or high 32 bits of the device feature
	// bitmap depending on sel (0 or 1).
	Features(sel uint32) uint32
	// AcceptDriverFeatures is called once, at the FEATURES_OK
	// transition, with the full negotiated 64-bit feature set so the
	// device can record which optional behaviors (VIRTIO_F_EVENT_IDX,
	// any device-specific bit) the driver actually accepted.
	AcceptDriverFeatures(features uint64) error
	NumQueues() int
	QueueMaxSize(queue int) uint16
	// OnQueueReady is called when queue's Ready bit transitions to true,
	// so the backend can validate addresses before driver traffic
	// starts flowing.
	OnQueueReady(queue int) error
	// OnQueueNotify is called when the driver writes queue's index to
	// QueueNotify; the backend drains available buffers from q.
	OnQueueNotify(queue int, q *Queue) error
	// OnDriverOK is called at the DRIVER_OK transition: the single
	// point where device activation side effects (starting a backend
	// goroutine, opening a tap fd) are allowed to happen.
	OnDriverOK() error
	// OnReset undoes OnDriverOK / OnQueueReady side effects when the
	// driver writes 0 to status.
	OnReset() error
	ReadConfig(offset uint64, data []byte) error
	WriteConfig(offset uint64, data []byte) error
}

// Transport is the virtio-mmio register file plus its bound queues. It
// owns the page-splitting discipline required by the transport: the
// unbacked "notify-only" region below offset 0x60 and the backed
// register file at or above it must never straddle a single MMIO
// dispatch, which this type's single ReadMMIO/WriteMMIO entry points
// satisfy simply by treating the whole 0x200-byte window uniformly —
// the split only matters for how the allocator (internal/hv.Bus)
// reserves whole pages, not for this type's own dispatch logic.
type Transport struct {
	mu sync.Mutex

	backend DeviceBackend
	mem     GuestMemory
	vm      hv.VirtualMachine
	irqGSI  uint32

	base uint64
	size uint64

	status          uint32
	featuresSel     uint32
	driverFeaturesSel uint32
	driverFeatures  uint64
	queueSel        uint32
	queues          []*Queue
	interruptStatus uint32
	configGen       uint32
}

// transportBinder is implemented by each concrete backend (Blk, Net,
// Pmem, VhostNet) so NewTransport can hand it the Transport it will
// call NotifyIfNeeded/raiseUsedBufferInterrupt through, without making
// that back-reference part of the public DeviceBackend contract.
type transportBinder interface {
	bindTransport(t *Transport)
}

// NewTransport builds a Transport bound to base/size (as allocated from
// hv.Bus.AllocateVirtio) and irqGSI, with one Queue per backend.NumQueues().
func NewTransport(backend DeviceBackend, mem GuestMemory, base, size uint64, irqGSI uint32) *Transport {
	t := &Transport{backend: backend, mem: mem, base: base, size: size, irqGSI: irqGSI}
	for i := 0; i < backend.NumQueues(); i++ {
		t.queues = append(t.queues, NewQueue(mem, backend.QueueMaxSize(i)))
	}
	if tb, ok := backend.(transportBinder); ok {
		tb.bindTransport(t)
	}
	return t
}

func (t *Transport) Init(vm hv.VirtualMachine) error {
	t.vm = vm
	return nil
}

func (t *Transport) MMIORegions() []hv.MMIORegion {
	return []hv.MMIORegion{{Address: t.base, Size: t.size}}
}

func (t *Transport) Queue(i int) *Queue { return t.queues[i] }

func (t *Transport) raiseUsedBufferInterrupt() error {
	t.interruptStatus |= interruptStatusUsedBuffer
	return t.vm.SetIRQLevel(t.irqGSI, true)
}

// NotifyIfNeeded is called by a backend after publishing used-ring
// entries for queue i; it raises the guest interrupt only when the
// queue's ShouldNotify predicate says the driver actually wants one.
func (t *Transport) NotifyIfNeeded(i int, oldUsedIdx, newUsedIdx uint16) error {
	q := t.queues[i]
	should, err := q.ShouldNotify(oldUsedIdx, newUsedIdx)
	if err != nil {
		return err
	}
	if !should {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.raiseUsedBufferInterrupt()
}

func (t *Transport) ReadMMIO(ctx hv.ExitContext, addr uint64, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	off := addr - t.base
	var v uint32
	switch {
	case off == regMagicValue:
		v = mmioMagic
	case off == regVersion:
		v = mmioVersion
	case off == regDeviceID:
		v = t.backend.DeviceID()
	case off == regVendorID:
		v = 0
	case off == regDeviceFeatures:
		v = t.backend.Features(t.featuresSel)
	case off == regQueueNumMax:
		v = uint32(t.backend.QueueMaxSize(int(t.queueSel)))
	case off == regQueueReady:
		if t.currentQueue() != nil && t.currentQueue().Ready {
			v = 1
		}
	case off == regInterruptStatus:
		v = interruptStatusUsedBuffer
	case off == regStatus:
		v = t.status
	case off == regConfigGeneration:
		v = t.configGen
	case off >= regConfigStart:
		return t.backend.ReadConfig(off-regConfigStart, data)
	default:
		v = 0
	}
	return putLE(data, v)
}

func (t *Transport) WriteMMIO(ctx hv.ExitContext, addr uint64, data []byte) error {
	off := addr - t.base
	if off >= regConfigStart {
		return t.backend.WriteConfig(off-regConfigStart, data)
	}
	v, err := getLE(data)
	if err != nil {
		return err
	}

	// regQueueNotify dispatches into the backend, which publishes used
	// entries and calls back into NotifyIfNeeded — itself locking mu —
	// so this one register must be handled with mu released, unlike
	// every other register below.
	if off == regQueueNotify {
		qi := int(v)
		if qi < 0 || qi >= len(t.queues) {
			return fmt.Errorf("virtio: notify for out-of-range queue %d", qi)
		}
		return t.backend.OnQueueNotify(qi, t.queues[qi])
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	switch off {
	case regDeviceFeaturesSel:
		t.featuresSel = v
	case regDriverFeatures:
		if t.driverFeaturesSel == 0 {
			t.driverFeatures = t.driverFeatures&^0xffffffff | uint64(v)
		} else {
			t.driverFeatures = t.driverFeatures&0xffffffff | uint64(v)<<32
		}
	case regDriverFeaturesSel:
		t.driverFeaturesSel = v
	case regQueueSel:
		t.queueSel = v
	case regQueueNum:
		if q := t.currentQueue(); q != nil {
			if err := q.SetSize(uint16(v)); err != nil {
				return err
			}
		}
	case regQueueReady:
		if q := t.currentQueue(); q != nil {
			q.SetReady(v != 0)
			if v != 0 {
				if err := t.backend.OnQueueReady(int(t.queueSel)); err != nil {
					return err
				}
			}
		}
	case regInterruptStatus:
		slog.Warn("virtio: ignoring write to read-only interrupt status", "base", t.base, "value", v)
	case regInterruptACK:
		t.interruptStatus &^= v
		if t.interruptStatus == 0 {
			return t.vm.SetIRQLevel(t.irqGSI, false)
		}
	case regStatus:
		return t.writeStatus(v)
	case regQueueDescLow:
		t.withQueueAddr(func(a *[3]uint64) { a[0] = a[0]&^0xffffffff | uint64(v) })
	case regQueueDescHigh:
		t.withQueueAddr(func(a *[3]uint64) { a[0] = a[0]&0xffffffff | uint64(v)<<32 })
	case regQueueAvailLow:
		t.withQueueAddr(func(a *[3]uint64) { a[1] = a[1]&^0xffffffff | uint64(v) })
	case regQueueAvailHigh:
		t.withQueueAddr(func(a *[3]uint64) { a[1] = a[1]&0xffffffff | uint64(v)<<32 })
	case regQueueUsedLow:
		t.withQueueAddr(func(a *[3]uint64) { a[2] = a[2]&^0xffffffff | uint64(v) })
	case regQueueUsedHigh:
		t.withQueueAddr(func(a *[3]uint64) { a[2] = a[2]&0xffffffff | uint64(v)<<32 })
	}
	return nil
}

// withQueueAddr patches one 32-bit half of the currently selected
// queue's desc/avail/used address, since the driver writes each half
// via a separate MMIO store.
func (t *Transport) withQueueAddr(f func(a *[3]uint64)) {
	q := t.currentQueue()
	if q == nil {
		return
	}
	addrs := [3]uint64{q.DescTableAddr, q.AvailAddr, q.UsedAddr}
	f(&addrs)
	q.SetAddresses(addrs[0], addrs[1], addrs[2])
}

func (t *Transport) currentQueue() *Queue {
	if int(t.queueSel) >= len(t.queues) {
		return nil
	}
	return t.queues[t.queueSel]
}

// writeStatus enforces the status state machine: a 0 write always
// resets the device, any write other than the next step of
// ACKNOWLEDGE -> DRIVER -> FEATURES_OK -> DRIVER_OK is ignored with a
// warning, and the single activation side effect (OnDriverOK) fires
// exactly once, at the transition into DRIVER_OK.
func (t *Transport) writeStatus(v uint32) error {
	if v == 0 {
		for _, q := range t.queues {
			q.Reset()
		}
		t.status = 0
		t.driverFeatures = 0
		t.interruptStatus = 0
		return t.backend.OnReset()
	}
	legal := (t.status == 0 && v == StatusAcknowledge) ||
		(t.status == StatusAcknowledge && v == StatusAcknowledge|StatusDriver) ||
		(t.status == StatusAcknowledge|StatusDriver && v == t.status|StatusFeaturesOK) ||
		(t.status == StatusAcknowledge|StatusDriver|StatusFeaturesOK && v == t.status|StatusDriverOK)
	if !legal {
		slog.Warn("virtio: ignoring illegal device status transition", "from", t.status, "to", v)
		return nil
	}
	wasDriverOK := t.status&StatusDriverOK != 0
	if v&StatusFeaturesOK != 0 && t.status&StatusFeaturesOK == 0 {
		if err := t.backend.AcceptDriverFeatures(t.driverFeatures); err != nil {
			t.status = v | StatusFailed
			return err
		}
	}
	t.status = v
	if v&StatusDriverOK != 0 && !wasDriverOK {
		return t.backend.OnDriverOK()
	}
	return nil
}

func putLE(data []byte, v uint32) error {
	switch len(data) {
	case 1:
		data[0] = byte(v)
	case 2:
		data[0] = byte(v)
		data[1] = byte(v >> 8)
	case 4:
		data[0] = byte(v)
		data[1] = byte(v >> 8)
		data[2] = byte(v >> 16)
		data[3] = byte(v >> 24)
	default:
		return fmt.Errorf("virtio: unsupported mmio access width %d", len(data))
	}
	return nil
}

func getLE(data []byte) (uint32, error) {
	switch len(data) {
	case 1:
		return uint32(data[0]), nil
	case 2:
		return uint32(data[0]) | uint32(data[1])<<8, nil
	case 4:
		return uint32(data[0]) | uint32(data[1])<<8 | uint32(data[2])<<16 | uint32(data[3])<<24, nil
	default:
		return 0, fmt.Errorf("virtio: unsupported mmio access width %d", len(data))
	}
}

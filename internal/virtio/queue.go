// Package virtio implements the split-virtqueue engine, the
// virtio-mmio transport register file, and the block/net/pmem device
// models built on top of them. Adapted from the reference hypervisor's
// devices/virtio package: the ring-walking and used-ring-publication
// logic follows that package's queue.go closely, but this version adds
// the avail_event/used_event notification-suppression fields that file
// left as an unimplemented TODO, since this spec's interrupt-coalescing
// contract depends on them.
package virtio

import (
	"encoding/binary"
	"fmt"
)

// GuestMemory is the narrow view of guest RAM the queue engine needs.
type GuestMemory interface {
	Read(gpa uint64, data []byte) error
	Write(gpa uint64, data []byte) error
}

const (
	descFNext  = 1 << 0
	descFWrite = 1 << 1

	availFNoInterrupt = 1 << 0
	usedFNoNotify     = 1 << 0
)

// Descriptor mirrors struct virtq_desc.
type Descriptor struct {
	Addr   uint64
	Length uint32
	Flags  uint16
	Next   uint16
}

// Payload is one descriptor's worth of guest-memory span resolved for
// device I/O.
type Payload struct {
	Addr    uint64
	Length  uint32
	IsWrite bool
}

// Queue is one split virtqueue: descriptor table, available ring, used
// ring, plus the cursors and negotiated-feature flag the notification
// logic needs.
type Queue struct {
	mem GuestMemory

	DescTableAddr uint64
	AvailAddr     uint64
	UsedAddr      uint64
	Size          uint16
	MaxSize       uint16
	Ready         bool

	// EventIdxNegotiated is true once VIRTIO_F_EVENT_IDX has been
	// accepted during feature negotiation; it changes both how a device
	// decides to notify the driver (send_notification) and how a
	// driver's notifications are suppressed on the host-as-driver path
	// (not used by this device-only VMM, kept for symmetry).
	EventIdxNegotiated bool

	lastAvailIdx uint16
	usedIdx      uint16
}

func NewQueue(mem GuestMemory, maxSize uint16) *Queue {
	return &Queue{mem: mem, MaxSize: maxSize}
}

func (q *Queue) Reset() {
	q.DescTableAddr, q.AvailAddr, q.UsedAddr = 0, 0, 0
	q.Size = 0
	q.Ready = false
	q.lastAvailIdx, q.usedIdx = 0, 0
}

func (q *Queue) SetAddresses(desc, avail, used uint64) {
	q.DescTableAddr, q.AvailAddr, q.UsedAddr = desc, avail, used
}

func (q *Queue) SetSize(size uint16) error {
	if size == 0 || size > q.MaxSize {
		return fmt.Errorf("virtio: queue size %d invalid (max %d)", size, q.MaxSize)
	}
	q.Size = size
	return nil
}

func (q *Queue) SetReady(ready bool) {
	if !ready {
		q.Reset()
		return
	}
	q.Ready = ready
}

func (q *Queue) ensureReady() error {
	if !q.Ready || q.Size == 0 {
		return fmt.Errorf("virtio: queue not ready")
	}
	return nil
}

func (q *Queue) ReadDescriptor(idx uint16) (Descriptor, error) {
	if idx >= q.Size {
		return Descriptor{}, fmt.Errorf("virtio: descriptor index %d out of range (size %d)", idx, q.Size)
	}
	buf := make([]byte, 16)
	addr := q.DescTableAddr + uint64(idx)*16
	if err := q.mem.Read(addr, buf); err != nil {
		return Descriptor{}, err
	}
	return Descriptor{
		Addr:   binary.LittleEndian.Uint64(buf[0:8]),
		Length: binary.LittleEndian.Uint32(buf[8:12]),
		Flags:  binary.LittleEndian.Uint16(buf[12:14]),
		Next:   binary.LittleEndian.Uint16(buf[14:16]),
	}, nil
}

func (q *Queue) availRingIdx() (uint16, error) {
	buf := make([]byte, 2)
	if err := q.mem.Read(q.AvailAddr+2, buf); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(buf), nil
}

func (q *Queue) availRingEntry(slot uint16) (uint16, error) {
	buf := make([]byte, 2)
	off := q.AvailAddr + 4 + uint64(slot)*2
	if err := q.mem.Read(off, buf); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(buf), nil
}

// availEventOffset is where the optional used_event field sits,
// trailing the ring array: flags(2) + idx(2) + ring[size](2 each).
func (q *Queue) availEventOffset() uint64 {
	return q.AvailAddr + 4 + uint64(q.Size)*2
}

// usedEventOffset is the equivalent trailing field on the used ring:
// flags(2) + idx(2) + ring[size](8 each, {id u32, len u32}).
func (q *Queue) usedEventOffset() uint64 {
	return q.UsedAddr + 4 + uint64(q.Size)*8
}

func (q *Queue) readU16(addr uint64) (uint16, error) {
	buf := make([]byte, 2)
	if err := q.mem.Read(addr, buf); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(buf), nil
}

func (q *Queue) writeU16(addr uint64, v uint16) error {
	buf := make([]byte, 2)
	binary.LittleEndian.PutUint16(buf, v)
	return q.mem.Write(addr, buf)
}

// PopAvailable returns the next unconsumed descriptor chain head, or
// hasBuffer=false if the driver has not posted one.
func (q *Queue) PopAvailable() (head uint16, hasBuffer bool, err error) {
	if err := q.ensureReady(); err != nil {
		return 0, false, err
	}
	idx, err := q.availRingIdx()
	if err != nil {
		return 0, false, err
	}
	if q.lastAvailIdx == idx {
		return 0, false, nil
	}
	head, err = q.availRingEntry(q.lastAvailIdx % q.Size)
	if err != nil {
		return 0, false, err
	}
	q.lastAvailIdx++

	if q.EventIdxNegotiated {
		// advertise our consumption point (avail_event, which lives at
		// the tail of the used ring) so the driver can suppress kicks
		// it knows we're not yet waiting on; writing this after
		// consuming the entry, not before, matches the driver-visible
		// ordering the spec's fence rules require.
		if err := q.writeU16(q.usedEventOffset(), q.lastAvailIdx); err != nil {
			return 0, false, err
		}
	}
	return head, true, nil
}

// ReadDescriptorChain walks the NEXT-linked chain starting at head,
// resolving each link to a guest-memory span.
func (q *Queue) ReadDescriptorChain(head uint16) ([]Payload, error) {
	var out []Payload
	idx := head
	for i := uint16(0); i < q.Size; i++ {
		d, err := q.ReadDescriptor(idx)
		if err != nil {
			return nil, err
		}
		out = append(out, Payload{Addr: d.Addr, Length: d.Length, IsWrite: d.Flags&descFWrite != 0})
		if d.Flags&descFNext == 0 {
			return out, nil
		}
		idx = d.Next
	}
	return nil, fmt.Errorf("virtio: descriptor chain starting at %d exceeds queue size %d (likely cyclic)", head, q.Size)
}

// PushUsed publishes a completed chain to the used ring.
func (q *Queue) PushUsed(head uint16, length uint32) error {
	slot := q.usedIdx % q.Size
	entry := make([]byte, 8)
	binary.LittleEndian.PutUint32(entry[0:4], uint32(head))
	binary.LittleEndian.PutUint32(entry[4:8], length)
	if err := q.mem.Write(q.UsedAddr+4+uint64(slot)*8, entry); err != nil {
		return err
	}
	q.usedIdx++
	// the used-ring index must become visible only after the entry it
	// points past has been written; Write here happens strictly after
	// the entry write above, which on a single-threaded device model is
	// sufficient ordering without an explicit atomic fence.
	return q.writeU16(q.UsedAddr+2, q.usedIdx)
}

// ShouldNotify implements the must-kick predicate: with
// VIRTIO_F_EVENT_IDX negotiated, a device only needs to kick the driver
// when the driver's declared used_event falls within the range of used
// entries just published; without it, the device defers only to the
// driver's VIRTQ_AVAIL_F_NO_INTERRUPT flag.
func (q *Queue) ShouldNotify(oldUsedIdx, newUsedIdx uint16) (bool, error) {
	if !q.EventIdxNegotiated {
		flagsBuf := make([]byte, 2)
		if err := q.mem.Read(q.AvailAddr, flagsBuf); err != nil {
			return false, err
		}
		flags := binary.LittleEndian.Uint16(flagsBuf)
		return flags&availFNoInterrupt == 0, nil
	}
	// used_event lives at the tail of the avail ring: the driver writes
	// it there to tell us the used index it's waiting on.
	usedEvent, err := q.readU16(q.availEventOffset())
	if err != nil {
		return false, err
	}
	return needEvent(usedEvent, newUsedIdx, oldUsedIdx), nil
}

// needEvent is the wrap-aware must-kick comparison from the VirtIO
// specification: notify iff oldIdx <= eventIdx < newIdx (the previous
// used index counts, the new one does not), accounting for uint16
// wraparound.
func needEvent(eventIdx, newIdx, oldIdx uint16) bool {
	return uint16(newIdx-eventIdx-1) < uint16(newIdx-oldIdx)
}

// SetUsedNoNotify toggles the device-to-driver suppression hint on the
// used ring (VIRTQ_USED_F_NO_NOTIFY), mirrored here for completeness
// though this VMM's devices rely on ShouldNotify rather than this flag.
func (q *Queue) SetUsedNoNotify(suppress bool) error {
	flagsBuf := make([]byte, 2)
	if err := q.mem.Read(q.UsedAddr, flagsBuf); err != nil {
		return err
	}
	flags := binary.LittleEndian.Uint16(flagsBuf)
	if suppress {
		flags |= usedFNoNotify
	} else {
		flags &^= usedFNoNotify
	}
	binary.LittleEndian.PutUint16(flagsBuf, flags)
	return q.mem.Write(q.UsedAddr, flagsBuf)
}

func (q *Queue) UsedIdx() uint16 { return q.usedIdx }

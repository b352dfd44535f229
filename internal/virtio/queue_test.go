package virtio

import "testing"

// fakeMem is a flat byte slice GuestMemory good enough for queue unit
// tests; it does not model the real guest address range, only offsets
// relative to 0, matching how these tests lay out ring structures.
type fakeMem struct {
	buf []byte
}

func newFakeMem(size int) *fakeMem { return &fakeMem{buf: make([]byte, size)} }

func (m *fakeMem) Read(gpa uint64, data []byte) error {
	copy(data, m.buf[gpa:])
	return nil
}

func (m *fakeMem) Write(gpa uint64, data []byte) error {
	copy(m.buf[gpa:], data)
	return nil
}

func setupQueue(t *testing.T, size uint16) (*Queue, *fakeMem) {
	t.Helper()
	mem := newFakeMem(1 << 16)
	q := NewQueue(mem, size)
	descAddr := uint64(0)
	availAddr := uint64(16) * uint64(size)
	usedAddr := availAddr + 8 + uint64(size)*2
	q.SetAddresses(descAddr, availAddr, usedAddr)
	if err := q.SetSize(size); err != nil {
		t.Fatalf("SetSize: %v", err)
	}
	q.SetReady(true)
	return q, mem
}

func TestPopAvailableEmptyQueue(t *testing.T) {
	q, _ := setupQueue(t, 4)
	_, has, err := q.PopAvailable()
	if err != nil {
		t.Fatalf("PopAvailable: %v", err)
	}
	if has {
		t.Fatalf("expected no buffer available on an empty queue")
	}
}

func TestPopAvailableAndPushUsedRoundTrip(t *testing.T) {
	q, mem := setupQueue(t, 4)

	// descriptor 0: a single 64-byte writable buffer at guest addr 0x1000
	writeDescriptor(mem, q.DescTableAddr, 0, Descriptor{Addr: 0x1000, Length: 64, Flags: descFWrite})

	// avail ring: flags=0, idx=1, ring[0]=0
	writeU16At(mem, q.AvailAddr, 0)
	writeU16At(mem, q.AvailAddr+2, 1)
	writeU16At(mem, q.AvailAddr+4, 0)

	head, has, err := q.PopAvailable()
	if err != nil {
		t.Fatalf("PopAvailable: %v", err)
	}
	if !has {
		t.Fatalf("expected a buffer to be available")
	}
	if head != 0 {
		t.Fatalf("head = %d, want 0", head)
	}

	chain, err := q.ReadDescriptorChain(head)
	if err != nil {
		t.Fatalf("ReadDescriptorChain: %v", err)
	}
	if len(chain) != 1 || chain[0].Addr != 0x1000 || chain[0].Length != 64 || !chain[0].IsWrite {
		t.Fatalf("unexpected chain: %+v", chain)
	}

	if err := q.PushUsed(head, 32); err != nil {
		t.Fatalf("PushUsed: %v", err)
	}
	if q.UsedIdx() != 1 {
		t.Fatalf("UsedIdx() = %d, want 1", q.UsedIdx())
	}
}

func TestReadDescriptorChainFollowsNext(t *testing.T) {
	q, mem := setupQueue(t, 4)
	writeDescriptor(mem, q.DescTableAddr, 0, Descriptor{Addr: 0x1000, Length: 16, Flags: descFNext, Next: 1})
	writeDescriptor(mem, q.DescTableAddr, 1, Descriptor{Addr: 0x2000, Length: 32, Flags: 0})

	chain, err := q.ReadDescriptorChain(0)
	if err != nil {
		t.Fatalf("ReadDescriptorChain: %v", err)
	}
	if len(chain) != 2 {
		t.Fatalf("len(chain) = %d, want 2", len(chain))
	}
	if chain[1].Addr != 0x2000 || chain[1].Length != 32 {
		t.Fatalf("unexpected second link: %+v", chain[1])
	}
}

func TestShouldNotifyWithoutEventIdxHonorsNoInterruptFlag(t *testing.T) {
	q, mem := setupQueue(t, 4)
	writeU16At(mem, q.AvailAddr, availFNoInterrupt)
	notify, err := q.ShouldNotify(0, 1)
	if err != nil {
		t.Fatalf("ShouldNotify: %v", err)
	}
	if notify {
		t.Fatalf("expected suppression when VIRTQ_AVAIL_F_NO_INTERRUPT is set")
	}
}

func TestShouldNotifyWithEventIdxReadsUsedEventFromAvailRingTail(t *testing.T) {
	q, mem := setupQueue(t, 8)
	q.EventIdxNegotiated = true

	// the driver publishes used_event at the tail of the avail ring
	writeU16At(mem, q.availEventOffset(), 5)

	notify, err := q.ShouldNotify(0, 6)
	if err != nil {
		t.Fatalf("ShouldNotify: %v", err)
	}
	if !notify {
		t.Fatalf("expected a kick: used_event=5 falls within [0,6)")
	}
}

func TestPopAvailablePublishesAvailEventAtUsedRingTail(t *testing.T) {
	q, mem := setupQueue(t, 4)
	q.EventIdxNegotiated = true

	writeDescriptor(mem, q.DescTableAddr, 0, Descriptor{Addr: 0x1000, Length: 64, Flags: descFWrite})
	writeU16At(mem, q.AvailAddr, 0)
	writeU16At(mem, q.AvailAddr+2, 1)
	writeU16At(mem, q.AvailAddr+4, 0)

	// the driver's used_event, at the avail ring's tail, must survive
	const driverUsedEvent = 9
	writeU16At(mem, q.availEventOffset(), driverUsedEvent)

	if _, _, err := q.PopAvailable(); err != nil {
		t.Fatalf("PopAvailable: %v", err)
	}

	buf := make([]byte, 2)
	if err := mem.Read(q.usedEventOffset(), buf); err != nil {
		t.Fatalf("read avail_event: %v", err)
	}
	if got := uint16(buf[0]) | uint16(buf[1])<<8; got != 1 {
		t.Fatalf("avail_event (used ring tail) = %d, want 1", got)
	}
	if err := mem.Read(q.availEventOffset(), buf); err != nil {
		t.Fatalf("read used_event: %v", err)
	}
	if got := uint16(buf[0]) | uint16(buf[1])<<8; got != driverUsedEvent {
		t.Fatalf("used_event (avail ring tail) = %d, want unclobbered %d", got, driverUsedEvent)
	}
}

func TestNeedEventWrapsCorrectly(t *testing.T) {
	cases := []struct {
		eventIdx, newIdx, oldIdx uint16
		want                     bool
	}{
		{eventIdx: 0, newIdx: 1, oldIdx: 0, want: true},
		{eventIdx: 5, newIdx: 5, oldIdx: 4, want: false},
		{eventIdx: 0xfffe, newIdx: 1, oldIdx: 0xfffd, want: true},
	}
	for _, c := range cases {
		got := needEvent(c.eventIdx, c.newIdx, c.oldIdx)
		if got != c.want {
			t.Errorf("needEvent(%d,%d,%d) = %v, want %v", c.eventIdx, c.newIdx, c.oldIdx, got, c.want)
		}
	}
}

func writeDescriptor(mem *fakeMem, tableAddr uint64, idx uint16, d Descriptor) {
	off := tableAddr + uint64(idx)*16
	buf := make([]byte, 16)
	putU64(buf[0:8], d.Addr)
	putU32(buf[8:12], d.Length)
	putU16(buf[12:14], d.Flags)
	putU16(buf[14:16], d.Next)
	mem.Write(off, buf)
}

func writeU16At(mem *fakeMem, addr uint64, v uint16) {
	buf := make([]byte, 2)
	putU16(buf, v)
	mem.Write(addr, buf)
}

func putU64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}
func putU32(b []byte, v uint32) {
	for i := 0; i < 4; i++ {
		b[i] = byte(v >> (8 * i))
	}
}
func putU16(b []byte, v uint16) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
}

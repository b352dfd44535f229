package virtio

import (
	"encoding/binary"
	"testing"

	"github.com/ShadowCurse/radiance/internal/hv"
)

// fakeVM is the minimal hv.VirtualMachine a Transport needs to raise
// and acknowledge interrupts in isolation from a real hypervisor.
type fakeVM struct{}

func (fakeVM) ReadAt(p []byte, off int64) (int, error)  { return len(p), nil }
func (fakeVM) WriteAt(p []byte, off int64) (int, error) { return len(p), nil }
func (fakeVM) Close() error                             { return nil }
func (fakeVM) MemoryBase() uint64                        { return 0 }
func (fakeVM) MemorySize() uint64                        { return 0 }
func (fakeVM) AllocateMemory(physAddr, size uint64) (hv.MemoryRegion, error) {
	return nil, nil
}
func (fakeVM) AddDevice(dev hv.Device) error { return nil }
func (fakeVM) AddDeviceFromTemplate(template hv.DeviceTemplate) (hv.Device, error) {
	return nil, nil
}
func (fakeVM) VCPU(id int) (hv.VirtualCPU, error) { return nil, nil }
func (fakeVM) NumVCPUs() int                      { return 1 }
func (fakeVM) SetIRQLevel(gsi uint32, level bool) error {
	return nil
}
func (fakeVM) IRQEventFD(gsi uint32) (int, error)               { return -1, nil }
func (fakeVM) NotifyEventFD(addr uint64, datamatch uint32) (int, error) { return -1, nil }
func (fakeVM) GICState() (hv.GICState, error)                   { return hv.GICState{}, nil }
func (fakeVM) RestoreGICState(hv.GICState) error                { return nil }

func TestBlkReadConfigCapacity(t *testing.T) {
	b := NewBlk(newFakeMem(1), -1, 100*blkSectorSize, false, nil)
	buf := make([]byte, 8)
	if err := b.ReadConfig(0, buf); err != nil {
		t.Fatalf("ReadConfig: %v", err)
	}
	got := uint64(0)
	for i := 7; i >= 0; i-- {
		got = got<<8 | uint64(buf[i])
	}
	if got != 100 {
		t.Fatalf("capacity sectors = %d, want 100", got)
	}
}

func TestBlkFeaturesReadOnlyBit(t *testing.T) {
	ro := NewBlk(newFakeMem(1), -1, 4096, true, nil)
	if ro.Features(0)&blkFeatureRO == 0 {
		t.Fatalf("expected VIRTIO_BLK_F_RO set for a read-only device")
	}
	rw := NewBlk(newFakeMem(1), -1, 4096, false, nil)
	if rw.Features(0)&blkFeatureRO != 0 {
		t.Fatalf("VIRTIO_BLK_F_RO set for a writable device")
	}
}

func TestBlkReadOnlyRejectsOutWithoutTouchingRing(t *testing.T) {
	const size = 4
	mem := newFakeMem(1 << 16)
	b := NewBlk(mem, -1, 4096, true, nil)
	tr := NewTransport(b, mem, 0x1000_0000, 0x1000, 5)
	tr.Init(fakeVM{})

	q := tr.Queue(blkQueueIndex)
	descAddr, availAddr, usedAddr := uint64(0), uint64(16)*size, uint64(16)*size+8+size*2
	q.SetAddresses(descAddr, availAddr, usedAddr)
	if err := q.SetSize(size); err != nil {
		t.Fatalf("SetSize: %v", err)
	}
	q.SetReady(true)

	const headerAddr, dataAddr, statusAddr = 4096, 8192, 12288
	writeDescriptor(mem, descAddr, 0, Descriptor{Addr: headerAddr, Length: blkReqHeaderSize, Flags: descFNext, Next: 1})
	writeDescriptor(mem, descAddr, 1, Descriptor{Addr: dataAddr, Length: 16, Flags: descFNext, Next: 2})
	writeDescriptor(mem, descAddr, 2, Descriptor{Addr: statusAddr, Length: blkStatusSize, Flags: descFWrite})

	hdrBuf := make([]byte, blkReqHeaderSize)
	putU32(hdrBuf[0:4], blkReqOut)
	mem.Write(headerAddr, hdrBuf)

	writeU16At(mem, availAddr, 0)
	writeU16At(mem, availAddr+2, 1)
	writeU16At(mem, availAddr+4, 0)

	if err := b.OnQueueNotify(blkQueueIndex, q); err != nil {
		t.Fatalf("OnQueueNotify: %v", err)
	}

	status := make([]byte, 1)
	mem.Read(statusAddr, status)
	if status[0] != blkStatusIOErr {
		t.Fatalf("status = %d, want blkStatusIOErr", status[0])
	}

	usedID := make([]byte, 4)
	usedLen := make([]byte, 4)
	mem.Read(usedAddr+4, usedID)
	mem.Read(usedAddr+8, usedLen)
	if got := binary.LittleEndian.Uint32(usedID); got != 0 {
		t.Fatalf("used[0].id = %d, want 0", got)
	}
	if got := binary.LittleEndian.Uint32(usedLen); got != blkStatusSize {
		t.Fatalf("used[0].len = %d, want %d", got, blkStatusSize)
	}
	if b.ring != nil {
		t.Fatalf("read-only OUT request must not open the completion ring")
	}
}

func TestBlkAcceptDriverFeaturesTracksEventIdx(t *testing.T) {
	b := NewBlk(newFakeMem(1), -1, 4096, false, nil)
	tr := NewTransport(b, newFakeMem(1<<16), 0x1000_0000, 0x1000, 5)
	b.bindTransport(tr)
	if err := b.AcceptDriverFeatures(blkFeatureEventIdx); err != nil {
		t.Fatalf("AcceptDriverFeatures: %v", err)
	}
	if !b.eventIdx {
		t.Fatalf("expected eventIdx to be recorded as negotiated")
	}
	if !tr.Queue(blkQueueIndex).EventIdxNegotiated {
		t.Fatalf("expected queue's EventIdxNegotiated to be set")
	}
}

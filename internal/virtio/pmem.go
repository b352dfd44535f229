package virtio

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"
)

// virtio-pmem exposes a single request type: VIRTIO_PMEM_REQ_TYPE_FLUSH,
// fsync-ing the backing file. No code in this module maps the backing
// file into the guest's address space; internal/machine only opens it
// and hands the fd to this device.
const (
	pmemDeviceID  = 27
	pmemQueueIndex = 0
	pmemQueueNumMax = 64

	pmemReqFlush = 0
	pmemRespOK   = 0
	pmemRespErr  = 1
)

// Pmem is the flush-request side of a virtio-pmem device. It handles
// flush requests only; the backing file is not mapped into guest
// memory by this device or by internal/memory.
type Pmem struct {
	transport *Transport
	mem       GuestMemory

	fileFD        int
	sizeBytes     uint64
}

func NewPmem(mem GuestMemory, fileFD int, sizeBytes uint64) *Pmem {
	return &Pmem{mem: mem, fileFD: fileFD, sizeBytes: sizeBytes}
}

func (p *Pmem) bindTransport(t *Transport) { p.transport = t }

func (p *Pmem) DeviceID() uint32 { return pmemDeviceID }

func (p *Pmem) Features(sel uint32) uint32 { return 0 }

func (p *Pmem) AcceptDriverFeatures(features uint64) error { return nil }

func (p *Pmem) NumQueues() int          { return 1 }
func (p *Pmem) QueueMaxSize(int) uint16 { return pmemQueueNumMax }
func (p *Pmem) OnQueueReady(int) error  { return nil }
func (p *Pmem) OnDriverOK() error       { return nil }
func (p *Pmem) OnReset() error          { return nil }

func (p *Pmem) OnQueueNotify(i int, q *Queue) error {
	old := q.UsedIdx()
	for {
		head, has, err := q.PopAvailable()
		if err != nil {
			return err
		}
		if !has {
			break
		}
		chain, err := q.ReadDescriptorChain(head)
		if err != nil {
			return err
		}
		if len(chain) != 2 {
			return fmt.Errorf("virtio: pmem: expected a 2-descriptor request/response chain, got %d", len(chain))
		}
		respAddr := chain[1].Addr

		status := uint32(pmemRespOK)
		if err := unix.Fsync(p.fileFD); err != nil {
			status = pmemRespErr
		}
		resp := make([]byte, 4)
		binary.LittleEndian.PutUint32(resp, status)
		if err := p.mem.Write(respAddr, resp); err != nil {
			return err
		}
		if err := q.PushUsed(head, 4); err != nil {
			return err
		}
	}
	return p.transport.NotifyIfNeeded(pmemQueueIndex, old, q.UsedIdx())
}

func (p *Pmem) ReadConfig(offset uint64, data []byte) error {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, p.sizeBytes)
	if offset >= uint64(len(buf)) {
		for i := range data {
			data[i] = 0
		}
		return nil
	}
	copy(data, buf[offset:])
	return nil
}

func (p *Pmem) WriteConfig(offset uint64, data []byte) error { return nil }

package virtio

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// vhost-net kernel ioctls and structures, per linux/vhost.h. There is
// no vhost-net reference file anywhere in the example pack this module
// was built against; this is original code grounded only in the ioctl-
// wrapping conventions internal/kvm already establishes (request
// numbers passed as uintptr, errno-wrapped errors) and the publicly
// documented vhost kernel ABI.
const (
	vhostSetOwner      = 0xaf01
	vhostResetOwner    = 0xaf02
	vhostSetMemTable    = 0x4048af03
	vhostSetVringNum    = 0x4008af10
	vhostSetVringAddr   = 0x4028af11
	vhostSetVringBase   = 0x4008af12
	vhostSetVringKick   = 0x4008af20
	vhostSetVringCall   = 0x4008af21
	vhostNetSetBackend  = 0x4008af30
	vhostGetFeatures    = 0x8008af00
	vhostSetFeatures    = 0x4008af00
)

type vhostVringState struct {
	Index uint32
	Num   uint32
}

type vhostVringFile struct {
	Index uint32
	FD    int32
}

type vhostVringAddr struct {
	Index         uint32
	Flags         uint32
	DescUserAddr  uint64
	UsedUserAddr  uint64
	AvailUserAddr uint64
	LogGuestAddr  uint64
}

type vhostMemoryRegion struct {
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
	Flags         uint64
}

type vhostMemory struct {
	NRegions uint32
	Padding  uint32
	Regions  [1]vhostMemoryRegion
}

// VhostNet offloads the entire virtio-net data path (TX and RX for one
// queue pair) into the kernel's vhost-net module: once configured, the
// kernel polls the tap fd and the guest's ioeventfd/irqfd directly,
// and this type's only remaining job is the control-plane wiring done
// once at OnDriverOK and responding to config-space reads.
type VhostNet struct {
	transport *Transport
	mem       GuestMemory

	vhostFD int
	tapFD   int
	mac     [6]byte

	kickFDs [2]int
	callFDs [2]int
}

func NewVhostNet(mem GuestMemory, tapFD int, mac [6]byte) (*VhostNet, error) {
	fd, err := unix.Open("/dev/vhost-net", unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("virtio: vhost-net: open /dev/vhost-net: %w", err)
	}
	return &VhostNet{mem: mem, vhostFD: fd, tapFD: tapFD, mac: mac}, nil
}

func (v *VhostNet) bindTransport(t *Transport) { v.transport = t }

func (v *VhostNet) DeviceID() uint32 { return netDeviceID }

func (v *VhostNet) Features(sel uint32) uint32 {
	if sel != 0 {
		return 0
	}
	return netFeatureMAC | netFeatureEventIdx
}

func (v *VhostNet) AcceptDriverFeatures(features uint64) error {
	return vhostIoctl(v.vhostFD, vhostSetFeatures, unsafe.Pointer(&features))
}

func (v *VhostNet) NumQueues() int          { return 2 }
func (v *VhostNet) QueueMaxSize(int) uint16 { return netQueueNumMax }
func (v *VhostNet) OnQueueReady(int) error  { return nil }

// OnDriverOK performs the vhost-net control-plane handoff: claim
// ownership, program each vring's size, addresses and base, hand over
// the kick/call eventfds of each queue that BindEventFDs supplied (a
// queue with none gets no doorbell), then attach the tap fd as the
// backend. No guest memory table is sent to vhost-net.
func (v *VhostNet) OnDriverOK() error {
	if err := vhostIoctlNoArg(v.vhostFD, vhostSetOwner); err != nil {
		return err
	}
	for i := 0; i < 2; i++ {
		q := v.transport.Queue(i)
		if err := v.programVring(i, q); err != nil {
			return err
		}
	}
	backend := vhostVringFile{Index: 0, FD: int32(v.tapFD)}
	return vhostIoctl(v.vhostFD, vhostNetSetBackend, unsafe.Pointer(&backend))
}

func (v *VhostNet) programVring(i int, q *Queue) error {
	state := vhostVringState{Index: uint32(i), Num: uint32(q.Size)}
	if err := vhostIoctl(v.vhostFD, vhostSetVringNum, unsafe.Pointer(&state)); err != nil {
		return err
	}
	addr := vhostVringAddr{
		Index:         uint32(i),
		DescUserAddr:  q.DescTableAddr,
		AvailUserAddr: q.AvailAddr,
		UsedUserAddr:  q.UsedAddr,
	}
	if err := vhostIoctl(v.vhostFD, vhostSetVringAddr, unsafe.Pointer(&addr)); err != nil {
		return err
	}
	base := vhostVringState{Index: uint32(i), Num: 0}
	if err := vhostIoctl(v.vhostFD, vhostSetVringBase, unsafe.Pointer(&base)); err != nil {
		return err
	}
	if v.kickFDs[i] != 0 {
		kick := vhostVringFile{Index: uint32(i), FD: int32(v.kickFDs[i])}
		if err := vhostIoctl(v.vhostFD, vhostSetVringKick, unsafe.Pointer(&kick)); err != nil {
			return err
		}
	}
	if v.callFDs[i] != 0 {
		call := vhostVringFile{Index: uint32(i), FD: int32(v.callFDs[i])}
		if err := vhostIoctl(v.vhostFD, vhostSetVringCall, unsafe.Pointer(&call)); err != nil {
			return err
		}
	}
	return nil
}

// BindEventFDs wires the kernel-level ioeventfd (guest kick -> kernel)
// and irqfd (kernel completion -> guest interrupt) fds for queue i,
// obtained from hv.VirtualMachine.NotifyEventFD/IRQEventFD, so
// programVring can hand them to vhost-net at OnDriverOK.
func (v *VhostNet) BindEventFDs(queue int, kickFD, callFD int) {
	v.kickFDs[queue] = kickFD
	v.callFDs[queue] = callFD
}

func (v *VhostNet) OnReset() error {
	backend := vhostVringFile{Index: 0, FD: -1}
	return vhostIoctl(v.vhostFD, vhostNetSetBackend, unsafe.Pointer(&backend))
}

func (v *VhostNet) OnQueueNotify(i int, q *Queue) error {
	// once vhost-net owns a queue's doorbell the kernel consumes
	// notifications directly from the ioeventfd; this entry point
	// should never be reached in steady state and exists only so
	// VhostNet satisfies DeviceBackend for the brief window before
	// OnDriverOK hands the queue off.
	return nil
}

func (v *VhostNet) ReadConfig(offset uint64, data []byte) error {
	if offset < 6 {
		copy(data, v.mac[offset:])
		return nil
	}
	for i := range data {
		data[i] = 0
	}
	return nil
}

func (v *VhostNet) WriteConfig(offset uint64, data []byte) error { return nil }

func vhostIoctl(fd int, req uint, p unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(req), uintptr(p))
	if errno != 0 {
		return fmt.Errorf("virtio: vhost-net: ioctl 0x%x: %w", req, errno)
	}
	return nil
}

func vhostIoctlNoArg(fd int, req uint) error {
	return vhostIoctl(fd, req, nil)
}

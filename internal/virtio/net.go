package virtio

import (
	"encoding/binary"
	"fmt"
	"log/slog"

	"golang.org/x/sys/unix"
)

// virtio-net feature bits, device id, and queue layout (rx=0, tx=1),
// matching the reference hypervisor's net.go naming.
const (
	netDeviceID = 1

	netFeatureCsum     = 1 << 0
	netFeatureGuestCsum = 1 << 1
	netFeatureMAC      = 1 << 5
	netFeatureEventIdx = 1 << 29

	netQueueRX = 0
	netQueueTX = 1

	netQueueNumMax = 256

	netHeaderSize = 12 // virtio_net_hdr with num_buffers
)

// Net is a tap-backed virtio-net device: it moves frames between the
// guest's TX/RX virtqueues and a host tap file descriptor opened
// outside this package. TX is drained in OnQueueNotify, on the thread
// that trapped the notify write; RX is filled by a goroutine started at
// OnDriverOK that blocks reading the tap fd. The tap fd is not
// registered with internal/eventloop.
type Net struct {
	transport *Transport
	mem       GuestMemory

	tapFD int
	mac   [6]byte

	eventIdx bool

	stop chan struct{}
	done chan struct{}
}

func NewNet(mem GuestMemory, tapFD int, mac [6]byte) *Net {
	return &Net{mem: mem, tapFD: tapFD, mac: mac, stop: make(chan struct{}), done: make(chan struct{})}
}

func (n *Net) bindTransport(t *Transport) { n.transport = t }

func (n *Net) DeviceID() uint32 { return netDeviceID }

func (n *Net) Features(sel uint32) uint32 {
	if sel != 0 {
		return 0
	}
	return netFeatureMAC | netFeatureCsum | netFeatureGuestCsum | netFeatureEventIdx
}

func (n *Net) AcceptDriverFeatures(features uint64) error {
	n.eventIdx = features&netFeatureEventIdx != 0
	n.transport.Queue(netQueueRX).EventIdxNegotiated = n.eventIdx
	n.transport.Queue(netQueueTX).EventIdxNegotiated = n.eventIdx
	return nil
}

func (n *Net) NumQueues() int         { return 2 }
func (n *Net) QueueMaxSize(int) uint16 { return netQueueNumMax }
func (n *Net) OnQueueReady(int) error  { return nil }

func (n *Net) OnDriverOK() error {
	go n.rxLoop()
	return nil
}

func (n *Net) OnReset() error {
	select {
	case <-n.stop:
	default:
		close(n.stop)
		<-n.done
	}
	n.stop = make(chan struct{})
	n.done = make(chan struct{})
	return nil
}

// OnQueueNotify only handles TX: a guest notifying RX just means it has
// posted fresh empty buffers for the rxLoop goroutine to fill, which it
// discovers on its own via PopAvailable the next time a tap frame
// arrives, so no action is needed here for queue 0.
func (n *Net) OnQueueNotify(i int, q *Queue) error {
	if i != netQueueTX {
		return nil
	}
	old := q.UsedIdx()
	for {
		head, has, err := q.PopAvailable()
		if err != nil {
			return err
		}
		if !has {
			break
		}
		if err := n.transmitOne(q, head); err != nil {
			return err
		}
	}
	return n.transport.NotifyIfNeeded(netQueueTX, old, q.UsedIdx())
}

func (n *Net) transmitOne(q *Queue, head uint16) error {
	chain, err := q.ReadDescriptorChain(head)
	if err != nil {
		return err
	}
	var frame []byte
	for i, p := range chain {
		buf := make([]byte, p.Length)
		if err := n.mem.Read(p.Addr, buf); err != nil {
			return err
		}
		if i == 0 {
			if len(buf) < netHeaderSize {
				return fmt.Errorf("virtio: net: tx header descriptor shorter than virtio_net_hdr")
			}
			buf = buf[headerSkip(len(buf)):]
		}
		frame = append(frame, buf...)
	}
	if _, err := unix.Write(n.tapFD, frame); err != nil {
		return fmt.Errorf("virtio: net: tap write: %w", err)
	}
	var total uint32
	for _, p := range chain {
		total += p.Length
	}
	return q.PushUsed(head, total)
}

// headerSkip returns how much of the first TX descriptor is the
// virtio_net_hdr prefix versus actual frame payload; this device only
// ever negotiates the 12-byte mergeable-header-free variant.
func headerSkip(descLen int) int {
	if descLen >= netHeaderSize {
		return netHeaderSize
	}
	return 0
}

// rxLoop reads frames from the tap device and fills guest RX buffers;
// it blocks in unix.Read between frames, which is acceptable since this
// is its own dedicated goroutine, not a vCPU thread.
func (n *Net) rxLoop() {
	defer close(n.done)
	frame := make([]byte, 65536)
	for {
		select {
		case <-n.stop:
			return
		default:
		}
		nRead, err := unix.Read(n.tapFD, frame)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EINTR {
				continue
			}
			slog.Error("virtio: net: tap read", "err", err)
			return
		}
		if err := n.deliverRX(frame[:nRead]); err != nil {
			slog.Error("virtio: net: deliver rx frame", "err", err)
		}
	}
}

func (n *Net) deliverRX(data []byte) error {
	q := n.transport.Queue(netQueueRX)
	head, has, err := q.PopAvailable()
	if err != nil {
		return err
	}
	if !has {
		return nil // no guest buffer posted; drop the frame
	}
	chain, err := q.ReadDescriptorChain(head)
	if err != nil {
		return err
	}
	if len(chain) == 0 {
		return fmt.Errorf("virtio: net: empty rx descriptor chain")
	}

	hdr := make([]byte, netHeaderSize)
	binary.LittleEndian.PutUint16(hdr[10:12], 1) // num_buffers = 1, no mergeable rx bufs
	payload := append(hdr, data...)

	written, err := n.scatterWrite(chain, payload)
	if err != nil {
		return err
	}
	if written < len(payload) {
		return fmt.Errorf("virtio: net: rx buffer too small: have %d bytes, need %d", written, len(payload))
	}
	return q.PushUsed(head, uint32(written))
}

// scatterWrite copies payload across the descriptor chain's guest
// buffers in order, stopping once payload is exhausted or the chain's
// capacity runs out, and returns how many bytes were actually written.
func (n *Net) scatterWrite(chain []Payload, payload []byte) (int, error) {
	written := 0
	for _, p := range chain {
		if written >= len(payload) {
			break
		}
		end := written + int(p.Length)
		if end > len(payload) {
			end = len(payload)
		}
		chunk := payload[written:end]
		if err := n.mem.Write(p.Addr, chunk); err != nil {
			return written, err
		}
		written += len(chunk)
	}
	return written, nil
}

func (n *Net) ReadConfig(offset uint64, data []byte) error {
	if offset < 6 {
		copy(data, n.mac[offset:])
		return nil
	}
	for i := range data {
		data[i] = 0
	}
	return nil
}

func (n *Net) WriteConfig(offset uint64, data []byte) error { return nil }

package machine

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// TUNSETIFF/TUNSETVNETHDRSZ are not exposed by golang.org/x/sys/unix
// (they are net/tun-subsystem ioctls, not part of its generated
// constant tables), so they are defined here the same way
// internal/kvm defines its own ioctl numbers: numerically, against the
// kernel uapi headers.
const (
	tunSetIFF        = 0x400454ca
	tunSetVNetHdrSize = 0x400454d8

	iffTAP     = 0x0002
	iffNoPI    = 0x1000
	iffVnetHdr = 0x4000

	tapVnetHdrSize = 10
)

type ifReq struct {
	Name  [16]byte
	Flags uint16
	_     [22]byte
}

// openTap attaches to an existing host tap interface named devName,
// configured with IFF_TAP|IFF_NO_PI|IFF_VNET_HDR and a 10-byte vnet
// header, matching the virtio-net frame format this machine's net
// devices produce and consume.
func openTap(devName string) (int, error) {
	fd, err := unix.Open("/dev/net/tun", unix.O_RDWR, 0)
	if err != nil {
		return -1, fmt.Errorf("tap: open /dev/net/tun: %w", err)
	}

	var req ifReq
	copy(req.Name[:], devName)
	req.Flags = iffTAP | iffNoPI | iffVnetHdr

	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), tunSetIFF, uintptr(unsafe.Pointer(&req))); errno != 0 {
		unix.Close(fd)
		return -1, fmt.Errorf("tap: TUNSETIFF %s: %w", devName, errno)
	}

	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), tunSetVNetHdrSize, uintptr(unsafe.Pointer(&[]int32{tapVnetHdrSize}[0]))); errno != 0 {
		unix.Close(fd)
		return -1, fmt.Errorf("tap: TUNSETVNETHDRSZ %s: %w", devName, errno)
	}

	return fd, nil
}

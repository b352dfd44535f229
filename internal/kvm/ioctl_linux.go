//go:build linux && arm64

package kvm

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

func ioctl(fd int, req uint, arg uintptr) (uintptr, error) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(req), arg)
	if errno != 0 {
		return 0, errno
	}
	return r, nil
}

func ioctlPtr(fd int, req uint, p unsafe.Pointer) (uintptr, error) {
	return ioctl(fd, req, uintptr(p))
}

func ioctlNoArg(fd int, req uint) (uintptr, error) {
	return ioctl(fd, req, 0)
}

// Package eventloop is the VMM's single-threaded cooperative dispatcher
// for host file descriptors a device needs to watch: tap fds, stdin,
// timerfds. It wraps Linux epoll directly since nothing in the example
// pack's dependency set offers a higher-level poller, and the rest of
// this module already favors thin golang.org/x/sys/unix wrappers over
// the device layer (internal/kvm's ioctl style) for exactly this kind
// of host-syscall plumbing.
package eventloop

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// MaxCallbacks bounds how many fds a single Loop may register, matching
// this machine's fixed set of sources (the control socket listener and
// its connections, one completion eventfd per block device) — there is
// no dynamic device hot-plug, so this
// bound is a sizing fact, not an arbitrary limit.
const MaxCallbacks = 16

// Callback is invoked with the fd that became readable.
type Callback func(fd int)

// Loop is an epoll instance plus the fd->callback table it dispatches
// readiness events to.
type Loop struct {
	epfd      int
	callbacks map[int]Callback
	order     []int
}

func New() (*Loop, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("eventloop: epoll_create1: %w", err)
	}
	return &Loop{epfd: epfd, callbacks: map[int]Callback{}}, nil
}

func (l *Loop) Close() error {
	return unix.Close(l.epfd)
}

// Register adds fd to the poll set with the given readiness callback.
func (l *Loop) Register(fd int, cb Callback) error {
	if len(l.callbacks) >= MaxCallbacks {
		return fmt.Errorf("eventloop: cannot register fd %d: already at the %d-fd limit", fd, MaxCallbacks)
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("eventloop: epoll_ctl(ADD, %d): %w", fd, err)
	}
	l.callbacks[fd] = cb
	l.order = append(l.order, fd)
	return nil
}

// Unregister removes fd from the poll set.
func (l *Loop) Unregister(fd int) error {
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("eventloop: epoll_ctl(DEL, %d): %w", fd, err)
	}
	delete(l.callbacks, fd)
	for i, f := range l.order {
		if f == fd {
			l.order = append(l.order[:i], l.order[i+1:]...)
			break
		}
	}
	return nil
}

// RunOnce blocks up to timeoutMillis (or indefinitely if negative) for
// readiness on any registered fd, dispatching every ready fd's callback
// before returning. It returns the number of fds dispatched.
func (l *Loop) RunOnce(timeoutMillis int) (int, error) {
	var events [MaxCallbacks]unix.EpollEvent
	n, err := unix.EpollWait(l.epfd, events[:], timeoutMillis)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, fmt.Errorf("eventloop: epoll_wait: %w", err)
	}
	for i := 0; i < n; i++ {
		fd := int(events[i].Fd)
		if cb, ok := l.callbacks[fd]; ok {
			cb(fd)
		}
	}
	return n, nil
}

// Run loops RunOnce with a one-second timeout until stop is closed, so
// a closed stop is noticed within a second even when no fd is ready.
func (l *Loop) Run(stop <-chan struct{}) error {
	for {
		select {
		case <-stop:
			return nil
		default:
		}
		if _, err := l.RunOnce(1000); err != nil {
			return err
		}
	}
}

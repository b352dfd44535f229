//go:build linux && arm64

package kvm

import (
	"os"
	"os/signal"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// kickSignal is delivered to a vCPU's OS thread to break it out of a
// blocking KVM_RUN ioctl. Nothing acts on it; the interruption itself,
// combined with immediate_exit, is what matters.
const kickSignal = unix.SIGUSR1

var installKickHandlerOnceGuard sync.Once

// installKickHandlerOnce registers kickSignal with Go's signal
// machinery exactly once per process. Go's default disposition for
// SIGUSR1 is to terminate the process, so without this registration
// Pause's Tgkill would kill the VMM instead of just interrupting the
// target thread's blocking ioctl.
func installKickHandlerOnce() {
	installKickHandlerOnceGuard.Do(func() {
		ch := make(chan os.Signal, 16)
		signal.Notify(ch, syscall.Signal(kickSignal))
	})
}

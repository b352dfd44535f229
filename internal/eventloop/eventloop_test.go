package eventloop

import (
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func TestRegisterDispatchesOnReadability(t *testing.T) {
	l, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer l.Close()

	r, w, err := os_pipe(t)
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	defer unix.Close(r)
	defer unix.Close(w)

	fired := make(chan int, 1)
	if err := l.Register(r, func(fd int) { fired <- fd }); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if _, err := unix.Write(w, []byte("x")); err != nil {
		t.Fatalf("write: %v", err)
	}

	n, err := l.RunOnce(1000)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if n != 1 {
		t.Fatalf("RunOnce dispatched %d, want 1", n)
	}
	select {
	case fd := <-fired:
		if fd != r {
			t.Fatalf("callback got fd %d, want %d", fd, r)
		}
	case <-time.After(time.Second):
		t.Fatal("callback never fired")
	}
}

func TestRunOnceTimesOutWithNoReadyFds(t *testing.T) {
	l, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer l.Close()

	r, w, err := os_pipe(t)
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	defer unix.Close(r)
	defer unix.Close(w)

	if err := l.Register(r, func(fd int) {}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	n, err := l.RunOnce(50)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if n != 0 {
		t.Fatalf("RunOnce dispatched %d with nothing written, want 0", n)
	}
}

func TestRegisterRejectsBeyondLimit(t *testing.T) {
	l, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer l.Close()

	var fds []int
	for i := 0; i < MaxCallbacks; i++ {
		r, w, err := os_pipe(t)
		if err != nil {
			t.Fatalf("pipe: %v", err)
		}
		defer unix.Close(w)
		fds = append(fds, r)
		if err := l.Register(r, func(fd int) {}); err != nil {
			t.Fatalf("Register #%d: %v", i, err)
		}
	}
	defer func() {
		for _, fd := range fds {
			unix.Close(fd)
		}
	}()

	extraR, extraW, err := os_pipe(t)
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	defer unix.Close(extraR)
	defer unix.Close(extraW)

	if err := l.Register(extraR, func(fd int) {}); err == nil {
		t.Fatal("Register beyond MaxCallbacks should have failed")
	}
}

func os_pipe(t *testing.T) (r, w int, err error) {
	t.Helper()
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		return 0, 0, err
	}
	return fds[0], fds[1], nil
}

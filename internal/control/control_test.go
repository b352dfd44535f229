package control

import (
	"fmt"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/ShadowCurse/radiance/internal/eventloop"
)

type fakeController struct {
	pauses    int
	resumes   int
	snapshots []string
	failNext  bool
}

func (f *fakeController) Pause() error {
	f.pauses++
	return nil
}

func (f *fakeController) Resume() error {
	f.resumes++
	return nil
}

func (f *fakeController) Snapshot(path string) error {
	if f.failNext {
		f.failNext = false
		return fmt.Errorf("boom")
	}
	f.snapshots = append(f.snapshots, path)
	return nil
}

func TestDispatchPauseResumeSnapshot(t *testing.T) {
	loop, err := eventloop.New()
	if err != nil {
		t.Fatalf("eventloop.New: %v", err)
	}
	defer loop.Close()

	sockPath := filepath.Join(t.TempDir(), "ctl.sock")
	fc := &fakeController{}
	srv, err := New(sockPath, fc, loop, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer srv.Close()

	cli, err := net.Dial("unix", sockPath)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer cli.Close()

	// listener becomes readable
	if _, err := loop.RunOnce(1000); err != nil {
		t.Fatalf("RunOnce (accept): %v", err)
	}

	send := func(line string) {
		if _, err := cli.Write([]byte(line + "\n")); err != nil {
			t.Fatalf("write: %v", err)
		}
		deadline := time.Now().Add(time.Second)
		for time.Now().Before(deadline) {
			if n, err := loop.RunOnce(200); err != nil {
				t.Fatalf("RunOnce: %v", err)
			} else if n > 0 {
				return
			}
		}
	}

	send("pause")
	if fc.pauses != 1 {
		t.Fatalf("pauses = %d, want 1", fc.pauses)
	}

	send("resume")
	if fc.resumes != 1 {
		t.Fatalf("resumes = %d, want 1", fc.resumes)
	}

	send("snapshot /tmp/out.img")
	if len(fc.snapshots) != 1 || fc.snapshots[0] != "/tmp/out.img" {
		t.Fatalf("snapshots = %v", fc.snapshots)
	}

	send("bogus-command")
	if fc.pauses != 1 || fc.resumes != 1 {
		t.Fatalf("unknown command should not have dispatched anything: %+v", fc)
	}
}

func TestSnapshotRequiresPathArgument(t *testing.T) {
	loop, err := eventloop.New()
	if err != nil {
		t.Fatalf("eventloop.New: %v", err)
	}
	defer loop.Close()

	sockPath := filepath.Join(t.TempDir(), "ctl.sock")
	fc := &fakeController{}
	srv, err := New(sockPath, fc, loop, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer srv.Close()

	cli, err := net.Dial("unix", sockPath)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer cli.Close()

	if _, err := loop.RunOnce(1000); err != nil {
		t.Fatalf("RunOnce (accept): %v", err)
	}

	if _, err := cli.Write([]byte("snapshot\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := loop.RunOnce(1000); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	// malformed command should close the connection; a subsequent read
	// on the client side should observe EOF.
	buf := make([]byte, 1)
	cli.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := cli.Read(buf); err == nil {
		t.Fatal("expected connection to be closed after protocol error")
	}
}

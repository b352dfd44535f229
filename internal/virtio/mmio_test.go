package virtio

import "testing"

// stubBackend is a minimal DeviceBackend for exercising the status
// state machine and register dispatch in isolation from any real
// device.
type stubBackend struct {
	resets      int
	driverOKs   int
	acceptedFeat uint64
	queuesReady []int
}

func (s *stubBackend) DeviceID() uint32        { return 2 }
func (s *stubBackend) Features(sel uint32) uint32 {
	if sel == 0 {
		return 1
	}
	return 0
}
func (s *stubBackend) AcceptDriverFeatures(f uint64) error { s.acceptedFeat = f; return nil }
func (s *stubBackend) NumQueues() int                      { return 1 }
func (s *stubBackend) QueueMaxSize(int) uint16             { return 8 }
func (s *stubBackend) OnQueueReady(i int) error            { s.queuesReady = append(s.queuesReady, i); return nil }
func (s *stubBackend) OnQueueNotify(i int, q *Queue) error { return nil }
func (s *stubBackend) OnDriverOK() error                   { s.driverOKs++; return nil }
func (s *stubBackend) OnReset() error                      { s.resets++; return nil }
func (s *stubBackend) ReadConfig(off uint64, data []byte) error  { return nil }
func (s *stubBackend) WriteConfig(off uint64, data []byte) error { return nil }

func TestStatusTransitionFiresOnDriverOKOnce(t *testing.T) {
	backend := &stubBackend{}
	mem := newFakeMem(1 << 16)
	tr := NewTransport(backend, mem, 0x1000_0000, 0x1000, 5)

	write := func(off uint64, v uint32) {
		buf := make([]byte, 4)
		putLE(buf, v)
		if err := tr.WriteMMIO(nil, tr.base+off, buf); err != nil {
			t.Fatalf("WriteMMIO(0x%x): %v", off, err)
		}
	}

	write(regStatus, StatusAcknowledge)
	write(regStatus, StatusAcknowledge|StatusDriver)
	write(regDriverFeatures, 1)
	write(regStatus, StatusAcknowledge|StatusDriver|StatusFeaturesOK)
	if backend.acceptedFeat != 1 {
		t.Fatalf("acceptedFeat = %d, want 1", backend.acceptedFeat)
	}
	write(regStatus, StatusAcknowledge|StatusDriver|StatusFeaturesOK|StatusDriverOK)
	write(regStatus, StatusAcknowledge|StatusDriver|StatusFeaturesOK|StatusDriverOK)
	if backend.driverOKs != 1 {
		t.Fatalf("OnDriverOK called %d times, want 1", backend.driverOKs)
	}

	write(regStatus, 0)
	if backend.resets != 1 {
		t.Fatalf("OnReset called %d times, want 1", backend.resets)
	}
}

func TestReadMagicVersionDeviceID(t *testing.T) {
	backend := &stubBackend{}
	mem := newFakeMem(1 << 16)
	tr := NewTransport(backend, mem, 0x1000_0000, 0x1000, 5)

	read := func(off uint64) uint32 {
		buf := make([]byte, 4)
		if err := tr.ReadMMIO(nil, tr.base+off, buf); err != nil {
			t.Fatalf("ReadMMIO(0x%x): %v", off, err)
		}
		v, _ := getLE(buf)
		return v
	}
	if v := read(regMagicValue); v != mmioMagic {
		t.Fatalf("magic = 0x%x, want 0x%x", v, mmioMagic)
	}
	if v := read(regVersion); v != mmioVersion {
		t.Fatalf("version = %d, want %d", v, mmioVersion)
	}
	if v := read(regDeviceID); v != 2 {
		t.Fatalf("deviceID = %d, want 2", v)
	}
}

package serial

import (
	"bytes"
	"testing"
)

func TestTransmitWritesToOut(t *testing.T) {
	var out bytes.Buffer
	u := New(0x0900_0000, 33, &out)
	if err := u.WriteMMIO(nil, 0x0900_0000+regData, []byte{'h'}); err != nil {
		t.Fatalf("WriteMMIO: %v", err)
	}
	if err := u.WriteMMIO(nil, 0x0900_0000+regData, []byte{'i'}); err != nil {
		t.Fatalf("WriteMMIO: %v", err)
	}
	if out.String() != "hi" {
		t.Fatalf("out = %q, want %q", out.String(), "hi")
	}
}

func TestReceiveByteThenReadData(t *testing.T) {
	u := New(0x0900_0000, 33, nil)
	u.ReceiveByte('x')

	lsr := make([]byte, 1)
	if err := u.ReadMMIO(nil, 0x0900_0000+regLSR, lsr); err != nil {
		t.Fatalf("ReadMMIO LSR: %v", err)
	}
	if lsr[0]&lsrDataReady == 0 {
		t.Fatalf("LSR does not report data ready after ReceiveByte")
	}

	data := make([]byte, 1)
	if err := u.ReadMMIO(nil, 0x0900_0000+regData, data); err != nil {
		t.Fatalf("ReadMMIO DATA: %v", err)
	}
	if data[0] != 'x' {
		t.Fatalf("read byte = %q, want %q", data[0], 'x')
	}
}

func TestReceiveByteDropsWhenFull(t *testing.T) {
	u := New(0x0900_0000, 33, nil)
	for i := 0; i < rxFIFOCapacity+8; i++ {
		u.ReceiveByte(byte(i))
	}
	if u.rxCount != rxFIFOCapacity {
		t.Fatalf("rxCount = %d, want %d (overflow should be dropped)", u.rxCount, rxFIFOCapacity)
	}
}

func TestDLABSwitchesDataRegisterToDivisorLatch(t *testing.T) {
	u := New(0x0900_0000, 33, nil)
	if err := u.WriteMMIO(nil, 0x0900_0000+regLCR, []byte{lcrDLAB}); err != nil {
		t.Fatalf("WriteMMIO LCR: %v", err)
	}
	if err := u.WriteMMIO(nil, 0x0900_0000+regData, []byte{0x42}); err != nil {
		t.Fatalf("WriteMMIO DATA (DLL): %v", err)
	}
	if u.dll != 0x42 {
		t.Fatalf("dll = 0x%x, want 0x42", u.dll)
	}
}

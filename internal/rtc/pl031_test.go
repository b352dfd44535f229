package rtc

import "testing"

func TestDataRegisterReflectsLoadedValueWhenDisabled(t *testing.T) {
	p := New(0x0901_0000, 34)
	buf := make([]byte, 4)
	putLE(buf, 1_700_000_000)
	if err := p.WriteMMIO(nil, 0x0901_0000+regLR, buf); err != nil {
		t.Fatalf("WriteMMIO LR: %v", err)
	}
	out := make([]byte, 4)
	if err := p.ReadMMIO(nil, 0x0901_0000+regDR, out); err != nil {
		t.Fatalf("ReadMMIO DR: %v", err)
	}
	if getLE(out) != 1_700_000_000 {
		t.Fatalf("DR = %d, want 1700000000", getLE(out))
	}
}

func TestPrimeCellIDBlock(t *testing.T) {
	p := New(0x0901_0000, 34)
	buf := make([]byte, 1)
	if err := p.ReadMMIO(nil, 0x0901_0000+0xfe0, buf); err != nil {
		t.Fatalf("ReadMMIO id[0]: %v", err)
	}
	if buf[0] != primeCellID[0] {
		t.Fatalf("id byte 0 = 0x%x, want 0x%x", buf[0], primeCellID[0])
	}
}

func TestInterruptMaskedUntilIMSCSet(t *testing.T) {
	p := New(0x0901_0000, 34)
	p.ris = 1
	p.updateInterrupt()
	if p.vm != nil {
		t.Fatalf("expected nil vm in this unit test")
	}
	out := make([]byte, 4)
	if err := p.ReadMMIO(nil, 0x0901_0000+regMIS, out); err != nil {
		t.Fatalf("ReadMMIO MIS: %v", err)
	}
	if getLE(out) != 0 {
		t.Fatalf("MIS = %d with IMSC clear, want 0", getLE(out))
	}
	buf := make([]byte, 4)
	putLE(buf, 1)
	if err := p.WriteMMIO(nil, 0x0901_0000+regIMSC, buf); err != nil {
		t.Fatalf("WriteMMIO IMSC: %v", err)
	}
	if err := p.ReadMMIO(nil, 0x0901_0000+regMIS, out); err != nil {
		t.Fatalf("ReadMMIO MIS: %v", err)
	}
	if getLE(out) != 1 {
		t.Fatalf("MIS = %d with IMSC set, want 1", getLE(out))
	}
}

func putLE(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func getLE(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

package virtio

import (
	"bytes"
	"testing"
)

func TestNetReadConfigMAC(t *testing.T) {
	mac := [6]byte{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	n := NewNet(newFakeMem(1), -1, mac)
	buf := make([]byte, 6)
	if err := n.ReadConfig(0, buf); err != nil {
		t.Fatalf("ReadConfig: %v", err)
	}
	if !bytes.Equal(buf, mac[:]) {
		t.Fatalf("ReadConfig MAC = %v, want %v", buf, mac)
	}
}

func TestNetScatterWriteSpansMultipleDescriptors(t *testing.T) {
	mem := newFakeMem(1 << 16)
	n := NewNet(mem, -1, [6]byte{})
	chain := []Payload{
		{Addr: 0x1000, Length: 4},
		{Addr: 0x2000, Length: 4},
	}
	payload := []byte{1, 2, 3, 4, 5, 6}
	written, err := n.scatterWrite(chain, payload)
	if err != nil {
		t.Fatalf("scatterWrite: %v", err)
	}
	if written != len(payload) {
		t.Fatalf("written = %d, want %d", written, len(payload))
	}
	first := make([]byte, 4)
	mem.Read(0x1000, first)
	second := make([]byte, 2)
	mem.Read(0x2000, second)
	if first[0] != 1 || first[3] != 4 || second[0] != 5 || second[1] != 6 {
		t.Fatalf("unexpected scatter layout: first=%v second=%v", first, second)
	}
}

func TestNetScatterWriteTruncatesWhenChainTooSmall(t *testing.T) {
	mem := newFakeMem(1 << 16)
	n := NewNet(mem, -1, [6]byte{})
	chain := []Payload{{Addr: 0x1000, Length: 2}}
	written, err := n.scatterWrite(chain, []byte{1, 2, 3, 4})
	if err != nil {
		t.Fatalf("scatterWrite: %v", err)
	}
	if written != 2 {
		t.Fatalf("written = %d, want 2", written)
	}
}

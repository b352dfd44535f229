package bootimage

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"testing"
)

func rawHeaderBytes(textOffset, imageSize uint64) []byte {
	buf := make([]byte, headerSizeBytes)
	binary.LittleEndian.PutUint32(buf[0:4], 0x14000002) // code0: a branch instruction
	binary.LittleEndian.PutUint64(buf[8:16], textOffset)
	binary.LittleEndian.PutUint64(buf[16:24], imageSize)
	binary.LittleEndian.PutUint32(buf[56:60], imageMagic)
	return buf
}

func TestProbeKernelImageRaw(t *testing.T) {
	data := rawHeaderBytes(0x80000, 0x1000000)
	p, err := ProbeKernelImage(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("ProbeKernelImage: %v", err)
	}
	if p.NeedsDecompression {
		t.Fatalf("raw image incorrectly flagged as needing decompression")
	}
	entry, err := p.Header.EntryPoint(0x8000_0000)
	if err != nil {
		t.Fatalf("EntryPoint: %v", err)
	}
	if entry != 0x8000_0000+0x80000 {
		t.Fatalf("entry = 0x%x, want 0x%x", entry, 0x8000_0000+0x80000)
	}
}

func TestEntryPointLegacyFallback(t *testing.T) {
	h := Header{TextOffset: 0, ImageSize: 0, Magic: imageMagic}
	entry, err := h.EntryPoint(0x8000_0000)
	if err != nil {
		t.Fatalf("EntryPoint: %v", err)
	}
	if entry != 0x8000_0000+legacyTextOffset {
		t.Fatalf("entry = 0x%x, want fallback 0x%x", entry, 0x8000_0000+legacyTextOffset)
	}
}

func TestEntryPointRejectsMisalignedBase(t *testing.T) {
	h := Header{TextOffset: 0x80000, ImageSize: 1, Magic: imageMagic}
	if _, err := h.EntryPoint(0x4000_0001); err == nil {
		t.Fatalf("expected error for misaligned load base")
	}
}

func TestProbeKernelImageGzip(t *testing.T) {
	inner := rawHeaderBytes(0x80000, 0x2000000)
	inner = append(inner, make([]byte, 256)...)

	var compressed bytes.Buffer
	gz := gzip.NewWriter(&compressed)
	if _, err := gz.Write(inner); err != nil {
		t.Fatalf("gzip write: %v", err)
	}
	gz.Close()

	data := append([]byte{0, 0, 0, 0}, compressed.Bytes()...) // gzip stub preamble padding

	p, err := ProbeKernelImage(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("ProbeKernelImage: %v", err)
	}
	if !p.NeedsDecompression {
		t.Fatalf("gzip-wrapped image not flagged as needing decompression")
	}
	out, err := p.ExtractImage(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("ExtractImage: %v", err)
	}
	if !bytes.Equal(out, inner) {
		t.Fatalf("extracted image does not match original")
	}
}

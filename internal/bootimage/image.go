// Package bootimage parses the arm64 Linux kernel "Image" header,
// adapted from the reference hypervisor's boot-time kernel probe, with
// the legacy image_size==0 fallback rule this machine's spec requires
// and the reference implementation's image did not yet model.
package bootimage

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
)

const (
	headerSizeBytes  = 64
	loadAlignment    = 2 * 1024 * 1024
	imageMagic       = 0x644d5241 // "ARM\x64" little-endian
	maxGzipScanBytes = 1024 * 1024
	legacyTextOffset = 0x80000
)

// Header is the first 64 bytes of an arm64 Image, per Documentation/arm64/booting.rst.
type Header struct {
	Code0      uint32
	Code1      uint32
	TextOffset uint64
	ImageSize  uint64
	Flags      uint64
	Res2       uint64
	Res3       uint64
	Res4       uint64
	Magic      uint32
	Res5       uint32
}

// EntryPoint returns the guest physical entry address for a kernel
// loaded at base. Whenever image_size is 0 (pre-3.17 headers) the
// header's text_offset is ignored and the legacy 0x80000 is used.
func (h Header) EntryPoint(base uint64) (uint64, error) {
	textOffset := h.TextOffset
	if h.ImageSize == 0 {
		textOffset = legacyTextOffset
	}
	if base%loadAlignment != 0 {
		return 0, fmt.Errorf("bootimage: load base 0x%x is not 2MiB aligned", base)
	}
	return base + textOffset, nil
}

// Probe describes how a kernel image should be extracted before load.
type Probe struct {
	Header             Header
	NeedsDecompression bool
	CompressedOffset   int64
}

// ProbeKernelImage inspects reader for a raw or gzip-wrapped arm64
// Image header, without extracting the payload.
func ProbeKernelImage(r io.ReaderAt, size int64) (*Probe, error) {
	if h, err := readHeaderAt(r, 0); err == nil {
		return &Probe{Header: h}, nil
	}
	off, err := findGzipPayload(r, size)
	if err != nil {
		return nil, fmt.Errorf("bootimage: not a raw Image and no gzip payload found: %w", err)
	}
	h, err := readGzipHeader(r, off, size)
	if err != nil {
		return nil, fmt.Errorf("bootimage: gzip payload at %d did not decompress to a valid Image header: %w", off, err)
	}
	return &Probe{Header: h, NeedsDecompression: true, CompressedOffset: off}, nil
}

// ExtractImage returns the raw, decompressed kernel bytes.
func (p *Probe) ExtractImage(r io.ReaderAt, size int64) ([]byte, error) {
	if !p.NeedsDecompression {
		buf := make([]byte, size)
		if _, err := r.ReadAt(buf, 0); err != nil && err != io.EOF {
			return nil, fmt.Errorf("bootimage: read raw image: %w", err)
		}
		return buf, nil
	}
	sr := io.NewSectionReader(r, p.CompressedOffset, size-p.CompressedOffset)
	gz, err := gzip.NewReader(sr)
	if err != nil {
		return nil, fmt.Errorf("bootimage: gzip.NewReader: %w", err)
	}
	defer gz.Close()
	out, err := io.ReadAll(gz)
	if err != nil {
		return nil, fmt.Errorf("bootimage: gzip decompress: %w", err)
	}
	return out, nil
}

func readHeaderAt(r io.ReaderAt, off int64) (Header, error) {
	buf := make([]byte, headerSizeBytes)
	if _, err := r.ReadAt(buf, off); err != nil {
		return Header{}, fmt.Errorf("read header: %w", err)
	}
	return parseHeader(buf)
}

func parseHeader(buf []byte) (Header, error) {
	if len(buf) < headerSizeBytes {
		return Header{}, fmt.Errorf("header too short: %d bytes", len(buf))
	}
	var h Header
	h.Code0 = binary.LittleEndian.Uint32(buf[0:4])
	h.Code1 = binary.LittleEndian.Uint32(buf[4:8])
	h.TextOffset = binary.LittleEndian.Uint64(buf[8:16])
	h.ImageSize = binary.LittleEndian.Uint64(buf[16:24])
	h.Flags = binary.LittleEndian.Uint64(buf[24:32])
	h.Res2 = binary.LittleEndian.Uint64(buf[32:40])
	h.Res3 = binary.LittleEndian.Uint64(buf[40:48])
	h.Res4 = binary.LittleEndian.Uint64(buf[48:56])
	h.Magic = binary.LittleEndian.Uint32(buf[56:60])
	h.Res5 = binary.LittleEndian.Uint32(buf[60:64])
	if h.Magic != imageMagic {
		return Header{}, fmt.Errorf("bad magic 0x%x, want 0x%x", h.Magic, imageMagic)
	}
	return h, nil
}

func findGzipPayload(r io.ReaderAt, size int64) (int64, error) {
	scan := size
	if scan > maxGzipScanBytes {
		scan = maxGzipScanBytes
	}
	buf := make([]byte, scan)
	n, err := r.ReadAt(buf, 0)
	if err != nil && err != io.EOF {
		return 0, err
	}
	buf = buf[:n]
	idx := bytes.Index(buf, []byte{0x1f, 0x8b})
	if idx < 0 {
		return 0, fmt.Errorf("no gzip magic within first %d bytes", scan)
	}
	return int64(idx), nil
}

func readGzipHeader(r io.ReaderAt, off, size int64) (Header, error) {
	sr := io.NewSectionReader(r, off, size-off)
	gz, err := gzip.NewReader(sr)
	if err != nil {
		return Header{}, err
	}
	defer gz.Close()
	buf := make([]byte, headerSizeBytes)
	if _, err := io.ReadFull(gz, buf); err != nil {
		return Header{}, err
	}
	return parseHeader(buf)
}

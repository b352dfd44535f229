package fdt

import (
	"encoding/binary"
	"testing"
)

func TestBuildProducesValidHeader(t *testing.T) {
	root := Node{
		Name: "",
		Properties: map[string]Property{
			"compatible": PropStrings("linux,dummy-virt"),
			"#address-cells": PropU32(2),
		},
		Children: []Node{
			{
				Name: "memory@40000000",
				Properties: map[string]Property{
					"device_type": PropStrings("memory"),
					"reg":         PropU64(0x4000_0000, 0x1000_0000),
				},
			},
		},
	}

	blob, err := Build(root)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(blob) < 40 {
		t.Fatalf("blob too short: %d bytes", len(blob))
	}
	magic := binary.BigEndian.Uint32(blob[0:4])
	if magic != fdtMagic {
		t.Fatalf("magic = 0x%x, want 0x%x", magic, fdtMagic)
	}
	totalSize := binary.BigEndian.Uint32(blob[4:8])
	if int(totalSize) != len(blob) {
		t.Fatalf("totalsize field = %d, actual blob length = %d", totalSize, len(blob))
	}
}

func TestBuildIsDeterministic(t *testing.T) {
	root := Node{
		Name: "",
		Properties: map[string]Property{
			"a": PropU32(1),
			"b": PropU32(2),
			"c": PropU32(3),
		},
	}
	b1, err := Build(root)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	b2, err := Build(root)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if string(b1) != string(b2) {
		t.Fatalf("Build is not deterministic across identical inputs")
	}
}

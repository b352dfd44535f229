// Package fdt builds a flattened device tree blob from a pure
// Node/Property tree, mirroring the shape of the reference hypervisor's
// own fdt builder (compatible/reg/interrupts properties assembled as a
// map on each Node) but trimmed to exactly the property encodings this
// machine's device set needs.
package fdt

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
)

// Property is a tagged union of the property value encodings the
// devicetree format supports that this machine actually emits.
type Property struct {
	Strings []string
	U32     []uint32
	U64     []uint64
	Empty   bool
}

func PropStrings(s ...string) Property { return Property{Strings: s} }
func PropU32(v ...uint32) Property     { return Property{U32: v} }
func PropU64(v ...uint64) Property     { return Property{U64: v} }
func PropEmpty() Property              { return Property{Empty: true} }

func (p Property) encode() []byte {
	var buf bytes.Buffer
	switch {
	case p.Empty:
	case p.Strings != nil:
		for _, s := range p.Strings {
			buf.WriteString(s)
			buf.WriteByte(0)
		}
	case p.U32 != nil:
		for _, v := range p.U32 {
			binary.Write(&buf, binary.BigEndian, v)
		}
	case p.U64 != nil:
		for _, v := range p.U64 {
			binary.Write(&buf, binary.BigEndian, v)
		}
	}
	return buf.Bytes()
}

// Node is one devicetree node: a name, an unordered set of properties,
// and an ordered list of children. Property ordering within a node is
// not semantically meaningful to a devicetree consumer, but Build sorts
// by key anyway so output is deterministic across runs.
type Node struct {
	Name       string
	Properties map[string]Property
	Children   []Node
}

const (
	fdtMagic      = 0xd00dfeed
	fdtVersion    = 17
	fdtLastCompVersion = 16

	tokenBeginNode = 0x00000001
	tokenEndNode   = 0x00000002
	tokenProp      = 0x00000003
	tokenNop       = 0x00000004
	tokenEnd       = 0x00000009
)

func align4(n int) int { return (n + 3) &^ 3 }

// Build serializes root into a complete FDT blob: header, memory
// reservation block (empty — this machine has no reserved regions),
// structure block and string block, exactly as specified by the
// devicetree format's binary layout.
func Build(root Node) ([]byte, error) {
	var strTab bytes.Buffer
	strOffsets := map[string]uint32{}
	internString := func(s string) uint32 {
		if off, ok := strOffsets[s]; ok {
			return off
		}
		off := uint32(strTab.Len())
		strTab.WriteString(s)
		strTab.WriteByte(0)
		strOffsets[s] = off
		return off
	}

	var structBlock bytes.Buffer
	var emit func(n Node) error
	emit = func(n Node) error {
		binary.Write(&structBlock, binary.BigEndian, uint32(tokenBeginNode))
		structBlock.WriteString(n.Name)
		structBlock.WriteByte(0)
		pad := align4(len(n.Name)+1) - (len(n.Name) + 1)
		structBlock.Write(make([]byte, pad))

		keys := make([]string, 0, len(n.Properties))
		for k := range n.Properties {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			val := n.Properties[k].encode()
			binary.Write(&structBlock, binary.BigEndian, uint32(tokenProp))
			binary.Write(&structBlock, binary.BigEndian, uint32(len(val)))
			binary.Write(&structBlock, binary.BigEndian, internString(k))
			structBlock.Write(val)
			pad := align4(len(val)) - len(val)
			structBlock.Write(make([]byte, pad))
		}

		for _, c := range n.Children {
			if err := emit(c); err != nil {
				return err
			}
		}

		binary.Write(&structBlock, binary.BigEndian, uint32(tokenEndNode))
		return nil
	}
	if err := emit(root); err != nil {
		return nil, fmt.Errorf("fdt: build: %w", err)
	}
	binary.Write(&structBlock, binary.BigEndian, uint32(tokenEnd))

	const headerSize = 40
	const memRsvSize = 16 // one terminating (0,0) entry

	structOff := uint32(headerSize + memRsvSize)
	structSize := uint32(structBlock.Len())
	strOff := structOff + structSize
	strSize := uint32(strTab.Len())
	total := strOff + strSize

	var out bytes.Buffer
	binary.Write(&out, binary.BigEndian, uint32(fdtMagic))
	binary.Write(&out, binary.BigEndian, total)
	binary.Write(&out, binary.BigEndian, structOff)
	binary.Write(&out, binary.BigEndian, strOff)
	binary.Write(&out, binary.BigEndian, uint32(headerSize)) // off_mem_rsvmap
	binary.Write(&out, binary.BigEndian, uint32(fdtVersion))
	binary.Write(&out, binary.BigEndian, uint32(fdtLastCompVersion))
	binary.Write(&out, binary.BigEndian, uint32(0)) // boot_cpuid_phys
	binary.Write(&out, binary.BigEndian, strSize)
	binary.Write(&out, binary.BigEndian, structSize)

	out.Write(make([]byte, memRsvSize)) // single zero reservation entry
	out.Write(structBlock.Bytes())
	out.Write(strTab.Bytes())

	return out.Bytes(), nil
}

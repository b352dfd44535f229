//go:build linux && arm64

package kvm

import (
	"encoding/binary"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/ShadowCurse/radiance/internal/hv"
)

var errNoSpace = unix.ENOSPC

// ARM64 KVM_REG_* encoding, per the kernel's arch/arm64/include/uapi/asm/kvm.h.
const (
	kvmRegArch64  = 0x6000000000000000
	kvmRegSizeU32 = 0x0020000000000000
	kvmRegSizeU64 = 0x0030000000000000
	kvmRegSizeU128 = 0x0040000000000000
	kvmRegArmCore = 0x0010000000000000
	kvmRegArmSysreg = 0x0013000000000000
)

// coreRegOffset returns the KVM_REG_ARM_CORE register id for the given
// byte offset into struct kvm_regs (regs.regs[n], sp_el1, pc, pstate...).
func coreRegOffset(off uint64) hv.RegisterID {
	return hv.RegisterID(kvmRegArch64 | kvmRegArmCore | kvmRegSizeU64 | (off >> 2))
}

// Well-known general-purpose and special ARM64 registers, named the way
// the guest ABI names them. Offsets follow struct user_pt_regs layout:
// regs[0..30], sp, pc, pstate.
var (
	RegX0    = coreRegOffset(0x00)
	RegX1    = coreRegOffset(0x08)
	RegSP    = coreRegOffset(0xf8)
	RegPC    = coreRegOffset(0x100)
	RegPSTATE = coreRegOffset(0x108)
)

// RegX returns the register id for guest register xN, 0 <= n <= 30.
func RegX(n int) hv.RegisterID {
	if n < 0 || n > 30 {
		panic(fmt.Sprintf("kvm: invalid x register x%d", n))
	}
	return coreRegOffset(uint64(n) * 8)
}

// sysReg encodes a KVM_REG_ARM64_SYSREG id from the AArch64 system
// register op0/op1/crn/crm/op2 tuple.
func sysReg(op0, op1, crn, crm, op2 uint64) hv.RegisterID {
	id := kvmRegArch64 | kvmRegArmSysreg | kvmRegSizeU64
	id |= (op0 & 0x3) << 14
	id |= (op1 & 0x7) << 11
	id |= (crn & 0xf) << 7
	id |= (crm & 0xf) << 3
	id |= op2 & 0x7
	return hv.RegisterID(id)
}

var RegMPIDREL1 = sysReg(3, 0, 0, 0, 5)

func (v *virtualCPU) SetReg(id hv.RegisterID, value uint64) error {
	reg := kvmOneReg{ID: uint64(id), Addr: uint64(uintptr(unsafe.Pointer(&value)))}
	if _, err := ioctlPtr(v.fd, kvmSetOneReg, unsafe.Pointer(&reg)); err != nil {
		return fmt.Errorf("kvm: KVM_SET_ONE_REG 0x%x: %w", uint64(id), err)
	}
	return nil
}

func (v *virtualCPU) GetReg(id hv.RegisterID) (uint64, error) {
	var value uint64
	reg := kvmOneReg{ID: uint64(id), Addr: uint64(uintptr(unsafe.Pointer(&value)))}
	if _, err := ioctlPtr(v.fd, kvmGetOneReg, unsafe.Pointer(&reg)); err != nil {
		return 0, fmt.Errorf("kvm: KVM_GET_ONE_REG 0x%x: %w", uint64(id), err)
	}
	return value, nil
}

// RegList queries the kernel for every register id it currently exposes
// for this vCPU via KVM_GET_REG_LIST, first with a zero-capacity probe
// to learn the count, then with a backing array sized to match.
func (v *virtualCPU) RegList() ([]hv.RegisterID, error) {
	hdr := struct {
		n    uint64
		regs [1]uint64
	}{}
	if _, err := ioctlPtr(v.fd, kvmGetRegList, unsafe.Pointer(&hdr)); err != nil && err != errNoSpace {
		return nil, fmt.Errorf("kvm: KVM_GET_REG_LIST probe: %w", err)
	}
	n := hdr.n
	buf := make([]uint64, n+1)
	buf[0] = n
	if _, err := ioctlPtr(v.fd, kvmGetRegList, unsafe.Pointer(&buf[0])); err != nil {
		return nil, fmt.Errorf("kvm: KVM_GET_REG_LIST: %w", err)
	}
	out := make([]hv.RegisterID, n)
	for i := range out {
		out[i] = hv.RegisterID(buf[i+1])
	}
	return out, nil
}

const regEncodedWidth = 16 // 8 bytes id + 8 bytes value, little endian

// SaveRegs writes (id, value) pairs for each of ids into buf.
func (v *virtualCPU) SaveRegs(ids []hv.RegisterID, buf []byte) (int, error) {
	need := len(ids) * regEncodedWidth
	if len(buf) < need {
		return 0, fmt.Errorf("kvm: SaveRegs buffer too small: need %d have %d", need, len(buf))
	}
	for i, id := range ids {
		value, err := v.GetReg(id)
		if err != nil {
			return 0, err
		}
		off := i * regEncodedWidth
		binary.LittleEndian.PutUint64(buf[off:], uint64(id))
		binary.LittleEndian.PutUint64(buf[off+8:], value)
	}
	return need, nil
}

// RestoreRegs is SaveRegs's inverse: it trusts the encoded ids to match
// the ids slice passed (both come from the same snapshot round-trip)
// but re-reads them from the buffer rather than assuming positional
// alignment, so a reordered snapshot file still restores correctly.
func (v *virtualCPU) RestoreRegs(ids []hv.RegisterID, buf []byte) (int, error) {
	need := len(ids) * regEncodedWidth
	if len(buf) < need {
		return 0, fmt.Errorf("kvm: RestoreRegs buffer too small: need %d have %d", need, len(buf))
	}
	for i := range ids {
		off := i * regEncodedWidth
		id := hv.RegisterID(binary.LittleEndian.Uint64(buf[off:]))
		value := binary.LittleEndian.Uint64(buf[off+8:])
		if err := v.SetReg(id, value); err != nil {
			return 0, err
		}
	}
	return need, nil
}

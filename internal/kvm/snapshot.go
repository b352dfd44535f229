//go:build linux && arm64

package kvm

import (
	"fmt"
	"unsafe"
)

// MPState and SetMPState let the snapshot layer record and restore
// whether a vCPU is runnable or parked, via KVM_GET/SET_MP_STATE.
func (v *virtualCPU) MPState() (uint32, error) {
	var state uint32
	if _, err := ioctlPtr(v.fd, kvmGetMPState, unsafe.Pointer(&state)); err != nil {
		return 0, fmt.Errorf("kvm: KVM_GET_MP_STATE vcpu %d: %w", v.id, err)
	}
	return state, nil
}

func (v *virtualCPU) SetMPState(state uint32) error {
	if _, err := ioctlPtr(v.fd, kvmSetMPState, unsafe.Pointer(&state)); err != nil {
		return fmt.Errorf("kvm: KVM_SET_MP_STATE vcpu %d: %w", v.id, err)
	}
	return nil
}

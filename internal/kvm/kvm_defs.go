//go:build linux && arm64

package kvm

// Raw ioctl request numbers and constants lifted from the kernel's
// kvm.h. Only the subset this ARM64-only VMM exercises is kept; the
// x86 MSR/CPUID/LAPIC/PIT/TSS ioctls the teacher's copy of this file
// carries are dropped entirely since this machine never runs on x86.
const (
	kvmGetApiVersion    = 0xae00
	kvmCreateVM         = 0xae01
	kvmGetVcpuMmapSize  = 0xae04
	kvmCreateVCPU       = 0xae41
	kvmRun              = 0xae80
	kvmSetUserMemRegion = 0x4020ae46
	kvmCheckExtension   = 0xae03
	kvmCreateDevice     = 0xc00caee0
	kvmSetDeviceAttr    = 0x4018aee1
	kvmGetDeviceAttr    = 0x4018aee2
	kvmHasDeviceAttr    = 0x4018aee3
	kvmSetOneReg        = 0x4010aeac
	kvmGetOneReg        = 0x4010aeab
	kvmGetRegList       = 0xc008aeb0
	kvmArmVCPUInit      = 0x4020aeae
	kvmArmPreferredTarget = 0x8020aeaf
	kvmIRQLine          = 0x4008ae61
	kvmIRQFD            = 0x4020ae76
	kvmIOEventFD        = 0x4040ae79
	kvmGetMPState       = 0x8004aea4
	kvmSetMPState       = 0x4004aea5
)

const (
	kvmCapArmVGICV3 = 94
)

// KVM_ARM_VCPU_INIT feature bits.
const (
	kvmArmVCPUPSCI02 = 2
)

// kvmArmTargetGeneric is passed as Target in kvm_vcpu_init when the
// kernel supports target auto-selection (preferred since 4.x).
const kvmArmTargetGeneric = 0

// Device types for KVM_CREATE_DEVICE.
const (
	kvmDevTypeArmVgicV2 = 5
)

// VGIC device attribute groups (KVM_DEV_ARM_VGIC_GRP_*).
const (
	kvmDevArmVgicGrpAddr    = 0
	kvmDevArmVgicGrpCtrl    = 4
	kvmDevArmVgicGrpNRIrqs  = 3
)

const (
	kvmVgicV2AddrTypeDist = 0
	kvmVgicV2AddrTypeCpu  = 1
)

const kvmDevArmVgicCtrlInit = 0

// KVM_IRQFD flags.
const kvmIRQFDFlagDeassign = 1 << 0

// MP state values (subset actually used).
const (
	kvmMPStateRunnable      = 0
	kvmMPStateStopped       = 5
)

// kvmUserspaceMemoryRegion mirrors struct kvm_userspace_memory_region.
type kvmUserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

// kvmOneReg mirrors struct kvm_one_reg.
type kvmOneReg struct {
	ID   uint64
	Addr uint64
}

// kvmRegList mirrors struct kvm_reg_list (variable-length trailing array,
// handled manually by callers via unsafe + a fixed-capacity backing
// buffer rather than a flexible array member).
type kvmRegListHeader struct {
	N uint64
}

// kvmVCPUInit mirrors struct kvm_vcpu_init { __u32 target; __u32 features[7]; }.
type kvmVCPUInit struct {
	Target   uint32
	Features [7]uint32
}

// kvmCreateDeviceArgs mirrors struct kvm_create_device.
type kvmCreateDeviceArgs struct {
	Type  uint32
	Fd    uint32
	Flags uint32
}

// kvmDeviceAttr mirrors struct kvm_device_attr.
type kvmDeviceAttr struct {
	Flags uint32
	Group uint32
	Attr  uint64
	Addr  uint64
}

// kvmIRQLevel mirrors struct kvm_irq_level.
type kvmIRQLevel struct {
	IRQ   uint32
	Level uint32
}

// kvmIRQFDArgs mirrors struct kvm_irqfd.
type kvmIRQFDArgs struct {
	Fd     uint32
	GSI    uint32
	Flags  uint32
	Resampled uint32
	pad    [16]byte
}

// kvmIOEventFDArgs mirrors struct kvm_ioeventfd.
type kvmIOEventFDArgs struct {
	DataMatch uint64
	Addr      uint64
	Len       uint32
	Fd        int32
	Flags     uint32
	pad       [36]byte
}

const kvmIOEventFDFlagDataMatch = 1 << 0

// kvmRunData is the subset of struct kvm_run fields this VMM reads or
// writes via the mmap'd shared page; field layout follows the kernel
// ABI exactly (no padding games), matching the teacher's kvm_arm64.go.
type kvmRunData struct {
	requestInterruptWindow uint8
	_                      [7]byte
	exitReason             uint32
	readyForInterruptInject uint8
	ifFlag                  uint8
	_                       [2]byte
	cr8                     uint64
	apicBase                uint64
	// union of per-exit-reason data starts here; this VMM only needs
	// the MMIO variant, reached via a fixed offset established by the
	// kernel ABI (mirrored from the teacher's mmioExitOffset constant).
}

const (
	kvmExitMMIO         = 6
	kvmExitIntr         = 10
	kvmExitShutdown     = 8
	kvmExitSystemEvent  = 24
	kvmExitFailEntry    = 9
	kvmExitInternalError = 17
)

const kvmSystemEventShutdown = 1
const kvmSystemEventReset = 2

// mmioExitOffset is the byte offset of the kvm_run.mmio union member.
// The exit-reason union starts directly after apic_base, at byte 32 of
// struct kvm_run.
const mmioExitOffset = 32

// kvmRunMMIO mirrors the mmio member of the kvm_run exit union:
// struct { __u64 phys_addr; __u8 data[8]; __u32 len; __u8 is_write; }
type kvmRunMMIO struct {
	PhysAddr uint64
	Data     [8]byte
	Len      uint32
	IsWrite  uint8
}

const immediateExitOffset = 1

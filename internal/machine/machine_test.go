package machine

import (
	"testing"

	"github.com/ShadowCurse/radiance/internal/config"
	"github.com/ShadowCurse/radiance/internal/fdt"
	"github.com/ShadowCurse/radiance/internal/hv"
	"github.com/ShadowCurse/radiance/internal/memory"
)

func TestOpenFlagsReadOnlyVsReadWrite(t *testing.T) {
	if openFlags(true) == openFlags(false) {
		t.Fatal("read-only and read-write open flags must differ")
	}
}

func TestDefaultMACsAreDistinctPerIndex(t *testing.T) {
	a := defaultMAC(0)
	b := defaultMAC(1)
	if a == b {
		t.Fatal("defaultMAC should vary by index")
	}
}

// fakeVM is the minimal hv.VirtualMachine a pure device-tree test
// needs: memory geometry, nothing else.
type fakeVM struct {
	base, size uint64
}

func (f *fakeVM) ReadAt(p []byte, off int64) (int, error)  { return len(p), nil }
func (f *fakeVM) WriteAt(p []byte, off int64) (int, error) { return len(p), nil }
func (f *fakeVM) Close() error                             { return nil }
func (f *fakeVM) MemoryBase() uint64                        { return f.base }
func (f *fakeVM) MemorySize() uint64                        { return f.size }
func (f *fakeVM) AllocateMemory(physAddr, size uint64) (hv.MemoryRegion, error) {
	return nil, nil
}
func (f *fakeVM) AddDevice(dev hv.Device) error { return nil }
func (f *fakeVM) AddDeviceFromTemplate(template hv.DeviceTemplate) (hv.Device, error) {
	return nil, nil
}
func (f *fakeVM) VCPU(id int) (hv.VirtualCPU, error) { return nil, nil }
func (f *fakeVM) NumVCPUs() int                      { return 1 }
func (f *fakeVM) SetIRQLevel(gsi uint32, level bool) error {
	return nil
}
func (f *fakeVM) IRQEventFD(gsi uint32) (int, error)               { return -1, nil }
func (f *fakeVM) NotifyEventFD(addr uint64, datamatch uint32) (int, error) { return -1, nil }
func (f *fakeVM) GICState() (hv.GICState, error)                   { return hv.GICState{}, nil }
func (f *fakeVM) RestoreGICState(hv.GICState) error                { return nil }

func TestBuildDeviceTreeIncludesCoreNodes(t *testing.T) {
	vm := &fakeVM{base: dramStart, size: 256 << 20}
	m := &Machine{guest: memory.NewGuest(vm)}

	cfg := &config.Machine{
		Machine: config.MachineSection{VCPUs: 2, Cmdline: "console=ttyS0"},
	}

	root := m.buildDeviceTree(cfg, cfg.Machine.Cmdline, nil)

	if root.Properties["compatible"].Strings[0] != "linux,dummy-virt" {
		t.Fatalf("root compatible = %+v", root.Properties["compatible"])
	}

	var names []string
	for _, c := range root.Children {
		names = append(names, c.Name)
	}
	wantPrefixes := []string{"cpus", "memory@", "chosen", "intc@", "timer", "psci", "rtc@"}
	for _, prefix := range wantPrefixes {
		found := false
		for _, n := range names {
			if len(n) >= len(prefix) && n[:len(prefix)] == prefix {
				found = true
				break
			}
		}
		if !found {
			t.Fatalf("device tree missing a node with prefix %q; got children %v", prefix, names)
		}
	}

	var cpusNode *fdt.Node
	for i := range root.Children {
		if root.Children[i].Name == "cpus" {
			cpusNode = &root.Children[i]
		}
	}
	if cpusNode == nil {
		t.Fatal("no cpus node")
	}
	if len(cpusNode.Children) != 2 {
		t.Fatalf("cpus node has %d children, want 2 (vcpus=2)", len(cpusNode.Children))
	}
}

func TestBuildDeviceTreeOmitsUARTWhenNotConfigured(t *testing.T) {
	vm := &fakeVM{base: dramStart, size: 64 << 20}
	m := &Machine{guest: memory.NewGuest(vm)}
	cfg := &config.Machine{Machine: config.MachineSection{VCPUs: 1}}

	root := m.buildDeviceTree(cfg, "", nil)
	for _, c := range root.Children {
		if len(c.Name) >= 4 && c.Name[:4] == "uart" {
			t.Fatal("uart node should be absent when UART is not wired")
		}
	}
}

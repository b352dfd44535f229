package virtio

import (
	"fmt"

	"github.com/ShadowCurse/radiance/internal/fdt"
)

// CmdlineParam returns the virtio_mmio.device= kernel command-line
// fragment needed for a guest kernel that does not itself walk the
// device tree for virtio-mmio devices, matching the reference
// hypervisor's GetLinuxCommandLineParam.
func CmdlineParam(base, size uint64) string {
	return fmt.Sprintf("virtio_mmio.device=%#x@%#x:%d", size, base, 0)
}

// DeviceTreeNode builds the devicetree node for a virtio-mmio transport
// instance, named by its base address per devicetree convention.
func DeviceTreeNode(base, size uint64, irqGSI uint32) fdt.Node {
	return fdt.Node{
		Name: fmt.Sprintf("virtio_mmio@%x", base),
		Properties: map[string]fdt.Property{
			"compatible": fdt.PropStrings("virtio,mmio"),
			"reg":        fdt.PropU64(base, size),
			// interrupt cell: (type=0 SPI, irq, flags=4 level-high),
			// matching the machine's single GICv2 interrupt-cell layout.
			"interrupts": fdt.PropU32(0, irqGSI, 4),
		},
	}
}

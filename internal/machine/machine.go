// Package machine is the wiring/orchestration layer: it turns a parsed
// configuration into a running virtual machine — guest memory, kernel
// and device-tree placement, the interrupt controller, the VirtIO
// device set, and one host thread per vCPU — and implements the
// control API's Controller contract (pause/resume/snapshot). Grounded
// on the reference hypervisor's top-level VM-builder/run-loop glue,
// adapted to this machine's fixed ARM64/GICv2/VirtIO-MMIO device set.
package machine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/ShadowCurse/radiance/internal/bootimage"
	"github.com/ShadowCurse/radiance/internal/config"
	"github.com/ShadowCurse/radiance/internal/eventloop"
	"github.com/ShadowCurse/radiance/internal/fdt"
	"github.com/ShadowCurse/radiance/internal/hv"
	"github.com/ShadowCurse/radiance/internal/kvm"
	"github.com/ShadowCurse/radiance/internal/memory"
	"github.com/ShadowCurse/radiance/internal/rtc"
	"github.com/ShadowCurse/radiance/internal/serial"
	"github.com/ShadowCurse/radiance/internal/virtio"
)

const (
	// mmioStart and dramStart are the fixed address-map boundaries: the
	// MMIO window occupies [mmioStart, dramStart), and guest RAM starts
	// at dramStart. dramStart is 2MiB-aligned, satisfying the ARM64
	// Image boot protocol's load-alignment requirement without any
	// runtime adjustment.
	mmioStart = 0x4000_0000
	dramStart = 0x8000_0000

	// mmioLow is where the bus-allocated device MMIO window starts, at
	// mmioStart; mmioHigh is its ceiling, set to dramStart so devices
	// never encroach on guest RAM.
	mmioLow  = mmioStart
	mmioHigh = dramStart

	fdtMaxSize = 2 << 20

	// pstateEL1hMasked is PSTATE at guest entry: EL1h (SP_EL1), with
	// debug/SError/IRQ/FIRQ all masked, matching the ARM64 Linux boot
	// protocol's required entry state.
	pstateEL1hMasked = 0x3c5

	// GSI assignments. vCPU interrupts occupy none; the GIC's own SPIs
	// start at 32 (architectural), and this machine reserves a fixed
	// low range for platform devices before handing the rest to VirtIO.
	gsiUART  = 33
	gsiRTC   = 34
	gsiVirtioBase = 40
)

// Machine owns every live resource for one guest: the hypervisor VM
// handle, the MMIO bus, guest RAM, the event loop, and every device.
type Machine struct {
	log *slog.Logger

	vm    hv.VirtualMachine
	bus   *hv.Bus
	guest *memory.Guest
	loop  *eventloop.Loop

	barrier *hv.Barrier
	ctx     context.Context
	cancel  context.CancelFunc
	vcpuWG  sync.WaitGroup

	uart *serial.UART
	rtc  *rtc.PL031

	transports []*virtio.Transport

	mu sync.Mutex
}

// New builds and boots a Machine from cfg, using hyp to create the
// underlying hypervisor VM. It loads the kernel and places the device
// tree, but does not yet start vCPU threads; call Run for that.
func New(cfg *config.Machine, hyp hv.Hypervisor, log *slog.Logger) (*Machine, error) {
	if log == nil {
		log = slog.Default()
	}
	vm, err := hyp.NewVirtualMachine(hv.VMConfig{
		NumCPUs:    int(cfg.Machine.VCPUs),
		MemorySize: uint64(cfg.Machine.MemoryMB) << 20,
		MemoryBase: dramStart,
	})
	if err != nil {
		return nil, fmt.Errorf("machine: create vm: %w", err)
	}

	loop, err := eventloop.New()
	if err != nil {
		vm.Close()
		return nil, fmt.Errorf("machine: event loop: %w", err)
	}

	m := &Machine{
		log:     log,
		vm:      vm,
		bus:     hv.NewBus(mmioLow, mmioHigh),
		guest:   memory.NewGuest(vm),
		loop:    loop,
		barrier: hv.NewBarrier(),
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())

	if err := m.boot(cfg); err != nil {
		vm.Close()
		loop.Close()
		return nil, err
	}
	return m, nil
}

func (m *Machine) boot(cfg *config.Machine) error {
	kernelImage, entry, err := m.loadKernel(cfg.Kernel.Path)
	if err != nil {
		return err
	}

	nextGSI := uint32(gsiVirtioBase)
	var virtioNodes []fdt.Node
	var cmdlineExtra []string

	if err := m.wireDrives(cfg.Drives, &nextGSI, &virtioNodes, &cmdlineExtra); err != nil {
		return err
	}
	if err := m.wireNetworks(cfg.Networks, &nextGSI, &virtioNodes, &cmdlineExtra); err != nil {
		return err
	}
	if err := m.wirePmems(cfg.Pmems, &nextGSI, &virtioNodes, &cmdlineExtra); err != nil {
		return err
	}

	if cfg.UART.Enabled {
		m.uart = serial.New(0x0900_0000, gsiUART, os.Stdout)
		if err := m.vm.AddDevice(m.uart); err != nil {
			return fmt.Errorf("machine: init uart: %w", err)
		}
		if err := m.uart.Init(m.vm); err != nil {
			return fmt.Errorf("machine: init uart: %w", err)
		}
		m.bus.Register(m.uart)
	}

	m.rtc = rtc.New(0x0901_0000, gsiRTC)
	if err := m.vm.AddDevice(m.rtc); err != nil {
		return fmt.Errorf("machine: init rtc: %w", err)
	}
	if err := m.rtc.Init(m.vm); err != nil {
		return fmt.Errorf("machine: init rtc: %w", err)
	}
	m.bus.Register(m.rtc)

	cmdline := cfg.Machine.Cmdline
	for _, extra := range cmdlineExtra {
		cmdline += " " + extra
	}

	root := m.buildDeviceTree(cfg, cmdline, virtioNodes)
	blob, err := fdt.Build(root)
	if err != nil {
		return fmt.Errorf("machine: build fdt: %w", err)
	}
	fdtAddr := m.guest.End() - fdtMaxSize
	if err := m.guest.PlaceFDT(fdtAddr, blob); err != nil {
		return fmt.Errorf("machine: place fdt: %w", err)
	}

	if err := m.guest.LoadKernel(dramStart, kernelImage); err != nil {
		return fmt.Errorf("machine: load kernel: %w", err)
	}

	for i := 0; i < m.vm.NumVCPUs(); i++ {
		vcpu, err := m.vm.VCPU(i)
		if err != nil {
			return fmt.Errorf("machine: vcpu %d: %w", i, err)
		}
		if i == 0 {
			if err := vcpu.SetReg(kvm.RegPC, entry); err != nil {
				return fmt.Errorf("machine: vcpu0 PC: %w", err)
			}
			if err := vcpu.SetReg(kvm.RegX(0), fdtAddr); err != nil {
				return fmt.Errorf("machine: vcpu0 x0: %w", err)
			}
			if err := vcpu.SetReg(kvm.RegPSTATE, pstateEL1hMasked); err != nil {
				return fmt.Errorf("machine: vcpu0 pstate: %w", err)
			}
		}
	}
	return nil
}

func (m *Machine) loadKernel(path string) (image []byte, entry uint64, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("machine: open kernel %s: %w", path, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, 0, fmt.Errorf("machine: stat kernel %s: %w", path, err)
	}
	probe, err := bootimage.ProbeKernelImage(f, info.Size())
	if err != nil {
		return nil, 0, fmt.Errorf("machine: probe kernel %s: %w", path, err)
	}
	image, err = probe.ExtractImage(f, info.Size())
	if err != nil {
		return nil, 0, fmt.Errorf("machine: extract kernel %s: %w", path, err)
	}
	entry, err = probe.Header.EntryPoint(dramStart)
	if err != nil {
		return nil, 0, fmt.Errorf("machine: kernel entry point: %w", err)
	}
	return image, entry, nil
}

func (m *Machine) wireDrives(drives []config.Drive, nextGSI *uint32, nodes *[]fdt.Node, cmdline *[]string) error {
	for i, d := range drives {
		f, err := os.OpenFile(d.Path, openFlags(d.ReadOnly), 0o644)
		if err != nil {
			return fmt.Errorf("machine: open drive %s: %w", d.Path, err)
		}
		info, err := f.Stat()
		if err != nil {
			return fmt.Errorf("machine: stat drive %s: %w", d.Path, err)
		}
		blk := virtio.NewBlk(m.guest, int(f.Fd()), uint64(info.Size()), d.ReadOnly, m.loop)
		if err := m.wireTransport(blk, fmt.Sprintf("blk%d", i), 0x1000, nextGSI, nodes); err != nil {
			return err
		}
		if d.Rootfs {
			*cmdline = append(*cmdline, "root=/dev/vda rw")
		}
	}
	return nil
}

func openFlags(readOnly bool) int {
	if readOnly {
		return os.O_RDONLY
	}
	return os.O_RDWR
}

func (m *Machine) wireNetworks(nets []config.Network, nextGSI *uint32, nodes *[]fdt.Node, cmdline *[]string) error {
	for i, n := range nets {
		tapFD, err := openTap(n.DevName)
		if err != nil {
			return fmt.Errorf("machine: open tap %s: %w", n.DevName, err)
		}
		mac := defaultMAC(i)
		if n.MAC != nil {
			mac = *n.MAC
		}
		if n.Vhost {
			vn, err := virtio.NewVhostNet(m.guest, tapFD, mac)
			if err != nil {
				return fmt.Errorf("machine: vhost-net %s: %w", n.DevName, err)
			}
			if err := m.wireTransport(vn, fmt.Sprintf("net%d", i), 6, nextGSI, nodes); err != nil {
				return err
			}
			continue
		}
		nd := virtio.NewNet(m.guest, tapFD, mac)
		if err := m.wireTransport(nd, fmt.Sprintf("net%d", i), 6, nextGSI, nodes); err != nil {
			return err
		}
	}
	return nil
}

func defaultMAC(idx int) [6]byte {
	return [6]byte{0x52, 0x54, 0x00, 0x12, 0x34, byte(idx)}
}

func (m *Machine) wirePmems(pmems []config.Pmem, nextGSI *uint32, nodes *[]fdt.Node, cmdline *[]string) error {
	for i, p := range pmems {
		f, err := os.OpenFile(p.Path, os.O_RDWR, 0o644)
		if err != nil {
			return fmt.Errorf("machine: open pmem %s: %w", p.Path, err)
		}
		info, err := f.Stat()
		if err != nil {
			return fmt.Errorf("machine: stat pmem %s: %w", p.Path, err)
		}
		pd := virtio.NewPmem(m.guest, int(f.Fd()), uint64(info.Size()))
		if err := m.wireTransport(pd, fmt.Sprintf("pmem%d", i), 8, nextGSI, nodes); err != nil {
			return err
		}
		if p.Rootfs {
			*cmdline = append(*cmdline, "root=/dev/pmem0 rw")
		}
	}
	return nil
}

// wireTransport allocates MMIO space for backend, builds its Transport,
// registers it on the bus, and appends its device-tree node.
func (m *Machine) wireTransport(backend virtio.DeviceBackend, name string, configSize uint64, nextGSI *uint32, nodes *[]fdt.Node) error {
	alloc, err := m.bus.AllocateVirtio(name, configSize)
	if err != nil {
		return fmt.Errorf("machine: allocate mmio for %s: %w", name, err)
	}
	gsi := *nextGSI
	*nextGSI++
	t := virtio.NewTransport(backend, m.guest, alloc.Base, alloc.Size, gsi)
	if err := m.vm.AddDevice(t); err != nil {
		return fmt.Errorf("machine: add device %s: %w", name, err)
	}
	if err := t.Init(m.vm); err != nil {
		return fmt.Errorf("machine: init transport %s: %w", name, err)
	}
	m.bus.Register(t)
	m.transports = append(m.transports, t)
	*nodes = append(*nodes, virtio.DeviceTreeNode(alloc.Base, alloc.Size, gsi))
	return nil
}

func (m *Machine) buildDeviceTree(cfg *config.Machine, cmdline string, virtioNodes []fdt.Node) fdt.Node {
	var cpus []fdt.Node
	for i := 0; i < int(cfg.Machine.VCPUs); i++ {
		cpus = append(cpus, fdt.Node{
			Name: fmt.Sprintf("cpu@%d", i),
			Properties: map[string]fdt.Property{
				"device_type": fdt.PropStrings("cpu"),
				"compatible":  fdt.PropStrings("arm,armv8"),
				"reg":         fdt.PropU32(uint32(i)),
				"enable-method": fdt.PropStrings("psci"),
			},
		})
	}

	children := []fdt.Node{
		{
			Name: "cpus",
			Properties: map[string]fdt.Property{
				"#address-cells": fdt.PropU32(1),
				"#size-cells":    fdt.PropU32(0),
			},
			Children: cpus,
		},
		{
			Name: "memory@" + fmt.Sprintf("%x", dramStart),
			Properties: map[string]fdt.Property{
				"device_type": fdt.PropStrings("memory"),
				"reg":         fdt.PropU64(dramStart, m.guest.Size()),
			},
		},
		{
			Name: "chosen",
			Properties: map[string]fdt.Property{
				"bootargs": fdt.PropStrings(cmdline),
			},
		},
		{
			Name: "intc@" + fmt.Sprintf("%x", kvm.GICDistributorBase),
			Properties: map[string]fdt.Property{
				"compatible":        fdt.PropStrings("arm,gic-400", "arm,cortex-a15-gic"),
				"#interrupt-cells":  fdt.PropU32(3),
				"interrupt-controller": fdt.PropEmpty(),
				"phandle":           fdt.PropU32(1),
				"reg": fdt.PropU64(kvm.GICDistributorBase, kvm.GICDistributorSize, kvm.GICCPUBase, kvm.GICCPUSize),
			},
		},
		{
			Name: "timer",
			Properties: map[string]fdt.Property{
				"compatible": fdt.PropStrings("arm,armv8-timer"),
				"interrupts": fdt.PropU32(1, 13, 4, 1, 14, 4, 1, 11, 4, 1, 10, 4),
			},
		},
		{
			Name: "psci",
			Properties: map[string]fdt.Property{
				"compatible": fdt.PropStrings("arm,psci-0.2"),
				"method":     fdt.PropStrings("hvc"),
			},
		},
	}

	if m.uart != nil {
		children = append(children, fdt.Node{
			Name: "uart@9000000",
			Properties: map[string]fdt.Property{
				"compatible": fdt.PropStrings("ns16550a"),
				"reg":        fdt.PropU64(0x0900_0000, serial.DefaultSize),
				"interrupts": fdt.PropU32(0, gsiUART, 4),
			},
		})
	}

	children = append(children, fdt.Node{
		Name: "rtc@9010000",
		Properties: map[string]fdt.Property{
			"compatible": fdt.PropStrings("arm,pl031"),
			"reg":        fdt.PropU64(0x0901_0000, rtc.DefaultSize),
			"interrupts": fdt.PropU32(0, gsiRTC, 4),
		},
	})

	children = append(children, virtioNodes...)

	return fdt.Node{
		Name: "",
		Properties: map[string]fdt.Property{
			"compatible":     fdt.PropStrings("linux,dummy-virt"),
			"#address-cells": fdt.PropU32(2),
			"#size-cells":    fdt.PropU32(2),
			"interrupt-parent": fdt.PropU32(1),
		},
		Children: children,
	}
}

// Run starts one host thread per vCPU and blocks until the context
// passed to Pause/Resume orchestration is cancelled or every vCPU
// thread exits.
func (m *Machine) Run() error {
	m.barrier.Release()
	for i := 0; i < m.vm.NumVCPUs(); i++ {
		vcpu, err := m.vm.VCPU(i)
		if err != nil {
			return fmt.Errorf("machine: vcpu %d: %w", i, err)
		}
		m.vcpuWG.Add(1)
		go func(v hv.VirtualCPU) {
			defer m.vcpuWG.Done()
			v.RunThreaded(m.ctx, m.barrier, m.bus)
		}(vcpu)
	}
	go func() {
		m.vcpuWG.Wait()
		m.cancel()
	}()
	return m.loop.Run(m.ctx.Done())
}

// Shutdown cancels the run context and waits for every vCPU thread to
// return.
func (m *Machine) Shutdown() {
	m.cancel()
	m.vcpuWG.Wait()
}

// Pause implements control.Controller: it asks every vCPU to exit its
// run call; each vCPU thread then waits at the barrier until a later
// Resume releases it.
func (m *Machine) Pause() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := 0; i < m.vm.NumVCPUs(); i++ {
		vcpu, err := m.vm.VCPU(i)
		if err != nil {
			return err
		}
		if err := vcpu.Pause(); err != nil {
			return err
		}
	}
	return nil
}

// Resume implements control.Controller: it releases the barrier every
// vCPU thread is waiting at.
func (m *Machine) Resume() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.barrier.Release()
	return nil
}

// snapshotState is the .state side-file's YAML shape (§10.5): GIC
// registers, the vCPU register-id list queried once, and per-vCPU
// register values plus MP-state.
type snapshotState struct {
	GIC   hv.GICState        `yaml:"gic"`
	VCPUs []vcpuSnapshot     `yaml:"vcpus"`
}

type vcpuSnapshot struct {
	ID      int      `yaml:"id"`
	RegIDs  []uint64 `yaml:"reg_ids"`
	RegBuf  []byte   `yaml:"reg_buf"`
	MPState uint32   `yaml:"mp_state"`
}

// Snapshot implements control.Controller: it writes the raw guest-RAM
// image to path and a companion "<path>.state" YAML side file holding
// GIC state and every vCPU's registers and MP-state.
func (m *Machine) Snapshot(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.dumpRAM(path); err != nil {
		return err
	}

	gic, err := m.vm.GICState()
	if err != nil {
		return fmt.Errorf("machine: snapshot gic state: %w", err)
	}

	var vcpus []vcpuSnapshot
	var ids []hv.RegisterID
	for i := 0; i < m.vm.NumVCPUs(); i++ {
		vcpu, err := m.vm.VCPU(i)
		if err != nil {
			return fmt.Errorf("machine: snapshot vcpu %d: %w", i, err)
		}
		if ids == nil {
			ids, err = vcpu.RegList()
			if err != nil {
				return fmt.Errorf("machine: snapshot vcpu %d reg list: %w", i, err)
			}
		}
		buf := make([]byte, len(ids)*24) // generous upper bound per register
		n, err := vcpu.SaveRegs(ids, buf)
		if err != nil {
			return fmt.Errorf("machine: snapshot vcpu %d regs: %w", i, err)
		}
		mp, err := vcpu.MPState()
		if err != nil {
			return fmt.Errorf("machine: snapshot vcpu %d mpstate: %w", i, err)
		}
		rawIDs := make([]uint64, len(ids))
		for j, id := range ids {
			rawIDs[j] = uint64(id)
		}
		vcpus = append(vcpus, vcpuSnapshot{ID: i, RegIDs: rawIDs, RegBuf: buf[:n], MPState: mp})
	}

	state := snapshotState{GIC: gic, VCPUs: vcpus}
	data, err := yaml.Marshal(state)
	if err != nil {
		return fmt.Errorf("machine: marshal snapshot state: %w", err)
	}
	statePath := path + ".state"
	f, err := os.OpenFile(statePath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("machine: open %s: %w", statePath, err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("machine: write %s: %w", statePath, err)
	}
	return f.Sync()
}

func (m *Machine) dumpRAM(path string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("machine: open %s: %w", path, err)
	}
	defer f.Close()

	const chunk = 1 << 20
	buf := make([]byte, chunk)
	size := m.guest.Size()
	for off := uint64(0); off < size; off += chunk {
		n := chunk
		if rem := size - off; rem < uint64(n) {
			n = int(rem)
		}
		if err := m.guest.Read(m.guest.Base()+off, buf[:n]); err != nil {
			return fmt.Errorf("machine: read guest ram at 0x%x: %w", off, err)
		}
		if _, err := f.Write(buf[:n]); err != nil {
			return fmt.Errorf("machine: write %s at 0x%x: %w", path, off, err)
		}
	}
	return f.Sync()
}

// EventLoop returns the machine's event loop, so the control socket
// (owned by the caller, since it needs the Controller interface this
// package implements) can register itself as another source.
func (m *Machine) EventLoop() *eventloop.Loop { return m.loop }

// Close releases every resource acquired by New, in reverse order.
func (m *Machine) Close() error {
	m.loop.Close()
	return m.vm.Close()
}

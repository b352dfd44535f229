// Package config loads the YAML machine description named by the
// --config_path flag, using gopkg.in/yaml.v3, the same library the
// reference pack's bundling and site-config tooling uses for its own
// structured configuration files.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Machine is the top-level configuration tree. Field names match the
// section/option layout of the configuration surface: one section per
// top-level key, repeatable sections as slices.
type Machine struct {
	Machine  MachineSection `yaml:"machine"`
	Kernel   KernelSection  `yaml:"kernel"`
	UART     UARTSection    `yaml:"uart"`
	Drives   []Drive        `yaml:"drives"`
	Networks []Network      `yaml:"networks"`
	Pmems    []Pmem         `yaml:"pmems"`
	GDB      GDBSection     `yaml:"gdb"`
	Control  ControlSection `yaml:"control"`
}

type MachineSection struct {
	VCPUs    uint32 `yaml:"vcpus"`
	MemoryMB uint32 `yaml:"memory_mb"`
	Cmdline  string `yaml:"cmdline"`
}

type KernelSection struct {
	Path string `yaml:"path"`
}

type UARTSection struct {
	Enabled bool `yaml:"enabled"`
}

type Drive struct {
	Path     string `yaml:"path"`
	ReadOnly bool   `yaml:"read_only"`
	IOUring  bool   `yaml:"io_uring"`
	Rootfs   bool   `yaml:"rootfs"`
}

type Network struct {
	DevName string  `yaml:"dev_name"`
	MAC     *[6]byte `yaml:"mac"`
	Vhost   bool    `yaml:"vhost"`
}

type Pmem struct {
	Path   string `yaml:"path"`
	Rootfs bool   `yaml:"rootfs"`
}

type GDBSection struct {
	SocketPath string `yaml:"socket_path"`
}

// ControlSection names the unix-domain command socket's path. Not
// spelled out as its own top-level section in the CLI surface table,
// but the control API's contract requires "a path from configuration"
// — this mirrors the gdb section's shape for the same kind of setting.
type ControlSection struct {
	SocketPath string `yaml:"socket_path"`
}

// Load reads and parses the configuration file at path. A missing file
// or malformed YAML is a Reported error: the caller is expected to log
// it and exit, never panic.
func Load(path string) (*Machine, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var m Machine
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := m.validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	if m.Control.SocketPath == "" {
		m.Control.SocketPath = path + ".sock"
	}
	return &m, nil
}

func (m *Machine) validate() error {
	if m.Machine.VCPUs == 0 {
		return fmt.Errorf("machine.vcpus must be nonzero")
	}
	if m.Machine.MemoryMB == 0 {
		return fmt.Errorf("machine.memory_mb must be nonzero")
	}
	if m.Kernel.Path == "" {
		return fmt.Errorf("kernel.path is required")
	}
	rootfsDrives := 0
	for _, d := range m.Drives {
		if d.Rootfs {
			rootfsDrives++
		}
	}
	if rootfsDrives > 1 {
		return fmt.Errorf("at most one drive may set rootfs")
	}
	return nil
}

// Package config defines the launcher's declarative input file and loads it
// with encoding/json — the same "small tagged struct read from disk" shape
// the teacher uses for its kit manifests. Parsing the file is an external
// concern (out of scope for the supervision engine itself); this package
// only owns the Config type, its defaults, and binary discovery for the
// external tools the launcher spawns.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
)

// ConsoleMode selects how the hypervisor's console is wired.
type ConsoleMode int

const (
	ConsoleOff ConsoleMode = iota
	ConsoleOn
	ConsoleLog
	ConsoleSerial
)

func (m ConsoleMode) String() string {
	switch m {
	case ConsoleOff:
		return "off"
	case ConsoleOn:
		return "on"
	case ConsoleLog:
		return "log"
	case ConsoleSerial:
		return "serial"
	default:
		return "unknown"
	}
}

func (m ConsoleMode) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.String())
}

func (m *ConsoleMode) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	switch s {
	case "", "off":
		*m = ConsoleOff
	case "on":
		*m = ConsoleOn
	case "log":
		*m = ConsoleLog
	case "serial":
		*m = ConsoleSerial
	default:
		return fmt.Errorf("console.mode: unknown mode %q", s)
	}
	return nil
}

// InodeFileHandles selects the virtiofs inode-file-handle policy for a share.
type InodeFileHandles int

const (
	InodeFileHandlesNever InodeFileHandles = iota
	InodeFileHandlesPrefer
	InodeFileHandlesMandatory
)

func (p InodeFileHandles) String() string {
	switch p {
	case InodeFileHandlesNever:
		return "never"
	case InodeFileHandlesPrefer:
		return "prefer"
	case InodeFileHandlesMandatory:
		return "mandatory"
	default:
		return "unknown"
	}
}

func (p InodeFileHandles) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

func (p *InodeFileHandles) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	switch s {
	case "", "never":
		*p = InodeFileHandlesNever
	case "prefer":
		*p = InodeFileHandlesPrefer
	case "mandatory":
		*p = InodeFileHandlesMandatory
	default:
		return fmt.Errorf("inode_file_handles: unknown policy %q", s)
	}
	return nil
}

// DiskFormat selects the on-disk image format.
type DiskFormat int

const (
	FormatQcow2 DiskFormat = iota
	FormatRaw
)

func (f DiskFormat) String() string {
	switch f {
	case FormatQcow2:
		return "qcow2"
	case FormatRaw:
		return "raw"
	default:
		return "unknown"
	}
}

func (f DiskFormat) MarshalJSON() ([]byte, error) {
	return json.Marshal(f.String())
}

func (f *DiskFormat) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	switch s {
	case "", "qcow2":
		*f = FormatQcow2
	case "raw":
		*f = FormatRaw
	default:
		return fmt.Errorf("disk.format: unknown format %q", s)
	}
	return nil
}

// Share describes a host directory exported to the guest over virtio-fs.
// Write defaults to true when omitted from JSON, matching the original
// config's Default impl for Share.
type Share struct {
	Source           string           `json:"source"`
	Tag              string           `json:"tag"`
	Write            bool             `json:"write"`
	InodeFileHandles InodeFileHandles `json:"inode_file_handles"`
}

// UnmarshalJSON applies Share's field defaults (write=true) before
// overlaying whatever the JSON actually specifies.
func (s *Share) UnmarshalJSON(data []byte) error {
	type shadow struct {
		Source           string           `json:"source"`
		Tag              string           `json:"tag"`
		Write            *bool            `json:"write"`
		InodeFileHandles InodeFileHandles `json:"inode_file_handles"`
	}
	sh := shadow{Write: boolPtr(true)}
	if err := json.Unmarshal(data, &sh); err != nil {
		return err
	}
	s.Source = sh.Source
	s.Tag = sh.Tag
	s.Write = *sh.Write
	s.InodeFileHandles = sh.InodeFileHandles
	return nil
}

// Disk describes a block device attached to the guest. Write and Create
// both default to true when omitted from JSON, matching the original
// config's Default impl for Disk.
type Disk struct {
	Source *string    `json:"source,omitempty"`
	Tag    string     `json:"tag"`
	Write  bool       `json:"write"`
	Create bool       `json:"create"`
	SizeMB uint64     `json:"size"`
	Format DiskFormat `json:"format"`
}

// UnmarshalJSON applies Disk's field defaults (write=true, create=true)
// before overlaying whatever the JSON actually specifies.
func (d *Disk) UnmarshalJSON(data []byte) error {
	type shadow struct {
		Source *string    `json:"source,omitempty"`
		Tag    string     `json:"tag"`
		Write  *bool      `json:"write"`
		Create *bool      `json:"create"`
		SizeMB uint64     `json:"size"`
		Format DiskFormat `json:"format"`
	}
	sh := shadow{Write: boolPtr(true), Create: boolPtr(true)}
	if err := json.Unmarshal(data, &sh); err != nil {
		return err
	}
	d.Source = sh.Source
	d.Tag = sh.Tag
	d.Write = *sh.Write
	d.Create = *sh.Create
	d.SizeMB = sh.SizeMB
	d.Format = sh.Format
	return nil
}

func boolPtr(b bool) *bool {
	return &b
}

// Filesystem groups the ordered shares and disks declared for the VM.
type Filesystem struct {
	Shares []Share `json:"shares"`
	Disks  []Disk  `json:"disks"`
}

// CPU describes the guest's virtual CPU allocation.
type CPU struct {
	Cores uint64 `json:"cores"`
}

// Memory describes the guest's RAM allocation, in megabytes.
type Memory struct {
	SizeMB uint64 `json:"size"`
}

// Network describes whether the launcher should lease a tap device.
type Network struct {
	AssignTapDevice bool `json:"assign_tap_device"`
}

// Graphics describes whether a virtio-gpu sidecar should be wired up.
type Graphics struct {
	VirtioGPU bool `json:"virtio_gpu"`
}

// Console describes how the hypervisor's console/serial streams are wired.
type Console struct {
	Mode ConsoleMode `json:"mode"`
}

// Config is the launcher's complete, immutable-after-load input.
type Config struct {
	KernelPath string     `json:"kernel_path"`
	InitrdPath string     `json:"initrd_path"`
	Cmdline    string     `json:"cmdline"`
	CPU        CPU        `json:"cpu"`
	Memory     Memory     `json:"memory"`
	Filesystem Filesystem `json:"filesystem"`
	Network    Network    `json:"network"`
	Graphics   Graphics   `json:"graphics"`
	Console    Console    `json:"console"`
}

// Default returns a Config populated with the same defaults as the original
// implementation: one core, 1024MB RAM, no shares/disks, no tap device, no
// graphics, console off.
func Default() Config {
	return Config{
		CPU:    CPU{Cores: 1},
		Memory: Memory{SizeMB: 1024},
	}
}

// Load reads and parses a Config from a JSON file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := Default()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.CPU.Cores == 0 {
		cfg.CPU.Cores = 1
	}
	if cfg.Memory.SizeMB == 0 {
		cfg.Memory.SizeMB = 1024
	}
	return cfg, nil
}

// FindBinary locates an external tool by name. Search order:
//  1. PATH (exec.LookPath)
//  2. Known system paths used by distro packaging of cloud-hypervisor,
//     virtiofsd, and crosvm.
//
// Returns the absolute path, or "" if not found.
func FindBinary(name string) string {
	if p, err := exec.LookPath(name); err == nil {
		return p
	}
	for _, dir := range []string{"/usr/libexec", "/usr/local/bin", "/usr/bin"} {
		p := dir + "/" + name
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

package launch

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/contain-vm/contain/internal/config"
)

// virtiofsdArgv builds the argv for one virtiofs sidecar, wire-exact per
// the external virtiofsd contract the launcher depends on.
func virtiofsdArgv(share config.Share, socketPath string) []string {
	args := []string{
		"--socket-path=" + socketPath,
		"--tag=" + share.Tag,
		"--shared-dir=" + share.Source,
	}
	if !share.Write {
		args = append(args, "--readonly")
	}
	return args
}

// gpuDeviceParams is the JSON body crosvm expects for its --params flag.
type gpuDeviceParams struct {
	ContextTypes string       `json:"context-types"`
	Displays     []gpuDisplay `json:"displays"`
	EGL          bool         `json:"egl"`
	Vulkan       bool         `json:"vulkan"`
}

type gpuDisplay struct {
	Hidden bool `json:"hidden"`
}

// gpuArgv builds the argv for the virtio-gpu sidecar. The params JSON is
// built with encoding/json rather than string concatenation so the wire
// format can't drift from what's actually valid JSON.
func gpuArgv(socketPath, waylandSocket string) ([]string, error) {
	params := gpuDeviceParams{
		ContextTypes: "virgl:virgl2:cross-domain",
		Displays:     []gpuDisplay{{Hidden: true}},
		EGL:          true,
		Vulkan:       true,
	}
	data, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal gpu device params: %w", err)
	}
	return []string{
		"device", "gpu",
		"--socket=" + socketPath,
		"--wayland-sock=" + waylandSocket,
		"--params=" + string(data),
	}, nil
}

// hypervisorArgs describes everything the hypervisor argv builder needs
// beyond the static Config — the paths assembled during acquire.
type hypervisorArgs struct {
	KernelPath    string
	InitrdPath    string
	Cmdline       string
	Cores         uint64
	MemoryMB      uint64
	ConsoleMode   config.ConsoleMode
	GPUSocket     string // "" if graphics disabled
	Shares        []shareSocket
	Disks         []diskSpec
	TapName       string // "" if no tap leased
}

type shareSocket struct {
	Tag        string
	SocketPath string
}

// diskSpec is a disk with its path already resolved (Config.Disk.Source is
// optional; the controller fills in a default under vm_dir when absent
// before building argv — see resolveDiskPath).
type diskSpec struct {
	Path  string
	Tag   string
	Write bool
}

// hypervisorArgv builds the cloud-hypervisor argv in the exact flag order
// the external binary requires.
func hypervisorArgv(a hypervisorArgs) []string {
	args := []string{
		"--kernel", a.KernelPath,
		"--initramfs", a.InitrdPath,
		"--cmdline", a.Cmdline,
		"--seccomp=true",
		"--memory", fmt.Sprintf("mergeable=on,shared=on,size=%dM", a.MemoryMB),
		"--cpus", fmt.Sprintf("boot=%d", a.Cores),
		"--watchdog",
	}

	consoleTTY := a.ConsoleMode == config.ConsoleOn || a.ConsoleMode == config.ConsoleLog
	serialTTY := a.ConsoleMode == config.ConsoleSerial
	args = append(args, "--console", ttyOrNull(consoleTTY))
	args = append(args, "--serial", ttyOrNull(serialTTY))

	if a.GPUSocket != "" {
		args = append(args, "--gpu", "socket="+a.GPUSocket)
	}
	for _, s := range a.Shares {
		args = append(args, "--fs", fmt.Sprintf("socket=%s,tag=%s", s.SocketPath, s.Tag))
	}
	for _, d := range a.Disks {
		abs, _ := filepath.Abs(d.Path)
		readonly := "on"
		if d.Write {
			readonly = "off"
		}
		args = append(args, "--disk", fmt.Sprintf("path=%s,serial=%s,readonly=%s", abs, d.Tag, readonly))
	}
	if a.TapName != "" {
		args = append(args, "--net", fmt.Sprintf("num_queues=%d,tap=%s", a.Cores, a.TapName))
	}

	return args
}

func ttyOrNull(tty bool) string {
	if tty {
		return "tty"
	}
	return "null"
}

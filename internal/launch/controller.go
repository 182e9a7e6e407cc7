// Package launch assembles the hypervisor and sidecar argv (this file's
// siblings) and drives the run controller — the top-level state machine
// described as "acquire → launch → wait → release". It is grounded on
// internal/lifecycle.Manager's explicit state handling and
// cmd/aegisd/main.go's acquire/serve/signal-wait/teardown shape, narrowed
// from "manage N named instances" to "run exactly one VM to completion".
package launch

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/contain-vm/contain/internal/config"
	"github.com/contain-vm/contain/internal/diskimage"
	"github.com/contain-vm/contain/internal/identifier"
	"github.com/contain-vm/contain/internal/launcherr"
	"github.com/contain-vm/contain/internal/readywait"
	"github.com/contain-vm/contain/internal/shutdown"
	"github.com/contain-vm/contain/internal/supervisor"
)

// TapLeaser leases and releases tap devices from the daemon. Satisfied by
// *tapclient.Client; tests substitute an in-memory fake.
type TapLeaser interface {
	Create(ctx context.Context, user string) (string, error)
	Delete(ctx context.Context, name string) error
}

// supportProc is one spawned sidecar: its handle, and the socket path the
// readiness waiter must see appear before the hypervisor is spawned.
type supportProc struct {
	label  string
	handle *supervisor.Handle
	socket string
}

// RunContext holds every host-side resource a single run acquires. It is
// built incrementally during acquire and consumed, in reverse, by teardown.
type RunContext struct {
	VMID     string
	VMDir    string
	TapName  string
	Supports []supportProc
	VMProc   *supervisor.Handle
	Shutdown *shutdown.Latch

	// VMExitErr is the hypervisor's own exit error, set by the exit observer
	// before it trips Shutdown. Only meaningful when Shutdown.Reason() is
	// hypervisorExitReason — a signal-triggered teardown also leaves the
	// hypervisor with a (killed-by-signal) exit error that is not a failure.
	VMExitErr error
}

// hypervisorExitReason is the Shutdown.Trip reason used exclusively by the
// hypervisor exit observer, so Run can tell "the guest is the reason we're
// stopping" apart from a signal or an internal fatal error.
const hypervisorExitReason = "hypervisor exited"

// Controller drives one VM through its entire lifecycle: INIT → SIDECARS →
// READY-WAIT → HYPERVISOR → RUNNING → TEARDOWN.
type Controller struct {
	Cfg config.Config

	// Environment, supplied by the caller rather than read from os.Getenv
	// directly so tests can drive every branch without touching the real
	// process environment.
	XDGRuntimeDir  string
	User           string
	WaylandDisplay string

	// External binaries. Default to the bare program name (resolved via
	// PATH at spawn time) when empty.
	CloudHypervisorBin string
	VirtiofsdBin       string
	CrosvmBin          string

	Tap TapLeaser

	// Logger is used as-is if the caller sets it; otherwise Run builds one
	// writing to LogOutput (default os.Stderr) prefixed with the run's
	// short vm_id once it is known, the same per-run-prefixed *log.Logger
	// construction the teacher uses for its own sidecar log files.
	Logger    *log.Logger
	LogOutput io.Writer

	// Shutdown, if set, is used as the run's shutdown latch instead of a
	// freshly allocated one — lets the caller wire signal delivery into the
	// same latch the controller awaits. If nil, Run allocates its own.
	Shutdown *shutdown.Latch
}

func (c *Controller) binary(name, override string) string {
	if override != "" {
		return override
	}
	return name
}

func (c *Controller) logf(format string, args ...interface{}) {
	if c.Logger != nil {
		c.Logger.Printf(format, args...)
	}
}

// Run executes the full lifecycle and returns the first error recorded
// during acquire or teardown. Run always tears down whatever it acquired,
// regardless of how it exits, except for failures that precede any side
// effect (see launcherr §7 propagation policy).
func (c *Controller) Run(ctx context.Context) error {
	if err := c.validate(); err != nil {
		return err
	}

	rc, err := c.acquireEnv()
	if err != nil {
		return err
	}

	// From here on, every error trips the shutdown latch instead of
	// unwinding directly, so teardown always runs for anything acquired.
	acquireErr := c.acquireResources(ctx, rc)
	if acquireErr != nil {
		rc.Shutdown.Trip("acquire failed: " + acquireErr.Error())
		return c.teardown(ctx, rc, acquireErr)
	}

	if err := c.spawnSidecars(rc); err != nil {
		rc.Shutdown.Trip("sidecar spawn failed: " + err.Error())
		return c.teardown(ctx, rc, err)
	}

	if err := readywait.All(ctx, socketPaths(rc.Supports), rc.Shutdown.Done()); err != nil {
		// A shutdown trip (e.g. a signal) abandoning the wait is a clean
		// exit, not a failure —
		// only a deadline passed via ctx without a shutdown is an error.
		if rc.Shutdown.Tripped() {
			return c.teardown(ctx, rc, nil)
		}
		rc.Shutdown.Trip("readiness wait failed: " + err.Error())
		return c.teardown(ctx, rc, err)
	}

	if rc.Shutdown.Tripped() {
		return c.teardown(ctx, rc, nil)
	}

	if err := c.spawnHypervisor(rc); err != nil {
		rc.Shutdown.Trip("hypervisor spawn failed: " + err.Error())
		return c.teardown(ctx, rc, err)
	}

	<-rc.Shutdown.Done()
	c.logf("vm %s: shutdown triggered (%s)", rc.VMID, rc.Shutdown.Reason())

	var runErr error
	if rc.Shutdown.Reason() == hypervisorExitReason && rc.VMExitErr != nil {
		runErr = launcherr.New(launcherr.Subprocess, "hypervisor", rc.VMExitErr)
	}
	return c.teardown(ctx, rc, runErr)
}

// validate rejects bad input before any side effect, per the propagation
// policy: validation errors abort immediately with no teardown.
func (c *Controller) validate() error {
	for _, s := range c.Cfg.Filesystem.Shares {
		if _, err := identifier.Validate(s.Tag); err != nil {
			return launcherr.New(launcherr.Validation, "share tag", err)
		}
	}
	for _, d := range c.Cfg.Filesystem.Disks {
		if _, err := identifier.Validate(d.Tag); err != nil {
			return launcherr.New(launcherr.Validation, "disk tag", err)
		}
	}
	if c.Cfg.Network.AssignTapDevice && c.User == "" {
		return launcherr.New(launcherr.EnvMissing, "USER", fmt.Errorf("required when network.assign_tap_device is set"))
	}
	if c.Cfg.Graphics.VirtioGPU && c.WaylandDisplay == "" {
		return launcherr.New(launcherr.EnvMissing, "WAYLAND_DISPLAY", fmt.Errorf("required when graphics.virtio_gpu is set"))
	}
	return nil
}

// acquireEnv performs the first side effect — creating vm_dir — and returns
// a RunContext ready for further acquisition. Errors here are still
// pre-side-effect (vm_dir does not exist yet) except the final MkdirAll,
// which is why RunContext is only handed back once vm_dir exists.
func (c *Controller) acquireEnv() (*RunContext, error) {
	if c.XDGRuntimeDir == "" {
		return nil, launcherr.New(launcherr.EnvMissing, "XDG_RUNTIME_DIR", fmt.Errorf("not set"))
	}
	if _, err := os.Stat(c.XDGRuntimeDir); err != nil {
		return nil, launcherr.New(launcherr.EnvMissing, "XDG_RUNTIME_DIR", err)
	}

	vmID, err := newVMID()
	if err != nil {
		return nil, launcherr.New(launcherr.Filesystem, "generate vm_id", err)
	}
	vmDir := filepath.Join(c.XDGRuntimeDir, "contain", vmID)
	if err := os.MkdirAll(vmDir, 0o700); err != nil {
		return nil, launcherr.New(launcherr.Filesystem, "create vm_dir", err)
	}

	latch := c.Shutdown
	if latch == nil {
		latch = shutdown.New()
	}

	if c.Logger == nil {
		out := c.LogOutput
		if out == nil {
			out = os.Stderr
		}
		c.Logger = log.New(out, vmID[:8]+" ", log.LstdFlags)
	}

	return &RunContext{
		VMID:     vmID,
		VMDir:    vmDir,
		Shutdown: latch,
	}, nil
}

// acquireResources leases the tap device, provisions disks, and verifies
// the remaining launch-time invariants (share sources, kernel/initrd,
// Wayland socket). All of these run after vm_dir exists, so any failure
// here must go through teardown rather than unwind directly.
func (c *Controller) acquireResources(ctx context.Context, rc *RunContext) error {
	if c.Cfg.Network.AssignTapDevice {
		name, err := c.Tap.Create(ctx, c.User)
		if err != nil {
			return launcherr.New(launcherr.IPC, "lease tap device", err)
		}
		rc.TapName = name
	}

	for _, s := range c.Cfg.Filesystem.Shares {
		if fi, err := os.Stat(s.Source); err != nil || !fi.IsDir() {
			return launcherr.New(launcherr.Filesystem, "share source "+s.Source, fmt.Errorf("does not exist or is not a directory"))
		}
	}

	for _, d := range c.Cfg.Filesystem.Disks {
		if !d.Create {
			continue
		}
		if err := writeDiskImage(d, rc.VMDir); err != nil {
			return err
		}
	}

	if c.Cfg.Graphics.VirtioGPU {
		socket := filepath.Join(c.XDGRuntimeDir, c.WaylandDisplay)
		if _, err := os.Stat(socket); err != nil {
			return launcherr.New(launcherr.EnvMissing, "WAYLAND_DISPLAY socket "+socket, err)
		}
	}

	if _, err := os.Stat(c.Cfg.KernelPath); err != nil {
		return launcherr.New(launcherr.Filesystem, "kernel path "+c.Cfg.KernelPath, err)
	}
	if _, err := os.Stat(c.Cfg.InitrdPath); err != nil {
		return launcherr.New(launcherr.Filesystem, "initrd path "+c.Cfg.InitrdPath, err)
	}

	return nil
}

// spawnSidecars starts virtiofsd per share, then the GPU sidecar if
// graphics is enabled, recording each in rc.Supports in spawn order (the
// order teardown kills them in).
func (c *Controller) spawnSidecars(rc *RunContext) error {
	for _, s := range c.Cfg.Filesystem.Shares {
		sockName := "virtio-fs-" + s.Tag + ".sock"
		args := virtiofsdArgv(s, sockName)
		h, err := supervisor.Spawn(supervisor.Command{
			Program: c.binary("virtiofsd", c.VirtiofsdBin),
			Args:    args,
			Dir:     rc.VMDir,
			Stdio:   supervisor.StdioNull,
		})
		if err != nil {
			return err
		}
		rc.Supports = append(rc.Supports, supportProc{
			label:  "virtiofsd:" + s.Tag,
			handle: h,
			socket: filepath.Join(rc.VMDir, sockName),
		})
	}

	if c.Cfg.Graphics.VirtioGPU {
		sockName := "virtio-gpu.sock"
		waylandAbs := filepath.Join(c.XDGRuntimeDir, c.WaylandDisplay)
		args, err := gpuArgv(sockName, waylandAbs)
		if err != nil {
			return launcherr.New(launcherr.Subprocess, "build gpu sidecar argv", err)
		}
		h, err := supervisor.Spawn(supervisor.Command{
			Program: c.binary("crosvm", c.CrosvmBin),
			Args:    args,
			Dir:     rc.VMDir,
			Stdio:   supervisor.StdioNull,
		})
		if err != nil {
			return err
		}
		rc.Supports = append(rc.Supports, supportProc{
			label:  "gpu",
			handle: h,
			socket: filepath.Join(rc.VMDir, sockName),
		})
	}

	return nil
}

// spawnHypervisor assembles the cloud-hypervisor argv and starts it, then
// registers a one-shot observer that trips the shutdown latch on exit —
// whatever the exit reason, a dead hypervisor always means the run is over.
func (c *Controller) spawnHypervisor(rc *RunContext) error {
	var shares []shareSocket
	for _, p := range rc.Supports {
		if p.label == "gpu" {
			continue
		}
		shares = append(shares, shareSocket{
			Tag:        p.label[len("virtiofsd:"):],
			SocketPath: filepath.Base(p.socket),
		})
	}
	gpuSocket := ""
	for _, p := range rc.Supports {
		if p.label == "gpu" {
			gpuSocket = filepath.Base(p.socket)
		}
	}

	disks := make([]diskSpec, len(c.Cfg.Filesystem.Disks))
	for i, d := range c.Cfg.Filesystem.Disks {
		disks[i] = diskSpec{
			Path:  resolveDiskPath(d, rc.VMDir),
			Tag:   d.Tag,
			Write: d.Write,
		}
	}

	args := hypervisorArgv(hypervisorArgs{
		KernelPath:  c.Cfg.KernelPath,
		InitrdPath:  c.Cfg.InitrdPath,
		Cmdline:     c.Cfg.Cmdline,
		Cores:       c.Cfg.CPU.Cores,
		MemoryMB:    c.Cfg.Memory.SizeMB,
		ConsoleMode: c.Cfg.Console.Mode,
		GPUSocket:   gpuSocket,
		Shares:      shares,
		Disks:       disks,
		TapName:     rc.TapName,
	})

	stdio := hypervisorStdio(c.Cfg.Console.Mode)
	h, err := supervisor.Spawn(supervisor.Command{
		Program: c.binary("cloud-hypervisor", c.CloudHypervisorBin),
		Args:    args,
		Dir:     rc.VMDir,
		Stdio:   stdio,
		Logger:  c.Logger,
	})
	if err != nil {
		return err
	}
	rc.VMProc = h

	go func() {
		rc.VMExitErr = h.Wait()
		rc.Shutdown.Trip(hypervisorExitReason)
	}()

	return nil
}

// hypervisorStdio derives the hypervisor's stdio wiring from console mode:
// Off → Null, Log → Log, On and Serial → Piped.
func hypervisorStdio(mode config.ConsoleMode) supervisor.Stdio {
	switch mode {
	case config.ConsoleLog:
		return supervisor.StdioLog
	case config.ConsoleOn, config.ConsoleSerial:
		return supervisor.StdioPiped
	default:
		return supervisor.StdioNull
	}
}

// teardown reverses every acquired resource in the fixed order spec.md
// requires: hypervisor first, then sidecars, then the tap lease, then
// vm_dir. It records the first error but runs every step regardless,
// since leaking a resource is worse than a terser error.
func (c *Controller) teardown(ctx context.Context, rc *RunContext, firstErr error) error {
	record := func(err error) {
		if firstErr == nil {
			firstErr = err
		}
	}

	// A child that has already exited (e.g. the hypervisor after a guest
	// shutdown) reports os.ErrProcessDone from Kill; that is not a failure.
	if rc.VMProc != nil {
		if err := rc.VMProc.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			record(err)
		}
		rc.VMProc.Wait()
	}

	for _, p := range rc.Supports {
		if err := p.handle.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			record(launcherr.New(launcherr.Subprocess, "kill "+p.label, err))
		}
	}
	for _, p := range rc.Supports {
		p.handle.Wait()
	}

	if rc.TapName != "" {
		if err := c.Tap.Delete(ctx, rc.TapName); err != nil {
			record(launcherr.New(launcherr.IPC, "release tap device "+rc.TapName, err))
		}
	}

	if err := os.RemoveAll(rc.VMDir); err != nil {
		record(launcherr.New(launcherr.Filesystem, "remove vm_dir "+rc.VMDir, err))
	}

	return firstErr
}

func socketPaths(supports []supportProc) []string {
	out := make([]string, len(supports))
	for i, p := range supports {
		out[i] = p.socket
	}
	return out
}

// newVMID returns 32 lowercase hex characters, the raw bytes of a random
// UUID with the canonical dashes stripped out.
func newVMID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(id[:]), nil
}

// resolveDiskPath returns the path d's image lives (or will be created) at.
// Disk.Source is optional: when omitted, the image is created under the
// VM's own working directory named after the disk's tag — spec.md leaves
// this default unspecified (see DESIGN.md).
func resolveDiskPath(d config.Disk, vmDir string) string {
	if d.Source != nil && *d.Source != "" {
		return *d.Source
	}
	return filepath.Join(vmDir, d.Tag+diskExt(d.Format))
}

// writeDiskImage materializes d's image unless the path already exists. It
// does not look at d.Create; acquireResources only calls it for disks with
// create=true.
func writeDiskImage(d config.Disk, vmDir string) error {
	path := resolveDiskPath(d, vmDir)
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return launcherr.New(launcherr.DiskProvisioning, "create parent dirs for "+path, err)
		}
	}
	return diskimage.WriteImage(path, d.Format, d.SizeMB)
}

func diskExt(f config.DiskFormat) string {
	if f == config.FormatRaw {
		return ".raw"
	}
	return ".qcow2"
}

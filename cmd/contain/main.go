// contain is the per-VM launcher: it reads a declarative config file,
// prepares the runtime directory, leases a tap device and creates disk
// images as needed, spawns the hypervisor and its sidecars, waits for
// readiness, then tears everything down on signal or guest exit.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/contain-vm/contain/internal/config"
	"github.com/contain-vm/contain/internal/launch"
	"github.com/contain-vm/contain/internal/shutdown"
	"github.com/contain-vm/contain/internal/tapclient"
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage: %s <config.json>\n", os.Args[0])
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	if len(os.Args) != 2 {
		usage()
		os.Exit(1)
	}

	cfg, err := config.Load(os.Args[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "contain: %v\n", err)
		os.Exit(1)
	}

	latch := shutdown.New()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGHUP)
	go func() {
		sig := <-sigCh
		latch.Trip(fmt.Sprintf("signal %v", sig))
	}()

	c := &launch.Controller{
		Cfg:                cfg,
		XDGRuntimeDir:      os.Getenv("XDG_RUNTIME_DIR"),
		User:               os.Getenv("USER"),
		WaylandDisplay:     os.Getenv("WAYLAND_DISPLAY"),
		CloudHypervisorBin: config.FindBinary("cloud-hypervisor"),
		VirtiofsdBin:       config.FindBinary("virtiofsd"),
		CrosvmBin:          config.FindBinary("crosvm"),
		Tap:                tapclient.New(tapclient.DefaultSocketPath),
		Shutdown:           latch,
	}

	if err := c.Run(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "contain: %v\n", err)
		os.Exit(1)
	}
}

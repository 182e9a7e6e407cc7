// containd is the privileged tap-device daemon: it exposes a tiny
// unix-socket HTTP API that lets unprivileged launchers create and delete
// host tap interfaces they cannot manage directly.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/contain-vm/contain/internal/tapclient"
	"github.com/contain-vm/contain/internal/tapdaemon"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	socketPath := tapclient.DefaultSocketPath
	if v := os.Getenv("CONTAIND_SOCKET"); v != "" {
		socketPath = v
	}

	tapdaemon.ReapOrphans()

	srv, err := tapdaemon.New(socketPath)
	if err != nil {
		log.Fatalf("containd: %v", err)
	}

	go func() {
		if err := srv.Serve(); err != nil {
			log.Fatalf("containd: serve: %v", err)
		}
	}()
	log.Printf("containd ready (socket %s)", socketPath)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	log.Printf("received %v, shutting down", sig)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("shutdown: %v", err)
	}
	log.Println("containd stopped")
}

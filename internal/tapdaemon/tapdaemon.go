// Package tapdaemon implements the privileged half of the system: a tiny
// JSON-over-unix-socket HTTP API for tap device lifecycle, plus orphan-tap
// reaping at startup. Routing uses the Go 1.22 http.ServeMux "METHOD /path"
// patterns, the idiom the teacher's own aegisd main() is built around.
// Shelling out to `ip` for device creation/teardown is grounded directly on
// the teacher's createTap/destroyTap (internal/vmm/cloudhv.go).
package tapdaemon

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strings"

	"github.com/contain-vm/contain/internal/identifier"
)

// ManagedPrefix names every tap device this daemon creates and is willing
// to delete. A delete request for a name outside this prefix is refused.
const ManagedPrefix = "contain-"

const suffixAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// Server is the tap daemon's unix-socket HTTP listener.
type Server struct {
	SocketPath string
	httpServer *http.Server
	listener   net.Listener
}

// New builds a Server bound to socketPath, removing any stale socket file
// left behind by a previous run and granting world read/write access — the
// same permissive local-IPC posture as the original daemon.
func New(socketPath string) (*Server, error) {
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("remove stale socket %s: %w", socketPath, err)
	}

	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", socketPath, err)
	}
	if err := os.Chmod(socketPath, 0o666); err != nil {
		ln.Close()
		return nil, fmt.Errorf("chmod %s: %w", socketPath, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/net/tap", handleTapCreate)
	mux.HandleFunc("DELETE /api/net/tap", handleTapDelete)

	return &Server{
		SocketPath: socketPath,
		httpServer: &http.Server{Handler: mux},
		listener:   ln,
	}, nil
}

// Serve blocks, accepting connections until the listener is closed.
// http.ErrServerClosed is swallowed, matching net/http's own convention for
// a clean shutdown.
func (s *Server) Serve() error {
	if err := s.httpServer.Serve(s.listener); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server and removes the socket file.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	os.Remove(s.SocketPath)
	return err
}

// ReapOrphans deletes any managed-prefix tap device left over from a
// previous daemon crash. Grounded on the teacher's cleanupOrphanedTaps,
// called once at startup before Serve.
func ReapOrphans() {
	ifaces, err := net.Interfaces()
	if err != nil {
		return
	}
	for _, iface := range ifaces {
		if strings.HasPrefix(iface.Name, ManagedPrefix) {
			log.Printf("tapdaemon: reaping orphaned tap %s", iface.Name)
			runIP("link", "delete", iface.Name)
		}
	}
}

func handleTapCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		User string `json:"user"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if _, err := identifier.Validate(req.User); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	name := ManagedPrefix + randomSuffix(7)

	if err := runIP("tuntap", "add", "name", name, "mode", "tap", "user", req.User, "vnet_hdr", "multi_queue"); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if err := runIP("link", "set", name, "up"); err != nil {
		runIP("link", "delete", name)
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(struct {
		Name string `json:"name"`
	}{Name: name})
}

func handleTapDelete(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if !strings.HasPrefix(req.Name, ManagedPrefix) {
		writeError(w, http.StatusForbidden, fmt.Errorf("%q is not a managed tap device", req.Name))
		return
	}

	if err := runIP("link", "delete", req.Name); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(struct {
		Error string `json:"error"`
	}{Error: err.Error()})
}

func runIP(args ...string) error {
	cmd := exec.Command("ip", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("ip %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return nil
}

func randomSuffix(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		for i := range buf {
			buf[i] = byte(i)
		}
	}
	out := make([]byte, n)
	for i, b := range buf {
		out[i] = suffixAlphabet[int(b)%len(suffixAlphabet)]
	}
	return string(out)
}

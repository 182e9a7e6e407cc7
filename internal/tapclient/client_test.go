package tapclient

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
)

func startTestDaemon(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "contain.sock")

	ln, err := net.Listen("unix", sockPath)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/net/tap", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			User string `json:"user"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.User == "" {
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]string{"error": "invalid user"})
			return
		}
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]string{"name": "contain-ab12cd"})
	})
	mux.HandleFunc("DELETE /api/net/tap", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Name string `json:"name"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if req.Name != "contain-ab12cd" {
			w.WriteHeader(http.StatusForbidden)
			json.NewEncoder(w).Encode(map[string]string{"error": "not managed"})
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})

	srv := &http.Server{Handler: mux}
	go srv.Serve(ln)
	t.Cleanup(func() { srv.Close() })

	return sockPath
}

func TestCreate_Success(t *testing.T) {
	sock := startTestDaemon(t)
	c := New(sock)

	name, err := c.Create(context.Background(), "alice")
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if name != "contain-ab12cd" {
		t.Errorf("name = %q, want contain-ab12cd", name)
	}
}

func TestCreate_RejectsBadUser(t *testing.T) {
	sock := startTestDaemon(t)
	c := New(sock)

	if _, err := c.Create(context.Background(), ""); err == nil {
		t.Fatal("expected error for empty user")
	}
}

func TestDelete_Success(t *testing.T) {
	sock := startTestDaemon(t)
	c := New(sock)

	if err := c.Delete(context.Background(), "contain-ab12cd"); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
}

func TestDelete_RejectsUnmanagedName(t *testing.T) {
	sock := startTestDaemon(t)
	c := New(sock)

	if err := c.Delete(context.Background(), "eth0"); err == nil {
		t.Fatal("expected error for unmanaged interface name")
	}
}

func TestCreate_UnreachableSocket(t *testing.T) {
	c := New(filepath.Join(t.TempDir(), "nonexistent.sock"))
	if _, err := c.Create(context.Background(), "alice"); err == nil {
		t.Fatal("expected error when daemon unreachable")
	}
}

func TestDefaultSocketPath(t *testing.T) {
	if DefaultSocketPath != "/run/contain.sock" {
		t.Errorf("DefaultSocketPath = %q", DefaultSocketPath)
	}
	if _, err := os.Stat(filepath.Dir(DefaultSocketPath)); err != nil {
		t.Skip("/run not present in this environment, skipping path sanity check")
	}
}

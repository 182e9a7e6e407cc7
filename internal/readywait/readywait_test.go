package readywait

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestAll_ReturnsImmediatelyWhenNoPaths(t *testing.T) {
	if err := All(context.Background(), nil, nil); err != nil {
		t.Fatalf("All() error: %v", err)
	}
}

func TestAll_WaitsForAllSockets(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.sock")
	b := filepath.Join(dir, "b.sock")

	// a exists up front; b appears after a short delay.
	if err := os.WriteFile(a, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	go func() {
		time.Sleep(250 * time.Millisecond)
		os.WriteFile(b, nil, 0o644)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	start := time.Now()
	if err := All(ctx, []string{a, b}, nil); err != nil {
		t.Fatalf("All() error: %v", err)
	}
	if time.Since(start) < 200*time.Millisecond {
		t.Error("All() returned before the second socket was created — only waited for the first")
	}
}

func TestAll_DeadlineExceeded(t *testing.T) {
	dir := t.TempDir()
	missing := filepath.Join(dir, "never.sock")

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	if err := All(ctx, []string{missing}, nil); err == nil {
		t.Fatal("expected error when socket never appears")
	}
}

func TestAll_ShutdownInterrupts(t *testing.T) {
	dir := t.TempDir()
	missing := filepath.Join(dir, "never.sock")

	shutdown := make(chan struct{})
	go func() {
		time.Sleep(50 * time.Millisecond)
		close(shutdown)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	start := time.Now()
	if err := All(ctx, []string{missing}, shutdown); err == nil {
		t.Fatal("expected error when shutdown fires")
	}
	if time.Since(start) > time.Second {
		t.Error("All() did not return promptly after shutdown closed")
	}
}

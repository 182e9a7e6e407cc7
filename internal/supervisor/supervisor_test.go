package supervisor

import (
	"bytes"
	"log"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestSpawn_WaitReturnsExitError(t *testing.T) {
	h, err := Spawn(Command{Program: "false"})
	if err != nil {
		t.Fatalf("Spawn() error: %v", err)
	}
	if err := h.Wait(); err == nil {
		t.Fatal("expected non-nil error from `false`")
	}
}

func TestSpawn_WaitSucceeds(t *testing.T) {
	h, err := Spawn(Command{Program: "true"})
	if err != nil {
		t.Fatalf("Spawn() error: %v", err)
	}
	if err := h.Wait(); err != nil {
		t.Fatalf("Wait() error: %v", err)
	}
}

func TestWait_MemoizedAcrossGoroutines(t *testing.T) {
	h, err := Spawn(Command{Program: "sleep", Args: []string{"0.1"}})
	if err != nil {
		t.Fatalf("Spawn() error: %v", err)
	}

	var wg sync.WaitGroup
	results := make([]error, 10)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = h.Wait()
		}(i)
	}
	wg.Wait()

	for i, err := range results {
		if err != nil {
			t.Errorf("Wait() call %d returned %v, want nil", i, err)
		}
	}
}

func TestDone_ClosesAfterWait(t *testing.T) {
	h, err := Spawn(Command{Program: "true"})
	if err != nil {
		t.Fatalf("Spawn() error: %v", err)
	}
	go h.Wait()

	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Done() never closed")
	}
}

func TestKillAndWait_IgnoresKillExitStatus(t *testing.T) {
	h, err := Spawn(Command{Program: "sleep", Args: []string{"10"}})
	if err != nil {
		t.Fatalf("Spawn() error: %v", err)
	}
	if err := h.KillAndWait(); err != nil {
		t.Fatalf("KillAndWait() error: %v", err)
	}
}

func TestSpawn_StdioLogForwardsStdout(t *testing.T) {
	var buf bytes.Buffer
	logger := log.New(&buf, "", 0)

	h, err := Spawn(Command{
		Program: "echo",
		Args:    []string{"hello from sidecar"},
		Stdio:   StdioLog,
		Logger:  logger,
	})
	if err != nil {
		t.Fatalf("Spawn() error: %v", err)
	}
	if err := h.Wait(); err != nil {
		t.Fatalf("Wait() error: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for buf.Len() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if !strings.Contains(buf.String(), "hello from sidecar") {
		t.Errorf("logger output = %q, want it to contain forwarded line", buf.String())
	}
}

func TestKill_DoesNotPanicAfterExit(t *testing.T) {
	h, err := Spawn(Command{Program: "true"})
	if err != nil {
		t.Fatalf("Spawn() error: %v", err)
	}
	h.Wait()
	// The process is already reaped; Kill may return an error here (the OS
	// process is gone) but must not panic or hang.
	_ = h.Kill()
}

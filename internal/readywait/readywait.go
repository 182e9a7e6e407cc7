// Package readywait polls for sidecar readiness sockets. It generalizes the
// teacher's waitForSocket (internal/vmm/cloudhv.go) from a single path to a
// set of paths: the launcher must not start the hypervisor until every
// sidecar it spawned has created its control socket, not just the first
// one to appear.
package readywait

import (
	"context"
	"fmt"
	"os"
	"time"
)

// pollInterval matches the teacher's own waitForSocket cadence.
const pollInterval = 100 * time.Millisecond

// All blocks until every path in paths exists, the deadline (governed by
// ctx) elapses, or shutdown closes — whichever comes first. A nil shutdown
// channel disables that trigger.
func All(ctx context.Context, paths []string, shutdown <-chan struct{}) error {
	if len(paths) == 0 {
		return nil
	}

	pending := make(map[string]bool, len(paths))
	for _, p := range paths {
		pending[p] = true
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	check := func() {
		for p := range pending {
			if _, err := os.Stat(p); err == nil {
				delete(pending, p)
			}
		}
	}

	check()
	for len(pending) > 0 {
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for sockets %v: %w", remaining(pending), ctx.Err())
		case <-shutdown:
			return fmt.Errorf("shutdown requested while waiting for sockets %v", remaining(pending))
		case <-ticker.C:
			check()
		}
	}
	return nil
}

func remaining(pending map[string]bool) []string {
	out := make([]string, 0, len(pending))
	for p := range pending {
		out = append(out, p)
	}
	return out
}

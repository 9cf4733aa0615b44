package supervisor

import (
	"errors"
	"os"
	"syscall"
	"time"
)

// handle tracks one bot subprocess. Owned handles come from our own
// exec.Cmd and carry a done channel closed by the wait goroutine.
// Discovered handles are adopted by pid only after a supervisor restart,
// so liveness for them is always a signal-0 probe.
type handle struct {
	botID     int64
	pid       int
	owned     bool
	startedAt time.Time
	launchID  string

	done    chan struct{} // nil for discovered handles
	exitErr error         // valid once done is closed
}

func (h *handle) alive() bool {
	if h.done != nil {
		select {
		case <-h.done:
			return false
		default:
		}
	}
	return processAlive(h.pid)
}

// exited reports whether an owned process has been reaped.
func (h *handle) exited() bool {
	if h.done == nil {
		return false
	}
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// processAlive checks existence with signal 0.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return p.Signal(syscall.Signal(0)) == nil
}

// stopProcessGroup escalates SIGTERM to SIGKILL on the whole group.
// Returns an error only when the group survives past the timeout and
// the kill.
func stopProcessGroup(pid int, timeout, poll time.Duration) error {
	if pid <= 0 {
		return nil
	}
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
		// Group may be gone already; fall back to the single pid.
		_ = syscall.Kill(pid, syscall.SIGTERM)
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !processAlive(pid) {
			return nil
		}
		time.Sleep(poll)
	}

	_ = syscall.Kill(-pid, syscall.SIGKILL)
	_ = syscall.Kill(pid, syscall.SIGKILL)

	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if !processAlive(pid) {
			return nil
		}
		time.Sleep(poll)
	}
	return errors.New("process group survived SIGKILL")
}

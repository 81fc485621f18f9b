package shm

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// StaleMapReaper implements the §6.5 process-lifecycle contract:
// "On start, detect and reap a stale shm du map whose owner pid is
// gone; refuse to start if another IRMd is alive." The real
// implementation would inspect the shared-memory segment's
// owner-pid header; this stand-in uses a PID-stamped lock file under
// the run directory, the same idiom the teacher's cmd/start.go uses
// for its own single-instance PID file check.
type StaleMapReaper struct {
	path string
}

// NewStaleMapReaper returns a reaper backed by a lock file at
// <runDir>/irmd.shm.lock.
func NewStaleMapReaper(runDir string) *StaleMapReaper {
	return &StaleMapReaper{path: filepath.Join(runDir, "irmd.shm.lock")}
}

// Acquire claims ownership of the shm map for this process. It
// returns an error if another live IRMd already owns it; if the
// lock file names a pid that is no longer alive, it is treated as
// stale and reclaimed.
func (r *StaleMapReaper) Acquire() error {
	if data, err := os.ReadFile(r.path); err == nil {
		if pid, perr := strconv.Atoi(strings.TrimSpace(string(data))); perr == nil {
			if pid == os.Getpid() {
				return nil
			}
			if processAlive(pid) {
				return fmt.Errorf("shm: another IRMd (pid %d) already owns the du map", pid)
			}
			// Stale: owner pid is gone, reap it.
		}
	}

	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return fmt.Errorf("shm: create run dir: %w", err)
	}
	return os.WriteFile(r.path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

// Release gives up ownership of the shm map, e.g. on graceful
// shutdown (§6.5 signal handling).
func (r *StaleMapReaper) Release() error {
	if data, err := os.ReadFile(r.path); err == nil {
		if pid, perr := strconv.Atoi(strings.TrimSpace(string(data))); perr == nil && pid == os.Getpid() {
			return os.Remove(r.path)
		}
	}
	return nil
}

func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Signal 0 performs existence/permission checks without
	// delivering anything — the "zero-signal kill probe" the flow
	// reaper also uses for dead-pid detection (spec §4.5).
	return proc.Signal(syscall.Signal(0)) == nil
}

//go:build linux

package sandbox

import (
	"os"
	"strconv"

	"golang.org/x/sys/unix"
)

// applyResourceLimits applies kernel rlimits to the worker process. Best
// effort: a failure leaves the engine-level limits as the backstop.
func applyResourceLimits() {
	maxMemoryMB := 256
	if v := os.Getenv("SLOTBOX_SANDBOX_MAX_MEMORY_MB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			maxMemoryMB = n
		}
	}

	memBytes := uint64(maxMemoryMB) * 1024 * 1024
	_ = unix.Setrlimit(unix.RLIMIT_AS, &unix.Rlimit{Cur: memBytes, Max: memBytes})

	// CPU ceiling far above any configurable timeout; the parent kills the
	// process long before this fires.
	_ = unix.Setrlimit(unix.RLIMIT_CPU, &unix.Rlimit{Cur: 60, Max: 60})

	// No subprocesses, no file creation.
	_ = unix.Setrlimit(unix.RLIMIT_NPROC, &unix.Rlimit{Cur: 0, Max: 0})
	_ = unix.Setrlimit(unix.RLIMIT_FSIZE, &unix.Rlimit{Cur: 0, Max: 0})
}

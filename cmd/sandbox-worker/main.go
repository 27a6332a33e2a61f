// sandbox-worker runs slot code in an isolated child process. It speaks
// line-delimited JSON on stdin/stdout and exits when stdin closes. The
// server spawns it automatically; a standalone build is only needed when
// sandbox.worker_binary points somewhere else.
package main

import (
	"fmt"
	"os"

	"github.com/vizlab/slotbox/internal/slot/sandbox"
)

func main() {
	if err := sandbox.RunWorker(); err != nil {
		fmt.Fprintf(os.Stderr, "sandbox-worker: %v\n", err)
		os.Exit(1)
	}
}

// slotbox-cli is the command-line interface for the slot service.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/vizlab/slotbox/internal/slot/sandbox"
)

func main() {
	// The pool re-executes the current binary for process-mode workers;
	// handle that before cobra parses anything.
	if len(os.Args) > 1 && os.Args[1] == "--sandbox-worker" {
		if err := sandbox.RunWorker(); err != nil {
			fmt.Fprintf(os.Stderr, "sandbox-worker: %v\n", err)
			os.Exit(1)
		}
		return
	}

	rootCmd := &cobra.Command{
		Use:   "slotbox-cli",
		Short: "Slot sandbox CLI",
		Long:  "Command-line interface for validating, running and managing sandboxed slots.",
	}

	// Global flags
	rootCmd.PersistentFlags().String("server", getEnvDefault("SLOTBOX_SERVER_URL", "http://localhost:8080"), "Slotbox server URL")
	rootCmd.PersistentFlags().String("token", os.Getenv("SLOTBOX_TOKEN"), "Authentication token")

	// Add commands
	rootCmd.AddCommand(newValidateCmd())
	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newSlotsCmd())
	rootCmd.AddCommand(newEventsCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func getEnvDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

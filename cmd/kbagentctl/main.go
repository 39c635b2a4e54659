// Command kbagentctl is the operator-facing administrative CLI (spec.md
// §6.6): submit and cancel tasks, inspect the queue, and audit the cache
// state store, all against the same config and store the daemon uses.
// Grounded on C360Studio-semspec's cobra root command and
// cklxx-elephant.ai's one-subcommand-per-file layout.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

// errMisuse marks a failure caused by bad input (malformed or unknown
// --preferences keys, wrong argument count) rather than an
// operational failure (store unreachable, task not found), so main can
// tell the two apart for the exit code spec.md §6.6 requires.
var errMisuse = errors.New("misuse")

func misusef(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), errMisuse)
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		if errors.Is(err, errMisuse) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

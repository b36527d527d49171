// ./main.go
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/nettleworks/ferret/cmd"
)

// main is the entry point for the ferret CLI. The root context is cancelled
// on SIGINT/SIGTERM so a running session shuts down cleanly and still writes
// its report.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd.ExecuteContext(ctx)
}

// Command p2psim runs the point-to-point network experiments of package
// p2pnet and prints their reports.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/apex/log"
	"github.com/tebeka/atexit"
)

// stopSignals abandon the simulation; files opened so far are still closed
var stopSignals = []os.Signal{os.Interrupt, syscall.SIGTERM}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), stopSignals...)
}

func main() {
	ctx, stop := signalContext()
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		log.WithError(err).Error("p2psim")
		atexit.Exit(1)
	}
	atexit.Exit(0)
}

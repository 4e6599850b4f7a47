// Command autopay runs recurring-charge passes against a subscriber ledger.
//
// It is meant to be invoked by an external scheduler (cron, a Kubernetes
// CronJob). Every pass is safe to repeat and to run concurrently with
// another invocation.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

// Version is set at build time.
var Version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

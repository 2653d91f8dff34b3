// File: cmd/zat/main.go
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/sylvester1001/zat/cmd"
)

// Allows mocking os.Exit in tests.
var osExit = os.Exit

func main() {
	// SIGINT and SIGTERM cancel the context; a running loop records the
	// attempt in flight as interrupted and returns.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cmd.Execute(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			osExit(0)
			return
		}
		osExit(1)
	}
}

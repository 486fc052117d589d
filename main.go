// mpcore - multiplayer session lifecycle and authority-gated commands.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"mpcore/cmd"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := cmd.Execute(ctx, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "mpcore: %v\n", err)
		os.Exit(1)
	}
}

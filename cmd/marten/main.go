// Command marten validates document mappings, migrates their tables, runs
// commit scenarios and reads event streams.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/journeyman32/marten/internal/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := cli.Execute(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// version can be set during build with -ldflags
var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr, loadApp)
	stop()
	os.Exit(code)
}

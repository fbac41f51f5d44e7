package main

import (
	"context"
	"os"
	"os/signal"

	"github.com/tweag/asset-fetch/cmd/root"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	root.Run(ctx, os.Args)
}

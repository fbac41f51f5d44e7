package root

import (
	"context"
	"fmt"
	"os"

	"github.com/tweag/asset-fetch/api"
	"github.com/tweag/asset-fetch/cmd/export"
	"github.com/tweag/asset-fetch/cmd/fetch"
	"github.com/tweag/asset-fetch/cmd/manifest"
	syncCmd "github.com/tweag/asset-fetch/cmd/sync"
	"github.com/tweag/asset-fetch/cmd/verify"
	"github.com/tweag/asset-fetch/internal/logging"
)

const usage = `Usage: asset-fetch [COMMAND] [ARGS...]

Commands:
  fetch     Fetch assets into the disk cache (or remote cache)
  sync      Materialize the manifest into a destination directory
  export    Export the manifest to a directory or archive
  verify    Verify a synced directory against the manifest
  manifest  Inspect or update the manifest`

func Run(ctx context.Context, args []string) {
	setLogLevel()
	if len(args) < 2 {
		printUsage()
	}

	command := args[1]
	switch command {
	case "fetch":
		fetch.Run(ctx, args[2:])
	case "sync":
		syncCmd.Run(ctx, args[2:])
	case "export":
		export.Run(ctx, args[2:])
	case "verify":
		verify.Run(ctx, args[2:])
	case "manifest":
		manifest.Run(ctx, args[2:])
	default:
		printUsage()
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, usage)
	os.Exit(1)
}

func setLogLevel() {
	level, ok := os.LookupEnv(api.LogLevelEnv)
	if !ok {
		return
	}
	logging.SetLevel(logging.FromString(level))
}

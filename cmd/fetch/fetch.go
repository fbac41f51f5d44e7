package fetch

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/tweag/asset-fetch/api"
	"github.com/tweag/asset-fetch/cmd/internal/cmdhelper"
	"github.com/tweag/asset-fetch/integrity"
	"github.com/tweag/asset-fetch/internal/logging"
	"github.com/tweag/asset-fetch/manifest"
	"github.com/tweag/asset-fetch/service/fetcher"
)

func Run(ctx context.Context, args []string) {
	var destination string

	flagSet := flag.NewFlagSet("fetch", flag.ExitOnError)
	flagSet.Usage = func() {
		fmt.Fprintf(flagSet.Output(), "Fetches assets to the disk cache (or remote cache) for offline use.\n\n")
		fmt.Fprintf(flagSet.Output(), "Usage: asset-fetch fetch [ARGS...] [TARGETS]\n")
		flagSet.PrintDefaults()
		examples := []string{
			"asset-fetch fetch",
			"asset-fetch fetch --destination=remote",
			"asset-fetch fetch plate1/well_a01_dapi.ome.tiff",
		}
		fmt.Fprintf(flagSet.Output(), "\nExamples:\n")
		for _, example := range examples {
			fmt.Fprintf(flagSet.Output(), "  $ %s\n", example)
		}
		os.Exit(1)
	}

	flagSet.StringVar(&destination, "destination", "disk", `The destination of the fetched assets. Allowed values: ["disk", "remote"]`)
	globalConfig, err := cmdhelper.InjectGlobalFlagsAndConfigure(args, flagSet, cmdhelper.FlagPresetRemote|cmdhelper.FlagPresetDiskCache)
	if err != nil {
		cmdhelper.FatalFmt("%v", err)
	}
	if destination != "disk" && destination != "remote" {
		logging.Errorf("Invalid destination: %s", destination)
		flagSet.Usage()
	}
	if destination == "remote" && len(globalConfig.Remote) == 0 {
		cmdhelper.FatalFmt("--destination=remote requires a remote endpoint")
	}

	pathsToFetch, err := cmdhelper.LoadManifestLeafs(globalConfig.ManifestPath, flagSet.Args())
	if err != nil {
		cmdhelper.FatalFmt("reading manifest: %v", err)
	}
	logging.Basicf("Fetching %d assets into %s cache", len(pathsToFetch), destination)

	services := cmdhelper.BuildServices(globalConfig)
	cmdhelper.PrefillChecksumCache(pathsToFetch, services.ChecksumCache, services.DigestFunction)
	stopFetcher, err := services.Fetcher.Start(ctx)
	if err != nil {
		cmdhelper.FatalFmt("starting fetcher: %v", err)
	}
	defer stopFetcher()

	if err := fetch(pathsToFetch, destination, services.Fetcher); err != nil {
		cmdhelper.FatalFmt("%v", err)
	}
	logging.Basicf("Fetched %d assets", len(pathsToFetch))
}

func fetch(pathsToFetch map[string]manifest.Leaf, destination string, assetFetcher *fetcher.Fetcher) error {
	var enqueueForDownload func(asset api.Asset, callbacks ...func(api.Asset, integrity.Digest, error))
	switch destination {
	case "disk":
		enqueueForDownload = assetFetcher.EnqueueLocalDownload
	case "remote":
		enqueueForDownload = assetFetcher.EnqueueRemoteDownload
	}

	bar := progressbar.NewOptions(len(pathsToFetch),
		progressbar.OptionFullWidth(),
		progressbar.OptionSetDescription("fetching"),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowCount(),
		progressbar.OptionThrottle(100*time.Millisecond),
	)

	results := make(chan fetchResult, len(pathsToFetch))
	defer close(results)

	for _, leaf := range pathsToFetch {
		asset := api.Asset{
			URIs:       leaf.URIs,
			Integrity:  leaf.Integrity,
			Qualifiers: leaf.Qualifiers,
		}
		enqueueForDownload(asset, func(asset api.Asset, digest integrity.Digest, err error) {
			results <- fetchResult{asset, digest, err}
		})
	}

	var errors []error
	for range pathsToFetch {
		result := <-results
		bar.Add(1)
		if result.err != nil {
			logging.Errorf("fetch: %v", result.err)
			errors = append(errors, result.err)
		}
	}
	bar.Finish()
	if len(errors) > 0 {
		return fmt.Errorf("not all assets were fetched successfully: %d errors occurred", len(errors))
	}
	return nil
}

type fetchResult struct {
	asset  api.Asset
	digest integrity.Digest
	err    error
}

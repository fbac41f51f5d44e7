package sync

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	gosync "sync"

	"github.com/tweag/asset-fetch/api"
	"github.com/tweag/asset-fetch/cmd/internal/cmdhelper"
	"github.com/tweag/asset-fetch/internal/logging"
	"github.com/tweag/asset-fetch/manifest"
	"github.com/tweag/asset-fetch/service/fetcher"
	"github.com/tweag/asset-fetch/watcher"
)

func Run(ctx context.Context, args []string) {
	var watch bool

	flagSet := flag.NewFlagSet("sync", flag.ExitOnError)
	flagSet.Usage = func() {
		fmt.Fprintf(flagSet.Output(), "Materializes the manifest into a destination directory.\n\n")
		fmt.Fprintf(flagSet.Output(), "Usage: asset-fetch sync [ARGS...] DESTINATION\n")
		flagSet.PrintDefaults()
		examples := []string{
			"asset-fetch sync ./data/",
			"asset-fetch sync --watch ./data/",
		}
		fmt.Fprintf(flagSet.Output(), "\nExamples:\n")
		for _, example := range examples {
			fmt.Fprintf(flagSet.Output(), "  $ %s\n", example)
		}
		os.Exit(1)
	}

	flagSet.BoolVar(&watch, "watch", false, "Keep running and re-sync whenever the manifest changes")
	globalConfig, err := cmdhelper.InjectGlobalFlagsAndConfigure(args, flagSet, cmdhelper.FlagPresetRemote|cmdhelper.FlagPresetDiskCache)
	if err != nil {
		cmdhelper.FatalFmt("%v", err)
	}
	if flagSet.NArg() != 1 {
		flagSet.Usage()
	}
	destination := flagSet.Arg(0)
	if err := os.MkdirAll(destination, 0o755); err != nil {
		cmdhelper.FatalFmt("creating destination directory: %v", err)
	}

	services := cmdhelper.BuildServices(globalConfig)
	stopFetcher, err := services.Fetcher.Start(ctx)
	if err != nil {
		cmdhelper.FatalFmt("starting fetcher: %v", err)
	}
	defer stopFetcher()

	if !watch {
		leafs, err := cmdhelper.LoadManifestLeafs(globalConfig.ManifestPath, nil)
		if err != nil {
			cmdhelper.FatalFmt("reading manifest: %v", err)
		}
		cmdhelper.PrefillChecksumCache(leafs, services.ChecksumCache, services.DigestFunction)
		if err := syncLeafs(ctx, leafs, destination, services.Fetcher, globalConfig.Workers); err != nil {
			cmdhelper.FatalFmt("%v", err)
		}
		logging.Basicf("Synced %d assets into %s", len(leafs), destination)
		return
	}

	wg := &gosync.WaitGroup{}
	manifestWatcher, err := watcher.New(globalConfig.ManifestPath, services.ChecksumCache, services.DigestFunction, func(leafs map[string]manifest.Leaf) {
		if err := syncLeafs(ctx, leafs, destination, services.Fetcher, globalConfig.Workers); err != nil {
			logging.Errorf("sync: %v", err)
			return
		}
		logging.Basicf("Synced %d assets into %s", len(leafs), destination)
	})
	if err != nil {
		cmdhelper.FatalFmt("watching manifest: %v", err)
	}
	defer manifestWatcher.Stop()

	// initial sync before reacting to changes
	initialLeafs := manifestWatcher.Leafs()
	if err := syncLeafs(ctx, initialLeafs, destination, services.Fetcher, globalConfig.Workers); err != nil {
		logging.Errorf("sync: %v", err)
	} else {
		logging.Basicf("Synced %d assets into %s", len(initialLeafs), destination)
	}

	if err := manifestWatcher.Start(ctx, wg); err != nil {
		cmdhelper.FatalFmt("starting manifest watcher: %v", err)
	}
	<-ctx.Done()
	wg.Wait()
}

// syncLeafs materializes every leaf under destDir.
// Failures do not abort the sync: each asset is fetched independently
// and the error count is reported at the end.
func syncLeafs(ctx context.Context, leafs map[string]manifest.Leaf, destDir string, assetFetcher *fetcher.Fetcher, workers int) error {
	if workers <= 0 {
		workers = 1
	}

	type job struct {
		path string
		leaf manifest.Leaf
	}
	jobs := make(chan job, len(leafs))
	for path, leaf := range leafs {
		jobs <- job{path, leaf}
	}
	close(jobs)

	errs := make(chan error, len(leafs))
	wg := &gosync.WaitGroup{}
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				asset := api.Asset{
					URIs:       j.leaf.URIs,
					Integrity:  j.leaf.Integrity,
					Qualifiers: j.leaf.Qualifiers,
				}
				destPath := filepath.Join(destDir, j.path)
				if err := assetFetcher.MaterializeFile(ctx, asset, destPath, j.leaf.Executable); err != nil {
					logging.Errorf("syncing %s: %v", j.path, err)
					errs <- err
					continue
				}
				logging.Debugf("synced %s", j.path)
			}
		}()
	}
	wg.Wait()
	close(errs)

	numErrors := 0
	for range errs {
		numErrors++
	}
	if numErrors > 0 {
		return fmt.Errorf("not all assets were synced successfully: %d errors occurred", numErrors)
	}
	return nil
}

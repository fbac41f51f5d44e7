package verify

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"

	"github.com/tweag/asset-fetch/cmd/internal/cmdhelper"
	"github.com/tweag/asset-fetch/integrity"
	"github.com/tweag/asset-fetch/internal/logging"
	"github.com/tweag/asset-fetch/manifest"
)

func Run(ctx context.Context, args []string) {
	flagSet := flag.NewFlagSet("verify", flag.ExitOnError)
	flagSet.Usage = func() {
		fmt.Fprintf(flagSet.Output(), "Verifies a synced directory against the manifest without network access.\n\n")
		fmt.Fprintf(flagSet.Output(), "Usage: asset-fetch verify [ARGS...] DIRECTORY\n")
		flagSet.PrintDefaults()
		examples := []string{
			"asset-fetch verify ./data/",
		}
		fmt.Fprintf(flagSet.Output(), "\nExamples:\n")
		for _, example := range examples {
			fmt.Fprintf(flagSet.Output(), "  $ %s\n", example)
		}
		os.Exit(1)
	}

	globalConfig, err := cmdhelper.InjectGlobalFlagsAndConfigure(args, flagSet, cmdhelper.FlagPresetNone)
	if err != nil {
		cmdhelper.FatalFmt("%v", err)
	}
	if flagSet.NArg() != 1 {
		flagSet.Usage()
	}
	directory := flagSet.Arg(0)

	digestFunction, ok := integrity.AlgorithmFromString(globalConfig.DigestFunction)
	if !ok {
		cmdhelper.FatalFmt("invalid digest function: %s", globalConfig.DigestFunction)
	}
	leafs, err := cmdhelper.LoadManifestLeafs(globalConfig.ManifestPath, nil)
	if err != nil {
		cmdhelper.FatalFmt("reading manifest: %v", err)
	}

	numBad := verifyLeafs(leafs, directory, digestFunction)
	if numBad > 0 {
		cmdhelper.FatalFmt("verification failed for %d of %d assets", numBad, len(leafs))
	}
	logging.Basicf("Verified %d assets", len(leafs))
}

func verifyLeafs(leafs map[string]manifest.Leaf, directory string, digestFunction integrity.Algorithm) (numBad int) {
	pathnames := make([]string, 0, len(leafs))
	for path := range leafs {
		pathnames = append(pathnames, path)
	}
	slices.Sort(pathnames)

	for _, path := range pathnames {
		leaf := leafs[path]
		switch err := verifyLeaf(leaf, filepath.Join(directory, path), digestFunction); {
		case errors.Is(err, fs.ErrNotExist):
			logging.Errorf("%s: missing", path)
			numBad++
		case err != nil:
			logging.Errorf("%s: %v", path, err)
			numBad++
		default:
			logging.Debugf("%s: ok", path)
		}
	}
	return numBad
}

func verifyLeaf(leaf manifest.Leaf, filePath string, digestFunction integrity.Algorithm) error {
	checksum, ok := leaf.Integrity.BestSingleChecksum(digestFunction)
	if !ok {
		return errors.New("no usable checksum in manifest")
	}
	file, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer file.Close()

	gotDigest, err := checksum.Algorithm.CalculateDigest(file)
	if err != nil {
		return err
	}
	gotChecksum := integrity.ChecksumFromDigest(gotDigest, checksum.Algorithm)
	if !gotChecksum.Equals(checksum) {
		return fmt.Errorf("%s mismatch: expected %s, got %s", checksum.Algorithm, checksum.Hex(), gotChecksum.Hex())
	}
	if leaf.SizeHint >= 0 && gotDigest.SizeBytes != leaf.SizeHint {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", leaf.SizeHint, gotDigest.SizeBytes)
	}
	return nil
}

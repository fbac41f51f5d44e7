package export

import (
	"archive/tar"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/tweag/asset-fetch/api"
	"github.com/tweag/asset-fetch/cmd/internal/cmdhelper"
	"github.com/tweag/asset-fetch/integrity"
	"github.com/tweag/asset-fetch/internal/logging"
	"github.com/tweag/asset-fetch/manifest"
	"github.com/tweag/asset-fetch/service/fetcher"
	"golang.org/x/sys/unix"
)

func Run(ctx context.Context, args []string) {
	var hollow bool
	var destTypeTar bool
	var destTypeDir bool
	var xattrMode string
	var destination string
	var destType destinationType

	flagSet := flag.NewFlagSet("export", flag.ExitOnError)
	flagSet.Usage = func() {
		fmt.Fprintf(flagSet.Output(), "Exports the manifest to a directory or archive.\n\n")
		fmt.Fprintf(flagSet.Output(), "Usage: asset-fetch export [ARGS...] [DESTINATION]\n")
		flagSet.PrintDefaults()
		examples := []string{
			"asset-fetch export ./vendor-dir/",
			"asset-fetch export --hollow --xattr-digest-mode=enforce ./sparse-vendor-dir/",
			"asset-fetch export assets.tar",
			"asset-fetch export - | gzip -c > assets.tar.gz",
		}
		fmt.Fprintf(flagSet.Output(), "\nExamples:\n")
		for _, example := range examples {
			fmt.Fprintf(flagSet.Output(), "  $ %s\n", example)
		}
		os.Exit(1)
	}

	flagSet.BoolVar(&destTypeTar, "tar", false, `Export to a tar archive`)
	flagSet.BoolVar(&destTypeDir, "dir", false, `Export to a directory`)
	flagSet.BoolVar(&hollow, "hollow", false, `Creates sparse files (no data - just holes containing 0x00), instead of real files`)
	flagSet.StringVar(&xattrMode, "xattr-digest-mode", "auto", `Controls the writing of extended attributes containing digests for exported files. Allowed values: ["auto", "off", "enforce"]`)
	globalConfig, err := cmdhelper.InjectGlobalFlagsAndConfigure(args, flagSet, cmdhelper.FlagPresetRemote|cmdhelper.FlagPresetDiskCache|cmdhelper.FlagPresetXattr)
	if err != nil {
		cmdhelper.FatalFmt("%v", err)
	}

	if flagSet.NArg() != 1 {
		flagSet.Usage()
	}

	destination = flagSet.Arg(0)
	switch {
	case destTypeTar && destTypeDir:
		logging.Errorf("Cannot specify both --tar and --dir")
		flagSet.Usage()
	case !destTypeTar && !destTypeDir:
		// auto detect
		if destination == "-" {
			destType = destinationTypeTar
			break
		}
		fInfo, err := os.Stat(destination)
		if err == nil && fInfo.IsDir() {
			destType = destinationTypeDir
			break
		} else if err == nil && fInfo.Mode().IsRegular() {
			destType = destinationTypeTar
			break
		}
		if strings.HasSuffix(destination, ".tar") {
			destType = destinationTypeTar
			break
		}
		if strings.HasSuffix(destination, "/") {
			destType = destinationTypeDir
			break
		}
		cmdhelper.FatalFmt("Cannot determine destination type for %s automatically. Specify --tar or --dir.", destination)
	case destTypeTar:
		destType = destinationTypeTar
	case destTypeDir:
		destType = destinationTypeDir
	}
	switch xattrMode {
	case "auto", "off", "enforce":
		// allowed
	default:
		logging.Errorf("Invalid xattr-digest-mode: %s", xattrMode)
		flagSet.Usage()
	}

	pathsToExport, err := cmdhelper.LoadManifestLeafs(globalConfig.ManifestPath, nil)
	if err != nil {
		cmdhelper.FatalFmt("reading manifest: %v", err)
	}

	services := cmdhelper.BuildServices(globalConfig)
	cmdhelper.PrefillChecksumCache(pathsToExport, services.ChecksumCache, services.DigestFunction)
	stopFetcher, err := services.Fetcher.Start(ctx)
	if err != nil {
		cmdhelper.FatalFmt("starting fetcher: %v", err)
	}
	defer stopFetcher()

	if err := export(ctx, pathsToExport, destination, destType, xattrMode, hollow, services.Fetcher, globalConfig); err != nil {
		cmdhelper.FatalFmt("%v", err)
	}
	logging.Basicf("Exported %d assets", len(pathsToExport))
}

func export(
	ctx context.Context, pathsToExport map[string]manifest.Leaf, destination string, destType destinationType,
	xattrMode string, isHollow bool, assetFetcher *fetcher.Fetcher,
	globalConfig api.GlobalConfig,
) error {
	// prepare the destination
	var tarWriter *tar.Writer
	switch destType {
	case destinationTypeDir:
		if err := os.Mkdir(destination, 0o755); err != nil && !os.IsExist(err) {
			return fmt.Errorf("creating destination directory: %w", err)
		}
	case destinationTypeTar:
		var output *os.File
		if destination == "-" {
			output = os.Stdout
		} else {
			var err error
			output, err = os.Create(destination)
			if err != nil {
				return fmt.Errorf("creating destination tar file: %w", err)
			}
			defer output.Close()
		}
		tarWriter = tar.NewWriter(output)
		defer tarWriter.Close()
	}

	pathnames := make([]string, 0, len(pathsToExport))
	for path := range pathsToExport {
		pathnames = append(pathnames, path)
	}
	slices.Sort(pathnames)

	for _, path := range pathnames {
		leaf := pathsToExport[path]
		asset := api.Asset{
			URIs:       leaf.URIs,
			Integrity:  leaf.Integrity,
			Qualifiers: leaf.Qualifiers,
		}

		digest, err := assetFetcher.AssetDigest(ctx, asset)
		if err != nil {
			return fmt.Errorf("fetching digest for %s: %w", path, err)
		}

		reader, err := assetFetcher.RandomAccessStream(ctx, asset, 0, 0)
		if err != nil {
			return fmt.Errorf("downloading %s: %w", path, err)
		}

		switch destType {
		case destinationTypeDir:
			err = streamIntoDir(asset, reader, destination, path, digest.SizeBytes, leaf.Executable, xattrMode, isHollow, globalConfig)
		case destinationTypeTar:
			err = streamIntoTar(asset, reader, tarWriter, path, digest.SizeBytes, leaf.Executable, xattrMode, isHollow, globalConfig)
		}
		reader.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

func streamIntoDir(asset api.Asset, reader io.Reader, destdir, path string, size int64, isExecutable bool, xattrMode string, isHollow bool, globalConfig api.GlobalConfig) error {
	destPath := filepath.Join(destdir, path)
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return fmt.Errorf("creating directory %s: %w", filepath.Dir(destPath), err)
	}
	output, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("creating file %s: %w", destPath, err)
	}
	defer output.Close()
	if isHollow {
		if err := output.Truncate(size); err != nil {
			return fmt.Errorf("creating sparse file %s: %w", destPath, err)
		}
	} else {
		if _, err := io.Copy(output, reader); err != nil {
			return fmt.Errorf("writing file %s: %w", destPath, err)
		}
	}
	mode := os.FileMode(0o644)
	if isExecutable {
		mode = 0o755
	}
	if err := output.Chmod(mode); err != nil {
		return fmt.Errorf("setting permissions for %s: %w", destPath, err)
	}

	// maybe set xattrs
	if xattrMode == "off" {
		return nil
	}
	xattrKvPairs := xattrsForAsset(asset, globalConfig)
	for name, value := range xattrKvPairs {
		if err := unix.Fsetxattr(int(output.Fd()), name, value, 0); err != nil {
			if xattrMode == "enforce" {
				return fmt.Errorf("setting xattr for %s: %w", destPath, err)
			}
			logging.Warningf("Failed to set xattr for %s: %v", destPath, err)
		}
	}
	return nil
}

func streamIntoTar(asset api.Asset, reader io.Reader, output *tar.Writer, path string, size int64, isExecutable bool, xattrMode string, isHollow bool, globalConfig api.GlobalConfig) error {
	if isHollow {
		return errors.New("sparse file support is not yet implemented for tar archives")
	}
	header := &tar.Header{
		Name: path,
		Size: size,
		Mode: 0o644,
	}
	if isExecutable {
		header.Mode = 0o755
	}
	if xattrMode != "off" {
		xattrKvPairs := xattrsForAsset(asset, globalConfig)
		if len(xattrKvPairs) > 0 {
			header.PAXRecords = make(map[string]string, len(xattrKvPairs))
		}
		for name, value := range xattrKvPairs {
			header.PAXRecords["SCHILY.xattr."+name] = string(value)
		}
	}
	if err := output.WriteHeader(header); err != nil {
		return fmt.Errorf("writing tar header for %s: %w", path, err)
	}
	if _, err := io.Copy(output, reader); err != nil {
		return fmt.Errorf("writing tar data for %s: %w", path, err)
	}
	return nil
}

func xattrsForAsset(asset api.Asset, globalConfig api.GlobalConfig) map[string][]byte {
	xattrs := make(map[string][]byte)
	for checksum := range asset.Integrity.Items() {
		xattrs[fmt.Sprintf("user.%s", checksum.Algorithm.String())] = checksum.Hash
	}
	digestFunction, _ := integrity.AlgorithmFromString(globalConfig.DigestFunction)
	if checksum, ok := asset.Integrity.ChecksumForAlgorithm(digestFunction); ok && globalConfig.DigestXattrName != "" {
		var digestValue []byte
		switch globalConfig.DigestXattrEncoding {
		case "hex":
			digestValue = []byte(checksum.Hex())
		case "raw":
			digestValue = checksum.Hash
		default:
			logging.Warningf("Invalid digest xattr encoding: %s", globalConfig.DigestXattrEncoding)
			digestValue = checksum.Hash
		}
		xattrs[globalConfig.DigestXattrName] = digestValue
	}
	return xattrs
}

type destinationType int

const (
	destinationTypeUnknown destinationType = iota
	destinationTypeTar
	destinationTypeDir
)

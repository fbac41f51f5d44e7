package manifestdump

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/tweag/asset-fetch/cmd/internal/cmdhelper"
	"github.com/tweag/asset-fetch/integrity"
	"github.com/tweag/asset-fetch/internal/logging"
	"github.com/tweag/asset-fetch/manifest"
)

func Run(ctx context.Context, args []string) {
	var format string

	flagSet := flag.NewFlagSet("dump", flag.ExitOnError)
	flagSet.Usage = func() {
		fmt.Fprintf(flagSet.Output(), "Dump the resolved manifest to stdout.\n\n")
		fmt.Fprintf(flagSet.Output(), "Usage: asset-fetch manifest dump [ARGS...]\n")
		flagSet.PrintDefaults()
		examples := []string{
			"asset-fetch manifest dump --manifest=./acme_manifest.json",
		}
		fmt.Fprintf(flagSet.Output(), "\nExamples:\n")
		for _, example := range examples {
			fmt.Fprintf(flagSet.Output(), "  $ %s\n", example)
		}
		os.Exit(1)
	}

	flagSet.StringVar(&format, "format", "manifest", "The format to use when dumping the manifest. Allowed values: [manifest, bazel_download]")
	globalConfig, err := cmdhelper.InjectGlobalFlagsAndConfigure(args, flagSet, cmdhelper.FlagPresetNone)
	if err != nil {
		cmdhelper.FatalFmt("%v", err)
	}

	if len(flagSet.Args()) > 0 {
		cmdhelper.FatalFmt("unexpected arguments: %v", flagSet.Args())
	}

	switch format {
	case "manifest", "bazel_download":
		// this is fine
	default:
		cmdhelper.FatalFmt("invalid format: %s", format)
	}

	rawManifest, err := os.ReadFile(globalConfig.ManifestPath)
	if err != nil {
		cmdhelper.FatalFmt("reading manifest file: %v", err)
	}
	initialManifest, err := manifest.ParseManifest(bytes.NewReader(rawManifest))
	if err != nil {
		cmdhelper.FatalFmt("parsing manifest: %v", err)
	}
	paths, err := initialManifest.Process()
	var validationErr manifest.ValidationError
	if errors.As(err, &validationErr) {
		logging.Warningf("manifest is invalid or incomplete: %v", err)
		paths = initialManifest.Paths
	} else if err != nil {
		cmdhelper.FatalFmt("parsing manifest: %v", err)
	}

	var output any

	switch format {
	case "manifest":
		output = formatManifest(paths)
	case "bazel_download":
		output = formatBazelDownload(paths)
	}

	if err := json.NewEncoder(os.Stdout).Encode(output); err != nil {
		cmdhelper.FatalFmt("encoding manifest as json: %v", err)
	}
}

func formatManifest(paths manifest.ManifestPaths) any {
	return manifest.Manifest{
		Paths: paths,
	}
}

func formatBazelDownload(paths manifest.ManifestPaths) any {
	var downloadList []bazelDownloadArgs
	for output, manifestPath := range paths {
		rawIntegrityStrings, err := manifestPath.GetIntegrity()
		if err != nil {
			cmdhelper.FatalFmt("%s: %v", output, err)
		}
		downloadIntegrity, err := integrity.IntegrityFromString(rawIntegrityStrings...)
		if err != nil {
			cmdhelper.FatalFmt("%s: %v", output, err)
		}
		downloadList = append(downloadList, bazelDownloadArgs{
			URL:        manifestPath.URIs,
			Output:     output,
			Executable: manifestPath.Executable,
			Integrity:  downloadIntegrity.ToSRIString(),
		})
	}
	return downloadList
}

type bazelDownloadArgs struct {
	URL        []string `json:"url"`
	Output     string   `json:"output"`
	Executable bool     `json:"executable,omitempty"`
	Integrity  string   `json:"integrity"`
}

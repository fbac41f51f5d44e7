package cmdhelper

import (
	"bytes"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/tweag/asset-fetch/api"
	"github.com/tweag/asset-fetch/auth/credential"
	"github.com/tweag/asset-fetch/integrity"
	"github.com/tweag/asset-fetch/internal/logging"
	"github.com/tweag/asset-fetch/manifest"
	"github.com/tweag/asset-fetch/service/asset"
	"github.com/tweag/asset-fetch/service/cas"
	"github.com/tweag/asset-fetch/service/downloader"
	"github.com/tweag/asset-fetch/service/fetcher"
)

// Services holds the fetching stack shared by all subcommands.
type Services struct {
	DigestFunction   integrity.Algorithm
	DiskCache        *cas.Disk
	CredentialHelper credential.Helper
	Downloader       *downloader.Downloader
	RemoteCache      cas.CAS
	RemoteAsset      asset.Asset
	ChecksumCache    *integrity.ChecksumCache
	Fetcher          *fetcher.Fetcher
}

// BuildServices wires the local CAS, the HTTP downloader, and the
// optional remote services from the global configuration.
// It terminates the process on unrecoverable setup errors.
func BuildServices(globalConfig api.GlobalConfig) Services {
	digestFunction, ok := integrity.AlgorithmFromString(globalConfig.DigestFunction)
	if !ok {
		FatalFmt("invalid digest function: %s", globalConfig.DigestFunction)
	}
	diskCache, err := cas.NewDisk(SubstituteHome(globalConfig.DiskCachePath))
	if err != nil {
		FatalFmt("creating disk cache at %s: %v", globalConfig.DiskCachePath, err)
	}
	var credentialHelper credential.Helper
	if len(globalConfig.CredentialHelper) > 0 {
		credentialHelper = credential.New(globalConfig.CredentialHelper)
	} else {
		logging.Warningf("No credential helper specified. Authentication may be required for some URIs.")
		credentialHelper = credential.NopHelper()
	}
	httpClient := &http.Client{Transport: credential.RoundTripper(credentialHelper)}
	httpDownloader := downloader.New(diskCache, httpClient)
	var remoteCache cas.CAS
	var remoteAsset asset.Asset
	if len(globalConfig.Remote) > 0 {
		remoteCache, err = cas.NewRemote(globalConfig.Remote, credentialHelper)
		if err != nil {
			FatalFmt("creating remote cache at %s: %v", globalConfig.Remote, err)
		}
		var propagateCredentials bool
		if globalConfig.RemoteDownloaderPropagateCredentials != nil {
			propagateCredentials = *globalConfig.RemoteDownloaderPropagateCredentials
		}
		remoteAsset, err = asset.NewRemote(globalConfig.Remote, credentialHelper, propagateCredentials)
		if err != nil {
			FatalFmt("creating remote asset service at %s: %v", globalConfig.Remote, err)
		}
		logging.Basicf("REAPI server: %s", globalConfig.Remote)
	} else {
		logging.Debugf("No REAPI server specified. Running in local mode.")
	}
	checksumCache := integrity.NewCache()
	fetchTimeout := time.Duration(globalConfig.FetchTimeoutSeconds) * time.Second
	assetFetcher := fetcher.NewFetcher(diskCache, remoteCache, remoteAsset, httpDownloader, checksumCache, digestFunction, globalConfig.Workers, fetchTimeout)

	return Services{
		DigestFunction:   digestFunction,
		DiskCache:        diskCache,
		CredentialHelper: credentialHelper,
		Downloader:       httpDownloader,
		RemoteCache:      remoteCache,
		RemoteAsset:      remoteAsset,
		ChecksumCache:    checksumCache,
		Fetcher:          assetFetcher,
	}
}

// LoadManifestLeafs reads and validates the manifest file and returns the
// set of leafs selected by targets. An empty targets slice selects all
// paths in the manifest.
func LoadManifestLeafs(manifestPath string, targets []string) (map[string]manifest.Leaf, error) {
	rawManifest, err := os.ReadFile(manifestPath)
	if err != nil {
		FatalFmt("reading manifest file: %v", err)
	}
	initialManifest, err := manifest.ParseManifest(bytes.NewReader(rawManifest))
	if err != nil {
		FatalFmt("parsing manifest: %v", err)
	}
	paths, err := initialManifest.Process()
	if err != nil {
		FatalFmt("parsing manifest: %v", err)
	}

	if len(targets) == 0 {
		return manifest.Leafs(paths)
	}

	logging.Debugf("Selected targets: %v", strings.Join(targets, " "))
	selected := make(map[string]manifest.Leaf, len(targets))
	for _, target := range targets {
		entry, ok := paths[target]
		if !ok {
			FatalFmt("path %s not found in the manifest", target)
		}
		leaf, err := manifest.LeafFromEntry(entry)
		if err != nil {
			FatalFmt("creating leaf node for %s: %v", target, err)
		}
		selected[target] = leaf
	}
	return selected, nil
}

// PrefillChecksumCache seeds the checksum cache with the digests that can
// be constructed from the manifest alone (checksum under the chosen digest
// function plus a size hint).
func PrefillChecksumCache(leafs map[string]manifest.Leaf, checksumCache *integrity.ChecksumCache, digestFunction integrity.Algorithm) {
	for _, leaf := range leafs {
		if checksum, ok := leaf.Integrity.ChecksumForAlgorithm(digestFunction); ok && leaf.SizeHint >= 0 {
			digest := integrity.NewDigest(checksum.Hash, leaf.SizeHint, digestFunction)
			checksumCache.PutIntegrity(leaf.Integrity, digest)
		}
	}
}

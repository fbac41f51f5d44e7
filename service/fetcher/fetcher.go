package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/tweag/asset-fetch/api"
	"github.com/tweag/asset-fetch/integrity"
	"github.com/tweag/asset-fetch/internal/logging"
	assetService "github.com/tweag/asset-fetch/service/asset"
	casService "github.com/tweag/asset-fetch/service/cas"
	"github.com/tweag/asset-fetch/service/downloader"
)

// Fetcher coordinates the sources an asset can be fetched from:
// the local CAS, an optional remote CAS, an optional remote asset service,
// and direct HTTP downloads.
//
// It has the following properties:
// - Return data immediately if it is already in the local cache.
// - Fetch assets concurrently in the background via work queues.
// - Place verified blobs at user-visible paths without ever exposing partial files.
//
// Fetcher has public methods that can be invoked concurrently.
type Fetcher struct {
	remoteCAS      casService.CAS
	localCAS       casService.LocalCAS
	remoteAsset    assetService.Asset
	downloader     *downloader.Downloader
	checksumCache  *integrity.ChecksumCache
	digestFunction integrity.Algorithm
	fetchTimeout   time.Duration

	localDownloads  *workQueue[api.Asset, integrity.Digest]
	remoteDownloads *workQueue[api.Asset, integrity.Digest]
}

// NewFetcher creates a new Fetcher.
// remoteCAS and remoteAsset may be nil, in which case all fetches
// are performed with direct HTTP downloads.
func NewFetcher(localCAS casService.LocalCAS, remoteCAS casService.CAS, remoteAsset assetService.Asset, downloader *downloader.Downloader, checksumCache *integrity.ChecksumCache, digestFunction integrity.Algorithm, workers int, fetchTimeout time.Duration) *Fetcher {
	if workers <= 0 {
		workers = 1
	}
	f := &Fetcher{
		localCAS:       localCAS,
		remoteCAS:      remoteCAS,
		remoteAsset:    remoteAsset,
		downloader:     downloader,
		checksumCache:  checksumCache,
		digestFunction: digestFunction,
		fetchTimeout:   fetchTimeout,
	}
	f.localDownloads = newWorkQueue(f.materializeForDigest, workers)
	f.remoteDownloads = newWorkQueue(f.Prefetch, workers)
	return f
}

// Start launches the background workers.
// The returned stopFunc drains the work queues and waits for the workers to exit.
func (f *Fetcher) Start(ctx context.Context) (stopFunc func() error, err error) {
	f.localDownloads.Start(ctx)
	f.remoteDownloads.Start(ctx)
	return func() error {
		f.localDownloads.Stop()
		f.remoteDownloads.Stop()
		return nil
	}, nil
}

// EnqueueLocalDownload schedules an asset for download into the local CAS.
// The callbacks are invoked with the digest of the asset (or an error) when the download is done.
func (f *Fetcher) EnqueueLocalDownload(asset api.Asset, callbacks ...func(api.Asset, integrity.Digest, error)) {
	f.localDownloads.Enqueue(asset, callbacks...)
}

// EnqueueRemoteDownload schedules an asset for fetching into the remote CAS.
func (f *Fetcher) EnqueueRemoteDownload(asset api.Asset, callbacks ...func(api.Asset, integrity.Digest, error)) {
	f.remoteDownloads.Enqueue(asset, callbacks...)
}

// Stream creates a reader for an asset.
// The asset is materialized in the local cache first, so the
// returned reader never observes partial downloads.
// The caller is responsible for closing the reader.
func (f *Fetcher) Stream(ctx context.Context, asset api.Asset, offset, limit int64) (io.ReadCloser, error) {
	digest, err := f.AssetDigest(ctx, asset)
	if err != nil {
		return nil, err
	}
	if err := f.materializeWithDigest(ctx, asset, digest); err != nil {
		return nil, err
	}
	return f.localCAS.ReadStream(ctx, digest, f.digestFunction, offset, limit)
}

// RandomAccessStream creates a reader for an asset that supports random access (ReadAt).
// Random access is only available for the local cache, so the asset is materialized first.
// The caller is responsible for closing the reader.
func (f *Fetcher) RandomAccessStream(ctx context.Context, asset api.Asset, offset, limit int64) (casService.ReaderAtCloser, error) {
	if err := f.Materialize(ctx, asset); err != nil {
		return nil, err
	}

	digest, digestIsKnown := f.checksumCache.FromIntegrity(asset.Integrity)
	if !digestIsKnown {
		// Materialize learns the digest on success
		return nil, fmt.Errorf("no known %s digest for asset %v", f.digestFunction, asset.URIs)
	}
	if limit <= 0 {
		limit = digest.SizeBytes
	}
	return f.localCAS.ReadRandomAccessStream(ctx, digest, f.digestFunction, offset, min(limit, digest.SizeBytes))
}

// AssetDigest returns the digest of an asset under the chosen digest function.
// If the digest is not known in advance (the integrity of the asset
// covers other algorithms only), the asset is fetched to learn it.
func (f *Fetcher) AssetDigest(ctx context.Context, asset api.Asset) (integrity.Digest, error) {
	if digest, ok := f.checksumCache.FromIntegrity(asset.Integrity); ok {
		return digest, nil
	}
	if f.remoteAsset != nil {
		return f.Prefetch(ctx, asset)
	}
	if err := f.Materialize(ctx, asset); err != nil {
		return integrity.Digest{}, err
	}
	digest, ok := f.checksumCache.FromIntegrity(asset.Integrity)
	if !ok {
		return integrity.Digest{}, fmt.Errorf("no known %s digest for asset %v", f.digestFunction, asset.URIs)
	}
	return digest, nil
}

// Prefetch ensures that the asset referenced by the given URIs and integrity is available in the remote CAS.
// Our only goal is to make the data available remotely, so we can efficiently access it for remote execution.
// This means that calling Prefetch doesn't guarantee that the data is available locally.
func (f *Fetcher) Prefetch(ctx context.Context, asset api.Asset) (integrity.Digest, error) {
	if f.remoteAsset == nil {
		return integrity.Digest{}, errors.New("Prefetch called without remote asset service")
	}

	knownDigest, digestIsKnown := f.checksumCache.FromIntegrity(asset.Integrity)

	if f.remoteCAS != nil && digestIsKnown {
		// check if the remote cache has the data already (without fetching)
		missingBlobs, err := f.remoteCAS.FindMissingBlobs(ctx, []integrity.Digest{knownDigest}, f.digestFunction)
		if err != nil {
			return integrity.Digest{}, err
		}
		if len(missingBlobs) == 0 {
			// the data is already in the remote cache
			return knownDigest, nil
		}
		// otherwise, we know the expected digest, but the remote cache doesn't have the data... continue with fetching.
	}

	fetchBlobResponse, err := f.remoteAsset.FetchBlob(ctx, f.fetchTimeout, noFetchOldestContentAcceptable, asset, f.digestFunction)
	if err != nil {
		return integrity.Digest{}, err
	}
	return f.recordFetchedDigest(asset, knownDigest, digestIsKnown, fetchBlobResponse.BlobDigest)
}

// Materialize ensures that the asset referenced by the given URIs and integrity is available in the local cache for reading.
// Our only goal is to make the data available locally, so we can stop as soon as localCAS has the expected data.
// This means that calling Materialize doesn't guarantee that the data is available remotely.
func (f *Fetcher) Materialize(ctx context.Context, asset api.Asset) error {
	if f.localCAS == nil {
		return errors.New("Materialize called without disk cache")
	}

	if digest, ok := f.checksumCache.FromIntegrity(asset.Integrity); ok {
		// we know the hash and size of the expected data
		// we can construct the digest in advance
		return f.materializeWithDigest(ctx, asset, digest)
	}

	if f.remoteAsset != nil {
		digest, err := f.Prefetch(ctx, asset)
		if err != nil {
			return fmt.Errorf("materializing asset %v failed when trying to learn digest: %w", asset.URIs, err)
		}
		return f.materializeWithDigest(ctx, asset, digest)
	}

	// local mode: a direct download both fetches the data and learns the digest
	_, err := f.downloadIntoLocalCAS(ctx, asset, integrity.Digest{}, false)
	return err
}

// MaterializeFile places the asset at destPath in the local filesystem.
//
// The operation is idempotent: if a file already exists at destPath and its
// content matches the expected integrity, no network access is performed and
// the file is left untouched. A file with mismatching content is replaced.
// The file appears at destPath atomically, so a crashed or interrupted run
// never leaves a partial file behind.
func (f *Fetcher) MaterializeFile(ctx context.Context, asset api.Asset, destPath string, executable bool) error {
	upToDate, err := f.destMatches(asset, destPath)
	if err != nil {
		return err
	}
	if upToDate {
		logging.Debugf("%s is up to date", destPath)
		return nil
	}

	if err := f.Materialize(ctx, asset); err != nil {
		return err
	}
	digest, ok := f.checksumCache.FromIntegrity(asset.Integrity)
	if !ok {
		return fmt.Errorf("no known %s digest for asset %v", f.digestFunction, asset.URIs)
	}

	reader, err := f.localCAS.ReadStream(ctx, digest, f.digestFunction, 0, 0)
	if err != nil {
		return err
	}
	defer reader.Close()

	mode := os.FileMode(0o644)
	if executable {
		mode = 0o755
	}
	return placeFile(reader, destPath, mode)
}

// destMatches reports whether the file at destPath already has the expected content.
// A missing file is not an error.
func (f *Fetcher) destMatches(asset api.Asset, destPath string) (bool, error) {
	file, err := os.Open(destPath)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, &api.FilesystemError{Path: destPath, Err: err}
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil {
		return false, &api.FilesystemError{Path: destPath, Err: err}
	}
	if !info.Mode().IsRegular() {
		return false, &api.FilesystemError{Path: destPath, Err: fmt.Errorf("not a regular file")}
	}

	checksum, ok := asset.Integrity.BestSingleChecksum(f.digestFunction)
	if !ok {
		return false, nil
	}
	existingDigest, err := checksum.Algorithm.CalculateDigest(file)
	if err != nil {
		return false, &api.FilesystemError{Path: destPath, Err: err}
	}
	if !integrity.ChecksumFromDigest(existingDigest, checksum.Algorithm).Equals(checksum) {
		logging.Warningf("%s exists but does not match the expected %s checksum, refetching", destPath, checksum.Algorithm)
		return false, nil
	}
	// remember the digest so a subsequent materialization is a no-op
	if checksum.Algorithm == f.digestFunction {
		f.checksumCache.PutIntegrity(asset.Integrity, existingDigest)
	}
	return true, nil
}

// materializeForDigest is the work queue handler for local downloads.
func (f *Fetcher) materializeForDigest(ctx context.Context, asset api.Asset) (integrity.Digest, error) {
	if err := f.Materialize(ctx, asset); err != nil {
		return integrity.Digest{}, err
	}
	digest, ok := f.checksumCache.FromIntegrity(asset.Integrity)
	if !ok {
		return integrity.Digest{}, fmt.Errorf("no known %s digest for asset %v", f.digestFunction, asset.URIs)
	}
	return digest, nil
}

func (f *Fetcher) materializeWithDigest(ctx context.Context, asset api.Asset, digest integrity.Digest) error {
	// first, check if the data is already in the local cache
	missingBlobs, err := f.localCAS.FindMissingBlobs(ctx, []integrity.Digest{digest}, f.digestFunction)
	if err != nil {
		return err
	}
	if len(missingBlobs) == 0 {
		// the data is already in the local cache
		return nil
	}

	// the data is not in the local cache - check all remote sources we have
	if f.remoteCAS != nil {
		missingBlobs, err := f.remoteCAS.FindMissingBlobs(ctx, missingBlobs, f.digestFunction)
		if err != nil {
			return err
		}
		if len(missingBlobs) == 0 {
			// the data is already in the remote CAS
			return f.casRemoteToLocalTransfer(ctx, digest)
		}
	}

	if f.remoteAsset != nil {
		fetchBlobResponse, err := f.remoteAsset.FetchBlob(ctx, f.fetchTimeout, noFetchOldestContentAcceptable, asset, f.digestFunction)
		if err != nil {
			return err
		}
		if !digest.Equals(fetchBlobResponse.BlobDigest, f.digestFunction) {
			return fmt.Errorf("expected digest %s, got %s", digest.Hex(f.digestFunction), fetchBlobResponse.BlobDigest.Hex(f.digestFunction))
		}
		// We now assume that the data is in the remote CAS.
		// We simply download it from the remote CAS to the local CAS.
		return f.casRemoteToLocalTransfer(ctx, digest)
	}

	// finally, fall back to a direct HTTP download into the local CAS
	_, err = f.downloadIntoLocalCAS(ctx, asset, digest, true)
	return err
}

// downloadIntoLocalCAS fetches the asset over HTTP and imports it into the local CAS.
// The downloader verifies the content against the asset integrity before the
// blob becomes visible in the CAS.
func (f *Fetcher) downloadIntoLocalCAS(ctx context.Context, asset api.Asset, knownDigest integrity.Digest, digestIsKnown bool) (integrity.Digest, error) {
	if f.downloader == nil {
		return integrity.Digest{}, errors.New("no downloader configured")
	}
	fetchBlobResponse, err := f.downloader.FetchBlob(ctx, f.fetchTimeout, noFetchOldestContentAcceptable, asset, f.digestFunction)
	if err != nil {
		return integrity.Digest{}, err
	}
	return f.recordFetchedDigest(asset, knownDigest, digestIsKnown, fetchBlobResponse.BlobDigest)
}

// recordFetchedDigest validates a freshly fetched digest against the cached
// one (if any) and stores newly learned associations in the checksum cache.
func (f *Fetcher) recordFetchedDigest(asset api.Asset, knownDigest integrity.Digest, digestIsKnown bool, fetchedDigest integrity.Digest) (integrity.Digest, error) {
	if digestIsKnown {
		if !knownDigest.Equals(fetchedDigest, f.digestFunction) {
			return integrity.Digest{}, fmt.Errorf("expected digest %s, got %s", knownDigest.Hex(f.digestFunction), fetchedDigest.Hex(f.digestFunction))
		}
		return knownDigest, nil
	}
	// we learned a new association between the asset and the digest
	var integrityStrings []string
	for checksum := range asset.Integrity.Items() {
		integrityStrings = append(integrityStrings, checksum.ToSRI())
	}
	logging.Basicf("Learned new association: %v -> %s (content size: %d bytes)", integrityStrings, fetchedDigest.Hex(f.digestFunction), fetchedDigest.SizeBytes)
	f.checksumCache.PutIntegrity(asset.Integrity, fetchedDigest)
	return fetchedDigest, nil
}

func (f *Fetcher) casRemoteToLocalTransfer(ctx context.Context, digests ...integrity.Digest) error {
	if f.localCAS == nil {
		return errors.New("cannot transfer data from remote CAS to disk cache without disk cache")
	}
	if f.remoteCAS == nil {
		return errors.New("cannot transfer data from remote CAS to disk cache without remote CAS")
	}

	var err error
	for len(digests) > 0 {
		digests, err = f.casRemoteToLocalTransferPart(ctx, digests...)
		if err != nil {
			return err
		}
	}
	return nil
}

// casRemoteToLocalTransferPart transfers a part of the data from the remote CAS to the local cache.
// It returns the digests of the data that is still missing in the local cache.
func (f *Fetcher) casRemoteToLocalTransferPart(ctx context.Context, digests ...integrity.Digest) ([]integrity.Digest, error) {
	if len(digests) == 0 {
		return nil, nil
	}
	if digests[0].SizeBytes >= byteStreamThreshold {
		// The single blob is too large to fetch in a single request.
		// We need to stream it.
		reader, err := f.remoteCAS.ReadStream(ctx, digests[0], f.digestFunction, 0, 0)
		if err != nil {
			return nil, err
		}
		defer reader.Close()
		writer, err := f.localCAS.WriteStream(ctx, digests[0], f.digestFunction)
		if err != nil {
			return nil, err
		}
		defer writer.Close()

		n, err := io.Copy(writer, reader)
		if err != nil {
			return nil, err
		}
		if n != digests[0].SizeBytes {
			return nil, fmt.Errorf("transfering data from remote to local cas: expected to read %d bytes, got %d", digests[0].SizeBytes, n)
		}
		return digests[1:], nil
	}

	// otherwise, get as much data as possible in a single request
	cumulativeSize := int64(0)
	numDigests := 0
	for _, digest := range digests {
		if cumulativeSize+digest.SizeBytes >= byteStreamThreshold {
			break
		}
		cumulativeSize += digest.SizeBytes
		numDigests++
	}

	readResponses, err := f.remoteCAS.BatchReadBlobs(ctx, digests[:numDigests], f.digestFunction)
	if err != nil {
		return nil, err
	}
	if len(readResponses) != numDigests {
		return nil, fmt.Errorf("unexpected number of responses from remote CAS: expected %d, got %d", numDigests, len(readResponses))
	}

	digestsAndData := make(casService.DigestsAndData, numDigests)
	for i, readResponse := range readResponses {
		digestsAndData[i] = casService.DigestAndData{Digest: digests[i], Data: readResponse.Data}
	}

	response, err := f.localCAS.BatchUpdateBlobs(ctx, digestsAndData, f.digestFunction)
	if err != nil {
		return nil, err
	}

	if len(response) != numDigests {
		return nil, fmt.Errorf("unexpected number of responses from local CAS: expected %d, got %d", numDigests, len(response))
	}
	return digests[numDigests:], nil
}

// placeFile copies the blob to a staging file next to destPath and
// renames it into place. The rename makes the placement atomic on the
// same filesystem, so readers either see the old content or the new
// content, never a partial file.
func placeFile(source io.Reader, destPath string, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return &api.FilesystemError{Path: filepath.Dir(destPath), Err: err}
	}
	tmpFile, err := os.CreateTemp(filepath.Dir(destPath), ".asset-fetch-tmp-")
	if err != nil {
		return &api.FilesystemError{Path: destPath, Err: err}
	}
	defer os.Remove(tmpFile.Name())
	defer tmpFile.Close()

	if _, err := io.Copy(tmpFile, source); err != nil {
		return &api.FilesystemError{Path: destPath, Err: err}
	}
	if err := tmpFile.Chmod(mode); err != nil {
		return &api.FilesystemError{Path: destPath, Err: err}
	}
	if err := tmpFile.Close(); err != nil {
		return &api.FilesystemError{Path: destPath, Err: err}
	}
	if err := os.Rename(tmpFile.Name(), destPath); err != nil {
		return &api.FilesystemError{Path: destPath, Err: err}
	}
	return nil
}

var noFetchOldestContentAcceptable = time.Unix(0, 0).UTC()

// byteStreamThreshold is the threshold at which we switch
// fetching data in a single request to streaming (1 MiB).
const byteStreamThreshold = 1 << 20

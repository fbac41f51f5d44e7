package cas

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/tweag/asset-fetch/integrity"
	"github.com/tweag/asset-fetch/service/status"
)

// Disk is a local content-addressable storage that stores blobs on disk.
//
// Blobs live under <rootDir>/<digestFunction>/cas/<first 2 hex>/<hex>.
// Writes always go through a staging file in <rootDir>/<digestFunction>/staging,
// are verified against the expected digest, and are moved into place with an
// atomic rename. A blob visible at its final path therefore always matches
// its digest, and a half-written blob is never visible.
type Disk struct {
	rootDir string
}

// NewDisk creates a new Disk CAS with the given root directory.
func NewDisk(rootDir string) (*Disk, error) {
	disk := &Disk{rootDir: rootDir}
	if err := disk.initializeCacheDir(); err != nil {
		return nil, err
	}
	return disk, nil
}

func (d *Disk) FindMissingBlobs(ctx context.Context, blobDigests []integrity.Digest, digestFunction integrity.Algorithm) ([]integrity.Digest, error) {
	missing := make([]integrity.Digest, 0, len(blobDigests))
	for _, digest := range blobDigests {
		blobPath := d.blobPath(integrity.ChecksumFromDigest(digest, digestFunction))
		fileInfo, err := os.Stat(blobPath)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, err
			}
			missing = append(missing, digest)
			continue
		}
		if fileInfo.IsDir() {
			// our cache is corrupted
			return nil, fmt.Errorf("blob path %s is a directory", blobPath)
		}
	}
	return missing, nil
}

func (d *Disk) BatchReadBlobs(ctx context.Context, blobDigests []integrity.Digest, digestFunction integrity.Algorithm) (BatchReadBlobsResponse, error) {
	responses := make(BatchReadBlobsResponse, 0, len(blobDigests))
	var issues int
	for _, digest := range blobDigests {
		data, err := os.ReadFile(d.blobPath(integrity.ChecksumFromDigest(digest, digestFunction)))
		switch {
		case err != nil && os.IsNotExist(err):
			responses = append(responses, ReadBlobsResponse{
				Digest: digest,
				Status: status.Status{Code: status.Status_NOT_FOUND, Message: err.Error()},
			})
			issues++
		case err != nil:
			responses = append(responses, ReadBlobsResponse{
				Digest: digest,
				Status: status.Status{Code: status.Status_UNKNOWN, Message: err.Error()},
			})
			issues++
		default:
			responses = append(responses, ReadBlobsResponse{
				Digest: digest,
				Data:   data,
				Status: status.Status{Code: status.Status_OK},
			})
		}
	}
	if issues > 0 {
		return responses, BatchResponseHasNonZeroStatus
	}
	return responses, nil
}

func (d *Disk) BatchUpdateBlobs(ctx context.Context, blobData DigestsAndData, digestFunction integrity.Algorithm) (BatchUpdateBlobsResponse, error) {
	responses := make(BatchUpdateBlobsResponse, 0, len(blobData))
	var issues int
	for _, item := range blobData {
		if err := d.writeBlob(item, digestFunction); err != nil {
			code := status.StatusCode(status.Status_INTERNAL)
			if os.IsPermission(err) {
				code = status.Status_PERMISSION_DENIED
			}
			responses = append(responses, UpdateBlobsResponse{item.Digest, status.Status{Code: code, Message: err.Error()}})
			issues++
			continue
		}
		responses = append(responses, UpdateBlobsResponse{item.Digest, status.Status{Code: status.Status_OK}})
	}
	if issues > 0 {
		return responses, BatchResponseHasNonZeroStatus
	}
	return responses, nil
}

func (d *Disk) writeBlob(item DigestAndData, digestFunction integrity.Algorithm) error {
	staging, err := d.stagingFile(item.Digest, digestFunction)
	if err != nil {
		return err
	}
	if _, err := staging.Write(item.Data); err != nil {
		staging.Close()
		return err
	}
	return staging.Close()
}

func (d *Disk) ReadStream(ctx context.Context, blobDigest integrity.Digest, digestFunction integrity.Algorithm, offset, limit int64) (io.ReadCloser, error) {
	file, err := os.Open(d.blobPath(integrity.ChecksumFromDigest(blobDigest, digestFunction)))
	if err != nil {
		return nil, err
	}
	if _, err := file.Seek(offset, io.SeekStart); err != nil {
		file.Close()
		return nil, err
	}
	var limitReader io.Reader
	var sectionReader io.ReaderAt
	if limit == 0 {
		// Zero means no limit.
		limitReader = file
		sectionReader = file
	} else {
		limitReader = io.LimitReader(file, limit)
		sectionReader = io.NewSectionReader(file, offset, limit)
	}
	// The returned struct supports io.Reader, io.ReaderAt, and io.Closer,
	// while respecting the given range.
	return struct {
		io.Reader
		io.ReaderAt
		io.Closer
	}{limitReader, sectionReader, file}, nil
}

func (d *Disk) ReadRandomAccessStream(ctx context.Context, blobDigest integrity.Digest, digestFunction integrity.Algorithm, offset, limit int64) (ReaderAtCloser, error) {
	normalReader, err := d.ReadStream(ctx, blobDigest, digestFunction, offset, limit)
	if err != nil {
		return nil, err
	}
	// The normal reader is backed by an os.File, so random access is safe.
	randomAccessReader, ok := normalReader.(ReaderAtCloser)
	if !ok {
		normalReader.Close()
		return nil, fmt.Errorf("stream does not support random access")
	}
	return randomAccessReader, nil
}

func (d *Disk) WriteStream(ctx context.Context, blobDigest integrity.Digest, digestFunction integrity.Algorithm) (io.WriteCloser, error) {
	return d.stagingFile(blobDigest, digestFunction)
}

// ImportBlob imports a blob from the given reader.
// It tries to optimize the import by skipping checksum validation if the integrity was already validated.
// The caller must ensure that prevalidatedIntegrity was actually validated.
// Additionally, optionalDigest can be provided to skip the checksum calculation if the digest (for digestFunction) is already known.
// The default value for integrity.Digest is an empty struct, which means that the real digest will be calculated.
func (d *Disk) ImportBlob(ctx context.Context, prevalidatedIntegrity integrity.Integrity, optionalDigest integrity.Digest, digestFunction integrity.Algorithm, data io.Reader) (integrity.Digest, error) {
	var knownChecksum integrity.Checksum
	if !optionalDigest.Uninitialized() {
		knownChecksum = integrity.ChecksumFromDigest(optionalDigest, digestFunction)
	} else if prevalidatedChecksum, ok := prevalidatedIntegrity.ChecksumForAlgorithm(digestFunction); ok {
		knownChecksum = prevalidatedChecksum
	} else {
		// The digest is not known in advance: calculate it while staging.
		return d.importUnknownBlob(digestFunction, data)
	}
	if knownChecksum.Empty() {
		// we should never get here, but better safe than sorry
		return integrity.Digest{}, errors.New("ImportBlob called without a known checksum")
	}

	targetLocation := d.blobPath(knownChecksum)
	sizeBytes, err := hardlinkOrCopy(data, targetLocation)
	if err != nil {
		return integrity.Digest{}, err
	}

	return integrity.NewDigest(knownChecksum.Hash, sizeBytes, digestFunction), nil
}

// importUnknownBlob stages the data while hashing it, then moves the staging
// file to the location derived from the computed digest.
func (d *Disk) importUnknownBlob(digestFunction integrity.Algorithm, data io.Reader) (integrity.Digest, error) {
	tmpFile, err := os.CreateTemp(d.stagingDir(digestFunction), "import-")
	if err != nil {
		return integrity.Digest{}, err
	}
	defer os.Remove(tmpFile.Name())
	defer tmpFile.Close()

	hasher := digestFunction.Hasher()
	n, err := io.Copy(io.MultiWriter(tmpFile, hasher), data)
	if err != nil {
		return integrity.Digest{}, err
	}
	if err := tmpFile.Close(); err != nil {
		return integrity.Digest{}, err
	}
	digest := integrity.NewDigest(hasher.Sum(nil), n, digestFunction)
	finalPath := d.blobPath(integrity.ChecksumFromDigest(digest, digestFunction))
	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		return integrity.Digest{}, err
	}
	if err := os.Rename(tmpFile.Name(), finalPath); err != nil {
		return integrity.Digest{}, err
	}
	return digest, nil
}

// blobPath returns the path to the blob with the given checksum.
// The directory structure is very similar to the one used by Bazel's local
// cache, with a subdirectory per digest function:
//
//	bazel build --disk_cache=/path/to/cache/root/sha256
func (d *Disk) blobPath(checksum integrity.Checksum) string {
	hex := checksum.Hex()
	return filepath.Join(d.rootDir, checksum.Algorithm.String(), "cas", hex[:2], hex)
}

func (d *Disk) stagingDir(digestFunction integrity.Algorithm) string {
	return filepath.Join(d.rootDir, digestFunction.String(), "staging")
}

func (d *Disk) stagingFile(digest integrity.Digest, digestFunction integrity.Algorithm) (io.WriteCloser, error) {
	hex := digest.Hex(digestFunction)
	tmpfile, err := os.CreateTemp(d.stagingDir(digestFunction), hex+"-")
	if err != nil {
		return nil, err
	}
	// try to preallocate the file to the expected size
	_ = tmpfile.Truncate(digest.SizeBytes)
	return &blobFinalizer{
		File:        tmpfile,
		stagingPath: tmpfile.Name(),
		finalPath:   d.blobPath(integrity.ChecksumFromDigest(digest, digestFunction)),

		digest:         digest,
		digestFunction: digestFunction,
	}, nil
}

func (d *Disk) initializeCacheDir() error {
	// <rootDir>/<digestFunction>/cas/<first 2 hex>/ (shard dirs created on demand)
	// <rootDir>/<digestFunction>/staging/
	if err := os.MkdirAll(d.rootDir, 0o755); err != nil {
		return err
	}
	for digestFunction := range integrity.SupportedAlgorithms() {
		if err := os.MkdirAll(filepath.Join(d.rootDir, digestFunction.String(), "cas"), 0o755); err != nil {
			return err
		}
		stagingDir := d.stagingDir(digestFunction)
		if err := os.MkdirAll(stagingDir, 0o755); err != nil {
			return err
		}
		// try to clean up the staging directory from any leftover files
		// (this assumes that the directory is only used by this process)
		files, err := os.ReadDir(stagingDir)
		if err != nil {
			return err
		}
		for _, file := range files {
			if err := os.Remove(filepath.Join(stagingDir, file.Name())); err != nil {
				return err
			}
		}
	}

	return nil
}

// blobFinalizer verifies the staged bytes on Close and moves them into place
// with an atomic rename. If verification fails, the staging file is removed
// and no blob appears at the final path.
type blobFinalizer struct {
	*os.File
	stagingPath string
	finalPath   string

	digest         integrity.Digest
	digestFunction integrity.Algorithm
}

func (b *blobFinalizer) Close() error {
	b.File.Close()
	defer os.Remove(b.stagingPath)

	// verify that the file contents are correct
	validationFile, err := os.Open(b.stagingPath)
	if err != nil {
		return fmt.Errorf("failed to open staging file %s for validation: %w", b.stagingPath, err)
	}
	defer validationFile.Close()
	if err := b.digest.CheckContent(validationFile, b.digestFunction); err != nil {
		return fmt.Errorf("failed to validate staging file %s: %w", b.stagingPath, err)
	}

	// move the file to its final location
	if err := os.MkdirAll(filepath.Dir(b.finalPath), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for final blob %s: %w", b.finalPath, err)
	}
	if err := os.Rename(b.stagingPath, b.finalPath); err != nil {
		return fmt.Errorf("failed to rename staging file %s to final blob %s: %w", b.stagingPath, b.finalPath, err)
	}

	return nil
}

func hardlinkOrCopy(source io.Reader, target string) (fileSize int64, err error) {
	defer func() {
		// learn size on function return and cleanup on error
		if err != nil {
			os.Remove(target)
			return
		}
		fileInfo, statErr := os.Stat(target)
		if statErr != nil {
			err = statErr
			return
		}
		fileSize = fileInfo.Size()
	}()

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return 0, err
	}
	if sourceFile, ok := source.(*os.File); ok {
		// try to hardlink the file
		if err := os.Link(sourceFile.Name(), target); err == nil {
			return 0, nil
		}
	}
	// if we can't hardlink, we need to copy the file atomically
	tmpFile, err := os.CreateTemp(filepath.Dir(target), "tmp-")
	if err != nil {
		return 0, err
	}
	defer tmpFile.Close()
	defer os.Remove(tmpFile.Name())

	if _, err := io.Copy(tmpFile, source); err != nil {
		return 0, err
	}
	if err := tmpFile.Close(); err != nil {
		return 0, err
	}
	if err := os.Rename(tmpFile.Name(), target); err != nil {
		return 0, err
	}
	return 0, nil
}

var _ LocalCAS = (*Disk)(nil)

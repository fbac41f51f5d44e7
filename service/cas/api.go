package cas

import (
	"context"
	"errors"
	"io"

	"github.com/tweag/asset-fetch/integrity"
	"github.com/tweag/asset-fetch/service/status"
)

// CAS is the interface for a content-addressable storage system.
// It is modeled after the remote execution API's ContentAddressableStorage service.
// However, it does not assume that the storage system is remote or that it is accessed via gRPC.
type CAS interface {
	Checker
	Reader
	Writer
}

// LocalCAS is a CAS that additionally supports importing blobs from a
// reader and random access reads.
type LocalCAS interface {
	CAS
	Importer
	RandomAccessStream
}

type Checker interface {
	FindMissingBlobs(ctx context.Context, blobDigests []integrity.Digest, digestFunction integrity.Algorithm) ([]integrity.Digest, error)
}

type Reader interface {
	BatchReadBlobs(ctx context.Context, blobDigests []integrity.Digest, digestFunction integrity.Algorithm) (BatchReadBlobsResponse, error)
	ReadStream(ctx context.Context, blobDigest integrity.Digest, digestFunction integrity.Algorithm, offset, limit int64) (io.ReadCloser, error)
}

type Writer interface {
	BatchUpdateBlobs(ctx context.Context, blobData DigestsAndData, digestFunction integrity.Algorithm) (BatchUpdateBlobsResponse, error)
	WriteStream(ctx context.Context, blobDigest integrity.Digest, digestFunction integrity.Algorithm) (io.WriteCloser, error)
}

// Importer ingests a blob with a known digest from a reader.
type Importer interface {
	ImportBlob(ctx context.Context, prevalidatedIntegrity integrity.Integrity, optionalDigest integrity.Digest, digestFunction integrity.Algorithm, data io.Reader) (integrity.Digest, error)
}

// RandomAccessStream is an interface for reading blobs at arbitrary offsets (random access via ReadAt).
// For now, this is only implemented by the disk CAS.
type RandomAccessStream interface {
	ReadRandomAccessStream(ctx context.Context, blobDigest integrity.Digest, digestFunction integrity.Algorithm, offset, limit int64) (ReaderAtCloser, error)
}

type ReaderAtCloser interface {
	io.Reader
	io.ReaderAt
	io.Closer
}

type BatchReadBlobsResponse []ReadBlobsResponse

type ReadBlobsResponse struct {
	Digest integrity.Digest
	Data   []byte
	Status status.Status
}

type BatchUpdateBlobsResponse []UpdateBlobsResponse

type UpdateBlobsResponse struct {
	Digest integrity.Digest
	Status status.Status
}

type DigestAndData struct {
	Digest integrity.Digest
	Data   []byte
}

type DigestsAndData []DigestAndData

// BatchResponseHasNonZeroStatus is returned by batch operations when at
// least one per-blob response carries a non-OK status.
var BatchResponseHasNonZeroStatus = errors.New("batch response contains non-zero status")

package cas_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/tweag/asset-fetch/integrity"
	"github.com/tweag/asset-fetch/service/cas"
	"github.com/tweag/asset-fetch/service/status"
)

func mustDigest(t *testing.T, content []byte) integrity.Digest {
	t.Helper()
	digest, err := integrity.SHA256.CalculateDigest(bytes.NewReader(content))
	if err != nil {
		t.Fatal(err)
	}
	return digest
}

func TestWriteStreamAndReadBack(t *testing.T) {
	ctx := context.Background()
	disk, err := cas.NewDisk(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	content := []byte("well_a01_dapi pixel data")
	digest := mustDigest(t, content)

	missing, err := disk.FindMissingBlobs(ctx, []integrity.Digest{digest}, integrity.SHA256)
	if err != nil {
		t.Fatal(err)
	}
	if len(missing) != 1 {
		t.Fatalf("expected blob to be missing, got %d missing", len(missing))
	}

	writer, err := disk.WriteStream(ctx, digest, integrity.SHA256)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := writer.Write(content); err != nil {
		t.Fatal(err)
	}
	if err := writer.Close(); err != nil {
		t.Fatal(err)
	}

	missing, err = disk.FindMissingBlobs(ctx, []integrity.Digest{digest}, integrity.SHA256)
	if err != nil {
		t.Fatal(err)
	}
	if len(missing) != 0 {
		t.Fatalf("expected blob to be present, got %d missing", len(missing))
	}

	reader, err := disk.ReadStream(ctx, digest, integrity.SHA256, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer reader.Close()
	got, err := io.ReadAll(reader)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, content) {
		t.Errorf("expected %q, got %q", content, got)
	}
}

func TestWriteStreamRejectsCorruptContent(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	disk, err := cas.NewDisk(root)
	if err != nil {
		t.Fatal(err)
	}

	content := []byte("original data")
	digest := mustDigest(t, content)

	writer, err := disk.WriteStream(ctx, digest, integrity.SHA256)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := writer.Write([]byte("tampered data")); err != nil {
		t.Fatal(err)
	}
	if err := writer.Close(); err == nil {
		t.Fatal("expected close to fail for mismatching content")
	}

	// the blob must not be visible and no staging file may remain
	missing, err := disk.FindMissingBlobs(ctx, []integrity.Digest{digest}, integrity.SHA256)
	if err != nil {
		t.Fatal(err)
	}
	if len(missing) != 1 {
		t.Fatal("corrupt blob must not appear in the cache")
	}
	stagingFiles, err := os.ReadDir(filepath.Join(root, "sha256", "staging"))
	if err != nil {
		t.Fatal(err)
	}
	if len(stagingFiles) != 0 {
		t.Errorf("expected empty staging dir, found %d files", len(stagingFiles))
	}
}

func TestImportBlobWithKnownDigest(t *testing.T) {
	ctx := context.Background()
	disk, err := cas.NewDisk(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	content := []byte("imported blob")
	digest := mustDigest(t, content)
	blobIntegrity := integrity.IntegrityFromChecksums(integrity.ChecksumFromDigest(digest, integrity.SHA256))

	got, err := disk.ImportBlob(ctx, blobIntegrity, digest, integrity.SHA256, bytes.NewReader(content))
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equals(digest, integrity.SHA256) {
		t.Errorf("expected digest %v, got %v", digest, got)
	}

	missing, err := disk.FindMissingBlobs(ctx, []integrity.Digest{digest}, integrity.SHA256)
	if err != nil {
		t.Fatal(err)
	}
	if len(missing) != 0 {
		t.Error("expected blob to be present after import")
	}
}

func TestImportBlobLearnsUnknownDigest(t *testing.T) {
	ctx := context.Background()
	disk, err := cas.NewDisk(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	content := []byte("content with unknown digest")
	expected := mustDigest(t, content)

	// no integrity, no digest: the import must compute the digest itself
	got, err := disk.ImportBlob(ctx, integrity.Integrity{}, integrity.Digest{}, integrity.SHA256, bytes.NewReader(content))
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equals(expected, integrity.SHA256) {
		t.Errorf("expected digest %v, got %v", expected, got)
	}

	reader, err := disk.ReadStream(ctx, got, integrity.SHA256, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer reader.Close()
	roundTrip, err := io.ReadAll(reader)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(roundTrip, content) {
		t.Errorf("expected %q, got %q", content, roundTrip)
	}
}

func TestBatchUpdateAndReadBlobs(t *testing.T) {
	ctx := context.Background()
	disk, err := cas.NewDisk(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	blobs := [][]byte{
		[]byte("first blob"),
		[]byte("second blob"),
	}
	batch := make(cas.DigestsAndData, len(blobs))
	digests := make([]integrity.Digest, len(blobs))
	for i, content := range blobs {
		digests[i] = mustDigest(t, content)
		batch[i] = cas.DigestAndData{Digest: digests[i], Data: content}
	}

	updateResponses, err := disk.BatchUpdateBlobs(ctx, batch, integrity.SHA256)
	if err != nil {
		t.Fatal(err)
	}
	for _, resp := range updateResponses {
		if resp.Status.Code != status.Status_OK {
			t.Fatalf("unexpected status: %v", resp.Status)
		}
	}

	readResponses, err := disk.BatchReadBlobs(ctx, digests, integrity.SHA256)
	if err != nil {
		t.Fatal(err)
	}
	if len(readResponses) != len(blobs) {
		t.Fatalf("expected %d responses, got %d", len(blobs), len(readResponses))
	}
	for i, resp := range readResponses {
		if resp.Status.Code != status.Status_OK {
			t.Errorf("blob %d: unexpected status %v", i, resp.Status)
		}
		if !bytes.Equal(resp.Data, blobs[i]) {
			t.Errorf("blob %d: expected %q, got %q", i, blobs[i], resp.Data)
		}
	}
}

func TestBatchReadBlobsReportsMissing(t *testing.T) {
	ctx := context.Background()
	disk, err := cas.NewDisk(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	present := []byte("present blob")
	presentDigest := mustDigest(t, present)
	if _, err := disk.BatchUpdateBlobs(ctx, cas.DigestsAndData{{Digest: presentDigest, Data: present}}, integrity.SHA256); err != nil {
		t.Fatal(err)
	}
	missingDigest := mustDigest(t, []byte("never uploaded"))

	responses, err := disk.BatchReadBlobs(ctx, []integrity.Digest{presentDigest, missingDigest}, integrity.SHA256)
	if !errors.Is(err, cas.BatchResponseHasNonZeroStatus) {
		t.Fatalf("expected BatchResponseHasNonZeroStatus, got %v", err)
	}
	if len(responses) != 2 {
		t.Fatalf("expected 2 responses, got %d", len(responses))
	}
	if responses[0].Status.Code != status.Status_OK {
		t.Errorf("expected first blob to be found, got %v", responses[0].Status)
	}
	if responses[1].Status.Code != status.Status_NOT_FOUND {
		t.Errorf("expected second blob to be missing, got %v", responses[1].Status)
	}
}

func TestReadRandomAccessStream(t *testing.T) {
	ctx := context.Background()
	disk, err := cas.NewDisk(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	content := []byte("0123456789abcdef")
	digest := mustDigest(t, content)
	if _, err := disk.BatchUpdateBlobs(ctx, cas.DigestsAndData{{Digest: digest, Data: content}}, integrity.SHA256); err != nil {
		t.Fatal(err)
	}

	reader, err := disk.ReadRandomAccessStream(ctx, digest, integrity.SHA256, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer reader.Close()

	buf := make([]byte, 4)
	if _, err := reader.ReadAt(buf, 10); err != nil {
		t.Fatal(err)
	}
	if string(buf) != "abcd" {
		t.Errorf("expected %q, got %q", "abcd", buf)
	}
}

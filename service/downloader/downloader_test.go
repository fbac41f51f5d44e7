package downloader_test

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/tweag/asset-fetch/api"
	"github.com/tweag/asset-fetch/integrity"
	"github.com/tweag/asset-fetch/service/cas"
	"github.com/tweag/asset-fetch/service/downloader"
)

var noOldestContentAccepted = time.Unix(0, 0).UTC()

func integrityFor(t *testing.T, content []byte) integrity.Integrity {
	t.Helper()
	result, _, err := integrity.IntegrityFromContent(bytes.NewReader(content), integrity.SHA256)
	if err != nil {
		t.Fatal(err)
	}
	return result
}

func newDownloader(t *testing.T) (*downloader.Downloader, *cas.Disk) {
	t.Helper()
	disk, err := cas.NewDisk(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return downloader.New(disk, http.DefaultClient), disk
}

func TestFetchBlobDownloadsAndImports(t *testing.T) {
	ctx := context.Background()
	content := []byte("microscopy image data")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(content)
	}))
	defer server.Close()

	d, disk := newDownloader(t)
	asset := api.Asset{
		URIs:      []string{server.URL + "/well_a01.ome.tiff"},
		Integrity: integrityFor(t, content),
	}

	resp, err := d.FetchBlob(ctx, 0, noOldestContentAccepted, asset, integrity.SHA256)
	if err != nil {
		t.Fatal(err)
	}
	if resp.BlobDigest.SizeBytes != int64(len(content)) {
		t.Errorf("expected size %d, got %d", len(content), resp.BlobDigest.SizeBytes)
	}
	if resp.URI != asset.URIs[0] {
		t.Errorf("expected uri %s, got %s", asset.URIs[0], resp.URI)
	}

	missing, err := disk.FindMissingBlobs(ctx, []integrity.Digest{resp.BlobDigest}, integrity.SHA256)
	if err != nil {
		t.Fatal(err)
	}
	if len(missing) != 0 {
		t.Error("expected blob to be in the local CAS after the download")
	}
}

func TestFetchBlobReturnsTransportErrorForBadStatus(t *testing.T) {
	ctx := context.Background()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer server.Close()

	d, _ := newDownloader(t)
	asset := api.Asset{
		URIs:      []string{server.URL + "/missing.ome.tiff"},
		Integrity: integrityFor(t, []byte("whatever")),
	}

	_, err := d.FetchBlob(ctx, 0, noOldestContentAccepted, asset, integrity.SHA256)
	var transportErr *api.TransportError
	if !errors.As(err, &transportErr) {
		t.Fatalf("expected TransportError, got %v", err)
	}
	if transportErr.URI != asset.URIs[0] {
		t.Errorf("expected uri %s in error, got %s", asset.URIs[0], transportErr.URI)
	}
}

func TestFetchBlobReturnsTransportErrorForUnreachableHost(t *testing.T) {
	ctx := context.Background()
	d, _ := newDownloader(t)
	asset := api.Asset{
		URIs:      []string{"http://127.0.0.1:1/unreachable"},
		Integrity: integrityFor(t, []byte("whatever")),
	}

	_, err := d.FetchBlob(ctx, 0, noOldestContentAccepted, asset, integrity.SHA256)
	var transportErr *api.TransportError
	if !errors.As(err, &transportErr) {
		t.Fatalf("expected TransportError, got %v", err)
	}
}

func TestFetchBlobReturnsIntegrityErrorForMismatch(t *testing.T) {
	ctx := context.Background()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("tampered content"))
	}))
	defer server.Close()

	d, disk := newDownloader(t)
	expected := []byte("expected content")
	asset := api.Asset{
		URIs:      []string{server.URL + "/tampered.ome.tiff"},
		Integrity: integrityFor(t, expected),
	}

	_, err := d.FetchBlob(ctx, 0, noOldestContentAccepted, asset, integrity.SHA256)
	var integrityErr *api.IntegrityError
	if !errors.As(err, &integrityErr) {
		t.Fatalf("expected IntegrityError, got %v", err)
	}
	if integrityErr.Algorithm != "sha256" {
		t.Errorf("expected sha256 in error, got %s", integrityErr.Algorithm)
	}

	// the mismatching content must not reach the CAS
	expectedDigest, err := integrity.SHA256.CalculateDigest(bytes.NewReader(expected))
	if err != nil {
		t.Fatal(err)
	}
	missing, err := disk.FindMissingBlobs(ctx, []integrity.Digest{expectedDigest}, integrity.SHA256)
	if err != nil {
		t.Fatal(err)
	}
	if len(missing) != 1 {
		t.Error("mismatching content must not be imported")
	}
}

func TestFetchBlobFallsBackToMirror(t *testing.T) {
	ctx := context.Background()
	content := []byte("mirrored content")
	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer dead.Close()
	alive := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(content)
	}))
	defer alive.Close()

	d, _ := newDownloader(t)
	asset := api.Asset{
		URIs:      []string{dead.URL + "/blob", alive.URL + "/blob"},
		Integrity: integrityFor(t, content),
	}

	resp, err := d.FetchBlob(ctx, 0, noOldestContentAccepted, asset, integrity.SHA256)
	if err != nil {
		t.Fatal(err)
	}
	if resp.URI != asset.URIs[1] {
		t.Errorf("expected download from mirror %s, got %s", asset.URIs[1], resp.URI)
	}
}

func TestFetchBlobSendsHeaderQualifiers(t *testing.T) {
	ctx := context.Background()
	content := []byte("gated content")
	var gotShared, gotPerURI string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotShared = r.Header.Get("Accept")
		gotPerURI = r.Header.Get("Authorization")
		w.Write(content)
	}))
	defer server.Close()

	d, _ := newDownloader(t)
	asset := api.Asset{
		URIs:      []string{server.URL + "/gated"},
		Integrity: integrityFor(t, content),
		Qualifiers: map[string]string{
			"http_header:Accept":              "application/octet-stream",
			"http_header_uri:0:Authorization": "Bearer token0",
		},
	}

	if _, err := d.FetchBlob(ctx, 0, noOldestContentAccepted, asset, integrity.SHA256); err != nil {
		t.Fatal(err)
	}
	if gotShared != "application/octet-stream" {
		t.Errorf("expected shared header, got %q", gotShared)
	}
	if gotPerURI != "Bearer token0" {
		t.Errorf("expected per-uri header, got %q", gotPerURI)
	}
}

func TestFetchBlobRejectsUnknownQualifier(t *testing.T) {
	ctx := context.Background()
	d, _ := newDownloader(t)
	asset := api.Asset{
		URIs:       []string{"https://example.com/blob"},
		Integrity:  integrityFor(t, []byte("data")),
		Qualifiers: map[string]string{"bazel.canonical_id": "some-id"},
	}

	if _, err := d.FetchBlob(ctx, 0, noOldestContentAccepted, asset, integrity.SHA256); err == nil {
		t.Fatal("expected error for unknown qualifier")
	}
}

func TestFetchBlobRequiresURIs(t *testing.T) {
	ctx := context.Background()
	d, _ := newDownloader(t)
	asset := api.Asset{
		Integrity: integrityFor(t, []byte("data")),
	}

	if _, err := d.FetchBlob(ctx, 0, noOldestContentAccepted, asset, integrity.SHA256); err == nil {
		t.Fatal("expected error for asset without uris")
	}
}

func TestFetchBlobRequiresIntegrity(t *testing.T) {
	ctx := context.Background()
	d, _ := newDownloader(t)
	asset := api.Asset{
		URIs: []string{"https://example.com/blob"},
	}

	if _, err := d.FetchBlob(ctx, 0, noOldestContentAccepted, asset, integrity.SHA256); err == nil {
		t.Fatal("expected error for asset without integrity")
	}
}

package fetcher_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/tweag/asset-fetch/api"
	"github.com/tweag/asset-fetch/integrity"
	"github.com/tweag/asset-fetch/service/cas"
	"github.com/tweag/asset-fetch/service/downloader"
	"github.com/tweag/asset-fetch/service/fetcher"
)

func newLocalFetcher(t *testing.T) *fetcher.Fetcher {
	t.Helper()
	disk, err := cas.NewDisk(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	d := downloader.New(disk, http.DefaultClient)
	return fetcher.NewFetcher(disk, nil, nil, d, integrity.NewCache(), integrity.SHA256, 1, 0)
}

func assetFor(t *testing.T, content []byte, uris ...string) api.Asset {
	t.Helper()
	assetIntegrity, _, err := integrity.IntegrityFromContent(bytes.NewReader(content), integrity.SHA256)
	if err != nil {
		t.Fatal(err)
	}
	return api.Asset{URIs: uris, Integrity: assetIntegrity}
}

// countingServer serves fixed content and counts the requests it sees.
func countingServer(content []byte) (*httptest.Server, *atomic.Int64) {
	var requests atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.Write(content)
	}))
	return server, &requests
}

func TestMaterializeFilePlacesContent(t *testing.T) {
	ctx := context.Background()
	content := []byte("well a01 image plane")
	server, _ := countingServer(content)
	defer server.Close()

	f := newLocalFetcher(t)
	asset := assetFor(t, content, server.URL+"/well_a01.ome.tiff")
	destPath := filepath.Join(t.TempDir(), "plate1", "well_a01.ome.tiff")

	if err := f.MaterializeFile(ctx, asset, destPath, false); err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(destPath)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, content) {
		t.Errorf("expected %q, got %q", content, got)
	}
	info, err := os.Stat(destPath)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o644 {
		t.Errorf("expected mode 0644, got %v", info.Mode().Perm())
	}
}

func TestMaterializeFileMarksExecutable(t *testing.T) {
	ctx := context.Background()
	content := []byte("#!/bin/sh\necho stitching\n")
	server, _ := countingServer(content)
	defer server.Close()

	f := newLocalFetcher(t)
	asset := assetFor(t, content, server.URL+"/stitch-wells.sh")
	destPath := filepath.Join(t.TempDir(), "stitch-wells.sh")

	if err := f.MaterializeFile(ctx, asset, destPath, true); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(destPath)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o755 {
		t.Errorf("expected mode 0755, got %v", info.Mode().Perm())
	}
}

func TestMaterializeFileIsIdempotent(t *testing.T) {
	ctx := context.Background()
	content := []byte("cached after the first fetch")
	server, requests := countingServer(content)
	defer server.Close()

	f := newLocalFetcher(t)
	asset := assetFor(t, content, server.URL+"/blob")
	destPath := filepath.Join(t.TempDir(), "blob")

	if err := f.MaterializeFile(ctx, asset, destPath, false); err != nil {
		t.Fatal(err)
	}
	if requests.Load() != 1 {
		t.Fatalf("expected 1 request for the first materialization, got %d", requests.Load())
	}
	if err := f.MaterializeFile(ctx, asset, destPath, false); err != nil {
		t.Fatal(err)
	}
	if requests.Load() != 1 {
		t.Errorf("expected no network access for the second materialization, got %d requests", requests.Load())
	}
}

func TestMaterializeFileReplacesMismatchingFile(t *testing.T) {
	ctx := context.Background()
	content := []byte("the genuine content")
	server, _ := countingServer(content)
	defer server.Close()

	f := newLocalFetcher(t)
	asset := assetFor(t, content, server.URL+"/blob")
	destPath := filepath.Join(t.TempDir(), "blob")
	if err := os.WriteFile(destPath, []byte("locally modified"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := f.MaterializeFile(ctx, asset, destPath, false); err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(destPath)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, content) {
		t.Errorf("expected the mismatching file to be replaced, got %q", got)
	}
}

func TestMaterializeFileLeavesNoPartialFiles(t *testing.T) {
	ctx := context.Background()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("tampered content"))
	}))
	defer server.Close()

	f := newLocalFetcher(t)
	asset := assetFor(t, []byte("expected content"), server.URL+"/blob")
	destDir := t.TempDir()
	destPath := filepath.Join(destDir, "blob")

	err := f.MaterializeFile(ctx, asset, destPath, false)
	var integrityErr *api.IntegrityError
	if !errors.As(err, &integrityErr) {
		t.Fatalf("expected IntegrityError, got %v", err)
	}
	entries, err := os.ReadDir(destDir)
	if err != nil {
		t.Fatal(err)
	}
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), ".asset-fetch-tmp-") {
			t.Errorf("staging file %s left behind", entry.Name())
		}
		if entry.Name() == "blob" {
			t.Error("destination file must not exist after a failed fetch")
		}
	}
}

func TestMaterializeFileInterruptedDownloadLeavesNoFile(t *testing.T) {
	ctx := context.Background()
	content := []byte("a much longer body than the server actually delivers")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// announce more bytes than we send, then drop the connection
		w.Header().Set("Content-Length", "1024")
		w.Write(content[:10])
	}))
	defer server.Close()

	f := newLocalFetcher(t)
	asset := assetFor(t, content, server.URL+"/blob")
	destDir := t.TempDir()
	destPath := filepath.Join(destDir, "blob")

	err := f.MaterializeFile(ctx, asset, destPath, false)
	var transportErr *api.TransportError
	if !errors.As(err, &transportErr) {
		t.Fatalf("expected TransportError, got %v", err)
	}
	if _, err := os.Stat(destPath); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("destination file must not exist after an interrupted download, stat: %v", err)
	}
	entries, err := os.ReadDir(destDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("expected an empty destination directory, found %v", entries)
	}
}

func TestEnqueueLocalDownloadIsolatesFailures(t *testing.T) {
	ctx := context.Background()
	goodContent := []byte("healthy asset")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/good" {
			w.Write(goodContent)
			return
		}
		http.NotFound(w, r)
	}))
	defer server.Close()

	f := newLocalFetcher(t)
	stop, err := f.Start(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer stop()

	goodAsset := assetFor(t, goodContent, server.URL+"/good")
	badAsset := assetFor(t, []byte("never served"), server.URL+"/bad")

	type result struct {
		uri string
		err error
	}
	results := make(chan result, 2)
	callback := func(asset api.Asset, digest integrity.Digest, err error) {
		results <- result{uri: asset.URIs[0], err: err}
	}
	f.EnqueueLocalDownload(goodAsset, callback)
	f.EnqueueLocalDownload(badAsset, callback)

	var goodErr, badErr error
	for range 2 {
		r := <-results
		if r.uri == goodAsset.URIs[0] {
			goodErr = r.err
		} else {
			badErr = r.err
		}
	}
	if goodErr != nil {
		t.Errorf("expected the healthy asset to succeed, got %v", goodErr)
	}
	if badErr == nil {
		t.Error("expected the missing asset to fail")
	}
}

func TestStreamReadsMaterializedContent(t *testing.T) {
	ctx := context.Background()
	content := []byte("streamable content")
	server, _ := countingServer(content)
	defer server.Close()

	f := newLocalFetcher(t)
	asset := assetFor(t, content, server.URL+"/blob")

	reader, err := f.Stream(ctx, asset, 0, 0)
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

func TestRandomAccessStream(t *testing.T) {
	ctx := context.Background()
	content := []byte("0123456789abcdef")
	server, _ := countingServer(content)
	defer server.Close()

	f := newLocalFetcher(t)
	asset := assetFor(t, content, server.URL+"/blob")

	reader, err := f.RandomAccessStream(ctx, asset, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer reader.Close()
	buf := make([]byte, 6)
	if _, err := reader.ReadAt(buf, 10); err != nil && err != io.EOF {
		t.Fatal(err)
	}
	if string(buf) != "abcdef" {
		t.Errorf("expected %q, got %q", "abcdef", buf)
	}
}

package watcher_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/tweag/asset-fetch/integrity"
	"github.com/tweag/asset-fetch/manifest"
	"github.com/tweag/asset-fetch/watcher"
)

const initialManifest = `{
  "paths": {
    "plate1/well_a01_dapi.ome.tiff": {
      "uris": ["https://example.com/plate1/well_a01_dapi.ome.tiff"],
      "integrity": "sha256-MgVgyoTIpgiyKd5ahOQPwcqZgp1MPlLDkNuer0+z8pE=",
      "size": 2727
    }
  }
}`

const updatedManifest = `{
  "paths": {
    "plate1/well_a01_dapi.ome.tiff": {
      "uris": ["https://example.com/plate1/well_a01_dapi.ome.tiff"],
      "integrity": "sha256-MgVgyoTIpgiyKd5ahOQPwcqZgp1MPlLDkNuer0+z8pE=",
      "size": 2727
    },
    "plate1/well_a01_gfp.ome.tiff": {
      "uris": ["https://example.com/plate1/well_a01_gfp.ome.tiff"],
      "integrity": "sha256-dW8Pk3yUBUzby16oVRTA1itPY5dFQLXAst1tdW75THY=",
      "size": 4096
    }
  }
}`

func writeManifest(t *testing.T, path, contents string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestNewLoadsManifest(t *testing.T) {
	manifestPath := filepath.Join(t.TempDir(), "manifest.json")
	writeManifest(t, manifestPath, initialManifest)

	checksumCache := integrity.NewCache()
	w, err := watcher.New(manifestPath, checksumCache, integrity.SHA256, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	leafs := w.Leafs()
	if len(leafs) != 1 {
		t.Fatalf("expected 1 leaf, got %d", len(leafs))
	}
	leaf, ok := leafs["plate1/well_a01_dapi.ome.tiff"]
	if !ok {
		t.Fatal("expected leaf for plate1/well_a01_dapi.ome.tiff")
	}

	// known integrity and size must be usable as a digest right away
	if _, ok := checksumCache.FromIntegrity(leaf.Integrity); !ok {
		t.Error("expected the checksum cache to be prefilled from the manifest")
	}
}

func TestNewRejectsMissingManifest(t *testing.T) {
	manifestPath := filepath.Join(t.TempDir(), "does-not-exist.json")
	if _, err := watcher.New(manifestPath, integrity.NewCache(), integrity.SHA256, nil); err == nil {
		t.Fatal("expected error for missing manifest")
	}
}

func TestNewRejectsInvalidManifest(t *testing.T) {
	manifestPath := filepath.Join(t.TempDir(), "manifest.json")
	writeManifest(t, manifestPath, `{"paths": {"a": {"uris": [], "integrity": "sha256-MgVgyoTIpgiyKd5ahOQPwcqZgp1MPlLDkNuer0+z8pE="}}}`)
	if _, err := watcher.New(manifestPath, integrity.NewCache(), integrity.SHA256, nil); err == nil {
		t.Fatal("expected error for manifest entry without uris")
	}
}

func TestWatcherReloadsOnChange(t *testing.T) {
	manifestPath := filepath.Join(t.TempDir(), "manifest.json")
	writeManifest(t, manifestPath, initialManifest)

	changes := make(chan map[string]manifest.Leaf, 16)
	w, err := watcher.New(manifestPath, integrity.NewCache(), integrity.SHA256, func(leafs map[string]manifest.Leaf) {
		changes <- leafs
	})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	if err := w.Start(ctx, &wg); err != nil {
		t.Fatal(err)
	}
	defer func() {
		cancel()
		wg.Wait()
	}()

	writeManifest(t, manifestPath, updatedManifest)

	select {
	case leafs := <-changes:
		if len(leafs) != 2 {
			t.Errorf("expected 2 leafs after the update, got %d", len(leafs))
		}
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for the manifest reload")
	}
}

func TestWatcherSkipsBrokenRevision(t *testing.T) {
	manifestPath := filepath.Join(t.TempDir(), "manifest.json")
	writeManifest(t, manifestPath, initialManifest)

	changes := make(chan map[string]manifest.Leaf, 16)
	w, err := watcher.New(manifestPath, integrity.NewCache(), integrity.SHA256, func(leafs map[string]manifest.Leaf) {
		changes <- leafs
	})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	if err := w.Start(ctx, &wg); err != nil {
		t.Fatal(err)
	}
	defer func() {
		cancel()
		wg.Wait()
	}()

	// a half-saved manifest must not produce a change
	writeManifest(t, manifestPath, `{"paths": {`)
	// a later valid revision must still be picked up
	writeManifest(t, manifestPath, updatedManifest)

	select {
	case leafs := <-changes:
		if len(leafs) != 2 {
			t.Errorf("expected the valid revision with 2 leafs, got %d", len(leafs))
		}
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for the manifest reload")
	}
}

package watcher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/tweag/asset-fetch/integrity"
	"github.com/tweag/asset-fetch/internal/logging"
	"github.com/tweag/asset-fetch/manifest"
)

// ManifestWatcher watches a manifest file for changes and reloads it.
// Every successfully parsed revision of the manifest is handed to the
// onChange callback. Revisions that fail to parse or validate are
// skipped with a warning, so a half-saved manifest never tears down a
// running sync.
type ManifestWatcher struct {
	manifestPath   string
	manifestDigest integrity.Digest
	leafs          map[string]manifest.Leaf
	checksumCache  *integrity.ChecksumCache
	digestFunction integrity.Algorithm
	onChange       func(map[string]manifest.Leaf)
	notifyWatcher  *fsnotify.Watcher
	closeOnce      sync.Once
}

// New creates a new ManifestWatcher.
// The manifest is read and validated once up front, so a broken
// manifest is reported before any watching starts.
func New(manifestPath string, checksumCache *integrity.ChecksumCache, digestFunction integrity.Algorithm, onChange func(map[string]manifest.Leaf)) (*ManifestWatcher, error) {
	notifyWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	rawManifest, err := os.ReadFile(manifestPath)
	if err != nil {
		notifyWatcher.Close()
		return nil, err
	}
	initialManifestDigest, err := digestFunction.CalculateDigest(bytes.NewReader(rawManifest))
	if err != nil {
		notifyWatcher.Close()
		return nil, err
	}
	leafs, err := loadLeafs(bytes.NewReader(rawManifest))
	if err != nil {
		notifyWatcher.Close()
		return nil, err
	}
	prefillChecksumCache(leafs, checksumCache, digestFunction)

	return &ManifestWatcher{
		manifestPath:   manifestPath,
		manifestDigest: initialManifestDigest,
		leafs:          leafs,
		checksumCache:  checksumCache,
		digestFunction: digestFunction,
		onChange:       onChange,
		notifyWatcher:  notifyWatcher,
	}, nil
}

// Leafs returns the most recently loaded manifest contents.
func (w *ManifestWatcher) Leafs() map[string]manifest.Leaf {
	return w.leafs
}

// Start starts the ManifestWatcher.
func (w *ManifestWatcher) Start(ctx context.Context, wg *sync.WaitGroup) error {
	logging.Basicf("Starting watcher for %s (%v)", w.manifestPath, w.manifestDigest.Hex(w.digestFunction))
	manifestAbsPath, err := filepath.Abs(w.manifestPath)
	if err != nil {
		return err
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer w.Stop()
		defer logging.Basicf("Stopped manifest watcher")
		for {
			select {
			case event, ok := <-w.notifyWatcher.Events:
				if !ok {
					return
				}
				if event.Has(fsnotify.Write|fsnotify.Create) && event.Name == manifestAbsPath {
					logging.Debugf("manifest file might have changed")
					if err := w.reloadOnChange(); err != nil {
						logging.Errorf("error reloading manifest: %v", err)
					}
				}
			case err, ok := <-w.notifyWatcher.Errors:
				if !ok {
					return
				}
				logging.Errorf("manifest watcher encountered error: %v", err)
			case <-ctx.Done():
				return // context cancelled, call stop in defer
			}
		}
	}()

	// watch the directory so we also see atomic saves (write to temp + rename)
	if err := w.notifyWatcher.Add(filepath.Dir(manifestAbsPath)); err != nil {
		return err
	}
	return nil
}

// Stop stops the ManifestWatcher.
func (w *ManifestWatcher) Stop() (closeErr error) {
	w.closeOnce.Do(func() {
		closeErr = w.notifyWatcher.Close()
	})
	return closeErr
}

func (w *ManifestWatcher) reloadOnChange() error {
	newLeafs, shouldUpdate, err := w.reloadLeafsIfChanged()
	if err != nil {
		return err
	}
	if !shouldUpdate {
		return nil
	}

	logging.Basicf("manifest was changed, reloading (%v)", w.manifestDigest.Hex(w.digestFunction))
	prefillChecksumCache(newLeafs, w.checksumCache, w.digestFunction)
	w.leafs = newLeafs
	if w.onChange != nil {
		w.onChange(newLeafs)
	}
	return nil
}

func (w *ManifestWatcher) reloadLeafsIfChanged() (newLeafs map[string]manifest.Leaf, shouldUpdate bool, err error) {
	manifestFile, err := os.Open(w.manifestPath)
	if err != nil {
		return nil, false, err
	}
	defer manifestFile.Close()

	var contents bytes.Buffer
	digestReader := io.TeeReader(manifestFile, &contents)
	newDigest, err := w.digestFunction.CalculateDigest(digestReader)
	if err != nil {
		return nil, false, err
	}

	if newDigest == w.manifestDigest {
		logging.Debugf("manifest digest is the same, skipping update")
		return nil, false, nil
	}

	leafs, err := loadLeafs(&contents)
	if err != nil {
		var validationErr manifest.ValidationError
		if errors.As(err, &validationErr) {
			logging.Warningf("invalid manifest - skipping update: %v", err)
			return nil, false, nil
		}
		var syntaxErr *json.SyntaxError
		if errors.As(err, &syntaxErr) || errors.Is(err, io.ErrUnexpectedEOF) {
			// a half-saved manifest shows up as truncated JSON
			logging.Warningf("syntax error in manifest - skipping update: %v", err)
			return nil, false, nil
		}
		return nil, false, err
	}

	w.manifestDigest = newDigest
	return leafs, true, nil
}

func loadLeafs(reader io.Reader) (map[string]manifest.Leaf, error) {
	parsed, err := manifest.ParseManifest(reader)
	if err != nil {
		return nil, err
	}
	paths, err := parsed.Process()
	if err != nil {
		return nil, err
	}
	return manifest.Leafs(paths)
}

func prefillChecksumCache(leafs map[string]manifest.Leaf, checksumCache *integrity.ChecksumCache, digestFunction integrity.Algorithm) {
	for _, leaf := range leafs {
		if checksum, ok := leaf.Integrity.ChecksumForAlgorithm(digestFunction); ok && leaf.SizeHint >= 0 {
			digest := integrity.NewDigest(checksum.Hash, leaf.SizeHint, digestFunction)
			checksumCache.PutIntegrity(leaf.Integrity, digest)
		}
	}
}

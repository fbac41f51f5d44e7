package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/tweag/asset-fetch/integrity"
)

// Manifest describes the JSON manifest file format.
// Each key in Paths is the output path of an asset, relative to the
// destination directory of a sync or export.
type Manifest struct {
	Paths ManifestPaths `json:"paths"`
}

type ManifestPaths map[string]Entry

// Entry describes a single asset in the (JSON) manifest.
type Entry struct {
	// URIs is a list of mirror urls pointing to the same artifact.
	URIs []string `json:"uris"`
	// Integrity is a string or a list of strings containing the expected SRI digests of the artifact.
	// See https://developer.mozilla.org/en-US/docs/Web/Security/Subresource_Integrity
	// for more information.
	// When a list is used, only one digest per algorithm is allowed.
	// The digests must all be of the same data.
	Integrity json.RawMessage `json:"integrity"`
	// Size is the (optional) size of the artifact in bytes.
	// If provided, the size is known before the artifact is fetched.
	Size *int64 `json:"size,omitempty"`
	// Executable marks the artifact as executable when materialized.
	Executable bool `json:"executable,omitempty"`
	// Qualifiers are passed to the asset fetcher.
	// Keys of the form "http_header:<name>" add request headers to downloads.
	Qualifiers map[string]string `json:"qualifiers,omitempty"`
}

// GetIntegrity returns the raw SRI strings of the entry.
func (e Entry) GetIntegrity() ([]string, error) {
	var sriList []string
	var singleSRI string
	if err := json.Unmarshal(e.Integrity, &sriList); err == nil {
		// do nothing - the integrity is already parsed
	} else if err := json.Unmarshal(e.Integrity, &singleSRI); err == nil {
		sriList = []string{singleSRI}
	} else {
		return nil, errors.New(`"integrity" must be a string or a list of strings`)
	}
	return sriList, nil
}

// ParseManifest decodes a manifest without validating it.
func ParseManifest(reader io.Reader) (Manifest, error) {
	decoder := json.NewDecoder(reader)
	decoder.DisallowUnknownFields()
	var manifest Manifest
	if err := decoder.Decode(&manifest); err != nil {
		return Manifest{}, err
	}
	return manifest, nil
}

// Process validates the manifest and returns its paths.
func (m Manifest) Process() (ManifestPaths, error) {
	if len(m.Paths) == 0 {
		return nil, ValidationError{Issues: []string{"empty manifest"}}
	}
	issues := []string{}
	for path, entry := range m.Paths {
		issuesForPath := []string{}
		if err := validatePath(path); err != nil {
			issuesForPath = append(issuesForPath, err.Error())
		}
		if len(entry.URIs) == 0 {
			issuesForPath = append(issuesForPath, "entry must have at least one URI")
		} else {
			for _, uri := range entry.URIs {
				if len(uri) == 0 {
					issuesForPath = append(issuesForPath, `"uri" must be a non-empty string`)
				} else if !strings.HasPrefix(uri, "http://") && !strings.HasPrefix(uri, "https://") {
					// allow other schemes in the future
					issuesForPath = append(issuesForPath, `"uri" must start with "http://" or "https://"`)
				}
			}
		}
		sriList, err := entry.GetIntegrity()
		if err != nil {
			issuesForPath = append(issuesForPath, err.Error())
		} else if len(sriList) == 0 {
			issuesForPath = append(issuesForPath, `"integrity" may not be empty`)
		}
		if entry.Size != nil && *entry.Size < 0 {
			issuesForPath = append(issuesForPath, `"size" must be a non-negative integer`)
		}
		if len(issuesForPath) > 0 {
			issues = append(issues, path+": "+strings.Join(issuesForPath, ", "))
		}
	}
	if len(issues) > 0 {
		return nil, ValidationError{Issues: issues}
	}
	return m.Paths, nil
}

func validatePath(path string) error {
	if path == "" || path[0] == '/' {
		return errors.New("path must be a non-empty path to the artifact, relative to the destination directory")
	}
	for _, segment := range strings.Split(path, "/") {
		if segment == "" {
			return errors.New("path must not contain empty segments")
		}
		if segment == "." || segment == ".." {
			return errors.New("path must not contain '.' or '..' segments")
		}
	}
	return nil
}

// ValidationError reports all problems found while validating a manifest.
type ValidationError struct {
	Issues []string
}

func (e ValidationError) Error() string {
	return "manifest validation failed: \n  " + strings.Join(e.Issues, "\n  ")
}

// Leaf is the resolved form of a manifest entry.
type Leaf struct {
	URIs      []string
	Integrity integrity.Integrity
	// SizeHint is the size of the artifact in bytes.
	// A negative value indicates that the size is unknown.
	SizeHint   int64
	Executable bool
	Qualifiers map[string]string
}

// LeafFromEntry resolves an entry by parsing its SRI strings.
func LeafFromEntry(entry Entry) (Leaf, error) {
	sriList, err := entry.GetIntegrity()
	if err != nil {
		return Leaf{}, err
	}
	leafIntegrity, err := integrity.IntegrityFromString(sriList...)
	if err != nil {
		return Leaf{}, err
	}
	if leafIntegrity.Empty() {
		return Leaf{}, errors.New(`"integrity" may not be empty`)
	}
	leaf := Leaf{
		URIs:       entry.URIs,
		Integrity:  leafIntegrity,
		SizeHint:   -1,
		Executable: entry.Executable,
		Qualifiers: entry.Qualifiers,
	}
	if entry.Size != nil {
		leaf.SizeHint = *entry.Size
	}
	return leaf, nil
}

// Leafs resolves every path of a validated manifest.
func Leafs(paths ManifestPaths) (map[string]Leaf, error) {
	out := make(map[string]Leaf, len(paths))
	for path, entry := range paths {
		leaf, err := LeafFromEntry(entry)
		if err != nil {
			return nil, fmt.Errorf("resolving manifest entry %s: %w", path, err)
		}
		out[path] = leaf
	}
	return out, nil
}

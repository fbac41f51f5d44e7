package api

import (
	"errors"
	"slices"
	"strings"
)

// GlobalConfig is the configuration for asset-fetch.
// It can be read from a JSON file or passed as command-line flags.
// This configuration is shared by all subcommands.
type GlobalConfig struct {
	// DigestFunction is the hash function used to compute the digest of a file.
	// It is also used by the remote- and local CAS to reference blobs.
	DigestFunction string `json:"digest_function,omitempty"`
	// The path to the manifest file.
	ManifestPath string `json:"manifest_path,omitempty"`
	// The path to the local (disk) cache directory.
	DiskCachePath string `json:"disk_cache,omitempty"`
	// The grpc(s) endpoint of an optional REAPI server,
	// providing access to a remote content-addressable storage
	// and a remote asset service.
	// Example: "grpcs://remote.buildbuddy.io"
	// Example: "grpc://localhost:8980" (for unencrypted connections - not recommended)
	// If empty, asset-fetch runs fully local.
	Remote string `json:"remote,omitempty"`
	// CredentialHelper is the path to an external credential helper process.
	CredentialHelper string `json:"credential_helper,omitempty"`
	// RemoteDownloaderPropagateCredentials controls whether credentials
	// obtained from the credential helper are forwarded to the remote
	// asset service as qualifiers.
	RemoteDownloaderPropagateCredentials *bool `json:"remote_downloader_propagate_credentials,omitempty"`
	// Workers is the number of concurrent asset fetches.
	Workers int `json:"workers,omitempty"`
	// FetchTimeoutSeconds bounds a single asset fetch. 0 means no timeout
	// beyond what the transport provides.
	FetchTimeoutSeconds int `json:"fetch_timeout_seconds,omitempty"`
	// DigestXattrName is the name of the extended attribute (xattr) used to
	// store the digest of an exported file. Empty disables the extra xattr.
	DigestXattrName string `json:"unix_digest_hash_attribute_name,omitempty"`
	// DigestXattrEncoding is the encoding of the digest in the xattr ("raw" or "hex").
	DigestXattrEncoding string `json:"unix_digest_hash_attribute_encoding,omitempty"`
	// Log level. One of "error", "warning", "basic", "debug".
	// Note that some messages are always printed, regardless of the log level (e.g. errors).
	LogLevel string `json:"log_level,omitempty"`
}

func (c GlobalConfig) Validate() error {
	issues := []string{}
	switch c.DigestFunction {
	case "sha256", "sha384", "sha512", "blake3": // allowed
	case "":
		issues = append(issues, `digest_function must be provided`)
	default:
		issues = append(issues, `digest_function must be one of "sha256", "sha384", "sha512", "blake3"`)
	}
	if c.ManifestPath == "" {
		issues = append(issues, `manifest_path must be provided`)
	}
	if c.DiskCachePath == "" {
		issues = append(issues, `disk_cache must be provided`)
	}
	if c.Remote != "" && !slices.Contains([]string{"grpcs", "grpc"}, strings.Split(c.Remote, "://")[0]) {
		issues = append(issues, `remote must start with "grpcs://" or "grpc://"`)
	}
	if c.Workers < 1 {
		issues = append(issues, `workers must be a positive integer`)
	}
	if c.FetchTimeoutSeconds < 0 {
		issues = append(issues, `fetch_timeout_seconds must be a non-negative integer`)
	}
	switch c.DigestXattrEncoding {
	case "", "raw", "hex": // allowed
	default:
		issues = append(issues, `unix_digest_hash_attribute_encoding must be one of "raw", "hex"`)
	}
	switch c.LogLevel {
	case "error", "warning", "basic", "debug": // allowed
	default:
		issues = append(issues, `log_level must be one of "error", "warning", "basic", "debug"`)
	}

	if len(issues) > 0 {
		return errors.New("config validation failed: \n  " + strings.Join(issues, "\n  "))
	}
	return nil
}

type ConfigReader interface {
	Read(baseConfig GlobalConfig) (GlobalConfig, error)
}

func ReadConfig(reader ConfigReader, config GlobalConfig) (GlobalConfig, error) {
	return reader.Read(config)
}

func DefaultConfig() GlobalConfig {
	return GlobalConfig{
		DigestFunction: "sha256",
		ManifestPath:   "manifest.json",
		DiskCachePath:  "~/.cache/asset-fetch",
		Workers:        4,
		LogLevel:       "basic",
	}
}

// ErrConfigNotFound is returned by config readers when the config file does not exist.
var ErrConfigNotFound = errors.New("config file not found")

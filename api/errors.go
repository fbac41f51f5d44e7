package api

import "fmt"

// The error taxonomy for a single asset. Every failure during a fetch is one
// of these three kinds, is local to the asset it occurred on, and is surfaced
// to the caller without being retried.

// TransportError indicates that an asset could not be retrieved from a URI:
// unreachable host, DNS failure, a non-success HTTP status, or a connection
// interrupted mid-download.
type TransportError struct {
	URI string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error for %s: %v", e.URI, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IntegrityError indicates that the bytes of a downloaded (or cached) asset
// do not match the expected checksum. It is never silently accepted: a file
// at a returned path always matches its expected digest.
type IntegrityError struct {
	URI       string
	Algorithm string
	Expected  string
	Got       string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity error for %s: invalid %s: expected %s, got %s", e.URI, e.Algorithm, e.Expected, e.Got)
}

// FilesystemError indicates that a destination directory or file could not
// be created or written.
type FilesystemError struct {
	Path string
	Err  error
}

func (e *FilesystemError) Error() string {
	return fmt.Sprintf("filesystem error for %s: %v", e.Path, e.Err)
}

func (e *FilesystemError) Unwrap() error { return e.Err }

package integrity

import (
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"hash"
	"io"
	"iter"
	"strings"

	"lukechampine.com/blake3"
)

// Algorithm identifies a supported digest function.
type Algorithm struct{ name string }

var (
	SHA256          Algorithm = Algorithm{"sha256"}
	SHA384          Algorithm = Algorithm{"sha384"}
	SHA512          Algorithm = Algorithm{"sha512"}
	Blake3          Algorithm = Algorithm{"blake3"}
	KnownAlgorithms           = []Algorithm{SHA256, SHA384, SHA512, Blake3}
)

func (a Algorithm) String() string { return a.name }

func AlgorithmFromString(name string) (Algorithm, bool) {
	name = strings.ToLower(name)
	switch name {
	case "sha256":
		return SHA256, true
	case "sha384":
		return SHA384, true
	case "sha512":
		return SHA512, true
	case "blake3":
		return Blake3, true
	}
	return Algorithm{}, false
}

func (a Algorithm) SizeBytes() int {
	switch a {
	case SHA256:
		return 32
	case SHA384:
		return 48
	case SHA512:
		return 64
	case Blake3:
		return 32
	}
	// Should be unreachable.
	panic(errUnsupportedAlgorithm)
}

// Identifier returns a single byte identifying the algorithm.
// It is used to disambiguate map keys built from raw hashes.
func (a Algorithm) Identifier() byte {
	switch a {
	case SHA256:
		return 1
	case SHA384:
		return 2
	case SHA512:
		return 3
	case Blake3:
		return 4
	}
	// Should be unreachable.
	panic(errUnsupportedAlgorithm)
}

// Hasher returns a new hash.Hash computing the algorithm's digest.
func (a Algorithm) Hasher() hash.Hash {
	switch a {
	case SHA256:
		return sha256.New()
	case SHA384:
		return sha512.New384()
	case SHA512:
		return sha512.New()
	case Blake3:
		return blake3.New(32, nil)
	}
	// Should be unreachable.
	panic(errUnsupportedAlgorithm)
}

// SupportedAlgorithms iterates over all supported digest functions.
func SupportedAlgorithms() iter.Seq[Algorithm] {
	return func(yield func(Algorithm) bool) {
		for _, alg := range KnownAlgorithms {
			if !yield(alg) {
				return
			}
		}
	}
}

// CalculateDigest consumes the reader and returns the digest of its contents.
func (a Algorithm) CalculateDigest(r io.Reader) (Digest, error) {
	hasher := a.Hasher()
	n, err := io.Copy(hasher, r)
	if err != nil {
		return Digest{}, err
	}
	return NewDigest(hasher.Sum(nil), n, a), nil
}

// CheckContent consumes the reader and verifies that its contents match the digest.
func (d Digest) CheckContent(r io.Reader, algorithm Algorithm) error {
	got, err := algorithm.CalculateDigest(r)
	if err != nil {
		return err
	}
	if got.SizeBytes != d.SizeBytes {
		return fmt.Errorf("content size mismatch: expected %d bytes, got %d", d.SizeBytes, got.SizeBytes)
	}
	if !d.Equals(got, algorithm) {
		return fmt.Errorf("content hash mismatch: expected %s, got %s", d.Hex(algorithm), got.Hex(algorithm))
	}
	return nil
}

// IntegrityFromContent consumes the reader and returns an Integrity holding
// the checksum for the given algorithms (all computed in one pass), together
// with the content size.
func IntegrityFromContent(r io.Reader, algorithms ...Algorithm) (Integrity, int64, error) {
	if len(algorithms) == 0 {
		return Integrity{}, 0, errUnsupportedAlgorithm
	}
	hashers := make([]hash.Hash, len(algorithms))
	writers := make([]io.Writer, len(algorithms))
	for i, alg := range algorithms {
		hashers[i] = alg.Hasher()
		writers[i] = hashers[i]
	}
	n, err := io.Copy(io.MultiWriter(writers...), r)
	if err != nil {
		return Integrity{}, 0, err
	}
	checksums := make([]Checksum, len(algorithms))
	for i, alg := range algorithms {
		checksums[i] = Checksum{Algorithm: alg, Hash: hashers[i].Sum(nil)}
	}
	return IntegrityFromChecksums(checksums...), n, nil
}

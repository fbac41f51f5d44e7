package integrity

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"iter"
)

// Digest references a blob in a content-addressable storage (CAS) by its
// hash and content size (in bytes), as in the remote execution API.
// Unlike the remote execution API, the hash is stored as a byte array.
type Digest struct {
	// Inlined array of bytes representing the hash.
	// This uses the theoretical maximum size of a hash (64 bytes).
	// All public methods correctly handle the actual hash size.
	// The contents of the unused bytes are unspecified and must be ignored.
	hash [64]byte
	// Size of the content in bytes.
	SizeBytes int64
}

func NewDigest(hash []byte, sizeBytes int64, algorithm Algorithm) Digest {
	if len(hash) != algorithm.SizeBytes() {
		panic("hash length does not match algorithm size")
	}
	out := Digest{SizeBytes: sizeBytes}
	copy(out.hash[:], hash)
	return out
}

func DigestFromHex(hexDigest string, sizeBytes int64, algorithm Algorithm) (Digest, error) {
	hash, err := hex.DecodeString(hexDigest)
	if err != nil {
		return Digest{}, fmt.Errorf("failed to decode hex digest %q: %w", hexDigest, err)
	}
	if len(hash) != algorithm.SizeBytes() {
		return Digest{}, fmt.Errorf("unexpected hash size in hex digest %q: got %d, want %d", hexDigest, len(hash), algorithm.SizeBytes())
	}
	return NewDigest(hash, sizeBytes, algorithm), nil
}

func (d Digest) Equals(other Digest, algorithm Algorithm) bool {
	if d.Uninitialized() || other.Uninitialized() {
		// for safety, uninitialized digests are never equal to anything
		return false
	}
	if d.SizeBytes != other.SizeBytes {
		return false
	}
	sz := algorithm.SizeBytes()
	return bytes.Equal(d.hash[:sz], other.hash[:sz])
}

func (d Digest) Uninitialized() bool {
	return d.SizeBytes == 0 && d.hash == [64]byte{}
}

// CopyHashInto copies the hash into the destination buffer.
// The destination buffer must be at least the size of the hash.
func (d Digest) CopyHashInto(dest []byte, algorithm Algorithm) error {
	sz := algorithm.SizeBytes()
	if len(dest) < sz {
		return fmt.Errorf("destination buffer is too small: got %d, want %d", len(dest), sz)
	}
	copy(dest, d.hash[:sz])
	return nil
}

func (d Digest) Hex(algorithm Algorithm) string {
	sz := algorithm.SizeBytes()
	return hex.EncodeToString(d.hash[:sz])
}

// Checksum is a single checksum of an artifact for a specific algorithm.
// It doesn't contain the size of the contents.
type Checksum struct {
	Algorithm Algorithm
	Hash      []byte
}

func ChecksumFromSRI(integrity string) (Checksum, error) {
	var checksum Checksum
	if len(integrity) < 8 {
		return checksum, fmt.Errorf("malformed sri: %q", integrity)
	}
	switch integrity[:7] {
	case "sha256-":
		checksum.Algorithm = SHA256
	case "sha384-":
		checksum.Algorithm = SHA384
	case "sha512-":
		checksum.Algorithm = SHA512
	case "blake3-":
		checksum.Algorithm = Blake3
	default:
		return checksum, fmt.Errorf("unsupported algorithm in sri: %s", integrity)
	}

	hash, err := base64.StdEncoding.DecodeString(integrity[7:])
	if err != nil {
		return checksum, fmt.Errorf("failed to decode sri hash from base64 in %q: %w", integrity, err)
	}
	if len(hash) != checksum.Algorithm.SizeBytes() {
		return checksum, fmt.Errorf("unexpected hash size in sri %q: got %d, want %d", integrity, len(hash), checksum.Algorithm.SizeBytes())
	}
	checksum.Hash = hash
	return checksum, nil
}

func ChecksumFromDigest(digest Digest, algorithm Algorithm) Checksum {
	return Checksum{Algorithm: algorithm, Hash: digest.hash[:algorithm.SizeBytes()]}
}

func (c Checksum) ToSRI() string {
	return fmt.Sprintf("%s-%s", c.Algorithm.String(), base64.StdEncoding.EncodeToString(c.Hash))
}

func (c Checksum) Hex() string {
	return hex.EncodeToString(c.Hash)
}

func (c Checksum) Equals(other Checksum) bool {
	return c.Algorithm == other.Algorithm && len(c.Hash) > 0 && len(other.Hash) > 0 && bytes.Equal(c.Hash, other.Hash)
}

// Empty returns true if the checksum is empty.
func (c Checksum) Empty() bool {
	return len(c.Hash) == 0
}

// Integrity is the set of known checksums of an artifact, at most one per
// algorithm. All checksums must be of the same data.
// This representation is not space-efficient, but it doesn't require
// additional allocations for each checksum.
type Integrity struct {
	sha256 Checksum
	sha384 Checksum
	sha512 Checksum
	blake3 Checksum
}

func (i Integrity) Empty() bool {
	return i.sha256.Hash == nil && i.sha384.Hash == nil && i.sha512.Hash == nil && i.blake3.Hash == nil
}

func (i Integrity) Items() iter.Seq[Checksum] {
	return func(yield func(Checksum) bool) {
		for _, alg := range KnownAlgorithms {
			if checksum, ok := i.ChecksumForAlgorithm(alg); ok {
				if !yield(checksum) {
					return
				}
			}
		}
	}
}

// Equivalent returns true if the two Integrity objects are equivalent.
// This means: for each algorithm that has a checksum in both objects,
// the checksums are equal, and at least one algorithm is present in both.
// An object with no checksums is considered unequal to any other object.
func (i Integrity) Equivalent(other Integrity) bool {
	if i.Empty() || other.Empty() {
		return false
	}
	var matchingChecksums int
	for _, alg := range KnownAlgorithms {
		mine, ok := i.ChecksumForAlgorithm(alg)
		if !ok {
			continue
		}
		theirs, ok := other.ChecksumForAlgorithm(alg)
		if !ok {
			continue
		}
		matchingChecksums++
		if !bytes.Equal(mine.Hash, theirs.Hash) {
			return false
		}
	}
	return matchingChecksums > 0
}

func IntegrityFromString(integrity ...string) (Integrity, error) {
	out := Integrity{}
	for i, sri := range integrity {
		c, err := ChecksumFromSRI(sri)
		if err != nil {
			return Integrity{}, fmt.Errorf("parsing integrity string %d: %w", i, err)
		}
		if existing, ok := out.ChecksumForAlgorithm(c.Algorithm); ok && !existing.Empty() {
			return Integrity{}, fmt.Errorf("duplicate %s checksums in integrity strings", c.Algorithm)
		}
		out.setChecksum(c)
	}
	return out, nil
}

func IntegrityFromChecksums(checksums ...Checksum) Integrity {
	i := Integrity{}
	for _, c := range checksums {
		i.setChecksum(c)
	}
	return i
}

func (i *Integrity) setChecksum(c Checksum) {
	switch c.Algorithm {
	case SHA256:
		i.sha256 = c
	case SHA384:
		i.sha384 = c
	case SHA512:
		i.sha512 = c
	case Blake3:
		i.blake3 = c
	}
}

func (i Integrity) ChecksumForAlgorithm(alg Algorithm) (Checksum, bool) {
	switch alg {
	case SHA256:
		return i.sha256, i.sha256.Hash != nil
	case SHA384:
		return i.sha384, i.sha384.Hash != nil
	case SHA512:
		return i.sha512, i.sha512.Hash != nil
	case Blake3:
		return i.blake3, i.blake3.Hash != nil
	}
	return Checksum{}, false
}

// BestSingleChecksum returns the best single checksum (with preference for the given algorithm).
// Alternatively, other algorithms are allowed.
func (i Integrity) BestSingleChecksum(alg Algorithm) (Checksum, bool) {
	// Always prefer the algorithm used for digests,
	// then sha256 (most widely supported), then the fastest (blake3),
	// then the most secure (sha512), then the least used (sha384).
	for _, candidate := range []Algorithm{alg, SHA256, Blake3, SHA512, SHA384} {
		if c, ok := i.ChecksumForAlgorithm(candidate); ok {
			return c, true
		}
	}
	return Checksum{}, false
}

// ToSRIList returns all known checksums as SRI strings.
func (i Integrity) ToSRIList() []string {
	var out []string
	for checksum := range i.Items() {
		out = append(out, checksum.ToSRI())
	}
	return out
}

// ToSRIString returns all known checksums as a single space-separated SRI string.
func (i Integrity) ToSRIString() string {
	var buf bytes.Buffer
	for checksum := range i.Items() {
		if buf.Len() > 0 {
			buf.WriteByte(' ')
		}
		buf.WriteString(checksum.ToSRI())
	}
	return buf.String()
}

var errUnsupportedAlgorithm = errors.New("unsupported algorithm")

package integrity_test

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"strings"
	"testing"

	"github.com/tweag/asset-fetch/integrity"
)

func TestChecksumFromSRI(t *testing.T) {
	sum := sha256.Sum256([]byte("hello world"))
	sri := "sha256-" + base64.StdEncoding.EncodeToString(sum[:])

	checksum, err := integrity.ChecksumFromSRI(sri)
	if err != nil {
		t.Fatal(err)
	}
	if checksum.Algorithm != integrity.SHA256 {
		t.Errorf("expected sha256, got %s", checksum.Algorithm)
	}
	if !bytes.Equal(checksum.Hash, sum[:]) {
		t.Errorf("expected %x, got %x", sum, checksum.Hash)
	}
	if checksum.ToSRI() != sri {
		t.Errorf("round trip mismatch: %s != %s", checksum.ToSRI(), sri)
	}
}

func TestChecksumFromSRIRejectsMalformedInput(t *testing.T) {
	for _, sri := range []string{
		"",
		"sha256",
		"md5-bbce2345d0d2ab8f45b1a23c31aad726",
		"sha256-notbase64!!!",
		// valid base64, wrong length
		"sha256-aGVsbG8=",
	} {
		if _, err := integrity.ChecksumFromSRI(sri); err == nil {
			t.Errorf("expected error for %q", sri)
		}
	}
}

func TestIntegrityFromStringRejectsDuplicateAlgorithms(t *testing.T) {
	sum := sha256.Sum256([]byte("hello world"))
	sri := "sha256-" + base64.StdEncoding.EncodeToString(sum[:])
	if _, err := integrity.IntegrityFromString(sri, sri); err == nil {
		t.Error("expected error for duplicate sha256 checksums")
	}
}

func TestBestSingleChecksumPrefersDigestFunction(t *testing.T) {
	content := []byte("some content")
	full, _, err := integrity.IntegrityFromContent(bytes.NewReader(content), integrity.SHA256, integrity.SHA512, integrity.Blake3)
	if err != nil {
		t.Fatal(err)
	}

	checksum, ok := full.BestSingleChecksum(integrity.SHA512)
	if !ok {
		t.Fatal("expected a checksum")
	}
	if checksum.Algorithm != integrity.SHA512 {
		t.Errorf("expected sha512 to be preferred, got %s", checksum.Algorithm)
	}

	// without the preferred algorithm present, sha256 wins
	checksum, ok = full.BestSingleChecksum(integrity.SHA384)
	if !ok {
		t.Fatal("expected a checksum")
	}
	if checksum.Algorithm != integrity.SHA256 {
		t.Errorf("expected sha256 fallback, got %s", checksum.Algorithm)
	}
}

func TestIntegrityFromContent(t *testing.T) {
	content := []byte("the quick brown fox")
	got, sizeBytes, err := integrity.IntegrityFromContent(bytes.NewReader(content), integrity.SHA256)
	if err != nil {
		t.Fatal(err)
	}
	if sizeBytes != int64(len(content)) {
		t.Errorf("expected size %d, got %d", len(content), sizeBytes)
	}

	sum := sha256.Sum256(content)
	checksum, ok := got.ChecksumForAlgorithm(integrity.SHA256)
	if !ok {
		t.Fatal("expected sha256 checksum")
	}
	if !bytes.Equal(checksum.Hash, sum[:]) {
		t.Errorf("expected %x, got %x", sum, checksum.Hash)
	}
}

func TestCheckContent(t *testing.T) {
	content := []byte("payload")
	digest, err := integrity.SHA256.CalculateDigest(bytes.NewReader(content))
	if err != nil {
		t.Fatal(err)
	}

	if err := digest.CheckContent(bytes.NewReader(content), integrity.SHA256); err != nil {
		t.Errorf("expected content to validate: %v", err)
	}
	if err := digest.CheckContent(bytes.NewReader([]byte("tampered")), integrity.SHA256); err == nil {
		t.Error("expected validation to fail for tampered content")
	}
}

func TestEquivalent(t *testing.T) {
	content := []byte("data")
	a, _, err := integrity.IntegrityFromContent(bytes.NewReader(content), integrity.SHA256, integrity.SHA512)
	if err != nil {
		t.Fatal(err)
	}
	b, _, err := integrity.IntegrityFromContent(bytes.NewReader(content), integrity.SHA512, integrity.Blake3)
	if err != nil {
		t.Fatal(err)
	}
	if !a.Equivalent(b) {
		t.Error("expected integrities sharing a matching sha512 checksum to be equivalent")
	}

	c, _, err := integrity.IntegrityFromContent(bytes.NewReader([]byte("other data")), integrity.SHA512)
	if err != nil {
		t.Fatal(err)
	}
	if a.Equivalent(c) {
		t.Error("expected integrities of different content to differ")
	}

	d, _, err := integrity.IntegrityFromContent(bytes.NewReader(content), integrity.SHA384)
	if err != nil {
		t.Fatal(err)
	}
	if a.Equivalent(d) {
		t.Error("expected integrities without a shared algorithm to be non-equivalent")
	}
}

func TestToSRIString(t *testing.T) {
	content := []byte("data")
	full, _, err := integrity.IntegrityFromContent(bytes.NewReader(content), integrity.SHA256, integrity.SHA384)
	if err != nil {
		t.Fatal(err)
	}
	sriString := full.ToSRIString()
	parts := strings.Split(sriString, " ")
	if len(parts) != 2 {
		t.Fatalf("expected two SRI strings, got %q", sriString)
	}
	roundTrip, err := integrity.IntegrityFromString(parts...)
	if err != nil {
		t.Fatal(err)
	}
	if !full.Equivalent(roundTrip) {
		t.Error("expected SRI string round trip to preserve the integrity")
	}
}

func TestAlgorithmFromString(t *testing.T) {
	for _, name := range []string{"sha256", "sha384", "sha512", "blake3"} {
		alg, ok := integrity.AlgorithmFromString(name)
		if !ok {
			t.Errorf("expected %s to be known", name)
			continue
		}
		if alg.String() != name {
			t.Errorf("expected %s, got %s", name, alg.String())
		}
	}
	if _, ok := integrity.AlgorithmFromString("md5"); ok {
		t.Error("md5 should not be supported")
	}
}

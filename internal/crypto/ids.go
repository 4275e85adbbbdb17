// Package crypto implements identifier generation and content digests.
package crypto

import (
	"crypto/rand"
	"encoding/hex"
	"strings"

	"github.com/gofrs/uuid/v5"
	"golang.org/x/crypto/blake2b"
)

const (
	// ArtifactIDLen is the fixed length of artifact ids (hex chars).
	ArtifactIDLen = 32
	// versionSuffixBytes random bytes follow the "_v" marker of a version id.
	versionSuffixBytes = 6
	versionMarker      = "_v"
)

// RandBytes returns n cryptographically secure random bytes.
func RandBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	return b, err
}

// NewArtifactID returns 32 lowercase hex chars derived from a UUIDv4.
func NewArtifactID() (string, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(id.Bytes()), nil
}

// NewVersionID returns "<artifactID>_v<12 hex>".
func NewVersionID(artifactID string) (string, error) {
	b, err := RandBytes(versionSuffixBytes)
	if err != nil {
		return "", err
	}
	return artifactID + versionMarker + hex.EncodeToString(b), nil
}

// ArtifactOf extracts the artifact id from a version id. Artifact ids are
// returned unchanged, so the result is the owning artifact of any reference.
func ArtifactOf(ref string) string {
	if i := strings.Index(ref, versionMarker); i > 0 {
		return ref[:i]
	}
	return ref
}

// IsVersionID reports whether ref has the version id shape.
func IsVersionID(ref string) bool {
	i := strings.Index(ref, versionMarker)
	if i <= 0 {
		return false
	}
	suffix := ref[i+len(versionMarker):]
	if len(suffix) != 2*versionSuffixBytes {
		return false
	}
	_, err := hex.DecodeString(suffix)
	return err == nil
}

// Digest returns the hex BLAKE2b-256 digest of data.
func Digest(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}

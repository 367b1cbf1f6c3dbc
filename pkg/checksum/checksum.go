// Package checksum provides hashing utilities for archive integrity
// verification. It is used when downloading remote package archives to check
// the transport-supplied digest (the Content-MD5 header some VCS providers
// send) and to publish SHA-256 digests for installed archives. Keeping this
// logic in a dedicated package applies consistent hashing behaviour across
// the download, store, and API layers without duplicating crypto wiring
// throughout the codebase.
package checksum

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
)

// CalculateSHA256 calculates the SHA256 checksum of data from a reader.
func CalculateSHA256(reader io.Reader) (string, error) {
	hasher := sha256.New()

	if _, err := io.Copy(hasher, reader); err != nil {
		return "", fmt.Errorf("failed to calculate checksum: %w", err)
	}

	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// VerifySHA256 verifies that the checksum of data matches the expected
// hex-encoded checksum.
func VerifySHA256(reader io.Reader, expectedChecksum string) (bool, error) {
	actualChecksum, err := CalculateSHA256(reader)
	if err != nil {
		return false, err
	}

	return actualChecksum == expectedChecksum, nil
}

// CalculateMD5 calculates the MD5 digest of data from a reader, base64
// encoded the way the Content-MD5 header carries it.
func CalculateMD5(reader io.Reader) (string, error) {
	hasher := md5.New()

	if _, err := io.Copy(hasher, reader); err != nil {
		return "", fmt.Errorf("failed to calculate checksum: %w", err)
	}

	return base64.StdEncoding.EncodeToString(hasher.Sum(nil)), nil
}

// VerifyContentMD5 verifies data against a Content-MD5 header value.
func VerifyContentMD5(reader io.Reader, headerValue string) (bool, error) {
	actual, err := CalculateMD5(reader)
	if err != nil {
		return false, err
	}

	return actual == headerValue, nil
}

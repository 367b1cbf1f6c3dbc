// Package crypto provides the authenticated encryption primitive behind
// license signatures. A signature is the AES-256-GCM sealed form of the
// payload "domain|package_slug|license_key|license_id", produced with the
// license's own crypto_key and hmac_key. The crypto_key is stretched to a
// 32-byte AES key with PBKDF2 and the hmac_key is bound as GCM additional
// data, so a signature only opens when BOTH per-license keys match. Any
// decode, decryption, or authentication failure is reported as a single
// opaque error: callers treat every failure mode as an invalid signature.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

var (
	// ErrKeyMissing is returned when either per-license key is empty.
	ErrKeyMissing = errors.New("crypto: crypto_key and hmac_key must be non-empty")
	// ErrSignatureInvalid is returned when a sealed value fails base64 decoding,
	// is too short to contain a nonce, or fails GCM authentication.
	ErrSignatureInvalid = errors.New("crypto: signature is invalid or tampered")
)

const pbkdf2Iterations = 100000

// SignatureCipher seals and opens license signature payloads for one
// (crypto_key, hmac_key) pair.
type SignatureCipher struct {
	aesKey []byte
	aad    []byte
}

// NewSignatureCipher derives a cipher from the per-license key material.
// The PBKDF2 salt is the SHA-256 of the hmac_key, which keeps derivation
// deterministic across processes without storing a separate salt.
func NewSignatureCipher(cryptoKey, hmacKey string) (*SignatureCipher, error) {
	if cryptoKey == "" || hmacKey == "" {
		return nil, ErrKeyMissing
	}
	salt := sha256.Sum256([]byte(hmacKey))
	aesKey := pbkdf2.Key([]byte(cryptoKey), salt[:], pbkdf2Iterations, 32, sha256.New)
	return &SignatureCipher{aesKey: aesKey, aad: []byte(hmacKey)}, nil
}

// Seal encrypts the payload and returns a URL-safe base64 string with the
// nonce prepended.
func (sc *SignatureCipher) Seal(payload string) (string, error) {
	blockCipher, err := aes.NewCipher(sc.aesKey)
	if err != nil {
		return "", err
	}

	aead, err := cipher.NewGCM(blockCipher)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	sealed := aead.Seal(nonce, nonce, []byte(payload), sc.aad)
	return base64.URLEncoding.EncodeToString(sealed), nil
}

// Open decrypts a sealed signature and returns the payload. Every failure
// mode maps to ErrSignatureInvalid so callers cannot distinguish a truncated
// value from a wrong key.
func (sc *SignatureCipher) Open(sealed string) (string, error) {
	raw, err := base64.URLEncoding.DecodeString(sealed)
	if err != nil {
		return "", ErrSignatureInvalid
	}

	blockCipher, err := aes.NewCipher(sc.aesKey)
	if err != nil {
		return "", err
	}

	aead, err := cipher.NewGCM(blockCipher)
	if err != nil {
		return "", err
	}

	nonceLen := aead.NonceSize()
	if len(raw) < nonceLen {
		return "", ErrSignatureInvalid
	}

	payload, err := aead.Open(nil, raw[:nonceLen], raw[nonceLen:], sc.aad)
	if err != nil {
		return "", ErrSignatureInvalid
	}

	return string(payload), nil
}

// GenerateSecret creates a random hex secret of the requested byte length,
// used for the hmac_key and crypto_key defaults on new licenses.
func GenerateSecret(length int) (string, error) {
	if length < 16 {
		length = 16
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

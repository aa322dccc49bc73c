package security

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// pbkdf2Iterations is the PBKDF2 work factor applied to every secret,
// comfortably above the 200,000-iteration floor OWASP recommends for
// PBKDF2-HMAC-SHA256.
const pbkdf2Iterations = 210_000

const (
	keyIDPrefix = "kid_"
	secretPrefix = "db_"

	keyIDRandomBytes = 10
	secretRandomBytes = 32
)

// KeyHash is the credential material persisted for a Consumer: a random
// salt and the PBKDF2-HMAC-SHA256 digest of the secret under that salt.
// Only this is stored; the plaintext secret is shown once at creation.
type KeyHash struct {
	Salt   []byte
	Digest []byte
}

// GenerateKeyID returns a new public, lookupable key_id: "kid_" followed by
// 10 random bytes, URL-safe base64 encoded.
func GenerateKeyID() (string, error) {
	b := make([]byte, keyIDRandomBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate key id: %w", err)
	}
	return keyIDPrefix + b64Encode(b), nil
}

// GenerateSecret returns a new opaque secret: "db_" followed by 32 random
// bytes, URL-safe base64 encoded.
func GenerateSecret() (string, error) {
	b := make([]byte, secretRandomBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return secretPrefix + b64Encode(b), nil
}

// HashSecret derives a KeyHash for secret using a freshly generated salt.
func HashSecret(secret string) (KeyHash, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return KeyHash{}, fmt.Errorf("generate salt: %w", err)
	}
	digest := pbkdf2.Key([]byte(secret), salt, pbkdf2Iterations, sha256.Size, sha256.New)
	return KeyHash{Salt: salt, Digest: digest}, nil
}

// VerifySecret reports whether secret hashes to digest under salt, using a
// constant-time comparison to avoid timing side channels.
func VerifySecret(secret string, salt, digest []byte) bool {
	actual := pbkdf2.Key([]byte(secret), salt, pbkdf2Iterations, sha256.Size, sha256.New)
	return subtle.ConstantTimeCompare(actual, digest) == 1
}

// SplitCredential splits an X-Consumer-Key header value of the form
// "<key_id>.<secret>" into its two parts. It returns an error if the value
// has no separating dot or either half is empty.
func SplitCredential(header string) (keyID, secret string, err error) {
	idx := strings.IndexByte(header, '.')
	if idx < 0 {
		return "", "", fmt.Errorf("malformed credential: missing separator")
	}
	keyID, secret = header[:idx], header[idx+1:]
	if keyID == "" || secret == "" {
		return "", "", fmt.Errorf("malformed credential: empty key id or secret")
	}
	return keyID, secret, nil
}

func b64Encode(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

// Package auth covers credential generation, verification, request
// authentication, and reviewer session tokens.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// Credential prefixes. The first PrefixLen characters of a raw credential
// are stored in clear as the lookup prefix.
const (
	KeyPrefix    = "nbl_"
	EnrollPrefix = "nbe_"
	PrefixLen    = 8

	rawKeyBytes = 36 // 48 url-safe base64 chars
)

// argon2id parameters, fixed at issue time and recorded in the PHC string
// so they can change without invalidating stored hashes.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
	argonKeyLen  = 32
	argonSaltLen = 16
)

// GenerateKey mints a new API key. Returns the raw credential (shown to the
// caller exactly once), its lookup prefix, and the argon2id hash to store.
func GenerateKey() (raw, prefix, hash string, err error) {
	return generate(KeyPrefix)
}

// GenerateEnrollToken mints a one-time enrollment token.
func GenerateEnrollToken() (raw, prefix, hash string, err error) {
	return generate(EnrollPrefix)
}

func generate(kind string) (raw, prefix, hash string, err error) {
	buf := make([]byte, rawKeyBytes)
	if _, err = rand.Read(buf); err != nil {
		return "", "", "", fmt.Errorf("generate key material: %w", err)
	}
	raw = kind + base64.RawURLEncoding.EncodeToString(buf)
	prefix = raw[:PrefixLen]
	hash, err = HashSecret(raw)
	if err != nil {
		return "", "", "", err
	}
	return raw, prefix, hash, nil
}

// HashSecret produces a PHC-formatted argon2id digest of secret.
func HashSecret(secret string) (string, error) {
	salt := make([]byte, argonSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	digest := argon2.IDKey([]byte(secret), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, argonMemory, argonTime, argonThreads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(digest),
	), nil
}

// VerifySecret checks secret against a PHC-formatted argon2id digest in
// constant time.
func VerifySecret(secret, encoded string) bool {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return false
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return false
	}

	var mem, iters uint32
	var threads uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &mem, &iters, &threads); err != nil {
		return false
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false
	}

	got := argon2.IDKey([]byte(secret), salt, iters, mem, threads, uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1
}

// WellFormedKey reports whether raw looks like an API key before any
// database work happens.
func WellFormedKey(raw string) bool {
	return strings.HasPrefix(raw, KeyPrefix) && len(raw) > PrefixLen
}

// WellFormedEnrollToken reports whether raw looks like an enrollment token.
func WellFormedEnrollToken(raw string) bool {
	return strings.HasPrefix(raw, EnrollPrefix) && len(raw) > PrefixLen
}

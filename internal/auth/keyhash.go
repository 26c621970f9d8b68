package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// ErrInvalidKeyHash indicates a stored API key hash that cannot be parsed.
var ErrInvalidKeyHash = errors.New("malformed api key hash")

// Argon2id parameters for newly hashed API keys. Stored hashes carry their
// own parameters, so these can change without invalidating existing keys.
const (
	keyHashMemory     = 64 * 1024
	keyHashIterations = 3
	keyHashThreads    = 2
	keyHashSaltLen    = 16
	keyHashLen        = 32
)

// HashKey hashes a raw API key secret for storage, in the standard encoded
// form "$argon2id$v=..$m=..,t=..,p=..$salt$hash".
func HashKey(secret string) (string, error) {
	salt := make([]byte, keyHashSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	hash := argon2.IDKey([]byte(secret), salt, keyHashIterations, keyHashMemory, keyHashThreads, keyHashLen)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, keyHashMemory, keyHashIterations, keyHashThreads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash)), nil
}

// CompareKeyAndHash checks a presented secret against a stored encoded hash,
// using the parameters recorded in the hash itself.
func CompareKeyAndHash(secret, encodedHash string) (bool, error) {
	parts := strings.Split(encodedHash, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return false, ErrInvalidKeyHash
	}
	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return false, ErrInvalidKeyHash
	}
	if version != argon2.Version {
		return false, fmt.Errorf("unsupported argon2 version %d", version)
	}
	var mem, iter uint32
	var threads uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &mem, &iter, &threads); err != nil {
		return false, ErrInvalidKeyHash
	}
	salt, err := base64.RawStdEncoding.Strict().DecodeString(parts[4])
	if err != nil {
		return false, ErrInvalidKeyHash
	}
	want, err := base64.RawStdEncoding.Strict().DecodeString(parts[5])
	if err != nil {
		return false, ErrInvalidKeyHash
	}
	got := argon2.IDKey([]byte(secret), salt, iter, mem, threads, uint32(len(want)))
	return subtle.ConstantTimeCompare(want, got) == 1, nil
}

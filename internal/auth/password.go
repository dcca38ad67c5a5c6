package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/crypto/argon2"
)

// MaxReinitPasswordLen is the longest password a ReinitializeDevice request
// can carry (CharacterString SIZE(1..20)).
const MaxReinitPasswordLen = 20

// Argon2id parameters. The hash is checked once per ReinitializeDevice
// request, which is rare, so the cost can stay at the OWASP level.
const (
	argonTime    = 3         // iterations
	argonMemory  = 64 * 1024 // 64 MiB
	argonThreads = 1         // parallelism
	argonKeyLen  = 32        // output hash length
	argonSaltLen = 16        // salt length
)

// HashReinitPassword hashes the ReinitializeDevice password of the local
// device for local_device.reinit_password_hash.
//
// Parameters:
//   - password: 1 to MaxReinitPasswordLen characters
//
// Returns:
//   - string: PHC string, $argon2id$v=19$m=65536,t=3,p=1$<salt>$<hash>
//   - error: ErrReinitPassword when the length is out of range
func HashReinitPassword(password string) (string, error) {
	if err := ValidateReinitPassword(password); err != nil {
		return "", err
	}

	salt := make([]byte, argonSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generating salt: %w", err)
	}
	hash := argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, argonKeyLen)

	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version,
		argonMemory, argonTime, argonThreads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash),
	), nil
}

// ValidateReinitPassword checks that a password fits a ReinitializeDevice
// request. A password that does not fit could never be presented by a
// peer, so hashing one would lock the device out.
func ValidateReinitPassword(password string) error {
	n := utf8.RuneCountInString(password)
	switch {
	case n == 0:
		return fmt.Errorf("%w: empty", ErrReinitPassword)
	case n > MaxReinitPasswordLen:
		return fmt.Errorf("%w: %d characters, at most %d", ErrReinitPassword, n, MaxReinitPasswordLen)
	}
	return nil
}

// VerifyReinitPassword checks the password of a ReinitializeDevice request
// against the configured hash. Passwords that no valid request could carry
// are refused without running Argon2.
//
// Returns:
//   - bool: true when the password matches
//   - error: ErrInvalidHash when encodedHash is not an Argon2id PHC string
func VerifyReinitPassword(password, encodedHash string) (bool, error) {
	salt, hash, params, err := decodePHC(encodedHash)
	if err != nil {
		return false, err
	}
	if ValidateReinitPassword(password) != nil {
		return false, nil
	}

	candidate := argon2.IDKey([]byte(password), salt, params.time, params.memory, params.threads, uint32(len(hash))) //nolint:gosec // G115: hash length always fits uint32

	return subtle.ConstantTimeCompare(hash, candidate) == 1, nil
}

type argonParams struct {
	time    uint32
	memory  uint32
	threads uint8
}

// decodePHC splits an Argon2id PHC string.
func decodePHC(encoded string) (salt, hash []byte, params argonParams, err error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 { //nolint:mnd // PHC format has exactly 6 $-delimited parts
		return nil, nil, params, fmt.Errorf("%w: expected 6 fields", ErrInvalidHash)
	}
	if parts[1] != "argon2id" {
		return nil, nil, params, fmt.Errorf("%w: unsupported algorithm %q", ErrInvalidHash, parts[1])
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil { //nolint:govet // shadow: err re-declared in nested scope
		return nil, nil, params, fmt.Errorf("%w: version: %w", ErrInvalidHash, err)
	}
	if version != argon2.Version {
		return nil, nil, params, fmt.Errorf("%w: argon2 version %d", ErrInvalidHash, version)
	}
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &params.memory, &params.time, &params.threads); err != nil { //nolint:govet // shadow: err re-declared in nested scope
		return nil, nil, params, fmt.Errorf("%w: parameters: %w", ErrInvalidHash, err)
	}

	salt, err = base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return nil, nil, params, fmt.Errorf("%w: salt: %w", ErrInvalidHash, err)
	}
	hash, err = base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil || len(hash) == 0 {
		return nil, nil, params, fmt.Errorf("%w: hash", ErrInvalidHash)
	}
	return salt, hash, params, nil
}

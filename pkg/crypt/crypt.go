// Package crypt sets up and unlocks the encrypted data partition. The
// LUKS passphrase is never stored: it is re-derived from the operator
// password and a TPM-sealed secret, so the partition only opens on the
// machine that installed it.
//
// Derivation scheme:
//
//	argon2id(password, salt) -> 64 bytes, split into sliceA | sliceB
//	secret  = 64 random bytes, sealed into the TPM with auth sliceB
//	key     = HMAC-SHA256(sliceA, secret)
//
// salt and the sealed-object blobs live as tokens in the LUKS2 header.
package crypt

import (
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"

	"github.com/basalt-os/basaltctl/internal/utils"
	"golang.org/x/crypto/argon2"
)

// argon2id cost parameters, fixed forever: changing them would change
// every derived key.
const (
	argonTime    = 2
	argonMemory  = 19 * 1024
	argonThreads = 1
	kdfOutputLen = 64
)

const (
	saltLen   = 64
	secretLen = 64
)

// TPM is the small sealing surface we need. The real implementation
// talks to /dev/tpmrm0, tests substitute a deterministic fake.
type TPM interface {
	Random(n int) ([]byte, error)
	Seal(secret, auth []byte) (pub, priv []byte, err error)
	Unseal(pub, priv, auth []byte) ([]byte, error)
	Close() error
}

// DeriveKey stretches the operator password with the stored salt and
// splits the output into the HMAC half and the TPM auth half.
func DeriveKey(password string, salt []byte) (sliceA, sliceB []byte) {
	out := argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, kdfOutputLen)
	return out[:kdfOutputLen/2], out[kdfOutputLen/2:]
}

// FinalKey computes the LUKS passphrase from the HMAC half and the
// unsealed secret.
func FinalKey(sliceA, secret []byte) []byte {
	mac := hmac.New(sha256.New, sliceA)
	mac.Write(secret)
	return mac.Sum(nil)
}

// Setup formats device as LUKS2 keyed by a fresh derived key and stores
// the salt and sealed secret in the header. First-run only, the
// installer calls it on the empty data partition.
func Setup(tpm TPM, device, password string) error {
	salt, err := tpm.Random(saltLen)
	if err != nil {
		return fmt.Errorf("drawing salt from TPM: %w", err)
	}
	secret, err := tpm.Random(secretLen)
	if err != nil {
		return fmt.Errorf("drawing secret from TPM: %w", err)
	}

	sliceA, sliceB := DeriveKey(password, salt)
	key := FinalKey(sliceA, secret)

	pub, priv, err := tpm.Seal(secret, sliceB)
	if err != nil {
		return fmt.Errorf("sealing secret: %w", err)
	}

	if err := luksFormat(device, key); err != nil {
		return err
	}
	if err := storeTokens(device, salt, pub, priv); err != nil {
		return err
	}
	utils.Log.Info().Str("device", device).Msg("Data partition formatted and sealed")
	return nil
}

// Unlock re-derives the key and maps the partition as
// /dev/mapper/<name>.
func Unlock(tpm TPM, device, password, name string) error {
	salt, pub, priv, err := loadTokens(device)
	if err != nil {
		return err
	}

	sliceA, sliceB := DeriveKey(password, salt)
	secret, err := tpm.Unseal(pub, priv, sliceB)
	if err != nil {
		return fmt.Errorf("unsealing secret: %w", err)
	}

	return luksOpen(device, name, FinalKey(sliceA, secret))
}

// withKeyFile writes key material to a private scratch file for the
// duration of a cryptsetup call and shreds the directory afterwards.
func withKeyFile(key []byte, fn func(path string) error) error {
	dir, err := os.MkdirTemp("", "basalt-key-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "key")
	if err := os.WriteFile(path, key, 0600); err != nil {
		return err
	}
	return fn(path)
}

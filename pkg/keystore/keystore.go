// Package keystore manages the machine-local secret used to sign lock records.
//
// The secret is generated once, stored base64 encoded in a single file readable
// only by its owner, and shared with other participating machines out-of-band
// through Export and Import.
package keystore

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"leaselock/pkg/signer"
)

// KeySize is the length of generated secrets in bytes.
const KeySize = 32

var (
	ErrKeyNotFound         = errors.New("secret key not found")
	ErrKeyExists           = errors.New("secret key already exists")
	ErrInsecurePermissions = errors.New("secret key file is accessible by group or others")
	ErrInvalidKey          = errors.New("secret key is not valid base64")
)

// DefaultPath returns <user config dir>/leaselock/secret.key.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = filepath.Join(os.TempDir(), "leaselock-"+os.Getenv("USER"))
	}
	return filepath.Join(dir, "leaselock", "secret.key")
}

// Load reads the secret at path, refusing files with group or other permission bits.
func Load(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, path)
		}
		return nil, fmt.Errorf("stat secret key: %w", err)
	}
	if info.Mode().Perm()&0o077 != 0 {
		return nil, fmt.Errorf("%w: %s has mode %04o", ErrInsecurePermissions, path, info.Mode().Perm())
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read secret key: %w", err)
	}
	return DecodeKey(string(data))
}

// LoadOrGenerate loads the secret at path, creating one on first use.
func LoadOrGenerate(path string) (key []byte, generated bool, err error) {
	key, err = Load(path)
	if err == nil {
		return key, false, nil
	}
	if !errors.Is(err, ErrKeyNotFound) {
		return nil, false, err
	}
	key, err = Generate(path, false)
	if err != nil {
		return nil, false, err
	}
	return key, true, nil
}

// Generate writes a fresh random secret to path. An existing key is only replaced with force.
func Generate(path string, force bool) ([]byte, error) {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return nil, fmt.Errorf("%w: %s", ErrKeyExists, path)
		}
	}

	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate secret key: %w", err)
	}
	if err := write(path, key); err != nil {
		return nil, err
	}
	return key, nil
}

// Import installs a secret exported from another machine, replacing any existing
// key. Secrets too short to sign with are refused.
func Import(path, encoded string) ([]byte, error) {
	key, err := DecodeKey(encoded)
	if err != nil {
		return nil, err
	}
	if len(key) < signer.MinKeySize {
		return nil, fmt.Errorf("%w: %d bytes, need at least %d", signer.ErrWeakKey, len(key), signer.MinKeySize)
	}
	if err := write(path, key); err != nil {
		return nil, err
	}
	return key, nil
}

// Export returns the encoded secret at path for out-of-band distribution.
func Export(path string) (string, error) {
	key, err := Load(path)
	if err != nil {
		return "", err
	}
	return EncodeKey(key), nil
}

func EncodeKey(key []byte) string {
	return base64.StdEncoding.EncodeToString(key)
}

func DecodeKey(encoded string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(key) == 0 {
		return nil, fmt.Errorf("%w: empty", ErrInvalidKey)
	}
	return key, nil
}

// write replaces path atomically: temp file in the same directory, fsync, rename.
func write(path string, key []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create key dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".secret-*")
	if err != nil {
		return fmt.Errorf("create temp key file: %w", err)
	}
	tmpPath := tmp.Name()
	success := false
	defer func() {
		if !success {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	if err := tmp.Chmod(0o600); err != nil {
		return fmt.Errorf("chmod key file: %w", err)
	}
	if _, err := tmp.WriteString(EncodeKey(key) + "\n"); err != nil {
		return fmt.Errorf("write key file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("fsync key file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close key file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("install key file: %w", err)
	}

	success = true
	return nil
}

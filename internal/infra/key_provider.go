package infra

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"github.com/eliteGoblin/focusd/snapguard/internal/domain"
)

const (
	keyFileName = "audit.key"
	keySize     = 32 // 256-bit SQLCipher raw key

	// KeyEnvVar supplies the key directly (CI, containers).
	KeyEnvVar = "SNAPGUARD_AUDIT_KEY"
)

var errInvalidKeySize = errors.New("invalid key size")

// FileKeyProvider implements domain.KeyProvider with a hex key file
// readable only by the owner.
type FileKeyProvider struct {
	fs      afero.Fs
	keyPath string
}

// NewFileKeyProvider creates a FileKeyProvider for the given key directory.
func NewFileKeyProvider(keyDir string) *FileKeyProvider {
	return NewFileKeyProviderWithFs(afero.NewOsFs(), keyDir)
}

// NewFileKeyProviderWithFs creates a provider on a custom filesystem (for testing).
func NewFileKeyProviderWithFs(fs afero.Fs, keyDir string) *FileKeyProvider {
	return &FileKeyProvider{fs: fs, keyPath: filepath.Join(keyDir, keyFileName)}
}

// GetKey reads and decodes the key file.
func (p *FileKeyProvider) GetKey() ([]byte, error) {
	encoded, err := afero.ReadFile(p.fs, p.keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	return decodeKey(string(encoded))
}

// StoreKey writes the key atomically with 0600 permissions.
func (p *FileKeyProvider) StoreKey(key []byte) error {
	if len(key) != keySize {
		return fmt.Errorf("%w: got %d, want %d", errInvalidKeySize, len(key), keySize)
	}
	if err := p.fs.MkdirAll(filepath.Dir(p.keyPath), 0o700); err != nil {
		return fmt.Errorf("failed to create key directory: %w", err)
	}
	if err := atomicWrite(p.fs, p.keyPath, []byte(hex.EncodeToString(key)), 0o600); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}
	return nil
}

// KeyExists checks if the key file exists.
func (p *FileKeyProvider) KeyExists() bool {
	_, err := p.fs.Stat(p.keyPath)
	return err == nil
}

// EnvKeyProvider reads a hex key from an environment variable. It is
// read-only: StoreKey always fails.
type EnvKeyProvider struct {
	name   string
	lookup func(string) (string, bool)
}

// NewEnvKeyProvider reads KeyEnvVar.
func NewEnvKeyProvider() *EnvKeyProvider {
	return &EnvKeyProvider{name: KeyEnvVar, lookup: os.LookupEnv}
}

func (p *EnvKeyProvider) GetKey() ([]byte, error) {
	v, ok := p.lookup(p.name)
	if !ok {
		return nil, fmt.Errorf("%s is not set", p.name)
	}
	return decodeKey(v)
}

func (p *EnvKeyProvider) StoreKey([]byte) error {
	return fmt.Errorf("%s is read-only", p.name)
}

func (p *EnvKeyProvider) KeyExists() bool {
	_, ok := p.lookup(p.name)
	return ok
}

// GenerateKey creates a new random 256-bit key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, keySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate random key: %w", err)
	}
	return key, nil
}

// EnsureKey returns the provider's key, generating and storing one on first use.
func EnsureKey(provider domain.KeyProvider) ([]byte, error) {
	if provider.KeyExists() {
		return provider.GetKey()
	}
	key, err := GenerateKey()
	if err != nil {
		return nil, err
	}
	if err := provider.StoreKey(key); err != nil {
		return nil, err
	}
	return key, nil
}

// ResolveKeyProvider prefers the environment over the key file.
func ResolveKeyProvider(keyDir string) domain.KeyProvider {
	if env := NewEnvKeyProvider(); env.KeyExists() {
		return env
	}
	return NewFileKeyProvider(keyDir)
}

func decodeKey(s string) ([]byte, error) {
	key, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("failed to decode key: %w", err)
	}
	if len(key) != keySize {
		return nil, fmt.Errorf("%w: got %d, want %d", errInvalidKeySize, len(key), keySize)
	}
	return key, nil
}

var (
	_ domain.KeyProvider = (*FileKeyProvider)(nil)
	_ domain.KeyProvider = (*EnvKeyProvider)(nil)
)

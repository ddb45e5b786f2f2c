package infra

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/eliteGoblin/focusd/app_reaper/internal/domain"
)

const (
	keyFileName = ".key"
	keySize     = 32 // SQLCipher raw key
)

// ErrKeyPermissions is returned when the key file is readable by others.
var ErrKeyPermissions = errors.New("key file permissions too open")

// FileKeyProvider keeps the habits database key base64-encoded in a file
// next to the database. The file must be private to the daemon's user.
type FileKeyProvider struct {
	keyPath string
}

// NewFileKeyProvider creates a FileKeyProvider for the given data directory.
func NewFileKeyProvider(dataDir string) *FileKeyProvider {
	return &FileKeyProvider{keyPath: filepath.Join(dataDir, keyFileName)}
}

// Path returns the key file location.
func (p *FileKeyProvider) Path() string {
	return p.keyPath
}

// GetKey reads the key, refusing a file that group or others can read.
func (p *FileKeyProvider) GetKey() ([]byte, error) {
	f, err := os.Open(p.keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open key file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat key file: %w", err)
	}
	if perm := info.Mode().Perm(); perm&0077 != 0 {
		return nil, fmt.Errorf("%w: %s has mode %o", ErrKeyPermissions, p.keyPath, perm)
	}

	raw, err := io.ReadAll(io.LimitReader(f, 4096))
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	return decodeKey(raw)
}

// StoreKey replaces the key file atomically with mode 0600.
func (p *FileKeyProvider) StoreKey(key []byte) error {
	if err := checkKeySize(key); err != nil {
		return err
	}
	encoded := base64.StdEncoding.EncodeToString(key)
	if err := atomicWriteFile(p.keyPath, []byte(encoded), 0600); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}
	return nil
}

// KeyExists reports whether a key file is present.
func (p *FileKeyProvider) KeyExists() bool {
	_, err := os.Stat(p.keyPath)
	return err == nil
}

func decodeKey(encoded []byte) ([]byte, error) {
	// Hand-written key files usually end with a newline.
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(encoded)))
	if err != nil {
		return nil, fmt.Errorf("failed to decode key: %w", err)
	}
	if err := checkKeySize(key); err != nil {
		return nil, err
	}
	return key, nil
}

func checkKeySize(key []byte) error {
	if len(key) != keySize {
		return fmt.Errorf("invalid key size: got %d, want %d", len(key), keySize)
	}
	return nil
}

// GenerateKey returns a fresh random key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, keySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate random key: %w", err)
	}
	return key, nil
}

// EnsureKey returns the stored key. The first start of an encrypted store
// has no key yet, so one is generated and stored. Any other read failure is
// returned: replacing an unreadable key would orphan the existing database.
func EnsureKey(provider domain.KeyProvider) ([]byte, error) {
	key, err := provider.GetKey()
	if err == nil || !errors.Is(err, fs.ErrNotExist) {
		return key, err
	}

	key, err = GenerateKey()
	if err != nil {
		return nil, err
	}
	if err := provider.StoreKey(key); err != nil {
		return nil, err
	}
	return key, nil
}

var _ domain.KeyProvider = (*FileKeyProvider)(nil)

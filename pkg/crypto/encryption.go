// Package crypto seals venue API credentials at rest with AES-256-GCM.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
)

const (
	// KeySize is the required size for AES-256 keys (32 bytes)
	KeySize = 32

	prefixOpen = "ENC[v"
)

var (
	ErrInvalidKey        = errors.New("invalid encryption key: must be 32 bytes")
	ErrInvalidCiphertext = errors.New("invalid ciphertext format")
	ErrDecryptionFailed  = errors.New("decryption failed")
	ErrNoKeys            = errors.New("no encryption keys configured")
)

// Sealer encrypts with the newest key version and decrypts with whichever
// version a ciphertext names, so keys can be rotated without downtime.
type Sealer struct {
	mu      sync.RWMutex
	current int
	aeads   map[int]cipher.AEAD
}

// NewSealer builds a sealer from version -> raw 32-byte key.
func NewSealer(keys map[int][]byte) (*Sealer, error) {
	if len(keys) == 0 {
		return nil, ErrNoKeys
	}
	s := &Sealer{aeads: make(map[int]cipher.AEAD, len(keys))}
	for version, key := range keys {
		if version < 1 {
			return nil, fmt.Errorf("key version %d: must be >= 1", version)
		}
		if len(key) != KeySize {
			return nil, fmt.Errorf("key version %d: %w", version, ErrInvalidKey)
		}
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("create cipher v%d: %w", version, err)
		}
		gcm, err := cipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("create GCM v%d: %w", version, err)
		}
		s.aeads[version] = gcm
		if version > s.current {
			s.current = version
		}
	}
	return s, nil
}

// NewSealerFromEnv reads base64 keys from MASTER_ENCRYPTION_KEY (v1) and
// MASTER_ENCRYPTION_KEY_V2..V10 through lookup (usually os.Getenv).
func NewSealerFromEnv(lookup func(string) string) (*Sealer, error) {
	keys := make(map[int][]byte)
	for v := 1; v <= 10; v++ {
		name := "MASTER_ENCRYPTION_KEY"
		if v > 1 {
			name = fmt.Sprintf("%s_V%d", name, v)
		}
		raw := strings.TrimSpace(lookup(name))
		if raw == "" {
			continue
		}
		key, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", name, err)
		}
		keys[v] = key
	}
	return NewSealer(keys)
}

// Seal returns ENC[vN]:base64(nonce || ciphertext).
func (s *Sealer) Seal(plaintext string) (string, error) {
	s.mu.RLock()
	version, aead := s.current, s.aeads[s.current]
	s.mu.RUnlock()

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return fmt.Sprintf("%s%d]:%s", prefixOpen, version, base64.StdEncoding.EncodeToString(sealed)), nil
}

// Open decrypts a value produced by Seal with any configured key version.
func (s *Sealer) Open(value string) (string, error) {
	version, payload, err := parse(value)
	if err != nil {
		return "", err
	}
	s.mu.RLock()
	aead, ok := s.aeads[version]
	s.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("key version %d not available", version)
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", fmt.Errorf("base64 decode: %w", err)
	}
	if len(data) < aead.NonceSize() {
		return "", ErrInvalidCiphertext
	}
	plain, err := aead.Open(nil, data[:aead.NonceSize()], data[aead.NonceSize():], nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plain), nil
}

// Reseal re-encrypts value with the newest key.
func (s *Sealer) Reseal(value string) (string, error) {
	plain, err := s.Open(value)
	if err != nil {
		return "", fmt.Errorf("open for reseal: %w", err)
	}
	return s.Seal(plain)
}

// CurrentVersion returns the version used by Seal.
func (s *Sealer) CurrentVersion() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// IsSealed reports whether value carries the ENC[vN]: prefix.
func IsSealed(value string) bool {
	_, _, err := parse(value)
	return err == nil
}

func parse(value string) (int, string, error) {
	if !strings.HasPrefix(value, prefixOpen) {
		return 0, "", ErrInvalidCiphertext
	}
	end := strings.Index(value, "]:")
	if end == -1 {
		return 0, "", ErrInvalidCiphertext
	}
	var version int
	if _, err := fmt.Sscanf(value[len(prefixOpen):end], "%d", &version); err != nil || version < 1 {
		return 0, "", ErrInvalidCiphertext
	}
	return version, value[end+2:], nil
}

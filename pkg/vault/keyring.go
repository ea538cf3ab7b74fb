package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"
)

const keySize = 32

var (
	ErrInvalidKey     = errors.New("encryption key must be 32 bytes, hex or base64 encoded")
	ErrUnknownVersion = errors.New("no encryption key for version")
)

// Keyring holds versioned master keys. New records use the current version; older
// records decrypt with the version they were written with.
type Keyring struct {
	current int
	keys    map[int][]byte
}

// ParseKey decodes a 32 byte key given as 64 hex characters or standard base64
func ParseKey(raw string) ([]byte, error) {
	raw = strings.TrimSpace(raw)
	if key, err := hex.DecodeString(raw); err == nil && len(key) == keySize {
		return key, nil
	}
	if key, err := base64.StdEncoding.DecodeString(raw); err == nil && len(key) == keySize {
		return key, nil
	}
	return nil, ErrInvalidKey
}

// NewKeyring builds a keyring from the current key and retired "version:key" pairs
func NewKeyring(currentVersion int, currentKey, retired string) (*Keyring, error) {
	key, err := ParseKey(currentKey)
	if err != nil {
		return nil, fmt.Errorf("current key: %w", err)
	}
	ring := &Keyring{current: currentVersion, keys: map[int][]byte{currentVersion: key}}

	for _, pair := range strings.Split(retired, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		rawVersion, rawKey, ok := strings.Cut(pair, ":")
		if !ok {
			return nil, fmt.Errorf("retired key %q: expected version:key", pair)
		}
		version, err := strconv.Atoi(rawVersion)
		if err != nil || version <= 0 {
			return nil, fmt.Errorf("retired key %q: invalid version", pair)
		}
		if version == currentVersion {
			return nil, fmt.Errorf("retired key version %d collides with the current version", version)
		}
		key, err := ParseKey(rawKey)
		if err != nil {
			return nil, fmt.Errorf("retired key version %d: %w", version, err)
		}
		ring.keys[version] = key
	}
	return ring, nil
}

// CurrentVersion returns the version used for new records
func (k *Keyring) CurrentVersion() int {
	return k.current
}

// Encrypt seals plaintext for an integration with the current key
func (k *Keyring) Encrypt(integrationID uuid.UUID, plaintext []byte) (ciphertext, nonce []byte, version int, err error) {
	aead, err := k.aead(k.current, integrationID)
	if err != nil {
		return nil, nil, 0, err
	}

	nonce = make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, 0, fmt.Errorf("generate nonce: %w", err)
	}
	return aead.Seal(nil, nonce, plaintext, integrationID[:]), nonce, k.current, nil
}

// Decrypt opens a record written with version. Records are bound to their integration id.
func (k *Keyring) Decrypt(integrationID uuid.UUID, version int, ciphertext, nonce []byte) ([]byte, error) {
	aead, err := k.aead(version, integrationID)
	if err != nil {
		return nil, err
	}
	if len(nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("invalid nonce length %d", len(nonce))
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, integrationID[:])
	if err != nil {
		return nil, fmt.Errorf("decrypt credentials: %w", err)
	}
	return plaintext, nil
}

// aead derives the per-integration data key from the master key of version
func (k *Keyring) aead(version int, integrationID uuid.UUID) (cipher.AEAD, error) {
	master, ok := k.keys[version]
	if !ok {
		return nil, fmt.Errorf("%w %d", ErrUnknownVersion, version)
	}

	dataKey := make([]byte, keySize)
	kdf := hkdf.New(sha256.New, master, nil, []byte("fern/credentials/"+integrationID.String()))
	if _, err := io.ReadFull(kdf, dataKey); err != nil {
		return nil, fmt.Errorf("derive data key: %w", err)
	}

	block, err := aes.NewCipher(dataKey)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Package vault manages the versioned symmetric keys protecting incident
// evidence and other sensitive payloads. Keys are derived from a single
// master secret; ciphertext always records the version that produced it,
// so rotation never breaks previously encrypted data until the version
// is explicitly purged.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/hkdf"

	apperrors "github.com/shizukutanaka/mamori/internal/errors"
)

// AlgorithmAESGCM identifies the AEAD construction used for new blobs.
const AlgorithmAESGCM = "aes-256-gcm"

const keySize = 32

// EncryptedBlob is a self-describing encrypted payload. It carries
// everything needed to decrypt it across key rotations.
type EncryptedBlob struct {
	Ciphertext []byte `json:"ciphertext"`
	IV         []byte `json:"iv"`
	KeyVersion uint64 `json:"key_version"`
	Algorithm  string `json:"algorithm"`
}

// KeyVersion is one generation of derived key material
type KeyVersion struct {
	Version   uint64
	CreatedAt time.Time
	material  []byte
}

// KeyVault manages versioned encryption keys and password hashing
type KeyVault struct {
	logger *zap.Logger

	mu           sync.RWMutex
	masterSecret []byte
	keys         map[uint64]*KeyVersion
	current      uint64

	rotations uint64
}

// NewKeyVault creates a vault and derives version 1 as the current key
func NewKeyVault(logger *zap.Logger, masterSecret []byte) (*KeyVault, error) {
	if len(masterSecret) == 0 {
		return nil, fmt.Errorf("master secret must not be empty")
	}

	kv := &KeyVault{
		logger:       logger,
		masterSecret: append([]byte(nil), masterSecret...),
		keys:         make(map[uint64]*KeyVersion),
	}

	if _, err := kv.RotateKey(); err != nil {
		return nil, err
	}

	return kv, nil
}

// Encrypt seals plaintext under the current key version.
// The returned blob embeds the version used, so a rotation racing this
// call never invalidates the result.
func (kv *KeyVault) Encrypt(plaintext []byte) (*EncryptedBlob, error) {
	kv.mu.RLock()
	version := kv.current
	key, ok := kv.keys[version]
	kv.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("vault has no current key")
	}

	aead, err := newAEAD(key.material)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return &EncryptedBlob{
		Ciphertext: aead.Seal(nil, nonce, plaintext, nil),
		IV:         nonce,
		KeyVersion: version,
		Algorithm:  AlgorithmAESGCM,
	}, nil
}

// Decrypt opens a blob. It fails with a DecryptionError when the
// referenced key version is unknown or purged, when the algorithm is not
// recognized, or when authentication fails on tampered ciphertext.
// It never returns best-guess plaintext.
func (kv *KeyVault) Decrypt(blob *EncryptedBlob) ([]byte, error) {
	if blob == nil {
		return nil, apperrors.DecryptionFailed(0, fmt.Errorf("nil blob"))
	}
	if blob.Algorithm != AlgorithmAESGCM {
		return nil, apperrors.DecryptionFailed(blob.KeyVersion,
			fmt.Errorf("unsupported algorithm %q", blob.Algorithm))
	}

	// Copy the material under the lock: a concurrent purge zeroes the
	// original slice in place.
	kv.mu.RLock()
	key, ok := kv.keys[blob.KeyVersion]
	var material []byte
	if ok {
		material = append([]byte(nil), key.material...)
	}
	kv.mu.RUnlock()
	if !ok {
		return nil, apperrors.DecryptionFailed(blob.KeyVersion,
			fmt.Errorf("key version unknown or purged"))
	}

	aead, err := newAEAD(material)
	if err != nil {
		return nil, apperrors.DecryptionFailed(blob.KeyVersion, err)
	}
	if len(blob.IV) != aead.NonceSize() {
		return nil, apperrors.DecryptionFailed(blob.KeyVersion,
			fmt.Errorf("invalid nonce length %d", len(blob.IV)))
	}

	plaintext, err := aead.Open(nil, blob.IV, blob.Ciphertext, nil)
	if err != nil {
		return nil, apperrors.DecryptionFailed(blob.KeyVersion, err)
	}

	return plaintext, nil
}

// RotateKey derives the next key version and makes it current.
// Previous versions stay available for decryption until purged.
func (kv *KeyVault) RotateKey() (uint64, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	next := kv.current + 1
	material, err := kv.deriveKey(next)
	if err != nil {
		return 0, fmt.Errorf("failed to derive key version %d: %w", next, err)
	}

	kv.keys[next] = &KeyVersion{
		Version:   next,
		CreatedAt: time.Now(),
		material:  material,
	}
	kv.current = next
	kv.rotations++

	if kv.logger != nil {
		kv.logger.Info("Encryption key rotated",
			zap.Uint64("version", next),
			zap.Int("retained_versions", len(kv.keys)),
		)
	}

	return next, nil
}

// PurgeKeyVersions deletes all but the retain most recent versions and
// returns how many were purged. Purged material is zeroed before the
// version is forgotten; decrypting under a purged version fails
// deterministically. Callers must re-encrypt anything they still need
// before purging.
func (kv *KeyVault) PurgeKeyVersions(retain int) int {
	if retain < 1 {
		retain = 1
	}

	kv.mu.Lock()
	defer kv.mu.Unlock()

	purged := 0
	for version, key := range kv.keys {
		if version+uint64(retain) <= kv.current {
			for i := range key.material {
				key.material[i] = 0
			}
			delete(kv.keys, version)
			purged++
		}
	}

	if purged > 0 && kv.logger != nil {
		kv.logger.Info("Purged key versions",
			zap.Int("purged", purged),
			zap.Int("retained", len(kv.keys)),
			zap.Uint64("current", kv.current),
		)
	}

	return purged
}

// CurrentVersion returns the version new encryptions use
func (kv *KeyVault) CurrentVersion() uint64 {
	kv.mu.RLock()
	defer kv.mu.RUnlock()
	return kv.current
}

// RetainedVersions returns the versions still able to decrypt
func (kv *KeyVault) RetainedVersions() []uint64 {
	kv.mu.RLock()
	defer kv.mu.RUnlock()

	versions := make([]uint64, 0, len(kv.keys))
	for v := range kv.keys {
		versions = append(versions, v)
	}
	return versions
}

// Rotations returns how many rotations the vault has performed
func (kv *KeyVault) Rotations() uint64 {
	kv.mu.RLock()
	defer kv.mu.RUnlock()
	return kv.rotations
}

// deriveKey derives version-specific key material from the master secret.
// The HKDF info string binds the material to its version, so no two
// versions ever share a key. Caller holds kv.mu.
func (kv *KeyVault) deriveKey(version uint64) ([]byte, error) {
	info := fmt.Sprintf("mamori/evidence-key/v%d", version)
	reader := hkdf.New(sha256.New, kv.masterSecret, nil, []byte(info))

	material := make([]byte, keySize)
	if _, err := io.ReadFull(reader, material); err != nil {
		return nil, err
	}
	return material, nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

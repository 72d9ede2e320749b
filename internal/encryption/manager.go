package encryption

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/kms"

	"vote-service/internal/config"
	"vote-service/internal/util"
)

var (
	ErrEncryptionFailed  = errors.New("encryption failed")
	ErrInvalidCiphertext = errors.New("invalid ciphertext")
	ErrKeyUnavailable    = errors.New("encryption key unavailable")
)

const kmsUnwrapTimeout = 10 * time.Second

// KMSDecryptAPI is the slice of the KMS client used to unwrap the data key.
type KMSDecryptAPI interface {
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

// Manager performs authenticated symmetric encryption of contact values
// with AES-256-GCM. The key is resolved exactly once at construction; a
// process without a valid key must not start, so every resolution failure
// is returned as an error rather than papered over with a fallback key.
type Manager struct {
	aead cipher.AEAD
}

// NewManager resolves the data key and builds the cipher. With KMS enabled
// the key arrives as a KMS-encrypted blob and is unwrapped once here;
// otherwise it is read hex-encoded from configuration.
func NewManager(cfg *config.Config, kmsClient KMSDecryptAPI) (*Manager, error) {
	key, err := resolveKey(cfg, kmsClient)
	if err != nil {
		return nil, err
	}
	return newManagerWithKey(key)
}

// NewManagerWithKey builds a Manager from raw key bytes. Used by tests and
// by tools that already hold the unwrapped key.
func NewManagerWithKey(key []byte) (*Manager, error) {
	return newManagerWithKey(key)
}

func newManagerWithKey(key []byte) (*Manager, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("%w: need 32 bytes, got %d", ErrKeyUnavailable, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyUnavailable, err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyUnavailable, err)
	}
	return &Manager{aead: aead}, nil
}

func resolveKey(cfg *config.Config, kmsClient KMSDecryptAPI) ([]byte, error) {
	if cfg.KMS.Enabled {
		if kmsClient == nil {
			return nil, fmt.Errorf("%w: KMS enabled but no KMS client", ErrKeyUnavailable)
		}
		blob, err := base64.StdEncoding.DecodeString(cfg.KMS.EncryptedDataKey)
		if err != nil {
			return nil, fmt.Errorf("%w: encrypted data key is not valid base64", ErrKeyUnavailable)
		}
		ctx, cancel := context.WithTimeout(context.Background(), kmsUnwrapTimeout)
		defer cancel()
		out, err := kmsClient.Decrypt(ctx, &kms.DecryptInput{CiphertextBlob: blob})
		if err != nil {
			return nil, fmt.Errorf("%w: kms decrypt: %v", ErrKeyUnavailable, err)
		}
		util.Info("Data key unwrapped via KMS", util.String("key_id", cfg.KMS.KeyID))
		return out.Plaintext, nil
	}

	key, err := hex.DecodeString(cfg.Encryption.KeyHex)
	if err != nil {
		return nil, fmt.Errorf("%w: key is not valid hex", ErrKeyUnavailable)
	}
	return key, nil
}

// Encrypt seals plaintext with a fresh random nonce. Output layout is
// base64(nonce || ciphertext || tag); nothing about the key is implicit in
// the output, so there is no hidden rotation path.
func (m *Manager) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, m.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	sealed := m.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt fails closed: any tampering, truncation, or wrong key yields
// ErrInvalidCiphertext and never partial plaintext.
func (m *Manager) Decrypt(encoded string) (string, error) {
	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("%w: not valid base64", ErrInvalidCiphertext)
	}
	nonceSize := m.aead.NonceSize()
	if len(sealed) < nonceSize+m.aead.Overhead() {
		return "", fmt.Errorf("%w: too short", ErrInvalidCiphertext)
	}
	nonce, ciphertext := sealed[:nonceSize], sealed[nonceSize:]
	plaintext, err := m.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidCiphertext, err)
	}
	return string(plaintext), nil
}

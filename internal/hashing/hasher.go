package hashing

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/argon2"

	"vote-service/internal/config"
	"vote-service/internal/util"
)

var (
	ErrInvalidHash   = errors.New("invalid hash format")
	ErrInvalidSalt   = errors.New("invalid dedup salt")
	ErrUnknownPepper = errors.New("pepper version not found")
)

type Argon2Params struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

type Pepper struct {
	Value     string
	CreatedAt time.Time
	Version   int
}

// CodeHash carries everything needed to re-verify an OTP code later:
// the digest, the per-challenge salt, and which pepper version sealed it.
type CodeHash struct {
	Hash          string `json:"hash"`
	Salt          string `json:"salt"`
	PepperVersion int    `json:"pepper_version"`
	Algorithm     string `json:"algorithm"`
}

// Hasher provides the two one-way hashes the engine needs: a deterministic
// salted dedup hash over normalized identities, and a randomized
// salted+peppered hash for OTP codes.
type Hasher struct {
	params        Argon2Params
	dedupSalt     []byte
	currentPepper *Pepper
	oldPeppers    []*Pepper
	config        *config.Config
	mu            sync.RWMutex
}

func NewHasher(cfg *config.Config) (*Hasher, error) {
	dedupSalt, err := hex.DecodeString(cfg.Hashing.DedupSaltHex)
	if err != nil {
		return nil, fmt.Errorf("%w: not valid hex", ErrInvalidSalt)
	}
	if len(dedupSalt) < 16 {
		return nil, fmt.Errorf("%w: need at least 16 bytes, got %d", ErrInvalidSalt, len(dedupSalt))
	}

	h := &Hasher{
		params: Argon2Params{
			Memory:      uint32(cfg.Hashing.Argon2MemoryCost),
			Iterations:  uint32(cfg.Hashing.Argon2TimeCost),
			Parallelism: uint8(cfg.Hashing.Argon2Parallelism),
			SaltLength:  32,
			KeyLength:   32,
		},
		dedupSalt: dedupSalt,
		config:    cfg,
	}
	h.rotatePepper()
	return h, nil
}

// DedupHash maps a normalized identity to a fixed-length digest. The salt
// is a server secret, so equal identities always collide and nobody without
// the secret can precompute digests. The digest is the only identity form
// that ever appears in a queryable column or a log line.
func (h *Hasher) DedupHash(normalizedIdentity string) string {
	digest := argon2.IDKey(
		[]byte(normalizedIdentity),
		h.dedupSalt,
		h.params.Iterations,
		h.params.Memory,
		h.params.Parallelism,
		h.params.KeyLength,
	)
	return base64.RawURLEncoding.EncodeToString(digest)
}

// HashCode hashes an OTP code with a fresh random salt and the current
// pepper.
func (h *Hasher) HashCode(code string) (*CodeHash, error) {
	h.mu.RLock()
	pepper := h.currentPepper
	h.mu.RUnlock()

	salt := make([]byte, h.params.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	hash := argon2.IDKey(
		[]byte(code+pepper.Value),
		salt,
		h.params.Iterations,
		h.params.Memory,
		h.params.Parallelism,
		h.params.KeyLength,
	)

	return &CodeHash{
		Hash:          base64.RawURLEncoding.EncodeToString(hash),
		Salt:          base64.RawURLEncoding.EncodeToString(salt),
		PepperVersion: pepper.Version,
		Algorithm:     "argon2id-v1",
	}, nil
}

// VerifyCode compares a candidate code against a stored hash in constant
// time.
func (h *Hasher) VerifyCode(code string, stored *CodeHash) (bool, error) {
	pepper, err := h.getPepper(stored.PepperVersion)
	if err != nil {
		return false, err
	}

	salt, err := base64.RawURLEncoding.DecodeString(stored.Salt)
	if err != nil {
		return false, ErrInvalidHash
	}
	expected, err := base64.RawURLEncoding.DecodeString(stored.Hash)
	if err != nil {
		return false, ErrInvalidHash
	}

	computed := argon2.IDKey(
		[]byte(code+pepper),
		salt,
		h.params.Iterations,
		h.params.Memory,
		h.params.Parallelism,
		uint32(len(expected)),
	)

	return subtle.ConstantTimeCompare(computed, expected) == 1, nil
}

func (h *Hasher) rotatePepper() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.currentPepper != nil {
		h.oldPeppers = append(h.oldPeppers, h.currentPepper)
	}

	pepperBytes := make([]byte, 32)
	if _, err := rand.Read(pepperBytes); err != nil {
		util.Fatal("Failed to generate pepper", util.ErrorField(err))
	}

	h.currentPepper = &Pepper{
		Value:     base64.RawURLEncoding.EncodeToString(pepperBytes),
		CreatedAt: time.Now(),
		Version:   len(h.oldPeppers) + 1,
	}

	util.Info("Pepper rotated",
		util.Int("version", h.currentPepper.Version),
		util.Time("created_at", h.currentPepper.CreatedAt),
	)
}

// StartPepperRotation starts background pepper rotation. Outstanding
// challenges hashed with an old pepper stay verifiable because the last two
// versions are retained, which covers any challenge inside its TTL.
func (h *Hasher) StartPepperRotation() {
	ticker := time.NewTicker(time.Duration(h.config.Hashing.PepperRotationDays) * 24 * time.Hour)

	go func() {
		for range ticker.C {
			h.rotatePepper()

			h.mu.Lock()
			if len(h.oldPeppers) > 2 {
				h.oldPeppers = h.oldPeppers[len(h.oldPeppers)-2:]
			}
			h.mu.Unlock()
		}
	}()
}

func (h *Hasher) getPepper(version int) (string, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.currentPepper != nil && h.currentPepper.Version == version {
		return h.currentPepper.Value, nil
	}
	for _, pepper := range h.oldPeppers {
		if pepper.Version == version {
			return pepper.Value, nil
		}
	}
	return "", ErrUnknownPepper
}

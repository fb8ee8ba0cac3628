package hashing

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"account-recovery-service/internal/config"
	"account-recovery-service/internal/util"

	"go.uber.org/zap"
	"golang.org/x/crypto/argon2"
)

var (
	ErrInvalidHash = errors.New("invalid hash format")
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

// Hasher produces argon2id digests of personal-key recovery secrets.
// The secret itself is never stored; only the digest, salt and pepper
// version are persisted on the factor record. With a configured pepper
// secret every pepper version is derivable, so digests issued before a
// restart (or several rotations ago) still verify.
type Hasher struct {
	params        Argon2Params
	currentPepper *Pepper
	oldPeppers    []*Pepper
	pepperSecret  string
	config        *config.Config
	mu            sync.RWMutex
}

type HashResult struct {
	Hash          string `json:"hash"`
	Salt          string `json:"salt"`
	PepperVersion int    `json:"pepper_version"`
	Algorithm     string `json:"algorithm"`
}

func NewHasher(cfg *config.Config) *Hasher {
	params := Argon2Params{
		Memory:      uint32(cfg.Hashing.Argon2MemoryCost),
		Iterations:  uint32(cfg.Hashing.Argon2TimeCost),
		Parallelism: uint8(cfg.Hashing.Argon2Parallelism),
		SaltLength:  32,
		KeyLength:   32,
	}

	h := &Hasher{
		params:       params,
		pepperSecret: cfg.Hashing.PepperSecret,
		config:       cfg,
	}

	// Generate initial pepper
	h.rotatePepper()

	return h
}

func (h *Hasher) rotatePepper() {
	h.mu.Lock()
	defer h.mu.Unlock()

	// Move current pepper to old peppers if exists
	if h.currentPepper != nil {
		h.oldPeppers = append(h.oldPeppers, h.currentPepper)
	}

	version := 1
	if h.currentPepper != nil {
		version = h.currentPepper.Version + 1
	}

	var value string
	if h.pepperSecret != "" {
		value = derivePepper(h.pepperSecret, version)
	} else {
		pepperBytes := make([]byte, 32)
		if _, err := rand.Read(pepperBytes); err != nil {
			util.Fatal("Failed to generate pepper", zap.Error(err))
		}
		value = base64.RawURLEncoding.EncodeToString(pepperBytes)
		util.Warn("No pepper secret configured; digests will not survive a restart")
	}

	h.currentPepper = &Pepper{
		Value:     value,
		CreatedAt: time.Now(),
		Version:   version,
	}

	util.Info("Pepper rotated",
		zap.Int("version", h.currentPepper.Version),
		zap.Time("created_at", h.currentPepper.CreatedAt),
	)
}

// derivePepper expands the configured secret into the pepper for one
// version. Versions never need to be stored; any historic digest can be
// re-verified as long as the secret is unchanged.
func derivePepper(secret string, version int) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "pepper:v%d", version)
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// StartPepperRotation starts background pepper rotation
func (h *Hasher) StartPepperRotation() {
	ticker := time.NewTicker(time.Duration(h.config.Hashing.PepperRotationDays) * 24 * time.Hour)

	go func() {
		for range ticker.C {
			h.rotatePepper()

			// Keep only the last 2 old pepper versions so digests issued
			// before the previous rotation can still be verified
			h.mu.Lock()
			if len(h.oldPeppers) > 2 {
				h.oldPeppers = h.oldPeppers[len(h.oldPeppers)-2:]
			}
			h.mu.Unlock()
		}
	}()
}

func (h *Hasher) HashPersonalKey(key string) (*HashResult, error) {
	return h.hashWithPepper(key, "personal_key")
}

func (h *Hasher) hashWithPepper(data, context string) (*HashResult, error) {
	h.mu.RLock()
	pepper := h.currentPepper
	h.mu.RUnlock()

	salt := make([]byte, h.params.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	// Context string prevents digest reuse between purposes
	contextualData := data + pepper.Value + context

	hash := argon2.IDKey(
		[]byte(contextualData),
		salt,
		h.params.Iterations,
		h.params.Memory,
		h.params.Parallelism,
		h.params.KeyLength,
	)

	return &HashResult{
		Hash:          base64.RawURLEncoding.EncodeToString(hash),
		Salt:          base64.RawURLEncoding.EncodeToString(salt),
		PepperVersion: pepper.Version,
		Algorithm:     "argon2id-v1",
	}, nil
}

func (h *Hasher) VerifyPersonalKey(key string, hashResult *HashResult) (bool, error) {
	return h.verifyWithPepper(key, hashResult, "personal_key")
}

func (h *Hasher) verifyWithPepper(data string, hashResult *HashResult, context string) (bool, error) {
	pepper, err := h.getPepper(hashResult.PepperVersion)
	if err != nil {
		return false, fmt.Errorf("pepper version not found: %w", err)
	}

	salt, err := base64.RawURLEncoding.DecodeString(hashResult.Salt)
	if err != nil {
		return false, ErrInvalidHash
	}

	expectedHash, err := base64.RawURLEncoding.DecodeString(hashResult.Hash)
	if err != nil {
		return false, ErrInvalidHash
	}

	contextualData := data + pepper + context

	computedHash := argon2.IDKey(
		[]byte(contextualData),
		salt,
		h.params.Iterations,
		h.params.Memory,
		h.params.Parallelism,
		uint32(len(expectedHash)),
	)

	// Constant time comparison to prevent timing attacks
	return subtle.ConstantTimeCompare(computedHash, expectedHash) == 1, nil
}

func (h *Hasher) getPepper(version int) (string, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	// Check current pepper first
	if h.currentPepper != nil && h.currentPepper.Version == version {
		return h.currentPepper.Value, nil
	}

	for _, pepper := range h.oldPeppers {
		if pepper.Version == version {
			return pepper.Value, nil
		}
	}

	// Not in memory (issued before a restart or a pruned rotation);
	// derive it when a secret is configured.
	if h.pepperSecret != "" && version >= 1 {
		return derivePepper(h.pepperSecret, version), nil
	}

	return "", errors.New("pepper version not found")
}

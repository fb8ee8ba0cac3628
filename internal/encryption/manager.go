package encryption

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"account-recovery-service/internal/config"
	"account-recovery-service/internal/util"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrEncryptionFailed = errors.New("encryption failed")
	ErrDecryptionFailed = errors.New("decryption failed")
)

// EncryptedSecret is an envelope-encrypted credential secret: the
// ciphertext plus the KMS-wrapped data key needed to open it. TOTP
// secrets are stored in this form on factor records and enrollment
// candidates.
type EncryptedSecret struct {
	EncryptedValue string    `json:"encrypted_value"`
	EncryptedDEK   string    `json:"encrypted_dek"`
	KeyID          string    `json:"key_id"`
	Version        string    `json:"version"`
	CreatedAt      time.Time `json:"created_at"`
}

type Manager struct {
	kmsClient *kms.Client
	config    *config.Config
	keyCache  sync.Map // cache decrypted DEKs
}

type DataKey struct {
	Plaintext  []byte
	Ciphertext []byte
	KeyID      string
}

func NewManager(cfg *config.Config, kmsClient *kms.Client) *Manager {
	return &Manager{
		kmsClient: kmsClient,
		config:    cfg,
	}
}

// GenerateDataKey generates a new data encryption key using KMS
func (m *Manager) GenerateDataKey(ctx context.Context) (*DataKey, error) {
	if !m.config.KMS.Enabled || m.kmsClient == nil {
		return m.generateLocalKey(), nil
	}

	input := &kms.GenerateDataKeyInput{
		KeyId:   aws.String(m.config.KMS.KeyID),
		KeySpec: types.DataKeySpecAes256,
	}

	result, err := m.kmsClient.GenerateDataKey(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to generate data key: %w", err)
	}

	return &DataKey{
		Plaintext:  result.Plaintext,
		Ciphertext: result.CiphertextBlob,
		KeyID:      m.config.KMS.KeyID,
	}, nil
}

func (m *Manager) generateLocalKey() *DataKey {
	key := make([]byte, 32) // AES-256
	if _, err := rand.Read(key); err != nil {
		util.Fatal("Failed to generate local encryption key", zap.Error(err))
	}

	// In development the "wrapped" key is just base64 of the plaintext
	ciphertext := []byte(base64.StdEncoding.EncodeToString(key))

	return &DataKey{
		Plaintext:  key,
		Ciphertext: ciphertext,
		KeyID:      uuid.New().String(),
	}
}

// EncryptSecret envelope-encrypts a credential secret with AES-256-GCM
// under a fresh data key.
func (m *Manager) EncryptSecret(ctx context.Context, plaintext string) (*EncryptedSecret, error) {
	dataKey, err := m.GenerateDataKey(ctx)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(dataKey.Plaintext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)

	cacheKey := base64.StdEncoding.EncodeToString(dataKey.Ciphertext)
	m.keyCache.Store(cacheKey, dataKey.Plaintext)

	return &EncryptedSecret{
		EncryptedValue: base64.StdEncoding.EncodeToString(ciphertext),
		EncryptedDEK:   base64.StdEncoding.EncodeToString(dataKey.Ciphertext),
		KeyID:          dataKey.KeyID,
		Version:        "v1",
		CreatedAt:      time.Now().UTC(),
	}, nil
}

// DecryptSecret opens an envelope-encrypted secret, unwrapping the data
// key through KMS (or the local fallback) on cache miss.
func (m *Manager) DecryptSecret(ctx context.Context, sealed *EncryptedSecret) (string, error) {
	cacheKey := sealed.EncryptedDEK
	if cached, ok := m.keyCache.Load(cacheKey); ok {
		return m.decryptWithKey(sealed.EncryptedValue, cached.([]byte))
	}

	var plaintextDEK []byte
	if m.config.KMS.Enabled && m.kmsClient != nil {
		ciphertextBlob, err := base64.StdEncoding.DecodeString(sealed.EncryptedDEK)
		if err != nil {
			return "", fmt.Errorf("%w: invalid DEK format", ErrDecryptionFailed)
		}

		result, err := m.kmsClient.Decrypt(ctx, &kms.DecryptInput{
			CiphertextBlob: ciphertextBlob,
		})
		if err != nil {
			return "", fmt.Errorf("%w: failed to decrypt DEK: %v", ErrDecryptionFailed, err)
		}

		plaintextDEK = result.Plaintext
	} else {
		var err error
		plaintextDEK, err = base64.StdEncoding.DecodeString(sealed.EncryptedDEK)
		if err != nil {
			return "", fmt.Errorf("%w: invalid local DEK", ErrDecryptionFailed)
		}
	}

	m.keyCache.Store(cacheKey, plaintextDEK)

	return m.decryptWithKey(sealed.EncryptedValue, plaintextDEK)
}

func (m *Manager) decryptWithKey(encryptedValue string, key []byte) (string, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(encryptedValue)
	if err != nil {
		return "", fmt.Errorf("%w: invalid ciphertext format", ErrDecryptionFailed)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return "", fmt.Errorf("%w: ciphertext too short", ErrDecryptionFailed)
	}

	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	return string(plaintext), nil
}

// ClearCache clears the DEK cache (useful for memory management)
func (m *Manager) ClearCache() {
	m.keyCache.Range(func(key, value interface{}) bool {
		m.keyCache.Delete(key)
		return true
	})
}

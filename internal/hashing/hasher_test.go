package hashing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"account-recovery-service/internal/config"
)

func testConfig(pepperSecret string) *config.Config {
	cfg := &config.Config{}
	cfg.Hashing.Argon2MemoryCost = 8192
	cfg.Hashing.Argon2TimeCost = 1
	cfg.Hashing.Argon2Parallelism = 1
	cfg.Hashing.PepperSecret = pepperSecret
	return cfg
}

func TestHashAndVerifyPersonalKey(t *testing.T) {
	h := NewHasher(testConfig("unit-test-secret"))

	result, err := h.HashPersonalKey("ABCD-EFGH-IJKL-MNOP")
	require.NoError(t, err)
	assert.NotEmpty(t, result.Hash)
	assert.NotEmpty(t, result.Salt)
	assert.Equal(t, 1, result.PepperVersion)

	ok, err := h.VerifyPersonalKey("ABCD-EFGH-IJKL-MNOP", result)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = h.VerifyPersonalKey("WRNG-WRNG-WRNG-WRNG", result)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDigestsVerifyAcrossRestart(t *testing.T) {
	cfg := testConfig("unit-test-secret")

	before := NewHasher(cfg)
	result, err := before.HashPersonalKey("ABCD-EFGH-IJKL-MNOP")
	require.NoError(t, err)

	// A fresh hasher stands in for the process after a restart.
	after := NewHasher(cfg)
	ok, err := after.VerifyPersonalKey("ABCD-EFGH-IJKL-MNOP", result)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDigestsFromOlderPepperVersionsVerify(t *testing.T) {
	cfg := testConfig("unit-test-secret")

	rotated := NewHasher(cfg)
	rotated.rotatePepper()
	rotated.rotatePepper()

	result, err := rotated.HashPersonalKey("ABCD-EFGH-IJKL-MNOP")
	require.NoError(t, err)
	assert.Equal(t, 3, result.PepperVersion)

	// A restarted hasher is back at version 1 but derives version 3.
	fresh := NewHasher(cfg)
	ok, err := fresh.VerifyPersonalKey("ABCD-EFGH-IJKL-MNOP", result)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRandomPeppersWithoutSecretStayLocal(t *testing.T) {
	cfg := testConfig("")

	before := NewHasher(cfg)
	result, err := before.HashPersonalKey("ABCD-EFGH-IJKL-MNOP")
	require.NoError(t, err)

	// Same instance verifies.
	ok, err := before.VerifyPersonalKey("ABCD-EFGH-IJKL-MNOP", result)
	require.NoError(t, err)
	assert.True(t, ok)

	// A new instance holds a different random pepper for version 1.
	after := NewHasher(cfg)
	ok, err = after.VerifyPersonalKey("ABCD-EFGH-IJKL-MNOP", result)
	require.NoError(t, err)
	assert.False(t, ok)
}

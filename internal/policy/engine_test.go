package policy

import (
	"testing"

	"account-recovery-service/internal/config"
	"account-recovery-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func factor(kind models.FactorKind) models.Factor {
	return models.Factor{
		IdentityID: "identity-1",
		FactorID:   string(kind) + "-1",
		Kind:       kind,
		Enabled:    true,
		Confirmed:  true,
	}
}

func TestEvaluateBlocksDeleteBelowMinimum(t *testing.T) {
	engine := NewEngine(config.PolicyConfig{MinFactorCount: 3})

	phone := factor(models.FactorKindPhone)
	current := []models.Factor{phone, factor(models.FactorKindWebauthn)}

	result := engine.Evaluate(current, phone)

	assert.False(t, result.Allowed)
	require.Contains(t, result.Violations, "identity")
	assert.Equal(t, []string{"must have 3 or more MFA configurations"}, result.Violations["identity"])
	assert.Equal(t, map[models.FactorKind]int{
		models.FactorKindPhone:    1,
		models.FactorKindWebauthn: 1,
	}, result.CountsByKind)
}

func TestEvaluateAllowsDeleteAtMinimum(t *testing.T) {
	engine := NewEngine(config.PolicyConfig{MinFactorCount: 2})

	phone := factor(models.FactorKindPhone)
	current := []models.Factor{phone, factor(models.FactorKindPIVCAC)}

	result := engine.Evaluate(current, phone)

	assert.True(t, result.Allowed)
	assert.Empty(t, result.Violations)
	assert.Equal(t, map[models.FactorKind]int{
		models.FactorKindPhone:  1,
		models.FactorKindPIVCAC: 1,
	}, result.CountsByKind)
}

func TestEvaluateReportsCountsEvenOnSuccess(t *testing.T) {
	engine := NewEngine(config.PolicyConfig{MinFactorCount: 2})

	current := []models.Factor{
		factor(models.FactorKindPhone),
		factor(models.FactorKindAuthApp),
		factor(models.FactorKindWebauthn),
	}

	result := engine.Evaluate(current, current[0])

	assert.True(t, result.Allowed)
	assert.Len(t, result.CountsByKind, 3)
}

func TestEvaluateIgnoresDisabledAndUnconfirmedFactors(t *testing.T) {
	engine := NewEngine(config.PolicyConfig{MinFactorCount: 3})

	disabled := factor(models.FactorKindAuthApp)
	disabled.Enabled = false
	unconfirmed := factor(models.FactorKindWebauthn)
	unconfirmed.Confirmed = false

	phone := factor(models.FactorKindPhone)
	current := []models.Factor{phone, disabled, unconfirmed, factor(models.FactorKindPIVCAC)}

	result := engine.Evaluate(current, phone)

	assert.False(t, result.Allowed)
	assert.Equal(t, map[models.FactorKind]int{
		models.FactorKindPhone:  1,
		models.FactorKindPIVCAC: 1,
	}, result.CountsByKind)
}

func TestEvaluatePersonalKeyCountingIsConfigurable(t *testing.T) {
	phone := factor(models.FactorKindPhone)
	current := []models.Factor{
		phone,
		factor(models.FactorKindWebauthn),
		factor(models.FactorKindPersonalKey),
	}

	excluded := NewEngine(config.PolicyConfig{MinFactorCount: 3})
	assert.False(t, excluded.Evaluate(current, phone).Allowed)

	included := NewEngine(config.PolicyConfig{MinFactorCount: 3, CountPersonalKeys: true})
	assert.True(t, included.Evaluate(current, phone).Allowed)
}

func TestEvaluateIsPureAndDeterministic(t *testing.T) {
	engine := NewEngine(config.PolicyConfig{MinFactorCount: 3})

	phone := factor(models.FactorKindPhone)
	current := []models.Factor{phone, factor(models.FactorKindWebauthn)}
	snapshot := make([]models.Factor, len(current))
	copy(snapshot, current)

	first := engine.Evaluate(current, phone)
	second := engine.Evaluate(current, phone)

	assert.Equal(t, first, second)
	assert.Equal(t, snapshot, current, "inputs must not be mutated")
}

func TestEvaluateRejectsUnknownKind(t *testing.T) {
	engine := NewEngine(config.PolicyConfig{MinFactorCount: 1})

	bogus := models.Factor{Kind: models.FactorKind("carrier_pigeon"), Enabled: true, Confirmed: true}
	result := engine.Evaluate([]models.Factor{factor(models.FactorKindPhone)}, bogus)

	assert.False(t, result.Allowed)
	assert.Contains(t, result.Violations, "factor")
}

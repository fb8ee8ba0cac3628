package policy

import (
	"fmt"

	"account-recovery-service/internal/config"
	"account-recovery-service/internal/models"
)

// Result is the outcome of one policy evaluation. CountsByKind is
// reported on success and failure alike so callers can audit every
// decision.
type Result struct {
	Allowed      bool                      `json:"allowed"`
	Violations   map[string][]string       `json:"violations"`
	CountsByKind map[models.FactorKind]int `json:"counts_by_kind"`
}

// Engine decides whether removing or disabling one factor would leave
// an identity below the minimum factor-diversity requirement. It is a
// pure decision function: no storage, no mutation of inputs.
type Engine struct {
	minFactorCount    int
	countPersonalKeys bool
}

func NewEngine(cfg config.PolicyConfig) *Engine {
	return &Engine{
		minFactorCount:    cfg.MinFactorCount,
		countPersonalKeys: cfg.CountPersonalKeys,
	}
}

// Evaluate decides whether target may be removed or disabled given the
// identity's current factor set. The decision compares the pre-mutation
// count of active counted factors against the configured minimum.
func (e *Engine) Evaluate(current []models.Factor, target models.Factor) Result {
	counts := make(map[models.FactorKind]int)
	counted := 0

	for _, f := range current {
		if !f.Active() {
			continue
		}
		counts[f.Kind]++
		if e.isCounted(f.Kind) {
			counted++
		}
	}

	result := Result{
		Allowed:      true,
		Violations:   map[string][]string{},
		CountsByKind: counts,
	}

	if !target.Kind.Valid() {
		result.Allowed = false
		result.Violations["factor"] = append(result.Violations["factor"],
			fmt.Sprintf("unknown factor kind %q", target.Kind))
		return result
	}

	if counted < e.minFactorCount {
		result.Allowed = false
		result.Violations["identity"] = append(result.Violations["identity"],
			fmt.Sprintf("must have %d or more MFA configurations", e.minFactorCount))
	}

	return result
}

func (e *Engine) isCounted(kind models.FactorKind) bool {
	if kind == models.FactorKindPersonalKey {
		return e.countPersonalKeys
	}
	return true
}

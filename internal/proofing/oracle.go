package proofing

import (
	"context"
	"fmt"

	"account-recovery-service/internal/repository/scylla"
)

// Oracle answers whether an identity completed identity verification.
// Verified identities are barred from self-service reset; callers must
// fail closed when the oracle errors.
type Oracle interface {
	IdentityVerified(ctx context.Context, identityID string) (bool, error)
}

type RepositoryOracle struct {
	identities scylla.IdentityRepository
}

func NewRepositoryOracle(identities scylla.IdentityRepository) *RepositoryOracle {
	return &RepositoryOracle{identities: identities}
}

func (o *RepositoryOracle) IdentityVerified(ctx context.Context, identityID string) (bool, error) {
	identity, err := o.identities.GetIdentity(ctx, identityID)
	if err != nil {
		return false, fmt.Errorf("failed to resolve proofing status: %w", err)
	}
	return identity.IdentityVerified(), nil
}

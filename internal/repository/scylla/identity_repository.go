package scylla

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"account-recovery-service/internal/bucketing"
	"account-recovery-service/internal/models"
	"account-recovery-service/internal/util"
)

// ErrNotFound is returned when a row does not exist. Callers map it to
// their own taxonomy.
var ErrNotFound = errors.New("not found")

// ErrVersionConflict is returned when a CAS mutation lost the race to a
// concurrent writer.
var ErrVersionConflict = errors.New("version conflict")

// IdentityRepository reads identities and mutates their factor sets.
type IdentityRepository interface {
	CreateIdentity(ctx context.Context, identity *models.Identity) error
	GetIdentity(ctx context.Context, identityID string) (*models.Identity, error)
	GetFactors(ctx context.Context, identityID string) ([]models.Factor, error)
	GetFactor(ctx context.Context, identityID, factorID string) (*models.Factor, error)
	AddFactor(ctx context.Context, factor *models.Factor) error
	DisableFactor(ctx context.Context, identityID, factorID string, at time.Time) error
	RemoveFactor(ctx context.Context, identityID, factorID string) error
	HealthCheck(ctx context.Context) error
}

type ScyllaIdentityRepository struct {
	client    *ScyllaClient
	bucketMgr *bucketing.Manager
}

func NewScyllaIdentityRepository(client *ScyllaClient, bucketMgr *bucketing.Manager) *ScyllaIdentityRepository {
	return &ScyllaIdentityRepository{
		client:    client,
		bucketMgr: bucketMgr,
	}
}

func (r *ScyllaIdentityRepository) CreateIdentity(ctx context.Context, identity *models.Identity) error {
	identity.IdentityBucket = r.bucketMgr.GetIdentityBucketString(identity.IdentityID)

	query := r.client.Prepared.CreateIdentity.WithContext(ctx).Bind(
		identity.IdentityBucket,
		identity.IdentityID,
		identity.EmailAddresses,
		identity.ProofingStatus,
		identity.CreatedAt,
		identity.UpdatedAt,
	)

	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		return fmt.Errorf("failed to create identity: %w", err)
	}

	util.Debug("Identity created",
		zap.String("identity_id", identity.IdentityID),
		zap.Int("bucket", identity.IdentityBucket))
	return nil
}

func (r *ScyllaIdentityRepository) GetIdentity(ctx context.Context, identityID string) (*models.Identity, error) {
	bucket := r.bucketMgr.GetIdentityBucketString(identityID)

	var identity models.Identity
	query := r.client.Prepared.GetIdentity.WithContext(ctx).Bind(bucket, identityID)
	err := r.client.ScanWithRetry(query,
		&identity.IdentityBucket,
		&identity.IdentityID,
		&identity.EmailAddresses,
		&identity.ProofingStatus,
		&identity.CreatedAt,
		&identity.UpdatedAt,
	)
	if err == gocql.ErrNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get identity: %w", err)
	}
	return &identity, nil
}

func (r *ScyllaIdentityRepository) GetFactors(ctx context.Context, identityID string) ([]models.Factor, error) {
	bucket := r.bucketMgr.GetIdentityBucketString(identityID)

	iter := r.client.Prepared.GetFactors.WithContext(ctx).Bind(bucket, identityID).Iter()
	defer iter.Close()

	var factors []models.Factor
	var f models.Factor
	for r.scanFactor(iter, &f) {
		factors = append(factors, f)
		f = models.Factor{}
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to list factors: %w", err)
	}
	return factors, nil
}

func (r *ScyllaIdentityRepository) GetFactor(ctx context.Context, identityID, factorID string) (*models.Factor, error) {
	bucket := r.bucketMgr.GetIdentityBucketString(identityID)

	var f models.Factor
	query := r.client.Prepared.GetFactor.WithContext(ctx).Bind(bucket, identityID, factorID)
	err := r.client.ScanWithRetry(query,
		&f.IdentityBucket, &f.IdentityID, &f.FactorID, &f.Kind,
		&f.Enabled, &f.Confirmed, &f.PhoneNumber,
		&f.SecretEncrypted, &f.SecretDEK, &f.SecretKeyID,
		&f.KeyDigest, &f.KeyDigestSalt, &f.PepperVersion,
		&f.CreatedAt, &f.DisabledAt,
	)
	if err == gocql.ErrNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get factor: %w", err)
	}
	return &f, nil
}

func (r *ScyllaIdentityRepository) AddFactor(ctx context.Context, factor *models.Factor) error {
	factor.IdentityBucket = r.bucketMgr.GetIdentityBucketString(factor.IdentityID)

	query := r.client.Prepared.InsertFactor.WithContext(ctx).Bind(factorBindArgs(factor)...)
	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		return fmt.Errorf("failed to add factor: %w", err)
	}
	r.touchIdentity(ctx, factor.IdentityBucket, factor.IdentityID, factor.CreatedAt)

	util.Debug("Factor added",
		zap.String("identity_id", factor.IdentityID),
		zap.String("factor_id", factor.FactorID),
		zap.String("kind", string(factor.Kind)))
	return nil
}

func (r *ScyllaIdentityRepository) DisableFactor(ctx context.Context, identityID, factorID string, at time.Time) error {
	bucket := r.bucketMgr.GetIdentityBucketString(identityID)

	query := r.client.Prepared.DisableFactor.WithContext(ctx).Bind(at, bucket, identityID, factorID)
	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		return fmt.Errorf("failed to disable factor: %w", err)
	}
	r.touchIdentity(ctx, bucket, identityID, at)
	return nil
}

func (r *ScyllaIdentityRepository) RemoveFactor(ctx context.Context, identityID, factorID string) error {
	bucket := r.bucketMgr.GetIdentityBucketString(identityID)

	query := r.client.Prepared.DeleteFactor.WithContext(ctx).Bind(bucket, identityID, factorID)
	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		return fmt.Errorf("failed to remove factor: %w", err)
	}
	r.touchIdentity(ctx, bucket, identityID, time.Now().UTC())
	return nil
}

func (r *ScyllaIdentityRepository) HealthCheck(ctx context.Context) error {
	return r.client.HealthCheck()
}

// touchIdentity bumps updated_at after a factor mutation. Best effort:
// the mutation itself already succeeded.
func (r *ScyllaIdentityRepository) touchIdentity(ctx context.Context, bucket int, identityID string, at time.Time) {
	query := r.client.Prepared.TouchIdentity.WithContext(ctx).Bind(at, bucket, identityID)
	if err := query.Exec(); err != nil {
		util.Warn("Failed to touch identity",
			zap.String("identity_id", identityID),
			zap.Error(err))
	}
}

func (r *ScyllaIdentityRepository) scanFactor(iter *gocql.Iter, f *models.Factor) bool {
	return iter.Scan(
		&f.IdentityBucket, &f.IdentityID, &f.FactorID, &f.Kind,
		&f.Enabled, &f.Confirmed, &f.PhoneNumber,
		&f.SecretEncrypted, &f.SecretDEK, &f.SecretKeyID,
		&f.KeyDigest, &f.KeyDigestSalt, &f.PepperVersion,
		&f.CreatedAt, &f.DisabledAt,
	)
}

func factorBindArgs(f *models.Factor) []interface{} {
	return []interface{}{
		f.IdentityBucket, f.IdentityID, f.FactorID, string(f.Kind),
		f.Enabled, f.Confirmed, f.PhoneNumber,
		f.SecretEncrypted, f.SecretDEK, f.SecretKeyID,
		f.KeyDigest, f.KeyDigestSalt, f.PepperVersion,
		f.CreatedAt, f.DisabledAt,
	}
}

package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"account-recovery-service/internal/bucketing"
	"account-recovery-service/internal/models"
	"account-recovery-service/internal/util"
)

// ResetRequestRepository persists account reset lifecycle rows. All
// mutations of the live row are compare-and-set on the version column;
// a lost race surfaces as ErrVersionConflict and is never retried
// blindly.
type ResetRequestRepository interface {
	GetByIdentity(ctx context.Context, identityID string) (*models.AccountResetRequest, error)
	ResolveToken(ctx context.Context, token string) (string, error)
	CreateRequest(ctx context.Context, req *models.AccountResetRequest) error
	UpdateRequest(ctx context.Context, req *models.AccountResetRequest, expectedVersion int64) error
	SaveTokenRef(ctx context.Context, token, identityID string, at time.Time) error
	DeleteTokenRef(ctx context.Context, token string) error
	CompleteWithFactors(ctx context.Context, req *models.AccountResetRequest, oldFactors, newFactors []models.Factor) error
	HealthCheck(ctx context.Context) error
}

type ScyllaResetRequestRepository struct {
	client    *ScyllaClient
	bucketMgr *bucketing.Manager
}

func NewScyllaResetRequestRepository(client *ScyllaClient, bucketMgr *bucketing.Manager) *ScyllaResetRequestRepository {
	return &ScyllaResetRequestRepository{
		client:    client,
		bucketMgr: bucketMgr,
	}
}

func (r *ScyllaResetRequestRepository) GetByIdentity(ctx context.Context, identityID string) (*models.AccountResetRequest, error) {
	bucket := r.bucketMgr.GetIdentityBucketString(identityID)

	var req models.AccountResetRequest
	query := r.client.Prepared.GetResetRequest.WithContext(ctx).Bind(bucket, identityID)
	err := r.client.ScanWithRetry(query,
		&req.IdentityBucket,
		&req.IdentityID,
		&req.RequestedAt,
		&req.RequestToken,
		&req.GrantToken,
		&req.GrantedAt,
		&req.CancelledAt,
		&req.CompletedAt,
		&req.ReportedSuspicious,
		&req.Version,
	)
	if err == gocql.ErrNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get reset request: %w", err)
	}
	return &req, nil
}

// ResolveToken maps an opaque token to its identity. Refs can outlive
// the token they point at (supersede does not erase old refs), so the
// caller must still compare the token against the live row.
func (r *ScyllaResetRequestRepository) ResolveToken(ctx context.Context, token string) (string, error) {
	var bucket int
	var identityID string
	query := r.client.Prepared.GetTokenRef.WithContext(ctx).Bind(token)
	err := r.client.ScanWithRetry(query, &bucket, &identityID)
	if err == gocql.ErrNotFound {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve token: %w", err)
	}
	return identityID, nil
}

// CreateRequest inserts the first request row for an identity. If a row
// already exists the insert is not applied and ErrVersionConflict is
// returned; the caller rereads and supersedes via UpdateRequest.
func (r *ScyllaResetRequestRepository) CreateRequest(ctx context.Context, req *models.AccountResetRequest) error {
	req.IdentityBucket = r.bucketMgr.GetIdentityBucketString(req.IdentityID)

	applied, err := r.client.Prepared.InsertRequest.WithContext(ctx).Bind(
		req.IdentityBucket,
		req.IdentityID,
		req.RequestedAt,
		req.RequestToken,
		req.GrantToken,
		req.GrantedAt,
		req.CancelledAt,
		req.CompletedAt,
		req.ReportedSuspicious,
		req.Version,
	).MapScanCAS(map[string]interface{}{})
	if err != nil {
		return fmt.Errorf("failed to create reset request: %w", err)
	}
	if !applied {
		return ErrVersionConflict
	}

	util.Debug("Reset request created",
		zap.String("identity_id", req.IdentityID),
		zap.Int64("version", req.Version))
	return nil
}

// UpdateRequest overwrites the live row if and only if its version is
// still expectedVersion. Used for supersede, cancel, grant and fraud
// report transitions.
func (r *ScyllaResetRequestRepository) UpdateRequest(ctx context.Context, req *models.AccountResetRequest, expectedVersion int64) error {
	bucket := r.bucketMgr.GetIdentityBucketString(req.IdentityID)

	applied, err := r.client.Prepared.UpdateRequest.WithContext(ctx).Bind(
		req.RequestedAt,
		req.RequestToken,
		req.GrantToken,
		req.GrantedAt,
		req.CancelledAt,
		req.CompletedAt,
		req.ReportedSuspicious,
		req.Version,
		bucket,
		req.IdentityID,
		expectedVersion,
	).MapScanCAS(map[string]interface{}{})
	if err != nil {
		return fmt.Errorf("failed to update reset request: %w", err)
	}
	if !applied {
		return ErrVersionConflict
	}
	return nil
}

func (r *ScyllaResetRequestRepository) SaveTokenRef(ctx context.Context, token, identityID string, at time.Time) error {
	bucket := r.bucketMgr.GetIdentityBucketString(identityID)

	query := r.client.Prepared.InsertTokenRef.WithContext(ctx).Bind(token, bucket, identityID, at)
	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		return fmt.Errorf("failed to save token ref: %w", err)
	}
	return nil
}

func (r *ScyllaResetRequestRepository) DeleteTokenRef(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	query := r.client.Prepared.DeleteTokenRef.WithContext(ctx).Bind(token)
	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		return fmt.Errorf("failed to delete token ref: %w", err)
	}
	return nil
}

// CompleteWithFactors replaces the identity's factor set and marks the
// request completed in one logged batch, so the replacement and the
// completion land together or not at all. The caller holds the
// per-identity lock, which keeps the non-CAS row write safe.
func (r *ScyllaResetRequestRepository) CompleteWithFactors(ctx context.Context, req *models.AccountResetRequest, oldFactors, newFactors []models.Factor) error {
	bucket := r.bucketMgr.GetIdentityBucketString(req.IdentityID)

	batch := r.client.Session.NewBatch(gocql.LoggedBatch).WithContext(ctx)

	for i := range oldFactors {
		batch.Query(`
        DELETE FROM factors
        WHERE identity_bucket = ? AND identity_id = ? AND factor_id = ?`,
			bucket, req.IdentityID, oldFactors[i].FactorID)
	}

	for i := range newFactors {
		f := &newFactors[i]
		f.IdentityBucket = bucket
		batch.Query(`
        INSERT INTO factors (
            identity_bucket, identity_id, factor_id, kind, enabled, confirmed,
            phone_number, secret_encrypted, secret_dek, secret_key_id,
            key_digest, key_digest_salt, pepper_version, created_at, disabled_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			factorBindArgs(f)...)
	}

	batch.Query(`
        UPDATE reset_requests SET
            requested_at = ?, request_token = ?, grant_token = ?, granted_at = ?,
            cancelled_at = ?, completed_at = ?, reported_suspicious = ?, version = ?
        WHERE identity_bucket = ? AND identity_id = ?`,
		req.RequestedAt,
		req.RequestToken,
		req.GrantToken,
		req.GrantedAt,
		req.CancelledAt,
		req.CompletedAt,
		req.ReportedSuspicious,
		req.Version,
		bucket,
		req.IdentityID,
	)

	if err := r.client.ExecuteBatch(batch); err != nil {
		return fmt.Errorf("failed to complete reset request: %w", err)
	}

	util.Info("Reset request completed",
		zap.String("identity_id", req.IdentityID),
		zap.Int("factors_replaced", len(newFactors)))
	return nil
}

func (r *ScyllaResetRequestRepository) HealthCheck(ctx context.Context) error {
	return r.client.HealthCheck()
}

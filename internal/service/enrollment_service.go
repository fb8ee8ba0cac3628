package service

import (
	"context"
	"crypto/rand"
	"encoding/base32"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/pquerna/otp/totp"
	"go.uber.org/zap"

	"account-recovery-service/internal/audit"
	"account-recovery-service/internal/clock"
	"account-recovery-service/internal/config"
	"account-recovery-service/internal/encryption"
	"account-recovery-service/internal/hashing"
	"account-recovery-service/internal/models"
	"account-recovery-service/internal/policy"
	redisrepo "account-recovery-service/internal/repository/redis"
	"account-recovery-service/internal/repository/scylla"
	"account-recovery-service/internal/util"
)

// EnrollmentService negotiates new authenticator-app factors, issues
// personal keys, and gates disable/remove behind the factor-diversity
// policy. Issued-but-unconfirmed secrets live only in the candidate
// cache and expire on their own.
type EnrollmentService struct {
	identities scylla.IdentityRepository
	candidates redisrepo.CandidateCache
	policy     *policy.Engine
	encryption *encryption.Manager
	hasher     *hashing.Hasher
	recorder   audit.Recorder
	clock      clock.Clock
	issuer     string
}

func NewEnrollmentService(
	identities scylla.IdentityRepository,
	candidates redisrepo.CandidateCache,
	engine *policy.Engine,
	enc *encryption.Manager,
	hasher *hashing.Hasher,
	recorder audit.Recorder,
	clk clock.Clock,
	cfg *config.Config,
) *EnrollmentService {
	return &EnrollmentService{
		identities: identities,
		candidates: candidates,
		policy:     engine,
		encryption: enc,
		hasher:     hasher,
		recorder:   recorder,
		clock:      clk,
		issuer:     cfg.TOTP.Issuer,
	}
}

// Begin issues a TOTP secret for the identity and parks it in the
// candidate cache. Re-entering a live session returns the cached
// candidate unchanged; the secret is minted once per session. Nothing
// is committed until Confirm proves possession of the authenticator.
func (s *EnrollmentService) Begin(ctx context.Context, identityID, sessionID string) (*models.EnrollmentCandidate, error) {
	identity, err := s.identities.GetIdentity(ctx, identityID)
	if err != nil {
		if errors.Is(err, scylla.ErrNotFound) {
			return nil, ErrIdentityNotFound
		}
		return nil, persistence(err)
	}

	if sessionID == "" {
		sessionID = uuid.New().String()
	} else {
		cached, err := s.candidates.Get(ctx, identityID, sessionID)
		if err == nil {
			return cached, nil
		}
		if !errors.Is(err, redisrepo.ErrCandidateNotFound) {
			return nil, persistence(err)
		}
	}

	accountName := identityID
	if len(identity.EmailAddresses) > 0 {
		accountName = identity.EmailAddresses[0]
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      s.issuer,
		AccountName: accountName,
	})
	if err != nil {
		return nil, persistence(err)
	}

	sealed, err := s.encryption.EncryptSecret(ctx, key.Secret())
	if err != nil {
		return nil, persistence(err)
	}

	candidate := &models.EnrollmentCandidate{
		IdentityID:      identityID,
		SessionID:       sessionID,
		SecretEncrypted: sealed.EncryptedValue,
		SecretDEK:       sealed.EncryptedDEK,
		SecretKeyID:     sealed.KeyID,
		ProvisioningURI: key.URL(),
		CreatedAt:       s.clock.Now(),
	}

	if err := s.candidates.Put(ctx, candidate); err != nil {
		return nil, persistence(err)
	}

	util.Info("Enrollment session started",
		zap.String("identity_id", identityID),
		zap.String("session_id", candidate.SessionID))
	return candidate, nil
}

// Confirm verifies the submitted code against the candidate secret and
// commits the factor. A wrong code leaves the candidate in place so the
// user can retry within the session TTL.
func (s *EnrollmentService) Confirm(ctx context.Context, identityID, sessionID, code string) (*models.Factor, error) {
	candidate, err := s.candidates.Get(ctx, identityID, sessionID)
	if err != nil {
		if errors.Is(err, redisrepo.ErrCandidateNotFound) {
			return nil, ErrCandidateNotFound
		}
		return nil, persistence(err)
	}

	secret, err := s.encryption.DecryptSecret(ctx, &encryption.EncryptedSecret{
		EncryptedValue: candidate.SecretEncrypted,
		EncryptedDEK:   candidate.SecretDEK,
		KeyID:          candidate.SecretKeyID,
	})
	if err != nil {
		return nil, persistence(err)
	}

	if !totp.Validate(code, secret) {
		s.audit(ctx, identityID, models.AuditFactorEnrolled, false, nil, "invalid code")
		return nil, ErrInvalidCode
	}

	locked, err := s.candidates.AcquireLock(ctx, identityID)
	if err != nil {
		return nil, persistence(err)
	}
	if !locked {
		return nil, ErrRequestConflict
	}
	defer func() {
		_ = s.candidates.ReleaseLock(ctx, identityID)
	}()

	factor := &models.Factor{
		IdentityID:      identityID,
		FactorID:        uuid.New().String(),
		Kind:            models.FactorKindAuthApp,
		Enabled:         true,
		Confirmed:       true,
		SecretEncrypted: candidate.SecretEncrypted,
		SecretDEK:       candidate.SecretDEK,
		SecretKeyID:     candidate.SecretKeyID,
		CreatedAt:       s.clock.Now(),
	}

	if err := s.identities.AddFactor(ctx, factor); err != nil {
		return nil, persistence(err)
	}

	if err := s.candidates.Delete(ctx, identityID, sessionID); err != nil {
		util.Warn("Failed to delete consumed candidate", zap.Error(err))
	}

	s.auditWithCounts(ctx, identityID, models.AuditFactorEnrolled, true, "")

	util.Info("Authenticator factor enrolled",
		zap.String("identity_id", identityID),
		zap.String("factor_id", factor.FactorID))
	return factor, nil
}

// Abandon discards a candidate without committing anything.
func (s *EnrollmentService) Abandon(ctx context.Context, identityID, sessionID string) error {
	if err := s.candidates.Delete(ctx, identityID, sessionID); err != nil {
		return persistence(err)
	}
	return nil
}

// Disable turns a factor off if the diversity policy allows it. The
// policy sees the pre-mutation factor set.
func (s *EnrollmentService) Disable(ctx context.Context, identityID, factorID string) error {
	factor, err := s.gate(ctx, identityID, factorID)
	if err != nil {
		return err
	}

	if err := s.identities.DisableFactor(ctx, identityID, factor.FactorID, s.clock.Now()); err != nil {
		return persistence(err)
	}

	s.auditWithCounts(ctx, identityID, models.AuditFactorDisabled, true, "")

	util.Info("Factor disabled",
		zap.String("identity_id", identityID),
		zap.String("factor_id", factorID))
	return nil
}

// Remove deletes a factor outright, behind the same policy gate as
// Disable.
func (s *EnrollmentService) Remove(ctx context.Context, identityID, factorID string) error {
	factor, err := s.gate(ctx, identityID, factorID)
	if err != nil {
		return err
	}

	if err := s.identities.RemoveFactor(ctx, identityID, factor.FactorID); err != nil {
		return persistence(err)
	}

	s.auditWithCounts(ctx, identityID, models.AuditFactorRemoved, true, "")

	util.Info("Factor removed",
		zap.String("identity_id", identityID),
		zap.String("factor_id", factorID))
	return nil
}

// IssuePersonalKey mints a new recovery key, stores only its argon2id
// digest, and replaces any previous personal key. The raw key is
// returned exactly once and never persisted.
func (s *EnrollmentService) IssuePersonalKey(ctx context.Context, identityID string) (string, *models.Factor, error) {
	if _, err := s.identities.GetIdentity(ctx, identityID); err != nil {
		if errors.Is(err, scylla.ErrNotFound) {
			return "", nil, ErrIdentityNotFound
		}
		return "", nil, persistence(err)
	}

	rawKey, err := generatePersonalKey()
	if err != nil {
		return "", nil, persistence(err)
	}

	digest, err := s.hasher.HashPersonalKey(rawKey)
	if err != nil {
		return "", nil, persistence(err)
	}

	factors, err := s.identities.GetFactors(ctx, identityID)
	if err != nil {
		return "", nil, persistence(err)
	}
	for i := range factors {
		if factors[i].Kind == models.FactorKindPersonalKey {
			if err := s.identities.RemoveFactor(ctx, identityID, factors[i].FactorID); err != nil {
				return "", nil, persistence(err)
			}
		}
	}

	factor := &models.Factor{
		IdentityID:    identityID,
		FactorID:      uuid.New().String(),
		Kind:          models.FactorKindPersonalKey,
		Enabled:       true,
		Confirmed:     true,
		KeyDigest:     digest.Hash,
		KeyDigestSalt: digest.Salt,
		PepperVersion: digest.PepperVersion,
		CreatedAt:     s.clock.Now(),
	}

	if err := s.identities.AddFactor(ctx, factor); err != nil {
		return "", nil, persistence(err)
	}

	s.auditWithCounts(ctx, identityID, models.AuditPersonalKeyIssued, true, "")

	util.Info("Personal key issued", zap.String("identity_id", identityID))
	return rawKey, factor, nil
}

// VerifyPersonalKey checks a presented key against the stored digest.
func (s *EnrollmentService) VerifyPersonalKey(ctx context.Context, identityID, rawKey string) (bool, error) {
	factors, err := s.identities.GetFactors(ctx, identityID)
	if err != nil {
		return false, persistence(err)
	}
	normalized := normalizePersonalKey(rawKey)
	for i := range factors {
		f := &factors[i]
		if f.Kind != models.FactorKindPersonalKey || !f.Active() {
			continue
		}
		ok, err := s.hasher.VerifyPersonalKey(normalized, &hashing.HashResult{
			Hash:          f.KeyDigest,
			Salt:          f.KeyDigestSalt,
			PepperVersion: f.PepperVersion,
		})
		if err != nil {
			return false, persistence(err)
		}
		return ok, nil
	}
	return false, ErrFactorNotFound
}

// gate runs the policy engine against the pre-mutation factor set and
// records the decision. Every evaluation is audited, allowed or not.
func (s *EnrollmentService) gate(ctx context.Context, identityID, factorID string) (*models.Factor, error) {
	factor, err := s.identities.GetFactor(ctx, identityID, factorID)
	if err != nil {
		if errors.Is(err, scylla.ErrNotFound) {
			return nil, ErrFactorNotFound
		}
		return nil, persistence(err)
	}

	factors, err := s.identities.GetFactors(ctx, identityID)
	if err != nil {
		return nil, persistence(err)
	}

	result := s.policy.Evaluate(factors, *factor)
	s.recorder.Record(ctx, &models.AuditEvent{
		IdentityID:   identityID,
		EventType:    models.AuditPolicyEvaluated,
		Success:      result.Allowed,
		CountsByKind: result.CountsByKind,
	})

	if !result.Allowed {
		return nil, &PolicyViolationError{
			Violations:   result.Violations,
			CountsByKind: result.CountsByKind,
		}
	}
	return factor, nil
}

func (s *EnrollmentService) audit(ctx context.Context, identityID, eventType string, success bool, counts map[models.FactorKind]int, details string) {
	s.recorder.Record(ctx, &models.AuditEvent{
		IdentityID:   identityID,
		EventType:    eventType,
		Success:      success,
		CountsByKind: counts,
		Details:      details,
	})
}

func (s *EnrollmentService) auditWithCounts(ctx context.Context, identityID, eventType string, success bool, details string) {
	counts := map[models.FactorKind]int{}
	if factors, err := s.identities.GetFactors(ctx, identityID); err == nil {
		counts = countsByKind(factors)
	}
	s.audit(ctx, identityID, eventType, success, counts, details)
}

// generatePersonalKey mints a 16-character base32 key grouped for
// readability, e.g. "A1B2-C3D4-E5F6-G7H8".
func generatePersonalKey() (string, error) {
	raw := make([]byte, 10)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	encoded := base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(raw)
	groups := []string{
		encoded[0:4], encoded[4:8], encoded[8:12], encoded[12:16],
	}
	return strings.Join(groups, "-"), nil
}

func normalizePersonalKey(key string) string {
	return strings.ToUpper(strings.TrimSpace(key))
}

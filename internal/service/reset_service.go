package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"account-recovery-service/internal/audit"
	"account-recovery-service/internal/clock"
	"account-recovery-service/internal/config"
	"account-recovery-service/internal/models"
	"account-recovery-service/internal/notifier"
	"account-recovery-service/internal/proofing"
	redisrepo "account-recovery-service/internal/repository/redis"
	"account-recovery-service/internal/repository/scylla"
	"account-recovery-service/internal/token"
	"account-recovery-service/internal/util"
)

const notifyConcurrency = 4

// ResetService drives the account reset lifecycle: request, cancel,
// grant after the waiting period, complete, and fraud reporting. All
// transitions are serialized per identity through version CAS on the
// request row.
type ResetService struct {
	identities scylla.IdentityRepository
	requests   scylla.ResetRequestRepository
	candidates redisrepo.CandidateCache
	oracle     proofing.Oracle
	notifier   notifier.Notifier
	recorder   audit.Recorder
	codec      *token.Codec
	clock      clock.Clock
	waiting    time.Duration
}

func NewResetService(
	identities scylla.IdentityRepository,
	requests scylla.ResetRequestRepository,
	candidates redisrepo.CandidateCache,
	oracle proofing.Oracle,
	n notifier.Notifier,
	recorder audit.Recorder,
	codec *token.Codec,
	clk clock.Clock,
	cfg *config.Config,
) *ResetService {
	return &ResetService{
		identities: identities,
		requests:   requests,
		candidates: candidates,
		oracle:     oracle,
		notifier:   n,
		recorder:   recorder,
		codec:      codec,
		clock:      clk,
		waiting:    cfg.Recovery.WaitingPeriod,
	}
}

// CreateRequest opens a reset request for the identity. An existing
// request, whatever its state, is superseded: its tokens stop matching
// and the waiting period restarts from now.
func (s *ResetService) CreateRequest(ctx context.Context, identityID string) (*models.AccountResetRequest, error) {
	identity, err := s.identities.GetIdentity(ctx, identityID)
	if err != nil {
		if errors.Is(err, scylla.ErrNotFound) {
			return nil, ErrIdentityNotFound
		}
		return nil, persistence(err)
	}

	// Fail closed: an unanswerable proofing question blocks the reset.
	verified, err := s.oracle.IdentityVerified(ctx, identityID)
	if err != nil || verified {
		s.audit(ctx, identityID, models.AuditResetRequested, false, nil, "proofing gate")
		return nil, ErrProofingGateBlocked
	}

	now := s.clock.Now()
	req := &models.AccountResetRequest{
		IdentityID:   identityID,
		RequestedAt:  now,
		RequestToken: s.codec.Generate(),
		Version:      1,
	}

	// Ref before CAS. A ref for a token that never went live always
	// fails the constant-time compare; a live token without a ref can
	// never be resolved again.
	if err := s.requests.SaveTokenRef(ctx, req.RequestToken, identityID, now); err != nil {
		return nil, persistence(err)
	}

	existing, err := s.requests.GetByIdentity(ctx, identityID)
	switch {
	case err == nil:
		req.Version = existing.Version + 1
		if err := s.requests.UpdateRequest(ctx, req, existing.Version); err != nil {
			if errors.Is(err, scylla.ErrVersionConflict) {
				return nil, ErrRequestConflict
			}
			return nil, persistence(err)
		}
	case errors.Is(err, scylla.ErrNotFound):
		if err := s.requests.CreateRequest(ctx, req); err != nil {
			if errors.Is(err, scylla.ErrVersionConflict) {
				return nil, ErrRequestConflict
			}
			return nil, persistence(err)
		}
	default:
		return nil, persistence(err)
	}

	s.notifyEmails(ctx, identity, notifier.TemplateResetRequested, map[string]string{
		"cancel_token": req.RequestToken,
	})

	counts := map[models.FactorKind]int{}
	if factors, err := s.identities.GetFactors(ctx, identityID); err == nil {
		counts = countsByKind(factors)
	}
	s.audit(ctx, identityID, models.AuditResetRequested, true, counts, "")

	util.Info("Reset request created",
		zap.String("identity_id", identityID),
		zap.Int64("version", req.Version))
	return req, nil
}

// Cancel consumes a cancellation token. Any confirmed email address of
// the identity can cancel, and a cancelled request's tokens never work
// again.
func (s *ResetService) Cancel(ctx context.Context, cancelToken string) error {
	req, identity, err := s.resolveLive(ctx, cancelToken)
	if err != nil {
		return err
	}
	if !s.codec.Matches(cancelToken, req.RequestToken) || req.Terminal() {
		return ErrInvalidToken
	}

	now := s.clock.Now()
	oldRequestToken, oldGrantToken := req.RequestToken, req.GrantToken

	updated := *req
	updated.RequestToken = ""
	updated.GrantToken = ""
	updated.CancelledAt = &now
	updated.Version = req.Version + 1

	if err := s.requests.UpdateRequest(ctx, &updated, req.Version); err != nil {
		if errors.Is(err, scylla.ErrVersionConflict) {
			return ErrRequestConflict
		}
		return persistence(err)
	}

	s.dropTokenRefs(ctx, oldRequestToken, oldGrantToken)

	s.notifyEmails(ctx, identity, notifier.TemplateResetCancelled, nil)
	s.notifyPhone(ctx, identity, notifier.TemplateResetCancelled)
	s.audit(ctx, identity.IdentityID, models.AuditResetCancelled, true, nil, "")

	util.Info("Reset request cancelled", zap.String("identity_id", identity.IdentityID))
	return nil
}

// Grant issues the single-use grant token once the waiting period has
// elapsed. A request can be granted exactly once.
func (s *ResetService) Grant(ctx context.Context, identityID string) (*models.AccountResetRequest, error) {
	identity, err := s.identities.GetIdentity(ctx, identityID)
	if err != nil {
		if errors.Is(err, scylla.ErrNotFound) {
			return nil, ErrIdentityNotFound
		}
		return nil, persistence(err)
	}

	req, err := s.requests.GetByIdentity(ctx, identityID)
	if err != nil {
		if errors.Is(err, scylla.ErrNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, persistence(err)
	}
	if req.Terminal() {
		return nil, ErrInvalidToken
	}
	if req.Granted() {
		return nil, ErrAlreadyGranted
	}

	now := s.clock.Now()
	if now.Before(req.RequestedAt.Add(s.waiting)) {
		s.audit(ctx, identityID, models.AuditResetGranted, false, nil, "waiting period")
		return nil, ErrTooEarly
	}

	updated := *req
	updated.GrantToken = s.codec.Generate()
	updated.GrantedAt = &now
	updated.Version = req.Version + 1

	// Ref before CAS, same as CreateRequest: a failed ref write must not
	// strand an already-granted request behind an unresolvable token.
	if err := s.requests.SaveTokenRef(ctx, updated.GrantToken, identityID, now); err != nil {
		return nil, persistence(err)
	}

	if err := s.requests.UpdateRequest(ctx, &updated, req.Version); err != nil {
		if errors.Is(err, scylla.ErrVersionConflict) {
			return nil, ErrRequestConflict
		}
		return nil, persistence(err)
	}

	s.notifyEmails(ctx, identity, notifier.TemplateResetGranted, nil)
	s.audit(ctx, identityID, models.AuditResetGranted, true, nil, "")

	util.Info("Reset request granted",
		zap.String("identity_id", identityID),
		zap.Int64("version", updated.Version))
	return &updated, nil
}

// Complete consumes the grant token and atomically replaces the
// identity's factor set with the newly proven one. The old factors are
// gone afterwards; the grant token never works again.
func (s *ResetService) Complete(ctx context.Context, grantToken string, newFactors []models.Factor) error {
	if len(newFactors) == 0 {
		return &PolicyViolationError{
			Violations: map[string][]string{
				"factors": {"replacement factor set must not be empty"},
			},
			CountsByKind: map[models.FactorKind]int{},
		}
	}
	for i := range newFactors {
		if !newFactors[i].Kind.Valid() {
			return &PolicyViolationError{
				Violations: map[string][]string{
					"factors": {"unknown factor kind " + string(newFactors[i].Kind)},
				},
				CountsByKind: map[models.FactorKind]int{},
			}
		}
	}

	req, identity, err := s.resolveLive(ctx, grantToken)
	if err != nil {
		return err
	}
	if !s.codec.Matches(grantToken, req.GrantToken) || req.Terminal() || !req.Granted() {
		return ErrInvalidToken
	}

	locked, err := s.candidates.AcquireLock(ctx, identity.IdentityID)
	if err != nil {
		return persistence(err)
	}
	if !locked {
		return ErrRequestConflict
	}
	defer func() {
		_ = s.candidates.ReleaseLock(ctx, identity.IdentityID)
	}()

	// Re-read under the lock: a concurrent caller may have consumed the
	// grant token between validation and lock acquisition.
	req, err = s.requests.GetByIdentity(ctx, identity.IdentityID)
	if err != nil {
		if errors.Is(err, scylla.ErrNotFound) {
			return ErrInvalidToken
		}
		return persistence(err)
	}
	if !s.codec.Matches(grantToken, req.GrantToken) || req.Terminal() || !req.Granted() {
		return ErrInvalidToken
	}

	oldFactors, err := s.identities.GetFactors(ctx, identity.IdentityID)
	if err != nil {
		return persistence(err)
	}

	now := s.clock.Now()
	oldRequestToken, oldGrantToken := req.RequestToken, req.GrantToken

	updated := *req
	updated.RequestToken = ""
	updated.GrantToken = ""
	updated.CompletedAt = &now
	updated.Version = req.Version + 1

	// Stamp a copy; the caller keeps ownership of its slice.
	replacement := make([]models.Factor, len(newFactors))
	copy(replacement, newFactors)
	for i := range replacement {
		replacement[i].IdentityID = identity.IdentityID
		if replacement[i].CreatedAt.IsZero() {
			replacement[i].CreatedAt = now
		}
	}

	if err := s.requests.CompleteWithFactors(ctx, &updated, oldFactors, replacement); err != nil {
		return persistence(err)
	}

	s.dropTokenRefs(ctx, oldRequestToken, oldGrantToken)

	s.notifyEmails(ctx, identity, notifier.TemplateResetCompleted, nil)
	s.audit(ctx, identity.IdentityID, models.AuditResetCompleted, true, countsByKind(replacement), "")

	util.Info("Reset request completed",
		zap.String("identity_id", identity.IdentityID),
		zap.Int("new_factor_count", len(replacement)))
	return nil
}

// ReportFraud flags a request as suspicious and cancels it. It accepts
// the same token the cancellation email carries.
func (s *ResetService) ReportFraud(ctx context.Context, cancelToken string) error {
	req, identity, err := s.resolveLive(ctx, cancelToken)
	if err != nil {
		return err
	}
	if !s.codec.Matches(cancelToken, req.RequestToken) || req.Terminal() {
		return ErrInvalidToken
	}

	now := s.clock.Now()
	oldRequestToken, oldGrantToken := req.RequestToken, req.GrantToken

	updated := *req
	updated.RequestToken = ""
	updated.GrantToken = ""
	updated.CancelledAt = &now
	updated.ReportedSuspicious = true
	updated.Version = req.Version + 1

	if err := s.requests.UpdateRequest(ctx, &updated, req.Version); err != nil {
		if errors.Is(err, scylla.ErrVersionConflict) {
			return ErrRequestConflict
		}
		return persistence(err)
	}

	s.dropTokenRefs(ctx, oldRequestToken, oldGrantToken)

	s.notifyEmails(ctx, identity, notifier.TemplateResetCancelled, nil)
	s.audit(ctx, identity.IdentityID, models.AuditResetFraudReported, true, nil, "")

	util.Warn("Reset request reported as fraud", zap.String("identity_id", identity.IdentityID))
	return nil
}

// GetRequest returns the live request for an identity, if any.
func (s *ResetService) GetRequest(ctx context.Context, identityID string) (*models.AccountResetRequest, error) {
	req, err := s.requests.GetByIdentity(ctx, identityID)
	if err != nil {
		if errors.Is(err, scylla.ErrNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, persistence(err)
	}
	return req, nil
}

// resolveLive maps a token to the identity's live request. Stale token
// refs resolve but then fail the constant-time comparison in the
// caller.
func (s *ResetService) resolveLive(ctx context.Context, tok string) (*models.AccountResetRequest, *models.Identity, error) {
	if tok == "" {
		return nil, nil, ErrInvalidToken
	}

	identityID, err := s.requests.ResolveToken(ctx, tok)
	if err != nil {
		if errors.Is(err, scylla.ErrNotFound) {
			return nil, nil, ErrInvalidToken
		}
		return nil, nil, persistence(err)
	}

	req, err := s.requests.GetByIdentity(ctx, identityID)
	if err != nil {
		if errors.Is(err, scylla.ErrNotFound) {
			return nil, nil, ErrInvalidToken
		}
		return nil, nil, persistence(err)
	}

	identity, err := s.identities.GetIdentity(ctx, identityID)
	if err != nil {
		if errors.Is(err, scylla.ErrNotFound) {
			return nil, nil, ErrIdentityNotFound
		}
		return nil, nil, persistence(err)
	}

	return req, identity, nil
}

func (s *ResetService) dropTokenRefs(ctx context.Context, tokens ...string) {
	for _, t := range tokens {
		if err := s.requests.DeleteTokenRef(ctx, t); err != nil {
			util.Warn("Failed to delete token ref", zap.Error(err))
		}
	}
}

// notifyEmails fans out to every address on the identity. Every address
// is attempted even when one send fails; failures are logged, never
// propagated.
func (s *ResetService) notifyEmails(ctx context.Context, identity *models.Identity, template string, params map[string]string) {
	var g errgroup.Group
	g.SetLimit(notifyConcurrency)
	for _, email := range identity.EmailAddresses {
		email := email
		g.Go(func() error {
			return s.notifier.SendEmail(ctx, email, template, params)
		})
	}
	if err := g.Wait(); err != nil {
		util.Warn("Email notification failed",
			zap.String("template", template),
			zap.Error(err))
	}
}

// notifyPhone sends an SMS to the identity's phone factor, if one is
// configured.
func (s *ResetService) notifyPhone(ctx context.Context, identity *models.Identity, template string) {
	factors, err := s.identities.GetFactors(ctx, identity.IdentityID)
	if err != nil {
		util.Warn("Failed to load factors for SMS notification", zap.Error(err))
		return
	}
	for i := range factors {
		f := &factors[i]
		if f.Kind == models.FactorKindPhone && f.Active() && f.PhoneNumber != "" {
			if err := s.notifier.SendSMS(ctx, f.PhoneNumber, template); err != nil {
				util.Warn("SMS notification failed", zap.Error(err))
			}
			return
		}
	}
}

func (s *ResetService) audit(ctx context.Context, identityID, eventType string, success bool, counts map[models.FactorKind]int, details string) {
	s.recorder.Record(ctx, &models.AuditEvent{
		IdentityID:   identityID,
		EventType:    eventType,
		Success:      success,
		CountsByKind: counts,
		Details:      details,
	})
}

func countsByKind(factors []models.Factor) map[models.FactorKind]int {
	counts := make(map[models.FactorKind]int)
	for i := range factors {
		if factors[i].Active() {
			counts[factors[i].Kind]++
		}
	}
	return counts
}

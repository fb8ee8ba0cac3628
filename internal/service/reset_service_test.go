package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"account-recovery-service/internal/config"
	"account-recovery-service/internal/models"
	"account-recovery-service/internal/notifier"
	"account-recovery-service/internal/token"
)

const testIdentityID = "9f0a6f3e-1111-4a7b-9b67-000000000001"

type resetFixture struct {
	svc        *ResetService
	store      *fakeStore
	candidates *fakeCandidates
	oracle     *fakeOracle
	notifier   *fakeNotifier
	recorder   *fakeRecorder
	clock      *fakeClock
}

func newResetFixture(t *testing.T) *resetFixture {
	t.Helper()

	cfg := &config.Config{}
	cfg.Recovery.WaitingPeriod = 24 * time.Hour

	f := &resetFixture{
		store:      newFakeStore(),
		candidates: newFakeCandidates(),
		oracle:     &fakeOracle{},
		notifier:   &fakeNotifier{},
		recorder:   &fakeRecorder{},
		clock:      newFakeClock(),
	}
	f.svc = NewResetService(
		f.store, f.store, f.candidates, f.oracle,
		f.notifier, f.recorder, token.NewCodec(), f.clock, cfg,
	)
	f.store.addIdentity(testIdentityID,
		[]string{"primary@example.com", "secondary@example.com"},
		models.ProofingStatusUnverified)
	return f
}

func newFactorSet() []models.Factor {
	return []models.Factor{
		{FactorID: "new-phone", Kind: models.FactorKindPhone, Enabled: true, Confirmed: true, PhoneNumber: "+15555550100"},
		{FactorID: "new-app", Kind: models.FactorKindAuthApp, Enabled: true, Confirmed: true},
		{FactorID: "new-webauthn", Kind: models.FactorKindWebauthn, Enabled: true, Confirmed: true},
	}
}

func TestCreateRequestIssuesToken(t *testing.T) {
	f := newResetFixture(t)

	req, err := f.svc.CreateRequest(context.Background(), testIdentityID)
	require.NoError(t, err)

	assert.NotEmpty(t, req.RequestToken)
	assert.Equal(t, int64(1), req.Version)
	assert.Equal(t, f.clock.Now(), req.RequestedAt)
	assert.Nil(t, req.GrantedAt)

	emails := f.notifier.emailsByTemplate(notifier.TemplateResetRequested)
	assert.Len(t, emails, 2, "every address gets the cancellation email")
}

func TestCreateRequestUnknownIdentity(t *testing.T) {
	f := newResetFixture(t)

	_, err := f.svc.CreateRequest(context.Background(), "no-such-identity")
	assert.ErrorIs(t, err, ErrIdentityNotFound)
}

func TestCreateRequestBlockedForVerifiedIdentity(t *testing.T) {
	f := newResetFixture(t)
	f.oracle.verified = true

	_, err := f.svc.CreateRequest(context.Background(), testIdentityID)
	assert.ErrorIs(t, err, ErrProofingGateBlocked)
}

func TestCreateRequestFailsClosedOnOracleError(t *testing.T) {
	f := newResetFixture(t)
	f.oracle.err = context.DeadlineExceeded

	_, err := f.svc.CreateRequest(context.Background(), testIdentityID)
	assert.ErrorIs(t, err, ErrProofingGateBlocked)
}

func TestCreateRequestSupersedesPrevious(t *testing.T) {
	f := newResetFixture(t)
	ctx := context.Background()

	first, err := f.svc.CreateRequest(ctx, testIdentityID)
	require.NoError(t, err)

	f.clock.Advance(time.Hour)

	second, err := f.svc.CreateRequest(ctx, testIdentityID)
	require.NoError(t, err)

	assert.NotEqual(t, first.RequestToken, second.RequestToken)
	assert.Equal(t, int64(2), second.Version)

	// The superseded token no longer cancels anything.
	err = f.svc.Cancel(ctx, first.RequestToken)
	assert.ErrorIs(t, err, ErrInvalidToken)

	// The fresh one still does.
	require.NoError(t, f.svc.Cancel(ctx, second.RequestToken))
}

func TestCancelIsTerminal(t *testing.T) {
	f := newResetFixture(t)
	ctx := context.Background()

	req, err := f.svc.CreateRequest(ctx, testIdentityID)
	require.NoError(t, err)

	require.NoError(t, f.svc.Cancel(ctx, req.RequestToken))

	// The consumed token is rejected on reuse.
	assert.ErrorIs(t, f.svc.Cancel(ctx, req.RequestToken), ErrInvalidToken)

	// And granting a cancelled request is impossible.
	f.clock.Advance(48 * time.Hour)
	_, err = f.svc.Grant(ctx, testIdentityID)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestCancelNotifiesPhoneWhenConfigured(t *testing.T) {
	f := newResetFixture(t)
	ctx := context.Background()
	f.store.addFactorDirect(models.Factor{
		IdentityID: testIdentityID, FactorID: "ph1",
		Kind: models.FactorKindPhone, Enabled: true, Confirmed: true,
		PhoneNumber: "+15555550123",
	})

	req, err := f.svc.CreateRequest(ctx, testIdentityID)
	require.NoError(t, err)
	require.NoError(t, f.svc.Cancel(ctx, req.RequestToken))

	require.Len(t, f.notifier.sms, 1)
	assert.Equal(t, "+15555550123", f.notifier.sms[0].phoneNumber)
	assert.Equal(t, notifier.TemplateResetCancelled, f.notifier.sms[0].template)
}

func TestCancelWithGarbageToken(t *testing.T) {
	f := newResetFixture(t)

	assert.ErrorIs(t, f.svc.Cancel(context.Background(), "not-a-token"), ErrInvalidToken)
	assert.ErrorIs(t, f.svc.Cancel(context.Background(), ""), ErrInvalidToken)
}

func TestGrantBeforeWaitingPeriod(t *testing.T) {
	f := newResetFixture(t)
	ctx := context.Background()

	_, err := f.svc.CreateRequest(ctx, testIdentityID)
	require.NoError(t, err)

	f.clock.Advance(24*time.Hour - time.Second)

	_, err = f.svc.Grant(ctx, testIdentityID)
	assert.ErrorIs(t, err, ErrTooEarly)
}

func TestGrantAtExactBoundary(t *testing.T) {
	f := newResetFixture(t)
	ctx := context.Background()

	_, err := f.svc.CreateRequest(ctx, testIdentityID)
	require.NoError(t, err)

	f.clock.Advance(24 * time.Hour)

	granted, err := f.svc.Grant(ctx, testIdentityID)
	require.NoError(t, err)
	assert.NotEmpty(t, granted.GrantToken)
	assert.NotNil(t, granted.GrantedAt)
}

func TestGrantOnlyOnce(t *testing.T) {
	f := newResetFixture(t)
	ctx := context.Background()

	_, err := f.svc.CreateRequest(ctx, testIdentityID)
	require.NoError(t, err)
	f.clock.Advance(25 * time.Hour)

	_, err = f.svc.Grant(ctx, testIdentityID)
	require.NoError(t, err)

	_, err = f.svc.Grant(ctx, testIdentityID)
	assert.ErrorIs(t, err, ErrAlreadyGranted)
}

func TestCompleteReplacesFactorSet(t *testing.T) {
	f := newResetFixture(t)
	ctx := context.Background()
	f.store.addFactorDirect(models.Factor{
		IdentityID: testIdentityID, FactorID: "old-phone",
		Kind: models.FactorKindPhone, Enabled: true, Confirmed: true,
	})

	_, err := f.svc.CreateRequest(ctx, testIdentityID)
	require.NoError(t, err)
	f.clock.Advance(25 * time.Hour)
	granted, err := f.svc.Grant(ctx, testIdentityID)
	require.NoError(t, err)

	require.NoError(t, f.svc.Complete(ctx, granted.GrantToken, newFactorSet()))

	factors, err := f.store.GetFactors(ctx, testIdentityID)
	require.NoError(t, err)
	require.Len(t, factors, 3)
	for _, factor := range factors {
		assert.NotEqual(t, "old-phone", factor.FactorID, "pre-reset factors are gone")
	}

	// The grant token is single use.
	assert.ErrorIs(t, f.svc.Complete(ctx, granted.GrantToken, newFactorSet()), ErrInvalidToken)

	req, err := f.store.GetByIdentity(ctx, testIdentityID)
	require.NoError(t, err)
	assert.NotNil(t, req.CompletedAt)
	assert.Empty(t, req.GrantToken)
}

func TestCompleteRejectsRequestToken(t *testing.T) {
	f := newResetFixture(t)
	ctx := context.Background()

	req, err := f.svc.CreateRequest(ctx, testIdentityID)
	require.NoError(t, err)
	f.clock.Advance(25 * time.Hour)
	_, err = f.svc.Grant(ctx, testIdentityID)
	require.NoError(t, err)

	// The cancellation token must not complete the reset.
	assert.ErrorIs(t, f.svc.Complete(ctx, req.RequestToken, newFactorSet()), ErrInvalidToken)
}

func TestCompleteBeforeGrant(t *testing.T) {
	f := newResetFixture(t)
	ctx := context.Background()

	req, err := f.svc.CreateRequest(ctx, testIdentityID)
	require.NoError(t, err)

	assert.ErrorIs(t, f.svc.Complete(ctx, req.RequestToken, newFactorSet()), ErrInvalidToken)
}

func TestCompleteRejectsEmptyFactorSet(t *testing.T) {
	f := newResetFixture(t)

	err := f.svc.Complete(context.Background(), "whatever", nil)
	assert.ErrorIs(t, err, ErrPolicyViolation)
}

func TestCompleteRejectsUnknownFactorKind(t *testing.T) {
	f := newResetFixture(t)

	err := f.svc.Complete(context.Background(), "whatever", []models.Factor{
		{FactorID: "x", Kind: "carrier_pigeon", Enabled: true, Confirmed: true},
	})
	assert.ErrorIs(t, err, ErrPolicyViolation)
}

func TestCompleteRevalidatesTokenUnderLock(t *testing.T) {
	f := newResetFixture(t)
	ctx := context.Background()

	_, err := f.svc.CreateRequest(ctx, testIdentityID)
	require.NoError(t, err)
	f.clock.Advance(25 * time.Hour)
	granted, err := f.svc.Grant(ctx, testIdentityID)
	require.NoError(t, err)

	// A competing caller finishes its Complete between this caller's
	// token validation and its lock acquisition.
	firstDone := false
	f.candidates.onAcquire = func() {
		require.NoError(t, f.svc.Complete(ctx, granted.GrantToken, newFactorSet()))
		firstDone = true
	}

	err = f.svc.Complete(ctx, granted.GrantToken, newFactorSet())
	assert.ErrorIs(t, err, ErrInvalidToken, "grant token must be single use")
	require.True(t, firstDone)

	// Exactly one completion happened.
	assert.Len(t, f.recorder.byType(models.AuditResetCompleted), 1)
	factors, err := f.store.GetFactors(ctx, testIdentityID)
	require.NoError(t, err)
	assert.Len(t, factors, 3)
}

func TestCompleteLeavesCallerFactorsUntouched(t *testing.T) {
	f := newResetFixture(t)
	ctx := context.Background()

	_, err := f.svc.CreateRequest(ctx, testIdentityID)
	require.NoError(t, err)
	f.clock.Advance(25 * time.Hour)
	granted, err := f.svc.Grant(ctx, testIdentityID)
	require.NoError(t, err)

	factors := newFactorSet()
	require.NoError(t, f.svc.Complete(ctx, granted.GrantToken, factors))

	for _, factor := range factors {
		assert.Empty(t, factor.IdentityID)
		assert.True(t, factor.CreatedAt.IsZero())
	}
}

func TestGrantTokenUsableAfterRefWriteFailure(t *testing.T) {
	f := newResetFixture(t)
	ctx := context.Background()

	_, err := f.svc.CreateRequest(ctx, testIdentityID)
	require.NoError(t, err)
	f.clock.Advance(25 * time.Hour)

	f.store.failTokenRefs = true
	_, err = f.svc.Grant(ctx, testIdentityID)
	assert.ErrorIs(t, err, ErrPersistenceFailure)

	// The grant did not apply, so the caller-level retry succeeds and
	// the issued token resolves.
	stored, err := f.store.GetByIdentity(ctx, testIdentityID)
	require.NoError(t, err)
	assert.Nil(t, stored.GrantedAt)

	f.store.failTokenRefs = false
	granted, err := f.svc.Grant(ctx, testIdentityID)
	require.NoError(t, err)
	require.NoError(t, f.svc.Complete(ctx, granted.GrantToken, newFactorSet()))
}

func TestCancelNotifiesEveryAddressDespiteFailure(t *testing.T) {
	f := newResetFixture(t)
	ctx := context.Background()

	req, err := f.svc.CreateRequest(ctx, testIdentityID)
	require.NoError(t, err)

	f.notifier.failRecipients = map[string]bool{"primary@example.com": true}
	require.NoError(t, f.svc.Cancel(ctx, req.RequestToken))

	emails := f.notifier.emailsByTemplate(notifier.TemplateResetCancelled)
	require.Len(t, emails, 1, "the failing address must not suppress the rest")
	assert.Equal(t, "secondary@example.com", emails[0].recipient)
}

func TestCompleteLeavesStateOnStorageFailure(t *testing.T) {
	f := newResetFixture(t)
	ctx := context.Background()
	f.store.addFactorDirect(models.Factor{
		IdentityID: testIdentityID, FactorID: "old-phone",
		Kind: models.FactorKindPhone, Enabled: true, Confirmed: true,
	})

	_, err := f.svc.CreateRequest(ctx, testIdentityID)
	require.NoError(t, err)
	f.clock.Advance(25 * time.Hour)
	granted, err := f.svc.Grant(ctx, testIdentityID)
	require.NoError(t, err)

	f.store.failUpdates = true
	err = f.svc.Complete(ctx, granted.GrantToken, newFactorSet())
	assert.ErrorIs(t, err, ErrPersistenceFailure)

	// Old factors survive and the token still works once storage heals.
	f.store.failUpdates = false
	factors, err := f.store.GetFactors(ctx, testIdentityID)
	require.NoError(t, err)
	require.Len(t, factors, 1)
	assert.Equal(t, "old-phone", factors[0].FactorID)

	require.NoError(t, f.svc.Complete(ctx, granted.GrantToken, newFactorSet()))
}

func TestReportFraudCancelsAndFlags(t *testing.T) {
	f := newResetFixture(t)
	ctx := context.Background()

	req, err := f.svc.CreateRequest(ctx, testIdentityID)
	require.NoError(t, err)

	require.NoError(t, f.svc.ReportFraud(ctx, req.RequestToken))

	stored, err := f.store.GetByIdentity(ctx, testIdentityID)
	require.NoError(t, err)
	assert.True(t, stored.ReportedSuspicious)
	assert.NotNil(t, stored.CancelledAt)

	events := f.recorder.byType(models.AuditResetFraudReported)
	require.Len(t, events, 1)
	assert.True(t, events[0].Success)
}

func TestAuditTrailCoversLifecycle(t *testing.T) {
	f := newResetFixture(t)
	ctx := context.Background()

	_, err := f.svc.CreateRequest(ctx, testIdentityID)
	require.NoError(t, err)
	f.clock.Advance(25 * time.Hour)
	granted, err := f.svc.Grant(ctx, testIdentityID)
	require.NoError(t, err)
	require.NoError(t, f.svc.Complete(ctx, granted.GrantToken, newFactorSet()))

	assert.Len(t, f.recorder.byType(models.AuditResetRequested), 1)
	assert.Len(t, f.recorder.byType(models.AuditResetGranted), 1)

	completed := f.recorder.byType(models.AuditResetCompleted)
	require.Len(t, completed, 1)
	assert.Equal(t, map[models.FactorKind]int{
		models.FactorKindPhone:    1,
		models.FactorKindAuthApp:  1,
		models.FactorKindWebauthn: 1,
	}, completed[0].CountsByKind)
}

package service

import (
	"context"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"account-recovery-service/internal/config"
	"account-recovery-service/internal/encryption"
	"account-recovery-service/internal/hashing"
	"account-recovery-service/internal/models"
	"account-recovery-service/internal/policy"
)

type enrollmentFixture struct {
	svc        *EnrollmentService
	store      *fakeStore
	candidates *fakeCandidates
	recorder   *fakeRecorder
	clock      *fakeClock
	encryption *encryption.Manager
}

func newEnrollmentFixture(t *testing.T) *enrollmentFixture {
	t.Helper()

	cfg := &config.Config{}
	cfg.Hashing.Argon2MemoryCost = 8192
	cfg.Hashing.Argon2TimeCost = 1
	cfg.Hashing.Argon2Parallelism = 1
	cfg.Policy.MinFactorCount = 3
	cfg.TOTP.Issuer = "account-recovery-service"

	f := &enrollmentFixture{
		store:      newFakeStore(),
		candidates: newFakeCandidates(),
		recorder:   &fakeRecorder{},
		clock:      newFakeClock(),
		encryption: encryption.NewManager(cfg, nil),
	}
	f.svc = NewEnrollmentService(
		f.store, f.candidates, policy.NewEngine(cfg.Policy),
		f.encryption, hashing.NewHasher(cfg), f.recorder, f.clock, cfg,
	)
	f.store.addIdentity(testIdentityID,
		[]string{"primary@example.com"}, models.ProofingStatusUnverified)
	return f
}

// secretFromURI pulls the shared secret out of the otpauth:// URI the
// way an authenticator app would.
func secretFromURI(t *testing.T, uri string) string {
	t.Helper()
	parsed, err := url.Parse(uri)
	require.NoError(t, err)
	secret := parsed.Query().Get("secret")
	require.NotEmpty(t, secret)
	return secret
}

func TestBeginIssuesSessionScopedSecret(t *testing.T) {
	f := newEnrollmentFixture(t)
	ctx := context.Background()

	first, err := f.svc.Begin(ctx, testIdentityID, "")
	require.NoError(t, err)
	second, err := f.svc.Begin(ctx, testIdentityID, "")
	require.NoError(t, err)

	assert.NotEqual(t, first.SessionID, second.SessionID)
	assert.NotEqual(t,
		secretFromURI(t, first.ProvisioningURI),
		secretFromURI(t, second.ProvisioningURI),
		"restarted negotiation issues a fresh secret")
	assert.True(t, strings.HasPrefix(first.ProvisioningURI, "otpauth://totp/"))

	parsed, err := url.Parse(first.ProvisioningURI)
	require.NoError(t, err)
	assert.Equal(t, "account-recovery-service", parsed.Query().Get("issuer"))

	// Nothing committed yet.
	factors, err := f.store.GetFactors(ctx, testIdentityID)
	require.NoError(t, err)
	assert.Empty(t, factors)
}

func TestBeginIsReentrantWithinSession(t *testing.T) {
	f := newEnrollmentFixture(t)
	ctx := context.Background()

	first, err := f.svc.Begin(ctx, testIdentityID, "")
	require.NoError(t, err)

	again, err := f.svc.Begin(ctx, testIdentityID, first.SessionID)
	require.NoError(t, err)

	assert.Equal(t, first.SessionID, again.SessionID)
	assert.Equal(t, first.ProvisioningURI, again.ProvisioningURI,
		"re-entering a live session never regenerates the secret")
}

func TestBeginUnknownIdentity(t *testing.T) {
	f := newEnrollmentFixture(t)

	_, err := f.svc.Begin(context.Background(), "no-such-identity", "")
	assert.ErrorIs(t, err, ErrIdentityNotFound)
}

func TestConfirmCommitsFactor(t *testing.T) {
	f := newEnrollmentFixture(t)
	ctx := context.Background()

	candidate, err := f.svc.Begin(ctx, testIdentityID, "")
	require.NoError(t, err)

	secret := secretFromURI(t, candidate.ProvisioningURI)
	code, err := totp.GenerateCode(secret, time.Now())
	require.NoError(t, err)

	factor, err := f.svc.Confirm(ctx, testIdentityID, candidate.SessionID, code)
	require.NoError(t, err)
	assert.Equal(t, models.FactorKindAuthApp, factor.Kind)
	assert.True(t, factor.Active())
	assert.NotEmpty(t, factor.SecretEncrypted)

	// The candidate is consumed; the same session cannot commit twice.
	_, err = f.svc.Confirm(ctx, testIdentityID, candidate.SessionID, code)
	assert.ErrorIs(t, err, ErrCandidateNotFound)
}

func TestConfirmWrongCodeAllowsRetry(t *testing.T) {
	f := newEnrollmentFixture(t)
	ctx := context.Background()

	candidate, err := f.svc.Begin(ctx, testIdentityID, "")
	require.NoError(t, err)

	_, err = f.svc.Confirm(ctx, testIdentityID, candidate.SessionID, "000000")
	assert.ErrorIs(t, err, ErrInvalidCode)

	// The candidate survives the failed attempt.
	secret := secretFromURI(t, candidate.ProvisioningURI)
	code, err := totp.GenerateCode(secret, time.Now())
	require.NoError(t, err)

	_, err = f.svc.Confirm(ctx, testIdentityID, candidate.SessionID, code)
	require.NoError(t, err)
}

func TestConfirmBlockedWhenLockHeld(t *testing.T) {
	f := newEnrollmentFixture(t)
	ctx := context.Background()

	candidate, err := f.svc.Begin(ctx, testIdentityID, "")
	require.NoError(t, err)

	secret := secretFromURI(t, candidate.ProvisioningURI)
	code, err := totp.GenerateCode(secret, time.Now())
	require.NoError(t, err)

	f.candidates.lockDenied = true
	_, err = f.svc.Confirm(ctx, testIdentityID, candidate.SessionID, code)
	assert.ErrorIs(t, err, ErrRequestConflict)
}

func TestAbandonDiscardsCandidate(t *testing.T) {
	f := newEnrollmentFixture(t)
	ctx := context.Background()

	candidate, err := f.svc.Begin(ctx, testIdentityID, "")
	require.NoError(t, err)
	require.NoError(t, f.svc.Abandon(ctx, testIdentityID, candidate.SessionID))

	_, err = f.svc.Confirm(ctx, testIdentityID, candidate.SessionID, "123456")
	assert.ErrorIs(t, err, ErrCandidateNotFound)
}

func seedDiverseFactors(f *enrollmentFixture, kinds ...models.FactorKind) {
	for i, kind := range kinds {
		f.store.addFactorDirect(models.Factor{
			IdentityID: testIdentityID,
			FactorID:   string(kind) + "-" + string(rune('a'+i)),
			Kind:       kind,
			Enabled:    true,
			Confirmed:  true,
		})
	}
}

func TestDisableBlockedBelowMinimum(t *testing.T) {
	f := newEnrollmentFixture(t)
	ctx := context.Background()
	seedDiverseFactors(f, models.FactorKindPhone, models.FactorKindWebauthn)

	err := f.svc.Disable(ctx, testIdentityID, "phone-a")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPolicyViolation)

	var pv *PolicyViolationError
	require.ErrorAs(t, err, &pv)
	assert.Contains(t, pv.Violations["identity"][0], "3 or more MFA configurations")
	assert.Equal(t, map[models.FactorKind]int{
		models.FactorKindPhone:    1,
		models.FactorKindWebauthn: 1,
	}, pv.CountsByKind)

	// The factor is untouched.
	factor, err := f.store.GetFactor(ctx, testIdentityID, "phone-a")
	require.NoError(t, err)
	assert.True(t, factor.Enabled)
}

func TestDisableAllowedAtMinimum(t *testing.T) {
	f := newEnrollmentFixture(t)
	ctx := context.Background()
	seedDiverseFactors(f,
		models.FactorKindPhone, models.FactorKindWebauthn, models.FactorKindAuthApp)

	require.NoError(t, f.svc.Disable(ctx, testIdentityID, "phone-a"))

	factor, err := f.store.GetFactor(ctx, testIdentityID, "phone-a")
	require.NoError(t, err)
	assert.False(t, factor.Enabled)
	assert.NotNil(t, factor.DisabledAt)
}

func TestRemoveBehindSameGate(t *testing.T) {
	f := newEnrollmentFixture(t)
	ctx := context.Background()
	seedDiverseFactors(f, models.FactorKindPhone, models.FactorKindWebauthn)

	assert.ErrorIs(t, f.svc.Remove(ctx, testIdentityID, "phone-a"), ErrPolicyViolation)

	f.store.addFactorDirect(models.Factor{
		IdentityID: testIdentityID, FactorID: "extra-app",
		Kind: models.FactorKindAuthApp, Enabled: true, Confirmed: true,
	})
	require.NoError(t, f.svc.Remove(ctx, testIdentityID, "phone-a"))

	_, err := f.store.GetFactor(ctx, testIdentityID, "phone-a")
	assert.Error(t, err)
}

func TestDisableUnknownFactor(t *testing.T) {
	f := newEnrollmentFixture(t)

	err := f.svc.Disable(context.Background(), testIdentityID, "ghost")
	assert.ErrorIs(t, err, ErrFactorNotFound)
}

func TestPolicyEvaluationsAreAudited(t *testing.T) {
	f := newEnrollmentFixture(t)
	ctx := context.Background()
	seedDiverseFactors(f, models.FactorKindPhone, models.FactorKindWebauthn)

	_ = f.svc.Disable(ctx, testIdentityID, "phone-a")

	events := f.recorder.byType(models.AuditPolicyEvaluated)
	require.Len(t, events, 1)
	assert.False(t, events[0].Success)
	assert.Equal(t, 1, events[0].CountsByKind[models.FactorKindPhone])
}

func TestIssuePersonalKeyRoundTrip(t *testing.T) {
	f := newEnrollmentFixture(t)
	ctx := context.Background()

	rawKey, factor, err := f.svc.IssuePersonalKey(ctx, testIdentityID)
	require.NoError(t, err)
	assert.Regexp(t, `^[A-Z2-7]{4}-[A-Z2-7]{4}-[A-Z2-7]{4}-[A-Z2-7]{4}$`, rawKey)
	assert.Equal(t, models.FactorKindPersonalKey, factor.Kind)
	assert.NotEmpty(t, factor.KeyDigest)
	assert.NotContains(t, factor.KeyDigest, rawKey, "raw key is never persisted")

	ok, err := f.svc.VerifyPersonalKey(ctx, testIdentityID, rawKey)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = f.svc.VerifyPersonalKey(ctx, testIdentityID, "AAAA-BBBB-CCCC-DDDD")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestIssuePersonalKeyReplacesPrevious(t *testing.T) {
	f := newEnrollmentFixture(t)
	ctx := context.Background()

	oldKey, _, err := f.svc.IssuePersonalKey(ctx, testIdentityID)
	require.NoError(t, err)
	_, _, err = f.svc.IssuePersonalKey(ctx, testIdentityID)
	require.NoError(t, err)

	factors, err := f.store.GetFactors(ctx, testIdentityID)
	require.NoError(t, err)
	require.Len(t, factors, 1, "only one personal key at a time")

	ok, err := f.svc.VerifyPersonalKey(ctx, testIdentityID, oldKey)
	require.NoError(t, err)
	assert.False(t, ok, "superseded key no longer verifies")
}

package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"account-recovery-service/internal/models"
	redisrepo "account-recovery-service/internal/repository/redis"
	"account-recovery-service/internal/repository/scylla"
)

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeStore backs both repository interfaces with maps so lifecycle
// tests can observe cross-table effects.
type fakeStore struct {
	mu         sync.Mutex
	identities map[string]*models.Identity
	factors    map[string]map[string]models.Factor
	requests   map[string]*models.AccountResetRequest
	tokenRefs  map[string]string

	failUpdates   bool
	failTokenRefs bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		identities: make(map[string]*models.Identity),
		factors:    make(map[string]map[string]models.Factor),
		requests:   make(map[string]*models.AccountResetRequest),
		tokenRefs:  make(map[string]string),
	}
}

func (s *fakeStore) addIdentity(id string, emails []string, proofing string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identities[id] = &models.Identity{
		IdentityID:     id,
		EmailAddresses: emails,
		ProofingStatus: proofing,
		CreatedAt:      time.Now().UTC(),
	}
	s.factors[id] = make(map[string]models.Factor)
}

func (s *fakeStore) addFactorDirect(f models.Factor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.factors[f.IdentityID] == nil {
		s.factors[f.IdentityID] = make(map[string]models.Factor)
	}
	s.factors[f.IdentityID][f.FactorID] = f
}

func (s *fakeStore) CreateIdentity(ctx context.Context, identity *models.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identities[identity.IdentityID] = identity
	return nil
}

func (s *fakeStore) GetIdentity(ctx context.Context, identityID string) (*models.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	identity, ok := s.identities[identityID]
	if !ok {
		return nil, scylla.ErrNotFound
	}
	cp := *identity
	return &cp, nil
}

func (s *fakeStore) GetFactors(ctx context.Context, identityID string) ([]models.Factor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Factor
	for _, f := range s.factors[identityID] {
		out = append(out, f)
	}
	return out, nil
}

func (s *fakeStore) GetFactor(ctx context.Context, identityID, factorID string) (*models.Factor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.factors[identityID][factorID]
	if !ok {
		return nil, scylla.ErrNotFound
	}
	cp := f
	return &cp, nil
}

func (s *fakeStore) AddFactor(ctx context.Context, factor *models.Factor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.factors[factor.IdentityID] == nil {
		s.factors[factor.IdentityID] = make(map[string]models.Factor)
	}
	s.factors[factor.IdentityID][factor.FactorID] = *factor
	return nil
}

func (s *fakeStore) DisableFactor(ctx context.Context, identityID, factorID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.factors[identityID][factorID]
	if !ok {
		return scylla.ErrNotFound
	}
	f.Enabled = false
	f.DisabledAt = &at
	s.factors[identityID][factorID] = f
	return nil
}

func (s *fakeStore) RemoveFactor(ctx context.Context, identityID, factorID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.factors[identityID], factorID)
	return nil
}

func (s *fakeStore) HealthCheck(ctx context.Context) error { return nil }

func (s *fakeStore) GetByIdentity(ctx context.Context, identityID string) (*models.AccountResetRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[identityID]
	if !ok {
		return nil, scylla.ErrNotFound
	}
	cp := *req
	return &cp, nil
}

func (s *fakeStore) ResolveToken(ctx context.Context, token string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	identityID, ok := s.tokenRefs[token]
	if !ok {
		return "", scylla.ErrNotFound
	}
	return identityID, nil
}

func (s *fakeStore) CreateRequest(ctx context.Context, req *models.AccountResetRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.requests[req.IdentityID]; exists {
		return scylla.ErrVersionConflict
	}
	cp := *req
	s.requests[req.IdentityID] = &cp
	return nil
}

func (s *fakeStore) UpdateRequest(ctx context.Context, req *models.AccountResetRequest, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failUpdates {
		return errors.New("storage down")
	}
	current, ok := s.requests[req.IdentityID]
	if !ok || current.Version != expectedVersion {
		return scylla.ErrVersionConflict
	}
	cp := *req
	s.requests[req.IdentityID] = &cp
	return nil
}

func (s *fakeStore) SaveTokenRef(ctx context.Context, token, identityID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failTokenRefs {
		return errors.New("storage down")
	}
	s.tokenRefs[token] = identityID
	return nil
}

func (s *fakeStore) DeleteTokenRef(ctx context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokenRefs, token)
	return nil
}

func (s *fakeStore) CompleteWithFactors(ctx context.Context, req *models.AccountResetRequest, oldFactors, newFactors []models.Factor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failUpdates {
		return errors.New("storage down")
	}
	replacement := make(map[string]models.Factor, len(newFactors))
	for _, f := range newFactors {
		replacement[f.FactorID] = f
	}
	s.factors[req.IdentityID] = replacement
	cp := *req
	s.requests[req.IdentityID] = &cp
	return nil
}

// fakeCandidates is an in-memory candidate cache with a per-identity
// lock. onAcquire, when set, runs once just before the next lock
// acquisition so tests can interleave a competing caller at that point.
type fakeCandidates struct {
	mu         sync.Mutex
	candidates map[string]*models.EnrollmentCandidate
	locks      map[string]bool
	lockDenied bool
	onAcquire  func()
}

func newFakeCandidates() *fakeCandidates {
	return &fakeCandidates{
		candidates: make(map[string]*models.EnrollmentCandidate),
		locks:      make(map[string]bool),
	}
}

func candidateTestKey(identityID, sessionID string) string {
	return identityID + ":" + sessionID
}

func (c *fakeCandidates) Put(ctx context.Context, candidate *models.EnrollmentCandidate) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := *candidate
	c.candidates[candidateTestKey(candidate.IdentityID, candidate.SessionID)] = &cp
	return nil
}

func (c *fakeCandidates) Get(ctx context.Context, identityID, sessionID string) (*models.EnrollmentCandidate, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	candidate, ok := c.candidates[candidateTestKey(identityID, sessionID)]
	if !ok {
		return nil, redisrepo.ErrCandidateNotFound
	}
	cp := *candidate
	return &cp, nil
}

func (c *fakeCandidates) Delete(ctx context.Context, identityID, sessionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.candidates, candidateTestKey(identityID, sessionID))
	return nil
}

func (c *fakeCandidates) AcquireLock(ctx context.Context, identityID string) (bool, error) {
	c.mu.Lock()
	hook := c.onAcquire
	c.onAcquire = nil
	c.mu.Unlock()
	if hook != nil {
		hook()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lockDenied || c.locks[identityID] {
		return false, nil
	}
	c.locks[identityID] = true
	return true, nil
}

func (c *fakeCandidates) ReleaseLock(ctx context.Context, identityID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.locks, identityID)
	return nil
}

func (c *fakeCandidates) HealthCheck(ctx context.Context) error { return nil }

// fakeOracle answers the proofing question with a fixed result.
type fakeOracle struct {
	verified bool
	err      error
}

func (o *fakeOracle) IdentityVerified(ctx context.Context, identityID string) (bool, error) {
	return o.verified, o.err
}

// fakeNotifier records every notification. Recipients listed in
// failRecipients error out instead of being recorded.
type fakeNotifier struct {
	mu             sync.Mutex
	emails         []sentEmail
	sms            []sentSMS
	failRecipients map[string]bool
}

type sentEmail struct {
	recipient string
	template  string
	params    map[string]string
}

type sentSMS struct {
	phoneNumber string
	template    string
}

func (n *fakeNotifier) SendEmail(ctx context.Context, recipient, template string, params map[string]string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.failRecipients[recipient] {
		return errors.New("produce failed")
	}
	n.emails = append(n.emails, sentEmail{recipient, template, params})
	return nil
}

func (n *fakeNotifier) SendSMS(ctx context.Context, phoneNumber, template string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sms = append(n.sms, sentSMS{phoneNumber, template})
	return nil
}

func (n *fakeNotifier) emailsByTemplate(template string) []sentEmail {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []sentEmail
	for _, e := range n.emails {
		if e.template == template {
			out = append(out, e)
		}
	}
	return out
}

// fakeRecorder collects audit events.
type fakeRecorder struct {
	mu     sync.Mutex
	events []*models.AuditEvent
}

func (r *fakeRecorder) Record(ctx context.Context, event *models.AuditEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *fakeRecorder) Close() error { return nil }

func (r *fakeRecorder) byType(eventType string) []*models.AuditEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.AuditEvent
	for _, e := range r.events {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

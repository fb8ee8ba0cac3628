package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"account-recovery-service/internal/client"
	"account-recovery-service/internal/config"
	"account-recovery-service/internal/models"
	"account-recovery-service/internal/util"
)

const (
	candidatePrefix = "enroll:"
	lockPrefix      = "enroll_lock:"
)

// ErrCandidateNotFound is returned when no candidate exists for the
// session, either because it was never issued, already consumed, or
// expired out of the cache.
var ErrCandidateNotFound = errors.New("enrollment candidate not found")

// ErrLockNotAcquired is returned when another commit on the same
// identity holds the lock.
var ErrLockNotAcquired = errors.New("enrollment lock not acquired")

// CandidateCache stores issued-but-uncommitted enrollment secrets.
// Candidates are session scoped and expire on their own; a restarted
// negotiation simply issues a fresh candidate under a new session.
type CandidateCache interface {
	Put(ctx context.Context, candidate *models.EnrollmentCandidate) error
	Get(ctx context.Context, identityID, sessionID string) (*models.EnrollmentCandidate, error)
	Delete(ctx context.Context, identityID, sessionID string) error
	AcquireLock(ctx context.Context, identityID string) (bool, error)
	ReleaseLock(ctx context.Context, identityID string) error
	HealthCheck(ctx context.Context) error
}

type RedisCandidateCache struct {
	redis *client.RedisClient
	ttl   time.Duration
	lock  time.Duration
}

func NewRedisCandidateCache(redisClient *client.RedisClient, cfg *config.Config) *RedisCandidateCache {
	return &RedisCandidateCache{
		redis: redisClient,
		ttl:   cfg.Recovery.CandidateTTL,
		lock:  cfg.Recovery.LockTTL,
	}
}

func candidateKey(identityID, sessionID string) string {
	return candidatePrefix + identityID + ":" + sessionID
}

func lockKey(identityID string) string {
	return lockPrefix + identityID
}

func (c *RedisCandidateCache) Put(ctx context.Context, candidate *models.EnrollmentCandidate) error {
	data, err := json.Marshal(candidate)
	if err != nil {
		return fmt.Errorf("failed to marshal candidate: %w", err)
	}

	key := candidateKey(candidate.IdentityID, candidate.SessionID)
	if err := c.redis.Set(ctx, key, data, c.ttl); err != nil {
		return fmt.Errorf("failed to store candidate: %w", err)
	}

	util.Debug("Enrollment candidate stored",
		zap.String("identity_id", candidate.IdentityID),
		zap.String("session_id", candidate.SessionID),
		zap.Duration("ttl", c.ttl))
	return nil
}

func (c *RedisCandidateCache) Get(ctx context.Context, identityID, sessionID string) (*models.EnrollmentCandidate, error) {
	val, err := c.redis.Get(ctx, candidateKey(identityID, sessionID))
	if err != nil {
		if strings.Contains(err.Error(), "key not found") {
			return nil, ErrCandidateNotFound
		}
		return nil, fmt.Errorf("failed to fetch candidate: %w", err)
	}

	var candidate models.EnrollmentCandidate
	if err := json.Unmarshal([]byte(val), &candidate); err != nil {
		return nil, fmt.Errorf("failed to unmarshal candidate: %w", err)
	}
	return &candidate, nil
}

func (c *RedisCandidateCache) Delete(ctx context.Context, identityID, sessionID string) error {
	return c.redis.Del(ctx, candidateKey(identityID, sessionID))
}

// AcquireLock takes the per-identity commit lock. The TTL bounds how
// long a crashed holder can block other commits.
func (c *RedisCandidateCache) AcquireLock(ctx context.Context, identityID string) (bool, error) {
	ok, err := c.redis.SetNX(ctx, lockKey(identityID), "1", c.lock)
	if err != nil {
		return false, fmt.Errorf("failed to acquire enrollment lock: %w", err)
	}
	return ok, nil
}

func (c *RedisCandidateCache) ReleaseLock(ctx context.Context, identityID string) error {
	return c.redis.Del(ctx, lockKey(identityID))
}

func (c *RedisCandidateCache) HealthCheck(ctx context.Context) error {
	return c.redis.HealthCheck(ctx)
}

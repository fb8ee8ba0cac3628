package service

import (
	"account-recovery-service/internal/audit"
	"account-recovery-service/internal/clock"
	"account-recovery-service/internal/config"
	"account-recovery-service/internal/encryption"
	"account-recovery-service/internal/hashing"
	"account-recovery-service/internal/notifier"
	"account-recovery-service/internal/policy"
	"account-recovery-service/internal/proofing"
	redisrepo "account-recovery-service/internal/repository/redis"
	"account-recovery-service/internal/repository/scylla"
	"account-recovery-service/internal/token"
	"account-recovery-service/internal/util"
)

// ServiceFactory wires the domain services over their shared
// dependencies.
type ServiceFactory struct {
	resetService      *ResetService
	enrollmentService *EnrollmentService
}

func NewServiceFactory(
	identities scylla.IdentityRepository,
	requests scylla.ResetRequestRepository,
	candidates redisrepo.CandidateCache,
	oracle proofing.Oracle,
	n notifier.Notifier,
	recorder audit.Recorder,
	enc *encryption.Manager,
	hasher *hashing.Hasher,
	cfg *config.Config,
) *ServiceFactory {
	codec := token.NewCodec()
	clk := clock.System()
	engine := policy.NewEngine(cfg.Policy)

	return &ServiceFactory{
		resetService: NewResetService(
			identities, requests, candidates, oracle,
			n, recorder, codec, clk, cfg,
		),
		enrollmentService: NewEnrollmentService(
			identities, candidates, engine,
			enc, hasher, recorder, clk, cfg,
		),
	}
}

func (f *ServiceFactory) ResetService() *ResetService {
	return f.resetService
}

func (f *ServiceFactory) EnrollmentService() *EnrollmentService {
	return f.enrollmentService
}

// Cleanup releases service-level resources on shutdown.
func (f *ServiceFactory) Cleanup() {
	util.Info("Service factory cleanup completed")
}

package scylla

import (
	"fmt"
	"sync"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"account-recovery-service/internal/config"
	"account-recovery-service/internal/util"
)

// PreparedStatements holds the statements the repositories execute.
// Reset-request mutations go through a single full-row CAS update so
// every lifecycle transition is serialized on the version column.
type PreparedStatements struct {
	CreateIdentity  *gocql.Query
	GetIdentity     *gocql.Query
	TouchIdentity   *gocql.Query
	GetFactors      *gocql.Query
	GetFactor       *gocql.Query
	InsertFactor    *gocql.Query
	DisableFactor   *gocql.Query
	DeleteFactor    *gocql.Query
	GetResetRequest *gocql.Query
	InsertRequest   *gocql.Query
	UpdateRequest   *gocql.Query
	InsertTokenRef  *gocql.Query
	GetTokenRef     *gocql.Query
	DeleteTokenRef  *gocql.Query
}

type ScyllaClient struct {
	Session      *gocql.Session
	config       *config.ScyllaConfig
	Prepared     *PreparedStatements
	prepareMutex sync.RWMutex
	isPrepared   bool
}

func NewScyllaClient(cfg *config.Config, logger *zap.Logger) (*ScyllaClient, error) {
	scyllaConfig := cfg.Scylla

	cluster := gocql.NewCluster(scyllaConfig.Nodes...)
	cluster.Keyspace = scyllaConfig.Keyspace
	cluster.Consistency = gocql.LocalQuorum
	cluster.SerialConsistency = gocql.LocalSerial
	cluster.Timeout = 10 * time.Second
	cluster.ConnectTimeout = 10 * time.Second
	cluster.NumConns = 4
	cluster.SocketKeepalive = 30 * time.Second
	cluster.MaxPreparedStmts = 1000
	cluster.MaxRoutingKeyInfo = 1000
	cluster.PageSize = 1000
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		Min:        time.Second,
		Max:        10 * time.Second,
		NumRetries: 3,
	}

	if !cfg.IsDevelopment() {
		cluster.SslOpts = &gocql.SslOptions{
			CaPath:                 "/root/certs/ca.pem",
			CertPath:               "/root/certs/server.pem",
			KeyPath:                "/root/certs/server.key",
			EnableHostVerification: true,
		}
	}

	if scyllaConfig.Username != "" && scyllaConfig.Password != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: scyllaConfig.Username,
			Password: scyllaConfig.Password,
		}
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create scylla session: %w", err)
	}

	client := &ScyllaClient{
		Session: session,
		config:  &scyllaConfig,
	}

	if err := client.prepareStatements(); err != nil {
		session.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}

	util.Info("ScyllaDB client initialized with prepared statements",
		zap.Strings("nodes", scyllaConfig.Nodes),
		zap.String("keyspace", scyllaConfig.Keyspace))

	return client, nil
}

func (s *ScyllaClient) prepareStatements() error {
	s.prepareMutex.Lock()
	defer s.prepareMutex.Unlock()

	if s.isPrepared {
		return nil
	}

	prepared := &PreparedStatements{}

	prepared.CreateIdentity = s.Session.Query(`
        INSERT INTO identities (
            identity_bucket, identity_id, email_addresses, proofing_status,
            created_at, updated_at
        ) VALUES (?, ?, ?, ?, ?, ?)`)

	prepared.GetIdentity = s.Session.Query(`
        SELECT identity_bucket, identity_id, email_addresses, proofing_status,
            created_at, updated_at
        FROM identities WHERE identity_bucket = ? AND identity_id = ?`)

	prepared.TouchIdentity = s.Session.Query(`
        UPDATE identities SET updated_at = ?
        WHERE identity_bucket = ? AND identity_id = ?`)

	prepared.GetFactors = s.Session.Query(`
        SELECT identity_bucket, identity_id, factor_id, kind, enabled, confirmed,
            phone_number, secret_encrypted, secret_dek, secret_key_id,
            key_digest, key_digest_salt, pepper_version, created_at, disabled_at
        FROM factors WHERE identity_bucket = ? AND identity_id = ?`)

	prepared.GetFactor = s.Session.Query(`
        SELECT identity_bucket, identity_id, factor_id, kind, enabled, confirmed,
            phone_number, secret_encrypted, secret_dek, secret_key_id,
            key_digest, key_digest_salt, pepper_version, created_at, disabled_at
        FROM factors WHERE identity_bucket = ? AND identity_id = ? AND factor_id = ?`)

	prepared.InsertFactor = s.Session.Query(`
        INSERT INTO factors (
            identity_bucket, identity_id, factor_id, kind, enabled, confirmed,
            phone_number, secret_encrypted, secret_dek, secret_key_id,
            key_digest, key_digest_salt, pepper_version, created_at, disabled_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	prepared.DisableFactor = s.Session.Query(`
        UPDATE factors SET enabled = false, disabled_at = ?
        WHERE identity_bucket = ? AND identity_id = ? AND factor_id = ?`)

	prepared.DeleteFactor = s.Session.Query(`
        DELETE FROM factors
        WHERE identity_bucket = ? AND identity_id = ? AND factor_id = ?`)

	prepared.GetResetRequest = s.Session.Query(`
        SELECT identity_bucket, identity_id, requested_at, request_token,
            grant_token, granted_at, cancelled_at, completed_at,
            reported_suspicious, version
        FROM reset_requests WHERE identity_bucket = ? AND identity_id = ?`)

	prepared.InsertRequest = s.Session.Query(`
        INSERT INTO reset_requests (
            identity_bucket, identity_id, requested_at, request_token,
            grant_token, granted_at, cancelled_at, completed_at,
            reported_suspicious, version
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?) IF NOT EXISTS`)

	prepared.UpdateRequest = s.Session.Query(`
        UPDATE reset_requests SET
            requested_at = ?, request_token = ?, grant_token = ?, granted_at = ?,
            cancelled_at = ?, completed_at = ?, reported_suspicious = ?, version = ?
        WHERE identity_bucket = ? AND identity_id = ? IF version = ?`)

	prepared.InsertTokenRef = s.Session.Query(`
        INSERT INTO reset_token_refs (token, identity_bucket, identity_id, created_at)
        VALUES (?, ?, ?, ?)`)

	prepared.GetTokenRef = s.Session.Query(`
        SELECT identity_bucket, identity_id FROM reset_token_refs WHERE token = ?`)

	prepared.DeleteTokenRef = s.Session.Query(`
        DELETE FROM reset_token_refs WHERE token = ?`)

	s.Prepared = prepared
	s.isPrepared = true
	return nil
}

// ExecuteWithRetry executes a query with bounded retries for transient
// failures. CAS updates must not go through here; a lost race is a
// result, not a failure.
func (s *ScyllaClient) ExecuteWithRetry(query *gocql.Query, maxRetries int) error {
	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err = query.Exec(); err == nil {
			return nil
		}
		time.Sleep(time.Duration(attempt+1) * 100 * time.Millisecond)
	}
	return err
}

// ScanWithRetry scans a single-row query with bounded retries
func (s *ScyllaClient) ScanWithRetry(query *gocql.Query, dest ...interface{}) error {
	var err error
	for attempt := 0; attempt <= 2; attempt++ {
		if err = query.Scan(dest...); err == nil || err == gocql.ErrNotFound {
			return err
		}
		time.Sleep(time.Duration(attempt+1) * 100 * time.Millisecond)
	}
	return err
}

// ExecuteBatch runs a logged batch (atomic: all statements apply or none)
func (s *ScyllaClient) ExecuteBatch(batch *gocql.Batch) error {
	return s.Session.ExecuteBatch(batch)
}

func (s *ScyllaClient) HealthCheck() error {
	var now time.Time
	if err := s.Session.Query(`SELECT now() FROM system.local`).Scan(&now); err != nil {
		return fmt.Errorf("scylla health check failed: %w", err)
	}
	return nil
}

func (s *ScyllaClient) Close() {
	if s.Session != nil {
		s.Session.Close()
	}
}

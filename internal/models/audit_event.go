package models

import "time"

// Audit event types emitted by the recovery and enrollment flows.
const (
	AuditResetRequested     = "reset.requested"
	AuditResetCancelled     = "reset.cancelled"
	AuditResetGranted       = "reset.granted"
	AuditResetCompleted     = "reset.completed"
	AuditResetFraudReported = "reset.fraud_reported"
	AuditFactorEnrolled     = "factor.enrolled"
	AuditFactorDisabled     = "factor.disabled"
	AuditFactorRemoved      = "factor.removed"
	AuditPersonalKeyIssued  = "factor.personal_key_issued"
	AuditPolicyEvaluated    = "policy.evaluated"
)

// AuditEvent is one row in the ClickHouse audit sink. CountsByKind is
// the per-kind factor census at evaluation time, reported on success
// and failure alike.
type AuditEvent struct {
	EventBucket  int                `db:"event_bucket"`
	EventID      string             `db:"event_id"`
	IdentityID   string             `db:"identity_id"`
	EventDate    string             `db:"event_date"`
	EventTime    time.Time          `db:"event_time"`
	EventType    string             `db:"event_type"`
	Success      bool               `db:"success"`
	CountsByKind map[FactorKind]int `db:"counts_by_kind"`
	Details      string             `db:"details"`
}

package models

import "time"

// Proofing status values. A verified identity has completed the highest
// level of identity verification and is barred from self-service reset.
const (
	ProofingStatusUnverified = "unverified"
	ProofingStatusPending    = "pending"
	ProofingStatusVerified   = "verified"
)

type Identity struct {
	IdentityBucket int        `db:"identity_bucket"`
	IdentityID     string     `db:"identity_id"`
	EmailAddresses []string   `db:"email_addresses"`
	ProofingStatus string     `db:"proofing_status"`
	CreatedAt      time.Time  `db:"created_at"`
	UpdatedAt      *time.Time `db:"updated_at"`
}

// IdentityVerified reports whether the identity is at the assurance
// level that forbids account reset.
func (i *Identity) IdentityVerified() bool {
	return i.ProofingStatus == ProofingStatusVerified
}

package models

import "time"

// AccountResetRequest is one in-flight recovery attempt. The identity
// id is the partition key, so at most one row (the live request) exists
// per identity; superseding overwrites it under a version CAS.
type AccountResetRequest struct {
	IdentityBucket     int        `db:"identity_bucket"`
	IdentityID         string     `db:"identity_id"`
	RequestedAt        time.Time  `db:"requested_at"`
	RequestToken       string     `db:"request_token"`
	GrantToken         string     `db:"grant_token"`
	GrantedAt          *time.Time `db:"granted_at"`
	CancelledAt        *time.Time `db:"cancelled_at"`
	CompletedAt        *time.Time `db:"completed_at"`
	ReportedSuspicious bool       `db:"reported_suspicious"`
	Version            int64      `db:"version"`
}

// Terminal reports whether the request reached a final state. Terminal
// requests are immutable except for audit fields.
func (r *AccountResetRequest) Terminal() bool {
	return r.CancelledAt != nil || r.CompletedAt != nil
}

func (r *AccountResetRequest) Granted() bool {
	return r.GrantedAt != nil
}

package models

import "time"

// EnrollmentCandidate is the transient record of one authenticator-app
// enrollment attempt. It lives only in the candidate cache (Redis TTL)
// and becomes a Factor only after the possession check passes.
type EnrollmentCandidate struct {
	IdentityID      string    `json:"identity_id"`
	SessionID       string    `json:"session_id"`
	SecretEncrypted string    `json:"secret_encrypted"`
	SecretDEK       string    `json:"secret_dek"`
	SecretKeyID     string    `json:"secret_key_id"`
	ProvisioningURI string    `json:"provisioning_uri"`
	CreatedAt       time.Time `json:"created_at"`
}

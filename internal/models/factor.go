package models

import "time"

// FactorKind is the closed set of second-factor credential kinds.
type FactorKind string

const (
	FactorKindPhone       FactorKind = "phone"
	FactorKindAuthApp     FactorKind = "auth_app"
	FactorKindWebauthn    FactorKind = "webauthn"
	FactorKindPIVCAC      FactorKind = "piv_cac"
	FactorKindPersonalKey FactorKind = "personal_key"
)

// AllFactorKinds lists every supported kind; used for validation and
// zero-filled audit counts.
var AllFactorKinds = []FactorKind{
	FactorKindPhone,
	FactorKindAuthApp,
	FactorKindWebauthn,
	FactorKindPIVCAC,
	FactorKindPersonalKey,
}

func (k FactorKind) Valid() bool {
	switch k {
	case FactorKindPhone, FactorKindAuthApp, FactorKindWebauthn,
		FactorKindPIVCAC, FactorKindPersonalKey:
		return true
	}
	return false
}

// Factor is one configured second-factor credential. A factor belongs
// to exactly one identity and is never shared.
type Factor struct {
	IdentityBucket int        `db:"identity_bucket"`
	IdentityID     string     `db:"identity_id"`
	FactorID       string     `db:"factor_id"`
	Kind           FactorKind `db:"kind"`
	Enabled        bool       `db:"enabled"`
	Confirmed      bool       `db:"confirmed"`
	PhoneNumber    string     `db:"phone_number"`

	// auth_app: envelope-encrypted TOTP secret
	SecretEncrypted string `db:"secret_encrypted"`
	SecretDEK       string `db:"secret_dek"`
	SecretKeyID     string `db:"secret_key_id"`

	// personal_key: argon2 digest, never the secret itself
	KeyDigest     string `db:"key_digest"`
	KeyDigestSalt string `db:"key_digest_salt"`
	PepperVersion int    `db:"pepper_version"`

	CreatedAt  time.Time  `db:"created_at"`
	DisabledAt *time.Time `db:"disabled_at"`
}

// Active reports whether the factor counts toward multi-factor policy:
// it must be both enabled and possession-confirmed.
func (f *Factor) Active() bool {
	return f.Enabled && f.Confirmed
}

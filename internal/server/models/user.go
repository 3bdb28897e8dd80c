// Package models defines the server-side domain types persisted in the
// database.
package models

import (
	"slices"
	"time"
)

// AuthMethod names a way a user can sign in.
type AuthMethod string

const (
	AuthMethodGoogle      AuthMethod = "google"
	AuthMethodCredentials AuthMethod = "credentials"
	AuthMethodPasskey     AuthMethod = "passkey"
)

// Role is a user's authorization level. Roles are ordered
// viewer < manager < admin.
type Role string

const (
	RoleViewer  Role = "viewer"
	RoleManager Role = "manager"
	RoleAdmin   Role = "admin"
)

func (r Role) rank() int {
	switch r {
	case RoleViewer:
		return 1
	case RoleManager:
		return 2
	case RoleAdmin:
		return 3
	default:
		return 0
	}
}

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool { return r.rank() > 0 }

// AtLeast reports whether r grants everything other grants. Unknown roles
// never satisfy anything.
func (r Role) AtLeast(other Role) bool {
	return r.Valid() && other.Valid() && r.rank() >= other.rank()
}

// Status is the account lifecycle state, independent of IsActive.
type Status string

const (
	StatusInvited       Status = "invited"
	StatusActive        Status = "active"
	StatusInviteExpired Status = "invite_expired"
)

func (s Status) Valid() bool {
	switch s {
	case StatusInvited, StatusActive, StatusInviteExpired:
		return true
	}
	return false
}

// User is the account aggregate. Sensitive fields (PasswordHash, TOTPSecret,
// BackupCodes, tokens) must never be logged or serialized to clients.
type User struct {
	ID            int64
	Email         string
	PasswordHash  *string
	AuthMethods   []AuthMethod
	MFAEnabled    bool
	TOTPSecret    *string
	BackupCodes   []string // bcrypt hashes, stored order
	Passkeys      []Passkey
	GoogleID      *string
	Name          *string
	Picture       *string
	Role          Role
	IsActive      bool
	EmailVerified bool
	Status        Status

	InviteToken     *string
	InviteExpiresAt *time.Time

	PasswordResetToken     *string
	PasswordResetExpiresAt *time.Time

	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastLoginAt *time.Time
}

// DeriveAuthMethods returns the methods backed by material on u, in the
// order google, credentials, passkey.
func DeriveAuthMethods(u *User) []AuthMethod {
	methods := make([]AuthMethod, 0, 3)
	if u.GoogleID != nil && *u.GoogleID != "" {
		methods = append(methods, AuthMethodGoogle)
	}
	if u.PasswordHash != nil && *u.PasswordHash != "" {
		methods = append(methods, AuthMethodCredentials)
	}
	if len(u.Passkeys) > 0 {
		methods = append(methods, AuthMethodPasskey)
	}
	return methods
}

func (u *User) HasAuthMethod(m AuthMethod) bool {
	return slices.Contains(u.AuthMethods, m)
}

func (u *User) HasPassword() bool {
	return u.PasswordHash != nil && *u.PasswordHash != ""
}

// FindPasskey returns the passkey with the given local id.
func (u *User) FindPasskey(id string) (*Passkey, bool) {
	for i := range u.Passkeys {
		if u.Passkeys[i].ID == id {
			return &u.Passkeys[i], true
		}
	}
	return nil, false
}

// FindPasskeyByCredentialID returns the passkey with the given external
// credential id.
func (u *User) FindPasskeyByCredentialID(credentialID string) (*Passkey, bool) {
	for i := range u.Passkeys {
		if u.Passkeys[i].CredentialID == credentialID {
			return &u.Passkeys[i], true
		}
	}
	return nil, false
}

// DisplayName falls back to the email when no name is set.
func (u *User) DisplayName() string {
	if u.Name != nil && *u.Name != "" {
		return *u.Name
	}
	return u.Email
}

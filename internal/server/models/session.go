package models

import "time"

// AuthSession is a server-side login session.
type AuthSession struct {
	ID          string
	UserID      int64
	ExpiresAt   time.Time
	IPAddress   string
	UserAgent   string
	MFAVerified bool
	CreatedAt   time.Time
}

// Expired reports whether the session is past its expiry at now.
func (s *AuthSession) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// MFAAttempt is an append-only record of one MFA verification.
type MFAAttempt struct {
	UserID    int64
	IPAddress string
	Success   bool
	CreatedAt time.Time
}

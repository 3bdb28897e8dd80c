package users

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dmitrijs2005/gophauth/internal/server/models"
)

// userColumns is the select list scanUser expects, in order.
const userColumns = `id, email, password_hash, auth_methods, mfa_enabled, totp_secret,
		backup_codes, passkeys, google_id, name, picture, role, is_active,
		email_verified, status, invite_token, invite_expires_at,
		password_reset_token, password_reset_expires_at,
		created_at, updated_at, last_login_at`

type rowScanner interface {
	Scan(dest ...any) error
}

// scanUser maps one users row onto a models.User.
func scanUser(row rowScanner) (*models.User, error) {
	var (
		u                                        models.User
		passwordHash, totpSecret, googleID       sql.NullString
		name, picture, inviteToken, resetToken   sql.NullString
		authMethods, backupCodes, passkeys       sql.NullString
		inviteExpiresAt, resetExpiresAt, lastLog sql.NullTime
		role, status                             string
	)

	err := row.Scan(
		&u.ID, &u.Email, &passwordHash, &authMethods, &u.MFAEnabled, &totpSecret,
		&backupCodes, &passkeys, &googleID, &name, &picture, &role, &u.IsActive,
		&u.EmailVerified, &status, &inviteToken, &inviteExpiresAt,
		&resetToken, &resetExpiresAt,
		&u.CreatedAt, &u.UpdatedAt, &lastLog,
	)
	if err != nil {
		return nil, err
	}

	u.Role = models.Role(role)
	u.Status = models.Status(status)
	u.PasswordHash = stringPtr(passwordHash)
	u.TOTPSecret = stringPtr(totpSecret)
	u.GoogleID = stringPtr(googleID)
	u.Name = stringPtr(name)
	u.Picture = stringPtr(picture)
	u.InviteToken = stringPtr(inviteToken)
	u.InviteExpiresAt = timePtr(inviteExpiresAt)
	u.PasswordResetToken = stringPtr(resetToken)
	u.PasswordResetExpiresAt = timePtr(resetExpiresAt)
	u.LastLoginAt = timePtr(lastLog)

	if u.AuthMethods, err = decodeList[models.AuthMethod](authMethods); err != nil {
		return nil, fmt.Errorf("decode auth_methods: %w", err)
	}
	if u.BackupCodes, err = decodeList[string](backupCodes); err != nil {
		return nil, fmt.Errorf("decode backup_codes: %w", err)
	}
	if u.Passkeys, err = decodeList[models.Passkey](passkeys); err != nil {
		return nil, fmt.Errorf("decode passkeys: %w", err)
	}

	return &u, nil
}

// encodeList serializes a list column. Empty lists are stored as NULL.
func encodeList[T any](v []T) (any, error) {
	if len(v) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func decodeList[T any](s sql.NullString) ([]T, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var out []T
	if err := json.Unmarshal([]byte(s.String), &out); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

func stringPtr(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

// nullable turns a nil pointer into SQL NULL.
func nullable[T any](p *T) any {
	if p == nil {
		return nil
	}
	return *p
}

// Package users declares the persistence contract for the User aggregate.
package users

import (
	"context"
	"time"

	"github.com/dmitrijs2005/gophauth/internal/server/models"
)

// ProfileUpdate carries the optional fields of a partial profile update.
// Nil fields are left unchanged.
type ProfileUpdate struct {
	Email    *string
	Name     *string
	Picture  *string
	IsActive *bool
}

// Empty reports whether no field is set.
func (p ProfileUpdate) Empty() bool {
	return p.Email == nil && p.Name == nil && p.Picture == nil && p.IsActive == nil
}

// Repository persists users. Single-row lookups return common.ErrorNotFound
// when nothing matches; writes against a missing id return the same error.
// List columns are written as NULL when empty.
type Repository interface {
	Create(ctx context.Context, user *models.User) (*models.User, error)

	GetByID(ctx context.Context, id int64) (*models.User, error)
	// GetByIDForUpdate locks the row until the surrounding transaction ends.
	GetByIDForUpdate(ctx context.Context, id int64) (*models.User, error)
	GetByEmail(ctx context.Context, email string) (*models.User, error)
	GetByGoogleID(ctx context.Context, googleID string) (*models.User, error)
	GetByInviteToken(ctx context.Context, token string) (*models.User, error)
	GetByPasswordResetToken(ctx context.Context, token string) (*models.User, error)

	// ListActive returns active users, newest first.
	ListActive(ctx context.Context) ([]*models.User, error)
	// ListWithPasskeys returns every user that has at least one passkey.
	ListWithPasskeys(ctx context.Context) ([]*models.User, error)
	// LockCredentialID takes a transaction-scoped lock on a passkey
	// credential id. It only serializes when called inside a transaction.
	LockCredentialID(ctx context.Context, credentialID string) error

	UpdateProfile(ctx context.Context, id int64, upd ProfileUpdate) error
	CompleteInvitation(ctx context.Context, id int64, name, passwordHash string, methods []models.AuthMethod) error
	ResendInvitation(ctx context.Context, id int64, token string, expiresAt time.Time) error
	SetPassword(ctx context.Context, id int64, passwordHash string, methods []models.AuthMethod) error
	// LinkGoogle sets the google id; name and picture only fill NULL columns.
	LinkGoogle(ctx context.Context, id int64, googleID string, name, picture *string, methods []models.AuthMethod) error
	// SetMFA writes the secret, the hashed codes and the enabled flag in one
	// statement. A nil secret disables MFA.
	SetMFA(ctx context.Context, id int64, secret *string, backupCodes []string) error
	SetBackupCodes(ctx context.Context, id int64, backupCodes []string) error
	SetPasskeys(ctx context.Context, id int64, passkeys []models.Passkey, methods []models.AuthMethod) error
	SetPasswordResetToken(ctx context.Context, id int64, token string, expiresAt time.Time) error
	ClearPasswordResetToken(ctx context.Context, id int64) error
	UpdateStatus(ctx context.Context, id int64, status models.Status) error
	TouchLastLogin(ctx context.Context, id int64, at time.Time) error
	Delete(ctx context.Context, id int64) error
}

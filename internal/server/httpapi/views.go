package httpapi

import (
	"time"

	"github.com/dmitrijs2005/gophauth/internal/server/models"
	"github.com/dmitrijs2005/gophauth/internal/server/services"
)

// userView is the client-facing shape of a user. Hashes, secrets and tokens
// are never included.
type userView struct {
	ID            int64               `json:"id"`
	Email         string              `json:"email"`
	Name          *string             `json:"name,omitempty"`
	Picture       *string             `json:"picture,omitempty"`
	Role          models.Role         `json:"role"`
	Status        models.Status       `json:"status"`
	IsActive      bool                `json:"isActive"`
	EmailVerified bool                `json:"emailVerified"`
	AuthMethods   []models.AuthMethod `json:"authMethods"`
	MFAEnabled    bool                `json:"mfaEnabled"`
	BackupCodes   int                 `json:"backupCodesRemaining"`
	Passkeys      []passkeyView       `json:"passkeys"`
	CreatedAt     time.Time           `json:"createdAt"`
	LastLoginAt   *time.Time          `json:"lastLoginAt,omitempty"`
}

type passkeyView struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

func newUserView(u *models.User) userView {
	v := userView{
		ID:            u.ID,
		Email:         u.Email,
		Name:          u.Name,
		Picture:       u.Picture,
		Role:          u.Role,
		Status:        u.Status,
		IsActive:      u.IsActive,
		EmailVerified: u.EmailVerified,
		AuthMethods:   u.AuthMethods,
		MFAEnabled:    u.MFAEnabled,
		BackupCodes:   len(u.BackupCodes),
		Passkeys:      make([]passkeyView, 0, len(u.Passkeys)),
		CreatedAt:     u.CreatedAt,
		LastLoginAt:   u.LastLoginAt,
	}
	if v.AuthMethods == nil {
		v.AuthMethods = []models.AuthMethod{}
	}
	for _, pk := range u.Passkeys {
		v.Passkeys = append(v.Passkeys, passkeyView{ID: pk.ID, Name: pk.Name, CreatedAt: pk.CreatedAt})
	}
	return v
}

type loginView struct {
	Token       string    `json:"token"`
	ExpiresAt   time.Time `json:"expiresAt"`
	MFARequired bool      `json:"mfaRequired"`
	User        *userView `json:"user,omitempty"`
}

func newLoginView(res *services.LoginResult) loginView {
	v := loginView{Token: res.Token, ExpiresAt: res.ExpiresAt, MFARequired: res.MFARequired}
	// the user profile is withheld until the second factor is cleared
	if !res.MFARequired && res.User != nil {
		uv := newUserView(res.User)
		v.User = &uv
	}
	return v
}

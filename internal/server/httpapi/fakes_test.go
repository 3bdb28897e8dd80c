package httpapi

import (
	"context"
	"errors"
	"time"

	"github.com/dmitrijs2005/gophauth/internal/server/auth"
	"github.com/dmitrijs2005/gophauth/internal/server/models"
	"github.com/dmitrijs2005/gophauth/internal/server/services"
)

var errUnexpected = errors.New("unexpected call")

type fakeUsers struct {
	users     map[int64]*models.User
	err       error
	statusSet map[int64]models.Status
	deleted   []int64
	profile   *services.ProfileUpdateParams
}

func newFakeUsers(us ...*models.User) *fakeUsers {
	f := &fakeUsers{users: map[int64]*models.User{}, statusSet: map[int64]models.Status{}}
	for _, u := range us {
		f.users[u.ID] = u
	}
	return f
}

func (f *fakeUsers) GetByID(_ context.Context, id int64) (*models.User, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.users[id], nil
}

func (f *fakeUsers) ListActiveUsers(context.Context) ([]*models.User, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []*models.User
	for _, u := range f.users {
		if u.IsActive {
			out = append(out, u)
		}
	}
	return out, nil
}

func (f *fakeUsers) UpdateProfile(_ context.Context, id int64, p services.ProfileUpdateParams) (bool, error) {
	f.profile = &p
	if p.Name != nil {
		f.users[id].Name = p.Name
	}
	return true, f.err
}

func (f *fakeUsers) UpdateStatus(_ context.Context, id int64, s models.Status) error {
	if f.err != nil {
		return f.err
	}
	f.statusSet[id] = s
	return nil
}

func (f *fakeUsers) Delete(_ context.Context, id int64) error {
	if f.err != nil {
		return f.err
	}
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeUsers) DisableMFA(context.Context, int64) error { return f.err }

func (f *fakeUsers) AddPasskey(_ context.Context, _ int64, np models.NewPasskey) (*models.Passkey, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &models.Passkey{ID: "pk-1", Name: np.Name, CredentialID: np.CredentialID, CreatedAt: time.Unix(0, 0).UTC()}, nil
}

func (f *fakeUsers) RemovePasskey(context.Context, int64, string) error { return f.err }

type fakeAuth struct {
	login     func(email, password string) (*services.LoginResult, error)
	verify    func(pending *auth.SessionClaims, code string) (*services.LoginResult, error)
	invited   []models.Role
	loggedOut []string
}

func (f *fakeAuth) LoginWithPassword(_ context.Context, email, password string, _ services.ClientMeta) (*services.LoginResult, error) {
	return f.login(email, password)
}

func (f *fakeAuth) LoginWithGoogle(context.Context, string, services.ClientMeta) (*services.LoginResult, error) {
	return nil, errUnexpected
}

func (f *fakeAuth) LoginWithPasskey(context.Context, string, []byte, services.ClientMeta) (*services.LoginResult, error) {
	return nil, errUnexpected
}

func (f *fakeAuth) VerifyTOTP(_ context.Context, pending *auth.SessionClaims, code string, _ services.ClientMeta) (*services.LoginResult, error) {
	return f.verify(pending, code)
}

func (f *fakeAuth) VerifyBackupCode(_ context.Context, pending *auth.SessionClaims, code string, _ services.ClientMeta) (*services.LoginResult, error) {
	return f.verify(pending, code)
}

func (f *fakeAuth) BeginTOTPEnrollment(context.Context, int64) (*services.TOTPEnrollment, error) {
	return &services.TOTPEnrollment{Secret: "S", URL: "otpauth://totp/x"}, nil
}

func (f *fakeAuth) ConfirmTOTPEnrollment(context.Context, int64, string, string) ([]string, error) {
	return []string{"aaaaa-bbbbb"}, nil
}

func (f *fakeAuth) Invite(_ context.Context, email string, role models.Role) (*models.User, error) {
	f.invited = append(f.invited, role)
	return &models.User{ID: 100, Email: email, Role: role, Status: models.StatusInvited}, nil
}

func (f *fakeAuth) ResendInvite(context.Context, int64) error { return nil }

func (f *fakeAuth) AcceptInvitation(context.Context, string, string, string) (*models.User, error) {
	return nil, errUnexpected
}

func (f *fakeAuth) RequestPasswordReset(context.Context, string) error { return nil }

func (f *fakeAuth) ResetPassword(context.Context, string, string) error { return nil }

func (f *fakeAuth) Logout(_ context.Context, sessionID string) error {
	f.loggedOut = append(f.loggedOut, sessionID)
	return nil
}

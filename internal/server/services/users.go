package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/dmitrijs2005/gophauth/internal/common"
	"github.com/dmitrijs2005/gophauth/internal/cryptox"
	"github.com/dmitrijs2005/gophauth/internal/dbx"
	"github.com/dmitrijs2005/gophauth/internal/logging"
	"github.com/dmitrijs2005/gophauth/internal/server/models"
	"github.com/dmitrijs2005/gophauth/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/gophauth/internal/server/repositories/users"
)

// DefaultMFAFailureWindow is the look-back used when counting failed MFA
// attempts if the caller does not pass one.
const DefaultMFAFailureWindow = 15 * time.Minute

// PasswordHasher hashes secrets one way and compares in constant time.
type PasswordHasher interface {
	Hash(plain string) (string, error)
	Compare(hash, plain string) bool
}

// UserService is the credential store: every read and mutation of the User
// aggregate goes through it. Reads return (nil, nil) when nothing matches;
// writes against a missing user return common.ErrorNotFound.
//
// Every mutation recomputes AuthMethods from the backing material.
// List updates (passkeys, backup codes, google link) lock the row with
// SELECT ... FOR UPDATE inside a transaction.
type UserService struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
	hasher      PasswordHasher
	validate    *validator.Validate
	logger      logging.Logger
	now         func() time.Time
}

type UserServiceOption func(*UserService)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) UserServiceOption {
	return func(s *UserService) { s.now = now }
}

func NewUserService(db *sql.DB, m repomanager.RepositoryManager, hasher PasswordHasher, l logging.Logger, opts ...UserServiceOption) *UserService {
	s := &UserService{
		db:          db,
		repomanager: m,
		hasher:      hasher,
		validate:    validator.New(),
		logger:      l.With("module", "user_service"),
		now:         time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// CreateUserParams is the input of Create. AuthMethods may be omitted; when
// given it must match the supplied material exactly.
type CreateUserParams struct {
	Email         string `validate:"required,email"`
	Password      *string
	AuthMethods   []models.AuthMethod
	GoogleID      *string
	Name          *string
	Picture       *string
	EmailVerified bool
	Role          models.Role
}

type CreateInvitedParams struct {
	Email           string `validate:"required,email"`
	Role            models.Role
	InviteToken     string `validate:"required"`
	InviteExpiresAt time.Time
}

// ProfileUpdateParams is a partial update; nil fields are left alone.
type ProfileUpdateParams struct {
	Email    *string `validate:"omitempty,email"`
	Name     *string `validate:"omitempty,max=200"`
	Picture  *string `validate:"omitempty,max=2048"`
	IsActive *bool
}

func validationError(err error) error {
	return fmt.Errorf("%w: %v", common.ErrorValidation, err)
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func (s *UserService) validatePassword(password string) error {
	if err := s.validate.Var(password, "required,min=8,max=72"); err != nil {
		return validationError(fmt.Errorf("password: %w", err))
	}
	return nil
}

func roleOrDefault(r models.Role) (models.Role, error) {
	if r == "" {
		return models.RoleViewer, nil
	}
	if !r.Valid() {
		return "", validationError(fmt.Errorf("unknown role %q", r))
	}
	return r, nil
}

// getUser maps a repository miss to (nil, nil).
func getUser(u *models.User, err error) (*models.User, error) {
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return u, nil
}

func (s *UserService) GetByID(ctx context.Context, id int64) (*models.User, error) {
	return getUser(s.repomanager.Users(s.db).GetByID(ctx, id))
}

func (s *UserService) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	return getUser(s.repomanager.Users(s.db).GetByEmail(ctx, normalizeEmail(email)))
}

func (s *UserService) GetByGoogleID(ctx context.Context, googleID string) (*models.User, error) {
	return getUser(s.repomanager.Users(s.db).GetByGoogleID(ctx, googleID))
}

func (s *UserService) GetByInviteToken(ctx context.Context, token string) (*models.User, error) {
	if token == "" {
		return nil, nil
	}
	return getUser(s.repomanager.Users(s.db).GetByInviteToken(ctx, token))
}

func (s *UserService) GetByPasswordResetToken(ctx context.Context, token string) (*models.User, error) {
	if token == "" {
		return nil, nil
	}
	return getUser(s.repomanager.Users(s.db).GetByPasswordResetToken(ctx, token))
}

// Create inserts an active user and returns it as stored.
func (s *UserService) Create(ctx context.Context, p CreateUserParams) (*models.User, error) {
	p.Email = normalizeEmail(p.Email)
	if err := s.validate.Struct(p); err != nil {
		return nil, validationError(err)
	}
	role, err := roleOrDefault(p.Role)
	if err != nil {
		return nil, err
	}

	user := &models.User{
		Email:         p.Email,
		GoogleID:      p.GoogleID,
		Name:          p.Name,
		Picture:       p.Picture,
		EmailVerified: p.EmailVerified,
		Role:          role,
		IsActive:      true,
		Status:        models.StatusActive,
	}

	if p.Password != nil {
		if err := s.validatePassword(*p.Password); err != nil {
			return nil, err
		}
		hash, err := s.hasher.Hash(*p.Password)
		if err != nil {
			return nil, fmt.Errorf("hash password: %w", err)
		}
		user.PasswordHash = &hash
	}

	user.AuthMethods = models.DeriveAuthMethods(user)
	if len(user.AuthMethods) == 0 {
		return nil, validationError(errors.New("a password or a google id is required"))
	}
	if p.AuthMethods != nil && !sameMethods(p.AuthMethods, user.AuthMethods) {
		return nil, validationError(fmt.Errorf("auth methods %v do not match credentials %v", p.AuthMethods, user.AuthMethods))
	}

	repo := s.repomanager.Users(s.db)
	created, err := repo.Create(ctx, user)
	if err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}

	s.logger.Info(ctx, "user created", "user_id", created.ID, "methods", created.AuthMethods)

	return s.mustGet(ctx, repo, created.ID)
}

// CreateInvited inserts a user awaiting invitation acceptance: no password,
// no auth methods, email not verified.
func (s *UserService) CreateInvited(ctx context.Context, p CreateInvitedParams) (*models.User, error) {
	p.Email = normalizeEmail(p.Email)
	if err := s.validate.Struct(p); err != nil {
		return nil, validationError(err)
	}
	if p.InviteExpiresAt.IsZero() {
		return nil, validationError(errors.New("invite expiry is required"))
	}
	role, err := roleOrDefault(p.Role)
	if err != nil {
		return nil, err
	}

	expiresAt := p.InviteExpiresAt
	user := &models.User{
		Email:           p.Email,
		Role:            role,
		IsActive:        true,
		Status:          models.StatusInvited,
		InviteToken:     &p.InviteToken,
		InviteExpiresAt: &expiresAt,
	}

	repo := s.repomanager.Users(s.db)
	created, err := repo.Create(ctx, user)
	if err != nil {
		return nil, fmt.Errorf("create invited user: %w", err)
	}

	s.logger.Info(ctx, "user invited", "user_id", created.ID, "role", role)

	return s.mustGet(ctx, repo, created.ID)
}

func (s *UserService) mustGet(ctx context.Context, repo users.Repository, id int64) (*models.User, error) {
	u, err := repo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("reload user: %w", err)
	}
	return u, nil
}

// mutate runs fn against the locked row of user id inside a transaction.
func (s *UserService) mutate(ctx context.Context, id int64, fn func(ctx context.Context, repo users.Repository, u *models.User) error) error {
	return dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		repo := s.repomanager.Users(tx)
		u, err := repo.GetByIDForUpdate(ctx, id)
		if err != nil {
			return err
		}
		return fn(ctx, repo, u)
	})
}

// CompleteInvitation activates an invited user with a name and password.
// The caller checks the invite token and its expiry first.
func (s *UserService) CompleteInvitation(ctx context.Context, id int64, name, password string) error {
	if err := s.validate.Var(name, "required,max=200"); err != nil {
		return validationError(fmt.Errorf("name: %w", err))
	}
	if err := s.validatePassword(password); err != nil {
		return err
	}
	hash, err := s.hasher.Hash(password)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	err = s.mutate(ctx, id, func(ctx context.Context, repo users.Repository, u *models.User) error {
		u.PasswordHash = &hash
		return repo.CompleteInvitation(ctx, id, name, hash, models.DeriveAuthMethods(u))
	})
	if err != nil {
		return fmt.Errorf("complete invitation: %w", err)
	}

	s.logger.Info(ctx, "invitation completed", "user_id", id)
	return nil
}

// ResendInvitation replaces the invite token and puts the user back into
// the invited state. Users that already have a password cannot be
// re-invited.
func (s *UserService) ResendInvitation(ctx context.Context, id int64, token string, expiresAt time.Time) error {
	if token == "" {
		return validationError(errors.New("invite token is required"))
	}
	err := s.mutate(ctx, id, func(ctx context.Context, repo users.Repository, u *models.User) error {
		if u.HasPassword() {
			return fmt.Errorf("%w: user already accepted the invitation", common.ErrorConflict)
		}
		return repo.ResendInvitation(ctx, id, token, expiresAt)
	})
	if err != nil {
		return fmt.Errorf("resend invitation: %w", err)
	}
	return nil
}

// UpdateProfile applies the supplied fields. It returns false without
// touching storage when no field is supplied.
func (s *UserService) UpdateProfile(ctx context.Context, id int64, p ProfileUpdateParams) (bool, error) {
	upd := users.ProfileUpdate{Name: p.Name, Picture: p.Picture, IsActive: p.IsActive}
	if p.Email != nil {
		email := normalizeEmail(*p.Email)
		p.Email = &email
		upd.Email = &email
	}
	if upd.Empty() {
		return false, nil
	}
	if err := s.validate.Struct(p); err != nil {
		return false, validationError(err)
	}

	if err := s.repomanager.Users(s.db).UpdateProfile(ctx, id, upd); err != nil {
		return false, fmt.Errorf("update profile: %w", err)
	}
	return true, nil
}

// UpdatePassword stores a new password hash. The credentials method is added
// if the user did not have one yet.
func (s *UserService) UpdatePassword(ctx context.Context, id int64, password string) error {
	if err := s.validatePassword(password); err != nil {
		return err
	}
	hash, err := s.hasher.Hash(password)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	err = s.mutate(ctx, id, func(ctx context.Context, repo users.Repository, u *models.User) error {
		u.PasswordHash = &hash
		return repo.SetPassword(ctx, id, hash, models.DeriveAuthMethods(u))
	})
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	return nil
}

// VerifyPassword reports whether candidate matches the user's password.
// Users without a password never match.
func (s *UserService) VerifyPassword(u *models.User, candidate string) bool {
	if u == nil || !u.HasPassword() || candidate == "" {
		return false
	}
	return s.hasher.Compare(*u.PasswordHash, candidate)
}

// LinkGoogleAccount attaches a Google identity. Existing name and picture
// are kept; the Google values only fill empty fields.
func (s *UserService) LinkGoogleAccount(ctx context.Context, id int64, googleID string, name, picture *string) error {
	if googleID == "" {
		return validationError(errors.New("google id is required"))
	}
	err := s.mutate(ctx, id, func(ctx context.Context, repo users.Repository, u *models.User) error {
		u.GoogleID = &googleID
		return repo.LinkGoogle(ctx, id, googleID, name, picture, models.DeriveAuthMethods(u))
	})
	if err != nil {
		return fmt.Errorf("link google account: %w", err)
	}
	s.logger.Info(ctx, "google account linked", "user_id", id)
	return nil
}

// EnableMFA stores the TOTP secret and the bcrypt hash of each backup code.
func (s *UserService) EnableMFA(ctx context.Context, id int64, totpSecret string, backupCodes []string) error {
	if totpSecret == "" {
		return validationError(errors.New("totp secret is required"))
	}

	hashes := make([]string, 0, len(backupCodes))
	for _, c := range backupCodes {
		c = cryptox.NormalizeBackupCode(c)
		if c == "" {
			return validationError(errors.New("empty backup code"))
		}
		h, err := s.hasher.Hash(c)
		if err != nil {
			return fmt.Errorf("hash backup code: %w", err)
		}
		hashes = append(hashes, h)
	}

	if err := s.repomanager.Users(s.db).SetMFA(ctx, id, &totpSecret, hashes); err != nil {
		return fmt.Errorf("enable mfa: %w", err)
	}
	s.logger.Info(ctx, "mfa enabled", "user_id", id, "codes", len(hashes))
	return nil
}

// DisableMFA clears the secret and the backup codes in one write.
func (s *UserService) DisableMFA(ctx context.Context, id int64) error {
	if err := s.repomanager.Users(s.db).SetMFA(ctx, id, nil, nil); err != nil {
		return fmt.Errorf("disable mfa: %w", err)
	}
	s.logger.Info(ctx, "mfa disabled", "user_id", id)
	return nil
}

// VerifyAndConsumeBackupCode checks candidate against the stored codes in
// order and removes the first match. A mismatch returns false and changes
// nothing. On success u.BackupCodes is updated to the remaining codes.
func (s *UserService) VerifyAndConsumeBackupCode(ctx context.Context, u *models.User, candidate string) (bool, error) {
	candidate = cryptox.NormalizeBackupCode(candidate)
	if u == nil || candidate == "" {
		return false, nil
	}

	var remaining []string
	matched := false

	err := s.mutate(ctx, u.ID, func(ctx context.Context, repo users.Repository, locked *models.User) error {
		for i, h := range locked.BackupCodes {
			if s.hasher.Compare(h, candidate) {
				remaining = slices.Delete(slices.Clone(locked.BackupCodes), i, i+1)
				matched = true
				return repo.SetBackupCodes(ctx, u.ID, remaining)
			}
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("consume backup code: %w", err)
	}

	if matched {
		u.BackupCodes = remaining
		s.logger.Info(ctx, "backup code consumed", "user_id", u.ID, "remaining", len(remaining))
	}
	return matched, nil
}

// AddPasskey registers a passkey. Its credential id must not belong to any
// user yet; registrations of the same credential id are serialized by a
// transaction-scoped lock so the ownership check and the write are atomic.
func (s *UserService) AddPasskey(ctx context.Context, userID int64, np models.NewPasskey) (*models.Passkey, error) {
	if err := s.validate.Struct(np); err != nil {
		return nil, validationError(err)
	}

	pk := models.Passkey{
		ID:           uuid.NewString(),
		Name:         np.Name,
		CredentialID: np.CredentialID,
		PublicKey:    np.PublicKey,
		Counter:      np.Counter,
		Transports:   np.Transports,
		CreatedAt:    s.now().UTC(),
	}

	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		repo := s.repomanager.Users(tx)
		if err := repo.LockCredentialID(ctx, np.CredentialID); err != nil {
			return err
		}
		owner, _, err := findByCredentialID(ctx, repo, np.CredentialID)
		if err != nil {
			return err
		}
		if owner != nil {
			return fmt.Errorf("%w: credential id is registered", common.ErrorConflict)
		}

		u, err := repo.GetByIDForUpdate(ctx, userID)
		if err != nil {
			return err
		}
		u.Passkeys = append(u.Passkeys, pk)
		return repo.SetPasskeys(ctx, userID, u.Passkeys, models.DeriveAuthMethods(u))
	})
	if err != nil {
		return nil, fmt.Errorf("add passkey: %w", err)
	}

	s.logger.Info(ctx, "passkey added", "user_id", userID, "passkey_id", pk.ID)
	return &pk, nil
}

// RemovePasskey deletes a passkey by its local id. Removing the last passkey
// drops the passkey method.
func (s *UserService) RemovePasskey(ctx context.Context, userID int64, passkeyID string) error {
	err := s.mutate(ctx, userID, func(ctx context.Context, repo users.Repository, u *models.User) error {
		i := slices.IndexFunc(u.Passkeys, func(p models.Passkey) bool { return p.ID == passkeyID })
		if i < 0 {
			return common.ErrorNotFound
		}
		u.Passkeys = slices.Delete(u.Passkeys, i, i+1)
		return repo.SetPasskeys(ctx, userID, u.Passkeys, models.DeriveAuthMethods(u))
	})
	if err != nil {
		return fmt.Errorf("remove passkey: %w", err)
	}
	s.logger.Info(ctx, "passkey removed", "user_id", userID, "passkey_id", passkeyID)
	return nil
}

// UpdatePasskeyCounter stores a new signature counter. The counter must
// grow; 0 after 0 is accepted for authenticators without a counter.
// Anything else returns common.ErrCounterRegression and stores nothing.
func (s *UserService) UpdatePasskeyCounter(ctx context.Context, userID int64, passkeyID string, counter uint32) error {
	err := s.mutate(ctx, userID, func(ctx context.Context, repo users.Repository, u *models.User) error {
		pk, ok := u.FindPasskey(passkeyID)
		if !ok {
			return common.ErrorNotFound
		}
		if counter <= pk.Counter && !(counter == 0 && pk.Counter == 0) {
			s.logger.Warn(ctx, "passkey counter regression", "user_id", userID, "passkey_id", passkeyID,
				"stored", pk.Counter, "presented", counter)
			return common.ErrCounterRegression
		}
		pk.Counter = counter
		return repo.SetPasskeys(ctx, userID, u.Passkeys, models.DeriveAuthMethods(u))
	})
	if err != nil {
		return fmt.Errorf("update passkey counter: %w", err)
	}
	return nil
}

// FindByCredentialID scans users with passkeys for the credential id. It
// returns (nil, nil, nil) when no user owns it.
func (s *UserService) FindByCredentialID(ctx context.Context, credentialID string) (*models.User, *models.Passkey, error) {
	return findByCredentialID(ctx, s.repomanager.Users(s.db), credentialID)
}

func findByCredentialID(ctx context.Context, repo users.Repository, credentialID string) (*models.User, *models.Passkey, error) {
	if credentialID == "" {
		return nil, nil, nil
	}
	list, err := repo.ListWithPasskeys(ctx)
	if err != nil {
		return nil, nil, err
	}
	for _, u := range list {
		if pk, ok := u.FindPasskeyByCredentialID(credentialID); ok {
			return u, pk, nil
		}
	}
	return nil, nil, nil
}

func (s *UserService) RecordMFAAttempt(ctx context.Context, userID int64, ipAddress string, success bool) error {
	err := s.repomanager.MFAAttempts(s.db).Record(ctx, models.MFAAttempt{
		UserID:    userID,
		IPAddress: ipAddress,
		Success:   success,
		CreatedAt: s.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("record mfa attempt: %w", err)
	}
	return nil
}

// CountRecentFailedMFAAttempts counts failures inside the trailing window.
// A non-positive window means DefaultMFAFailureWindow.
func (s *UserService) CountRecentFailedMFAAttempts(ctx context.Context, userID int64, window time.Duration) (int, error) {
	if window <= 0 {
		window = DefaultMFAFailureWindow
	}
	n, err := s.repomanager.MFAAttempts(s.db).CountFailedSince(ctx, userID, s.now().UTC().Add(-window))
	if err != nil {
		return 0, fmt.Errorf("count mfa attempts: %w", err)
	}
	return n, nil
}

// ListActiveUsers returns active users, newest first.
func (s *UserService) ListActiveUsers(ctx context.Context) ([]*models.User, error) {
	list, err := s.repomanager.Users(s.db).ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	return list, nil
}

// PurgeExpiredSessions deletes expired sessions and returns how many went.
func (s *UserService) PurgeExpiredSessions(ctx context.Context) (int64, error) {
	n, err := s.repomanager.Sessions(s.db).DeleteExpired(ctx, s.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("purge sessions: %w", err)
	}
	if n > 0 {
		s.logger.Info(ctx, "expired sessions purged", "count", n)
	}
	return n, nil
}

func (s *UserService) SetPasswordResetToken(ctx context.Context, id int64, token string, expiresAt time.Time) error {
	if token == "" {
		return validationError(errors.New("reset token is required"))
	}
	if err := s.repomanager.Users(s.db).SetPasswordResetToken(ctx, id, token, expiresAt); err != nil {
		return fmt.Errorf("set reset token: %w", err)
	}
	return nil
}

func (s *UserService) ClearPasswordResetToken(ctx context.Context, id int64) error {
	if err := s.repomanager.Users(s.db).ClearPasswordResetToken(ctx, id); err != nil {
		return fmt.Errorf("clear reset token: %w", err)
	}
	return nil
}

func (s *UserService) UpdateStatus(ctx context.Context, id int64, status models.Status) error {
	if !status.Valid() {
		return validationError(fmt.Errorf("unknown status %q", status))
	}
	err := s.mutate(ctx, id, func(ctx context.Context, repo users.Repository, u *models.User) error {
		if status == models.StatusInvited && u.HasPassword() {
			return fmt.Errorf("%w: user already has a password", common.ErrorConflict)
		}
		return repo.UpdateStatus(ctx, id, status)
	})
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	return nil
}

func (s *UserService) Delete(ctx context.Context, id int64) error {
	if err := s.repomanager.Users(s.db).Delete(ctx, id); err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	s.logger.Info(ctx, "user deleted", "user_id", id)
	return nil
}

// RecordLogin stamps the last successful sign-in.
func (s *UserService) RecordLogin(ctx context.Context, id int64) error {
	if err := s.repomanager.Users(s.db).TouchLastLogin(ctx, id, s.now().UTC()); err != nil {
		return fmt.Errorf("record login: %w", err)
	}
	return nil
}

func sameMethods(a, b []models.AuthMethod) bool {
	if len(a) != len(b) {
		return false
	}
	for _, m := range a {
		if !slices.Contains(b, m) {
			return false
		}
	}
	return true
}

package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/pquerna/otp/totp"

	"github.com/dmitrijs2005/gophauth/internal/common"
	"github.com/dmitrijs2005/gophauth/internal/cryptox"
	"github.com/dmitrijs2005/gophauth/internal/logging"
	"github.com/dmitrijs2005/gophauth/internal/server/auth"
	"github.com/dmitrijs2005/gophauth/internal/server/config"
	"github.com/dmitrijs2005/gophauth/internal/server/models"
	"github.com/dmitrijs2005/gophauth/internal/server/repositories/repomanager"
)

const tokenBytes = 32

// ClientMeta describes the caller of a login flow.
type ClientMeta struct {
	IPAddress string
	UserAgent string
}

// LoginResult is a signed session token and the user it belongs to. When
// MFARequired is set the token only unlocks the second-factor step.
type LoginResult struct {
	Token       string
	SessionID   string
	ExpiresAt   time.Time
	User        *models.User
	MFARequired bool
}

// TOTPEnrollment is handed to the user to configure an authenticator app.
type TOTPEnrollment struct {
	Secret string
	URL    string
}

// AuthDeps groups the external collaborators of AuthService. Google and
// Passkeys may be nil, which disables the matching login flow.
type AuthDeps struct {
	Notifier Notifier
	Google   GoogleVerifier
	Passkeys PasskeyVerifier
}

// AuthService implements the login, second-factor, invitation and password
// reset flows on top of UserService.
type AuthService struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
	users       *UserService
	deps        AuthDeps
	logger      logging.Logger

	jwtSecret        []byte
	sessionTTL       time.Duration
	mfaPendingTTL    time.Duration
	inviteTTL        time.Duration
	passwordResetTTL time.Duration
	mfaFailureWindow time.Duration
	mfaMaxFailed     int
	totpIssuer       string
	appBaseURL       string
}

func NewAuthService(db *sql.DB, m repomanager.RepositoryManager, us *UserService, cfg *config.Config, deps AuthDeps, l logging.Logger) *AuthService {
	if deps.Notifier == nil {
		deps.Notifier = nopNotifier{}
	}
	return &AuthService{
		db:               db,
		repomanager:      m,
		users:            us,
		deps:             deps,
		logger:           l.With("module", "auth_service"),
		jwtSecret:        []byte(cfg.SecretKey),
		sessionTTL:       cfg.SessionValidityDuration,
		mfaPendingTTL:    cfg.MFAPendingValidityDuration,
		inviteTTL:        cfg.InviteValidityDuration,
		passwordResetTTL: cfg.PasswordResetValidityDuration,
		mfaFailureWindow: cfg.MFAFailureWindow,
		mfaMaxFailed:     cfg.MFAMaxFailedAttempts,
		totpIssuer:       cfg.TOTPIssuer,
		appBaseURL:       cfg.AppBaseURL,
	}
}

func (s *AuthService) now() time.Time { return s.users.now().UTC() }

func canSignIn(u *models.User) error {
	if !u.IsActive || u.Status != models.StatusActive {
		return fmt.Errorf("%w: account is not active", common.ErrorForbidden)
	}
	return nil
}

// startSession creates the server-side session and signs its token. When
// the user has MFA enabled and the method requires it, the session starts
// MFA-pending with a short expiry.
func (s *AuthService) startSession(ctx context.Context, u *models.User, method models.AuthMethod, mfaApplies bool, meta ClientMeta) (*LoginResult, error) {
	pending := mfaApplies && u.MFAEnabled
	ttl := s.sessionTTL
	if pending {
		ttl = s.mfaPendingTTL
	}

	sess := &models.AuthSession{
		ID:          uuid.NewString(),
		UserID:      u.ID,
		ExpiresAt:   s.now().Add(ttl),
		IPAddress:   meta.IPAddress,
		UserAgent:   meta.UserAgent,
		MFAVerified: !pending && u.MFAEnabled,
	}
	if err := s.repomanager.Sessions(s.db).Create(ctx, sess); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	token, err := s.issue(u, sess.ID, method, pending, ttl)
	if err != nil {
		return nil, err
	}

	if !pending {
		if err := s.users.RecordLogin(ctx, u.ID); err != nil {
			s.logger.Warn(ctx, "record login failed", "user_id", u.ID, "error", err)
		}
	}

	s.logger.Info(ctx, "session started", "user_id", u.ID, "method", method, "mfa_pending", pending)

	return &LoginResult{Token: token, SessionID: sess.ID, ExpiresAt: sess.ExpiresAt, User: u, MFARequired: pending}, nil
}

func (s *AuthService) issue(u *models.User, sessionID string, method models.AuthMethod, pending bool, ttl time.Duration) (string, error) {
	claims := auth.SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{ID: sessionID},
		UserID:           u.ID,
		Role:             u.Role,
		Method:           method,
		MFAPending:       pending,
	}
	if u.GoogleID != nil && method == models.AuthMethodGoogle {
		claims.GoogleID = *u.GoogleID
	}
	token, err := auth.IssueSessionToken(s.jwtSecret, claims, ttl)
	if err != nil {
		return "", fmt.Errorf("sign session token: %w", err)
	}
	return token, nil
}

// LoginWithPassword signs a user in with email and password.
func (s *AuthService) LoginWithPassword(ctx context.Context, email, password string, meta ClientMeta) (*LoginResult, error) {
	u, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if !s.users.VerifyPassword(u, password) {
		return nil, common.ErrorUnauthorized
	}
	if err := canSignIn(u); err != nil {
		return nil, err
	}
	return s.startSession(ctx, u, models.AuthMethodCredentials, true, meta)
}

// VerifyTOTP completes an MFA-pending session with an authenticator code.
func (s *AuthService) VerifyTOTP(ctx context.Context, pending *auth.SessionClaims, code string, meta ClientMeta) (*LoginResult, error) {
	return s.verifySecondFactor(ctx, pending, meta, func(u *models.User) (bool, error) {
		return totp.Validate(code, *u.TOTPSecret), nil
	})
}

// VerifyBackupCode completes an MFA-pending session with a backup code,
// consuming it.
func (s *AuthService) VerifyBackupCode(ctx context.Context, pending *auth.SessionClaims, code string, meta ClientMeta) (*LoginResult, error) {
	return s.verifySecondFactor(ctx, pending, meta, func(u *models.User) (bool, error) {
		return s.users.VerifyAndConsumeBackupCode(ctx, u, code)
	})
}

func (s *AuthService) verifySecondFactor(ctx context.Context, pending *auth.SessionClaims, meta ClientMeta, check func(u *models.User) (bool, error)) (*LoginResult, error) {
	if pending == nil || !pending.MFAPending {
		return nil, common.ErrInvalidToken
	}

	sessions := s.repomanager.Sessions(s.db)
	sess, err := sessions.Find(ctx, pending.SessionID())
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			return nil, common.ErrInvalidToken
		}
		return nil, err
	}
	if sess.UserID != pending.UserID || sess.MFAVerified {
		return nil, common.ErrInvalidToken
	}
	if sess.Expired(s.now()) {
		return nil, common.ErrTokenExpired
	}

	u, err := s.users.GetByID(ctx, sess.UserID)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, common.ErrInvalidToken
	}
	if !u.MFAEnabled || u.TOTPSecret == nil {
		return nil, common.ErrMFANotEnabled
	}

	failed, err := s.users.CountRecentFailedMFAAttempts(ctx, u.ID, s.mfaFailureWindow)
	if err != nil {
		return nil, err
	}
	if failed >= s.mfaMaxFailed {
		s.logger.Warn(ctx, "mfa locked out", "user_id", u.ID, "failed", failed)
		return nil, common.ErrTooManyAttempts
	}

	ok, err := check(u)
	if err != nil {
		return nil, err
	}
	if err := s.users.RecordMFAAttempt(ctx, u.ID, meta.IPAddress, ok); err != nil {
		return nil, err
	}
	if !ok {
		return nil, common.ErrorUnauthorized
	}

	expiresAt := s.now().Add(s.sessionTTL)
	if err := sessions.MarkMFAVerified(ctx, sess.ID, expiresAt); err != nil {
		return nil, fmt.Errorf("upgrade session: %w", err)
	}

	token, err := s.issue(u, sess.ID, pending.Method, false, s.sessionTTL)
	if err != nil {
		return nil, err
	}
	if err := s.users.RecordLogin(ctx, u.ID); err != nil {
		s.logger.Warn(ctx, "record login failed", "user_id", u.ID, "error", err)
	}

	return &LoginResult{Token: token, SessionID: sess.ID, ExpiresAt: expiresAt, User: u}, nil
}

// BeginTOTPEnrollment generates a fresh TOTP secret for the user. Nothing is
// stored until ConfirmTOTPEnrollment.
func (s *AuthService) BeginTOTPEnrollment(ctx context.Context, userID int64) (*TOTPEnrollment, error) {
	u, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, common.ErrorNotFound
	}

	key, err := totp.Generate(totp.GenerateOpts{Issuer: s.totpIssuer, AccountName: u.Email})
	if err != nil {
		return nil, fmt.Errorf("generate totp key: %w", err)
	}
	return &TOTPEnrollment{Secret: key.Secret(), URL: key.URL()}, nil
}

// ConfirmTOTPEnrollment enables MFA once the user proves the authenticator
// works. The returned backup codes are shown once and only their hashes are
// kept.
func (s *AuthService) ConfirmTOTPEnrollment(ctx context.Context, userID int64, secret, code string) ([]string, error) {
	if secret == "" || !totp.Validate(code, secret) {
		return nil, fmt.Errorf("%w: invalid verification code", common.ErrorValidation)
	}

	codes, err := cryptox.GenerateBackupCodes(cryptox.BackupCodeCount)
	if err != nil {
		return nil, fmt.Errorf("generate backup codes: %w", err)
	}
	if err := s.users.EnableMFA(ctx, userID, secret, codes); err != nil {
		return nil, err
	}
	return codes, nil
}

// LoginWithGoogle signs in with a Google ID token. A known Google id signs
// in directly; otherwise a verified email links to the existing account, and
// a new email creates one.
func (s *AuthService) LoginWithGoogle(ctx context.Context, idToken string, meta ClientMeta) (*LoginResult, error) {
	if s.deps.Google == nil {
		return nil, fmt.Errorf("%w: google sign-in is not configured", common.ErrorForbidden)
	}

	id, err := s.deps.Google.Verify(ctx, idToken)
	if err != nil {
		s.logger.Warn(ctx, "google token rejected", "error", err)
		return nil, common.ErrorUnauthorized
	}
	if !id.EmailVerified || id.Subject == "" {
		return nil, common.ErrorUnauthorized
	}

	u, err := s.users.GetByGoogleID(ctx, id.Subject)
	if err != nil {
		return nil, err
	}

	if u == nil {
		u, err = s.users.GetByEmail(ctx, id.Email)
		if err != nil {
			return nil, err
		}
		switch {
		case u == nil:
			u, err = s.users.Create(ctx, CreateUserParams{
				Email:         id.Email,
				GoogleID:      &id.Subject,
				Name:          optional(id.Name),
				Picture:       optional(id.Picture),
				EmailVerified: true,
			})
			if err != nil {
				return nil, err
			}
		case u.Status == models.StatusInvited:
			return nil, fmt.Errorf("%w: invitation not accepted", common.ErrorForbidden)
		case u.GoogleID != nil && *u.GoogleID != id.Subject:
			s.logger.Warn(ctx, "google sign-in for an account linked to another google id", "user_id", u.ID)
			return nil, fmt.Errorf("%w: account is linked to another google account", common.ErrorConflict)
		default:
			if err := s.users.LinkGoogleAccount(ctx, u.ID, id.Subject, optional(id.Name), optional(id.Picture)); err != nil {
				return nil, err
			}
			if u, err = s.users.GetByID(ctx, u.ID); err != nil {
				return nil, err
			}
		}
	}

	if err := canSignIn(u); err != nil {
		return nil, err
	}
	return s.startSession(ctx, u, models.AuthMethodGoogle, true, meta)
}

// LoginWithPasskey signs in with a WebAuthn assertion. A counter that did not
// grow rejects the login as a possibly cloned authenticator.
func (s *AuthService) LoginWithPasskey(ctx context.Context, credentialID string, assertion []byte, meta ClientMeta) (*LoginResult, error) {
	if s.deps.Passkeys == nil {
		return nil, fmt.Errorf("%w: passkey sign-in is not configured", common.ErrorForbidden)
	}

	u, pk, err := s.users.FindByCredentialID(ctx, credentialID)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, common.ErrorUnauthorized
	}

	if err := canSignIn(u); err != nil {
		return nil, err
	}

	counter, err := s.deps.Passkeys.VerifyAssertion(ctx, *pk, assertion)
	if err != nil {
		s.logger.Warn(ctx, "passkey assertion rejected", "user_id", u.ID, "error", err)
		return nil, common.ErrorUnauthorized
	}
	if err := s.users.UpdatePasskeyCounter(ctx, u.ID, pk.ID, counter); err != nil {
		return nil, err
	}
	return s.startSession(ctx, u, models.AuthMethodPasskey, false, meta)
}

func (s *AuthService) link(path, token string) (string, error) {
	u, err := url.JoinPath(s.appBaseURL, path)
	if err != nil {
		return "", err
	}
	return u + "?token=" + url.QueryEscape(token), nil
}

// Invite creates an invited user and emails the invitation link. A delivery
// failure is logged; the invitation can be resent.
func (s *AuthService) Invite(ctx context.Context, email string, role models.Role) (*models.User, error) {
	token, err := common.MakeRandHexString(tokenBytes)
	if err != nil {
		return nil, fmt.Errorf("generate invite token: %w", err)
	}
	expiresAt := s.now().Add(s.inviteTTL)

	u, err := s.users.CreateInvited(ctx, CreateInvitedParams{
		Email:           email,
		Role:            role,
		InviteToken:     token,
		InviteExpiresAt: expiresAt,
	})
	if err != nil {
		return nil, err
	}

	s.sendInvitation(ctx, u.Email, token, expiresAt)
	return u, nil
}

// ResendInvite issues a new invitation token and emails it again.
func (s *AuthService) ResendInvite(ctx context.Context, userID int64) error {
	u, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return err
	}
	if u == nil {
		return common.ErrorNotFound
	}

	token, err := common.MakeRandHexString(tokenBytes)
	if err != nil {
		return fmt.Errorf("generate invite token: %w", err)
	}
	expiresAt := s.now().Add(s.inviteTTL)

	if err := s.users.ResendInvitation(ctx, userID, token, expiresAt); err != nil {
		return err
	}
	s.sendInvitation(ctx, u.Email, token, expiresAt)
	return nil
}

func (s *AuthService) sendInvitation(ctx context.Context, to, token string, expiresAt time.Time) {
	link, err := s.link("accept-invite", token)
	if err == nil {
		err = s.deps.Notifier.SendInvitation(ctx, to, link, expiresAt)
	}
	if err != nil {
		s.logger.Error(ctx, "invitation email failed", "error", err)
	}
}

// AcceptInvitation activates the invited account behind token. An expired
// token moves the account to invite_expired.
func (s *AuthService) AcceptInvitation(ctx context.Context, token, name, password string) (*models.User, error) {
	u, err := s.users.GetByInviteToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if u == nil || u.Status != models.StatusInvited {
		return nil, common.ErrInvalidToken
	}
	if u.InviteExpiresAt == nil || !s.now().Before(*u.InviteExpiresAt) {
		if err := s.users.UpdateStatus(ctx, u.ID, models.StatusInviteExpired); err != nil {
			return nil, err
		}
		return nil, common.ErrTokenExpired
	}

	if err := s.users.CompleteInvitation(ctx, u.ID, name, password); err != nil {
		return nil, err
	}
	return s.users.GetByID(ctx, u.ID)
}

// RequestPasswordReset emails a reset link. Unknown or inactive accounts
// succeed silently so the response does not reveal which emails exist.
func (s *AuthService) RequestPasswordReset(ctx context.Context, email string) error {
	u, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		return err
	}
	if u == nil || canSignIn(u) != nil {
		return nil
	}

	token, err := common.MakeRandHexString(tokenBytes)
	if err != nil {
		return fmt.Errorf("generate reset token: %w", err)
	}
	expiresAt := s.now().Add(s.passwordResetTTL)
	if err := s.users.SetPasswordResetToken(ctx, u.ID, token, expiresAt); err != nil {
		return err
	}

	link, err := s.link("reset-password", token)
	if err == nil {
		err = s.deps.Notifier.SendPasswordReset(ctx, u.Email, link, expiresAt)
	}
	if err != nil {
		s.logger.Error(ctx, "password reset email failed", "user_id", u.ID, "error", err)
	}
	return nil
}

// ResetPassword replaces the password of the account behind a reset token
// and invalidates the token.
func (s *AuthService) ResetPassword(ctx context.Context, token, password string) error {
	u, err := s.users.GetByPasswordResetToken(ctx, token)
	if err != nil {
		return err
	}
	if u == nil {
		return common.ErrInvalidToken
	}
	if u.PasswordResetExpiresAt == nil || !s.now().Before(*u.PasswordResetExpiresAt) {
		if err := s.users.ClearPasswordResetToken(ctx, u.ID); err != nil {
			return err
		}
		return common.ErrTokenExpired
	}

	if err := s.users.UpdatePassword(ctx, u.ID, password); err != nil {
		return err
	}
	if err := s.users.ClearPasswordResetToken(ctx, u.ID); err != nil {
		return err
	}
	s.logger.Info(ctx, "password reset", "user_id", u.ID)
	return nil
}

// Logout deletes the server-side session.
func (s *AuthService) Logout(ctx context.Context, sessionID string) error {
	if err := s.repomanager.Sessions(s.db).Delete(ctx, sessionID); err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	return nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

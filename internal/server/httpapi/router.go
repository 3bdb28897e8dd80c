// Package httpapi exposes the account API over HTTP. Authorization is done
// by the guard middlewares; handlers only see an already-checked Principal.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dmitrijs2005/gophauth/internal/logging"
	"github.com/dmitrijs2005/gophauth/internal/server/auth"
	"github.com/dmitrijs2005/gophauth/internal/server/guard"
	"github.com/dmitrijs2005/gophauth/internal/server/models"
	"github.com/dmitrijs2005/gophauth/internal/server/services"
)

// UserStore is the part of services.UserService the API uses.
type UserStore interface {
	GetByID(ctx context.Context, id int64) (*models.User, error)
	ListActiveUsers(ctx context.Context) ([]*models.User, error)
	UpdateProfile(ctx context.Context, id int64, p services.ProfileUpdateParams) (bool, error)
	UpdateStatus(ctx context.Context, id int64, status models.Status) error
	Delete(ctx context.Context, id int64) error
	DisableMFA(ctx context.Context, id int64) error
	AddPasskey(ctx context.Context, userID int64, np models.NewPasskey) (*models.Passkey, error)
	RemovePasskey(ctx context.Context, userID int64, passkeyID string) error
}

// Authenticator is the part of services.AuthService the API uses.
type Authenticator interface {
	LoginWithPassword(ctx context.Context, email, password string, meta services.ClientMeta) (*services.LoginResult, error)
	LoginWithGoogle(ctx context.Context, idToken string, meta services.ClientMeta) (*services.LoginResult, error)
	LoginWithPasskey(ctx context.Context, credentialID string, assertion []byte, meta services.ClientMeta) (*services.LoginResult, error)
	VerifyTOTP(ctx context.Context, pending *auth.SessionClaims, code string, meta services.ClientMeta) (*services.LoginResult, error)
	VerifyBackupCode(ctx context.Context, pending *auth.SessionClaims, code string, meta services.ClientMeta) (*services.LoginResult, error)
	BeginTOTPEnrollment(ctx context.Context, userID int64) (*services.TOTPEnrollment, error)
	ConfirmTOTPEnrollment(ctx context.Context, userID int64, secret, code string) ([]string, error)
	Invite(ctx context.Context, email string, role models.Role) (*models.User, error)
	ResendInvite(ctx context.Context, userID int64) error
	AcceptInvitation(ctx context.Context, token, name, password string) (*models.User, error)
	RequestPasswordReset(ctx context.Context, email string) error
	ResetPassword(ctx context.Context, token, password string) error
	Logout(ctx context.Context, sessionID string) error
}

// Deps are the collaborators of the router.
type Deps struct {
	Users   UserStore
	Auth    Authenticator
	Decoder guard.Decoder
	Logger  logging.Logger
	// Health reports whether the service can reach its dependencies.
	Health func(ctx context.Context) error
	// SecureCookies marks the session cookie Secure.
	SecureCookies bool
}

type api struct {
	users         UserStore
	auth          Authenticator
	logger        logging.Logger
	health        func(ctx context.Context) error
	secureCookies bool
}

// NewRouter builds the HTTP handler.
func NewRouter(d Deps) http.Handler {
	a := &api{
		users:         d.Users,
		auth:          d.Auth,
		logger:        d.Logger.With("module", "http_api"),
		health:        d.Health,
		secureCookies: d.SecureCookies,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(a.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(guard.Loader(d.Decoder, a.logger))

	r.Get("/healthz", a.healthz)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/auth", func(r chi.Router) {
			r.Post("/login", a.login)
			r.Post("/google", a.loginGoogle)
			r.Post("/passkey", a.loginPasskey)
			r.Post("/mfa/totp", a.verifyTOTP)
			r.Post("/mfa/backup-code", a.verifyBackupCode)
			r.Post("/logout", a.logout)
			r.Post("/password-reset", a.requestPasswordReset)
			r.Post("/password-reset/confirm", a.resetPassword)
			r.Post("/invitations/accept", a.acceptInvitation)
		})

		r.Group(func(r chi.Router) {
			r.Use(guard.Require(guard.LevelAuthenticated))
			r.Get("/me", a.me)
			r.Patch("/me", a.updateMe)
			r.Post("/me/mfa/totp", a.beginTOTP)
			r.Post("/me/mfa/totp/confirm", a.confirmTOTP)
			r.Delete("/me/mfa", a.disableMFA)
			r.Post("/me/passkeys", a.addPasskey)
			r.Delete("/me/passkeys/{passkeyID}", a.removePasskey)
		})

		r.Group(func(r chi.Router) {
			r.Use(guard.Require(guard.LevelManager))
			r.Get("/users", a.listUsers)
			r.Post("/invitations", a.invite)
			r.Post("/users/{id}/invitation", a.resendInvite)
		})

		r.Group(func(r chi.Router) {
			r.Use(guard.Require(guard.LevelAdmin))
			r.Patch("/users/{id}/status", a.updateStatus)
			r.Delete("/users/{id}", a.deleteUser)
		})
	})

	return r
}

func (a *api) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		a.logger.Debug(r.Context(), "request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func (a *api) healthz(w http.ResponseWriter, r *http.Request) {
	if a.health != nil {
		if err := a.health(r.Context()); err != nil {
			a.logger.Error(r.Context(), "health check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

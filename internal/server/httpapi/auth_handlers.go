package httpapi

import (
	"net/http"

	"github.com/golang-jwt/jwt/v5"

	"github.com/dmitrijs2005/gophauth/internal/common"
	"github.com/dmitrijs2005/gophauth/internal/server/auth"
	"github.com/dmitrijs2005/gophauth/internal/server/guard"
	"github.com/dmitrijs2005/gophauth/internal/server/services"
)

func (a *api) setSessionCookie(w http.ResponseWriter, res *services.LoginResult) {
	http.SetCookie(w, &http.Cookie{
		Name:     common.SessionCookieName,
		Value:    res.Token,
		Path:     "/",
		Expires:  res.ExpiresAt,
		HttpOnly: true,
		Secure:   a.secureCookies,
		SameSite: http.SameSiteLaxMode,
	})
}

func (a *api) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     common.SessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   a.secureCookies,
		SameSite: http.SameSiteLaxMode,
	})
}

func (a *api) respondLogin(w http.ResponseWriter, r *http.Request, res *services.LoginResult, err error) {
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.setSessionCookie(w, res)
	writeJSON(w, http.StatusOK, newLoginView(res))
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (a *api) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decode(w, r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	res, err := a.auth.LoginWithPassword(r.Context(), req.Email, req.Password, clientMeta(r))
	a.respondLogin(w, r, res, err)
}

type googleLoginRequest struct {
	IDToken string `json:"idToken"`
}

func (a *api) loginGoogle(w http.ResponseWriter, r *http.Request) {
	var req googleLoginRequest
	if err := decode(w, r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	res, err := a.auth.LoginWithGoogle(r.Context(), req.IDToken, clientMeta(r))
	a.respondLogin(w, r, res, err)
}

type passkeyLoginRequest struct {
	CredentialID string `json:"credentialId"`
	Assertion    []byte `json:"assertion"`
}

func (a *api) loginPasskey(w http.ResponseWriter, r *http.Request) {
	var req passkeyLoginRequest
	if err := decode(w, r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	res, err := a.auth.LoginWithPasskey(r.Context(), req.CredentialID, req.Assertion, clientMeta(r))
	a.respondLogin(w, r, res, err)
}

type codeRequest struct {
	Code string `json:"code"`
}

// pendingClaims rebuilds the claims of an MFA-pending session.
func pendingClaims(s *guard.Session) (*auth.SessionClaims, error) {
	if s == nil || !s.MFAPending {
		return nil, common.ErrorUnauthenticated
	}
	return &auth.SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{ID: s.SessionID},
		UserID:           s.Subject(),
		Role:             s.Role,
		Method:           s.Method,
		MFAPending:       true,
	}, nil
}

func (a *api) verifySecondFactor(w http.ResponseWriter, r *http.Request,
	verify func(pending *auth.SessionClaims, code string) (*services.LoginResult, error)) {
	pending, err := pendingClaims(guard.SessionFrom(r.Context()))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	var req codeRequest
	if err := decode(w, r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	res, err := verify(pending, req.Code)
	a.respondLogin(w, r, res, err)
}

func (a *api) verifyTOTP(w http.ResponseWriter, r *http.Request) {
	a.verifySecondFactor(w, r, func(p *auth.SessionClaims, code string) (*services.LoginResult, error) {
		return a.auth.VerifyTOTP(r.Context(), p, code, clientMeta(r))
	})
}

func (a *api) verifyBackupCode(w http.ResponseWriter, r *http.Request) {
	a.verifySecondFactor(w, r, func(p *auth.SessionClaims, code string) (*services.LoginResult, error) {
		return a.auth.VerifyBackupCode(r.Context(), p, code, clientMeta(r))
	})
}

func (a *api) logout(w http.ResponseWriter, r *http.Request) {
	s := guard.SessionFrom(r.Context())
	if s == nil {
		a.writeError(w, r, common.ErrorUnauthenticated)
		return
	}
	if err := a.auth.Logout(r.Context(), s.SessionID); err != nil {
		a.writeError(w, r, err)
		return
	}
	a.clearSessionCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

type emailRequest struct {
	Email string `json:"email"`
}

func (a *api) requestPasswordReset(w http.ResponseWriter, r *http.Request) {
	var req emailRequest
	if err := decode(w, r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	if err := a.auth.RequestPasswordReset(r.Context(), req.Email); err != nil {
		a.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type resetPasswordRequest struct {
	Token    string `json:"token"`
	Password string `json:"password"`
}

func (a *api) resetPassword(w http.ResponseWriter, r *http.Request) {
	var req resetPasswordRequest
	if err := decode(w, r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	if err := a.auth.ResetPassword(r.Context(), req.Token, req.Password); err != nil {
		a.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type acceptInvitationRequest struct {
	Token    string `json:"token"`
	Name     string `json:"name"`
	Password string `json:"password"`
}

func (a *api) acceptInvitation(w http.ResponseWriter, r *http.Request) {
	var req acceptInvitationRequest
	if err := decode(w, r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	u, err := a.auth.AcceptInvitation(r.Context(), req.Token, req.Name, req.Password)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newUserView(u))
}

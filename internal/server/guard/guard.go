// Package guard decides whether a request may proceed. A Session is the
// already-decoded payload of the caller's session token; the decision
// functions never touch the store.
//
// Evaluation is identity, then role, then authorization, stopping at the
// first failure:
//
//	no session marker, or MFA still pending  -> common.ErrorUnauthenticated
//	no usable role                           -> common.ErrorForbidden
//	role below the required level            -> common.ErrorForbidden
package guard

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/dmitrijs2005/gophauth/internal/common"
	"github.com/dmitrijs2005/gophauth/internal/server/auth"
	"github.com/dmitrijs2005/gophauth/internal/server/models"
)

// FederatedIdentity marks a session established by an external identity
// provider.
type FederatedIdentity struct {
	Provider string
	Subject  string
	UserID   int64
}

// Session is the immutable per-request view of a session token. UserID is
// the direct-credential marker; Federated is set for provider logins.
type Session struct {
	UserID     int64
	Federated  *FederatedIdentity
	Role       models.Role
	Method     models.AuthMethod
	MFAPending bool
	SessionID  string
}

// Subject returns the user the session belongs to, whether or not it has
// cleared MFA.
func (s *Session) Subject() int64 {
	if s == nil {
		return 0
	}
	if s.Federated != nil && s.Federated.UserID > 0 {
		return s.Federated.UserID
	}
	return s.UserID
}

// Principal is the authorized caller handed to handlers.
type Principal struct {
	UserID int64
	Role   models.Role
	Method models.AuthMethod
}

// SessionFromClaims converts verified token claims into a Session.
func SessionFromClaims(c *auth.SessionClaims) *Session {
	s := &Session{
		Role:       c.Role,
		Method:     c.Method,
		MFAPending: c.MFAPending,
		SessionID:  c.SessionID(),
	}
	if c.Method == models.AuthMethodGoogle && c.GoogleID != "" {
		s.Federated = &FederatedIdentity{Provider: string(models.AuthMethodGoogle), Subject: c.GoogleID, UserID: c.UserID}
	} else {
		s.UserID = c.UserID
	}
	return s
}

// Level is the minimum role an operation requires.
type Level int

const (
	LevelPublic Level = iota
	LevelAuthenticated
	LevelManager
	LevelAdmin
)

func (l Level) String() string {
	switch l {
	case LevelPublic:
		return "public"
	case LevelAuthenticated:
		return "authenticated"
	case LevelManager:
		return "manager"
	case LevelAdmin:
		return "admin"
	}
	return fmt.Sprintf("Level(%d)", int(l))
}

func (l Level) role() models.Role {
	switch l {
	case LevelManager:
		return models.RoleManager
	case LevelAdmin:
		return models.RoleAdmin
	default:
		return models.RoleViewer
	}
}

// Check applies the decision for l. LevelPublic always passes with a zero
// Principal.
func (l Level) Check(s *Session) (Principal, error) {
	if l == LevelPublic {
		return Principal{}, nil
	}

	userID, ok := identity(s)
	if !ok {
		return Principal{}, common.ErrorUnauthenticated
	}
	if !s.Role.Valid() {
		return Principal{}, fmt.Errorf("%w: no role", common.ErrorForbidden)
	}
	if !s.Role.AtLeast(l.role()) {
		return Principal{}, fmt.Errorf("%w: %s required", common.ErrorForbidden, l)
	}

	return Principal{UserID: userID, Role: s.Role, Method: s.Method}, nil
}

func identity(s *Session) (int64, bool) {
	if s == nil || s.MFAPending {
		return 0, false
	}
	id := s.Subject()
	return id, id > 0
}

// RequireAuth accepts any authenticated principal.
func RequireAuth(s *Session) (Principal, error) { return LevelAuthenticated.Check(s) }

// RequireManager accepts managers and admins.
func RequireManager(s *Session) (Principal, error) { return LevelManager.Check(s) }

// RequireAdmin accepts admins only.
func RequireAdmin(s *Session) (Principal, error) { return LevelAdmin.Check(s) }

// HTTPStatus maps a guard error to its response status.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, common.ErrorUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, common.ErrorForbidden):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

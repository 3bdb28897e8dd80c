package guard

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/dmitrijs2005/gophauth/internal/common"
	"github.com/dmitrijs2005/gophauth/internal/logging"
	"github.com/dmitrijs2005/gophauth/internal/server/auth"
)

// Decoder turns a raw session token into a Session.
type Decoder interface {
	Decode(token string) (*Session, error)
}

// DecoderFunc adapts a function to Decoder.
type DecoderFunc func(token string) (*Session, error)

func (f DecoderFunc) Decode(token string) (*Session, error) { return f(token) }

// JWTDecoder verifies HS256 session tokens signed with secret.
func JWTDecoder(secret []byte) Decoder {
	return DecoderFunc(func(token string) (*Session, error) {
		claims, err := auth.ParseSessionToken(token, secret)
		if err != nil {
			return nil, err
		}
		return SessionFromClaims(claims), nil
	})
}

type ctxKey int

const (
	sessionKey ctxKey = iota
	principalKey
)

// WithSession stores s in ctx.
func WithSession(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, sessionKey, s)
}

// SessionFrom returns the session loaded for this request, or nil.
func SessionFrom(ctx context.Context) *Session {
	s, _ := ctx.Value(sessionKey).(*Session)
	return s
}

// WithPrincipal stores p in ctx.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// PrincipalFrom returns the principal authorized for this request.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey).(Principal)
	return p, ok
}

// TokenFromRequest reads a bearer token, falling back to the session cookie.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, tok, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "bearer") {
			return strings.TrimSpace(tok)
		}
		return ""
	}
	if c, err := r.Cookie(common.SessionCookieName); err == nil {
		return c.Value
	}
	return ""
}

// Loader decodes the request's session token once and stores the Session in
// the request context. Requests without a usable token continue anonymously.
func Loader(d Decoder, l logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tok := TokenFromRequest(r)
			if tok == "" {
				next.ServeHTTP(w, r)
				return
			}
			s, err := d.Decode(tok)
			if err != nil {
				l.Debug(r.Context(), "session token rejected", "error", err)
				next.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithSession(r.Context(), s)))
		})
	}
}

// ErrorBody is the JSON error envelope.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WriteError writes a JSON error envelope.
func WriteError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorBody{Error: ErrorDetail{Code: code, Message: message}})
}

// Require rejects requests whose session does not satisfy level.
func Require(level Level) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, err := level.Check(SessionFrom(r.Context()))
			if err != nil {
				switch status := HTTPStatus(err); status {
				case http.StatusUnauthorized:
					WriteError(w, status, "unauthenticated", "authentication required")
				case http.StatusForbidden:
					WriteError(w, status, "forbidden", "insufficient role")
				default:
					WriteError(w, status, "internal", "internal error")
				}
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

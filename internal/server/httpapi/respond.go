package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/dmitrijs2005/gophauth/internal/common"
	"github.com/dmitrijs2005/gophauth/internal/server/guard"
	"github.com/dmitrijs2005/gophauth/internal/server/services"
)

const maxBodyBytes = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: malformed request body", common.ErrorValidation)
	}
	return nil
}

// writeError maps service errors onto the error envelope. Only validation
// messages are echoed back; everything else gets a fixed message.
func (a *api) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, common.ErrorValidation):
		guard.WriteError(w, http.StatusBadRequest, "validation_failed", err.Error())
	case errors.Is(err, common.ErrorNotFound):
		guard.WriteError(w, http.StatusNotFound, "not_found", "resource not found")
	case errors.Is(err, common.ErrorConflict):
		guard.WriteError(w, http.StatusConflict, "conflict", "resource already exists")
	case errors.Is(err, common.ErrorUnauthorized), errors.Is(err, common.ErrCounterRegression):
		guard.WriteError(w, http.StatusUnauthorized, "invalid_credentials", "invalid credentials")
	case errors.Is(err, common.ErrorUnauthenticated):
		guard.WriteError(w, http.StatusUnauthorized, "unauthenticated", "authentication required")
	case errors.Is(err, common.ErrorForbidden):
		guard.WriteError(w, http.StatusForbidden, "forbidden", "not allowed")
	case errors.Is(err, common.ErrInvalidToken):
		guard.WriteError(w, http.StatusBadRequest, "invalid_token", "invalid or used token")
	case errors.Is(err, common.ErrTokenExpired):
		guard.WriteError(w, http.StatusGone, "token_expired", "token expired")
	case errors.Is(err, common.ErrTooManyAttempts):
		guard.WriteError(w, http.StatusTooManyRequests, "too_many_attempts", "too many failed attempts, try again later")
	case errors.Is(err, common.ErrMFANotEnabled):
		guard.WriteError(w, http.StatusConflict, "mfa_not_enabled", "mfa is not enabled")
	default:
		a.logger.Error(r.Context(), "request failed", "path", r.URL.Path, "error", err)
		guard.WriteError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

func clientMeta(r *http.Request) services.ClientMeta {
	ip := r.RemoteAddr
	if host, _, err := net.SplitHostPort(ip); err == nil {
		ip = host
	}
	return services.ClientMeta{IPAddress: ip, UserAgent: r.UserAgent()}
}

func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: bad user id", common.ErrorValidation)
	}
	return id, nil
}

func principal(r *http.Request) guard.Principal {
	p, _ := guard.PrincipalFrom(r.Context())
	return p
}

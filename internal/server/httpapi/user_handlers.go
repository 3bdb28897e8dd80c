package httpapi

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/dmitrijs2005/gophauth/internal/common"
	"github.com/dmitrijs2005/gophauth/internal/server/models"
	"github.com/dmitrijs2005/gophauth/internal/server/services"
)

func (a *api) me(w http.ResponseWriter, r *http.Request) {
	u, err := a.users.GetByID(r.Context(), principal(r).UserID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if u == nil {
		// the session outlived its user
		a.writeError(w, r, common.ErrorUnauthenticated)
		return
	}
	writeJSON(w, http.StatusOK, newUserView(u))
}

type updateMeRequest struct {
	Name    *string `json:"name"`
	Picture *string `json:"picture"`
}

func (a *api) updateMe(w http.ResponseWriter, r *http.Request) {
	var req updateMeRequest
	if err := decode(w, r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	id := principal(r).UserID
	if _, err := a.users.UpdateProfile(r.Context(), id, services.ProfileUpdateParams{Name: req.Name, Picture: req.Picture}); err != nil {
		a.writeError(w, r, err)
		return
	}
	a.me(w, r)
}

type totpEnrollmentView struct {
	Secret string `json:"secret"`
	URL    string `json:"otpauthUrl"`
}

func (a *api) beginTOTP(w http.ResponseWriter, r *http.Request) {
	enr, err := a.auth.BeginTOTPEnrollment(r.Context(), principal(r).UserID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, totpEnrollmentView{Secret: enr.Secret, URL: enr.URL})
}

type confirmTOTPRequest struct {
	Secret string `json:"secret"`
	Code   string `json:"code"`
}

func (a *api) confirmTOTP(w http.ResponseWriter, r *http.Request) {
	var req confirmTOTPRequest
	if err := decode(w, r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	codes, err := a.auth.ConfirmTOTPEnrollment(r.Context(), principal(r).UserID, req.Secret, req.Code)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"backupCodes": codes})
}

func (a *api) disableMFA(w http.ResponseWriter, r *http.Request) {
	if err := a.users.DisableMFA(r.Context(), principal(r).UserID); err != nil {
		a.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) addPasskey(w http.ResponseWriter, r *http.Request) {
	var req models.NewPasskey
	if err := decode(w, r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	pk, err := a.users.AddPasskey(r.Context(), principal(r).UserID, req)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, passkeyView{ID: pk.ID, Name: pk.Name, CreatedAt: pk.CreatedAt})
}

func (a *api) removePasskey(w http.ResponseWriter, r *http.Request) {
	if err := a.users.RemovePasskey(r.Context(), principal(r).UserID, chi.URLParam(r, "passkeyID")); err != nil {
		a.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) listUsers(w http.ResponseWriter, r *http.Request) {
	list, err := a.users.ListActiveUsers(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	out := make([]userView, 0, len(list))
	for _, u := range list {
		out = append(out, newUserView(u))
	}
	writeJSON(w, http.StatusOK, out)
}

type inviteRequest struct {
	Email string      `json:"email"`
	Role  models.Role `json:"role"`
}

func (a *api) invite(w http.ResponseWriter, r *http.Request) {
	var req inviteRequest
	if err := decode(w, r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	// managers cannot hand out a role above their own
	if req.Role != "" && req.Role.Valid() && !principal(r).Role.AtLeast(req.Role) {
		a.writeError(w, r, fmt.Errorf("%w: cannot invite %s", common.ErrorForbidden, req.Role))
		return
	}
	u, err := a.auth.Invite(r.Context(), req.Email, req.Role)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newUserView(u))
}

func (a *api) resendInvite(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if err := a.auth.ResendInvite(r.Context(), id); err != nil {
		a.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type statusRequest struct {
	Status models.Status `json:"status"`
}

func (a *api) updateStatus(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	var req statusRequest
	if err := decode(w, r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	if err := a.users.UpdateStatus(r.Context(), id, req.Status); err != nil {
		a.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) deleteUser(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if id == principal(r).UserID {
		a.writeError(w, r, fmt.Errorf("%w: cannot delete yourself", common.ErrorValidation))
		return
	}
	if err := a.users.Delete(r.Context(), id); err != nil {
		a.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

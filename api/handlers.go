package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/jmcleod/nobat/apperr"
	"github.com/jmcleod/nobat/otp"
	"github.com/jmcleod/nobat/session"
)

const maxBodyBytes = 16 << 10

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Code: codeBadRequest, Error: "invalid request body"})
		return false
	}
	return true
}

// roleParam resolves the {role} path parameter. Unknown roles are a 404.
func roleParam(w http.ResponseWriter, r *http.Request) (session.Role, bool) {
	role := session.ParseRole(chi.URLParam(r, "role"))
	if role == session.RoleUnknown {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Code: codeNotFound, Error: "unknown role"})
		return role, false
	}
	return role, true
}

// challenge returns the device's login engine for the {role} in the path.
func (a *API) challenge(w http.ResponseWriter, r *http.Request) (*workspace, *otp.Engine, bool) {
	role, ok := roleParam(w, r)
	if !ok {
		return nil, nil, false
	}
	ws := workspaceFromContext(r.Context())
	eng, err := ws.engine(role, a.newEngine(ws, role))
	if err != nil {
		mapError(w, err)
		return nil, nil, false
	}
	return ws, eng, true
}

// SubmitPhone handles POST /auth/{role}/otp.
func (a *API) SubmitPhone(w http.ResponseWriter, r *http.Request) {
	_, eng, ok := a.challenge(w, r)
	if !ok {
		return
	}
	var req PhoneRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if err := eng.SubmitPhone(r.Context(), req.Phone); err != nil {
		snap := eng.Snapshot()
		a.audit.logFailure(AuditOTPRequestFailed, r, errorCode(err),
			slog.String("role", string(eng.Role())),
			slog.String("phone", maskPhone(snap.Phone)),
		)
		mapChallengeError(w, err, snap)
		return
	}
	snap := eng.Snapshot()
	a.audit.log(AuditOTPRequested, r,
		slog.String("role", string(eng.Role())),
		slog.String("phone", maskPhone(snap.Phone)),
	)
	writeJSON(w, http.StatusOK, ChallengeResponse{Challenge: snap})
}

// GetChallenge handles GET /auth/{role}/otp.
func (a *API) GetChallenge(w http.ResponseWriter, r *http.Request) {
	_, eng, ok := a.challenge(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, ChallengeResponse{Challenge: eng.Snapshot()})
}

// AbandonChallenge handles DELETE /auth/{role}/otp. The form is unmounted:
// its countdown stops and late results are ignored.
func (a *API) AbandonChallenge(w http.ResponseWriter, r *http.Request) {
	role, ok := roleParam(w, r)
	if !ok {
		return
	}
	workspaceFromContext(r.Context()).dropEngine(role)
	w.WriteHeader(http.StatusNoContent)
}

// SubmitOTP handles POST /auth/{role}/otp/verify.
func (a *API) SubmitOTP(w http.ResponseWriter, r *http.Request) {
	ws, eng, ok := a.challenge(w, r)
	if !ok {
		return
	}
	var req CodeRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	phone := eng.Snapshot().Phone
	if phone != "" {
		if blocked, retryAfter := a.verifyLimiter.check(phone); blocked {
			a.audit.log(AuditOTPRateLimited, r, slog.String("phone", maskPhone(phone)))
			writeRateLimited(w, retryAfter)
			return
		}
	}

	path, err := eng.SubmitOTP(r.Context(), req.Code)
	if err != nil {
		if errors.Is(err, &apperr.Error{Kind: apperr.KindServer, Code: apperr.CodeRejected}) {
			a.verifyLimiter.recordFailure(phone)
		}
		a.audit.logFailure(AuditOTPRejected, r, errorCode(err),
			slog.String("role", string(eng.Role())),
			slog.String("phone", maskPhone(phone)),
		)
		mapChallengeError(w, err, eng.Snapshot())
		return
	}

	a.verifyLimiter.recordSuccess(phone)
	state := ws.provider.State()
	a.audit.log(AuditOTPVerified, r,
		slog.String("role", string(eng.Role())),
		slog.String("session_role", string(state.Role())),
		slog.String("phone", maskPhone(phone)),
	)
	writeJSON(w, http.StatusOK, VerifyResponse{
		Redirect:  path,
		Challenge: eng.Snapshot(),
		Session:   sessionResponse(state),
	})
}

// Resend handles POST /auth/{role}/otp/resend.
func (a *API) Resend(w http.ResponseWriter, r *http.Request) {
	_, eng, ok := a.challenge(w, r)
	if !ok {
		return
	}
	if err := eng.Resend(r.Context()); err != nil {
		if !errors.Is(err, otp.ErrResendNotAllowed) {
			a.audit.logFailure(AuditOTPRequestFailed, r, errorCode(err),
				slog.String("role", string(eng.Role())),
				slog.Bool("resend", true),
			)
		}
		mapChallengeError(w, err, eng.Snapshot())
		return
	}
	snap := eng.Snapshot()
	a.audit.log(AuditOTPRequested, r,
		slog.String("role", string(eng.Role())),
		slog.String("phone", maskPhone(snap.Phone)),
		slog.Bool("resend", true),
	)
	writeJSON(w, http.StatusOK, ChallengeResponse{Challenge: snap})
}

// BackToPhoneEntry handles POST /auth/{role}/otp/back.
func (a *API) BackToPhoneEntry(w http.ResponseWriter, r *http.Request) {
	_, eng, ok := a.challenge(w, r)
	if !ok {
		return
	}
	eng.BackToPhoneEntry()
	writeJSON(w, http.StatusOK, ChallengeResponse{Challenge: eng.Snapshot()})
}

// GetSession handles GET /session.
func (a *API) GetSession(w http.ResponseWriter, r *http.Request) {
	ws := workspaceFromContext(r.Context())
	writeJSON(w, http.StatusOK, sessionResponse(ws.provider.State()))
}

// UpdateProfile handles PUT /session/profile. The backend result is written
// through to the device session in one step.
func (a *API) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	ws := workspaceFromContext(r.Context())
	var req ProfileRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	state := ws.provider.State()
	if state.Status != session.StatusAuthenticated || state.Session == nil {
		mapError(w, apperr.NoSession())
		return
	}
	if !state.Role().Equal(session.RolePatient) {
		mapError(w, apperr.RoleMismatch(string(session.RolePatient), string(state.Role())))
		return
	}

	upd, err := a.backend.UpdatePatientProfile(r.Context(), state.Session.Token, req)
	if err != nil {
		mapError(w, err)
		return
	}
	if err := ws.provider.UpdateUser(state.Session.Token, upd.Apply(state.Session.User)); err != nil {
		mapError(w, err)
		return
	}
	a.audit.log(AuditProfileUpdated, r)
	writeJSON(w, http.StatusOK, sessionResponse(ws.provider.State()))
}

// Logout handles POST /auth/logout. It clears the session and every cache
// entry of the device.
func (a *API) Logout(w http.ResponseWriter, r *http.Request) {
	ws := workspaceFromContext(r.Context())
	if err := ws.provider.Logout(); err != nil {
		mapError(w, err)
		return
	}
	a.metrics.RecordLogout()
	a.audit.log(AuditLogout, r)
	writeJSON(w, http.StatusOK, sessionResponse(ws.provider.State()))
}

// PanelAccess handles GET /panels/{role}.
func (a *API) PanelAccess(w http.ResponseWriter, r *http.Request) {
	role, ok := roleParam(w, r)
	if !ok {
		return
	}
	ws := workspaceFromContext(r.Context())
	d := session.Authorize(ws.provider.State(), role, a.routes)
	writeJSON(w, http.StatusOK, PanelResponse{
		Role:     role,
		Decision: d.Outcome.String(),
		Redirect: d.Path,
	})
}

// PaymentCallback handles GET /payment/callback?Authority=&Status=, the
// gateway's redirect back to the site.
func (a *API) PaymentCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	res, err := a.backend.PaymentCallback(r.Context(), q.Get("Authority"), q.Get("Status"))
	if err != nil {
		a.audit.logFailure(AuditPaymentCallback, r, errorCode(err))
		mapError(w, err)
		return
	}
	a.audit.log(AuditPaymentCallback, r,
		slog.Bool("success", res.Success),
		slog.String("ref_id", res.RefID),
	)
	writeJSON(w, http.StatusOK, PaymentResponse{
		Success: res.Success,
		RefID:   res.RefID,
		Message: res.Message,
	})
}

func errorCode(err error) string {
	_, body := errorBody(err)
	return body.Code
}

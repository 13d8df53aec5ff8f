package api

import (
	"github.com/jmcleod/nobat/backend"
	"github.com/jmcleod/nobat/otp"
	"github.com/jmcleod/nobat/session"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error  string `json:"error"`
	Code   string `json:"code,omitempty"`
	Action string `json:"action,omitempty"`
	// Challenge is the form state after a failed login step.
	Challenge *otp.Snapshot `json:"challenge,omitempty"`
}

// PhoneRequest is the JSON body for POST /auth/{role}/otp.
type PhoneRequest struct {
	Phone string `json:"phone"`
}

// CodeRequest is the JSON body for POST /auth/{role}/otp/verify.
type CodeRequest struct {
	Code string `json:"code"`
}

// ChallengeResponse is returned by the login form endpoints.
type ChallengeResponse struct {
	Challenge otp.Snapshot `json:"challenge"`
}

// VerifyResponse is returned after a successful code verification.
type VerifyResponse struct {
	Redirect  string          `json:"redirect"`
	Challenge otp.Snapshot    `json:"challenge"`
	Session   SessionResponse `json:"session"`
}

// SessionResponse describes who is logged in on this device. The bearer
// token stays on the server.
type SessionResponse struct {
	Status  string        `json:"status"`
	User    *session.User `json:"user,omitempty"`
	Message string        `json:"message,omitempty"`
}

// PanelResponse is the role guard decision for a panel.
type PanelResponse struct {
	Role     session.Role `json:"role"`
	Decision string       `json:"decision"`
	Redirect string       `json:"redirect,omitempty"`
}

// PaymentResponse is returned from GET /payment/callback.
type PaymentResponse struct {
	Success bool   `json:"success"`
	RefID   string `json:"ref_id,omitempty"`
	Message string `json:"message,omitempty"`
}

// ProfileRequest is the JSON body for PUT /session/profile.
type ProfileRequest = backend.ProfileFields

func sessionResponse(state session.State) SessionResponse {
	resp := SessionResponse{Status: state.Status.String()}
	if state.Session != nil && state.Status != session.StatusAnonymous {
		u := state.Session.User.Clone()
		resp.User = &u
	}
	if state.Err != nil && state.Status != session.StatusAuthenticated {
		_, body := errorBody(state.Err)
		resp.Message = body.Error
	}
	return resp
}

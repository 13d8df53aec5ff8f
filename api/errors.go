package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/jmcleod/nobat/apperr"
	"github.com/jmcleod/nobat/otp"
)

const (
	codeBusy          = "OTP_BUSY"
	codeResendTooSoon = "RESEND_NOT_ALLOWED"
	codeAbandoned     = "OTP_ABANDONED"
	codeInternal      = "INTERNAL"
	codeBadRequest    = "BAD_REQUEST"
	codeNotFound      = "NOT_FOUND"
	codeRateLimited   = "RATE_LIMITED"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// errorBody classifies err into a status and a response body. Raw error
// text never reaches the body.
func errorBody(err error) (int, ErrorResponse) {
	switch {
	case errors.Is(err, otp.ErrBusy):
		return http.StatusConflict, ErrorResponse{Code: codeBusy, Error: "درخواست قبلی در حال انجام است."}
	case errors.Is(err, otp.ErrResendNotAllowed):
		return http.StatusConflict, ErrorResponse{Code: codeResendTooSoon, Error: "تا پایان زمان شمارش معکوس صبر کنید."}
	case errors.Is(err, otp.ErrAbandoned), errors.Is(err, otp.ErrClosed):
		return http.StatusConflict, ErrorResponse{Code: codeAbandoned, Error: "فرم ورود بازنشانی شد. دوباره تلاش کنید."}
	}

	e, ok := apperr.As(err)
	if !ok {
		return http.StatusInternalServerError, ErrorResponse{Code: codeInternal, Error: apperr.UserMessage(err)}
	}
	body := ErrorResponse{Code: e.Code, Error: e.Message, Action: e.Action}
	switch e.Kind {
	case apperr.KindValidation:
		return http.StatusBadRequest, body
	case apperr.KindNetwork:
		if e.Code == apperr.CodeTimeout {
			return http.StatusGatewayTimeout, body
		}
		return http.StatusServiceUnavailable, body
	case apperr.KindServer:
		if e.Code == apperr.CodeRejected {
			return http.StatusUnprocessableEntity, body
		}
		return http.StatusBadGateway, body
	case apperr.KindAuthorization:
		if e.Code == apperr.CodeNoSession {
			return http.StatusUnauthorized, body
		}
		return http.StatusForbidden, body
	default:
		return http.StatusInternalServerError, body
	}
}

func mapError(w http.ResponseWriter, err error) {
	status, body := errorBody(err)
	writeJSON(w, status, body)
}

// mapChallengeError is mapError with the challenge state attached, so the
// form can render the error next to the current step.
func mapChallengeError(w http.ResponseWriter, err error, snap otp.Snapshot) {
	status, body := errorBody(err)
	body.Challenge = &snap
	writeJSON(w, status, body)
}

package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/jmcleod/nobat/apperr"
	"github.com/jmcleod/nobat/session"
)

// OTPRequest is the result of asking the backend to send a code.
type OTPRequest struct {
	// Code is echoed by development backends only.
	Code    string
	Message string
}

// VerifyResult is a successful OTP verification.
type VerifyResult struct {
	Session session.Session
	Message string
}

// flexString decodes JSON strings and numbers into a string.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	if _, err := strconv.ParseFloat(n.String(), 64); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

// RequestOTP asks the backend to send a one-time code to phone.
func (c *Client) RequestOTP(ctx context.Context, phone string) (OTPRequest, error) {
	resp, err := c.do(ctx, call{
		op:     "request_otp",
		method: http.MethodPost,
		path:   "/auth/otp/request",
		body:   map[string]string{"phone": phone},
	})
	if err != nil {
		return OTPRequest{}, err
	}

	out := OTPRequest{Message: resp.message}
	if len(resp.data) > 0 {
		var data struct {
			Code    flexString `json:"code"`
			Message string     `json:"message"`
		}
		// The echoed code is optional; unreadable data is ignored.
		if err := json.Unmarshal(resp.data, &data); err == nil {
			out.Code = string(data.Code)
			if out.Message == "" {
				out.Message = c.sanitize(data.Message)
			}
		}
	}
	return out, nil
}

// VerifyOTP exchanges phone and code for a session for role.
func (c *Client) VerifyOTP(ctx context.Context, phone, code string, role session.Role) (VerifyResult, error) {
	resp, err := c.do(ctx, call{
		op:     "verify_otp",
		method: http.MethodPost,
		path:   "/auth/otp/verify",
		body: map[string]string{
			"phone": phone,
			"code":  code,
			"role":  string(role),
		},
	})
	if err != nil {
		return VerifyResult{}, err
	}

	var data struct {
		Token   string       `json:"token"`
		User    session.User `json:"user"`
		Message string       `json:"message"`
	}
	if err := decodeData(resp, &data); err != nil {
		return VerifyResult{}, err
	}
	if data.Token == "" {
		return VerifyResult{}, apperr.BadResponse(resp.status, errors.New("verification response has no token"))
	}

	msg := resp.message
	if msg == "" {
		msg = c.sanitize(data.Message)
	}
	return VerifyResult{
		Session: session.Session{Token: data.Token, User: data.User},
		Message: msg,
	}, nil
}

// FetchUser returns the user behind token. A network failure is retried once.
func (c *Client) FetchUser(ctx context.Context, token string) (session.User, error) {
	user, err := c.fetchUser(ctx, token)
	if err != nil && apperr.Retryable(err) && ctx.Err() == nil {
		c.logger.Info("retrying user fetch after network error")
		user, err = c.fetchUser(ctx, token)
	}
	return user, err
}

func (c *Client) fetchUser(ctx context.Context, token string) (session.User, error) {
	resp, err := c.do(ctx, call{
		op:     "fetch_user",
		method: http.MethodGet,
		path:   "/auth/user",
		token:  token,
	})
	if err != nil {
		return session.User{}, err
	}
	var user session.User
	if err := decodeData(resp, &user); err != nil {
		return session.User{}, err
	}
	return user, nil
}

var _ session.UserFetcher = (*Client)(nil)

package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/jmcleod/nobat/apperr"
)

// Gateway redirect statuses.
const (
	PaymentStatusOK  = "OK"
	PaymentStatusNOK = "NOK"
)

// PaymentResult is the backend's verdict on a gateway redirect.
type PaymentResult struct {
	Success bool   `json:"success"`
	RefID   string `json:"ref_id,omitempty"`
	Message string `json:"message,omitempty"`
}

// PaymentCallback forwards the gateway's Authority and Status parameters to
// the backend for verification. A declined payment is a result, not an error.
func (c *Client) PaymentCallback(ctx context.Context, authority, status string) (PaymentResult, error) {
	authority = strings.TrimSpace(authority)
	status = strings.ToUpper(strings.TrimSpace(status))
	if authority == "" || (status != PaymentStatusOK && status != PaymentStatusNOK) {
		return PaymentResult{}, apperr.InvalidCallback()
	}

	resp, err := c.do(ctx, call{
		op:           "payment_callback",
		method:       http.MethodPost,
		path:         "/payment/callback",
		body:         map[string]string{"authority": authority, "status": status},
		allowFailure: true,
	})
	if err != nil {
		return PaymentResult{}, err
	}

	var top struct {
		RefID flexString `json:"ref_id"`
	}
	if err := json.Unmarshal(resp.raw, &top); err != nil {
		return PaymentResult{}, apperr.BadResponse(resp.status, err)
	}
	refID := string(top.RefID)
	if refID == "" && len(resp.data) > 0 {
		var data struct {
			RefID flexString `json:"ref_id"`
		}
		if err := json.Unmarshal(resp.data, &data); err == nil {
			refID = string(data.RefID)
		}
	}
	return PaymentResult{
		Success: resp.success,
		RefID:   refID,
		Message: resp.message,
	}, nil
}

package otp

import (
	"fmt"

	"github.com/jmcleod/nobat/session"
)

// Step is the form step the challenge is in.
type Step int

const (
	StepPhoneEntry Step = iota
	StepOTPSent
)

func (s Step) String() string {
	switch s {
	case StepPhoneEntry:
		return "phone_entry"
	case StepOTPSent:
		return "otp_sent"
	default:
		return "unknown"
	}
}

func (s Step) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Step) UnmarshalText(text []byte) error {
	switch string(text) {
	case "phone_entry":
		*s = StepPhoneEntry
	case "otp_sent":
		*s = StepOTPSent
	default:
		return fmt.Errorf("unknown otp step %q", text)
	}
	return nil
}

// Snapshot is the observable state of one challenge.
type Snapshot struct {
	Role               session.Role `json:"role"`
	Phone              string       `json:"phone"`
	Step               Step         `json:"step"`
	IsSent             bool         `json:"is_sent"`
	SecondsRemaining   int          `json:"seconds_remaining"`
	CanResend          bool         `json:"can_resend"`
	Busy               bool         `json:"busy"`
	LastError          string       `json:"last_error,omitempty"`
	LastSuccessMessage string       `json:"last_success_message,omitempty"`
	// DevCode is only populated when development codes are enabled.
	DevCode string `json:"dev_code,omitempty"`
}

package backend

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/jmcleod/nobat/apperr"
	"github.com/jmcleod/nobat/internal/util"
	"github.com/jmcleod/nobat/session"
)

const (
	GenderMale   = "male"
	GenderFemale = "female"
)

// ProfileFields is a patient profile edit. Empty fields are left unchanged.
type ProfileFields struct {
	Name         string `json:"name,omitempty"`
	NationalCode string `json:"national_code,omitempty"`
	BirthYear    string `json:"birth_year,omitempty"`
	Gender       string `json:"gender,omitempty"`
}

// Normalize folds digits and trims every field.
func (f ProfileFields) Normalize() ProfileFields {
	return ProfileFields{
		Name:         strings.TrimSpace(f.Name),
		NationalCode: util.FoldDigits(f.NationalCode),
		BirthYear:    util.FoldDigits(f.BirthYear),
		Gender:       strings.ToLower(strings.TrimSpace(f.Gender)),
	}
}

// Validate checks a normalized edit.
func (f ProfileFields) Validate() error {
	if f == (ProfileFields{}) {
		return apperr.InvalidProfile("هیچ فیلدی برای ویرایش ارسال نشده است.")
	}
	if f.NationalCode != "" && (len(f.NationalCode) != 10 || !util.IsDigits(f.NationalCode)) {
		return apperr.InvalidProfile("کد ملی باید ۱۰ رقم باشد.")
	}
	if f.BirthYear != "" {
		year, err := strconv.Atoi(f.BirthYear)
		if err != nil || len(f.BirthYear) != 4 || year < 1300 || year > 1500 {
			return apperr.InvalidProfile("سال تولد باید یک سال شمسی چهار رقمی باشد.")
		}
	}
	if f.Gender != "" && f.Gender != GenderMale && f.Gender != GenderFemale {
		return apperr.InvalidProfile("جنسیت معتبر نیست.")
	}
	return nil
}

// ProfileUpdate is the backend's view of the patient after an edit.
type ProfileUpdate struct {
	User         session.User `json:"user"`
	NationalCode string       `json:"national_code"`
	BirthYear    flexString   `json:"birth_year"`
	Gender       string       `json:"gender"`
}

// Apply merges the update into current and returns the new user.
func (p ProfileUpdate) Apply(current session.User) session.User {
	related := map[string]any{}
	if p.NationalCode != "" {
		related["national_code"] = p.NationalCode
	}
	if p.BirthYear != "" {
		related["birth_year"] = string(p.BirthYear)
	}
	if p.Gender != "" {
		related["gender"] = p.Gender
	}
	next := current.Merge(p.User)
	return next.Merge(session.User{RelatedData: related})
}

// UpdatePatientProfile writes fields to the backend for the patient behind
// token. Fields are normalized and validated first.
func (c *Client) UpdatePatientProfile(ctx context.Context, token string, fields ProfileFields) (ProfileUpdate, error) {
	fields = fields.Normalize()
	if err := fields.Validate(); err != nil {
		return ProfileUpdate{}, err
	}
	resp, err := c.do(ctx, call{
		op:     "update_profile",
		method: http.MethodPut,
		path:   "/patient/profile",
		token:  token,
		body:   fields,
	})
	if err != nil {
		return ProfileUpdate{}, err
	}
	var out ProfileUpdate
	if err := decodeData(resp, &out); err != nil {
		return ProfileUpdate{}, err
	}
	return out, nil
}

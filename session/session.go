// Package session owns "who is logged in": the persisted session store with
// typed change subscriptions, the provider that hydrates and resolves it, and
// the role guard that gates panel views.
package session

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"strconv"
	"strings"
)

// Role determines which panel a session may access.
type Role string

const (
	RoleUnknown   Role = ""
	RolePatient   Role = "patient"
	RoleDoctor    Role = "doctor"
	RoleSecretary Role = "secretary"
)

// ParseRole maps s case-insensitively onto a known role, or RoleUnknown.
func ParseRole(s string) Role {
	switch r := Role(strings.ToLower(strings.TrimSpace(s))); r {
	case RolePatient, RoleDoctor, RoleSecretary:
		return r
	default:
		return RoleUnknown
	}
}

// Known reports whether r is patient, doctor or secretary in any case.
func (r Role) Known() bool {
	return ParseRole(string(r)) != RoleUnknown
}

// Equal compares roles case-insensitively.
func (r Role) Equal(other Role) bool {
	return strings.EqualFold(strings.TrimSpace(string(r)), strings.TrimSpace(string(other)))
}

// UserID accepts both JSON strings and JSON numbers.
type UserID string

func (id *UserID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = UserID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("user id must be a string or number: %w", err)
	}
	if _, err := strconv.ParseFloat(n.String(), 64); err != nil {
		return fmt.Errorf("user id must be a string or number: %w", err)
	}
	*id = UserID(n.String())
	return nil
}

// User is the account record returned by the backend.
type User struct {
	ID    UserID `json:"id,omitempty"`
	Name  string `json:"name,omitempty"`
	Phone string `json:"phone,omitempty"`
	Role  Role   `json:"role,omitempty"`
	// RelatedData holds opaque profile fields (national code, birth year,
	// gender, specialty, ...).
	RelatedData map[string]any `json:"related_data,omitempty"`
}

// IsZero reports whether u carries no data at all.
func (u User) IsZero() bool {
	return u.ID == "" && u.Name == "" && u.Phone == "" && u.Role == "" && len(u.RelatedData) == 0
}

// Clone returns a copy of u whose RelatedData map can be mutated freely.
func (u User) Clone() User {
	u.RelatedData = maps.Clone(u.RelatedData)
	return u
}

// Merge returns u overlaid with the non-empty fields of partial. Related
// data is merged key by key.
func (u User) Merge(partial User) User {
	out := u.Clone()
	if partial.ID != "" {
		out.ID = partial.ID
	}
	if partial.Name != "" {
		out.Name = partial.Name
	}
	if partial.Phone != "" {
		out.Phone = partial.Phone
	}
	if partial.Role != "" {
		out.Role = partial.Role
	}
	if len(partial.RelatedData) > 0 {
		if out.RelatedData == nil {
			out.RelatedData = make(map[string]any, len(partial.RelatedData))
		}
		maps.Copy(out.RelatedData, partial.RelatedData)
	}
	return out
}

// Session pairs a bearer token with the user it belongs to.
type Session struct {
	Token string `json:"token"`
	User  User   `json:"user"`
}

// Complete reports whether s is authoritative: both token and role are set.
// An incomplete session must be resolved against the backend first.
func (s Session) Complete() bool {
	return s.Token != "" && strings.TrimSpace(string(s.User.Role)) != ""
}

// Clone returns a deep copy of s.
func (s Session) Clone() Session {
	s.User = s.User.Clone()
	return s
}

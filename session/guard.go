package session

import "strings"

// Outcome is the kind of decision the role guard makes.
type Outcome int

const (
	OutcomeAllow Outcome = iota
	OutcomeRedirect
	OutcomeLoading
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAllow:
		return "allow"
	case OutcomeRedirect:
		return "redirect"
	case OutcomeLoading:
		return "loading"
	default:
		return "unknown"
	}
}

func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// Decision is the result of Authorize. Path is set for redirects only.
type Decision struct {
	Outcome Outcome `json:"outcome"`
	Path    string  `json:"path,omitempty"`
}

// Routes maps roles to login entry points and panels.
type Routes struct {
	LoginPaths map[Role]string
	PanelPaths map[Role]string
	// Fallback is used for roles without a panel.
	Fallback string
}

// DefaultRoutes returns the routes used by the web client.
func DefaultRoutes() Routes {
	return Routes{
		LoginPaths: map[Role]string{
			RolePatient:   "/login/patient",
			RoleDoctor:    "/login/doctor",
			RoleSecretary: "/login/secretary",
		},
		PanelPaths: map[Role]string{
			RolePatient:   "/patient/panel",
			RoleDoctor:    "/doctor/panel",
			RoleSecretary: "/secretary/panel",
		},
		Fallback: "/",
	}
}

// Login returns the login entry point for role.
func (r Routes) Login(role Role) string {
	if p, ok := r.LoginPaths[ParseRole(string(role))]; ok {
		return p
	}
	if role := strings.ToLower(strings.TrimSpace(string(role))); role != "" {
		return "/login/" + role
	}
	return r.fallback()
}

// Panel returns the panel path for role, or the fallback for roles without one.
func (r Routes) Panel(role Role) string {
	if p, ok := r.PanelPaths[ParseRole(string(role))]; ok {
		return p
	}
	return r.fallback()
}

func (r Routes) fallback() string {
	if r.Fallback == "" {
		return "/"
	}
	return r.Fallback
}

// Authorize decides whether a view that needs required may be shown for
// state. Roles are compared case-insensitively; a session holding another
// role is sent to that role's own panel.
func Authorize(state State, required Role, routes Routes) Decision {
	switch state.Status {
	case StatusLoading:
		return Decision{Outcome: OutcomeLoading}
	case StatusAuthenticated:
		if state.Session == nil {
			return Decision{Outcome: OutcomeRedirect, Path: routes.Login(required)}
		}
	default:
		return Decision{Outcome: OutcomeRedirect, Path: routes.Login(required)}
	}

	actual := state.Session.User.Role
	if !actual.Equal(required) {
		return Decision{Outcome: OutcomeRedirect, Path: routes.Panel(actual)}
	}
	return Decision{Outcome: OutcomeAllow}
}

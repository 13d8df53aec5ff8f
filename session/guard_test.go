package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAuthorize(t *testing.T) {
	routes := DefaultRoutes()
	doctor := doctorSession()
	odd := Session{Token: "t", User: User{Role: "admin"}}

	tests := []struct {
		name     string
		state    State
		required Role
		want     Decision
	}{
		{"loading", State{Status: StatusLoading}, RolePatient, Decision{Outcome: OutcomeLoading}},
		{"anonymous", State{Status: StatusAnonymous}, RolePatient, Decision{Outcome: OutcomeRedirect, Path: "/login/patient"}},
		{"unverified", State{Status: StatusUnverified, Session: &Session{Token: "t"}}, RoleDoctor, Decision{Outcome: OutcomeRedirect, Path: "/login/doctor"}},
		{"match", State{Status: StatusAuthenticated, Session: &doctor}, RoleDoctor, Decision{Outcome: OutcomeAllow}},
		{"match ignores case", State{Status: StatusAuthenticated, Session: &doctor}, "DOCTOR", Decision{Outcome: OutcomeAllow}},
		{"other role goes to its panel", State{Status: StatusAuthenticated, Session: &doctor}, RolePatient, Decision{Outcome: OutcomeRedirect, Path: "/doctor/panel"}},
		{"unknown role goes to fallback", State{Status: StatusAuthenticated, Session: &odd}, RolePatient, Decision{Outcome: OutcomeRedirect, Path: "/"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Authorize(tt.state, tt.required, routes))
		})
	}
}

func TestRoutesFallback(t *testing.T) {
	routes := Routes{Fallback: "/home"}
	assert.Equal(t, "/home", routes.Panel(RoleDoctor))
	assert.Equal(t, "/login/doctor", routes.Login("Doctor"))
	assert.Equal(t, "/home", routes.Login(RoleUnknown))
	assert.Equal(t, "/", Routes{}.Panel("nurse"))
}

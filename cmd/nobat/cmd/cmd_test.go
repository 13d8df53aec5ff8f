package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/nobat/apperr"
	"github.com/jmcleod/nobat/backend"
	"github.com/jmcleod/nobat/otp"
	"github.com/jmcleod/nobat/session"
	"github.com/jmcleod/nobat/storage"
	"github.com/jmcleod/nobat/storage/memory"
)

func newFakePlatform(t *testing.T) *backend.Client {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/otp/request", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"success":true,"message":"کد ارسال شد","data":{"code":"777111"}}`)
	})
	mux.HandleFunc("POST /auth/otp/verify", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["code"] != "777111" {
			io.WriteString(w, `{"success":false,"message":"کد تأیید نامعتبر است."}`)
			return
		}
		io.WriteString(w, `{"success":true,"data":{"token":"tok","user":{"id":5,"role":"`+body["role"]+`"}}}`)
	})
	mux.HandleFunc("PUT /patient/profile", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"success":true,"data":{"user":{"name":"مریم"},"gender":"female"}}`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	client, err := backend.New(srv.URL)
	require.NoError(t, err)
	return client
}

func newLocalStore(t *testing.T) *session.Store {
	t.Helper()
	sealer, err := storage.NewSealer([]byte("cmd-test-secret-0123456"), sealerPurpose)
	require.NoError(t, err)
	return session.NewStore(memory.NewRepository(), sealer, localNamespace)
}

func TestRunLogin(t *testing.T) {
	client := newFakePlatform(t)
	store := newLocalStore(t)
	eng := otp.New(session.RoleDoctor, client, store, otp.WithDevCodes(true))
	defer eng.Close()

	in := strings.NewReader("12\n09123456789\nr\n000000\nb\n09123456789\n777111\n")
	var out bytes.Buffer
	path, err := runLogin(context.Background(), in, &out, eng, "")
	require.NoError(t, err)
	assert.Equal(t, "/doctor/panel", path)

	text := out.String()
	assert.Contains(t, text, "Development code: 777111")
	assert.Contains(t, text, "تا پایان زمان شمارش معکوس صبر کنید.")
	assert.Contains(t, text, "کد تأیید نامعتبر است.")
	assert.Contains(t, text, "resend in ")

	sess, err := store.Load()
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, session.RoleDoctor, sess.User.Role)
}

func TestRunLoginEndOfInput(t *testing.T) {
	client := newFakePlatform(t)
	eng := otp.New(session.RolePatient, client, newLocalStore(t))
	defer eng.Close()

	_, err := runLogin(context.Background(), strings.NewReader(""), io.Discard, eng, "09123456789")
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, otp.StepOTPSent, eng.Snapshot().Step)
}

func TestUpdateProfile(t *testing.T) {
	client := newFakePlatform(t)
	store := newLocalStore(t)
	p := session.NewProvider(store, client)
	defer p.Close()

	err := updateProfile(context.Background(), client, p, p.Hydrate(context.Background()), backend.ProfileFields{Name: "x"})
	assert.ErrorIs(t, err, apperr.NoSession())

	require.NoError(t, store.Save(session.Session{Token: "tok", User: session.User{ID: "5", Role: session.RolePatient, Phone: "09123456789"}}))
	state := p.State()
	require.Equal(t, session.StatusAuthenticated, state.Status)

	require.NoError(t, updateProfile(context.Background(), client, p, state, backend.ProfileFields{Name: "مریم", Gender: "female"}))
	sess, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, "مریم", sess.User.Name)
	assert.Equal(t, "09123456789", sess.User.Phone)
	assert.Equal(t, "female", sess.User.RelatedData["gender"])
}

func TestPrintDecision(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, printDecision(&out, session.RolePatient, session.Decision{Outcome: session.OutcomeRedirect, Path: "/doctor/panel"}))
	assert.Equal(t, "[REDIRECT] patient panel -> /doctor/panel\n", out.String())

	jsonOutput = true
	defer func() { jsonOutput = false }()
	out.Reset()
	require.NoError(t, printDecision(&out, session.RoleDoctor, session.Decision{Outcome: session.OutcomeAllow}))
	assert.JSONEq(t, `{"role":"doctor","outcome":"allow"}`, out.String())
}

func TestPrintSessionHidesToken(t *testing.T) {
	var out bytes.Buffer
	jsonOutput = true
	defer func() { jsonOutput = false }()
	state := session.State{
		Status:  session.StatusAuthenticated,
		Session: &session.Session{Token: "secret-token", User: session.User{Role: session.RoleSecretary}},
	}
	require.NoError(t, printSession(&out, state))
	assert.NotContains(t, out.String(), "secret-token")
	assert.Contains(t, out.String(), `"status": "authenticated"`)
}

func TestPrintPayment(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, printPayment(&out, backend.PaymentResult{Success: true, RefID: "R1", Message: "ok"}))
	assert.Equal(t, "Payment confirmed (ref R1)\nok\n", out.String())
}

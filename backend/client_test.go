package backend

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/nobat/apperr"
	"github.com/jmcleod/nobat/internal/metrics"
	"github.com/jmcleod/nobat/session"
)

func newTestClient(t *testing.T, handler http.HandlerFunc, opts ...Option) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := New(srv.URL, opts...)
	require.NoError(t, err)
	return c
}

func writeBody(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

type recordingMetrics struct {
	metrics.Nop
	mu    sync.Mutex
	calls []string
}

func (r *recordingMetrics) RecordBackendCall(op, result string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, op+":"+result)
}

func TestNewRejectsBadURL(t *testing.T) {
	_, err := New("ftp://example.com")
	assert.Error(t, err)
	_, err = New("://nope")
	assert.Error(t, err)
}

func TestRequestOTP(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/auth/otp/request", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "09123456789", body["phone"])
		writeBody(w, http.StatusOK, `{"success":true,"message":"کد ارسال شد","data":{"code":482913}}`)
	})

	out, err := c.RequestOTP(context.Background(), "09123456789")
	require.NoError(t, err)
	assert.Equal(t, "482913", out.Code)
	assert.Equal(t, "کد ارسال شد", out.Message)
}

func TestRequestOTPWithoutData(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeBody(w, http.StatusOK, `{"success":true}`)
	})
	out, err := c.RequestOTP(context.Background(), "09123456789")
	require.NoError(t, err)
	assert.Empty(t, out.Code)
	assert.Empty(t, out.Message)
}

func TestVerifyOTPRejected(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeBody(w, http.StatusOK, `{"success":false,"message":"کد تأیید نامعتبر است."}`)
	})

	_, err := c.VerifyOTP(context.Background(), "09123456789", "482913", session.RoleDoctor)
	require.Error(t, err)
	assert.Equal(t, apperr.KindServer, apperr.KindOf(err))
	assert.Equal(t, "کد تأیید نامعتبر است.", apperr.UserMessage(err))
}

func TestVerifyOTPAccepted(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "doctor", body["role"])
		assert.Equal(t, "482913", body["code"])
		writeBody(w, http.StatusOK, `{"success":true,"data":{"token":"abc","user":{"id":5,"role":"doctor","phone":"09123456789"},"message":"خوش آمدید"}}`)
	})

	res, err := c.VerifyOTP(context.Background(), "09123456789", "482913", session.RoleDoctor)
	require.NoError(t, err)
	assert.Equal(t, "abc", res.Session.Token)
	assert.Equal(t, session.RoleDoctor, res.Session.User.Role)
	assert.Equal(t, session.UserID("5"), res.Session.User.ID)
	assert.Equal(t, "خوش آمدید", res.Message)
}

func TestVerifyOTPWithoutToken(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeBody(w, http.StatusOK, `{"success":true,"data":{"user":{"role":"doctor"}}}`)
	})
	_, err := c.VerifyOTP(context.Background(), "09123456789", "1", session.RoleDoctor)
	assert.ErrorIs(t, err, &apperr.Error{Kind: apperr.KindServer, Code: apperr.CodeBadResponse})
}

func TestServerMessageIsSanitized(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeBody(w, http.StatusBadRequest, `{"success":false,"message":"<script>alert(1)</script><b>شماره نامعتبر</b>"}`)
	})
	_, err := c.RequestOTP(context.Background(), "09123456789")
	e, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusBadRequest, e.Status)
	assert.Equal(t, "شماره نامعتبر", e.Message)
}

func TestServerMessageKeepsPlainTextPunctuation(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeBody(w, http.StatusConflict, `{"success":false,"message":"Dr. O'Neil & \"Co\" is busy"}`)
	})
	_, err := c.RequestOTP(context.Background(), "09123456789")
	e, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, `Dr. O'Neil & "Co" is busy`, e.Message)
	assert.NotContains(t, e.Message, "&#")
	assert.NotContains(t, e.Message, "&amp;")
}

func TestUnencodableRequestIsInternal(t *testing.T) {
	var hits atomic.Int32
	rec := &recordingMetrics{}
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}, WithMetrics(rec))
	_, err := c.do(context.Background(), call{op: "bogus", method: http.MethodPost, path: "/x", body: make(chan int)})
	require.Error(t, err)
	assert.Equal(t, apperr.KindInternal, apperr.KindOf(err))
	assert.ErrorIs(t, err, &apperr.Error{Kind: apperr.KindInternal, Code: apperr.CodeInternal})
	assert.Equal(t, apperr.ServerFallbackMessage, apperr.UserMessage(err))
	assert.Zero(t, hits.Load())
	assert.Equal(t, []string{"bogus:internal"}, rec.calls)
}

func TestUnbuildableRequestIsInternal(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {})
	_, err := c.do(context.Background(), call{op: "bogus", method: "BAD METHOD", path: "/x"})
	require.Error(t, err)
	assert.Equal(t, apperr.KindInternal, apperr.KindOf(err))
}

func TestErrorStatusWithoutBodyUsesFallback(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	_, err := c.RequestOTP(context.Background(), "09123456789")
	e, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.KindServer, e.Kind)
	assert.Equal(t, apperr.ServerFallbackMessage, e.Message)
}

func TestMalformedResponseIsBadResponse(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeBody(w, http.StatusOK, `<html>gateway</html>`)
	})
	_, err := c.FetchUser(context.Background(), "t")
	assert.ErrorIs(t, err, &apperr.Error{Kind: apperr.KindServer, Code: apperr.CodeBadResponse})
}

func TestTransportFailureIsNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c, err := New(url)
	require.NoError(t, err)
	_, err = c.RequestOTP(context.Background(), "09123456789")
	assert.Equal(t, apperr.KindNetwork, apperr.KindOf(err))
	assert.True(t, apperr.Retryable(err))
	assert.NotContains(t, apperr.UserMessage(err), "connection refused")
}

func TestTimeout(t *testing.T) {
	release := make(chan struct{})
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}, WithTimeout(50*time.Millisecond))
	defer close(release)

	_, err := c.RequestOTP(context.Background(), "09123456789")
	assert.ErrorIs(t, err, &apperr.Error{Kind: apperr.KindNetwork, Code: apperr.CodeTimeout})
}

func TestFetchUserSendsBearerAndRetriesOnce(t *testing.T) {
	var attempts atomic.Int32
	transport := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "/api/auth/user", r.URL.Path)
		if attempts.Add(1) == 1 {
			return nil, errors.New("connection reset by peer")
		}
		return &http.Response{
			StatusCode: http.StatusOK,
			Header:     http.Header{"Content-Type": []string{"application/json"}},
			Body:       io.NopCloser(strings.NewReader(`{"success":true,"data":{"id":"u1","role":"patient"}}`)),
		}, nil
	})
	rec := &recordingMetrics{}
	c, err := New("https://backend.test/api/", WithHTTPClient(&http.Client{Transport: transport}), WithMetrics(rec))
	require.NoError(t, err)

	user, err := c.FetchUser(context.Background(), "tok")
	require.NoError(t, err)
	assert.Equal(t, session.RolePatient, user.Role)
	assert.Equal(t, int32(2), attempts.Load())
	assert.Equal(t, []string{"fetch_user:network", "fetch_user:ok"}, rec.calls)
}

func TestFetchUserDoesNotRetryServerErrors(t *testing.T) {
	var attempts atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		writeBody(w, http.StatusUnauthorized, `{"success":false,"message":"توکن نامعتبر"}`)
	})
	_, err := c.FetchUser(context.Background(), "tok")
	assert.Equal(t, apperr.KindServer, apperr.KindOf(err))
	assert.Equal(t, int32(1), attempts.Load())
}

func TestRateLimitHonorsContext(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeBody(w, http.StatusOK, `{"success":true}`)
	}, WithRateLimit(0.001, 1))

	_, err := c.RequestOTP(context.Background(), "09123456789")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = c.RequestOTP(ctx, "09123456789")
	assert.Equal(t, apperr.KindNetwork, apperr.KindOf(err))
}

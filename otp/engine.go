// Package otp implements the two-step phone/OTP login form: phone entry,
// code entry with a resend countdown, and the hand-off of the verified
// session to the session store.
package otp

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/jmcleod/nobat/apperr"
	"github.com/jmcleod/nobat/backend"
	"github.com/jmcleod/nobat/internal/metrics"
	"github.com/jmcleod/nobat/internal/util"
	"github.com/jmcleod/nobat/session"
)

const (
	// CountdownSeconds is the wait before a code may be resent.
	CountdownSeconds = 120
	// DevCodeLength is the length of locally generated display codes.
	DevCodeLength = 6

	msgCodeSent  = "کد تأیید ارسال شد."
	msgLoggedIn  = "ورود با موفقیت انجام شد."
	tickInterval = time.Second
)

var phonePattern = regexp.MustCompile(`^0[0-9]{10}$`)

var (
	// ErrBusy is returned while another call of the same engine is in flight.
	ErrBusy = errors.New("otp: request already in flight")
	// ErrResendNotAllowed is returned before the countdown has reached zero.
	ErrResendNotAllowed = errors.New("otp: resend not allowed yet")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("otp: engine closed")
	// ErrAbandoned is returned when the challenge was reset while a call was
	// in flight. The call's result has been discarded.
	ErrAbandoned = errors.New("otp: challenge reset while request was in flight")
)

// Backend is the subset of the REST client the engine needs.
type Backend interface {
	RequestOTP(ctx context.Context, phone string) (backend.OTPRequest, error)
	VerifyOTP(ctx context.Context, phone, code string, role session.Role) (backend.VerifyResult, error)
}

// SessionSaver persists a verified session.
type SessionSaver interface {
	Save(sess session.Session) error
}

// Navigator is called with the panel path after a successful login.
type Navigator func(path string)

// Engine drives one login form for one role. It is safe for concurrent use;
// at most one backend call is in flight at a time.
type Engine struct {
	role        session.Role
	backend     Backend
	store       SessionSaver
	routes      session.Routes
	navigate    Navigator
	logger      *slog.Logger
	metrics     metrics.Recorder
	listeners   []func(Snapshot)
	devCodes    bool
	devFallback bool
	newTicker   func(time.Duration) Ticker

	mu      sync.Mutex
	snap    Snapshot
	lastErr error
	epoch   uint64
	stop    chan struct{}
	closed  bool
	wg      sync.WaitGroup
}

// Option configures an Engine.
type Option func(*Engine)

// OnChange registers fn to receive a snapshot after every state change.
// fn runs on the goroutine that made the change and must not call back into
// the engine.
func OnChange(fn func(Snapshot)) Option {
	return func(e *Engine) {
		e.listeners = append(e.listeners, fn)
	}
}

// WithDevCodes surfaces codes echoed by a development backend.
func WithDevCodes(enabled bool) Option {
	return func(e *Engine) {
		e.devCodes = enabled
	}
}

// WithDevFallback generates a local display code when dev codes are enabled
// and the backend echoes none.
func WithDevFallback(enabled bool) Option {
	return func(e *Engine) {
		e.devFallback = enabled
	}
}

// WithRoutes sets the panel routes used after login.
func WithRoutes(routes session.Routes) Option {
	return func(e *Engine) {
		e.routes = routes
	}
}

// WithNavigator sets the navigation callback.
func WithNavigator(n Navigator) Option {
	return func(e *Engine) {
		e.navigate = n
	}
}

// WithLogger sets the engine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithMetrics records request and verification outcomes.
func WithMetrics(m metrics.Recorder) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// New creates an engine in the phone entry step.
func New(role session.Role, be Backend, store SessionSaver, opts ...Option) *Engine {
	e := &Engine{
		role:      role,
		backend:   be,
		store:     store,
		routes:    session.DefaultRoutes(),
		navigate:  func(string) {},
		metrics:   metrics.Nop{},
		newTicker: newRealTicker,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	e.logger = e.logger.With("component", "otp_engine", "role", string(role))
	e.snap = Snapshot{Role: role, Step: StepPhoneEntry}
	return e
}

// Role returns the role this engine logs into.
func (e *Engine) Role() session.Role {
	return e.role
}

// Snapshot returns the current challenge state.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snap
}

// Err returns the error behind Snapshot.LastError.
func (e *Engine) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastErr
}

func (e *Engine) emit(s Snapshot) {
	for _, fn := range e.listeners {
		fn(s)
	}
}

// beginLocked marks the engine busy and returns the epoch the call belongs to.
func (e *Engine) beginLocked() uint64 {
	e.snap.Busy = true
	e.snap.LastError = ""
	e.lastErr = nil
	return e.epoch
}

func (e *Engine) checkLocked() error {
	if e.closed {
		return ErrClosed
	}
	if e.snap.Busy {
		return ErrBusy
	}
	return nil
}

// failLocked surfaces err without leaving the current step.
func (e *Engine) failLocked(err error) Snapshot {
	e.snap.Busy = false
	e.lastErr = err
	e.snap.LastError = apperr.UserMessage(err)
	return e.snap
}

// staleLocked reports whether a call started at epoch must be discarded.
func (e *Engine) staleLocked(epoch uint64) bool {
	return e.closed || e.epoch != epoch
}

// SubmitPhone validates phone and asks the backend to send a code. On
// success the engine moves to the code entry step and starts the countdown.
// Once a code is sent it returns ErrResendNotAllowed until BackToPhoneEntry.
func (e *Engine) SubmitPhone(ctx context.Context, phone string) error {
	normalized := util.FoldDigits(phone)

	e.mu.Lock()
	if err := e.checkLocked(); err != nil {
		e.mu.Unlock()
		return err
	}
	// A sent code keeps its phone number; a new code goes through Resend.
	if e.snap.Step == StepOTPSent {
		e.mu.Unlock()
		return ErrResendNotAllowed
	}
	if !phonePattern.MatchString(normalized) {
		e.snap.Phone = normalized
		err := apperr.InvalidPhone()
		snap := e.failLocked(err)
		e.mu.Unlock()
		e.emit(snap)
		return err
	}
	epoch := e.beginLocked()
	e.snap.Phone = normalized
	snap := e.snap
	e.mu.Unlock()
	e.emit(snap)

	res, err := e.backend.RequestOTP(ctx, normalized)
	return e.finishRequest(epoch, res, err, false)
}

// Resend re-issues the code. It is allowed only once the countdown reached
// zero.
func (e *Engine) Resend(ctx context.Context) error {
	e.mu.Lock()
	if err := e.checkLocked(); err != nil {
		e.mu.Unlock()
		return err
	}
	if e.snap.Step != StepOTPSent || !e.snap.CanResend {
		e.mu.Unlock()
		return ErrResendNotAllowed
	}
	epoch := e.beginLocked()
	phone := e.snap.Phone
	snap := e.snap
	e.mu.Unlock()
	e.emit(snap)

	res, err := e.backend.RequestOTP(ctx, phone)
	return e.finishRequest(epoch, res, err, true)
}

func (e *Engine) finishRequest(epoch uint64, res backend.OTPRequest, err error, resend bool) error {
	e.mu.Lock()
	if e.staleLocked(epoch) {
		e.mu.Unlock()
		return ErrAbandoned
	}
	if err != nil {
		snap := e.failLocked(err)
		e.mu.Unlock()
		e.metrics.RecordOTPRequest(apperr.KindOf(err).String())
		e.logger.Warn("otp request failed",
			slog.Bool("resend", resend),
			slog.String("error", err.Error()),
		)
		e.emit(snap)
		return err
	}

	msg := res.Message
	if msg == "" {
		msg = msgCodeSent
	}
	e.snap.Busy = false
	e.snap.Step = StepOTPSent
	e.snap.IsSent = true
	e.snap.SecondsRemaining = CountdownSeconds
	e.snap.CanResend = false
	e.snap.LastSuccessMessage = msg
	e.snap.DevCode = e.devCode(res.Code)
	e.startCountdownLocked()
	snap := e.snap
	e.mu.Unlock()

	e.metrics.RecordOTPRequest("ok")
	e.logger.Info("otp requested", slog.Bool("resend", resend))
	e.emit(snap)
	return nil
}

// SubmitOTP verifies code. On success the session is saved, the engine
// returns to phone entry and the navigator receives the panel path, which is
// also returned. On failure the engine stays on the code entry step.
func (e *Engine) SubmitOTP(ctx context.Context, code string) (string, error) {
	code = util.FoldDigits(code)

	e.mu.Lock()
	if err := e.checkLocked(); err != nil {
		e.mu.Unlock()
		return "", err
	}
	var invalid error
	switch {
	case e.snap.Step != StepOTPSent:
		invalid = apperr.NotSent()
	case code == "":
		invalid = apperr.EmptyCode()
	case !util.IsDigits(code):
		invalid = apperr.InvalidCode()
	}
	if invalid != nil {
		snap := e.failLocked(invalid)
		e.mu.Unlock()
		e.emit(snap)
		return "", invalid
	}
	epoch := e.beginLocked()
	phone := e.snap.Phone
	snap := e.snap
	e.mu.Unlock()
	e.emit(snap)

	res, err := e.backend.VerifyOTP(ctx, phone, code, e.role)

	e.mu.Lock()
	if e.staleLocked(epoch) {
		e.mu.Unlock()
		return "", ErrAbandoned
	}
	if err != nil {
		snap := e.failLocked(err)
		e.mu.Unlock()
		e.metrics.RecordOTPVerify(apperr.KindOf(err).String())
		e.logger.Warn("otp verification failed", slog.String("error", err.Error()))
		e.emit(snap)
		return "", err
	}
	e.mu.Unlock()

	// Still busy: the store broadcasts synchronously and must not observe a
	// half-finished engine.
	if err := e.store.Save(res.Session); err != nil {
		e.mu.Lock()
		snap := e.failLocked(err)
		e.mu.Unlock()
		e.logger.Error("failed to persist session", slog.String("error", err.Error()))
		e.emit(snap)
		return "", err
	}

	role := res.Session.User.Role
	if role == session.RoleUnknown {
		role = e.role
	}
	path := e.routes.Panel(role)

	msg := res.Message
	if msg == "" {
		msg = msgLoggedIn
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return path, nil
	}
	e.resetLocked()
	e.snap.LastSuccessMessage = msg
	snap = e.snap
	e.mu.Unlock()

	e.metrics.RecordOTPVerify("ok")
	e.logger.Info("otp verified", slog.String("session_role", string(role)))
	e.emit(snap)
	e.navigate(path)
	return path, nil
}

// BackToPhoneEntry abandons the current code and returns to phone entry.
// The phone number is kept for editing.
func (e *Engine) BackToPhoneEntry() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.resetLocked()
	snap := e.snap
	e.mu.Unlock()
	e.emit(snap)
}

// resetLocked discards code, messages and the countdown, and invalidates
// in-flight calls.
func (e *Engine) resetLocked() {
	e.epoch++
	e.stopCountdownLocked()
	e.lastErr = nil
	e.snap = Snapshot{Role: e.role, Phone: e.snap.Phone, Step: StepPhoneEntry}
}

// Close stops the countdown. Results of calls still in flight are ignored.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.epoch++
	e.stopCountdownLocked()
	e.snap.Busy = false
	e.mu.Unlock()

	e.wg.Wait()
	return nil
}

func (e *Engine) devCode(echoed string) string {
	if !e.devCodes {
		return ""
	}
	if echoed != "" {
		return echoed
	}
	if !e.devFallback {
		return ""
	}
	code, err := util.RandomDigits(DevCodeLength)
	if err != nil {
		e.logger.Warn("failed to generate display code", slog.String("error", err.Error()))
		return ""
	}
	return code
}

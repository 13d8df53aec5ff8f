// Package api is the backend-for-frontend HTTP surface. Every browser is
// identified by a device cookie and gets its own session store namespace,
// session provider and login form engines.
package api

import (
	"context"
	_ "embed"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-openapi/runtime/middleware"

	"github.com/jmcleod/nobat/backend"
	"github.com/jmcleod/nobat/internal/metrics"
	"github.com/jmcleod/nobat/otp"
	"github.com/jmcleod/nobat/session"
	"github.com/jmcleod/nobat/storage"
)

const (
	defaultIdleTimeout = 30 * time.Minute
	sweepInterval      = time.Minute
)

// Backend is the subset of the REST client used by the handlers.
type Backend interface {
	otp.Backend
	session.UserFetcher
	UpdatePatientProfile(ctx context.Context, token string, fields backend.ProfileFields) (backend.ProfileUpdate, error)
	PaymentCallback(ctx context.Context, authority, status string) (backend.PaymentResult, error)
}

// API holds the dependencies needed by the REST handlers.
type API struct {
	repo          storage.Repository
	sealer        *storage.Sealer
	backend       Backend
	routes        session.Routes
	cachePrefixes []string
	devCodes      bool
	devFallback   bool
	idleTimeout   time.Duration
	logger        *slog.Logger
	audit         *auditLogger
	metrics       metrics.Recorder
	workspaces    *workspaceRegistry
	verifyLimiter *verifyRateLimiter

	stopOnce sync.Once
	stopCh   chan struct{}
	loopDone chan struct{}
}

//go:embed openapi.yaml
var openapiSpec []byte

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the structured logger for request and audit events.
// If not set, a default JSON logger writing to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) {
		a.logger = logger
	}
}

// WithMetrics records login flow metrics on m.
func WithMetrics(m metrics.Recorder) Option {
	return func(a *API) {
		a.metrics = m
	}
}

// WithRoutes overrides the login and panel routes.
func WithRoutes(routes session.Routes) Option {
	return func(a *API) {
		a.routes = routes
	}
}

// WithDevCodes enables development OTP display. fallback also generates a
// local code when the backend echoes none.
func WithDevCodes(enabled, fallback bool) Option {
	return func(a *API) {
		a.devCodes = enabled
		a.devFallback = enabled && fallback
	}
}

// WithIdleTimeout sets how long an unused device workspace stays in memory.
func WithIdleTimeout(d time.Duration) Option {
	return func(a *API) {
		if d > 0 {
			a.idleTimeout = d
		}
	}
}

// WithCachePrefixes sets the cache key prefixes cleared on logout.
func WithCachePrefixes(prefixes []string) Option {
	return func(a *API) {
		a.cachePrefixes = prefixes
	}
}

// New creates a new API instance and starts the idle workspace sweeper.
// Call Close to stop it.
func New(repo storage.Repository, sealer *storage.Sealer, be Backend, opts ...Option) *API {
	a := &API{
		repo:          repo,
		sealer:        sealer,
		backend:       be,
		routes:        session.DefaultRoutes(),
		cachePrefixes: session.DefaultCachePrefixes,
		idleTimeout:   defaultIdleTimeout,
		metrics:       metrics.Nop{},
		verifyLimiter: newVerifyRateLimiter(),
		stopCh:        make(chan struct{}),
		loopDone:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	a.audit = newAuditLogger(a.logger)
	a.workspaces = newWorkspaceRegistry()
	go a.sweepLoop()
	return a
}

// Router returns a chi.Router with all API routes mounted.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(SecurityHeaders)

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiSpec)
	})

	r.Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/docs",
	}, nil))

	r.Handle("/redoc*", middleware.Redoc(middleware.RedocOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/redoc",
	}, nil))

	// The gateway redirects here without our cookies.
	r.Get("/payment/callback", a.PaymentCallback)

	r.Group(func(r chi.Router) {
		r.Use(a.CSRFMiddleware, a.DeviceMiddleware)

		r.Route("/auth/{role}/otp", func(r chi.Router) {
			r.Post("/", a.SubmitPhone)
			r.Get("/", a.GetChallenge)
			r.Delete("/", a.AbandonChallenge)
			r.Post("/verify", a.SubmitOTP)
			r.Post("/resend", a.Resend)
			r.Post("/back", a.BackToPhoneEntry)
		})
		r.Post("/auth/logout", a.Logout)

		r.Get("/session", a.GetSession)
		r.Put("/session/profile", a.UpdateProfile)
		r.Get("/panels/{role}", a.PanelAccess)
	})

	return r
}

// Close stops the sweeper and releases every workspace.
func (a *API) Close() error {
	a.stopOnce.Do(func() {
		close(a.stopCh)
		<-a.loopDone
		for _, ws := range a.workspaces.drain() {
			ws.close()
		}
		a.metrics.SetWorkspaces(0)
	})
	return nil
}

// sweepLoop periodically releases idle workspaces and stale rate limit
// records.
func (a *API) sweepLoop() {
	defer close(a.loopDone)
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-a.stopCh:
			return
		case now := <-ticker.C:
			a.sweep(now)
		}
	}
}

func (a *API) sweep(now time.Time) {
	expired := a.workspaces.expire(now, a.idleTimeout)
	for _, ws := range expired {
		ws.close()
		a.audit.logSystem(AuditWorkspaceExpired, slog.String("device_id", ws.id))
	}
	a.metrics.SetWorkspaces(a.workspaces.len())
	a.verifyLimiter.sweep()
}

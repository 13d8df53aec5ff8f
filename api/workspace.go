package api

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/jmcleod/nobat/internal/uuid"
	"github.com/jmcleod/nobat/otp"
	"github.com/jmcleod/nobat/session"
)

const namespacePrefix = "device:"

// workspace is the per-device state: one store namespace, one provider and
// a login form engine per role.
type workspace struct {
	id       string
	store    *session.Store
	provider *session.Provider

	mu       sync.Mutex
	engines  map[session.Role]*otp.Engine
	lastSeen time.Time
	closed   bool
}

func (ws *workspace) touch(now time.Time) {
	ws.mu.Lock()
	ws.lastSeen = now
	ws.mu.Unlock()
}

func (ws *workspace) idleSince(now time.Time) time.Duration {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return now.Sub(ws.lastSeen)
}

// engine returns the engine for role, creating it with newEngine on first use.
// A workspace closed by the sweeper hands out no engines and returns
// otp.ErrClosed instead.
func (ws *workspace) engine(role session.Role, newEngine func() *otp.Engine) (*otp.Engine, error) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if ws.closed {
		return nil, otp.ErrClosed
	}
	if e, ok := ws.engines[role]; ok {
		return e, nil
	}
	e := newEngine()
	ws.engines[role] = e
	return e, nil
}

// dropEngine closes and forgets the engine for role.
func (ws *workspace) dropEngine(role session.Role) {
	ws.mu.Lock()
	e, ok := ws.engines[role]
	delete(ws.engines, role)
	ws.mu.Unlock()
	if ok {
		_ = e.Close()
	}
}

func (ws *workspace) close() {
	ws.mu.Lock()
	if ws.closed {
		ws.mu.Unlock()
		return
	}
	ws.closed = true
	engines := ws.engines
	ws.engines = map[session.Role]*otp.Engine{}
	ws.mu.Unlock()

	for _, e := range engines {
		_ = e.Close()
	}
	_ = ws.provider.Close()
}

type workspaceRegistry struct {
	mu   sync.Mutex
	byID map[string]*workspace
}

func newWorkspaceRegistry() *workspaceRegistry {
	return &workspaceRegistry{byID: make(map[string]*workspace)}
}

func (wr *workspaceRegistry) get(id string) (*workspace, bool) {
	wr.mu.Lock()
	defer wr.mu.Unlock()
	ws, ok := wr.byID[id]
	return ws, ok
}

// loadOrStore returns the workspace already registered under ws.id, or
// registers ws. loaded reports whether an existing workspace was returned.
func (wr *workspaceRegistry) loadOrStore(ws *workspace) (actual *workspace, loaded bool) {
	wr.mu.Lock()
	defer wr.mu.Unlock()
	if existing, ok := wr.byID[ws.id]; ok {
		return existing, true
	}
	wr.byID[ws.id] = ws
	return ws, false
}

// expire removes and returns workspaces idle for longer than idle.
func (wr *workspaceRegistry) expire(now time.Time, idle time.Duration) []*workspace {
	wr.mu.Lock()
	defer wr.mu.Unlock()
	var out []*workspace
	for id, ws := range wr.byID {
		if ws.idleSince(now) > idle {
			delete(wr.byID, id)
			out = append(out, ws)
		}
	}
	return out
}

func (wr *workspaceRegistry) drain() []*workspace {
	wr.mu.Lock()
	defer wr.mu.Unlock()
	out := make([]*workspace, 0, len(wr.byID))
	for _, ws := range wr.byID {
		out = append(out, ws)
	}
	wr.byID = make(map[string]*workspace)
	return out
}

func (wr *workspaceRegistry) len() int {
	wr.mu.Lock()
	defer wr.mu.Unlock()
	return len(wr.byID)
}

// openWorkspace builds the workspace for device id and hydrates its
// provider from storage.
func (a *API) openWorkspace(ctx context.Context, id string) *workspace {
	logger := a.logger.With("device_id", id)
	store := session.NewStore(a.repo, a.sealer, namespacePrefix+id,
		session.WithCachePrefixes(a.cachePrefixes...),
		session.WithStoreLogger(logger),
	)
	provider := session.NewProvider(store, a.backend, session.WithProviderLogger(logger))
	provider.Hydrate(ctx)
	return &workspace{
		id:       id,
		store:    store,
		provider: provider,
		engines:  make(map[session.Role]*otp.Engine),
		lastSeen: time.Now(),
	}
}

func (a *API) newEngine(ws *workspace, role session.Role) func() *otp.Engine {
	return func() *otp.Engine {
		return otp.New(role, a.backend, ws.store,
			otp.WithRoutes(a.routes),
			otp.WithDevCodes(a.devCodes),
			otp.WithDevFallback(a.devFallback),
			otp.WithMetrics(a.metrics),
			otp.WithLogger(a.logger.With("device_id", ws.id)),
		)
	}
}

// workspaceFor resolves the device cookie to a workspace, issuing a new
// device id when the cookie is missing or malformed.
func (a *API) workspaceFor(w http.ResponseWriter, r *http.Request) *workspace {
	now := time.Now()
	if id, ok := deviceIDFromCookie(r); ok {
		if _, err := r.Cookie(csrfCookieName); err != nil {
			writeCSRFCookie(w, r)
		}
		if ws, ok := a.workspaces.get(id); ok {
			ws.touch(now)
			return ws
		}
		// Known device whose workspace was swept: rebuild it from storage.
		return a.register(r, id)
	}

	id := uuid.New()
	writeDeviceCookie(w, r, id)
	writeCSRFCookie(w, r)
	return a.register(r, id)
}

func (a *API) register(r *http.Request, id string) *workspace {
	fresh := a.openWorkspace(r.Context(), id)
	ws, loaded := a.workspaces.loadOrStore(fresh)
	if loaded {
		// Lost a race with a concurrent request from the same device.
		fresh.close()
		ws.touch(time.Now())
		return ws
	}
	a.metrics.SetWorkspaces(a.workspaces.len())
	a.audit.log(AuditWorkspaceOpened, r, slog.String("device_id", id))
	return ws
}
